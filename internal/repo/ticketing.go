package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/miradorstack/mirador-incident/internal/models"
)

// ErrTicketingNotConfigured marks ticket operations skipped because no
// ticketing endpoint is set. Callers treat it as a soft failure and do not
// schedule retries.
var ErrTicketingNotConfigured = errors.New("ticketing not configured")

// TicketingClient files and maintains tickets in a Jira-compatible tracker.
type TicketingClient struct {
	baseURL    string
	token      string
	projectKey string
	issueType  string
	httpClient *http.Client
}

// NewTicketingClient constructs a ticketing client. An empty baseURL yields a
// client whose operations return ErrTicketingNotConfigured.
func NewTicketingClient(baseURL, token, projectKey, issueType string, timeout time.Duration) *TicketingClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if projectKey == "" {
		projectKey = "OPS"
	}
	if issueType == "" {
		issueType = "Incident"
	}
	return &TicketingClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		projectKey: projectKey,
		issueType:  issueType,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Configured reports whether a ticketing endpoint is set.
func (c *TicketingClient) Configured() bool {
	return c != nil && c.baseURL != ""
}

// Create files a ticket for the incident and returns its key. Creation is
// idempotent per incident: an existing ticket labelled with the incident id is
// reused instead of filing a duplicate.
func (c *TicketingClient) Create(ctx context.Context, inc models.Incident) (string, error) {
	if !c.Configured() {
		return "", ErrTicketingNotConfigured
	}

	if key, err := c.findByIncident(ctx, inc.ID); err == nil && key != "" {
		return key, nil
	}

	payload := map[string]any{
		"fields": map[string]any{
			"project":     map[string]string{"key": c.projectKey},
			"issuetype":   map[string]string{"name": c.issueType},
			"summary":     ticketSummary(inc),
			"description": ticketDescription(inc),
			"priority":    map[string]string{"name": ticketPriority(inc.Severity)},
			"labels":      ticketLabels(inc),
		},
	}

	var created struct {
		Key string `json:"key"`
	}
	if err := c.do(ctx, http.MethodPost, "/rest/api/2/issue", payload, &created); err != nil {
		return "", fmt.Errorf("create ticket: %w", err)
	}
	if created.Key == "" {
		return "", fmt.Errorf("create ticket: tracker returned no issue key")
	}
	return created.Key, nil
}

// Update appends a progress comment to the incident's ticket.
func (c *TicketingClient) Update(ctx context.Context, ticketRef, body string) error {
	if !c.Configured() {
		return ErrTicketingNotConfigured
	}
	if ticketRef == "" {
		return fmt.Errorf("update ticket: empty ticket reference")
	}
	payload := map[string]string{"body": body}
	path := fmt.Sprintf("/rest/api/2/issue/%s/comment", url.PathEscape(ticketRef))
	if err := c.do(ctx, http.MethodPost, path, payload, nil); err != nil {
		return fmt.Errorf("update ticket %s: %w", ticketRef, err)
	}
	return nil
}

// Close transitions the ticket to a terminal state, picking whichever of
// Done, Closed or Resolved the tracker's workflow offers.
func (c *TicketingClient) Close(ctx context.Context, ticketRef, resolution string) error {
	if !c.Configured() {
		return ErrTicketingNotConfigured
	}
	if ticketRef == "" {
		return fmt.Errorf("close ticket: empty ticket reference")
	}

	var transitions struct {
		Transitions []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"transitions"`
	}
	path := fmt.Sprintf("/rest/api/2/issue/%s/transitions", url.PathEscape(ticketRef))
	if err := c.do(ctx, http.MethodGet, path, nil, &transitions); err != nil {
		return fmt.Errorf("list transitions for %s: %w", ticketRef, err)
	}

	transitionID := ""
	for _, want := range []string{"done", "closed", "resolved", "close", "resolve"} {
		for _, t := range transitions.Transitions {
			if strings.EqualFold(t.Name, want) {
				transitionID = t.ID
				break
			}
		}
		if transitionID != "" {
			break
		}
	}
	if transitionID == "" {
		return fmt.Errorf("close ticket %s: no terminal transition available", ticketRef)
	}

	if resolution != "" {
		_ = c.Update(ctx, ticketRef, "Resolution: "+resolution)
	}

	payload := map[string]any{"transition": map[string]string{"id": transitionID}}
	if err := c.do(ctx, http.MethodPost, path, payload, nil); err != nil {
		return fmt.Errorf("close ticket %s: %w", ticketRef, err)
	}
	return nil
}

// TestConnection verifies the tracker accepts the configured credentials.
func (c *TicketingClient) TestConnection(ctx context.Context) error {
	if !c.Configured() {
		return ErrTicketingNotConfigured
	}
	return c.do(ctx, http.MethodGet, "/rest/api/2/myself", nil, nil)
}

// findByIncident looks up an existing ticket labelled with the incident id.
func (c *TicketingClient) findByIncident(ctx context.Context, incidentID string) (string, error) {
	jql := fmt.Sprintf(`labels = %q ORDER BY created DESC`, incidentID)
	path := "/rest/api/2/search?maxResults=1&fields=key&jql=" + url.QueryEscape(jql)

	var result struct {
		Issues []struct {
			Key string `json:"key"`
		} `json:"issues"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return "", err
	}
	if len(result.Issues) == 0 {
		return "", nil
	}
	return result.Issues[0].Key, nil
}

func (c *TicketingClient) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("tracker returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func ticketSummary(inc models.Incident) string {
	desc := inc.Description
	if len(desc) > 160 {
		desc = desc[:157] + "..."
	}
	return fmt.Sprintf("[%s] %s", inc.Severity, desc)
}

func ticketDescription(inc models.Incident) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Incident %s (severity %s, category %s)\n\n", inc.ID, inc.Severity, inc.Category)
	fmt.Fprintf(&b, "%s\n", inc.Description)
	if inc.RootCauseAnalysis != "" {
		fmt.Fprintf(&b, "\nRoot cause analysis:\n%s\n", inc.RootCauseAnalysis)
	}
	if len(inc.RecommendedActions) > 0 {
		b.WriteString("\nRecommended actions:\n")
		for _, a := range inc.RecommendedActions {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	if inc.DegradedContext {
		b.WriteString("\nNote: knowledge context was unavailable during analysis.\n")
	}
	fmt.Fprintf(&b, "\nOpened at %s by mirador-incident.\n", inc.CreatedAt.UTC().Format(time.RFC3339))
	return b.String()
}

func ticketLabels(inc models.Incident) []string {
	labels := []string{"auto-generated", inc.ID}
	if inc.Category != "" {
		labels = append(labels, string(inc.Category))
	}
	return labels
}

func ticketPriority(sev models.Severity) string {
	switch sev {
	case models.SeverityP1:
		return "Highest"
	case models.SeverityP2:
		return "High"
	case models.SeverityP3:
		return "Medium"
	case models.SeverityP4:
		return "Low"
	default:
		return "Lowest"
	}
}
