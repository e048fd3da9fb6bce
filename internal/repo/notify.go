package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/miradorstack/mirador-incident/internal/models"
)

// Notifier pushes incident notifications over a webhook channel and, for the
// most urgent incidents, a mail relay. Delivery is best effort: the pipeline
// never blocks or fails on a notification error.
type Notifier struct {
	webhookURL   string
	mailEndpoint string
	mailFrom     string
	mailTo       []string
	httpClient   *http.Client
}

// NewNotifier constructs a notifier. Empty endpoints disable their channel.
func NewNotifier(webhookURL, mailEndpoint, mailFrom string, mailTo []string, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{
		webhookURL:   webhookURL,
		mailEndpoint: strings.TrimRight(mailEndpoint, "/"),
		mailFrom:     mailFrom,
		mailTo:       mailTo,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

// Send routes one notification according to the incident's urgency. It
// returns an error only so callers can log it; no retries are scheduled.
func (n *Notifier) Send(ctx context.Context, urgency models.Urgency, inc models.Incident) error {
	if n == nil {
		return nil
	}

	switch urgency {
	case models.UrgencyImmediate:
		webhookErr := n.postWebhook(ctx, urgency, inc)
		mailErr := n.postMail(ctx, inc)
		if webhookErr != nil {
			return webhookErr
		}
		return mailErr
	case models.UrgencyStandard, models.UrgencySummary:
		return n.postWebhook(ctx, urgency, inc)
	default:
		return nil
	}
}

// TestConnection verifies the webhook channel accepts a ping payload.
func (n *Notifier) TestConnection(ctx context.Context) error {
	if n == nil || n.webhookURL == "" {
		return fmt.Errorf("no webhook configured")
	}
	payload := map[string]string{"text": "mirador-incident connectivity check"}
	return n.post(ctx, n.webhookURL, payload)
}

func (n *Notifier) postWebhook(ctx context.Context, urgency models.Urgency, inc models.Incident) error {
	if n.webhookURL == "" {
		return nil
	}
	payload := map[string]any{
		"text":     notificationText(urgency, inc),
		"incident": inc.ID,
		"severity": string(inc.Severity),
		"status":   string(inc.Status),
		"urgency":  string(urgency),
	}
	if inc.TicketRef != "" {
		payload["ticket"] = inc.TicketRef
	}
	if err := n.post(ctx, n.webhookURL, payload); err != nil {
		return fmt.Errorf("webhook notification: %w", err)
	}
	return nil
}

func (n *Notifier) postMail(ctx context.Context, inc models.Incident) error {
	if n.mailEndpoint == "" || len(n.mailTo) == 0 {
		return nil
	}
	payload := map[string]any{
		"from":    n.mailFrom,
		"to":      n.mailTo,
		"subject": fmt.Sprintf("[%s] incident %s", inc.Severity, inc.ID),
		"body":    ticketDescription(inc),
	}
	if err := n.post(ctx, n.mailEndpoint, payload); err != nil {
		return fmt.Errorf("mail notification: %w", err)
	}
	return nil
}

func (n *Notifier) post(ctx context.Context, endpoint string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("notification endpoint returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}

func notificationText(urgency models.Urgency, inc models.Incident) string {
	switch urgency {
	case models.UrgencyImmediate:
		return fmt.Sprintf(":rotating_light: %s incident %s requires immediate attention: %s", inc.Severity, inc.ID, inc.Description)
	case models.UrgencySummary:
		return fmt.Sprintf("Digest: %s incident %s recorded (%s). No action expected.", inc.Severity, inc.ID, inc.Description)
	default:
		return fmt.Sprintf("%s incident %s is %s: %s", inc.Severity, inc.ID, inc.Status, inc.Description)
	}
}
