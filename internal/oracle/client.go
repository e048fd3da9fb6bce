package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/miradorstack/mirador-incident/internal/metrics"
	"github.com/miradorstack/mirador-incident/internal/models"
)

// ErrUnavailable marks oracle calls that could not produce a usable answer.
// Callers apply their fail-open policy instead of dropping the signal.
var ErrUnavailable = errors.New("oracle unavailable")

const (
	taskAnomaly   = "anomaly"
	taskSeverity  = "severity"
	taskRecommend = "recommend"
)

// Client performs natural-language analysis of telemetry events through an
// OpenAI-compatible chat completion endpoint.
type Client struct {
	api     *openai.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient constructs an oracle client. An empty apiKey yields an
// unconfigured client whose calls return ErrUnavailable.
func NewClient(baseURL, apiKey, model string, timeout time.Duration, logger *slog.Logger) *Client {
	return newClient(baseURL, apiKey, model, timeout, logger, nil)
}

func newClient(baseURL, apiKey, model string, timeout time.Duration, logger *slog.Logger, httpClient *http.Client) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	c := &Client{model: model, timeout: timeout, logger: logger}
	if apiKey == "" && baseURL == "" {
		return c
	}

	conf := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		conf.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if httpClient != nil {
		conf.HTTPClient = httpClient
	} else {
		conf.HTTPClient = &http.Client{Timeout: timeout}
	}
	c.api = openai.NewClientWithConfig(conf)
	return c
}

// Configured reports whether the client can reach a completion endpoint.
func (c *Client) Configured() bool {
	return c != nil && c.api != nil
}

// AnalyzeAnomaly asks the oracle whether the event indicates a genuine
// anomaly, grounding the question with correlated events and retrieved
// knowledge.
func (c *Client) AnalyzeAnomaly(ctx context.Context, event models.Event, correlated []models.Event, knowledge []models.KnowledgeDocument) (models.AnomalyVerdict, error) {
	prompt := map[string]any{
		"event":             eventContext(event),
		"correlated_events": eventContexts(correlated),
		"knowledge":         knowledgeContext(knowledge),
	}

	const system = "You analyse infrastructure telemetry for an incident pipeline. " +
		"Decide whether the event describes a genuine anomaly rather than noise. " +
		"Respond with JSON only, no prose: " +
		`{"is_anomaly": boolean, "confidence": number between 0 and 1, "rationale": string, "root_cause_hypothesis": string}`

	var verdict struct {
		IsAnomaly           bool    `json:"is_anomaly"`
		Confidence          float64 `json:"confidence"`
		Rationale           string  `json:"rationale"`
		RootCauseHypothesis string  `json:"root_cause_hypothesis"`
	}
	if err := c.complete(ctx, taskAnomaly, system, prompt, &verdict); err != nil {
		return models.AnomalyVerdict{}, err
	}

	return models.AnomalyVerdict{
		IsAnomaly:           verdict.IsAnomaly,
		Confidence:          clamp01(verdict.Confidence),
		Rationale:           verdict.Rationale,
		RootCauseHypothesis: verdict.RootCauseHypothesis,
	}, nil
}

// ClassifySeverity asks the oracle for a priority tier when deterministic
// rules cannot decide.
func (c *Client) ClassifySeverity(ctx context.Context, event models.Event, verdict models.AnomalyVerdict, knowledge []models.KnowledgeDocument) (models.Severity, models.Category, error) {
	prompt := map[string]any{
		"event":     eventContext(event),
		"verdict":   verdictContext(verdict),
		"knowledge": knowledgeContext(knowledge),
	}

	const system = "You assign operational priority to infrastructure anomalies. " +
		"P1 is a critical outage, P6 is informational. When in doubt choose the more severe tier. " +
		"Respond with JSON only, no prose: " +
		`{"severity": "P1".."P6", "category": one of ["performance","availability","error-rate","resource-exhaustion","security","configuration","capacity","unknown"], "reason": string}`

	var result struct {
		Severity string `json:"severity"`
		Category string `json:"category"`
		Reason   string `json:"reason"`
	}
	if err := c.complete(ctx, taskSeverity, system, prompt, &result); err != nil {
		return "", "", err
	}

	severity := models.ParseSeverity(result.Severity)
	if severity == "" {
		return "", "", fmt.Errorf("%w: unusable severity %q", ErrUnavailable, result.Severity)
	}
	category := models.Category(strings.ToLower(strings.TrimSpace(result.Category)))
	if category == "" {
		category = models.CategoryUnknown
	}
	return severity, category, nil
}

// Recommend asks the oracle for a root cause analysis and remediation steps
// for an open incident.
func (c *Client) Recommend(ctx context.Context, event models.Event, verdict models.AnomalyVerdict, knowledge []models.KnowledgeDocument) (string, []string, error) {
	prompt := map[string]any{
		"event":     eventContext(event),
		"verdict":   verdictContext(verdict),
		"knowledge": knowledgeContext(knowledge),
	}

	const system = "You write concise operator guidance for infrastructure incidents. " +
		"Ground your answer in the supplied knowledge documents when they apply. " +
		"Respond with JSON only, no prose: " +
		`{"root_cause_analysis": string, "recommended_actions": [string, ...]}`

	var result struct {
		RootCauseAnalysis  string   `json:"root_cause_analysis"`
		RecommendedActions []string `json:"recommended_actions"`
	}
	if err := c.complete(ctx, taskRecommend, system, prompt, &result); err != nil {
		return "", nil, err
	}
	if result.RootCauseAnalysis == "" && len(result.RecommendedActions) == 0 {
		return "", nil, fmt.Errorf("%w: empty recommendation", ErrUnavailable)
	}
	return result.RootCauseAnalysis, result.RecommendedActions, nil
}

// TestConnection issues a minimal completion to verify the endpoint answers.
func (c *Client) TestConnection(ctx context.Context) error {
	if !c.Configured() {
		return ErrUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: 8,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "Reply with the word ok."},
		},
	})
	return err
}

func (c *Client) complete(ctx context.Context, task, system string, prompt map[string]any, out any) error {
	if !c.Configured() {
		metrics.ObserveOracleRequest(task, metrics.OutcomeError)
		return ErrUnavailable
	}

	payload, err := json.Marshal(prompt)
	if err != nil {
		metrics.ObserveOracleRequest(task, metrics.OutcomeError)
		return fmt.Errorf("%w: marshal prompt: %v", ErrUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0.1,
		MaxTokens:   600,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: string(payload)},
		},
	})
	if err != nil {
		c.logger.Warn("oracle call failed", "task", task, "error", err)
		metrics.ObserveOracleRequest(task, metrics.OutcomeError)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		metrics.ObserveOracleRequest(task, metrics.OutcomeError)
		return fmt.Errorf("%w: no choices returned", ErrUnavailable)
	}

	content := extractJSON(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), out); err != nil {
		c.logger.Warn("oracle returned unparsable content", "task", task, "error", err)
		metrics.ObserveOracleRequest(task, metrics.OutcomeError)
		return fmt.Errorf("%w: parse response: %v", ErrUnavailable, err)
	}

	metrics.ObserveOracleRequest(task, metrics.OutcomeSuccess)
	return nil
}

// extractJSON trims markdown fences and surrounding prose from a model reply.
func extractJSON(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return content
}

func eventContext(e models.Event) map[string]any {
	ctx := map[string]any{
		"source_kind":   string(e.SourceKind),
		"resource_type": string(e.ResourceType),
		"resource_id":   e.ResourceID,
		"namespace":     e.Namespace,
		"metric_name":   e.MetricName,
		"state":         string(e.State),
		"timestamp":     e.Timestamp.UTC().Format(time.RFC3339),
	}
	if e.ObservedValue != nil {
		ctx["observed_value"] = *e.ObservedValue
	}
	if e.Threshold != nil {
		ctx["threshold"] = *e.Threshold
	}
	if msg, ok := e.RawPayload["message"]; ok {
		ctx["message"] = msg
	}
	return ctx
}

func eventContexts(events []models.Event) []map[string]any {
	if len(events) == 0 {
		return nil
	}
	out := make([]map[string]any, 0, len(events))
	for _, e := range events {
		out = append(out, eventContext(e))
	}
	return out
}

func verdictContext(v models.AnomalyVerdict) map[string]any {
	return map[string]any{
		"is_anomaly":            v.IsAnomaly,
		"confidence":            v.Confidence,
		"rationale":             v.Rationale,
		"root_cause_hypothesis": v.RootCauseHypothesis,
	}
}

// knowledgeContext keeps prompts bounded: titles plus the leading section of
// at most five documents.
func knowledgeContext(docs []models.KnowledgeDocument) []map[string]any {
	if len(docs) == 0 {
		return nil
	}
	if len(docs) > 5 {
		docs = docs[:5]
	}
	out := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		entry := map[string]any{
			"kind":     string(d.Kind),
			"title":    d.Title,
			"category": string(d.Category),
		}
		if len(d.BodySections) > 0 {
			entry["summary"] = d.BodySections[0]
		}
		out = append(out, entry)
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
