package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// RawAlarm is an alarm definition plus its current state as reported by the
// telemetry source.
type RawAlarm struct {
	Name          string
	Namespace     string
	ResourceID    string
	MetricName    string
	State         string
	Threshold     *float64
	ObservedValue *float64
	Description   string
	UpdatedAt     time.Time
}

// MetricStat is a single datapoint for a watched metric series.
type MetricStat struct {
	Namespace  string
	MetricName string
	ResourceID string
	Value      float64
	Timestamp  time.Time
}

// RawLogLine is one log record scanned for error patterns.
type RawLogLine struct {
	Group     string
	Stream    string
	Message   string
	Timestamp time.Time
}

// InsightRow is one aggregation result from a log-insight query.
type InsightRow struct {
	ResourceID string
	Value      float64
	Fields     map[string]string
	Timestamp  time.Time
}

// TelemetryClient wraps the monitored environment's query APIs for alarms,
// metric statistics, raw logs, and log-insight aggregations. With no base URL
// configured it serves synthetic sample signals so the agent runs end-to-end
// in local development.
type TelemetryClient struct {
	baseURL      string
	alarmsPath   string
	metricsPath  string
	logsPath     string
	insightsPath string
	httpClient   *http.Client
}

// NewTelemetryClient constructs a client targeting the configured telemetry endpoints.
func NewTelemetryClient(baseURL, alarmsPath, metricsPath, logsPath, insightsPath string, timeout time.Duration) *TelemetryClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TelemetryClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		alarmsPath:   alarmsPath,
		metricsPath:  metricsPath,
		logsPath:     logsPath,
		insightsPath: insightsPath,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

// Synthetic reports whether the client is serving built-in sample signals.
func (c *TelemetryClient) Synthetic() bool { return c.baseURL == "" }

// FetchAlarms returns alarms in or recently out of a firing state.
func (c *TelemetryClient) FetchAlarms(ctx context.Context) ([]RawAlarm, error) {
	if c == nil {
		return nil, fmt.Errorf("telemetry client not initialised")
	}
	if c.baseURL == "" {
		return syntheticAlarms(), nil
	}

	var response struct {
		Alarms []struct {
			Name          string    `json:"name"`
			Namespace     string    `json:"namespace"`
			ResourceID    string    `json:"resource_id"`
			MetricName    string    `json:"metric_name"`
			State         string    `json:"state"`
			Threshold     *float64  `json:"threshold"`
			ObservedValue *float64  `json:"observed_value"`
			Description   string    `json:"description"`
			UpdatedAt     time.Time `json:"updated_at"`
		} `json:"alarms"`
	}

	if err := c.postJSON(ctx, c.resolvePath(c.alarmsPath), map[string]any{}, &response); err != nil {
		return nil, fmt.Errorf("telemetry alarms request failed: %w", err)
	}

	alarms := make([]RawAlarm, 0, len(response.Alarms))
	for _, a := range response.Alarms {
		alarms = append(alarms, RawAlarm{
			Name:          a.Name,
			Namespace:     a.Namespace,
			ResourceID:    a.ResourceID,
			MetricName:    a.MetricName,
			State:         a.State,
			Threshold:     a.Threshold,
			ObservedValue: a.ObservedValue,
			Description:   a.Description,
			UpdatedAt:     a.UpdatedAt,
		})
	}
	return alarms, nil
}

// FetchMetricStats returns recent datapoints for one watched metric.
func (c *TelemetryClient) FetchMetricStats(ctx context.Context, namespace, metric string, since time.Time) ([]MetricStat, error) {
	if c == nil {
		return nil, fmt.Errorf("telemetry client not initialised")
	}
	if c.baseURL == "" {
		return syntheticMetricStats(namespace, metric), nil
	}

	payload := map[string]any{
		"namespace": namespace,
		"metric":    metric,
		"since":     since.UTC().Format(time.RFC3339),
	}

	var response struct {
		Stats []struct {
			Namespace  string    `json:"namespace"`
			MetricName string    `json:"metric_name"`
			ResourceID string    `json:"resource_id"`
			Value      float64   `json:"value"`
			Timestamp  time.Time `json:"timestamp"`
		} `json:"stats"`
	}

	if err := c.postJSON(ctx, c.resolvePath(c.metricsPath), payload, &response); err != nil {
		return nil, fmt.Errorf("telemetry metrics request failed: %w", err)
	}

	stats := make([]MetricStat, 0, len(response.Stats))
	for _, s := range response.Stats {
		stats = append(stats, MetricStat{
			Namespace:  firstNonEmpty(s.Namespace, namespace),
			MetricName: firstNonEmpty(s.MetricName, metric),
			ResourceID: s.ResourceID,
			Value:      s.Value,
			Timestamp:  s.Timestamp,
		})
	}
	return stats, nil
}

// FetchLogLines returns recent log records for one group.
func (c *TelemetryClient) FetchLogLines(ctx context.Context, group string, since time.Time) ([]RawLogLine, error) {
	if c == nil {
		return nil, fmt.Errorf("telemetry client not initialised")
	}
	if c.baseURL == "" {
		return syntheticLogLines(group), nil
	}

	payload := map[string]any{
		"group": group,
		"since": since.UTC().Format(time.RFC3339),
	}

	var response struct {
		Lines []struct {
			Group     string    `json:"group"`
			Stream    string    `json:"stream"`
			Message   string    `json:"message"`
			Timestamp time.Time `json:"timestamp"`
		} `json:"lines"`
	}

	if err := c.postJSON(ctx, c.resolvePath(c.logsPath), payload, &response); err != nil {
		return nil, fmt.Errorf("telemetry logs request failed: %w", err)
	}

	lines := make([]RawLogLine, 0, len(response.Lines))
	for _, l := range response.Lines {
		lines = append(lines, RawLogLine{
			Group:     firstNonEmpty(l.Group, group),
			Stream:    l.Stream,
			Message:   l.Message,
			Timestamp: l.Timestamp,
		})
	}
	return lines, nil
}

// RunInsightQuery executes one aggregation query against the log-insight endpoint.
func (c *TelemetryClient) RunInsightQuery(ctx context.Context, query string, since time.Time) ([]InsightRow, error) {
	if c == nil {
		return nil, fmt.Errorf("telemetry client not initialised")
	}
	if c.baseURL == "" {
		return syntheticInsightRows(query), nil
	}

	payload := map[string]any{
		"query": query,
		"since": since.UTC().Format(time.RFC3339),
	}

	var response struct {
		Rows []struct {
			ResourceID string            `json:"resource_id"`
			Value      float64           `json:"value"`
			Fields     map[string]string `json:"fields"`
			Timestamp  time.Time         `json:"timestamp"`
		} `json:"rows"`
	}

	if err := c.postJSON(ctx, c.resolvePath(c.insightsPath), payload, &response); err != nil {
		return nil, fmt.Errorf("telemetry insights request failed: %w", err)
	}

	rows := make([]InsightRow, 0, len(response.Rows))
	for _, r := range response.Rows {
		rows = append(rows, InsightRow{
			ResourceID: r.ResourceID,
			Value:      r.Value,
			Fields:     r.Fields,
			Timestamp:  r.Timestamp,
		})
	}
	return rows, nil
}

// TestConnection verifies the telemetry source is reachable.
func (c *TelemetryClient) TestConnection(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("telemetry client not initialised")
	}
	if c.baseURL == "" {
		return nil
	}
	_, err := c.FetchAlarms(ctx)
	return err
}

func (c *TelemetryClient) resolvePath(p string) string {
	if c.baseURL == "" {
		return ""
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *TelemetryClient) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telemetry source returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func syntheticAlarms() []RawAlarm {
	now := time.Now().UTC()
	return []RawAlarm{
		{
			Name:          "cpu-high-web-1",
			Namespace:     "compute",
			ResourceID:    "i-0web1",
			MetricName:    "CPUUtilization",
			State:         "ALARM",
			Threshold:     f64(80),
			ObservedValue: f64(93.5),
			Description:   "CPU above threshold for 5 minutes",
			UpdatedAt:     now.Add(-2 * time.Minute),
		},
		{
			Name:          "disk-full-db-1",
			Namespace:     "storage",
			ResourceID:    "vol-0db1",
			MetricName:    "DiskSpaceUtilization",
			State:         "OK",
			Threshold:     f64(90),
			ObservedValue: f64(71.2),
			Description:   "Disk usage back under threshold",
			UpdatedAt:     now.Add(-10 * time.Minute),
		},
	}
}

func syntheticMetricStats(namespace, metric string) []MetricStat {
	now := time.Now().UTC()
	stats := make([]MetricStat, 0, 5)
	base := 60.0
	if strings.Contains(strings.ToLower(metric), "status") {
		base = 0
	}
	for i := 0; i < 5; i++ {
		value := base + float64(i)*4
		stats = append(stats, MetricStat{
			Namespace:  namespace,
			MetricName: metric,
			ResourceID: "i-0web1",
			Value:      value,
			Timestamp:  now.Add(-time.Duration(5-i) * time.Minute),
		})
	}
	return stats
}

func syntheticLogLines(group string) []RawLogLine {
	now := time.Now().UTC()
	messages := []string{
		"request handled in 120ms",
		"ERROR: upstream connection refused",
		"ERROR: upstream connection refused",
		"ERROR: upstream connection refused",
		"request handled in 95ms",
	}
	lines := make([]RawLogLine, 0, len(messages))
	for i, msg := range messages {
		lines = append(lines, RawLogLine{
			Group:     group,
			Stream:    "app",
			Message:   msg,
			Timestamp: now.Add(-time.Duration(len(messages)-i) * time.Minute),
		})
	}
	return lines
}

func syntheticInsightRows(query string) []InsightRow {
	return []InsightRow{
		{
			ResourceID: "i-0web1",
			Value:      42,
			Fields:     map[string]string{"query": query},
			Timestamp:  time.Now().UTC().Add(-time.Minute),
		},
	}
}

func f64(v float64) *float64 { return &v }
