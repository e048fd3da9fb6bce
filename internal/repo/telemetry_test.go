package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"
)

func TestFetchAlarmsSyntheticWhenUnconfigured(t *testing.T) {
	c := NewTelemetryClient("", "", "", "", "", time.Second)
	if !c.Synthetic() {
		t.Fatalf("expected synthetic mode without base URL")
	}
	alarms, err := c.FetchAlarms(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(alarms) == 0 {
		t.Fatalf("expected synthetic alarms")
	}
	var firing int
	for _, a := range alarms {
		if a.State == "ALARM" {
			firing++
		}
	}
	if firing == 0 {
		t.Fatalf("expected at least one firing synthetic alarm")
	}
}

func TestFetchAlarmsDecodesResponse(t *testing.T) {
	c := NewTelemetryClient("https://telemetry.test", "", "", "", "", time.Second)
	c.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/api/v1/telemetry/alarms" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		body := []byte(`{"alarms":[{"name":"mem-high","namespace":"compute","resource_id":"i-0abc","metric_name":"MemoryUtilization","state":"ALARM","threshold":85,"observed_value":91.2,"updated_at":"2025-06-01T10:00:00Z"}]}`)
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewReader(body)),
			Header:     make(http.Header),
		}, nil
	}))

	alarms, err := c.FetchAlarms(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(alarms) != 1 {
		t.Fatalf("expected one alarm, got %d", len(alarms))
	}
	a := alarms[0]
	if a.ResourceID != "i-0abc" || a.MetricName != "MemoryUtilization" {
		t.Fatalf("unexpected alarm: %+v", a)
	}
	if a.Threshold == nil || *a.Threshold != 85 {
		t.Fatalf("threshold not decoded: %+v", a.Threshold)
	}
}

func TestFetchMetricStatsSendsWindow(t *testing.T) {
	var captured map[string]any
	c := NewTelemetryClient("https://telemetry.test", "", "", "", "", time.Second)
	c.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/api/v1/telemetry/metrics" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		if err := json.NewDecoder(req.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		body := []byte(`{"stats":[{"namespace":"compute","metric_name":"CPUUtilization","resource_id":"i-0web1","value":88.1,"timestamp":"2025-06-01T10:00:00Z"}]}`)
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewReader(body)),
			Header:     make(http.Header),
		}, nil
	}))

	since := time.Date(2025, 6, 1, 9, 55, 0, 0, time.UTC)
	stats, err := c.FetchMetricStats(context.Background(), "compute", "CPUUtilization", since)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stats) != 1 || stats[0].Value != 88.1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if captured["namespace"] != "compute" || captured["metric"] != "CPUUtilization" {
		t.Fatalf("request payload missing series selector: %v", captured)
	}
	if captured["since"] != "2025-06-01T09:55:00Z" {
		t.Fatalf("request payload missing window start: %v", captured)
	}
}

func TestFetchLogLinesSyntheticContainsErrorBurst(t *testing.T) {
	c := NewTelemetryClient("", "", "", "", "", time.Second)
	lines, err := c.FetchLogLines(context.Background(), "app/web", time.Now().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var errorCount int
	for _, l := range lines {
		if l.Group != "app/web" {
			t.Fatalf("line missing group: %+v", l)
		}
		if bytes.Contains([]byte(l.Message), []byte("ERROR")) {
			errorCount++
		}
	}
	if errorCount < 3 {
		t.Fatalf("expected synthetic error burst, got %d error lines", errorCount)
	}
}

func TestTelemetryRequestFailureReturnsError(t *testing.T) {
	c := NewTelemetryClient("https://telemetry.test", "", "", "", "", time.Second)
	c.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusBadGateway,
			Body:       io.NopCloser(bytes.NewReader([]byte("upstream down"))),
			Header:     make(http.Header),
		}, nil
	}))

	if _, err := c.FetchAlarms(context.Background()); err == nil {
		t.Fatalf("expected error from failing telemetry endpoint")
	}
}
