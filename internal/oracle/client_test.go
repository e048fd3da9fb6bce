package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/miradorstack/mirador-incident/internal/models"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func stubCompletion(t *testing.T, content string) *http.Client {
	t.Helper()
	return &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		payload := map[string]any{
			"id":     "cmpl-1",
			"object": "chat.completion",
			"choices": []map[string]any{
				{
					"index":         0,
					"message":       map[string]any{"role": "assistant", "content": content},
					"finish_reason": "stop",
				},
			},
		}
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal stub completion: %v", err)
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewReader(data)),
			Header:     http.Header{"Content-Type": []string{"application/json"}},
		}, nil
	})}
}

func sampleEvent() models.Event {
	return models.Event{
		SourceKind:    models.SourceMetric,
		ResourceType:  models.ResourceCompute,
		ResourceID:    "i-0web1",
		Namespace:     "compute",
		MetricName:    "CPUUtilization",
		ObservedValue: models.Float64(88.0),
		Threshold:     models.Float64(80.0),
		State:         models.StateTriggered,
		Timestamp:     time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestUnconfiguredClientReturnsUnavailable(t *testing.T) {
	c := NewClient("", "", "", 0, nil)
	if c.Configured() {
		t.Fatalf("expected unconfigured client")
	}
	_, err := c.AnalyzeAnomaly(context.Background(), sampleEvent(), nil, nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestAnalyzeAnomalyParsesVerdict(t *testing.T) {
	content := `{"is_anomaly": true, "confidence": 0.82, "rationale": "sustained breach", "root_cause_hypothesis": "runaway worker"}`
	c := newClient("https://oracle.test/v1", "key", "test-model", time.Second, nil, stubCompletion(t, content))

	verdict, err := c.AnalyzeAnomaly(context.Background(), sampleEvent(), nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !verdict.IsAnomaly || verdict.Confidence != 0.82 {
		t.Fatalf("unexpected verdict: %+v", verdict)
	}
	if verdict.RootCauseHypothesis != "runaway worker" {
		t.Fatalf("hypothesis not carried: %+v", verdict)
	}
}

func TestAnalyzeAnomalyClampsConfidence(t *testing.T) {
	content := `{"is_anomaly": true, "confidence": 3.5, "rationale": "x"}`
	c := newClient("https://oracle.test/v1", "key", "test-model", time.Second, nil, stubCompletion(t, content))

	verdict, err := c.AnalyzeAnomaly(context.Background(), sampleEvent(), nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict.Confidence != 1.0 {
		t.Fatalf("confidence not clamped: %v", verdict.Confidence)
	}
}

func TestAnalyzeAnomalyStripsMarkdownFences(t *testing.T) {
	content := "```json\n{\"is_anomaly\": false, \"confidence\": 0.2, \"rationale\": \"expected maintenance\"}\n```"
	c := newClient("https://oracle.test/v1", "key", "test-model", time.Second, nil, stubCompletion(t, content))

	verdict, err := c.AnalyzeAnomaly(context.Background(), sampleEvent(), nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict.IsAnomaly {
		t.Fatalf("expected non-anomaly verdict, got %+v", verdict)
	}
}

func TestAnalyzeAnomalyUnparsableIsUnavailable(t *testing.T) {
	c := newClient("https://oracle.test/v1", "key", "test-model", time.Second, nil, stubCompletion(t, "it looks fine to me"))

	_, err := c.AnalyzeAnomaly(context.Background(), sampleEvent(), nil, nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on unparsable reply, got %v", err)
	}
}

func TestClassifySeverityParsesTier(t *testing.T) {
	content := `{"severity": "p2", "category": "Performance", "reason": "critical web tier"}`
	c := newClient("https://oracle.test/v1", "key", "test-model", time.Second, nil, stubCompletion(t, content))

	severity, category, err := c.ClassifySeverity(context.Background(), sampleEvent(), models.AnomalyVerdict{IsAnomaly: true, Confidence: 0.7}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if severity != models.SeverityP2 {
		t.Fatalf("unexpected severity %q", severity)
	}
	if category != models.CategoryPerformance {
		t.Fatalf("unexpected category %q", category)
	}
}

func TestClassifySeverityRejectsUnknownTier(t *testing.T) {
	content := `{"severity": "urgent", "category": "performance"}`
	c := newClient("https://oracle.test/v1", "key", "test-model", time.Second, nil, stubCompletion(t, content))

	_, _, err := c.ClassifySeverity(context.Background(), sampleEvent(), models.AnomalyVerdict{}, nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for unknown tier, got %v", err)
	}
}

func TestRecommendParsesActions(t *testing.T) {
	content := `{"root_cause_analysis": "web tier undersized for peak", "recommended_actions": ["scale out web asg", "review autoscaling policy"]}`
	c := newClient("https://oracle.test/v1", "key", "test-model", time.Second, nil, stubCompletion(t, content))

	rootCause, actions, err := c.Recommend(context.Background(), sampleEvent(), models.AnomalyVerdict{IsAnomaly: true, Confidence: 1}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rootCause == "" || len(actions) != 2 {
		t.Fatalf("unexpected recommendation: %q %v", rootCause, actions)
	}
}

func TestOracleTransportErrorIsUnavailable(t *testing.T) {
	failing := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})}
	c := newClient("https://oracle.test/v1", "key", "test-model", time.Second, nil, failing)

	_, err := c.AnalyzeAnomaly(context.Background(), sampleEvent(), nil, nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on transport error, got %v", err)
	}
}
