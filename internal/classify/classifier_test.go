package classify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/miradorstack/mirador-incident/internal/models"
)

type fakeOracle struct {
	severity models.Severity
	category models.Category
	err      error
	calls    int
}

func (f *fakeOracle) ClassifySeverity(context.Context, models.Event, models.AnomalyVerdict, []models.KnowledgeDocument) (models.Severity, models.Category, error) {
	f.calls++
	return f.severity, f.category, f.err
}

func alarmEvent(resource, metric string, observed, threshold float64) models.Event {
	return models.Event{
		SourceKind:    models.SourceAlarm,
		ResourceType:  models.ResourceCompute,
		ResourceID:    resource,
		Namespace:     "compute",
		MetricName:    metric,
		ObservedValue: models.Float64(observed),
		Threshold:     models.Float64(threshold),
		State:         models.StateTriggered,
		Timestamp:     time.Now(),
	}
}

func confident() models.AnomalyVerdict {
	return models.AnomalyVerdict{IsAnomaly: true, Confidence: 1.0}
}

func TestClassifyCPUBreachLandsP2(t *testing.T) {
	c := New(nil, nil, nil)
	severity, category := c.Classify(context.Background(), alarmEvent("i-1", "CPUUtilization", 95, 80), confident(), nil)
	if severity != models.SeverityP2 {
		t.Fatalf("expected P2, got %s", severity)
	}
	if category != models.CategoryPerformance {
		t.Fatalf("expected performance category, got %s", category)
	}
}

func TestClassifyStatusCheckLandsP1(t *testing.T) {
	c := New(nil, nil, nil)
	severity, category := c.Classify(context.Background(), alarmEvent("i-1", "StatusCheckFailed", 1, 0), confident(), nil)
	if severity != models.SeverityP1 {
		t.Fatalf("availability outage at full confidence must be P1, got %s", severity)
	}
	if category != models.CategoryAvailability {
		t.Fatalf("StatusCheckFailed must categorize as availability, got %s", category)
	}
}

func TestClassifyLowConfidenceLandsLowTier(t *testing.T) {
	c := New(nil, nil, nil)
	verdict := models.AnomalyVerdict{IsAnomaly: true, Confidence: 0.3, Rationale: "oracle unavailable"}
	event := alarmEvent("i-1", "somethingodd", 0, 0)
	event.ObservedValue = nil
	event.Threshold = nil

	severity, _ := c.Classify(context.Background(), event, verdict, nil)
	if severity != models.SeverityP5 {
		t.Fatalf("expected P5 for degraded low-confidence verdict, got %s", severity)
	}
}

func TestClassifyLogSourcePenalty(t *testing.T) {
	c := New(nil, nil, nil)
	logEvent := models.Event{
		SourceKind: models.SourceLog,
		ResourceID: "app/web",
		MetricName: "log-error-burst",
		RawPayload: map[string]any{"message": "ERROR: upstream connection refused"},
		State:      models.StateTriggered,
		Timestamp:  time.Now(),
	}
	verdict := models.AnomalyVerdict{IsAnomaly: true, Confidence: 0.7}

	severity, category := c.Classify(context.Background(), logEvent, verdict, nil)
	if category != models.CategoryErrorRate {
		t.Fatalf("expected error-rate category, got %s", category)
	}
	// 0.6*0.7 + 0.4*0.85 - 0.05 = 0.71
	if severity != models.SeverityP3 {
		t.Fatalf("expected P3, got %s", severity)
	}
}

func TestClassifyOverrideWins(t *testing.T) {
	dir := t.TempDir()
	rulePath := filepath.Join(dir, "rules.yaml")
	pack := `overrides:
  - match:
      resource: "i-0db*"
      metric: "CPUUtilization"
    severity: P1
criticality:
  - match:
      resource: "prod-*"
    level: high
`
	if err := os.WriteFile(rulePath, []byte(pack), 0o644); err != nil {
		t.Fatalf("write rule pack: %v", err)
	}
	rules, err := NewRuleEngine(rulePath, nil)
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	if rules == nil {
		t.Fatalf("expected rule engine")
	}

	c := New(rules, nil, nil)
	severity, _ := c.Classify(context.Background(), alarmEvent("i-0db-primary", "CPUUtilization", 85, 80), models.AnomalyVerdict{IsAnomaly: true, Confidence: 0.4}, nil)
	if severity != models.SeverityP1 {
		t.Fatalf("override must win, got %s", severity)
	}

	severity, _ = c.Classify(context.Background(), alarmEvent("i-0web1", "CPUUtilization", 85, 80), models.AnomalyVerdict{IsAnomaly: true, Confidence: 0.4}, nil)
	if severity == models.SeverityP1 {
		t.Fatalf("override leaked onto non-matching resource")
	}
}

func TestClassifyCriticalityRaisesTier(t *testing.T) {
	dir := t.TempDir()
	rulePath := filepath.Join(dir, "rules.yaml")
	pack := `criticality:
  - match:
      resource: "prod-*"
    level: high
`
	if err := os.WriteFile(rulePath, []byte(pack), 0o644); err != nil {
		t.Fatalf("write rule pack: %v", err)
	}
	rules, err := NewRuleEngine(rulePath, nil)
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}

	c := New(rules, nil, nil)
	verdict := models.AnomalyVerdict{IsAnomaly: true, Confidence: 0.8}

	// 0.6*0.8 + 0.4*0.8 = 0.80 -> P3; +0.05 criticality -> 0.85 -> P2.
	normal, _ := c.Classify(context.Background(), alarmEvent("i-0web1", "CPUUtilization", 85, 80), verdict, nil)
	critical, _ := c.Classify(context.Background(), alarmEvent("prod-web1", "CPUUtilization", 85, 80), verdict, nil)
	if normal != models.SeverityP3 {
		t.Fatalf("expected P3 for normal resource, got %s", normal)
	}
	if critical != models.SeverityP2 {
		t.Fatalf("expected P2 for critical resource, got %s", critical)
	}
}

func TestClassifyInsufficientInfoDelegatesToOracle(t *testing.T) {
	oracle := &fakeOracle{severity: models.SeverityP4, category: models.CategoryConfiguration}
	c := New(nil, oracle, nil)

	bare := models.Event{
		SourceKind: models.SourceLogInsight,
		ResourceID: "svc-api",
		State:      models.StateTriggered,
		Timestamp:  time.Now(),
	}
	severity, category := c.Classify(context.Background(), bare, models.AnomalyVerdict{IsAnomaly: true, Confidence: 0.5}, nil)
	if oracle.calls != 1 {
		t.Fatalf("expected oracle delegation, calls=%d", oracle.calls)
	}
	if severity != models.SeverityP4 || category != models.CategoryConfiguration {
		t.Fatalf("oracle result not honoured: %s %s", severity, category)
	}
}

func TestClassifyTotalFailureDefaultsToP3(t *testing.T) {
	oracle := &fakeOracle{err: errors.New("oracle down")}
	c := New(nil, oracle, nil)

	bare := models.Event{
		SourceKind: models.SourceLogInsight,
		ResourceID: "svc-api",
		State:      models.StateTriggered,
		Timestamp:  time.Now(),
	}
	severity, _ := c.Classify(context.Background(), bare, models.AnomalyVerdict{IsAnomaly: true, Confidence: 0.5}, nil)
	if severity != models.SeverityP3 {
		t.Fatalf("total classification failure must default to P3, got %s", severity)
	}
}

func TestCategorizeOrdersSpecificBeforeGeneric(t *testing.T) {
	cases := []struct {
		metric  string
		message string
		want    models.Category
	}{
		{"StatusCheckFailed", "", models.CategoryAvailability},
		{"MemoryUtilization", "", models.CategoryResourceExhaustion},
		{"DiskSpaceUtilization", "", models.CategoryResourceExhaustion},
		{"CPUUtilization", "", models.CategoryPerformance},
		{"log-error-burst", "FATAL: worker crashed", models.CategoryErrorRate},
		{"", "OOMKilled container restarted", models.CategoryResourceExhaustion},
		{"request-throttling", "", models.CategoryCapacity},
		{"", "unauthorized access attempt", models.CategorySecurity},
		{"", "", models.CategoryUnknown},
	}
	for _, tc := range cases {
		e := models.Event{MetricName: tc.metric}
		if tc.message != "" {
			e.RawPayload = map[string]any{"message": tc.message}
		}
		if got := Categorize(e); got != tc.want {
			t.Errorf("Categorize(%q,%q) = %s, want %s", tc.metric, tc.message, got, tc.want)
		}
	}
}

func TestNewRuleEngineMissingFileIsNil(t *testing.T) {
	rules, err := NewRuleEngine(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rules != nil {
		t.Fatalf("expected nil engine for missing file")
	}
	if sev, ok := rules.Override(alarmEvent("i-1", "CPUUtilization", 90, 80)); ok || sev != "" {
		t.Fatalf("nil engine must not match anything")
	}
	if level := rules.Criticality(alarmEvent("i-1", "CPUUtilization", 90, 80)); level != "normal" {
		t.Fatalf("nil engine must report normal criticality, got %q", level)
	}
}
