package agent

import (
	"context"
	"testing"
	"time"

	"github.com/miradorstack/mirador-incident/internal/classify"
	"github.com/miradorstack/mirador-incident/internal/detect"
	"github.com/miradorstack/mirador-incident/internal/lifecycle"
	"github.com/miradorstack/mirador-incident/internal/models"
)

type fakeSource struct {
	events   []models.Event
	errs     map[string]string
	statuses []models.CollectorStatus
	polled   int
}

func (f *fakeSource) Poll(_ context.Context, _ models.SourceKind, _ time.Time) ([]models.Event, error) {
	f.polled++
	return f.events, nil
}

func (f *fakeSource) PollAll(_ context.Context, _ time.Time) ([]models.Event, map[string]string) {
	f.polled++
	return f.events, f.errs
}

func (f *fakeSource) Kinds() []models.SourceKind {
	return []models.SourceKind{models.SourceAlarm}
}

func (f *fakeSource) Statuses() []models.CollectorStatus { return f.statuses }

func (f *fakeSource) TestConnections(context.Context) []models.ConnectivityResult {
	return []models.ConnectivityResult{{Name: "collector:alarm", OK: true}}
}

type fakeRetriever struct {
	docs     []models.KnowledgeDocument
	degraded bool
}

func (f *fakeRetriever) ContextFor(context.Context, models.Event) ([]models.KnowledgeDocument, bool) {
	return f.docs, f.degraded
}

func alarmEvent(resource string, observed, threshold *float64, state models.EventState) models.Event {
	e := models.Event{
		SourceKind:    models.SourceAlarm,
		ResourceType:  models.ResourceCompute,
		ResourceID:    resource,
		Namespace:     "compute",
		MetricName:    "CPUUtilization",
		ObservedValue: observed,
		Threshold:     threshold,
		State:         state,
		Timestamp:     time.Now().UTC(),
	}
	e.ID = models.EventID(e.SourceKind, e.ResourceID, e.MetricName, e.Timestamp)
	return e
}

func newTestAgent(source EventSource, retriever Retriever) (*Agent, *lifecycle.Manager) {
	lc := lifecycle.NewManager(lifecycle.NewStore(), nil, nil, nil, nil, lifecycle.Config{}, nil)
	detector := detect.New(nil, 0, 0.3, nil)
	classifier := classify.New(nil, nil, nil)
	a := New(source, detector, classifier, retriever, lc, nil, nil,
		map[models.SourceKind]time.Duration{models.SourceAlarm: time.Minute}, time.Minute, nil)
	return a, lc
}

func TestRunCycleCreatesIncidentFromBreach(t *testing.T) {
	source := &fakeSource{
		events: []models.Event{
			alarmEvent("i-1", models.Float64(95), models.Float64(80), models.StateTriggered),
		},
	}
	a, lc := newTestAgent(source, nil)

	summary := a.RunCycle(context.Background())
	if summary.EventsCollected != 1 || summary.IncidentsCreated != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	open := lc.List(models.StatusOpen, "")
	if len(open) != 1 {
		t.Fatalf("expected one open incident, got %d", len(open))
	}
	// Deterministic breach: confidence 1.0 on a performance metric lands on P2.
	if open[0].Severity != models.SeverityP2 {
		t.Fatalf("expected P2, got %s", open[0].Severity)
	}
}

func TestRunCycleAutoResolvesLowTierOnClear(t *testing.T) {
	// No threshold on the event and no oracle: detection fails open at
	// confidence 0.3, which scores into auto-closing P4.
	source := &fakeSource{
		events: []models.Event{alarmEvent("i-2", nil, nil, models.StateTriggered)},
	}
	a, lc := newTestAgent(source, nil)

	a.RunCycle(context.Background())
	open := lc.List(models.StatusOpen, "")
	if len(open) != 1 || open[0].Severity != models.SeverityP4 {
		t.Fatalf("expected one open P4 incident, got %+v", open)
	}

	source.events = []models.Event{alarmEvent("i-2", nil, nil, models.StateCleared)}
	summary := a.RunCycle(context.Background())
	if summary.IncidentsResolved != 1 {
		t.Fatalf("cleared event did not resolve: %+v", summary)
	}
	if got, _ := lc.Get(open[0].ID); got.Status != models.StatusClosed {
		t.Fatalf("expected closed incident, got %s", got.Status)
	}
}

func TestRunCycleKeepsManualTierOpenOnClear(t *testing.T) {
	source := &fakeSource{
		events: []models.Event{
			alarmEvent("i-3", models.Float64(95), models.Float64(80), models.StateTriggered),
		},
	}
	a, lc := newTestAgent(source, nil)
	a.RunCycle(context.Background())

	source.events = []models.Event{alarmEvent("i-3", models.Float64(40), models.Float64(80), models.StateCleared)}
	summary := a.RunCycle(context.Background())
	if summary.IncidentsResolved != 0 {
		t.Fatalf("P2 incident auto-resolved: %+v", summary)
	}
	open := lc.List(models.StatusOpen, "")
	if len(open) != 1 {
		t.Fatalf("P2 incident should await manual resolve, open=%d", len(open))
	}
}

func TestRunCycleRecordsDegradedContext(t *testing.T) {
	source := &fakeSource{
		events: []models.Event{
			alarmEvent("i-4", models.Float64(95), models.Float64(80), models.StateTriggered),
		},
	}
	a, lc := newTestAgent(source, &fakeRetriever{degraded: true})

	a.RunCycle(context.Background())
	open := lc.List(models.StatusOpen, "")
	if len(open) != 1 || !open[0].DegradedContext {
		t.Fatalf("degraded context not recorded: %+v", open)
	}
}

func TestRunCycleSurfacesSourceErrors(t *testing.T) {
	source := &fakeSource{errs: map[string]string{"metric": "connection refused"}}
	a, _ := newTestAgent(source, nil)

	summary := a.RunCycle(context.Background())
	if summary.SourceErrors["metric"] != "connection refused" {
		t.Fatalf("source error lost: %+v", summary.SourceErrors)
	}
}

func TestStatusReflectsLifecycleAndCollectors(t *testing.T) {
	source := &fakeSource{
		events: []models.Event{
			alarmEvent("i-5", models.Float64(95), models.Float64(80), models.StateTriggered),
		},
		statuses: []models.CollectorStatus{{Kind: "alarm", Healthy: true}},
	}
	a, _ := newTestAgent(source, nil)
	a.RunCycle(context.Background())

	status := a.Status(context.Background())
	if status.LastCycle.IsZero() {
		t.Fatalf("last cycle not recorded")
	}
	if status.Incidents.Open != 1 {
		t.Fatalf("expected one open incident in status, got %+v", status.Incidents)
	}
	if len(status.Collectors) != 1 || status.Collectors[0].Kind != "alarm" {
		t.Fatalf("collector statuses missing: %+v", status.Collectors)
	}
}

func TestTestConnectionsIncludesCollaborators(t *testing.T) {
	source := &fakeSource{}
	lc := lifecycle.NewManager(lifecycle.NewStore(), nil, nil, nil, nil, lifecycle.Config{}, nil)
	a := New(source, detect.New(nil, 0, 0.3, nil), classify.New(nil, nil, nil), nil, lc, nil,
		[]NamedTester{
			{Name: "ticketing", Test: func(context.Context) error { return context.DeadlineExceeded }},
		},
		map[models.SourceKind]time.Duration{}, time.Minute, nil)

	results := a.TestConnections(context.Background())
	if len(results) != 2 {
		t.Fatalf("expected collector plus collaborator results, got %d", len(results))
	}
	last := results[len(results)-1]
	if last.Name != "ticketing" || last.OK || last.Error == "" {
		t.Fatalf("collaborator failure not reported: %+v", last)
	}
}
