package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/miradorstack/mirador-incident/internal/lifecycle"
	"github.com/miradorstack/mirador-incident/internal/metrics"
	"github.com/miradorstack/mirador-incident/internal/models"
	"github.com/miradorstack/mirador-incident/internal/utils"
)

// EventSource is the collector manager contract the agent schedules.
type EventSource interface {
	Poll(ctx context.Context, kind models.SourceKind, since time.Time) ([]models.Event, error)
	PollAll(ctx context.Context, since time.Time) ([]models.Event, map[string]string)
	Kinds() []models.SourceKind
	Statuses() []models.CollectorStatus
	TestConnections(ctx context.Context) []models.ConnectivityResult
}

// Detector decides anomaly vs noise for one event.
type Detector interface {
	Detect(ctx context.Context, event models.Event, knowledge []models.KnowledgeDocument) models.AnomalyVerdict
}

// Classifier assigns a severity tier and category to an anomalous event.
type Classifier interface {
	Classify(ctx context.Context, event models.Event, verdict models.AnomalyVerdict, knowledge []models.KnowledgeDocument) (models.Severity, models.Category)
}

// Retriever fetches knowledge context for an event.
type Retriever interface {
	ContextFor(ctx context.Context, event models.Event) ([]models.KnowledgeDocument, bool)
}

// Lifecycle is the incident state machine the pipeline feeds.
type Lifecycle interface {
	Process(ctx context.Context, event models.Event, verdict models.AnomalyVerdict, severity models.Severity, category models.Category, knowledge []models.KnowledgeDocument, degraded bool) lifecycle.Outcome
	Counts() models.IncidentCounts
}

// IndexProber reports knowledge index reachability for status output.
type IndexProber interface {
	Status(ctx context.Context) (models.IndexStatus, error)
}

// NamedTester pairs a collaborator name with its connectivity probe.
type NamedTester struct {
	Name string
	Test func(ctx context.Context) error
}

// Agent runs the collection pipeline: each source polls on its own cron
// schedule, admitted events flow through knowledge retrieval, detection and
// classification into the lifecycle manager. An on-demand cycle runs the same
// path once across all sources.
type Agent struct {
	sources    EventSource
	detector   Detector
	classifier Classifier
	retriever  Retriever
	lifecycle  Lifecycle
	index      IndexProber
	collabs    []NamedTester
	intervals  map[models.SourceKind]time.Duration
	timeout    time.Duration
	logger     *slog.Logger
	latencies  *utils.LatencyTracker

	cron *cron.Cron

	mu        sync.Mutex
	running   bool
	lastCycle time.Time
	lastPoll  map[models.SourceKind]time.Time

	now func() time.Time
}

// New constructs the agent. intervals schedules one cron job per source kind;
// cycleTimeout bounds each scheduled poll and each on-demand cycle.
func New(sources EventSource, detector Detector, classifier Classifier, retriever Retriever, lc Lifecycle, index IndexProber, collabs []NamedTester, intervals map[models.SourceKind]time.Duration, cycleTimeout time.Duration, logger *slog.Logger) *Agent {
	if cycleTimeout <= 0 {
		cycleTimeout = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		sources:    sources,
		detector:   detector,
		classifier: classifier,
		retriever:  retriever,
		lifecycle:  lc,
		index:      index,
		collabs:    collabs,
		intervals:  intervals,
		timeout:    cycleTimeout,
		logger:     logger,
		latencies:  utils.NewLatencyTracker(256),
		lastPoll:   make(map[models.SourceKind]time.Time),
		now:        time.Now,
	}
}

// Start schedules the per-source polling jobs.
func (a *Agent) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}

	a.cron = cron.New()
	for _, kind := range a.sources.Kinds() {
		interval, ok := a.intervals[kind]
		if !ok || interval <= 0 {
			continue
		}
		k := kind
		if _, err := a.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
			a.pollSource(k)
		}); err != nil {
			return fmt.Errorf("schedule %s collector: %w", kind, err)
		}
	}
	a.cron.Start()
	a.running = true
	a.logger.Info("agent started", slog.Int("sources", len(a.sources.Kinds())))
	return nil
}

// Stop halts the polling schedule and waits for running jobs to finish.
func (a *Agent) Stop() {
	a.mu.Lock()
	c := a.cron
	a.cron = nil
	a.running = false
	a.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	a.logger.Info("agent stopped")
}

// RunCycle polls every source once and pushes the events through the
// pipeline. It backs the on-demand collect endpoint and is safe to call while
// the schedule is running.
func (a *Agent) RunCycle(ctx context.Context) models.CollectSummary {
	start := a.now()
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	since := a.sinceFor("")
	events, sourceErrs := a.sources.PollAll(ctx, since)
	created, updated, resolved, admitted := a.processEvents(ctx, events)

	a.mu.Lock()
	a.lastCycle = a.now()
	for _, kind := range a.sources.Kinds() {
		a.lastPoll[kind] = a.lastCycle
	}
	a.mu.Unlock()

	duration := a.now().Sub(start)
	outcome := metrics.OutcomeSuccess
	if len(sourceErrs) > 0 {
		outcome = metrics.OutcomeError
	}
	metrics.ObserveCycle(duration, outcome)
	a.latencies.Observe(duration)
	if p95 := a.latencies.Percentile(95); a.latencies.Count() >= 10 {
		a.logger.Debug("cycle latency", slog.Duration("p95", p95), slog.Int("samples", a.latencies.Count()))
	}

	return models.CollectSummary{
		StartedAt:         start.UTC(),
		Duration:          duration,
		EventsCollected:   len(events),
		EventsAdmitted:    admitted,
		IncidentsCreated:  created,
		IncidentsUpdated:  updated,
		IncidentsResolved: resolved,
		SourceErrors:      sourceErrs,
	}
}

// Status snapshots the running agent for the operator API.
func (a *Agent) Status(ctx context.Context) models.AgentStatus {
	a.mu.Lock()
	running := a.running
	lastCycle := a.lastCycle
	a.mu.Unlock()

	status := models.AgentStatus{
		Running:    running,
		LastCycle:  lastCycle,
		Collectors: a.sources.Statuses(),
		Incidents:  a.lifecycle.Counts(),
	}
	if a.index != nil {
		idx, err := a.index.Status(ctx)
		if err != nil {
			idx = models.IndexStatus{Reachable: false}
		}
		status.Knowledge = idx
	}
	return status
}

// TestConnections probes every collector and collaborator.
func (a *Agent) TestConnections(ctx context.Context) []models.ConnectivityResult {
	results := a.sources.TestConnections(ctx)
	for _, collab := range a.collabs {
		start := time.Now()
		err := collab.Test(ctx)
		result := models.ConnectivityResult{
			Name:    collab.Name,
			OK:      err == nil,
			Latency: time.Since(start),
		}
		if err != nil {
			result.Error = err.Error()
		}
		results = append(results, result)
	}
	return results
}

// pollSource runs one scheduled poll for a single source kind.
func (a *Agent) pollSource(kind models.SourceKind) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	since := a.sinceFor(kind)
	events, err := a.sources.Poll(ctx, kind, since)
	if err != nil {
		// The manager already logged and scheduled backoff.
		return
	}

	a.mu.Lock()
	a.lastPoll[kind] = a.now()
	a.mu.Unlock()

	if len(events) == 0 {
		return
	}
	a.processEvents(ctx, events)
}

// processEvents pushes events through retrieval, detection, classification
// and the lifecycle. Skipping a failing stage never drops the event: the
// detector fails open and the classifier has a severity fallback.
func (a *Agent) processEvents(ctx context.Context, events []models.Event) (created, updated, resolved, admitted int) {
	for _, event := range events {
		var docs []models.KnowledgeDocument
		degraded := false
		if a.retriever != nil {
			docs, degraded = a.retriever.ContextFor(ctx, event)
		}

		verdict := a.detector.Detect(ctx, event, docs)

		var severity models.Severity
		var category models.Category
		if event.State != models.StateCleared && verdict.IsAnomaly {
			severity, category = a.classifier.Classify(ctx, event, verdict, docs)
		}

		out := a.lifecycle.Process(ctx, event, verdict, severity, category, docs, degraded)
		switch {
		case out.Created:
			created++
		case out.Resolved:
			resolved++
		case out.Updated:
			updated++
		}
		if out.Created || out.Updated || out.Resolved {
			admitted++
		}
	}
	return created, updated, resolved, admitted
}

// sinceFor returns the lookback start for a poll. An empty kind covers the
// whole-cycle path.
func (a *Agent) sinceFor(kind models.SourceKind) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()

	if kind != "" {
		if last, ok := a.lastPoll[kind]; ok && !last.IsZero() {
			return last
		}
	} else if !a.lastCycle.IsZero() {
		return a.lastCycle
	}
	return a.now().Add(-15 * time.Minute)
}
