package collectors

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/miradorstack/mirador-incident/internal/metrics"
	"github.com/miradorstack/mirador-incident/internal/models"
	"github.com/miradorstack/mirador-incident/pkg/dedupe"
)

// maxBackoffSkip caps how many cycles a failing source sits out.
const maxBackoffSkip = 8

// Collector is the capability contract a signal source plugs in with.
type Collector interface {
	Kind() models.SourceKind
	Collect(ctx context.Context, since time.Time) ([]models.Event, error)
	TestConnection(ctx context.Context) error
}

// Manager dispatches polling across the registered collectors. One source
// failing never blocks the others: its error is recorded, it sits out an
// exponentially growing number of cycles, and the remaining sources keep
// polling. Events repeating the same fingerprint and state inside the dedup
// window are suppressed; a state transition always passes through.
type Manager struct {
	logger   *slog.Logger
	dedup    *dedupe.Store
	dedupTTL time.Duration
	bucket   time.Duration

	mu      sync.Mutex
	order   []models.SourceKind
	entries map[models.SourceKind]*sourceEntry

	now func() time.Time
}

type sourceEntry struct {
	collector Collector
	interval  time.Duration
	lastPoll  time.Time
	lastErr   string
	failures  int
	skipLeft  int
}

// NewManager constructs a collector manager.
func NewManager(fingerprintBucket, dedupTTL time.Duration, logger *slog.Logger) *Manager {
	if fingerprintBucket <= 0 {
		fingerprintBucket = time.Hour
	}
	if dedupTTL <= 0 {
		dedupTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger,
		dedup:    dedupe.NewStore(),
		dedupTTL: dedupTTL,
		bucket:   fingerprintBucket,
		entries:  make(map[models.SourceKind]*sourceEntry),
		now:      time.Now,
	}
}

// Register adds a collector under its source kind, replacing any previous
// registration. The interval is informational: scheduling belongs to the
// agent, the manager only reports it in status.
func (m *Manager) Register(collector Collector, interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kind := collector.Kind()
	if _, ok := m.entries[kind]; !ok {
		m.order = append(m.order, kind)
	}
	m.entries[kind] = &sourceEntry{collector: collector, interval: interval}
}

// Kinds lists the registered source kinds in registration order.
func (m *Manager) Kinds() []models.SourceKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.SourceKind(nil), m.order...)
}

// Poll runs one collector and returns its deduplicated events. A source in
// backoff returns no events and no error; its turn comes back after the
// skipped cycles elapse.
func (m *Manager) Poll(ctx context.Context, kind models.SourceKind, since time.Time) ([]models.Event, error) {
	m.mu.Lock()
	entry, ok := m.entries[kind]
	if !ok {
		m.mu.Unlock()
		return nil, nil
	}
	if entry.skipLeft > 0 {
		entry.skipLeft--
		m.mu.Unlock()
		return nil, nil
	}
	collector := entry.collector
	m.mu.Unlock()

	events, err := collector.Collect(ctx, since)

	m.mu.Lock()
	entry.lastPoll = m.now()
	if err != nil {
		entry.failures++
		entry.lastErr = err.Error()
		entry.skipLeft = backoffSkip(entry.failures)
		m.mu.Unlock()
		m.logger.Warn("source poll failed",
			slog.String("source", string(kind)),
			slog.Int("consecutive_failures", entry.failures),
			slog.Any("error", err))
		return nil, err
	}
	entry.failures = 0
	entry.lastErr = ""
	m.mu.Unlock()

	admitted := m.suppressRepeats(events)
	metrics.ObserveEventsCollected(string(kind), len(admitted))
	return admitted, nil
}

// PollAll polls every registered collector once, isolating failures per
// source. The error map carries one entry per failed source.
func (m *Manager) PollAll(ctx context.Context, since time.Time) ([]models.Event, map[string]string) {
	var all []models.Event
	errs := make(map[string]string)

	for _, kind := range m.Kinds() {
		events, err := m.Poll(ctx, kind, since)
		if err != nil {
			errs[string(kind)] = err.Error()
			continue
		}
		all = append(all, events...)
	}
	return all, errs
}

// Statuses reports per-source health for the operator status endpoint.
func (m *Manager) Statuses() []models.CollectorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.CollectorStatus, 0, len(m.order))
	for _, kind := range m.order {
		entry := m.entries[kind]
		out = append(out, models.CollectorStatus{
			Kind:                string(kind),
			LastPoll:            entry.lastPoll,
			LastError:           entry.lastErr,
			ConsecutiveFailures: entry.failures,
			Healthy:             entry.failures == 0,
		})
	}
	return out
}

// TestConnections verifies every registered source answers.
func (m *Manager) TestConnections(ctx context.Context) []models.ConnectivityResult {
	m.mu.Lock()
	collectors := make([]Collector, 0, len(m.order))
	for _, kind := range m.order {
		collectors = append(collectors, m.entries[kind].collector)
	}
	m.mu.Unlock()

	out := make([]models.ConnectivityResult, 0, len(collectors))
	for _, c := range collectors {
		start := time.Now()
		err := c.TestConnection(ctx)
		result := models.ConnectivityResult{
			Name:    "collector:" + string(c.Kind()),
			OK:      err == nil,
			Latency: time.Since(start),
		}
		if err != nil {
			result.Error = err.Error()
		}
		out = append(out, result)
	}
	return out
}

// suppressRepeats drops events whose fingerprint+state mark is still live.
// A cleared event forgets the triggered mark so the next trigger for the
// same fingerprint passes immediately.
func (m *Manager) suppressRepeats(events []models.Event) []models.Event {
	admitted := make([]models.Event, 0, len(events))
	for _, e := range events {
		fp := e.Fingerprint(m.bucket)
		if e.State == models.StateCleared {
			m.dedup.Forget(fp + ":" + string(models.StateTriggered))
		}
		if !m.dedup.MarkIfNew(fp+":"+string(e.State), m.dedupTTL) {
			continue
		}
		admitted = append(admitted, e)
	}
	return admitted
}

// backoffSkip returns how many cycles a source sits out after its nth
// consecutive failure. The first failure retries on the very next cycle.
func backoffSkip(failures int) int {
	if failures <= 1 {
		return 0
	}
	skip := 1 << (failures - 2)
	if skip > maxBackoffSkip {
		return maxBackoffSkip
	}
	return skip
}

// testSource probes a collector's source when it supports connection checks.
func testSource(ctx context.Context, source any) error {
	if t, ok := source.(interface{ TestConnection(context.Context) error }); ok {
		return t.TestConnection(ctx)
	}
	return nil
}
