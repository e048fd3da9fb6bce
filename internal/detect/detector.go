package detect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/miradorstack/mirador-incident/internal/models"
	"github.com/miradorstack/mirador-incident/internal/utils"
)

// maxRecentEvents bounds the correlation buffer.
const maxRecentEvents = 256

// Oracle is the reasoning collaborator consulted for ambiguous events.
type Oracle interface {
	AnalyzeAnomaly(ctx context.Context, event models.Event, correlated []models.Event, knowledge []models.KnowledgeDocument) (models.AnomalyVerdict, error)
}

// Detector decides whether a normalized event represents a genuine anomaly.
// Events with an unambiguous threshold breach and no correlated signals skip
// the oracle entirely; everything else is analysed with whatever context is
// available. An unreachable oracle fails open: the event stays anomalous at a
// reduced confidence so a real alarm is never dropped.
type Detector struct {
	oracle Oracle
	window time.Duration
	floor  float64
	logger *slog.Logger

	mu     sync.Mutex
	recent []models.Event

	now func() time.Time
}

// New constructs a Detector. A zero window disables correlation.
func New(oracle Oracle, window time.Duration, confidenceFloor float64, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if confidenceFloor <= 0 || confidenceFloor > 1 {
		confidenceFloor = 0.3
	}
	return &Detector{
		oracle: oracle,
		window: window,
		floor:  confidenceFloor,
		logger: logger,
		now:    time.Now,
	}
}

// Detect classifies one event as anomalous or noise. Retrieved knowledge, when
// present, is forwarded to the oracle as grounding context. Detect is safe for
// concurrent use.
func (d *Detector) Detect(ctx context.Context, event models.Event, knowledge []models.KnowledgeDocument) models.AnomalyVerdict {
	if event.State == models.StateCleared {
		return models.AnomalyVerdict{
			IsAnomaly:  false,
			Confidence: 1.0,
			Rationale:  "clear signal: condition recovered",
		}
	}

	correlated := d.observe(event)

	if breached(event) && len(correlated) == 0 {
		return models.AnomalyVerdict{
			IsAnomaly:  true,
			Confidence: 1.0,
			Rationale:  "observed value crossed configured threshold",
		}
	}

	if d.oracle == nil {
		return d.failOpen(event, "no oracle configured")
	}

	verdict, err := d.oracle.AnalyzeAnomaly(ctx, event, correlated, knowledge)
	if err != nil {
		d.logger.Warn("anomaly analysis degraded", "resource", event.ResourceID, "metric", event.MetricName, "error", err)
		return d.failOpen(event, "oracle unavailable")
	}
	return verdict
}

// Correlated returns the recent events sharing a resource or namespace with
// the given event, without recording it.
func (d *Detector) Correlated(event models.Event) []models.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.correlatedLocked(event)
}

// observe records the event in the correlation buffer and returns the events
// already buffered that correlate with it.
func (d *Detector) observe(event models.Event) []models.Event {
	if d.window <= 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.pruneLocked()
	correlated := d.correlatedLocked(event)
	d.recent = append(d.recent, event)
	if len(d.recent) > maxRecentEvents {
		d.recent = d.recent[len(d.recent)-maxRecentEvents:]
	}
	return correlated
}

func (d *Detector) correlatedLocked(event models.Event) []models.Event {
	var out []models.Event
	for _, prior := range d.recent {
		if prior.ID == event.ID {
			continue
		}
		if !utils.WithinWindow(prior.Timestamp, event.Timestamp, d.window) {
			continue
		}
		if prior.ResourceID == event.ResourceID || (event.Namespace != "" && prior.Namespace == event.Namespace) {
			out = append(out, prior)
		}
	}
	return out
}

func (d *Detector) pruneLocked() {
	cutoff := d.now().Add(-d.window)
	kept := d.recent[:0]
	for _, e := range d.recent {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	d.recent = kept
}

func (d *Detector) failOpen(event models.Event, reason string) models.AnomalyVerdict {
	confidence := d.floor
	if breached(event) {
		confidence = 1.0
	}
	return models.AnomalyVerdict{
		IsAnomaly:  true,
		Confidence: confidence,
		Rationale:  reason,
	}
}

// breached reports an unambiguous threshold crossing.
func breached(event models.Event) bool {
	if event.ObservedValue == nil || event.Threshold == nil {
		return false
	}
	return *event.ObservedValue > *event.Threshold
}
