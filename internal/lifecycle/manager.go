package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-incident/internal/metrics"
	"github.com/miradorstack/mirador-incident/internal/models"
)

// ErrTerminal signals a transition attempted on a closed incident.
var ErrTerminal = errors.New("incident is closed")

// ErrBadTransition signals a transition the state machine does not allow.
var ErrBadTransition = errors.New("invalid incident transition")

// Ticketer is the ticketing collaborator contract the lifecycle needs.
type Ticketer interface {
	Create(ctx context.Context, inc models.Incident) (string, error)
	Update(ctx context.Context, ticketRef, body string) error
	Close(ctx context.Context, ticketRef, resolution string) error
}

// Notifier is the notification collaborator contract the lifecycle needs.
type Notifier interface {
	Send(ctx context.Context, urgency models.Urgency, inc models.Incident) error
}

// Recommender produces root cause analysis and remediation steps for a new
// or upgraded incident.
type Recommender interface {
	Recommend(ctx context.Context, event models.Event, verdict models.AnomalyVerdict, knowledge []models.KnowledgeDocument) (string, []string, error)
}

// CaseWriter persists the resolved case into the knowledge index.
type CaseWriter interface {
	WriteCase(ctx context.Context, inc models.Incident) error
}

// Config tunes the lifecycle manager.
type Config struct {
	FingerprintBucket time.Duration
	CloseTimeout      time.Duration
	MaxEventHistory   int
	TicketRetryMax    int
	TicketRetryBase   time.Duration
}

// Outcome describes what one admitted event did to the incident set.
type Outcome struct {
	Incident models.Incident
	Created  bool
	Updated  bool
	Resolved bool
}

type ticketRetry struct {
	attempts int
	next     time.Time
}

// Manager drives incidents through open, investigating, resolved and closed.
// All mutation for one fingerprint runs under that fingerprint's lock, so two
// concurrent events with the same fingerprint can never create two incidents
// and a manual resolve racing an automatic update commits in arrival order.
// Collaborator failures degrade the record instead of aborting it: a failed
// ticket create leaves the incident local with an empty ticket reference and
// a background retry, a failed notification is logged, and a failed case
// write never blocks the close beyond the configured timeout.
type Manager struct {
	store       *Store
	ticketer    Ticketer
	notifier    Notifier
	recommender Recommender
	caseWriter  CaseWriter
	cfg         Config
	logger      *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	retryMu sync.Mutex
	retries map[string]*ticketRetry

	now   func() time.Time
	newID func() string
}

// NewManager constructs a lifecycle manager. Any collaborator may be nil for
// a degraded deployment; the state machine itself never depends on them.
func NewManager(store *Store, ticketer Ticketer, notifier Notifier, recommender Recommender, caseWriter CaseWriter, cfg Config, logger *slog.Logger) *Manager {
	if store == nil {
		store = NewStore()
	}
	if cfg.FingerprintBucket <= 0 {
		cfg.FingerprintBucket = time.Hour
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 15 * time.Second
	}
	if cfg.MaxEventHistory <= 0 {
		cfg.MaxEventHistory = 50
	}
	if cfg.TicketRetryMax <= 0 {
		cfg.TicketRetryMax = 5
	}
	if cfg.TicketRetryBase <= 0 {
		cfg.TicketRetryBase = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:       store,
		ticketer:    ticketer,
		notifier:    notifier,
		recommender: recommender,
		caseWriter:  caseWriter,
		cfg:         cfg,
		logger:      logger,
		locks:       make(map[string]*sync.Mutex),
		retries:     make(map[string]*ticketRetry),
		now:         time.Now,
		newID:       func() string { return "INC-" + uuid.NewString() },
	}
}

// Process admits one classified event into the state machine.
func (m *Manager) Process(ctx context.Context, event models.Event, verdict models.AnomalyVerdict, severity models.Severity, category models.Category, knowledge []models.KnowledgeDocument, degraded bool) Outcome {
	fp := event.Fingerprint(m.cfg.FingerprintBucket)
	unlock := m.lockFingerprint(fp)
	defer unlock()

	existing, found := m.store.ActiveByFingerprint(fp)

	if event.State == models.StateCleared {
		if !found {
			return Outcome{}
		}
		return m.handleCleared(ctx, existing, event)
	}

	if !verdict.IsAnomaly {
		return Outcome{}
	}

	if found {
		return m.updateIncident(ctx, existing, event, severity)
	}
	return m.createIncident(ctx, fp, event, verdict, severity, category, knowledge, degraded)
}

// Resolve applies an explicit operator resolution and finalizes the incident.
func (m *Manager) Resolve(ctx context.Context, id, resolution string) (models.Incident, error) {
	inc, err := m.store.Get(id)
	if err != nil {
		return models.Incident{}, err
	}

	unlock := m.lockFingerprint(inc.Fingerprint)
	defer unlock()

	inc, err = m.store.Get(id)
	if err != nil {
		return models.Incident{}, err
	}
	switch inc.Status {
	case models.StatusClosed:
		return inc, ErrTerminal
	case models.StatusResolved:
		return inc, nil
	}

	return m.finalize(ctx, id, resolution)
}

// Investigate marks an open incident as being worked on. Severity is untouched.
func (m *Manager) Investigate(ctx context.Context, id string) (models.Incident, error) {
	inc, err := m.store.Get(id)
	if err != nil {
		return models.Incident{}, err
	}

	unlock := m.lockFingerprint(inc.Fingerprint)
	defer unlock()

	inc, err = m.store.Get(id)
	if err != nil {
		return models.Incident{}, err
	}
	if inc.Status != models.StatusOpen {
		return inc, fmt.Errorf("%w: %s -> investigating", ErrBadTransition, inc.Status)
	}

	updated, err := m.store.Update(id, func(i *models.Incident) {
		i.Status = models.StatusInvestigating
		i.UpdatedAt = m.now().UTC()
	})
	if err != nil {
		return models.Incident{}, err
	}
	if m.ticketer != nil && updated.TicketRef != "" {
		if terr := m.ticketer.Update(ctx, updated.TicketRef, "Investigation started."); terr != nil {
			m.logger.Warn("ticket update failed", slog.String("incident", id), slog.Any("error", terr))
		}
	}
	return updated, nil
}

// Get returns one incident by id.
func (m *Manager) Get(id string) (models.Incident, error) {
	return m.store.Get(id)
}

// List returns incidents newest first, optionally filtered.
func (m *Manager) List(status models.IncidentStatus, severity models.Severity) []models.Incident {
	return m.store.List(status, severity)
}

// Counts aggregates the incident set for status reporting.
func (m *Manager) Counts() models.IncidentCounts {
	return m.store.Counts()
}

// Run retries pending ticket creations until the context ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.TicketRetryBase)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RetryTickets(ctx)
		}
	}
}

// RetryTickets runs one pass over incidents still waiting for a ticket.
func (m *Manager) RetryTickets(ctx context.Context) {
	if m.ticketer == nil {
		return
	}

	m.retryMu.Lock()
	due := make([]string, 0, len(m.retries))
	now := m.now()
	for id, r := range m.retries {
		if !now.Before(r.next) {
			due = append(due, id)
		}
	}
	m.retryMu.Unlock()

	for _, id := range due {
		inc, err := m.store.Get(id)
		if err != nil || inc.Status == models.StatusResolved || inc.Status == models.StatusClosed || inc.TicketRef != "" {
			m.dropRetry(id)
			continue
		}

		metrics.ObserveTicketRetry()
		ref, err := m.ticketer.Create(ctx, inc)
		if err != nil {
			m.bumpRetry(id, err)
			continue
		}

		m.dropRetry(id)
		if _, uerr := m.store.Update(id, func(i *models.Incident) {
			i.TicketRef = ref
			i.UpdatedAt = m.now().UTC()
		}); uerr != nil {
			m.logger.Warn("ticket reference not recorded", slog.String("incident", id), slog.Any("error", uerr))
			continue
		}
		m.logger.Info("ticket created after retry", slog.String("incident", id), slog.String("ticket", ref))
	}
}

// PendingTicketRetries reports how many incidents still await a ticket.
func (m *Manager) PendingTicketRetries() int {
	m.retryMu.Lock()
	defer m.retryMu.Unlock()
	return len(m.retries)
}

func (m *Manager) handleCleared(ctx context.Context, existing models.Incident, event models.Event) Outcome {
	if existing.Severity.Policy().AutoClose {
		updated, err := m.store.Update(existing.ID, func(i *models.Incident) {
			i.EventHistory = appendHistory(i.EventHistory, event, m.cfg.MaxEventHistory)
			i.UpdatedAt = m.now().UTC()
		})
		if err != nil {
			m.logger.Error("cleared event lost", slog.String("incident", existing.ID), slog.Any("error", err))
			return Outcome{}
		}
		final, err := m.finalize(ctx, updated.ID, "Triggering condition cleared; auto-resolved per severity policy.")
		if err != nil {
			m.logger.Error("auto-resolve failed", slog.String("incident", existing.ID), slog.Any("error", err))
			return Outcome{Incident: updated, Updated: true}
		}
		return Outcome{Incident: final, Resolved: true}
	}

	updated, err := m.store.Update(existing.ID, func(i *models.Incident) {
		i.EventHistory = appendHistory(i.EventHistory, event, m.cfg.MaxEventHistory)
		i.UpdatedAt = m.now().UTC()
	})
	if err != nil {
		return Outcome{}
	}
	m.logger.Info("condition cleared, incident awaits manual resolve",
		slog.String("incident", existing.ID), slog.String("severity", string(existing.Severity)))
	return Outcome{Incident: updated, Updated: true}
}

func (m *Manager) updateIncident(ctx context.Context, existing models.Incident, event models.Event, severity models.Severity) Outcome {
	upgraded := severity.MoreSevere(existing.Severity)

	updated, err := m.store.Update(existing.ID, func(i *models.Incident) {
		i.EventHistory = appendHistory(i.EventHistory, event, m.cfg.MaxEventHistory)
		i.UpdatedAt = m.now().UTC()
		if upgraded {
			i.Severity = severity
		}
	})
	if err != nil {
		m.logger.Error("incident update lost", slog.String("incident", existing.ID), slog.Any("error", err))
		return Outcome{}
	}

	if upgraded {
		m.logger.Info("incident severity upgraded",
			slog.String("incident", updated.ID),
			slog.String("from", string(existing.Severity)),
			slog.String("to", string(severity)))
		m.notify(ctx, severity.Policy().Urgency, updated)
		if m.ticketer != nil && updated.TicketRef != "" {
			body := fmt.Sprintf("Severity upgraded from %s to %s after a repeated observation.", existing.Severity, severity)
			if terr := m.ticketer.Update(ctx, updated.TicketRef, body); terr != nil {
				m.logger.Warn("ticket update failed", slog.String("incident", updated.ID), slog.Any("error", terr))
			}
		}
	}
	return Outcome{Incident: updated, Updated: true}
}

func (m *Manager) createIncident(ctx context.Context, fp string, event models.Event, verdict models.AnomalyVerdict, severity models.Severity, category models.Category, knowledge []models.KnowledgeDocument, degraded bool) Outcome {
	now := m.now().UTC()
	inc := models.Incident{
		ID:                m.newID(),
		Fingerprint:       fp,
		Status:            models.StatusOpen,
		Severity:          severity,
		Category:          category,
		Description:       describe(event),
		RootCauseAnalysis: verdict.RootCauseHypothesis,
		CreatedAt:         now,
		UpdatedAt:         now,
		EventHistory:      []models.Event{event},
		DegradedContext:   degraded,
	}

	if m.recommender != nil {
		rca, actions, err := m.recommender.Recommend(ctx, event, verdict, knowledge)
		if err != nil {
			m.logger.Warn("recommendation degraded", slog.String("fingerprint", fp), slog.Any("error", err))
		} else {
			if rca != "" {
				inc.RootCauseAnalysis = rca
			}
			inc.RecommendedActions = actions
		}
	}

	stored, created := m.store.CreateIfAbsent(inc)
	if !created {
		// The per-fingerprint lock makes this unreachable; reaching it means
		// the single-open-incident invariant broke.
		m.logger.Error("duplicate open incident averted",
			slog.String("fingerprint", fp), slog.String("existing", stored.ID))
		return m.updateIncident(ctx, stored, event, severity)
	}

	metrics.ObserveIncidentCreated(string(severity))
	metrics.SetOpenIncidents(m.store.OpenCount())
	m.logger.Info("incident opened",
		slog.String("incident", stored.ID),
		slog.String("severity", string(severity)),
		slog.String("resource", event.ResourceID),
		slog.String("metric", event.MetricName))

	if m.ticketer != nil {
		ref, err := m.ticketer.Create(ctx, stored)
		if err != nil {
			m.logger.Warn("ticket creation failed, scheduling retry",
				slog.String("incident", stored.ID), slog.Any("error", err))
			m.scheduleRetry(stored.ID)
		} else {
			stored, _ = m.store.Update(stored.ID, func(i *models.Incident) {
				i.TicketRef = ref
			})
		}
	}

	m.notify(ctx, severity.Policy().Urgency, stored)
	return Outcome{Incident: stored, Created: true}
}

// finalize moves an active incident through resolved into closed. The case
// write gets the close timeout at most; its failure is logged, not fatal.
func (m *Manager) finalize(ctx context.Context, id, resolution string) (models.Incident, error) {
	now := m.now().UTC()
	resolved, err := m.store.Update(id, func(i *models.Incident) {
		i.Status = models.StatusResolved
		i.Resolution = resolution
		i.ResolvedAt = now
		i.UpdatedAt = now
	})
	if err != nil {
		return models.Incident{}, err
	}
	metrics.SetOpenIncidents(m.store.OpenCount())
	m.dropRetry(id)

	if m.ticketer != nil && resolved.TicketRef != "" {
		if terr := m.ticketer.Close(ctx, resolved.TicketRef, resolution); terr != nil {
			m.logger.Warn("ticket close failed", slog.String("incident", id), slog.Any("error", terr))
		}
	}

	if m.caseWriter != nil {
		writeCtx, cancel := context.WithTimeout(ctx, m.cfg.CloseTimeout)
		if werr := m.caseWriter.WriteCase(writeCtx, resolved); werr != nil {
			m.logger.Warn("case record not persisted, closing anyway",
				slog.String("incident", id), slog.Any("error", werr))
		}
		cancel()
	}

	closed, err := m.store.Update(id, func(i *models.Incident) {
		i.Status = models.StatusClosed
		i.UpdatedAt = m.now().UTC()
	})
	if err != nil {
		return models.Incident{}, err
	}
	m.logger.Info("incident closed", slog.String("incident", id), slog.String("resolution", resolution))
	return closed, nil
}

func (m *Manager) notify(ctx context.Context, urgency models.Urgency, inc models.Incident) {
	if m.notifier == nil || urgency == models.UrgencyNone {
		return
	}
	if err := m.notifier.Send(ctx, urgency, inc); err != nil {
		m.logger.Warn("notification failed",
			slog.String("incident", inc.ID), slog.String("urgency", string(urgency)), slog.Any("error", err))
	}
}

func (m *Manager) lockFingerprint(fp string) func() {
	m.mu.Lock()
	lock, ok := m.locks[fp]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[fp] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func (m *Manager) scheduleRetry(id string) {
	m.retryMu.Lock()
	defer m.retryMu.Unlock()
	m.retries[id] = &ticketRetry{attempts: 0, next: m.now().Add(m.cfg.TicketRetryBase)}
}

func (m *Manager) bumpRetry(id string, err error) {
	m.retryMu.Lock()
	defer m.retryMu.Unlock()

	r, ok := m.retries[id]
	if !ok {
		return
	}
	r.attempts++
	if r.attempts >= m.cfg.TicketRetryMax {
		delete(m.retries, id)
		m.logger.Warn("ticket retries exhausted", slog.String("incident", id), slog.Any("error", err))
		return
	}
	r.next = m.now().Add(m.cfg.TicketRetryBase * time.Duration(1<<r.attempts))
}

func (m *Manager) dropRetry(id string) {
	m.retryMu.Lock()
	delete(m.retries, id)
	m.retryMu.Unlock()
}

// describe builds the operator-facing one-line summary for a new incident.
func describe(event models.Event) string {
	switch {
	case event.ObservedValue != nil && event.Threshold != nil:
		return fmt.Sprintf("%s on %s at %.1f (threshold %.1f)",
			event.MetricName, event.ResourceID, *event.ObservedValue, *event.Threshold)
	case event.MetricName != "":
		return fmt.Sprintf("%s anomaly on %s", event.MetricName, event.ResourceID)
	default:
		return fmt.Sprintf("%s anomaly on %s", event.SourceKind, event.ResourceID)
	}
}

// appendHistory appends an event keeping the newest maxLen entries.
func appendHistory(history []models.Event, event models.Event, maxLen int) []models.Event {
	history = append(history, event)
	if len(history) > maxLen {
		history = history[len(history)-maxLen:]
	}
	return history
}
