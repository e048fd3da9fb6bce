package lifecycle

import (
	"errors"
	"sync"

	"github.com/miradorstack/mirador-incident/internal/models"
)

// ErrNotFound signals an unknown incident id.
var ErrNotFound = errors.New("incident not found")

// Store holds every incident the agent has raised, keyed by id, with an index
// of the currently active fingerprints. It is the only shared mutable state in
// the core; the manager serializes all writes per fingerprint above it.
type Store struct {
	mu       sync.Mutex
	byID     map[string]*models.Incident
	activeFP map[string]string
	order    []string
}

// NewStore creates an empty incident store.
func NewStore() *Store {
	return &Store{
		byID:     make(map[string]*models.Incident),
		activeFP: make(map[string]string),
	}
}

// CreateIfAbsent inserts the incident unless an active incident already holds
// its fingerprint. It returns the authoritative record and whether the insert
// happened; a false return hands back the incident that won the race.
func (s *Store) CreateIfAbsent(inc models.Incident) (models.Incident, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.activeFP[inc.Fingerprint]; ok {
		return s.byID[existingID].Clone(), false
	}

	stored := inc.Clone()
	s.byID[inc.ID] = &stored
	s.order = append(s.order, inc.ID)
	if active(inc.Status) {
		s.activeFP[inc.Fingerprint] = inc.ID
	}
	return stored.Clone(), true
}

// Get returns a copy of the incident with the given id.
func (s *Store) Get(id string) (models.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.byID[id]
	if !ok {
		return models.Incident{}, ErrNotFound
	}
	return inc.Clone(), nil
}

// ActiveByFingerprint returns the open or investigating incident matching the
// fingerprint, if any.
func (s *Store) ActiveByFingerprint(fp string) (models.Incident, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.activeFP[fp]
	if !ok {
		return models.Incident{}, false
	}
	return s.byID[id].Clone(), true
}

// Update applies mutate to the stored incident under the store lock and
// returns the updated copy. The fingerprint index follows status changes.
func (s *Store) Update(id string, mutate func(*models.Incident)) (models.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.byID[id]
	if !ok {
		return models.Incident{}, ErrNotFound
	}

	mutate(inc)

	if active(inc.Status) {
		s.activeFP[inc.Fingerprint] = id
	} else if s.activeFP[inc.Fingerprint] == id {
		delete(s.activeFP, inc.Fingerprint)
	}
	return inc.Clone(), nil
}

// List returns incidents in creation order, newest first, optionally filtered
// by status and severity.
func (s *Store) List(status models.IncidentStatus, severity models.Severity) []models.Incident {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Incident, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		inc := s.byID[s.order[i]]
		if status != "" && inc.Status != status {
			continue
		}
		if severity != "" && inc.Severity != severity {
			continue
		}
		out = append(out, inc.Clone())
	}
	return out
}

// Counts aggregates the store for status reporting.
func (s *Store) Counts() models.IncidentCounts {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := models.IncidentCounts{
		Total:      len(s.byID),
		ByStatus:   make(map[models.IncidentStatus]int),
		BySeverity: make(map[models.Severity]int),
	}
	for _, inc := range s.byID {
		counts.ByStatus[inc.Status]++
		counts.BySeverity[inc.Severity]++
		if active(inc.Status) {
			counts.Open++
		}
	}
	return counts
}

// OpenCount returns the number of active incidents.
func (s *Store) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activeFP)
}

// active reports whether a status still matches incoming events.
func active(status models.IncidentStatus) bool {
	return status == models.StatusOpen || status == models.StatusInvestigating
}
