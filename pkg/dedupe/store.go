package dedupe

import (
	"sync"
	"time"
)

// Store tracks recently seen signal marks with per-mark TTLs. The collector
// manager uses it to suppress repeats of the same fingerprint+state during a
// polling window.
type Store struct {
	mu    sync.Mutex
	marks map[string]time.Time
	now   func() time.Time
}

// NewStore creates an empty mark store.
func NewStore() *Store {
	return &Store{marks: make(map[string]time.Time), now: time.Now}
}

// MarkIfNew records key for ttl and reports whether it was absent or expired.
// A true return means the caller sees this mark first.
func (s *Store) MarkIfNew(key string, ttl time.Duration) bool {
	if ttl <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if expiry, ok := s.marks[key]; ok && now.Before(expiry) {
		return false
	}
	s.marks[key] = now.Add(ttl)
	s.sweepLocked(now)
	return true
}

// Forget drops a mark immediately, letting the next occurrence pass through.
func (s *Store) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.marks, key)
}

// Len reports the number of live marks.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, expiry := range s.marks {
		if now.Before(expiry) {
			n++
		}
	}
	return n
}

func (s *Store) sweepLocked(now time.Time) {
	if len(s.marks) < 1024 {
		return
	}
	for key, expiry := range s.marks {
		if !now.Before(expiry) {
			delete(s.marks, key)
		}
	}
}
