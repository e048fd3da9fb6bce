package dedupe

import (
	"testing"
	"time"
)

func TestMarkIfNewSuppressesRepeats(t *testing.T) {
	s := NewStore()
	if !s.MarkIfNew("fp-1:triggered", time.Minute) {
		t.Fatalf("expected first mark to pass")
	}
	if s.MarkIfNew("fp-1:triggered", time.Minute) {
		t.Fatalf("expected repeat mark to be suppressed")
	}
	if !s.MarkIfNew("fp-1:cleared", time.Minute) {
		t.Fatalf("expected distinct state mark to pass")
	}
}

func TestMarkIfNewExpires(t *testing.T) {
	s := NewStore()
	current := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return current }

	if !s.MarkIfNew("fp-1:triggered", time.Minute) {
		t.Fatalf("expected first mark to pass")
	}
	current = current.Add(2 * time.Minute)
	if !s.MarkIfNew("fp-1:triggered", time.Minute) {
		t.Fatalf("expected expired mark to pass again")
	}
}

func TestForget(t *testing.T) {
	s := NewStore()
	s.MarkIfNew("fp-1:triggered", time.Minute)
	s.Forget("fp-1:triggered")
	if !s.MarkIfNew("fp-1:triggered", time.Minute) {
		t.Fatalf("expected forgotten mark to pass")
	}
}
