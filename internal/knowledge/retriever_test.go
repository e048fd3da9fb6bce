package knowledge

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/miradorstack/mirador-incident/internal/models"
)

type fakeIndex struct {
	docs      []models.KnowledgeDocument
	err       error
	lastTerms []string
	lastLimit int
}

func (f *fakeIndex) Search(_ context.Context, terms []string, _ []models.KnowledgeKind, limit int) ([]models.KnowledgeDocument, error) {
	f.lastTerms = terms
	f.lastLimit = limit
	return f.docs, f.err
}

func cpuEvent() models.Event {
	return models.Event{
		SourceKind:    models.SourceAlarm,
		ResourceType:  models.ResourceCompute,
		ResourceID:    "i-0web1",
		Namespace:     "compute",
		MetricName:    "CPUUtilization",
		ObservedValue: models.Float64(93.5),
		Threshold:     models.Float64(80),
		State:         models.StateTriggered,
		Timestamp:     time.Now(),
	}
}

func TestContextForRanksByOverlap(t *testing.T) {
	index := &fakeIndex{docs: []models.KnowledgeDocument{
		{ID: "runbook-disk-space", Kind: models.KnowledgeRunbook, Title: "Disk space exhaustion", Keywords: []string{"disk", "storage"}},
		{ID: "runbook-cpu-high", Kind: models.KnowledgeRunbook, Title: "High CPU utilization", Keywords: []string{"cpu", "cpuutilization", "performance"}},
		{ID: "case-old", Kind: models.KnowledgeCase, Title: "Resolved: cpu saturation", Keywords: []string{"cpu"}},
	}}
	r := NewRetriever(index, 5, nil)

	docs, degraded := r.ContextFor(context.Background(), cpuEvent())
	if degraded {
		t.Fatalf("unexpected degraded flag")
	}
	if len(docs) != 2 {
		t.Fatalf("expected the disk runbook filtered out, got %d docs", len(docs))
	}
	if docs[0].ID != "runbook-cpu-high" {
		t.Fatalf("expected cpu runbook ranked first, got %s", docs[0].ID)
	}
	if docs[0].Score <= docs[1].Score {
		t.Fatalf("ranking scores not descending: %v vs %v", docs[0].Score, docs[1].Score)
	}
}

func TestContextForIndexFailureDegrades(t *testing.T) {
	index := &fakeIndex{err: errors.New("index unreachable")}
	r := NewRetriever(index, 5, nil)

	docs, degraded := r.ContextFor(context.Background(), cpuEvent())
	if !degraded {
		t.Fatalf("expected degraded context on index failure")
	}
	if len(docs) != 0 {
		t.Fatalf("expected empty context, got %d docs", len(docs))
	}
}

func TestContextForHonoursLimit(t *testing.T) {
	var docs []models.KnowledgeDocument
	for i := 0; i < 8; i++ {
		docs = append(docs, models.KnowledgeDocument{
			ID:       string(rune('a' + i)),
			Keywords: []string{"cpu"},
		})
	}
	index := &fakeIndex{docs: docs}
	r := NewRetriever(index, 3, nil)

	got, _ := r.ContextFor(context.Background(), cpuEvent())
	if len(got) != 3 {
		t.Fatalf("expected 3 docs, got %d", len(got))
	}
	if index.lastLimit != 6 {
		t.Fatalf("expected over-fetch of 2x limit, got %d", index.lastLimit)
	}
}

func TestQueryTermsSplitsMetricWords(t *testing.T) {
	terms := QueryTerms(cpuEvent())
	want := map[string]bool{"cpuutilization": true, "cpu": true, "utilization": true, "performance": true, "compute": true}
	for _, term := range terms {
		delete(want, term)
	}
	if len(want) != 0 {
		t.Fatalf("missing expected terms %v in %v", want, terms)
	}
}

func TestSplitWords(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"CPUUtilization", []string{"cpu", "utilization"}},
		{"DiskSpaceUtilization", []string{"disk", "space", "utilization"}},
		{"log-error-burst", []string{"log", "error", "burst"}},
		{"StatusCheckFailed", []string{"status", "check", "failed"}},
		{"db", nil},
	}
	for _, tc := range cases {
		if got := splitWords(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("splitWords(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
