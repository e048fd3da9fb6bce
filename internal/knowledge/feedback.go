package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/miradorstack/mirador-incident/internal/metrics"
	"github.com/miradorstack/mirador-incident/internal/models"
)

// IndexWriter is the write contract the feedback writer needs from the
// knowledge store.
type IndexWriter interface {
	Upsert(ctx context.Context, doc models.KnowledgeDocument) error
}

// Writer turns closed incidents into case documents so future retrieval can
// ground the oracle in past resolutions. Writes retry a bounded number of
// times with linear backoff; a lost case record degrades future context but
// never blocks the close.
type Writer struct {
	index     IndexWriter
	retryMax  int
	retryBase time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewWriter constructs a feedback Writer.
func NewWriter(index IndexWriter, retryMax int, retryBase time.Duration, logger *slog.Logger) *Writer {
	if retryMax <= 0 {
		retryMax = 3
	}
	if retryBase <= 0 {
		retryBase = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		index:     index,
		retryMax:  retryMax,
		retryBase: retryBase,
		logger:    logger,
		now:       time.Now,
	}
}

// WriteCase indexes a case document synthesized from the incident.
func (w *Writer) WriteCase(ctx context.Context, inc models.Incident) error {
	if w == nil || w.index == nil {
		return nil
	}

	doc := CaseDocument(inc, w.now().UTC())

	var err error
	for attempt := 1; attempt <= w.retryMax; attempt++ {
		err = w.index.Upsert(ctx, doc)
		if err == nil {
			metrics.ObserveFeedbackWrite(metrics.OutcomeSuccess)
			return nil
		}
		if attempt == w.retryMax {
			break
		}
		select {
		case <-ctx.Done():
			metrics.ObserveFeedbackWrite(metrics.OutcomeError)
			return ctx.Err()
		case <-time.After(w.retryBase * time.Duration(attempt)):
		}
	}

	w.logger.Warn("case document write failed", "incident", inc.ID, "attempts", w.retryMax, "error", err)
	metrics.ObserveFeedbackWrite(metrics.OutcomeError)
	return fmt.Errorf("write case for %s: %w", inc.ID, err)
}

// CaseDocument synthesizes the knowledge record for a resolved incident.
func CaseDocument(inc models.Incident, indexedAt time.Time) models.KnowledgeDocument {
	title := inc.Description
	if len(title) > 120 {
		title = title[:117] + "..."
	}

	sections := []string{
		fmt.Sprintf("Incident %s (%s, %s) resolved on %s.", inc.ID, inc.Severity, inc.Category, indexedAt.Format("2006-01-02")),
		"What happened: " + inc.Description,
	}
	if inc.RootCauseAnalysis != "" {
		sections = append(sections, "Root cause: "+inc.RootCauseAnalysis)
	}
	if inc.Resolution != "" {
		sections = append(sections, "Resolution: "+inc.Resolution)
	}
	if len(inc.RecommendedActions) > 0 {
		sections = append(sections, "Actions: "+strings.Join(inc.RecommendedActions, "; "))
	}

	return models.KnowledgeDocument{
		ID:           "case-" + inc.ID,
		Kind:         models.KnowledgeCase,
		Title:        "Resolved: " + title,
		Category:     inc.Category,
		Keywords:     caseKeywords(inc),
		BodySections: sections,
		SourceRef:    inc.ID,
		IndexedAt:    indexedAt,
	}
}

func caseKeywords(inc models.Incident) []string {
	seen := make(map[string]struct{})
	var keywords []string
	add := func(t string) {
		t = strings.ToLower(strings.TrimSpace(t))
		if len(t) < 2 {
			return
		}
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		keywords = append(keywords, t)
	}

	add(string(inc.Category))
	add(string(inc.Severity))
	if len(inc.EventHistory) > 0 {
		first := inc.EventHistory[0]
		for _, t := range QueryTerms(first) {
			add(t)
		}
		add(first.ResourceID)
	}
	return keywords
}
