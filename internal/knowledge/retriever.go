package knowledge

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"github.com/miradorstack/mirador-incident/internal/classify"
	"github.com/miradorstack/mirador-incident/internal/models"
)

// Index is the read contract the retriever needs from the knowledge store.
type Index interface {
	Search(ctx context.Context, terms []string, kinds []models.KnowledgeKind, limit int) ([]models.KnowledgeDocument, error)
}

// Retriever fetches the most relevant runbooks and case history for an event.
// An unreachable index degrades to empty context rather than failing the
// pipeline; callers record the degradation on the incident.
type Retriever struct {
	index  Index
	limit  int
	logger *slog.Logger
}

// NewRetriever constructs a Retriever.
func NewRetriever(index Index, limit int, logger *slog.Logger) *Retriever {
	if limit <= 0 {
		limit = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{index: index, limit: limit, logger: logger}
}

// ContextFor returns up to the configured number of documents ranked by term
// overlap, and whether retrieval was degraded by an index failure.
func (r *Retriever) ContextFor(ctx context.Context, event models.Event) ([]models.KnowledgeDocument, bool) {
	if r == nil || r.index == nil {
		return nil, false
	}

	terms := QueryTerms(event)
	docs, err := r.index.Search(ctx, terms, nil, r.limit*2)
	if err != nil {
		r.logger.Warn("knowledge retrieval degraded",
			"resource", event.ResourceID, "metric", event.MetricName, "error", err)
		return nil, true
	}

	ranked := rank(docs, terms)
	if len(ranked) > r.limit {
		ranked = ranked[:r.limit]
	}
	return ranked, false
}

// QueryTerms derives search terms from an event's metric, category and
// placement.
func QueryTerms(event models.Event) []string {
	seen := make(map[string]struct{})
	var terms []string
	add := func(t string) {
		t = strings.ToLower(strings.TrimSpace(t))
		if len(t) < 3 {
			return
		}
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}

	add(event.MetricName)
	for _, w := range splitWords(event.MetricName) {
		add(w)
	}
	add(string(classify.Categorize(event)))
	add(event.Namespace)
	add(string(event.ResourceType))
	return terms
}

// rank orders documents by overlap between query terms and document keywords,
// with title words as a weaker signal. Documents without any overlap drop out.
func rank(docs []models.KnowledgeDocument, terms []string) []models.KnowledgeDocument {
	termSet := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		termSet[t] = struct{}{}
	}

	ranked := make([]models.KnowledgeDocument, 0, len(docs))
	for _, doc := range docs {
		score := 0.0
		for _, kw := range doc.Keywords {
			if _, ok := termSet[strings.ToLower(kw)]; ok {
				score += 1.0
			}
		}
		for _, w := range splitWords(doc.Title) {
			if _, ok := termSet[w]; ok {
				score += 0.5
			}
		}
		if score == 0 {
			continue
		}
		doc.Score = score
		ranked = append(ranked, doc)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

// splitWords lowercases and splits an identifier on case transitions and
// separators: "CPUUtilization" yields "cpu" and "utilization".
func splitWords(s string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) >= 3 {
			words = append(words, string(cur))
		}
		cur = cur[:0]
	}

	runes := []rune(s)
	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if i > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || (unicode.IsUpper(prev) && nextLower) {
				flush()
			}
		}
		cur = append(cur, unicode.ToLower(r))
	}
	flush()
	return words
}
