package collectors

import (
	"context"
	"time"

	"github.com/miradorstack/mirador-incident/internal/config"
	"github.com/miradorstack/mirador-incident/internal/models"
	"github.com/miradorstack/mirador-incident/internal/repo"
)

// QuerySource is the telemetry contract the insight collector needs.
type QuerySource interface {
	RunInsightQuery(ctx context.Context, query string, since time.Time) ([]repo.InsightRow, error)
}

// InsightCollector runs configured aggregation queries against the log store
// and emits an event for every row whose value exceeds the query's bound.
type InsightCollector struct {
	source  QuerySource
	queries []config.InsightQuery
}

// NewInsightCollector constructs an insight collector.
func NewInsightCollector(source QuerySource, queries []config.InsightQuery) *InsightCollector {
	return &InsightCollector{source: source, queries: queries}
}

// Kind identifies the collector's source.
func (c *InsightCollector) Kind() models.SourceKind { return models.SourceLogInsight }

// TestConnection verifies the insight query source answers.
func (c *InsightCollector) TestConnection(ctx context.Context) error {
	return testSource(ctx, c.source)
}

// Collect runs every configured query.
func (c *InsightCollector) Collect(ctx context.Context, since time.Time) ([]models.Event, error) {
	var events []models.Event
	var firstErr error

	for _, query := range c.queries {
		rows, err := c.source.RunInsightQuery(ctx, query.Query, since)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		for _, row := range rows {
			if row.Value <= query.Bound {
				continue
			}
			resource := row.ResourceID
			if resource == "" {
				resource = query.Name
			}
			ts := row.Timestamp
			if ts.IsZero() {
				ts = time.Now().UTC()
			}

			payload := map[string]any{"query": query.Name}
			for k, v := range row.Fields {
				payload[k] = v
			}

			events = append(events, models.Event{
				ID:            models.EventID(models.SourceLogInsight, resource, query.Name, ts),
				SourceKind:    models.SourceLogInsight,
				ResourceType:  models.ResourceUnknown,
				ResourceID:    resource,
				Namespace:     "insights",
				MetricName:    query.Name,
				ObservedValue: models.Float64(row.Value),
				Threshold:     models.Float64(query.Bound),
				State:         models.StateTriggered,
				Timestamp:     ts,
				RawPayload:    payload,
			})
		}
	}

	if len(events) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return events, nil
}
