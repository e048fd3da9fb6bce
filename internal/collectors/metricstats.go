package collectors

import (
	"context"
	"time"

	"github.com/miradorstack/mirador-incident/internal/config"
	"github.com/miradorstack/mirador-incident/internal/models"
	"github.com/miradorstack/mirador-incident/internal/repo"
)

// StatSource is the telemetry contract the metric collector needs.
type StatSource interface {
	FetchMetricStats(ctx context.Context, namespace, metric string, since time.Time) ([]repo.MetricStat, error)
}

// MetricCollector evaluates watched metric series against configured
// thresholds. Only breaches produce events; recovery is signalled by the
// alarm source.
type MetricCollector struct {
	source  StatSource
	watches []config.MetricWatch
}

// NewMetricCollector constructs a metric collector for the given watch list.
func NewMetricCollector(source StatSource, watches []config.MetricWatch) *MetricCollector {
	if len(watches) == 0 {
		watches = config.DefaultMetricWatches()
	}
	return &MetricCollector{source: source, watches: watches}
}

// Kind identifies the collector's source.
func (c *MetricCollector) Kind() models.SourceKind { return models.SourceMetric }

// TestConnection verifies the statistics source answers.
func (c *MetricCollector) TestConnection(ctx context.Context) error {
	return testSource(ctx, c.source)
}

// Collect fetches stats for every watch and emits one event per resource
// whose latest datapoint breaches the watch threshold.
func (c *MetricCollector) Collect(ctx context.Context, since time.Time) ([]models.Event, error) {
	var events []models.Event
	var firstErr error

	for _, watch := range c.watches {
		stats, err := c.source.FetchMetricStats(ctx, watch.Namespace, watch.Metric, since)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		for _, stat := range latestPerResource(stats) {
			if stat.Value <= watch.Threshold {
				continue
			}
			events = append(events, models.Event{
				ID:            models.EventID(models.SourceMetric, stat.ResourceID, watch.Metric, stat.Timestamp),
				SourceKind:    models.SourceMetric,
				ResourceType:  models.ResourceTypeForNamespace(watch.Namespace),
				ResourceID:    stat.ResourceID,
				Namespace:     watch.Namespace,
				MetricName:    watch.Metric,
				ObservedValue: models.Float64(stat.Value),
				Threshold:     models.Float64(watch.Threshold),
				State:         models.StateTriggered,
				Timestamp:     stat.Timestamp,
			})
		}
	}

	if len(events) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return events, nil
}

// latestPerResource keeps the newest datapoint of each resource's series.
func latestPerResource(stats []repo.MetricStat) []repo.MetricStat {
	latest := make(map[string]repo.MetricStat, len(stats))
	order := make([]string, 0, len(stats))
	for _, stat := range stats {
		prev, ok := latest[stat.ResourceID]
		if !ok {
			order = append(order, stat.ResourceID)
			latest[stat.ResourceID] = stat
			continue
		}
		if stat.Timestamp.After(prev.Timestamp) {
			latest[stat.ResourceID] = stat
		}
	}

	out := make([]repo.MetricStat, 0, len(latest))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out
}
