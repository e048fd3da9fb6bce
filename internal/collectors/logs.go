package collectors

import (
	"context"
	"strings"
	"time"

	"github.com/miradorstack/mirador-incident/internal/config"
	"github.com/miradorstack/mirador-incident/internal/models"
	"github.com/miradorstack/mirador-incident/internal/repo"
)

// LineSource is the telemetry contract the log collector needs.
type LineSource interface {
	FetchLogLines(ctx context.Context, group string, since time.Time) ([]repo.RawLogLine, error)
}

// LogCollector scans configured log groups for error patterns. A group only
// produces an event once the match count inside the poll window reaches the
// configured minimum, which keeps one-off errors out of the pipeline.
type LogCollector struct {
	source     LineSource
	groups     []string
	patterns   []string
	minMatches int
}

// NewLogCollector constructs a log collector.
func NewLogCollector(source LineSource, groups, patterns []string, minMatches int) *LogCollector {
	if len(patterns) == 0 {
		patterns = config.DefaultLogPatterns()
	}
	if minMatches <= 0 {
		minMatches = 3
	}
	return &LogCollector{source: source, groups: groups, patterns: patterns, minMatches: minMatches}
}

// Kind identifies the collector's source.
func (c *LogCollector) Kind() models.SourceKind { return models.SourceLog }

// TestConnection verifies the log source answers.
func (c *LogCollector) TestConnection(ctx context.Context) error {
	return testSource(ctx, c.source)
}

// Collect scans every configured group and emits at most one event per group.
func (c *LogCollector) Collect(ctx context.Context, since time.Time) ([]models.Event, error) {
	var events []models.Event
	var firstErr error

	for _, group := range c.groups {
		lines, err := c.source.FetchLogLines(ctx, group, since)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		count := 0
		sample := ""
		latest := since
		for _, line := range lines {
			if !matchesAny(line.Message, c.patterns) {
				continue
			}
			count++
			if sample == "" {
				sample = line.Message
			}
			if line.Timestamp.After(latest) {
				latest = line.Timestamp
			}
		}
		if count < c.minMatches {
			continue
		}
		if latest.IsZero() {
			latest = time.Now().UTC()
		}

		events = append(events, models.Event{
			ID:            models.EventID(models.SourceLog, group, "log-error-burst", latest),
			SourceKind:    models.SourceLog,
			ResourceType:  models.ResourceContainer,
			ResourceID:    group,
			Namespace:     "logs",
			MetricName:    "log-error-burst",
			ObservedValue: models.Float64(float64(count)),
			Threshold:     models.Float64(float64(c.minMatches)),
			State:         models.StateTriggered,
			Timestamp:     latest,
			RawPayload: map[string]any{
				"message":     sample,
				"match_count": count,
			},
		})
	}

	if len(events) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return events, nil
}

func matchesAny(message string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(message, p) {
			return true
		}
	}
	return false
}
