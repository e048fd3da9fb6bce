package collectors

import (
	"context"
	"strings"
	"time"

	"github.com/miradorstack/mirador-incident/internal/models"
	"github.com/miradorstack/mirador-incident/internal/repo"
)

// AlarmSource is the telemetry contract the alarm collector needs.
type AlarmSource interface {
	FetchAlarms(ctx context.Context) ([]repo.RawAlarm, error)
}

// AlarmCollector normalizes source-evaluated alarms. Firing alarms become
// triggered events, recovered alarms become cleared events so open incidents
// can auto-close.
type AlarmCollector struct {
	source AlarmSource
}

// NewAlarmCollector constructs an alarm collector.
func NewAlarmCollector(source AlarmSource) *AlarmCollector {
	return &AlarmCollector{source: source}
}

// Kind identifies the collector's source.
func (c *AlarmCollector) Kind() models.SourceKind { return models.SourceAlarm }

// TestConnection verifies the alarm source answers.
func (c *AlarmCollector) TestConnection(ctx context.Context) error {
	return testSource(ctx, c.source)
}

// Collect fetches the current alarm set and normalizes it into events.
func (c *AlarmCollector) Collect(ctx context.Context, _ time.Time) ([]models.Event, error) {
	alarms, err := c.source.FetchAlarms(ctx)
	if err != nil {
		return nil, err
	}

	events := make([]models.Event, 0, len(alarms))
	for _, alarm := range alarms {
		var state models.EventState
		switch strings.ToUpper(alarm.State) {
		case "ALARM":
			state = models.StateTriggered
		case "OK":
			state = models.StateCleared
		default:
			// INSUFFICIENT_DATA and friends carry no signal.
			continue
		}

		metric := alarm.MetricName
		if metric == "" {
			metric = alarm.Name
		}
		ts := alarm.UpdatedAt
		if ts.IsZero() {
			ts = time.Now().UTC()
		}

		events = append(events, models.Event{
			ID:            models.EventID(models.SourceAlarm, alarm.ResourceID, metric, ts),
			SourceKind:    models.SourceAlarm,
			ResourceType:  models.ResourceTypeForNamespace(alarm.Namespace),
			ResourceID:    alarm.ResourceID,
			Namespace:     alarm.Namespace,
			MetricName:    metric,
			ObservedValue: alarm.ObservedValue,
			Threshold:     alarm.Threshold,
			State:         state,
			Timestamp:     ts,
			RawPayload: map[string]any{
				"alarm_name": alarm.Name,
				"message":    alarm.Description,
			},
		})
	}
	return events, nil
}
