package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// SourceKind enumerates the signal sources collectors poll.
type SourceKind string

const (
	SourceAlarm      SourceKind = "alarm"
	SourceMetric     SourceKind = "metric"
	SourceLog        SourceKind = "log"
	SourceLogInsight SourceKind = "log-insight"
)

// EventState marks whether a signal is firing or has returned to normal.
type EventState string

const (
	StateTriggered EventState = "triggered"
	StateCleared   EventState = "cleared"
)

// ResourceType buckets monitored resources into broad families.
type ResourceType string

const (
	ResourceCompute      ResourceType = "compute"
	ResourceStorage      ResourceType = "storage"
	ResourceContainer    ResourceType = "container"
	ResourceServerless   ResourceType = "serverless"
	ResourceDatabase     ResourceType = "database"
	ResourceLoadBalancer ResourceType = "load-balancer"
	ResourceUnknown      ResourceType = "unknown"
)

// Event is a normalized observation emitted by a collector. Immutable once created.
type Event struct {
	ID            string
	SourceKind    SourceKind
	ResourceType  ResourceType
	ResourceID    string
	Namespace     string
	MetricName    string
	ObservedValue *float64
	Threshold     *float64
	State         EventState
	Timestamp     time.Time
	RawPayload    map[string]any
}

// Fingerprint derives the deduplication/matching key for the event. Events with
// the same source kind, resource, metric (or log pattern) inside one coarse time
// bucket share a fingerprint and therefore map to the same open incident.
func (e Event) Fingerprint(bucket time.Duration) string {
	if bucket <= 0 {
		bucket = time.Hour
	}
	slot := e.Timestamp.UTC().Truncate(bucket).Unix()
	raw := fmt.Sprintf("%s|%s|%s|%d", e.SourceKind, e.ResourceID, e.MetricName, slot)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:16]
}

// EventID builds a stable identifier for a raw observation.
func EventID(kind SourceKind, resourceID, metric string, ts time.Time) string {
	raw := fmt.Sprintf("%s-%s-%s-%d", kind, resourceID, metric, ts.UTC().UnixNano())
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:16]
}

// ResourceTypeForNamespace maps a telemetry namespace onto a resource family.
func ResourceTypeForNamespace(namespace string) ResourceType {
	ns := strings.ToLower(namespace)
	switch {
	case strings.Contains(ns, "ec2") || strings.Contains(ns, "compute") || strings.Contains(ns, "vm"):
		return ResourceCompute
	case strings.Contains(ns, "ebs") || strings.Contains(ns, "disk") || strings.Contains(ns, "storage"):
		return ResourceStorage
	case strings.Contains(ns, "ecs") || strings.Contains(ns, "eks") || strings.Contains(ns, "container") || strings.Contains(ns, "kube"):
		return ResourceContainer
	case strings.Contains(ns, "lambda") || strings.Contains(ns, "function"):
		return ResourceServerless
	case strings.Contains(ns, "rds") || strings.Contains(ns, "db") || strings.Contains(ns, "sql"):
		return ResourceDatabase
	case strings.Contains(ns, "elb") || strings.Contains(ns, "alb") || strings.Contains(ns, "balancer"):
		return ResourceLoadBalancer
	default:
		return ResourceUnknown
	}
}

// Float64 returns a pointer to v, for optional numeric event fields.
func Float64(v float64) *float64 { return &v }
