package classify

import (
	"context"
	"log/slog"
	"strings"

	"github.com/miradorstack/mirador-incident/internal/models"
)

// Oracle resolves severity for events the scored mapping cannot decide.
type Oracle interface {
	ClassifySeverity(ctx context.Context, event models.Event, verdict models.AnomalyVerdict, knowledge []models.KnowledgeDocument) (models.Severity, models.Category, error)
}

// Classifier maps an anomaly verdict onto one of six priority tiers.
// Operator overrides from the rule pack always win. Otherwise the verdict
// confidence, event category, source kind and resource criticality blend into
// a score, and boundary scores resolve toward the more severe tier. Events
// the deterministic path cannot judge go to the oracle, defaulting to P3 when
// that also fails so no anomaly ever leaves without a severity.
type Classifier struct {
	rules  *RuleEngine
	oracle Oracle
	logger *slog.Logger
}

var categoryWeights = map[models.Category]float64{
	models.CategoryAvailability:       1.0,
	models.CategorySecurity:           0.95,
	models.CategoryErrorRate:          0.85,
	models.CategoryPerformance:        0.8,
	models.CategoryResourceExhaustion: 0.75,
	models.CategoryCapacity:           0.7,
	models.CategoryConfiguration:      0.6,
	models.CategoryUnknown:            0.5,
}

// New constructs a Classifier. Both rules and oracle may be nil.
func New(rules *RuleEngine, oracle Oracle, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{rules: rules, oracle: oracle, logger: logger}
}

// Classify assigns a severity tier and category to an anomalous event.
func (c *Classifier) Classify(ctx context.Context, event models.Event, verdict models.AnomalyVerdict, knowledge []models.KnowledgeDocument) (models.Severity, models.Category) {
	category := Categorize(event)

	if severity, ok := c.rules.Override(event); ok {
		return severity, category
	}

	if c.needsOracle(event, category) && c.oracle != nil {
		severity, oracleCategory, err := c.oracle.ClassifySeverity(ctx, event, verdict, knowledge)
		if err == nil {
			if oracleCategory != "" && oracleCategory != models.CategoryUnknown {
				category = oracleCategory
			}
			return severity, category
		}
		c.logger.Warn("severity delegation failed, defaulting to P3",
			"resource", event.ResourceID, "metric", event.MetricName, "error", err)
		return models.SeverityP3, category
	}

	score := c.scoreFor(event, verdict, category)
	return tierFor(score), category
}

// needsOracle reports whether the event lacks the signals the scored mapping
// relies on.
func (c *Classifier) needsOracle(event models.Event, category models.Category) bool {
	return category == models.CategoryUnknown && event.ObservedValue == nil && event.Threshold == nil
}

func (c *Classifier) scoreFor(event models.Event, verdict models.AnomalyVerdict, category models.Category) float64 {
	weight, ok := categoryWeights[category]
	if !ok {
		weight = categoryWeights[models.CategoryUnknown]
	}

	score := 0.6*verdict.Confidence + 0.4*weight

	switch event.SourceKind {
	case models.SourceLog, models.SourceLogInsight:
		score -= 0.05
	}

	switch c.rules.Criticality(event) {
	case "high":
		score += 0.05
	case "low":
		score -= 0.05
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// tierFor maps a blended score onto a severity tier. Boundary values land in
// the more severe tier.
func tierFor(score float64) models.Severity {
	switch {
	case score >= 0.95:
		return models.SeverityP1
	case score >= 0.85:
		return models.SeverityP2
	case score >= 0.70:
		return models.SeverityP3
	case score >= 0.50:
		return models.SeverityP4
	case score >= 0.30:
		return models.SeverityP5
	default:
		return models.SeverityP6
	}
}

// categoryKeywords maps categories to trigger keywords, ordered so specific
// categories match before generic ones: StatusCheckFailed must land on
// availability before the error-rate list sees "failed".
var categoryKeywords = []struct {
	category models.Category
	keywords []string
}{
	{models.CategorySecurity, []string{"unauthorized", "forbidden", "security", "intrusion", "denied"}},
	{models.CategoryAvailability, []string{"statuscheck", "unreachable", "heartbeat", "health", "availability", "down"}},
	{models.CategoryResourceExhaustion, []string{"memory", "oom", "disk", "space", "swap", "outofmemory"}},
	{models.CategoryCapacity, []string{"capacity", "quota", "throttl", "saturat"}},
	{models.CategoryErrorRate, []string{"error", "exception", "fatal", "critical", "traceback", "failed", "5xx"}},
	{models.CategoryPerformance, []string{"cpu", "latency", "duration", "slow", "timeout", "load", "utilization"}},
	{models.CategoryConfiguration, []string{"config", "drift", "parameter"}},
}

// Categorize buckets an event by scanning its metric name and sample message.
func Categorize(event models.Event) models.Category {
	text := strings.ToLower(event.MetricName)
	if msg, ok := event.RawPayload["message"].(string); ok {
		text += " " + strings.ToLower(msg)
	}
	if text == "" {
		return models.CategoryUnknown
	}
	for _, entry := range categoryKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(text, kw) {
				return entry.category
			}
		}
	}
	return models.CategoryUnknown
}
