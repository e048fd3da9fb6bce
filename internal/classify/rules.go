package classify

import (
	"errors"
	"log/slog"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-incident/internal/models"
)

// RuleEngine applies operator-configured severity overrides and resource
// criticality tags before the scored mapping runs.
type RuleEngine struct {
	overrides   []OverrideRule
	criticality []CriticalityRule
	logger      *slog.Logger
}

// OverrideRule pins a severity tier for matching events.
type OverrideRule struct {
	Match    RuleMatch `yaml:"match"`
	Severity string    `yaml:"severity"`
}

// CriticalityRule tags matching resources with a criticality level.
type CriticalityRule struct {
	Match RuleMatch `yaml:"match"`
	Level string    `yaml:"level"`
}

// RuleMatch defines optional attributes for rule matching. Resource accepts
// glob patterns; the other fields match case-insensitively. Empty fields
// match everything.
type RuleMatch struct {
	Resource  string `yaml:"resource"`
	Metric    string `yaml:"metric"`
	Source    string `yaml:"source"`
	Namespace string `yaml:"namespace"`
}

// RulePackFile is the YAML root structure.
type RulePackFile struct {
	Overrides   []OverrideRule    `yaml:"overrides"`
	Criticality []CriticalityRule `yaml:"criticality"`
}

// NewRuleEngine loads the rule pack from the provided path. If path is empty
// or the file does not exist, returns a nil engine.
func NewRuleEngine(path string, logger *slog.Logger) (*RuleEngine, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var cfg RulePackFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleEngine{overrides: cfg.Overrides, criticality: cfg.Criticality, logger: logger}, nil
}

// Override returns the pinned severity for the event, if any rule matches.
// The first matching rule wins, so packs list specific rules before generic
// ones.
func (e *RuleEngine) Override(event models.Event) (models.Severity, bool) {
	if e == nil {
		return "", false
	}
	for _, rule := range e.overrides {
		if !rule.Match.matches(event) {
			continue
		}
		severity := models.ParseSeverity(rule.Severity)
		if severity == "" {
			e.logger.Warn("override rule carries unknown severity", "severity", rule.Severity)
			continue
		}
		return severity, true
	}
	return "", false
}

// Criticality returns the configured level for the event's resource, or
// "normal" when no rule matches.
func (e *RuleEngine) Criticality(event models.Event) string {
	if e == nil {
		return "normal"
	}
	for _, rule := range e.criticality {
		if rule.Match.matches(event) {
			level := strings.ToLower(strings.TrimSpace(rule.Level))
			if level == "" {
				level = "normal"
			}
			return level
		}
	}
	return "normal"
}

func (m RuleMatch) matches(event models.Event) bool {
	if m.Resource != "" {
		if ok, err := path.Match(m.Resource, event.ResourceID); err != nil || !ok {
			return false
		}
	}
	if m.Metric != "" && !strings.EqualFold(m.Metric, event.MetricName) {
		return false
	}
	if m.Source != "" && !strings.EqualFold(m.Source, string(event.SourceKind)) {
		return false
	}
	if m.Namespace != "" && !strings.EqualFold(m.Namespace, event.Namespace) {
		return false
	}
	return true
}
