package models

import (
	"strings"
	"time"
)

// Severity is an ordered priority tier, P1 most severe through P6 trivial.
type Severity string

const (
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
	SeverityP3 Severity = "P3"
	SeverityP4 Severity = "P4"
	SeverityP5 Severity = "P5"
	SeverityP6 Severity = "P6"
)

// Urgency selects how a notification for an incident is delivered.
type Urgency string

const (
	UrgencyImmediate Urgency = "immediate"
	UrgencyStandard  Urgency = "standard"
	UrgencySummary   Urgency = "summary"
	UrgencyNone      Urgency = "none"
)

// SeverityPolicy carries the fixed per-tier lifecycle attributes.
type SeverityPolicy struct {
	AutoClose bool
	Urgency   Urgency
}

var severityPolicies = map[Severity]SeverityPolicy{
	SeverityP1: {AutoClose: false, Urgency: UrgencyImmediate},
	SeverityP2: {AutoClose: false, Urgency: UrgencyImmediate},
	SeverityP3: {AutoClose: false, Urgency: UrgencyStandard},
	SeverityP4: {AutoClose: true, Urgency: UrgencySummary},
	SeverityP5: {AutoClose: true, Urgency: UrgencyNone},
	SeverityP6: {AutoClose: true, Urgency: UrgencyNone},
}

var severityRanks = map[Severity]int{
	SeverityP1: 1,
	SeverityP2: 2,
	SeverityP3: 3,
	SeverityP4: 4,
	SeverityP5: 5,
	SeverityP6: 6,
}

// Policy returns the fixed lifecycle policy for the tier.
func (s Severity) Policy() SeverityPolicy {
	if p, ok := severityPolicies[s]; ok {
		return p
	}
	return SeverityPolicy{AutoClose: false, Urgency: UrgencyStandard}
}

// Rank orders tiers; lower is more severe. Unknown tiers rank last.
func (s Severity) Rank() int {
	if r, ok := severityRanks[s]; ok {
		return r
	}
	return len(severityRanks) + 1
}

// MoreSevere reports whether s outranks other.
func (s Severity) MoreSevere(other Severity) bool {
	return s.Rank() < other.Rank()
}

// ParseSeverity normalizes a tier label; unknown input yields the empty Severity.
func ParseSeverity(raw string) Severity {
	s := Severity(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := severityRanks[s]; ok {
		return s
	}
	return ""
}

// IncidentStatus tracks the lifecycle state machine.
type IncidentStatus string

const (
	StatusOpen          IncidentStatus = "open"
	StatusInvestigating IncidentStatus = "investigating"
	StatusResolved      IncidentStatus = "resolved"
	StatusClosed        IncidentStatus = "closed"
)

// Category buckets incidents for classification weighting and knowledge lookup.
type Category string

const (
	CategoryPerformance        Category = "performance"
	CategoryAvailability       Category = "availability"
	CategoryErrorRate          Category = "error-rate"
	CategoryResourceExhaustion Category = "resource-exhaustion"
	CategorySecurity           Category = "security"
	CategoryConfiguration      Category = "configuration"
	CategoryCapacity           Category = "capacity"
	CategoryUnknown            Category = "unknown"
)

// AnomalyVerdict is the detection outcome attached to the incident it produced.
type AnomalyVerdict struct {
	IsAnomaly           bool
	Confidence          float64
	Rationale           string
	RootCauseHypothesis string
}

// Incident is the central mutable record driven through the lifecycle state machine.
type Incident struct {
	ID                 string
	Fingerprint        string
	Status             IncidentStatus
	Severity           Severity
	Category           Category
	Description        string
	RootCauseAnalysis  string
	RecommendedActions []string
	TicketRef          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ResolvedAt         time.Time
	Resolution         string
	EventHistory       []Event
	DegradedContext    bool
}

// Clone returns a copy safe to hand out while the original keeps mutating.
func (i Incident) Clone() Incident {
	out := i
	out.RecommendedActions = append([]string(nil), i.RecommendedActions...)
	out.EventHistory = append([]Event(nil), i.EventHistory...)
	return out
}
