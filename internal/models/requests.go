package models

import "time"

// CollectSummary reports the outcome of one collection cycle.
type CollectSummary struct {
	StartedAt         time.Time
	Duration          time.Duration
	EventsCollected   int
	EventsAdmitted    int
	IncidentsCreated  int
	IncidentsUpdated  int
	IncidentsResolved int
	SourceErrors      map[string]string
}

// CollectorStatus captures the health of one polling source.
type CollectorStatus struct {
	Kind                string
	LastPoll            time.Time
	LastError           string
	ConsecutiveFailures int
	Healthy             bool
}

// IncidentCounts aggregates the incident store for status reporting.
type IncidentCounts struct {
	Total      int
	Open       int
	ByStatus   map[IncidentStatus]int
	BySeverity map[Severity]int
}

// AgentStatus is the operator-facing snapshot of the running agent.
type AgentStatus struct {
	Running    bool
	LastCycle  time.Time
	Collectors []CollectorStatus
	Incidents  IncidentCounts
	Knowledge  IndexStatus
}

// ConnectivityResult reports one collaborator or collector connection test.
type ConnectivityResult struct {
	Name    string
	OK      bool
	Error   string
	Latency time.Duration
}
