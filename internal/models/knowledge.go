package models

import "time"

// KnowledgeKind distinguishes operator runbooks from resolved-case records.
type KnowledgeKind string

const (
	KnowledgeRunbook KnowledgeKind = "runbook"
	KnowledgeCase    KnowledgeKind = "case"
)

// KnowledgeDocument is a runbook or case-history record held by the knowledge index.
type KnowledgeDocument struct {
	ID           string
	Kind         KnowledgeKind
	Title        string
	Category     Category
	Keywords     []string
	BodySections []string
	SourceRef    string
	IndexedAt    time.Time
	Score        float64
}

// IndexStatus summarises knowledge index reachability and contents.
type IndexStatus struct {
	Reachable      bool
	DocumentCounts map[KnowledgeKind]int
}
