// Package model defines the domain entities shared across the memory
// service's storage, retrieval, graph, and scoring layers.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// RawEntry is an immutable append-only record of one conversational turn (L0).
type RawEntry struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"session_id"`
	Speaker   string         `json:"speaker"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Insight is a compressed semantic statement derived from zero or more raw entries (L2).
type Insight struct {
	ID        uuid.UUID       `json:"id"`
	Content   string          `json:"content"`
	Embedding pgvector.Vector `json:"-"`
	SourceIDs []int64         `json:"source_ids"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// EvictionReason enumerates why a WorkingItem was archived into StaleItem.
type EvictionReason string

const (
	ReasonLRUEviction   EvictionReason = "LRU_EVICTION"
	ReasonManualArchive EvictionReason = "MANUAL_ARCHIVE"
)

// WorkingItem is a bounded, mutable context window element.
type WorkingItem struct {
	ID           uuid.UUID `json:"id"`
	Content      string    `json:"content"`
	Importance   float64   `json:"importance"`
	LastAccessed time.Time `json:"last_accessed"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsCritical reports whether the item is exempt from standard LRU eviction.
func (w WorkingItem) IsCritical(tauCrit float64) bool {
	return w.Importance > tauCrit
}

// StaleItem is an archival copy of an evicted or manually archived WorkingItem.
type StaleItem struct {
	ID              uuid.UUID      `json:"id"`
	OriginalContent string         `json:"original_content"`
	Importance      float64        `json:"importance"`
	ArchivedAt      time.Time      `json:"archived_at"`
	Reason          EvictionReason `json:"reason"`
}

// Episode is a reflection record for verbal reinforcement.
type Episode struct {
	ID         uuid.UUID       `json:"id"`
	Query      string          `json:"query"`
	Reward     float64         `json:"reward"`
	Reflection string          `json:"reflection"`
	Embedding  pgvector.Vector `json:"-"`
	CreatedAt  time.Time       `json:"created_at"`
}

// GraphNode is a typed named entity in the knowledge graph.
type GraphNode struct {
	ID         uuid.UUID      `json:"id"`
	Label      string         `json:"label"`
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties,omitempty"`
	VectorID   *uuid.UUID     `json:"vector_id,omitempty"` // optional FK to Insight.ID
	CreatedAt  time.Time      `json:"created_at"`
}

// GraphEdge is a typed directed relation between two nodes.
type GraphEdge struct {
	ID           uuid.UUID      `json:"id"`
	SourceID     uuid.UUID      `json:"source_id"`
	TargetID     uuid.UUID      `json:"target_id"`
	Relation     string         `json:"relation"`
	Weight       float64        `json:"weight"`
	Properties   map[string]any `json:"properties,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ModifiedAt   time.Time      `json:"modified_at"`
	LastAccessed time.Time      `json:"last_accessed"`
}

// EdgeType returns properties["edge_type"] as a string, or "" if absent.
func (e GraphEdge) EdgeType() string {
	if e.Properties == nil {
		return ""
	}
	v, _ := e.Properties["edge_type"].(string)
	return v
}

// AccessCount returns properties["access_count"], or 0 if absent.
func (e GraphEdge) AccessCount() int64 {
	if e.Properties == nil {
		return 0
	}
	switch v := e.Properties["access_count"].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	default:
		return 0
	}
}

// SupersededBy returns properties["superseded_by"] as a string id, or "" if absent.
func (e GraphEdge) SupersededBy() string {
	if e.Properties == nil {
		return ""
	}
	v, _ := e.Properties["superseded_by"].(string)
	return v
}

// GroundTruth is a labelled query with relevance annotations and dual-judge scores.
type GroundTruth struct {
	ID           uuid.UUID   `json:"id"`
	Query        string      `json:"query"`
	ExpectedDocs []uuid.UUID `json:"expected_docs"`
	Judge1Score  []float64   `json:"judge1_score"`
	Judge2Score  []float64   `json:"judge2_score"`
	Judge1Model  string      `json:"judge1_model"`
	Judge2Model  string      `json:"judge2_model"`
	Kappa        *float64    `json:"kappa,omitempty"` // nil represents the NaN/undefined sentinel.
	CreatedAt    time.Time   `json:"created_at"`
}

// ApiCostRecord is a per-call accounting record for a provider invocation.
type ApiCostRecord struct {
	ID            int64      `json:"id"`
	Timestamp     time.Time  `json:"timestamp"`
	Provider      string     `json:"provider"`
	Operation     string     `json:"operation"`
	TokenCount    int        `json:"token_count"`
	EstimatedCost float64    `json:"estimated_cost"`
	QueryID       *uuid.UUID `json:"query_id,omitempty"`
}

// NuanceReviewStatus enumerates the lifecycle of a contradiction review.
type NuanceReviewStatus string

const (
	NuanceStatusPending    NuanceReviewStatus = "PENDING"
	NuanceStatusResolved   NuanceReviewStatus = "RESOLVED"
	NuanceStatusSuperseded NuanceReviewStatus = "SUPERSEDED"
)

// NuanceReview is a pending review of two contradicting edges.
type NuanceReview struct {
	ID         uuid.UUID          `json:"id"`
	EdgeAID    uuid.UUID          `json:"edge_a_id"`
	EdgeBID    uuid.UUID          `json:"edge_b_id"`
	Status     NuanceReviewStatus `json:"status"`
	CreatedAt  time.Time          `json:"created_at"`
	ResolvedAt *time.Time         `json:"resolved_at,omitempty"`
}
