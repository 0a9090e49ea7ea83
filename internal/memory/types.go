// internal/memory/types.go
package memory

import (
	"errors"
	"fmt"
	"time"
)

// Tier is a named partition of memory with distinct trust/recency semantics.
type Tier string

const (
	TierWorking    Tier = "working"     // Current-session scratch context
	TierHistory    Tier = "history"     // Past interaction records
	TierPatterns   Tier = "patterns"    // Learned behavioral patterns
	TierDocuments  Tier = "documents"   // Ingested documents and books
	TierMemoryBank Tier = "memory_bank" // Highest-trust curated facts
)

// AllTiers lists every tier in retrieval order.
var AllTiers = []Tier{TierWorking, TierHistory, TierPatterns, TierDocuments, TierMemoryBank}

// ValidateTier checks that a tier name is known.
func ValidateTier(t string) error {
	switch Tier(t) {
	case TierWorking, TierHistory, TierPatterns, TierDocuments, TierMemoryBank:
		return nil
	default:
		return fmt.Errorf("%w: unknown tier %q", ErrValidation, t)
	}
}

// Status is the lifecycle state of a memory item.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusGhosted  Status = "ghosted" // reversible soft delete
)

// Outcome classifies how a remembered item worked out when applied.
type Outcome string

const (
	OutcomeWorked  Outcome = "worked"
	OutcomeFailed  Outcome = "failed"
	OutcomePartial Outcome = "partial"
	OutcomeUnknown Outcome = "unknown" // result not observed; excluded from stats
)

// ValidateOutcome checks that an outcome label is known.
func ValidateOutcome(o string) error {
	switch Outcome(o) {
	case OutcomeWorked, OutcomeFailed, OutcomePartial, OutcomeUnknown:
		return nil
	default:
		return fmt.Errorf("%w: unknown outcome %q (must be worked, failed, partial or unknown)", ErrValidation, o)
	}
}

// TierKeyAggregate is the tier key denoting "across all tiers".
const TierKeyAggregate = "*"

// KnownTags is the tag registry. Store rejects unknown tags so typos do not
// silently fragment the tag space.
var KnownTags = map[string]struct{}{
	"identity":     {},
	"preference":   {},
	"fact":         {},
	"task":         {},
	"insight":      {},
	"pattern":      {},
	"document":     {},
	"conversation": {},
	"project":      {},
	"skill":        {},
}

// ValidateTags checks that the tag set is non-empty and every tag is known.
func ValidateTags(tags []string) error {
	if len(tags) == 0 {
		return fmt.Errorf("%w: at least one tag is required", ErrValidation)
	}
	for _, tag := range tags {
		if _, ok := KnownTags[tag]; !ok {
			return fmt.Errorf("%w: unknown tag %q", ErrValidation, tag)
		}
	}
	return nil
}

// Error taxonomy. Handlers map these onto HTTP statuses; the service never
// hides a degraded response behind a silent success.
var (
	ErrValidation              = errors.New("validation error")
	ErrNotFound                = errors.New("not found")
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	ErrRetrievalUnavailable    = errors.New("retrieval unavailable")
)

// Stats holds usage counters for an item. Mutated only by the
// outcome-recording path, read-mostly from ranking.
type Stats struct {
	Hits         int       `json:"hits"`
	Misses       int       `json:"misses"`
	AccessCount  int       `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed"`
}

// Item is a unit of remembered content.
type Item struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Tier         Tier      `json:"tier"`
	Text         string    `json:"text"`
	Tags         []string  `json:"tags"`
	Importance   float64   `json:"importance"` // clamped to [0,1] at write
	Confidence   float64   `json:"confidence"` // clamped to [0,1] at write
	AlwaysInject bool      `json:"always_inject"`
	Status       Status    `json:"status"`
	StatusReason string    `json:"status_reason,omitempty"` // why archived/ghosted
	Stats        Stats     `json:"stats"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ClampScore forces a score into [0,1].
func ClampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// VectorHit is one distance-ranked candidate from the vector index.
// Distance is lower-is-closer.
type VectorHit struct {
	ID       string
	Distance float64
}

// RankedList is one source's ordered candidate ids, best first.
type RankedList struct {
	Source string   // "vector", "lexical", "recency", ...
	IDs    []string // may overlap with other lists, any length
}

// RankedCandidate is the per-request scoring record for one candidate.
// Never persisted; it exists only for the duration of one ranking pass.
type RankedCandidate struct {
	MemoryID    string  `json:"memory_id"`
	Tier        Tier    `json:"tier,omitempty"`
	FusedScore  float64 `json:"fused_score"`
	Similarity  float64 `json:"similarity"`
	RerankScore float64 `json:"rerank_score"`
	FinalScore  float64 `json:"final_score"`
	BestRank    int     `json:"best_rank"` // lowest 1-based rank in any source list

	// Per-source 1-based ranks, for the debug payload.
	SourceRanks map[string]int `json:"source_ranks,omitempty"`

	// Filled in by the orchestrator before returning.
	Text         string   `json:"text,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Importance   float64  `json:"importance,omitempty"`
	Confidence   float64  `json:"confidence,omitempty"`
	AlwaysInject bool     `json:"always_inject,omitempty"`
}

// Effectiveness is one learned (action, context_type, tier_key) row.
// Derived fields are recomputed from the raw counters on every read.
type Effectiveness struct {
	Action      string    `json:"action"`
	ContextType string    `json:"context_type"`
	TierKey     string    `json:"tier_key"` // tier name or TierKeyAggregate
	Uses        int       `json:"uses"`
	Worked      int       `json:"worked"`
	Failed      int       `json:"failed"`
	Partial     int       `json:"partial"`
	Unknown     int       `json:"unknown"`
	SuccessRate float64   `json:"success_rate"` // derived
	WilsonScore float64   `json:"wilson_score"` // derived
	FirstUsedAt time.Time `json:"first_used_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

// ConceptTierStat is per-tier usefulness of a routing concept.
type ConceptTierStat struct {
	SuccessRate float64 `json:"success_rate"`
	Uses        int     `json:"uses"`
}

// RoutingConcept associates a semantic concept with its historical
// usefulness for routing retrieval. WilsonScore is derived from the raw
// counters on read, never persisted.
type RoutingConcept struct {
	ConceptID   string                   `json:"concept_id"`
	Label       string                   `json:"label"`
	Uses        int                      `json:"uses"`
	Worked      int                      `json:"worked"`
	Failed      int                      `json:"failed"`
	WilsonScore float64                  `json:"wilson_score"`
	TierStats   map[Tier]ConceptTierStat `json:"tier_stats"`
}

// SearchParams are the facade inputs for an explicit query.
type SearchParams struct {
	UserID      string   `json:"user_id"`
	Query       string   `json:"query"`
	Tiers       []Tier   `json:"tiers,omitempty"` // empty = all tiers
	ContextType string   `json:"context_type,omitempty"`
	TokenBudget int      `json:"token_budget,omitempty"`
	Limit       int      `json:"limit,omitempty"`
}

// PrefetchParams are the facade inputs for conversational prefetch.
type PrefetchParams struct {
	UserID         string   `json:"user_id"`
	ConversationID string   `json:"conversation_id"`
	Query          string   `json:"query"`
	RecentMessages []string `json:"recent_messages"`
	HasDocuments   bool     `json:"has_documents"`
	Limit          int      `json:"limit,omitempty"`
	TokenBudget    int      `json:"token_budget,omitempty"`
}

// StoreParams are the facade inputs for storing a new item.
type StoreParams struct {
	UserID       string   `json:"user_id"`
	Tier         Tier     `json:"tier"`
	Text         string   `json:"text"`
	Tags         []string `json:"tags"`
	Importance   float64  `json:"importance"`
	Confidence   float64  `json:"confidence"`
	AlwaysInject bool     `json:"always_inject"`
}

// RetrievalDebug records which stages ran and which degraded, so callers
// can explain a low-confidence response.
type RetrievalDebug struct {
	SourcesQueried []string `json:"sources_queried"`
	SourcesSkipped []string `json:"sources_skipped,omitempty"`
	SkipReasons    []string `json:"skip_reasons,omitempty"`
	RerankApplied  bool     `json:"rerank_applied"`
	CandidateCount int      `json:"candidate_count"`
	AdmittedCount  int      `json:"admitted_count"`
}

// SearchResponse is the facade output. Callers always get an explicit
// confidence value rather than a silent best-effort success.
type SearchResponse struct {
	Results             []RankedCandidate `json:"results"`
	RetrievalConfidence float64           `json:"retrieval_confidence"`
	Degraded            bool              `json:"degraded"`
	Debug               RetrievalDebug    `json:"retrieval_debug"`
}

// PrefetchResponse wraps a search response with the rendered context block
// ready for prompt injection.
type PrefetchResponse struct {
	RetrievalConfidence    float64        `json:"retrieval_confidence"`
	Degraded               bool           `json:"degraded"`
	Debug                  RetrievalDebug `json:"retrieval_debug"`
	MemoryContextInjection string         `json:"memory_context_injection"`
}
