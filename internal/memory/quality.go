// internal/memory/quality.go
package memory

import (
	"context"
	"log"
	"sort"

	"memtier/internal/config"
)

// RerankResult is one cross-encoder relevance judgment. Relevance is
// normalized to (0,1) by the rerank client.
type RerankResult struct {
	Index     int
	Relevance float64
}

// Reranker is the optional cross-encoder collaborator. Available reports
// whether a call would currently be attempted (circuit not open).
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error)
	Available() bool
}

// Enforcer applies quality gates to weighted candidates: similarity
// thresholds, top-rank boosting, the cross-encoder multiplier, and the
// three-stage admission gate for the memory_bank tier.
type Enforcer struct {
	reranker Reranker

	baseThreshold       float64
	memoryBankThreshold float64
	memoryBankCap       int
	boostCount          int
	boostAmount         float64
	neutralScore        float64
}

// NewEnforcer creates an enforcer. reranker may be nil when no cross-encoder
// collaborator is configured.
func NewEnforcer(reranker Reranker, rc config.RetrievalConfig) *Enforcer {
	return &Enforcer{
		reranker:            reranker,
		baseThreshold:       rc.SimilarityThreshold,
		memoryBankThreshold: rc.MemoryBankThreshold,
		memoryBankCap:       rc.MemoryBankCap,
		boostCount:          rc.BoostCount,
		boostAmount:         rc.BoostAmount,
		neutralScore:        rc.NeutralScore,
	}
}

// DistanceToSimilarity converts a vector-store distance (lower = closer)
// into a similarity in [0,1]. Monotonic decreasing, never negative.
func DistanceToSimilarity(distance float64) float64 {
	if distance < 0 {
		distance = 0
	}
	if distance > 1 {
		distance = 1
	}
	return 1 - distance
}

// Boost gives the top-ranked few candidates a small additive lift. Fusion
// tends to under-rank a single very strong single-source match against
// several mediocre multi-source matches; this counteracts that.
func (e *Enforcer) Boost(candidates []RankedCandidate) []RankedCandidate {
	for i := range candidates {
		if i >= e.boostCount {
			break
		}
		candidates[i].FinalScore += e.boostAmount * float64(e.boostCount-i) / float64(e.boostCount)
	}
	return candidates
}

// Enforce runs the admission gate at the standard similarity bar.
// Candidates must be hydrated (text, importance, confidence, tier) and
// sorted by final score. Returns the admitted candidates and whether the
// cross-encoder stage actually ran.
func (e *Enforcer) Enforce(ctx context.Context, query string, candidates []RankedCandidate) ([]RankedCandidate, bool) {
	return e.enforce(ctx, query, candidates, e.baseThreshold, e.memoryBankThreshold)
}

// EnforceOrganic runs the gate at the lower organic-recall bar for every
// tier, memory_bank included.
func (e *Enforcer) EnforceOrganic(ctx context.Context, query string, candidates []RankedCandidate, threshold float64) ([]RankedCandidate, bool) {
	return e.enforce(ctx, query, candidates, threshold, threshold)
}

func (e *Enforcer) enforce(ctx context.Context, query string, candidates []RankedCandidate, baseBar, bankBar float64) ([]RankedCandidate, bool) {
	// Stage 1: hard similarity floor. memory_bank has a stricter bar.
	survivors := make([]RankedCandidate, 0, len(candidates))
	for _, c := range candidates {
		bar := baseBar
		if c.Tier == TierMemoryBank {
			bar = bankBar
		}
		if c.Similarity < bar {
			continue
		}
		c.RerankScore = e.neutralScore
		survivors = append(survivors, c)
	}
	if len(survivors) == 0 {
		return survivors, false
	}

	survivors = e.Boost(survivors)

	// Stage 2: cross-encoder relevance folded in as a multiplier. When the
	// collaborator is down or circuit-open the stage is skipped and the
	// caller lowers retrieval confidence instead of failing.
	rerankApplied := false
	if e.reranker != nil && e.reranker.Available() {
		docs := make([]string, len(survivors))
		for i, c := range survivors {
			docs[i] = c.Text
		}
		results, err := e.reranker.Rerank(ctx, query, docs, len(docs))
		if err != nil {
			log.Printf("[Enforcer] Rerank stage skipped: %v", err)
		} else {
			for _, r := range results {
				if r.Index < 0 || r.Index >= len(survivors) {
					continue
				}
				survivors[r.Index].RerankScore = ClampScore(r.Relevance)
				survivors[r.Index].FinalScore *= survivors[r.Index].RerankScore
			}
			rerankApplied = true
		}
	}

	// Stage 3: cap memory_bank admissions to the top N by combined
	// importance × confidence × rerank score, so low-value items cannot
	// crowd out injected context. Other tiers have no cap.
	bank := make([]RankedCandidate, 0)
	rest := make([]RankedCandidate, 0, len(survivors))
	for _, c := range survivors {
		if c.Tier == TierMemoryBank {
			bank = append(bank, c)
		} else {
			rest = append(rest, c)
		}
	}
	if len(bank) > e.memoryBankCap {
		sort.SliceStable(bank, func(i, j int) bool {
			vi := bank[i].Importance * bank[i].Confidence * bank[i].RerankScore
			vj := bank[j].Importance * bank[j].Confidence * bank[j].RerankScore
			if vi != vj {
				return vi > vj
			}
			return bank[i].MemoryID < bank[j].MemoryID
		})
		dropped := len(bank) - e.memoryBankCap
		bank = bank[:e.memoryBankCap]
		log.Printf("[Enforcer] memory_bank cap applied: dropped %d candidates", dropped)
	}

	admitted := append(rest, bank...)
	sort.SliceStable(admitted, func(i, j int) bool {
		if admitted[i].FinalScore != admitted[j].FinalScore {
			return admitted[i].FinalScore > admitted[j].FinalScore
		}
		if admitted[i].BestRank != admitted[j].BestRank {
			return admitted[i].BestRank < admitted[j].BestRank
		}
		return admitted[i].MemoryID < admitted[j].MemoryID
	})
	return admitted, rerankApplied
}
