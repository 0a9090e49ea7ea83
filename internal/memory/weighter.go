// internal/memory/weighter.go
package memory

import (
	"context"
	"log"

	"memtier/internal/config"
)

// Weighter converts learned effectiveness statistics into per-tier,
// per-context multipliers on fused scores. It rescales, never zeroes: a
// poorly weighted tier can still surface a single excellent item.
type Weighter struct {
	tracker      *Tracker
	neutralScore float64
	minWeight    float64
}

// NewWeighter creates a weighter backed by the effectiveness tracker.
func NewWeighter(tracker *Tracker, rc config.RetrievalConfig) *Weighter {
	return &Weighter{
		tracker:      tracker,
		neutralScore: rc.NeutralScore,
		minWeight:    rc.MinWeight,
	}
}

// retrieveAction is the aggregate action key used when no specific action
// is known for a retrieval request.
const retrieveAction = "retrieve"

// Weight returns the multiplier for candidates of the given tier under the
// given context type. Cold start (no recorded uses) returns exactly the
// neutral score, neither boosting nor penalizing the tier.
func (w *Weighter) Weight(ctx context.Context, tier Tier, contextType string) float64 {
	eff, err := w.tracker.Score(ctx, retrieveAction, contextType, string(tier))
	if err != nil {
		log.Printf("[Weighter] Effectiveness lookup failed for tier=%s context=%s: %v (using neutral)",
			tier, contextType, err)
		return w.neutralScore
	}
	if eff.Uses == 0 {
		return w.neutralScore
	}
	factor := eff.WilsonScore
	if factor < w.minWeight {
		factor = w.minWeight
	}
	return factor
}

// Apply multiplies each candidate's fused score by the tier weight and
// stores the result in FinalScore. Candidates must already carry their tier.
func (w *Weighter) Apply(ctx context.Context, candidates []RankedCandidate, contextType string) []RankedCandidate {
	weights := make(map[Tier]float64)
	for i := range candidates {
		tier := candidates[i].Tier
		factor, ok := weights[tier]
		if !ok {
			factor = w.Weight(ctx, tier, contextType)
			weights[tier] = factor
		}
		candidates[i].FinalScore = candidates[i].FusedScore * factor
	}
	return candidates
}
