// internal/memory/effectiveness.go
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"

	"memtier/internal/config"
)

// EffectivenessStore is the durable counter store consumed by the tracker.
// IncrementOutcome must be an atomic upsert-increment so concurrent
// recordings for the same key never lose updates.
type EffectivenessStore interface {
	IncrementOutcome(ctx context.Context, action, contextType, tierKey string, outcome Outcome) error
	GetEffectiveness(ctx context.Context, action, contextType, tierKey string) (*Effectiveness, error)
	ListEffectiveness(ctx context.Context, contextType string) ([]Effectiveness, error)
}

// Tracker records outcomes per (action, context_type, tier_key) and derives
// confidence-bounded success scores. Derived values are recomputed from raw
// counters on every read; nothing cached is ever trusted across requests.
type Tracker struct {
	store         EffectivenessStore
	neutralScore  float64
	partialWeight float64
	wilsonZ       float64
}

// NewTracker creates a tracker over the given counter store.
func NewTracker(store EffectivenessStore, rc config.RetrievalConfig) *Tracker {
	return &Tracker{
		store:         store,
		neutralScore:  rc.NeutralScore,
		partialWeight: rc.PartialWeight,
		wilsonZ:       rc.WilsonZ,
	}
}

// RecordOutcome durably increments the matching counter row and the "*"
// aggregate row. The write is applied before returning.
func (t *Tracker) RecordOutcome(ctx context.Context, action, contextType, tierKey string, outcome Outcome) error {
	if action == "" {
		return fmt.Errorf("%w: action must not be empty", ErrValidation)
	}
	if err := ValidateOutcome(string(outcome)); err != nil {
		return err
	}
	if tierKey == "" {
		tierKey = TierKeyAggregate
	}
	if tierKey != TierKeyAggregate {
		if err := ValidateTier(tierKey); err != nil {
			return err
		}
	}

	if err := t.store.IncrementOutcome(ctx, action, contextType, tierKey, outcome); err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	if tierKey != TierKeyAggregate {
		if err := t.store.IncrementOutcome(ctx, action, contextType, TierKeyAggregate, outcome); err != nil {
			return fmt.Errorf("failed to record aggregate outcome: %w", err)
		}
	}
	return nil
}

// Score returns the effectiveness row with SuccessRate and WilsonScore
// recomputed from raw counters. A missing row yields neutral defaults.
func (t *Tracker) Score(ctx context.Context, action, contextType, tierKey string) (*Effectiveness, error) {
	if tierKey == "" {
		tierKey = TierKeyAggregate
	}
	eff, err := t.store.GetEffectiveness(ctx, action, contextType, tierKey)
	if err != nil {
		return nil, err
	}
	if eff == nil {
		return &Effectiveness{
			Action:      action,
			ContextType: contextType,
			TierKey:     tierKey,
			SuccessRate: t.neutralScore,
			WilsonScore: t.neutralScore,
		}, nil
	}
	t.Derive(eff)
	return eff, nil
}

// Derive fills the derived fields of eff from its raw counters.
// Unknown outcomes are excluded from the statistical base: they mean
// "result not observed", not "neutral result".
func (t *Tracker) Derive(eff *Effectiveness) {
	n := eff.Worked + eff.Failed + eff.Partial
	if n == 0 {
		eff.SuccessRate = t.neutralScore
		eff.WilsonScore = t.neutralScore
		return
	}
	eff.SuccessRate = (float64(eff.Worked) + t.partialWeight*float64(eff.Partial)) / float64(n)
	eff.WilsonScore = WilsonLowerBound(eff.SuccessRate, n, t.wilsonZ)
}

// Ranked returns all rows for a context type ordered by the consumer sort
// contract: wilson desc, uses desc, most recent last_used_at. This ranks
// "proven with many observations" above "lucky with few".
func (t *Tracker) Ranked(ctx context.Context, contextType string) ([]Effectiveness, error) {
	rows, err := t.store.ListEffectiveness(ctx, contextType)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		t.Derive(&rows[i])
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].WilsonScore != rows[j].WilsonScore {
			return rows[i].WilsonScore > rows[j].WilsonScore
		}
		if rows[i].Uses != rows[j].Uses {
			return rows[i].Uses > rows[j].Uses
		}
		return rows[i].LastUsedAt.After(rows[j].LastUsedAt)
	})
	return rows, nil
}

// WilsonLowerBound computes the lower bound of the Wilson score confidence
// interval for a binomial proportion p observed over n trials.
func WilsonLowerBound(p float64, n int, z float64) float64 {
	if n <= 0 {
		return 0
	}
	nf := float64(n)
	z2 := z * z
	denom := 1 + z2/nf
	center := p + z2/(2*nf)
	margin := z * math.Sqrt(p*(1-p)/nf+z2/(4*nf*nf))
	lower := (center - margin) / denom
	return ClampScore(lower)
}
