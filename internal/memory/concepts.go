// internal/memory/concepts.go
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"memtier/internal/config"
)

// ConceptStore is the durable store for routing-concept counters.
type ConceptStore interface {
	UpsertConceptOutcome(ctx context.Context, conceptID, label string, tier Tier, worked bool) error
	ListConcepts(ctx context.Context) ([]RoutingConcept, error)
}

// ConceptRouter tracks which semantic concepts have historically led to
// useful retrievals, per tier. It is advisory: routing hints, not hard
// filters.
type ConceptRouter struct {
	store        ConceptStore
	neutralScore float64
	wilsonZ      float64
}

// NewConceptRouter creates a router over the given concept store.
func NewConceptRouter(store ConceptStore, rc config.RetrievalConfig) *ConceptRouter {
	return &ConceptRouter{
		store:        store,
		neutralScore: rc.NeutralScore,
		wilsonZ:      rc.WilsonZ,
	}
}

// RecordConceptOutcome bumps a concept's per-tier counters for one observed
// retrieval outcome. Partial counts as worked here; the concept signal is
// "did anything useful come back", not a graded score.
func (cr *ConceptRouter) RecordConceptOutcome(ctx context.Context, label string, tier Tier, outcome Outcome) error {
	label = strings.TrimSpace(strings.ToLower(label))
	if label == "" {
		return fmt.Errorf("%w: concept label must not be empty", ErrValidation)
	}
	if err := ValidateTier(string(tier)); err != nil {
		return err
	}
	if err := ValidateOutcome(string(outcome)); err != nil {
		return err
	}
	if outcome == OutcomeUnknown {
		return nil
	}
	worked := outcome == OutcomeWorked || outcome == OutcomePartial
	if err := cr.store.UpsertConceptOutcome(ctx, conceptID(label), label, tier, worked); err != nil {
		return fmt.Errorf("failed to record concept outcome: %w", err)
	}
	return nil
}

// TopConcepts returns up to limit concepts ranked by Wilson lower bound,
// then uses, then id. Concepts with no observations score neutral.
func (cr *ConceptRouter) TopConcepts(ctx context.Context, limit int) ([]RoutingConcept, error) {
	concepts, err := cr.store.ListConcepts(ctx)
	if err != nil {
		return nil, err
	}
	for i := range concepts {
		cr.derive(&concepts[i])
	}
	sort.SliceStable(concepts, func(i, j int) bool {
		if concepts[i].WilsonScore != concepts[j].WilsonScore {
			return concepts[i].WilsonScore > concepts[j].WilsonScore
		}
		if concepts[i].Uses != concepts[j].Uses {
			return concepts[i].Uses > concepts[j].Uses
		}
		return concepts[i].ConceptID < concepts[j].ConceptID
	})
	if limit > 0 && len(concepts) > limit {
		concepts = concepts[:limit]
	}
	return concepts, nil
}

// TiersFor suggests which tiers a concept has worked in, best first.
// Returns nil when the concept is unknown; callers fall back to all tiers.
func (cr *ConceptRouter) TiersFor(ctx context.Context, label string) ([]Tier, error) {
	label = strings.TrimSpace(strings.ToLower(label))
	concepts, err := cr.store.ListConcepts(ctx)
	if err != nil {
		return nil, err
	}
	for i := range concepts {
		if concepts[i].ConceptID != conceptID(label) {
			continue
		}
		type tierScore struct {
			tier Tier
			stat ConceptTierStat
		}
		scored := make([]tierScore, 0, len(concepts[i].TierStats))
		for tier, st := range concepts[i].TierStats {
			if st.Uses > 0 && st.SuccessRate >= cr.neutralScore {
				scored = append(scored, tierScore{tier, st})
			}
		}
		sort.SliceStable(scored, func(a, b int) bool {
			sa, sb := scored[a].stat, scored[b].stat
			wa := WilsonLowerBound(sa.SuccessRate, sa.Uses, cr.wilsonZ)
			wb := WilsonLowerBound(sb.SuccessRate, sb.Uses, cr.wilsonZ)
			if wa != wb {
				return wa > wb
			}
			return scored[a].tier < scored[b].tier
		})
		tiers := make([]Tier, len(scored))
		for j, ts := range scored {
			tiers[j] = ts.tier
		}
		return tiers, nil
	}
	return nil, nil
}

func (cr *ConceptRouter) derive(c *RoutingConcept) {
	n := c.Worked + c.Failed
	if n == 0 {
		c.WilsonScore = cr.neutralScore
		return
	}
	p := float64(c.Worked) / float64(n)
	c.WilsonScore = WilsonLowerBound(p, n, cr.wilsonZ)
}

// conceptID derives the stable id from the normalized label.
func conceptID(label string) string {
	return strings.ReplaceAll(label, " ", "-")
}
