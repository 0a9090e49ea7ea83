package memory

import (
	"context"
	"errors"
	"testing"

	"memtier/internal/config"
)

// fakeReranker returns canned relevance scores in document order.
type fakeReranker struct {
	scores    []float64
	available bool
	err       error
	calls     int
}

func (f *fakeReranker) Rerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]RerankResult, 0, len(documents))
	for i := range documents {
		score := 0.5
		if i < len(f.scores) {
			score = f.scores[i]
		}
		out = append(out, RerankResult{Index: i, Relevance: score})
	}
	return out, nil
}

func (f *fakeReranker) Available() bool { return f.available }

func newTestEnforcer(r Reranker) *Enforcer {
	return NewEnforcer(r, config.DefaultRetrieval())
}

func TestDistanceToSimilarity(t *testing.T) {
	cases := []struct{ distance, want float64 }{
		{0, 1},
		{1, 0},
		{0.3, 0.7},
		{-0.5, 1}, // clamped
		{1.7, 0},  // clamped
	}
	for _, c := range cases {
		if got := DistanceToSimilarity(c.distance); !approxEqual(got, c.want, 1e-9) {
			t.Errorf("DistanceToSimilarity(%f): expected %f, got %f", c.distance, c.want, got)
		}
	}
}

func TestEnforce_SimilarityFloor(t *testing.T) {
	e := newTestEnforcer(nil)
	candidates := []RankedCandidate{
		{MemoryID: "keep", Tier: TierHistory, Similarity: 0.6, FinalScore: 0.5},
		{MemoryID: "drop", Tier: TierHistory, Similarity: 0.2, FinalScore: 0.9},
	}
	admitted, _ := e.Enforce(context.Background(), "q", candidates)
	if len(admitted) != 1 || admitted[0].MemoryID != "keep" {
		t.Fatalf("expected only the above-threshold candidate, got %+v", admitted)
	}
}

func TestEnforce_MemoryBankStricterBar(t *testing.T) {
	e := newTestEnforcer(nil)
	// Similarity 0.5 clears the regular bar (0.35) but not memory_bank (0.55).
	candidates := []RankedCandidate{
		{MemoryID: "regular", Tier: TierHistory, Similarity: 0.5, FinalScore: 0.5},
		{MemoryID: "bank", Tier: TierMemoryBank, Similarity: 0.5, FinalScore: 0.5},
	}
	admitted, _ := e.Enforce(context.Background(), "q", candidates)
	if len(admitted) != 1 || admitted[0].MemoryID != "regular" {
		t.Fatalf("memory_bank bar not enforced: %+v", admitted)
	}
}

func TestEnforce_NoRerankerSkipsStageGracefully(t *testing.T) {
	e := newTestEnforcer(nil)
	candidates := []RankedCandidate{
		{MemoryID: "a", Tier: TierHistory, Similarity: 0.8, FinalScore: 0.5},
	}
	admitted, applied := e.Enforce(context.Background(), "q", candidates)
	if applied {
		t.Error("rerank must report not-applied when no reranker is configured")
	}
	if len(admitted) != 1 {
		t.Fatalf("expected candidate admitted without rerank, got %d", len(admitted))
	}
	if admitted[0].RerankScore != 0.5 {
		t.Errorf("expected neutral rerank score, got %f", admitted[0].RerankScore)
	}
}

func TestEnforce_RerankErrorDegrades(t *testing.T) {
	r := &fakeReranker{available: true, err: errors.New("cross-encoder down")}
	e := newTestEnforcer(r)
	candidates := []RankedCandidate{
		{MemoryID: "a", Tier: TierHistory, Similarity: 0.8, FinalScore: 0.5},
	}
	admitted, applied := e.Enforce(context.Background(), "q", candidates)
	if applied {
		t.Error("failed rerank call must report not-applied")
	}
	if len(admitted) != 1 {
		t.Fatal("rerank failure must not drop candidates")
	}
}

func TestEnforce_CircuitOpenSkipsRerank(t *testing.T) {
	r := &fakeReranker{available: false}
	e := newTestEnforcer(r)
	candidates := []RankedCandidate{
		{MemoryID: "a", Tier: TierHistory, Similarity: 0.8, FinalScore: 0.5},
	}
	_, applied := e.Enforce(context.Background(), "q", candidates)
	if applied {
		t.Error("unavailable reranker must be skipped")
	}
	if r.calls != 0 {
		t.Errorf("reranker must not be called while unavailable, got %d calls", r.calls)
	}
}

func TestEnforce_RerankMultiplierNeverZeroes(t *testing.T) {
	// Low relevance shrinks a score but the (0,1) squash keeps it positive.
	r := &fakeReranker{available: true, scores: []float64{0.1}}
	e := newTestEnforcer(r)
	candidates := []RankedCandidate{
		{MemoryID: "a", Tier: TierHistory, Similarity: 0.8, FinalScore: 0.5},
	}
	admitted, applied := e.Enforce(context.Background(), "q", candidates)
	if !applied {
		t.Fatal("expected rerank stage to run")
	}
	if admitted[0].FinalScore <= 0 {
		t.Errorf("rerank must rescale, never zero: got %f", admitted[0].FinalScore)
	}
	if admitted[0].RerankScore != 0.1 {
		t.Errorf("expected rerank score 0.1, got %f", admitted[0].RerankScore)
	}
}

func TestEnforce_MemoryBankCap(t *testing.T) {
	e := newTestEnforcer(nil)
	rc := config.DefaultRetrieval()

	candidates := make([]RankedCandidate, 0, rc.MemoryBankCap+3)
	for i := 0; i < rc.MemoryBankCap+3; i++ {
		candidates = append(candidates, RankedCandidate{
			MemoryID:   string(rune('a' + i)),
			Tier:       TierMemoryBank,
			Similarity: 0.9,
			FinalScore: 0.5,
			Importance: float64(i) / 10.0, // later entries more important
			Confidence: 0.9,
		})
	}
	admitted, _ := e.Enforce(context.Background(), "q", candidates)
	if len(admitted) != rc.MemoryBankCap {
		t.Fatalf("expected memory_bank capped at %d, got %d", rc.MemoryBankCap, len(admitted))
	}
	// The least important entries (lowest importance x confidence) are the
	// ones dropped.
	for _, c := range admitted {
		if c.MemoryID == "a" || c.MemoryID == "b" || c.MemoryID == "c" {
			t.Errorf("low-value candidate %s should have been dropped by the cap", c.MemoryID)
		}
	}
}

func TestEnforce_CapOnlyAppliesToMemoryBank(t *testing.T) {
	e := newTestEnforcer(nil)
	rc := config.DefaultRetrieval()

	candidates := make([]RankedCandidate, 0, rc.MemoryBankCap*2)
	for i := 0; i < rc.MemoryBankCap*2; i++ {
		candidates = append(candidates, RankedCandidate{
			MemoryID:   string(rune('a' + i)),
			Tier:       TierHistory,
			Similarity: 0.9,
			FinalScore: 0.5,
		})
	}
	admitted, _ := e.Enforce(context.Background(), "q", candidates)
	if len(admitted) != len(candidates) {
		t.Errorf("regular tiers have no cap: expected %d, got %d", len(candidates), len(admitted))
	}
}

func TestEnforceOrganic_LowerBar(t *testing.T) {
	e := newTestEnforcer(nil)
	rc := config.DefaultRetrieval()
	candidates := []RankedCandidate{
		{MemoryID: "a", Tier: TierPatterns, Similarity: 0.3, FinalScore: 0.5},
		{MemoryID: "bank", Tier: TierMemoryBank, Similarity: 0.3, FinalScore: 0.5},
	}
	// 0.3 fails the standard bar but passes the organic one, for every tier.
	strict, _ := e.Enforce(context.Background(), "q", candidates)
	if len(strict) != 0 {
		t.Fatalf("expected nothing admitted at the standard bar, got %d", len(strict))
	}
	organic, _ := e.EnforceOrganic(context.Background(), "q", candidates, rc.OrganicThreshold)
	if len(organic) != 2 {
		t.Fatalf("expected both admitted at the organic bar, got %d", len(organic))
	}
}

func TestBoost_TopCandidatesOnly(t *testing.T) {
	e := newTestEnforcer(nil)
	rc := config.DefaultRetrieval()
	candidates := make([]RankedCandidate, rc.BoostCount+2)
	for i := range candidates {
		candidates[i].FinalScore = 0.5
	}
	out := e.Boost(candidates)
	if out[0].FinalScore != 0.5+rc.BoostAmount {
		t.Errorf("top candidate: expected full boost %f, got %f", 0.5+rc.BoostAmount, out[0].FinalScore)
	}
	for i := rc.BoostCount; i < len(out); i++ {
		if out[i].FinalScore != 0.5 {
			t.Errorf("candidate %d beyond boost window must be unchanged, got %f", i, out[i].FinalScore)
		}
	}
	// Boost decreases with rank inside the window.
	for i := 1; i < rc.BoostCount; i++ {
		if out[i].FinalScore >= out[i-1].FinalScore {
			t.Errorf("boost must decrease with rank: position %d got %f >= %f", i, out[i].FinalScore, out[i-1].FinalScore)
		}
	}
}

func TestEnforce_EmptyInput(t *testing.T) {
	e := newTestEnforcer(&fakeReranker{available: true})
	admitted, applied := e.Enforce(context.Background(), "q", nil)
	if len(admitted) != 0 || applied {
		t.Errorf("empty input: expected no admissions and no rerank, got %d/%v", len(admitted), applied)
	}
}
