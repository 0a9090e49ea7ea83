package memory

import (
	"context"
	"testing"

	"memtier/internal/config"
)

func newRecallerFixture(t *testing.T) (*serviceFixture, *Recaller) {
	t.Helper()
	fx := newServiceFixture()
	// nil redis exercises the in-memory dedup fallback
	r := NewRecaller(fx.svc, nil, config.DefaultRetrieval())
	return fx, r
}

func TestSurface_ReturnsRelevantMemories(t *testing.T) {
	fx, r := newRecallerFixture(t)
	fx.seedItem(t, "m1", "u1", TierPatterns, "always runs tests before pushing")
	fx.seedItem(t, "m2", "u1", TierPatterns, "prefers rebase over merge")
	fx.vectors.hits[TierPatterns] = []VectorHit{
		{ID: "m1", Distance: 0.1},
		{ID: "m2", Distance: 0.2},
	}

	out := r.Surface(context.Background(), "u1", "conv1", []string{"should I push this branch?"}, 3)
	if len(out) != 2 {
		t.Fatalf("expected 2 surfaced memories, got %d", len(out))
	}
	if out[0].MemoryID != "m1" {
		t.Errorf("expected closest memory first, got %s", out[0].MemoryID)
	}
}

func TestSurface_NeverRepeatsWithinConversation(t *testing.T) {
	fx, r := newRecallerFixture(t)
	fx.seedItem(t, "m1", "u1", TierPatterns, "always runs tests before pushing")
	fx.vectors.hits[TierPatterns] = []VectorHit{{ID: "m1", Distance: 0.1}}

	first := r.Surface(context.Background(), "u1", "conv1", []string{"pushing now"}, 3)
	if len(first) != 1 {
		t.Fatalf("expected 1 memory on first turn, got %d", len(first))
	}
	second := r.Surface(context.Background(), "u1", "conv1", []string{"pushing again"}, 3)
	if len(second) != 0 {
		t.Errorf("memory surfaced twice in one conversation: %v", second)
	}

	// A different conversation starts with a clean dedup set.
	other := r.Surface(context.Background(), "u1", "conv2", []string{"pushing"}, 3)
	if len(other) != 1 {
		t.Errorf("expected fresh conversation to surface again, got %d", len(other))
	}
}

func TestSurface_EmptyContextIsNoop(t *testing.T) {
	_, r := newRecallerFixture(t)
	if out := r.Surface(context.Background(), "u1", "conv1", nil, 3); out != nil {
		t.Errorf("expected nil for empty context, got %v", out)
	}
}

func TestSurface_RetrievalFailureStaysQuiet(t *testing.T) {
	fx, r := newRecallerFixture(t)
	fx.vectors.fail = true
	out := r.Surface(context.Background(), "u1", "conv1", []string{"anything"}, 3)
	if len(out) != 0 {
		t.Errorf("expected empty result when retrieval is down, got %v", out)
	}
}

func TestSurface_LimitRespected(t *testing.T) {
	fx, r := newRecallerFixture(t)
	for _, id := range []string{"m1", "m2", "m3", "m4"} {
		fx.seedItem(t, id, "u1", TierPatterns, "pattern "+id)
	}
	fx.vectors.hits[TierPatterns] = []VectorHit{
		{ID: "m1", Distance: 0.1},
		{ID: "m2", Distance: 0.15},
		{ID: "m3", Distance: 0.2},
		{ID: "m4", Distance: 0.25},
	}
	out := r.Surface(context.Background(), "u1", "conv1", []string{"patterns"}, 2)
	if len(out) != 2 {
		t.Errorf("expected limit of 2, got %d", len(out))
	}
}
