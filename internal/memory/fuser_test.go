package memory

import (
	"reflect"
	"testing"

	"memtier/internal/config"
)

func newTestFuser() *Fuser {
	return NewFuser(config.DefaultRetrieval())
}

func TestFuse_MultiSourceBeatsSingleSource(t *testing.T) {
	f := newTestFuser()
	lists := []RankedList{
		{Source: "vector", IDs: []string{"a", "b", "c"}},
		{Source: "lexical", IDs: []string{"b", "c", "d"}},
	}
	out := f.Fuse(lists)
	if len(out) != 4 {
		t.Fatalf("expected 4 candidates, got %d", len(out))
	}
	// b and c appear in both lists; a and d in only one. The two-source
	// candidates must outrank both single-source ones.
	if out[0].MemoryID != "b" || out[1].MemoryID != "c" {
		t.Errorf("expected b, c first, got %s, %s", out[0].MemoryID, out[1].MemoryID)
	}
	if out[2].MemoryID != "a" || out[3].MemoryID != "d" {
		t.Errorf("expected a, d last, got %s, %s", out[2].MemoryID, out[3].MemoryID)
	}
}

func TestFuse_Deterministic(t *testing.T) {
	f := newTestFuser()
	lists := []RankedList{
		{Source: "vector", IDs: []string{"m1", "m2", "m3", "m4"}},
		{Source: "lexical", IDs: []string{"m4", "m1", "m5"}},
		{Source: "recency", IDs: []string{"m5", "m2"}},
	}
	first := f.Fuse(lists)
	for i := 0; i < 20; i++ {
		again := f.Fuse(lists)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("fusion not deterministic on run %d:\nfirst: %+v\nagain: %+v", i, first, again)
		}
	}
}

func TestFuse_SingleListPreservesOrder(t *testing.T) {
	f := newTestFuser()
	out := f.Fuse([]RankedList{{Source: "vector", IDs: []string{"x", "y", "z"}}})
	want := []string{"x", "y", "z"}
	for i, id := range want {
		if out[i].MemoryID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, out[i].MemoryID)
		}
	}
	for i := range out {
		if out[i].BestRank != i+1 {
			t.Errorf("candidate %s: expected best rank %d, got %d", out[i].MemoryID, i+1, out[i].BestRank)
		}
	}
}

func TestFuse_EmptyInputs(t *testing.T) {
	f := newTestFuser()
	if out := f.Fuse(nil); len(out) != 0 {
		t.Errorf("nil lists: expected empty result, got %d", len(out))
	}
	if out := f.Fuse([]RankedList{}); len(out) != 0 {
		t.Errorf("no lists: expected empty result, got %d", len(out))
	}
	out := f.Fuse([]RankedList{
		{Source: "vector", IDs: []string{}},
		{Source: "lexical", IDs: nil},
	})
	if len(out) != 0 {
		t.Errorf("all-empty lists: expected empty result, got %d", len(out))
	}
}

func TestFuse_DynamicK(t *testing.T) {
	f := newTestFuser()
	// Base k for the first, longest list; shorter and later lists get more
	// damping.
	if k := f.kFor(0, 3, 3); k != 60 {
		t.Errorf("kFor(0,3,3): expected 60, got %d", k)
	}
	if k := f.kFor(1, 2, 3); k != 66 {
		t.Errorf("kFor(1,2,3): expected 66, got %d", k)
	}
	if k := f.kFor(2, 3, 3); k != 70 {
		t.Errorf("kFor(2,3,3): expected 70, got %d", k)
	}
}

func TestFuse_BestRankAcrossSources(t *testing.T) {
	f := newTestFuser()
	out := f.Fuse([]RankedList{
		{Source: "vector", IDs: []string{"a", "b"}},
		{Source: "lexical", IDs: []string{"b", "a"}},
	})
	for _, c := range out {
		if c.BestRank != 1 {
			t.Errorf("candidate %s: expected best rank 1, got %d", c.MemoryID, c.BestRank)
		}
		if len(c.SourceRanks) != 2 {
			t.Errorf("candidate %s: expected 2 source ranks, got %d", c.MemoryID, len(c.SourceRanks))
		}
	}
}

func TestFuse_ScoreMonotonicWithRank(t *testing.T) {
	f := newTestFuser()
	out := f.Fuse([]RankedList{
		{Source: "vector", IDs: []string{"a", "b", "c", "d", "e"}},
	})
	for i := 1; i < len(out); i++ {
		if out[i].FusedScore >= out[i-1].FusedScore {
			t.Errorf("fused score not strictly decreasing at position %d: %f >= %f",
				i, out[i].FusedScore, out[i-1].FusedScore)
		}
	}
}
