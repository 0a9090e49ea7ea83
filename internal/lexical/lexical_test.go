package lexical

import (
	"context"
	"errors"
	"testing"

	"memtier/internal/memory"
)

type fakeLister struct {
	items []memory.Item
	err   error
}

func (f *fakeLister) ListActiveByTier(ctx context.Context, userID string, tier memory.Tier, limit int) ([]memory.Item, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

func TestSearch_RanksOverlap(t *testing.T) {
	lister := &fakeLister{items: []memory.Item{
		{ID: "none", Text: "completely unrelated topic", Tags: []string{"task"}},
		{ID: "one", Text: "we discussed docker briefly", Tags: []string{"conversation"}},
		{ID: "two", Text: "docker compose setup for the project", Tags: []string{"project"}},
	}}
	s := NewSearcher(lister, 100)

	ids, err := s.Search(context.Background(), "u1", memory.TierHistory, "docker compose project setup", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("zero-overlap items must be omitted: got %v", ids)
	}
	if ids[0] != "two" {
		t.Errorf("expected strongest overlap first, got %v", ids)
	}
}

func TestSearch_TagHitsWorthMore(t *testing.T) {
	lister := &fakeLister{items: []memory.Item{
		{ID: "body", Text: "a note that mentions identity once", Tags: []string{"task"}},
		{ID: "tagged", Text: "something else entirely", Tags: []string{"identity"}},
	}}
	s := NewSearcher(lister, 100)

	ids, err := s.Search(context.Background(), "u1", memory.TierMemoryBank, "identity", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "tagged" {
		t.Errorf("tag match must outrank body match, got %v", ids)
	}
}

func TestSearch_StopwordOnlyQuery(t *testing.T) {
	s := NewSearcher(&fakeLister{items: []memory.Item{{ID: "m1", Text: "the and of"}}}, 100)
	ids, err := s.Search(context.Background(), "u1", memory.TierHistory, "the and of it", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("stopword-only query must match nothing, got %v", ids)
	}
}

func TestSearch_LimitAndDeterministicTies(t *testing.T) {
	lister := &fakeLister{items: []memory.Item{
		{ID: "b", Text: "shared keyword"},
		{ID: "a", Text: "shared keyword"},
		{ID: "c", Text: "shared keyword"},
	}}
	s := NewSearcher(lister, 100)

	ids, err := s.Search(context.Background(), "u1", memory.TierHistory, "shared keyword", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected limit applied, got %v", ids)
	}
	// Equal scores break ties on id.
	if ids[0] != "a" || ids[1] != "b" {
		t.Errorf("expected deterministic tie order a, b; got %v", ids)
	}
}

func TestSearch_StoreErrorPropagates(t *testing.T) {
	wantErr := errors.New("db down")
	s := NewSearcher(&fakeLister{err: wantErr}, 100)
	_, err := s.Search(context.Background(), "u1", memory.TierHistory, "query words", 10)
	if !errors.Is(err, wantErr) {
		t.Errorf("expected store error propagated, got %v", err)
	}
}

func TestToKeywordSet(t *testing.T) {
	set := toKeywordSet("The Docker-Compose setup, for CI/CD!")
	for _, want := range []string{"docker-compose", "setup", "ci/cd"} {
		if _, ok := set[want]; !ok {
			t.Errorf("expected token %q in %v", want, set)
		}
	}
	if _, ok := set["the"]; ok {
		t.Error("stopwords must be removed")
	}
	if got := toKeywordSet("   "); got != nil {
		t.Errorf("blank text: expected nil set, got %v", got)
	}
}
