package lexical

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"memtier/internal/memory"
)

// ItemLister supplies the recent active items a lexical pass scores.
type ItemLister interface {
	ListActiveByTier(ctx context.Context, userID string, tier memory.Tier, limit int) ([]memory.Item, error)
}

/// Searcher is a lightweight lexical candidate source: pure token-overlap
// scoring over recent items, no index, no external service. It backs the
// "lexical" ranked list fed into fusion.
type Searcher struct {
	store    ItemLister
	poolSize int // how many recent items to score per tier
}

// NewSearcher creates a lexical searcher over the document store.
func NewSearcher(store ItemLister, poolSize int) *Searcher {
	if poolSize <= 0 {
		poolSize = 200
	}
	return &Searcher{store: store, poolSize: poolSize}
}

// Search returns item ids ordered by lexical match quality, best first.
// Items with zero overlap are omitted entirely.
func (s *Searcher) Search(ctx context.Context, userID string, tier memory.Tier, query string, limit int) ([]string, error) {
	queryTokens := toKeywordSet(query)
	if len(queryTokens) == 0 {
		return []string{}, nil
	}

	items, err := s.store.ListActiveByTier(ctx, userID, tier, s.poolSize)
	if err != nil {
		return nil, err
	}

	type scored struct {
		id    string
		score float64
	}
	scores := make([]scored, 0, len(items))
	for _, item := range items {
		textTokens := toKeywordSet(item.Text)
		tagTokens := make(map[string]struct{}, len(item.Tags))
		for _, tag := range item.Tags {
			tagTokens[strings.ToLower(tag)] = struct{}{}
		}

		textMatches := countIntersection(queryTokens, textTokens)
		tagMatches := countIntersection(queryTokens, tagTokens)

		// Tag hits are worth more than body hits.
		score := 1.0*float64(textMatches) + 2.0*float64(tagMatches)
		if score > 0 {
			scores = append(scores, scored{id: item.ID, score: score})
		}
	}

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].id < scores[j].id
	})

	if limit > 0 && len(scores) > limit {
		scores = scores[:limit]
	}
	ids := make([]string, len(scores))
	for i, sc := range scores {
		ids[i] = sc.id
	}
	return ids, nil
}

var tokenRe = regexp.MustCompile(`[a-z0-9][a-z0-9\-_/]*`)

var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "been": {},
	"to": {}, "of": {}, "in": {}, "on": {}, "at": {}, "for": {},
	"with": {}, "by": {}, "from": {}, "as": {}, "it": {}, "its": {},
	"this": {}, "that": {}, "these": {}, "those": {}, "i": {}, "you": {},
	"he": {}, "she": {}, "we": {}, "they": {}, "my": {}, "your": {},
	"do": {}, "does": {}, "did": {}, "have": {}, "has": {}, "had": {},
	"what": {}, "which": {}, "who": {}, "how": {}, "when": {}, "where": {},
	"can": {}, "will": {}, "would": {}, "should": {}, "not": {}, "no": {},
}

// toKeywordSet converts text into a set of normalized tokens.
func toKeywordSet(text string) map[string]struct{} {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return nil
	}
	toks := tokenRe.FindAllString(text, -1)
	if len(toks) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(toks))
	for _, t := range toks {
		t = strings.Trim(t, "-_/")
		if t == "" {
			continue
		}
		if _, stop := stopwords[t]; stop {
			continue
		}
		set[t] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

func countIntersection(a, b map[string]struct{}) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	// Iterate over the smaller map for efficiency.
	if len(a) > len(b) {
		a, b = b, a
	}
	count := 0
	for k := range a {
		if _, ok := b[k]; ok {
			count++
		}
	}
	return count
}
