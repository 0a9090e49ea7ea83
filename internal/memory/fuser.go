// internal/memory/fuser.go
package memory

import (
	"sort"

	"memtier/internal/config"
)

// Fuser merges ranked candidate lists from independent retrieval sources
// into a single ordering using reciprocal rank fusion with a dynamic k.
type Fuser struct {
	baseK        int
	positionStep int
}

// NewFuser creates a fuser from the centralized retrieval constants.
func NewFuser(rc config.RetrievalConfig) *Fuser {
	return &Fuser{
		baseK:        rc.FusionBaseK,
		positionStep: rc.FusionPositionStep,
	}
}

// kFor computes the RRF damping constant for one source list. Shorter lists
// and lists later in the input order get a larger k, which shrinks their
// per-rank contribution.
func (f *Fuser) kFor(listIndex, listLen, maxLen int) int {
	return f.baseK + (maxLen - listLen) + listIndex*f.positionStep
}

// Fuse merges lists into one ordering, best first. A candidate appearing at
// 1-based rank r in a list contributes 1/(k+r); absence contributes nothing.
// Ties break on the candidate's best single-source rank, then on id, so the
// output is fully deterministic regardless of map iteration order.
func (f *Fuser) Fuse(lists []RankedList) []RankedCandidate {
	if len(lists) == 0 {
		return []RankedCandidate{}
	}

	maxLen := 0
	for _, l := range lists {
		if len(l.IDs) > maxLen {
			maxLen = len(l.IDs)
		}
	}
	if maxLen == 0 {
		return []RankedCandidate{}
	}

	byID := make(map[string]*RankedCandidate)
	order := make([]string, 0, maxLen) // first-seen order, only for stable map walk

	for i, list := range lists {
		k := f.kFor(i, len(list.IDs), maxLen)
		for r, id := range list.IDs {
			rank := r + 1
			c, ok := byID[id]
			if !ok {
				c = &RankedCandidate{
					MemoryID:    id,
					BestRank:    rank,
					SourceRanks: make(map[string]int, len(lists)),
				}
				byID[id] = c
				order = append(order, id)
			}
			c.FusedScore += 1.0 / float64(k+rank)
			if rank < c.BestRank {
				c.BestRank = rank
			}
			if _, seen := c.SourceRanks[list.Source]; !seen {
				c.SourceRanks[list.Source] = rank
			}
		}
	}

	out := make([]RankedCandidate, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FusedScore != out[j].FusedScore {
			return out[i].FusedScore > out[j].FusedScore
		}
		if out[i].BestRank != out[j].BestRank {
			return out[i].BestRank < out[j].BestRank
		}
		return out[i].MemoryID < out[j].MemoryID
	})

	return out
}
