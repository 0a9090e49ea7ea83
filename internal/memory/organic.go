// internal/memory/organic.go
package memory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"memtier/internal/config"
)

// Recaller performs organic recall: opportunistic surfacing of relevant
// memory from recent conversational context alone, no explicit query. It
// reuses the ranking pipeline at a lower admission bar. Callers launch
// Surface from a goroutine; failures stay inside this component.
type Recaller struct {
	svc     *Service
	rdb     *redis.Client // session dedup set; nil falls back to memory
	timeout time.Duration

	mu   sync.Mutex
	seen map[string]map[string]struct{} // conversation -> surfaced ids
}

// NewRecaller creates an organic recaller. rdb may be nil.
func NewRecaller(svc *Service, rdb *redis.Client, rc config.RetrievalConfig) *Recaller {
	return &Recaller{
		svc:     svc,
		rdb:     rdb,
		timeout: rc.OrganicTimeout(),
		seen:    make(map[string]map[string]struct{}),
	}
}

// Surface picks at most limit not-yet-surfaced insights for the
// conversation. Best-effort: any failure returns an empty slice.
func (r *Recaller) Surface(parent context.Context, userID, conversationID string, recentMessages []string, limit int) []RankedCandidate {
	if len(recentMessages) == 0 {
		return nil
	}
	if limit <= 0 {
		limit = 3
	}

	// Own timeout, detached from the caller's deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.timeout)
	defer cancel()

	query := strings.Join(recentMessages, "\n")
	tiers := []Tier{TierPatterns, TierHistory, TierMemoryBank}

	candidates, debug, err := r.svc.gatherAndFuse(ctx, userID, query, tiers, limit)
	if err != nil {
		log.Printf("[OrganicRecall] Skipped: %v", err)
		return nil
	}
	resp := r.svc.rank(ctx, userID, query, "organic", candidates, debug, limit*2, 0, true)

	out := make([]RankedCandidate, 0, limit)
	for _, c := range resp.Results {
		if r.alreadySurfaced(ctx, conversationID, c.MemoryID) {
			continue
		}
		r.markSurfaced(ctx, conversationID, c.MemoryID)
		out = append(out, c)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func dedupKey(conversationID string) string {
	return fmt.Sprintf("organic:seen:%s", conversationID)
}

func (r *Recaller) alreadySurfaced(ctx context.Context, conversationID, memoryID string) bool {
	if r.rdb != nil {
		member, err := r.rdb.SIsMember(ctx, dedupKey(conversationID), memoryID).Result()
		if err == nil {
			return member
		}
		log.Printf("[OrganicRecall] Dedup read failed, using local set: %v", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[conversationID][memoryID]
	return ok
}

func (r *Recaller) markSurfaced(ctx context.Context, conversationID, memoryID string) {
	if r.rdb != nil {
		key := dedupKey(conversationID)
		err := r.rdb.SAdd(ctx, key, memoryID).Err()
		if err == nil {
			r.rdb.Expire(ctx, key, 24*time.Hour)
			return
		}
		log.Printf("[OrganicRecall] Dedup write failed, using local set: %v", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen[conversationID] == nil {
		r.seen[conversationID] = make(map[string]struct{})
	}
	r.seen[conversationID][memoryID] = struct{}{}
}
