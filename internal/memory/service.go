// internal/memory/service.go
package memory

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/google/uuid"

	"memtier/internal/config"
)

// ItemStore is the durable document store collaborator.
type ItemStore interface {
	CreateItem(ctx context.Context, item *Item) error
	GetItem(ctx context.Context, userID, id string) (*Item, error)
	GetItems(ctx context.Context, userID string, ids []string) (map[string]*Item, error)
	ListActiveByTier(ctx context.Context, userID string, tier Tier, limit int) ([]Item, error)
	ListAlwaysInject(ctx context.Context, userID string) ([]Item, error)
	UpdateStatus(ctx context.Context, userID, id string, from []Status, to Status, reason string) error
	ArchiveBulk(ctx context.Context, userID string, ids []string, reason string) (int64, error)
	HardDelete(ctx context.Context, userID string, ids []string) (int64, error)
	RecordAccess(ctx context.Context, ids []string) error
}

// VectorIndex is the vector-similarity collaborator; the primary candidate
// source. When it is unavailable the whole request fails explicitly.
type VectorIndex interface {
	Upsert(ctx context.Context, item *Item, embedding []float32) error
	SetStatus(ctx context.Context, id string, status Status) error
	Delete(ctx context.Context, ids []string) error
	Search(ctx context.Context, userID string, tier Tier, embedding []float32, limit int) ([]VectorHit, error)
}

// Embedder turns text into a query/storage embedding.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Available() bool
}

// LexicalSearcher is the optional lexical candidate source.
type LexicalSearcher interface {
	Search(ctx context.Context, userID string, tier Tier, query string, limit int) ([]string, error)
}

// Cache is the short-TTL context cache collaborator.
type Cache interface {
	Get(ctx context.Context, key string, v interface{}) (bool, error)
	Set(ctx context.Context, key string, v interface{}) error
	InvalidateUser(ctx context.Context, userID string) error
	InvalidateAll(ctx context.Context) error
}

// ContextKeyFunc builds the cache key for a user+conversation prefetch.
type ContextKeyFunc func(userID, conversationID string) string

// Service is the retrieval orchestrator: the single constructed facade that
// composes fusion, weighting and quality enforcement, owns the item
// lifecycle, and fronts the short-TTL cache. Pass it by reference; there is
// no package-level singleton.
type Service struct {
	store    ItemStore
	vectors  VectorIndex
	lexical  LexicalSearcher
	embedder Embedder
	cache    Cache
	ctxKey   ContextKeyFunc

	fuser    *Fuser
	tracker  *Tracker
	weighter *Weighter
	enforcer *Enforcer

	rc config.RetrievalConfig
}

// NewService wires the orchestrator. lexical and reranker may be nil; the
// pipeline degrades without them. cache may be nil (no caching).
func NewService(
	store ItemStore,
	effStore EffectivenessStore,
	vectors VectorIndex,
	lexical LexicalSearcher,
	embedder Embedder,
	reranker Reranker,
	contextCache Cache,
	ctxKey ContextKeyFunc,
	rc config.RetrievalConfig,
) *Service {
	tracker := NewTracker(effStore, rc)
	return &Service{
		store:    store,
		vectors:  vectors,
		lexical:  lexical,
		embedder: embedder,
		cache:    contextCache,
		ctxKey:   ctxKey,
		fuser:    NewFuser(rc),
		tracker:  tracker,
		weighter: NewWeighter(tracker, rc),
		enforcer: NewEnforcer(reranker, rc),
		rc:       rc,
	}
}

// EffectivenessReport returns derived effectiveness rows for the stats
// endpoint, ranked by the consumer sort contract.
func (s *Service) EffectivenessReport(ctx context.Context, contextType string) ([]Effectiveness, error) {
	return s.tracker.Ranked(ctx, contextType)
}

// Search runs the full ranking pipeline for an explicit query.
// Stage order is fixed: fuse → weight → enforce.
func (s *Service) Search(ctx context.Context, params SearchParams) (*SearchResponse, error) {
	if params.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if strings.TrimSpace(params.Query) == "" {
		return nil, fmt.Errorf("%w: query must not be empty", ErrValidation)
	}
	tiers := params.Tiers
	if len(tiers) == 0 {
		tiers = AllTiers
	}
	for _, t := range tiers {
		if err := ValidateTier(string(t)); err != nil {
			return nil, err
		}
	}
	limit := params.Limit
	if limit <= 0 {
		limit = s.rc.DefaultLimit
	}

	candidates, debug, err := s.gatherAndFuse(ctx, params.UserID, params.Query, tiers, limit)
	if err != nil {
		return nil, err
	}

	resp := s.rank(ctx, params.UserID, params.Query, params.ContextType, candidates, debug, limit, params.TokenBudget, false)
	return resp, nil
}

// gatherAndFuse collects per-tier candidate lists from the vector, lexical
// and recency sources and fuses them. The vector source is primary: its
// failure fails the request with ErrRetrievalUnavailable. Optional sources
// degrade and are noted in the debug payload.
func (s *Service) gatherAndFuse(ctx context.Context, userID, query string, tiers []Tier, limit int) ([]RankedCandidate, RetrievalDebug, error) {
	debug := RetrievalDebug{SourcesQueried: []string{}}

	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, debug, fmt.Errorf("%w: embedding query failed: %v", ErrRetrievalUnavailable, err)
	}

	perTierLimit := limit * 2
	all := make([]RankedCandidate, 0, perTierLimit*len(tiers))
	simByID := make(map[string]float64)
	lexicalFailed := false

	for _, tier := range tiers {
		lists := make([]RankedList, 0, 3)

		hits, err := s.vectors.Search(ctx, userID, tier, embedding, perTierLimit)
		if err != nil {
			return nil, debug, fmt.Errorf("%w: vector search failed for tier %s: %v", ErrRetrievalUnavailable, tier, err)
		}
		vectorIDs := make([]string, 0, len(hits))
		for _, h := range hits {
			vectorIDs = append(vectorIDs, h.ID)
			simByID[h.ID] = DistanceToSimilarity(h.Distance)
		}
		lists = append(lists, RankedList{Source: "vector", IDs: vectorIDs})

		if s.lexical != nil {
			lexIDs, err := s.lexical.Search(ctx, userID, tier, query, perTierLimit)
			if err != nil {
				lexicalFailed = true
				log.Printf("[Service] Lexical source skipped for tier %s: %v", tier, err)
			} else {
				lists = append(lists, RankedList{Source: "lexical", IDs: lexIDs})
			}
		}

		recent, err := s.store.ListActiveByTier(ctx, userID, tier, perTierLimit)
		if err != nil {
			return nil, debug, fmt.Errorf("failed to list recent items for tier %s: %w", tier, err)
		}
		recencyIDs := make([]string, 0, len(recent))
		for _, item := range recent {
			recencyIDs = append(recencyIDs, item.ID)
		}
		lists = append(lists, RankedList{Source: "recency", IDs: recencyIDs})

		fused := s.fuser.Fuse(lists)
		for i := range fused {
			fused[i].Tier = tier
		}
		all = append(all, fused...)
	}

	debug.SourcesQueried = append(debug.SourcesQueried, "vector", "recency")
	if s.lexical != nil && !lexicalFailed {
		debug.SourcesQueried = append(debug.SourcesQueried, "lexical")
	} else if lexicalFailed {
		debug.SourcesSkipped = append(debug.SourcesSkipped, "lexical")
		debug.SkipReasons = append(debug.SkipReasons, "lexical source error")
	}
	debug.CandidateCount = len(all)

	// Attach similarities: candidates without vector evidence get the
	// neutral score, not zero, so strong lexical/recency hits survive
	// stage 1 for regular tiers.
	for i := range all {
		if sim, ok := simByID[all[i].MemoryID]; ok {
			all[i].Similarity = sim
		} else {
			all[i].Similarity = s.rc.NeutralScore
		}
	}
	return all, debug, nil
}

// rank hydrates, weights, enforces and assembles the final response.
func (s *Service) rank(ctx context.Context, userID, query, contextType string, candidates []RankedCandidate, debug RetrievalDebug, limit, tokenBudget int, organic bool) *SearchResponse {
	// Normalize fused scores to [0,1] within the request so downstream
	// multipliers and the confidence value work on a fixed scale.
	maxFused := 0.0
	for _, c := range candidates {
		if c.FusedScore > maxFused {
			maxFused = c.FusedScore
		}
	}
	if maxFused > 0 {
		for i := range candidates {
			candidates[i].FusedScore /= maxFused
		}
	}

	candidates = s.hydrate(ctx, userID, candidates)
	candidates = s.weighter.Apply(ctx, candidates, contextType)

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].FinalScore != candidates[j].FinalScore {
			return candidates[i].FinalScore > candidates[j].FinalScore
		}
		if candidates[i].BestRank != candidates[j].BestRank {
			return candidates[i].BestRank < candidates[j].BestRank
		}
		return candidates[i].MemoryID < candidates[j].MemoryID
	})

	var admitted []RankedCandidate
	var rerankApplied bool
	if organic {
		admitted, rerankApplied = s.enforcer.EnforceOrganic(ctx, query, candidates, s.rc.OrganicThreshold)
	} else {
		admitted, rerankApplied = s.enforcer.Enforce(ctx, query, candidates)
	}
	debug.RerankApplied = rerankApplied

	if len(admitted) > limit {
		admitted = admitted[:limit]
	}
	if tokenBudget > 0 {
		admitted = trimToTokenBudget(admitted, tokenBudget)
	}
	debug.AdmittedCount = len(admitted)

	if len(admitted) > 0 {
		ids := make([]string, len(admitted))
		for i, c := range admitted {
			ids[i] = c.MemoryID
		}
		if err := s.store.RecordAccess(ctx, ids); err != nil {
			log.Printf("[Service] Failed to record access stats: %v", err)
		}
	}

	degraded := false
	confidence := retrievalConfidence(admitted)
	if !rerankApplied {
		confidence *= s.rc.RerankSkipPenalty
		degraded = true
		if !debug.RerankApplied {
			debug.SourcesSkipped = append(debug.SourcesSkipped, "rerank")
			debug.SkipReasons = append(debug.SkipReasons, "reranker unavailable or circuit open")
		}
	}
	if containsString(debug.SourcesSkipped, "lexical") {
		confidence *= s.rc.LexicalSkipPenalty
		degraded = true
	}

	return &SearchResponse{
		Results:             admitted,
		RetrievalConfidence: ClampScore(confidence),
		Degraded:            degraded,
		Debug:               debug,
	}
}

// hydrate fills candidate text/importance/confidence from the document
// store, dropping ids that no longer resolve to an active item.
func (s *Service) hydrate(ctx context.Context, userID string, candidates []RankedCandidate) []RankedCandidate {
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.MemoryID)
	}
	items, err := s.store.GetItems(ctx, userID, ids)
	if err != nil {
		log.Printf("[Service] Hydration failed: %v", err)
		return []RankedCandidate{}
	}
	out := make([]RankedCandidate, 0, len(candidates))
	for _, c := range candidates {
		item, ok := items[c.MemoryID]
		if !ok || item.Status != StatusActive {
			continue
		}
		c.Text = item.Text
		c.Tags = item.Tags
		c.Importance = item.Importance
		c.Confidence = item.Confidence
		c.AlwaysInject = item.AlwaysInject
		if c.Tier == "" {
			c.Tier = item.Tier
		}
		out = append(out, c)
	}
	return out
}

// PrefetchContext assembles the injected memory context for a conversation
// turn, serving from the short-TTL cache when possible.
func (s *Service) PrefetchContext(ctx context.Context, params PrefetchParams) (*PrefetchResponse, error) {
	if params.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if params.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id is required", ErrValidation)
	}

	key := ""
	if s.cache != nil && s.ctxKey != nil {
		key = s.ctxKey(params.UserID, params.ConversationID)
		var cached PrefetchResponse
		if hit, _ := s.cache.Get(ctx, key, &cached); hit {
			return &cached, nil
		}
	}

	query := strings.TrimSpace(params.Query)
	if query == "" {
		query = strings.Join(params.RecentMessages, "\n")
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: nothing to prefetch from (no query or recent messages)", ErrValidation)
	}

	tiers := []Tier{TierWorking, TierHistory, TierPatterns, TierMemoryBank}
	if params.HasDocuments {
		tiers = append(tiers, TierDocuments)
	}

	search, err := s.Search(ctx, SearchParams{
		UserID:      params.UserID,
		Query:       query,
		Tiers:       tiers,
		ContextType: "conversation",
		Limit:       params.Limit,
		TokenBudget: params.TokenBudget,
	})
	if err != nil {
		return nil, err
	}

	injected, err := s.store.ListAlwaysInject(ctx, params.UserID)
	if err != nil {
		log.Printf("[Service] Always-inject lookup failed: %v", err)
		injected = nil
	}

	resp := &PrefetchResponse{
		RetrievalConfidence:    search.RetrievalConfidence,
		Degraded:               search.Degraded,
		Debug:                  search.Debug,
		MemoryContextInjection: renderInjection(injected, search.Results),
	}
	if s.cache != nil && key != "" {
		if err := s.cache.Set(ctx, key, resp); err != nil {
			log.Printf("[Service] Failed to cache prefetch context: %v", err)
		}
	}
	return resp, nil
}

// renderInjection formats always-inject items and ranked results into the
// block prepended to the model prompt.
func renderInjection(alwaysInject []Item, results []RankedCandidate) string {
	var b strings.Builder
	seen := make(map[string]struct{}, len(alwaysInject))
	b.WriteString("## Memory Context\n")
	for _, item := range alwaysInject {
		fmt.Fprintf(&b, "- [%s] %s\n", item.Tier, item.Text)
		seen[item.ID] = struct{}{}
	}
	for _, c := range results {
		if _, dup := seen[c.MemoryID]; dup {
			continue
		}
		fmt.Fprintf(&b, "- [%s] %s\n", c.Tier, c.Text)
	}
	return b.String()
}

// Store validates and persists a new memory item, then indexes it. The
// user's cached contexts are invalidated before success is acknowledged.
func (s *Service) Store(ctx context.Context, params StoreParams) (string, error) {
	if params.UserID == "" {
		return "", fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if strings.TrimSpace(params.Text) == "" {
		return "", fmt.Errorf("%w: text must not be empty", ErrValidation)
	}
	if err := ValidateTier(string(params.Tier)); err != nil {
		return "", err
	}
	if err := ValidateTags(params.Tags); err != nil {
		return "", err
	}

	item := &Item{
		ID:           uuid.New().String(),
		UserID:       params.UserID,
		Tier:         params.Tier,
		Text:         params.Text,
		Tags:         params.Tags,
		Importance:   ClampScore(params.Importance),
		Confidence:   ClampScore(params.Confidence),
		AlwaysInject: params.AlwaysInject,
		Status:       StatusActive,
	}
	if err := s.store.CreateItem(ctx, item); err != nil {
		return "", err
	}

	// Indexing is best-effort: a down embedder must not lose the write.
	// The item stays reachable through lexical/recency until reindexed.
	if embedding, err := s.embedder.Embed(ctx, item.Text); err != nil {
		log.Printf("[Service] Embedding skipped for %s: %v", item.ID, err)
	} else if err := s.vectors.Upsert(ctx, item, embedding); err != nil {
		log.Printf("[Service] Vector upsert failed for %s: %v", item.ID, err)
	}

	if err := s.invalidateUser(ctx, params.UserID); err != nil {
		return "", err
	}
	return item.ID, nil
}

// GhostMemory soft-deletes an item (reversible).
func (s *Service) GhostMemory(ctx context.Context, userID, memoryID, reason string) error {
	if err := s.store.UpdateStatus(ctx, userID, memoryID, []Status{StatusActive}, StatusGhosted, reason); err != nil {
		return err
	}
	if err := s.vectors.SetStatus(ctx, memoryID, StatusGhosted); err != nil {
		log.Printf("[Service] Vector status update failed for %s: %v", memoryID, err)
	}
	return s.invalidateUser(ctx, userID)
}

// RestoreMemory brings a ghosted item back to active with text and tags
// unchanged.
func (s *Service) RestoreMemory(ctx context.Context, userID, memoryID string) error {
	if err := s.store.UpdateStatus(ctx, userID, memoryID, []Status{StatusGhosted}, StatusActive, ""); err != nil {
		return err
	}
	if err := s.vectors.SetStatus(ctx, memoryID, StatusActive); err != nil {
		log.Printf("[Service] Vector status update failed for %s: %v", memoryID, err)
	}
	return s.invalidateUser(ctx, userID)
}

// ArchiveBulk archives a batch of active items with a shared reason.
// Reversal goes through a separate unarchive path, not restore.
func (s *Service) ArchiveBulk(ctx context.Context, userID string, memoryIDs []string, reason string) (int64, error) {
	if len(memoryIDs) == 0 {
		return 0, fmt.Errorf("%w: no memory ids given", ErrValidation)
	}
	n, err := s.store.ArchiveBulk(ctx, userID, memoryIDs, reason)
	if err != nil {
		return 0, err
	}
	for _, id := range memoryIDs {
		if err := s.vectors.SetStatus(ctx, id, StatusArchived); err != nil {
			log.Printf("[Service] Vector status update failed for %s: %v", id, err)
		}
	}
	if err := s.invalidateUser(ctx, userID); err != nil {
		return n, err
	}
	return n, nil
}

// HardDeleteBulk irreversibly removes items from both stores.
func (s *Service) HardDeleteBulk(ctx context.Context, userID string, memoryIDs []string) (int64, error) {
	if len(memoryIDs) == 0 {
		return 0, fmt.Errorf("%w: no memory ids given", ErrValidation)
	}
	n, err := s.store.HardDelete(ctx, userID, memoryIDs)
	if err != nil {
		return 0, err
	}
	if err := s.vectors.Delete(ctx, memoryIDs); err != nil {
		log.Printf("[Service] Vector delete failed: %v", err)
	}
	if err := s.invalidateUser(ctx, userID); err != nil {
		return n, err
	}
	return n, nil
}

// RecordOutcome durably applies an outcome before returning. Effectiveness
// feeds every user's ranking, so all cached contexts are invalidated.
func (s *Service) RecordOutcome(ctx context.Context, action, contextType, tierKey string, outcome Outcome) error {
	if err := s.tracker.RecordOutcome(ctx, action, contextType, tierKey, outcome); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.InvalidateAll(ctx); err != nil {
			return fmt.Errorf("outcome recorded but cache invalidation failed: %w", err)
		}
	}
	return nil
}

func (s *Service) invalidateUser(ctx context.Context, userID string) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.InvalidateUser(ctx, userID); err != nil {
		return fmt.Errorf("write applied but cache invalidation failed: %w", err)
	}
	return nil
}

// retrievalConfidence derives the response confidence from the strongest
// admitted scores. Empty results mean zero confidence, not an error.
func retrievalConfidence(admitted []RankedCandidate) float64 {
	if len(admitted) == 0 {
		return 0
	}
	top := 3
	if len(admitted) < top {
		top = len(admitted)
	}
	sum := 0.0
	for i := 0; i < top; i++ {
		sum += ClampScore(admitted[i].FinalScore)
	}
	return sum / float64(top)
}

// trimToTokenBudget drops trailing results until the estimated token total
// fits. Estimation follows the 4-chars-per-token rule of thumb.
func trimToTokenBudget(results []RankedCandidate, budget int) []RankedCandidate {
	total := 0
	for i, c := range results {
		total += len(c.Text) / 4
		if total > budget {
			return results[:i]
		}
	}
	return results
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
