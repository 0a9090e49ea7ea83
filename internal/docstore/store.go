package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"memtier/internal/config"
	"memtier/internal/memory"
)

// Store is the durable document store for memory items, effectiveness
// counters and routing concepts. It is the only component that touches the
// relational schema; everything above it works with fully-populated
// memory.* structs.
type Store struct {
	db *gorm.DB
}

// Open connects using the postgres DSN, falling back to the sqlite path
// when no DSN is configured, and migrates the schema.
func Open(cfg *config.Config) (*Store, error) {
	var (
		db  *gorm.DB
		err error
	)
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	if cfg.Postgres.DSN != "" {
		db, err = gorm.Open(postgres.Open(cfg.Postgres.DSN), gormCfg)
	} else {
		path := cfg.SQLite.Path
		if path == "" {
			path = "memtier.db"
		}
		db, err = gorm.Open(sqlite.Open(path), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open document store: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	log.Printf("[DocStore] Connected and migrated")
	return s, nil
}

// OpenSQLite opens an isolated sqlite store, used by tests. The busy
// timeout lets concurrent writers queue instead of failing with a lock
// error.
func OpenSQLite(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(&ItemRecord{}, &EffectivenessRecord{}, &ConceptRecord{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// --- Memory items ---

// CreateItem persists a new item. Importance and confidence are clamped
// here so no out-of-range value ever reaches disk.
func (s *Store) CreateItem(ctx context.Context, item *memory.Item) error {
	rec, err := itemToRecord(item)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to create item: %w", err)
	}
	return nil
}

// GetItem loads one item regardless of status (ghosted and archived items
// stay addressable for restore and audit).
func (s *Store) GetItem(ctx context.Context, userID, id string) (*memory.Item, error) {
	var rec ItemRecord
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: memory %s", memory.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load item: %w", err)
	}
	return recordToItem(&rec), nil
}

// GetItems loads a batch of items by id, keyed by id. Missing ids are
// simply absent from the result.
func (s *Store) GetItems(ctx context.Context, userID string, ids []string) (map[string]*memory.Item, error) {
	if len(ids) == 0 {
		return map[string]*memory.Item{}, nil
	}
	var recs []ItemRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND id IN ?", userID, ids).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load items: %w", err)
	}
	out := make(map[string]*memory.Item, len(recs))
	for i := range recs {
		out[recs[i].ID] = recordToItem(&recs[i])
	}
	return out, nil
}

// ListActiveByTier returns active items for a tier, most recently updated
// first. Serves the lexical and recency candidate sources.
func (s *Store) ListActiveByTier(ctx context.Context, userID string, tier memory.Tier, limit int) ([]memory.Item, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []ItemRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND tier = ? AND status = ?", userID, string(tier), string(memory.StatusActive)).
		Order("updated_at DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	items := make([]memory.Item, 0, len(recs))
	for i := range recs {
		items = append(items, *recordToItem(&recs[i]))
	}
	return items, nil
}

// ListAlwaysInject returns the user's active always-inject items.
func (s *Store) ListAlwaysInject(ctx context.Context, userID string) ([]memory.Item, error) {
	var recs []ItemRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND always_inject = ? AND status = ?", userID, true, string(memory.StatusActive)).
		Order("created_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list always-inject items: %w", err)
	}
	items := make([]memory.Item, 0, len(recs))
	for i := range recs {
		items = append(items, *recordToItem(&recs[i]))
	}
	return items, nil
}

// UpdateStatus transitions an item between lifecycle states. The from set
// guards against illegal transitions (e.g. restoring an archived item
// through the ghost-restore path).
func (s *Store) UpdateStatus(ctx context.Context, userID, id string, from []memory.Status, to memory.Status, reason string) error {
	fromStrs := make([]string, len(from))
	for i, st := range from {
		fromStrs[i] = string(st)
	}
	res := s.db.WithContext(ctx).Model(&ItemRecord{}).
		Where("id = ? AND user_id = ? AND status IN ?", id, userID, fromStrs).
		Updates(map[string]interface{}{
			"status":        string(to),
			"status_reason": reason,
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: memory %s not in expected state", memory.ErrNotFound, id)
	}
	return nil
}

// ArchiveBulk moves every listed active item to archived with the given
// reason, returning how many rows changed.
func (s *Store) ArchiveBulk(ctx context.Context, userID string, ids []string, reason string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Model(&ItemRecord{}).
		Where("user_id = ? AND id IN ? AND status = ?", userID, ids, string(memory.StatusActive)).
		Updates(map[string]interface{}{
			"status":        string(memory.StatusArchived),
			"status_reason": reason,
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to archive items: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// HardDelete irreversibly removes items.
func (s *Store) HardDelete(ctx context.Context, userID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("user_id = ? AND id IN ?", userID, ids).
		Delete(&ItemRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete items: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// RecordAccess bumps hit counters for retrieved items.
func (s *Store) RecordAccess(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&ItemRecord{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"hits":          gorm.Expr("hits + 1"),
			"access_count":  gorm.Expr("access_count + 1"),
			"last_accessed": time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to record access: %w", err)
	}
	return nil
}

// --- Effectiveness counters ---

// IncrementOutcome atomically upserts the counter row for the key and
// bumps uses plus the matching outcome column. Concurrent recorders for
// the same key never lose updates: this is a single INSERT .. ON CONFLICT
// DO UPDATE, not read-modify-write.
func (s *Store) IncrementOutcome(ctx context.Context, action, contextType, tierKey string, outcome memory.Outcome) error {
	var col string
	switch outcome {
	case memory.OutcomeWorked:
		col = "worked"
	case memory.OutcomeFailed:
		col = "failed"
	case memory.OutcomePartial:
		col = "partial"
	case memory.OutcomeUnknown:
		col = "unknown"
	default:
		return fmt.Errorf("%w: unknown outcome %q", memory.ErrValidation, outcome)
	}

	now := time.Now()
	rec := EffectivenessRecord{
		Action:      action,
		ContextType: contextType,
		TierKey:     tierKey,
		Uses:        1,
		FirstUsedAt: now,
		LastUsedAt:  now,
	}
	switch outcome {
	case memory.OutcomeWorked:
		rec.Worked = 1
	case memory.OutcomeFailed:
		rec.Failed = 1
	case memory.OutcomePartial:
		rec.Partial = 1
	case memory.OutcomeUnknown:
		rec.Unknown = 1
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "action"}, {Name: "context_type"}, {Name: "tier_key"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"uses":         gorm.Expr("uses + 1"),
			col:            gorm.Expr(col + " + 1"),
			"last_used_at": now,
		}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to increment outcome counter: %w", err)
	}
	return nil
}

// GetEffectiveness loads one counter row; nil when the key has never been
// recorded. Derived fields are left for the tracker to recompute.
func (s *Store) GetEffectiveness(ctx context.Context, action, contextType, tierKey string) (*memory.Effectiveness, error) {
	var rec EffectivenessRecord
	err := s.db.WithContext(ctx).
		Where("action = ? AND context_type = ? AND tier_key = ?", action, contextType, tierKey).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load effectiveness: %w", err)
	}
	return effectivenessFromRecord(&rec), nil
}

// ListEffectiveness loads every counter row for a context type; empty
// contextType means all rows.
func (s *Store) ListEffectiveness(ctx context.Context, contextType string) ([]memory.Effectiveness, error) {
	var recs []EffectivenessRecord
	q := s.db.WithContext(ctx)
	if contextType != "" {
		q = q.Where("context_type = ?", contextType)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list effectiveness: %w", err)
	}
	out := make([]memory.Effectiveness, 0, len(recs))
	for i := range recs {
		out = append(out, *effectivenessFromRecord(&recs[i]))
	}
	return out, nil
}

// --- Routing concepts ---

// UpsertConceptOutcome bumps a concept's counters for one observed outcome
// in a tier, creating the row on first sight.
func (s *Store) UpsertConceptOutcome(ctx context.Context, conceptID, label string, tier memory.Tier, worked bool) error {
	now := time.Now()
	tierStats := map[string]memory.ConceptTierStat{}

	var rec ConceptRecord
	err := s.db.WithContext(ctx).Where("concept_id = ?", conceptID).First(&rec).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to load concept: %w", err)
	}
	if err == nil && len(rec.TierStats) > 0 {
		if jerr := json.Unmarshal(rec.TierStats, &tierStats); jerr != nil {
			log.Printf("[DocStore] Resetting malformed tier stats for concept %s: %v", conceptID, jerr)
			tierStats = map[string]memory.ConceptTierStat{}
		}
	}

	st := tierStats[string(tier)]
	prevWorked := st.SuccessRate * float64(st.Uses)
	st.Uses++
	if worked {
		prevWorked++
	}
	st.SuccessRate = prevWorked / float64(st.Uses)
	tierStats[string(tier)] = st

	raw, err := json.Marshal(tierStats)
	if err != nil {
		return fmt.Errorf("failed to marshal tier stats: %w", err)
	}

	workedInc := 0
	failedInc := 0
	if worked {
		workedInc = 1
	} else {
		failedInc = 1
	}

	newRec := ConceptRecord{
		ConceptID:  conceptID,
		Label:      label,
		Uses:       1,
		Worked:     workedInc,
		Failed:     failedInc,
		TierStats:  datatypes.JSON(raw),
		LastUsedAt: now,
		CreatedAt:  now,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "concept_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"uses":         gorm.Expr("uses + 1"),
			"worked":       gorm.Expr(fmt.Sprintf("worked + %d", workedInc)),
			"failed":       gorm.Expr(fmt.Sprintf("failed + %d", failedInc)),
			"tier_stats":   datatypes.JSON(raw),
			"last_used_at": now,
		}),
	}).Create(&newRec).Error
	if err != nil {
		return fmt.Errorf("failed to upsert concept: %w", err)
	}
	return nil
}

// ListConcepts returns all routing concepts with raw counters. Derived
// scores are left to the concept router.
func (s *Store) ListConcepts(ctx context.Context) ([]memory.RoutingConcept, error) {
	var recs []ConceptRecord
	if err := s.db.WithContext(ctx).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list concepts: %w", err)
	}
	out := make([]memory.RoutingConcept, 0, len(recs))
	for i := range recs {
		out = append(out, *conceptFromRecord(&recs[i]))
	}
	return out, nil
}

// --- Mapping helpers ---

// itemToRecord validates and converts to the persisted form.
func itemToRecord(item *memory.Item) (*ItemRecord, error) {
	tags := item.Tags
	if tags == nil {
		tags = []string{}
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tags: %w", err)
	}
	now := time.Now()
	created := item.CreatedAt
	if created.IsZero() {
		created = now
	}
	status := item.Status
	if status == "" {
		status = memory.StatusActive
	}
	return &ItemRecord{
		ID:           item.ID,
		UserID:       item.UserID,
		Tier:         string(item.Tier),
		Status:       string(status),
		StatusReason: item.StatusReason,
		Text:         item.Text,
		Tags:         datatypes.JSON(raw),
		Importance:   memory.ClampScore(item.Importance),
		Confidence:   memory.ClampScore(item.Confidence),
		AlwaysInject: item.AlwaysInject,
		Hits:         item.Stats.Hits,
		Misses:       item.Stats.Misses,
		AccessCount:  item.Stats.AccessCount,
		LastAccessed: item.Stats.LastAccessed,
		CreatedAt:    created,
		UpdatedAt:    now,
	}, nil
}

// recordToItem produces a fully-populated item; no caller ever has to
// default a missing field.
func recordToItem(rec *ItemRecord) *memory.Item {
	tags := []string{}
	if len(rec.Tags) > 0 {
		if err := json.Unmarshal(rec.Tags, &tags); err != nil {
			log.Printf("[DocStore] Malformed tags on item %s: %v", rec.ID, err)
			tags = []string{}
		}
	}
	return &memory.Item{
		ID:           rec.ID,
		UserID:       rec.UserID,
		Tier:         memory.Tier(rec.Tier),
		Text:         rec.Text,
		Tags:         tags,
		Importance:   memory.ClampScore(rec.Importance),
		Confidence:   memory.ClampScore(rec.Confidence),
		AlwaysInject: rec.AlwaysInject,
		Status:       memory.Status(rec.Status),
		StatusReason: rec.StatusReason,
		Stats: memory.Stats{
			Hits:         rec.Hits,
			Misses:       rec.Misses,
			AccessCount:  rec.AccessCount,
			LastAccessed: rec.LastAccessed,
		},
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

func conceptFromRecord(rec *ConceptRecord) *memory.RoutingConcept {
	stats := map[string]memory.ConceptTierStat{}
	if len(rec.TierStats) > 0 {
		if err := json.Unmarshal(rec.TierStats, &stats); err != nil {
			log.Printf("[DocStore] Malformed tier stats on concept %s: %v", rec.ConceptID, err)
			stats = map[string]memory.ConceptTierStat{}
		}
	}
	tierStats := make(map[memory.Tier]memory.ConceptTierStat, len(stats))
	for tier, st := range stats {
		tierStats[memory.Tier(tier)] = st
	}
	return &memory.RoutingConcept{
		ConceptID: rec.ConceptID,
		Label:     rec.Label,
		Uses:      rec.Uses,
		Worked:    rec.Worked,
		Failed:    rec.Failed,
		TierStats: tierStats,
	}
}

func effectivenessFromRecord(rec *EffectivenessRecord) *memory.Effectiveness {
	return &memory.Effectiveness{
		Action:      rec.Action,
		ContextType: rec.ContextType,
		TierKey:     rec.TierKey,
		Uses:        rec.Uses,
		Worked:      rec.Worked,
		Failed:      rec.Failed,
		Partial:     rec.Partial,
		Unknown:     rec.Unknown,
		FirstUsedAt: rec.FirstUsedAt,
		LastUsedAt:  rec.LastUsedAt,
	}
}
