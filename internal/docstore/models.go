package docstore

import (
	"time"

	"gorm.io/datatypes"
)

// ItemRecord is the persisted form of a memory item. Tags and stats are
// stored as JSON so the schema survives tag-set evolution without
// migrations.
type ItemRecord struct {
	ID           string         `gorm:"primaryKey" json:"id"`
	UserID       string         `gorm:"index:idx_items_user_tier_status" json:"user_id"`
	Tier         string         `gorm:"index:idx_items_user_tier_status" json:"tier"`
	Status       string         `gorm:"index:idx_items_user_tier_status;default:active" json:"status"`
	StatusReason string         `json:"status_reason"`
	Text         string         `json:"text"`
	Tags         datatypes.JSON `json:"tags"`
	Importance   float64        `json:"importance"`
	Confidence   float64        `json:"confidence"`
	AlwaysInject bool           `gorm:"index" json:"always_inject"`

	Hits         int       `json:"hits"`
	Misses       int       `json:"misses"`
	AccessCount  int       `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ItemRecord) TableName() string { return "memory_items" }

// EffectivenessRecord is one (action, context_type, tier_key) counter row.
// Counters are only ever touched through atomic upsert-increments.
type EffectivenessRecord struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Action      string `gorm:"uniqueIndex:idx_eff_key" json:"action"`
	ContextType string `gorm:"uniqueIndex:idx_eff_key" json:"context_type"`
	TierKey     string `gorm:"uniqueIndex:idx_eff_key" json:"tier_key"`

	Uses    int `json:"uses"`
	Worked  int `json:"worked"`
	Failed  int `json:"failed"`
	Partial int `json:"partial"`
	Unknown int `json:"unknown"`

	FirstUsedAt time.Time `json:"first_used_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

func (EffectivenessRecord) TableName() string { return "action_effectiveness" }

// ConceptRecord is a learned routing concept with per-tier usefulness
// stored as JSON.
type ConceptRecord struct {
	ConceptID   string         `gorm:"primaryKey" json:"concept_id"`
	Label       string         `json:"label"`
	Uses        int            `json:"uses"`
	Worked      int            `json:"worked"`
	Failed      int            `json:"failed"`
	TierStats   datatypes.JSON `json:"tier_stats"`
	LastUsedAt  time.Time      `json:"last_used_at"`
	CreatedAt   time.Time      `json:"created_at"`
}

func (ConceptRecord) TableName() string { return "routing_concepts" }
