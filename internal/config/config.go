package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// RetrievalConfig centralizes every tuning constant used by the ranking
// pipeline. All "neutral"/fallback values live here so there is exactly one
// source of truth for tests and callers.
type RetrievalConfig struct {
	// Reciprocal rank fusion
	FusionBaseK        int `json:"fusion_base_k"`        // base k for RRF contributions
	FusionPositionStep int `json:"fusion_position_step"` // extra k per source list position

	// Effectiveness statistics
	NeutralScore        float64 `json:"neutral_score"`         // returned when no evidence exists
	PartialWeight       float64 `json:"partial_weight"`        // credit for a "partial" outcome
	WilsonZ             float64 `json:"wilson_z"`              // z for the 95% CI lower bound
	MinWeight           float64 `json:"min_weight"`            // floor for tier weighting factors
	SimilarityThreshold float64 `json:"similarity_threshold"`  // admission floor for regular tiers
	MemoryBankThreshold float64 `json:"memory_bank_threshold"` // stage-1 floor for memory_bank
	MemoryBankCap       int     `json:"memory_bank_cap"`       // stage-3 cap N for memory_bank

	// Boosting of top-ranked fusion survivors
	BoostCount  int     `json:"boost_count"`
	BoostAmount float64 `json:"boost_amount"`

	// Confidence penalties applied when a stage is skipped
	RerankSkipPenalty  float64 `json:"rerank_skip_penalty"`
	LexicalSkipPenalty float64 `json:"lexical_skip_penalty"`

	// Organic recall
	OrganicThreshold      float64 `json:"organic_threshold"`
	OrganicTimeoutSeconds int     `json:"organic_timeout_seconds"`

	// Circuit breakers for embedding / rerank collaborators
	BreakerFailureThreshold int `json:"breaker_failure_threshold"`
	BreakerCooldownSeconds  int `json:"breaker_cooldown_seconds"`

	// Short-TTL context cache
	CacheTTLMinutes int `json:"cache_ttl_minutes"`

	DefaultLimit int `json:"default_limit"`
}

type Config struct {
	Server struct {
		Host      string `json:"host"`
		Port      int    `json:"port"`
		Subpath   string `json:"subpath"`
		JWTSecret string `json:"jwtSecret"`
	} `json:"server"`
	Postgres struct {
		DSN string `json:"dsn"`
	} `json:"postgres"`
	SQLite struct {
		Path string `json:"path"` // fallback store when no postgres DSN is set
	} `json:"sqlite"`
	Redis struct {
		Addr     string `json:"addr"`
		Password string `json:"password"`
		DB       int    `json:"db"`
	} `json:"redis"`
	Qdrant struct {
		URL        string `json:"url"`
		Collection string `json:"collection"`
		APIKey     string `json:"api_key"`
	} `json:"qdrant"`
	Embedding struct {
		URL string `json:"url"`
	} `json:"embedding"`
	Rerank struct {
		URL string `json:"url"`
	} `json:"rerank"`
	Retrieval RetrievalConfig `json:"retrieval"`
}

// DefaultRetrieval returns the retrieval tuning constants used when the
// config file leaves them unset.
func DefaultRetrieval() RetrievalConfig {
	return RetrievalConfig{
		FusionBaseK:             60,
		FusionPositionStep:      5,
		NeutralScore:            0.5,
		PartialWeight:           0.5,
		WilsonZ:                 1.96,
		MinWeight:               0.05,
		SimilarityThreshold:     0.35,
		MemoryBankThreshold:     0.55,
		MemoryBankCap:           5,
		BoostCount:              3,
		BoostAmount:             0.05,
		RerankSkipPenalty:       0.75,
		LexicalSkipPenalty:      0.9,
		OrganicThreshold:        0.25,
		OrganicTimeoutSeconds:   2,
		BreakerFailureThreshold: 3,
		BreakerCooldownSeconds:  60,
		CacheTTLMinutes:         5,
		DefaultLimit:            10,
	}
}

func (r RetrievalConfig) OrganicTimeout() time.Duration {
	return time.Duration(r.OrganicTimeoutSeconds) * time.Second
}

func (r RetrievalConfig) BreakerCooldown() time.Duration {
	return time.Duration(r.BreakerCooldownSeconds) * time.Second
}

func (r RetrievalConfig) CacheTTL() time.Duration {
	return time.Duration(r.CacheTTLMinutes) * time.Minute
}

var (
	once   sync.Once
	cfg    *Config
	cfgErr error
)

// LoadConfig reads config.json from disk (singleton)
func LoadConfig(path string) (*Config, error) {
	once.Do(func() {
		raw, err := os.ReadFile(path)
		if err != nil {
			cfgErr = fmt.Errorf("failed to read config file: %w", err)
			return
		}
		var c Config
		if err := json.Unmarshal(raw, &c); err != nil {
			cfgErr = fmt.Errorf("invalid config format: %w", err)
			return
		}
		// Minimal validation
		if c.Server.JWTSecret == "" {
			cfgErr = errors.New("jwtSecret must be set in config")
			return
		}
		applyRetrievalDefaults(&c.Retrieval)
		cfg = &c
	})
	return cfg, cfgErr
}

// applyRetrievalDefaults fills zero-valued tuning constants so ranking code
// never has to default anything itself.
func applyRetrievalDefaults(r *RetrievalConfig) {
	def := DefaultRetrieval()
	if r.FusionBaseK <= 0 {
		r.FusionBaseK = def.FusionBaseK
	}
	if r.FusionPositionStep <= 0 {
		r.FusionPositionStep = def.FusionPositionStep
	}
	if r.NeutralScore <= 0 {
		r.NeutralScore = def.NeutralScore
	}
	if r.PartialWeight <= 0 {
		r.PartialWeight = def.PartialWeight
	}
	if r.WilsonZ <= 0 {
		r.WilsonZ = def.WilsonZ
	}
	if r.MinWeight <= 0 {
		r.MinWeight = def.MinWeight
	}
	if r.SimilarityThreshold <= 0 {
		r.SimilarityThreshold = def.SimilarityThreshold
	}
	if r.MemoryBankThreshold <= 0 {
		r.MemoryBankThreshold = def.MemoryBankThreshold
	}
	if r.MemoryBankCap <= 0 {
		r.MemoryBankCap = def.MemoryBankCap
	}
	if r.BoostCount <= 0 {
		r.BoostCount = def.BoostCount
	}
	if r.BoostAmount <= 0 {
		r.BoostAmount = def.BoostAmount
	}
	if r.RerankSkipPenalty <= 0 {
		r.RerankSkipPenalty = def.RerankSkipPenalty
	}
	if r.LexicalSkipPenalty <= 0 {
		r.LexicalSkipPenalty = def.LexicalSkipPenalty
	}
	if r.OrganicThreshold <= 0 {
		r.OrganicThreshold = def.OrganicThreshold
	}
	if r.OrganicTimeoutSeconds <= 0 {
		r.OrganicTimeoutSeconds = def.OrganicTimeoutSeconds
	}
	if r.BreakerFailureThreshold <= 0 {
		r.BreakerFailureThreshold = def.BreakerFailureThreshold
	}
	if r.BreakerCooldownSeconds <= 0 {
		r.BreakerCooldownSeconds = def.BreakerCooldownSeconds
	}
	if r.CacheTTLMinutes <= 0 {
		r.CacheTTLMinutes = def.CacheTTLMinutes
	}
	if r.DefaultLimit <= 0 {
		r.DefaultLimit = def.DefaultLimit
	}
}

// GetConfig returns the loaded config (must call LoadConfig first)
func GetConfig() *Config {
	return cfg
}

// ResetConfigForTest resets the singleton state (for testing only)
func ResetConfigForTest() {
	once = sync.Once{}
	cfg = nil
	cfgErr = nil
}
