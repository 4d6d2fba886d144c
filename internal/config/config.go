// Package config loads engram configuration from defaults, an optional
// TOML file, and ENGRAM_* environment variables, in that precedence order.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM       LLMConfig       `toml:"llm"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Rerank    RerankConfig    `toml:"rerank"`
	Storage   StorageConfig   `toml:"storage"`
	Buffer    BufferConfig    `toml:"buffer"`
	Extract   ExtractConfig   `toml:"extract"`
	Retrieval RetrievalConfig `toml:"retrieval"`
	Observer  ObserverConfig  `toml:"observer"`
}

// LLMConfig selects the chat model used for extraction and agentic judging.
type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
}

type EmbeddingConfig struct {
	Provider   string `toml:"provider"`
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
	APIKey     string `toml:"api_key"`
	BaseURL    string `toml:"base_url"`
}

// RerankConfig is optional; with an empty model the rerank stage degrades
// to fused retrieval scores.
type RerankConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
}

// StorageConfig selects the store backend: "sqlite" (default) or "postgres".
type StorageConfig struct {
	Backend     string `toml:"backend"`
	Path        string `toml:"path"`         // sqlite file path
	PostgresDSN string `toml:"postgres_dsn"` // pgx pool DSN
}

type BufferConfig struct {
	MaxMessages        int     `toml:"max_messages"`
	IdleMinutes        int     `toml:"idle_minutes"`
	HardGapMinutes     int     `toml:"hard_gap_minutes"`
	SoftGapMinutes     int     `toml:"soft_gap_minutes"`
	TopicSimilarity    float64 `toml:"topic_similarity"`
	MinEpisodeMessages int     `toml:"min_episode_messages"`
}

type ExtractConfig struct {
	Language         string `toml:"language"`
	MinContentLength int    `toml:"min_content_length"`
}

type RetrievalConfig struct {
	TopK          int     `toml:"top_k"`
	Radius        float64 `toml:"radius"`
	RRFK          int     `toml:"rrf_k"`
	AgenticRounds int     `toml:"agentic_rounds"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM:       LLMConfig{Provider: "openai", Model: "gpt-4o-mini"},
		Embedding: EmbeddingConfig{Provider: "openai", Model: "text-embedding-3-small", Dimensions: 1536},
		Storage:   StorageConfig{Backend: "sqlite", Path: "engram.db"},
		Buffer: BufferConfig{
			MaxMessages:        50,
			IdleMinutes:        10,
			HardGapMinutes:     30,
			SoftGapMinutes:     5,
			TopicSimilarity:    0.55,
			MinEpisodeMessages: 2,
		},
		Extract: ExtractConfig{Language: "en", MinContentLength: 10},
		Retrieval: RetrievalConfig{
			TopK:          10,
			Radius:        0.6,
			RRFK:          60,
			AgenticRounds: 2,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "engram.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("ENGRAM_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("ENGRAM_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("ENGRAM_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("ENGRAM_RERANK_API_KEY"); v != "" {
		cfg.Rerank.APIKey = v
	}
	if v := os.Getenv("ENGRAM_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("ENGRAM_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("ENGRAM_POSTGRES_DSN"); v != "" {
		cfg.Storage.PostgresDSN = v
	}
	if os.Getenv("ENGRAM_OBSERVER_ENABLED") == "true" || os.Getenv("ENGRAM_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks: secondary providers inherit the LLM key when unset.
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.LLM.APIKey
	}
	if cfg.Rerank.APIKey == "" && cfg.Rerank.Model != "" {
		cfg.Rerank.APIKey = cfg.LLM.APIKey
	}

	return cfg
}
