// Package config handles Tzurot configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./tzurot.yaml, ~/.config/tzurot/tzurot.yaml, /etc/tzurot/tzurot.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"tzurot.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tzurot", "tzurot.yaml"))
	}

	paths = append(paths, "/etc/tzurot/tzurot.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Tzurot configuration.
type Config struct {
	Discord    DiscordConfig    `yaml:"discord"`
	Redis      RedisConfig      `yaml:"redis"`
	Qdrant     QdrantConfig     `yaml:"qdrant"`
	LLM        LLMConfig        `yaml:"llm"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Generation GenerationConfig `yaml:"generation"`
	Models     ModelsConfig     `yaml:"models"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // "text" (default) or "json"
}

// DiscordConfig defines the bot client settings.
type DiscordConfig struct {
	// Token is the Discord bot token. Empty disables the embedded bot;
	// the worker then only serves jobs enqueued by other processes.
	Token string `yaml:"token"`
	// DefaultPersonality is the personality ID used for channels without
	// an explicit binding.
	DefaultPersonality string `yaml:"default_personality"`
	// ChannelPersonalities maps channel IDs to personality IDs.
	ChannelPersonalities map[string]string `yaml:"channel_personalities"`
	// ReplyTimeoutSec is how long the bot waits for a job result before
	// giving up on a reply (default 120).
	ReplyTimeoutSec int `yaml:"reply_timeout_sec"`
}

// RedisConfig defines the queue and cache connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"` // host:port (default: localhost:6379)
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// QueueKey is the Redis list used for generation jobs (default: tzurot:jobs).
	QueueKey string `yaml:"queue_key"`
	// CacheTTLSec is the TTL for cached personality configs (default 300).
	CacheTTLSec int `yaml:"cache_ttl_sec"`
}

// QdrantConfig defines the long-term memory vector store.
type QdrantConfig struct {
	URL        string `yaml:"url"` // e.g. "https://example.qdrant.io:6334"; empty disables memory retrieval
	APIKey     string `yaml:"api_key"`
	Collection string `yaml:"collection"` // default: tzurot_memories
}

// LLMConfig defines the chat completion provider (OpenAI-compatible).
type LLMConfig struct {
	BaseURL    string `yaml:"base_url"` // e.g. "https://openrouter.ai/api"
	APIKey     string `yaml:"api_key"`
	TimeoutSec int    `yaml:"timeout_sec"` // per-invocation timeout (default 120)
}

// EmbeddingsConfig defines embedding generation settings. Embeddings are
// best-effort: when disabled or unreachable, semantic duplicate detection
// and memory retrieval degrade gracefully.
type EmbeddingsConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"` // Ollama-compatible endpoint
	Model   string `yaml:"model"`    // e.g. nomic-embed-text
}

// GenerationConfig tunes the generation pipeline.
type GenerationConfig struct {
	// MaxAttempts is the LLM invocation budget per job (default 3).
	MaxAttempts int `yaml:"max_attempts"`
	// HistoryLimit is how many recent messages to fetch per channel (default 50).
	HistoryLimit int `yaml:"history_limit"`
	// MemoryLimit caps retrieved memories per job (default 10).
	MemoryLimit int `yaml:"memory_limit"`
	// MemoryMinScore filters memory search results below this similarity (default 0.6).
	MemoryMinScore float32 `yaml:"memory_min_score"`
	// CrossChannelBudget is the token budget for the prior-conversations
	// block (default 2000).
	CrossChannelBudget int `yaml:"cross_channel_budget"`
	// DedupWindowSize bounds the duplicate-detection sliding window (default 10).
	DedupWindowSize int `yaml:"dedup_window_size"`
	// JaccardThreshold flags a duplicate when word-set overlap exceeds it (default 0.85).
	JaccardThreshold float64 `yaml:"jaccard_threshold"`
	// SimilarityThreshold flags a duplicate on lexical similarity (default 0.92).
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	// EmbeddingThreshold flags a duplicate on cosine similarity (default 0.95).
	EmbeddingThreshold float64 `yaml:"embedding_threshold"`
}

// ModelsConfig declares the models personalities may reference, so the
// pipeline knows which context window size applies.
type ModelsConfig struct {
	// Default is used when a personality does not name a model.
	Default string `yaml:"default"`
	// DefaultContextWindow applies to models not listed in Available (default 8192).
	DefaultContextWindow int           `yaml:"default_context_window"`
	Available            []ModelConfig `yaml:"available"`
}

// ModelConfig defines a single model's capabilities.
type ModelConfig struct {
	Name          string `yaml:"name"`
	ContextWindow int    `yaml:"context_window"`
	MaxOutput     int    `yaml:"max_output"`
}

// ContextWindowFor returns the context window size for a model name,
// falling back to DefaultContextWindow for unknown models.
func (m ModelsConfig) ContextWindowFor(model string) int {
	for _, mc := range m.Available {
		if mc.Name == model {
			return mc.ContextWindow
		}
	}
	return m.DefaultContextWindow
}

// InvokeTimeout returns the per-invocation LLM timeout as a duration.
func (c LLMConfig) InvokeTimeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// CacheTTL returns the personality cache TTL as a duration.
func (c RedisConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSec) * time.Second
}

// ReplyTimeout returns the bot reply wait as a duration.
func (c DiscordConfig) ReplyTimeout() time.Duration {
	return time.Duration(c.ReplyTimeoutSec) * time.Second
}

// Load reads configuration from a YAML file. Environment variables in
// the file body ($VAR or ${VAR}) are expanded before parsing so secrets
// can live in the environment rather than on disk.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.QueueKey == "" {
		c.Redis.QueueKey = "tzurot:jobs"
	}
	if c.Redis.CacheTTLSec <= 0 {
		c.Redis.CacheTTLSec = 300
	}
	if c.Qdrant.Collection == "" {
		c.Qdrant.Collection = "tzurot_memories"
	}
	if c.LLM.TimeoutSec <= 0 {
		c.LLM.TimeoutSec = 120
	}
	if c.Discord.ReplyTimeoutSec <= 0 {
		c.Discord.ReplyTimeoutSec = 120
	}
	if c.Generation.MaxAttempts <= 0 {
		c.Generation.MaxAttempts = 3
	}
	if c.Generation.HistoryLimit <= 0 {
		c.Generation.HistoryLimit = 50
	}
	if c.Generation.MemoryLimit <= 0 {
		c.Generation.MemoryLimit = 10
	}
	if c.Generation.MemoryMinScore <= 0 {
		c.Generation.MemoryMinScore = 0.6
	}
	if c.Generation.CrossChannelBudget <= 0 {
		c.Generation.CrossChannelBudget = 2000
	}
	if c.Generation.DedupWindowSize <= 0 {
		c.Generation.DedupWindowSize = 10
	}
	if c.Generation.JaccardThreshold <= 0 {
		c.Generation.JaccardThreshold = 0.85
	}
	if c.Generation.SimilarityThreshold <= 0 {
		c.Generation.SimilarityThreshold = 0.92
	}
	if c.Generation.EmbeddingThreshold <= 0 {
		c.Generation.EmbeddingThreshold = 0.95
	}
	if c.Models.DefaultContextWindow <= 0 {
		c.Models.DefaultContextWindow = 8192
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

func (c *Config) validate() error {
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url is required")
	}
	if c.Embeddings.Enabled && c.Embeddings.BaseURL == "" {
		return fmt.Errorf("embeddings.base_url is required when embeddings are enabled")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}
