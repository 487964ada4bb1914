// Package config holds the engine configuration, assembled once at startup
// and constructor-injected into each component.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the top-level service configuration.
type Config struct {
	Service      ServiceConfig      `yaml:"service"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	VectorSearch VectorSearchConfig `yaml:"vector_search"`
	Optimizer    OptimizerConfig    `yaml:"optimizer"`
	Context      ContextConfig      `yaml:"context"`
	Conversation ConversationConfig `yaml:"conversation"`
	Cache        CacheConfig        `yaml:"cache"`
	LLM          LLMConfig          `yaml:"llm"`
	Redis        RedisConfig        `yaml:"redis"`
}

// ServiceConfig covers the HTTP surface and request lifecycle.
type ServiceConfig struct {
	Port             string        `yaml:"port"`
	LogLevel         string        `yaml:"log_level"`
	RequestDeadline  time.Duration `yaml:"request_deadline"`
	StreamDeadline   time.Duration `yaml:"stream_deadline"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	TenantRateLimit  float64       `yaml:"tenant_rate_limit"`
	TenantRateBurst  int           `yaml:"tenant_rate_burst"`
}

// EmbeddingConfig configures the external embedding service client.
type EmbeddingConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// VectorSearchConfig configures retrieval defaults and the Weaviate backend.
type VectorSearchConfig struct {
	Backend          string        `yaml:"backend"` // "memory" or "weaviate"
	WeaviateHost     string        `yaml:"weaviate_host"`
	WeaviateScheme   string        `yaml:"weaviate_scheme"`
	WeaviateAPIKey   string        `yaml:"weaviate_api_key"`
	ClassName        string        `yaml:"class_name"`
	Timeout          time.Duration `yaml:"timeout"`
	DefaultMaxChunks int           `yaml:"default_max_chunks"`
	DefaultThreshold float64       `yaml:"default_threshold"`
}

// OptimizerConfig configures query optimization heuristics.
type OptimizerConfig struct {
	Enabled         bool `yaml:"enabled"`
	MinQueryLength  int  `yaml:"min_query_length"`
	MaxQueryLength  int  `yaml:"max_query_length"`
	ExpandAcronyms  bool `yaml:"expand_acronyms"`
	RemoveStopwords bool `yaml:"remove_stopwords"`
}

// ContextConfig configures context assembly budgets.
type ContextConfig struct {
	MaxTokens       int     `yaml:"max_tokens"`
	HistoryFraction float64 `yaml:"history_fraction"`
	HistoryTurns    int     `yaml:"history_turns"`
	IncludeMetadata bool    `yaml:"include_metadata"`
	ChunkSeparator  string  `yaml:"chunk_separator"`
}

// ConversationConfig configures history retention.
type ConversationConfig struct {
	Backend       string        `yaml:"backend"` // "memory" or "redis"
	TTL           time.Duration `yaml:"ttl"`
	MaxHistory    int           `yaml:"max_history"`
	ContextWindow int           `yaml:"context_window"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Backend  string        `yaml:"backend"` // "memory" or "redis"
	Enabled  bool          `yaml:"enabled"`
	TTL      time.Duration `yaml:"ttl"`
	MaxItems int           `yaml:"max_items"`
}

// ProviderConfig configures one LLM provider in the fallback chain.
type ProviderConfig struct {
	Name    string        `yaml:"name"`
	Type    string        `yaml:"type"` // "openai", "ollama", "mock"
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// LLMConfig configures generation and the ordered provider fallback chain.
type LLMConfig struct {
	Providers         []ProviderConfig `yaml:"providers"`
	DefaultProvider   string           `yaml:"default_provider"`
	MaxTokens         int              `yaml:"max_tokens"`
	Temperature       float64          `yaml:"temperature"`
	SyncTimeout       time.Duration    `yaml:"sync_timeout"`
	StreamIdleTimeout time.Duration    `yaml:"stream_idle_timeout"`
	MaxRetries        int              `yaml:"max_retries"`
	StreamBuffer      int              `yaml:"stream_buffer"`
}

// RedisConfig is shared by the redis-backed conversation store and cache.
type RedisConfig struct {
	Address      string        `yaml:"address"`
	Password     string        `yaml:"password"`
	Database     int           `yaml:"database"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Port:             "8085",
			LogLevel:         "info",
			RequestDeadline:  60 * time.Second,
			StreamDeadline:   5 * time.Minute,
			GracefulShutdown: 30 * time.Second,
			TenantRateLimit:  20,
			TenantRateBurst:  40,
		},
		Embedding: EmbeddingConfig{
			BaseURL:    "http://localhost:8086",
			Timeout:    10 * time.Second,
			MaxRetries: 1,
		},
		VectorSearch: VectorSearchConfig{
			Backend:          "memory",
			WeaviateHost:     "localhost:8080",
			WeaviateScheme:   "http",
			ClassName:        "DocumentChunk",
			Timeout:          10 * time.Second,
			DefaultMaxChunks: 10,
			DefaultThreshold: 0.7,
		},
		Optimizer: OptimizerConfig{
			Enabled:        true,
			MinQueryLength: 3,
			MaxQueryLength: 500,
			ExpandAcronyms: true,
		},
		Context: ContextConfig{
			MaxTokens:       4000,
			HistoryFraction: 0.2,
			HistoryTurns:    5,
			IncludeMetadata: true,
			ChunkSeparator:  "\n\n---\n\n",
		},
		Conversation: ConversationConfig{
			Backend:       "memory",
			TTL:           24 * time.Hour,
			MaxHistory:    20,
			ContextWindow: 5,
			SweepInterval: 10 * time.Minute,
		},
		Cache: CacheConfig{
			Backend:  "memory",
			Enabled:  true,
			TTL:      15 * time.Minute,
			MaxItems: 10000,
		},
		LLM: LLMConfig{
			DefaultProvider:   "openai",
			MaxTokens:         1500,
			Temperature:       0.7,
			SyncTimeout:       30 * time.Second,
			StreamIdleTimeout: 10 * time.Second,
			MaxRetries:        1,
			StreamBuffer:      64,
		},
		Redis: RedisConfig{
			Address:      "localhost:6379",
			PoolSize:     10,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			KeyPrefix:    "rag",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file named
// by RAG_CONFIG_FILE, and environment variable overrides, in that order.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("RAG_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	var validationErrors []string

	cfg.Service.Port = getEnvWithValidation("PORT", cfg.Service.Port, validatePort, &validationErrors)
	cfg.Service.LogLevel = getEnvWithValidation("LOG_LEVEL", cfg.Service.LogLevel, validateLogLevel, &validationErrors)
	cfg.Service.RequestDeadline = getEnvDuration("REQUEST_DEADLINE", cfg.Service.RequestDeadline, &validationErrors)
	cfg.Service.StreamDeadline = getEnvDuration("STREAM_DEADLINE", cfg.Service.StreamDeadline, &validationErrors)
	cfg.Service.GracefulShutdown = getEnvDuration("GRACEFUL_SHUTDOWN", cfg.Service.GracefulShutdown, &validationErrors)

	cfg.Embedding.BaseURL = getEnv("EMBEDDING_SERVICE_URL", cfg.Embedding.BaseURL)
	cfg.Embedding.Timeout = getEnvDuration("EMBEDDING_TIMEOUT", cfg.Embedding.Timeout, &validationErrors)

	cfg.VectorSearch.Backend = getEnv("VECTOR_BACKEND", cfg.VectorSearch.Backend)
	cfg.VectorSearch.WeaviateHost = getEnv("WEAVIATE_HOST", cfg.VectorSearch.WeaviateHost)
	cfg.VectorSearch.WeaviateScheme = getEnv("WEAVIATE_SCHEME", cfg.VectorSearch.WeaviateScheme)
	cfg.VectorSearch.WeaviateAPIKey = getEnv("WEAVIATE_API_KEY", cfg.VectorSearch.WeaviateAPIKey)
	cfg.VectorSearch.DefaultMaxChunks = getEnvInt("DEFAULT_MAX_CHUNKS", cfg.VectorSearch.DefaultMaxChunks, &validationErrors)
	cfg.VectorSearch.DefaultThreshold = getEnvFloat("DEFAULT_THRESHOLD", cfg.VectorSearch.DefaultThreshold, &validationErrors)

	cfg.Context.MaxTokens = getEnvInt("CONTEXT_MAX_TOKENS", cfg.Context.MaxTokens, &validationErrors)

	cfg.Conversation.Backend = getEnv("CONVERSATION_BACKEND", cfg.Conversation.Backend)
	cfg.Conversation.TTL = getEnvDuration("CONVERSATION_TTL", cfg.Conversation.TTL, &validationErrors)

	cfg.Cache.Backend = getEnv("CACHE_BACKEND", cfg.Cache.Backend)
	cfg.Cache.TTL = getEnvDuration("CACHE_TTL", cfg.Cache.TTL, &validationErrors)

	cfg.LLM.DefaultProvider = getEnv("LLM_DEFAULT_PROVIDER", cfg.LLM.DefaultProvider)
	cfg.LLM.MaxTokens = getEnvInt("LLM_MAX_TOKENS", cfg.LLM.MaxTokens, &validationErrors)
	cfg.LLM.SyncTimeout = getEnvDuration("LLM_SYNC_TIMEOUT", cfg.LLM.SyncTimeout, &validationErrors)

	cfg.Redis.Address = getEnv("REDIS_ADDR", cfg.Redis.Address)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)

	if len(cfg.LLM.Providers) == 0 {
		cfg.LLM.Providers = providersFromEnv(cfg)
	}

	if err := cfg.Validate(); err != nil {
		validationErrors = append(validationErrors, err.Error())
	}
	if len(validationErrors) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(validationErrors, "; "))
	}
	return cfg, nil
}

// providersFromEnv builds a provider chain from flat env vars when no config
// file supplied one. OPENAI_API_KEY enables the openai provider; OLLAMA_URL
// enables the ollama fallback.
func providersFromEnv(cfg *Config) []ProviderConfig {
	var providers []ProviderConfig
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		providers = append(providers, ProviderConfig{
			Name:    "openai",
			Type:    "openai",
			BaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			APIKey:  key,
			Model:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			Timeout: cfg.LLM.SyncTimeout,
		})
	}
	if url := os.Getenv("OLLAMA_URL"); url != "" {
		providers = append(providers, ProviderConfig{
			Name:    "ollama",
			Type:    "ollama",
			BaseURL: url,
			Model:   getEnv("OLLAMA_MODEL", "llama3"),
			Timeout: cfg.LLM.SyncTimeout,
		})
	}
	return providers
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Context.MaxTokens <= 0 {
		return fmt.Errorf("context.max_tokens must be positive, got %d", c.Context.MaxTokens)
	}
	if c.Context.HistoryFraction < 0 || c.Context.HistoryFraction >= 1 {
		return fmt.Errorf("context.history_fraction must be in [0,1), got %f", c.Context.HistoryFraction)
	}
	if c.VectorSearch.DefaultMaxChunks <= 0 {
		return fmt.Errorf("vector_search.default_max_chunks must be positive, got %d", c.VectorSearch.DefaultMaxChunks)
	}
	if c.VectorSearch.DefaultThreshold < 0 || c.VectorSearch.DefaultThreshold > 1 {
		return fmt.Errorf("vector_search.default_threshold must be in [0,1], got %f", c.VectorSearch.DefaultThreshold)
	}
	if c.Conversation.TTL <= 0 {
		return fmt.Errorf("conversation.ttl must be positive")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvWithValidation(key, defaultValue string, validator func(string) error, errs *[]string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	if err := validator(v); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %v", key, err))
		return defaultValue
	}
	return v
}

func getEnvDuration(key string, defaultValue time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultValue
	}
	return d
}

func getEnvInt(key string, defaultValue int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultValue
	}
	return n
}

func getEnvFloat(key string, defaultValue float64, errs *[]string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid number %q", key, v))
		return defaultValue
	}
	return f
}

func validatePort(port string) error {
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("must be a port number between 1 and 65535")
	}
	return nil
}

func validateLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("must be one of debug, info, warn, error")
}
