package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full orchestrator configuration, loaded from meridian.yaml
// with MERIDIAN_* environment overrides.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	VectorDB  VectorDBConfig  `mapstructure:"vectordb"`
	WebSearch WebSearchConfig `mapstructure:"web_search"`
	Gather    GatherConfig    `mapstructure:"gather"`
	Conflict  ConflictConfig  `mapstructure:"conflict"`
	Session   SessionConfig   `mapstructure:"session"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	HTTPPort    int `mapstructure:"http_port"`
	MetricsPort int `mapstructure:"metrics_port"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

type LLMConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
}

type EmbeddingConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type VectorDBConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Collection     string        `mapstructure:"collection"`
	TopK           int           `mapstructure:"top_k"`
	ScoreThreshold float64       `mapstructure:"score_threshold"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type WebSearchConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	TopResults    int           `mapstructure:"top_results"`
	ScrapeTop     int           `mapstructure:"scrape_top"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type GatherConfig struct {
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
}

// ConflictConfig holds the conflict-scoring knobs. SourceWeights maps a
// source type (annual_report, document, news, web) to its corroboration
// weight; it is hot-reloadable via the Watcher.
type ConflictConfig struct {
	NumericThreshold      float64            `mapstructure:"numeric_threshold"`
	MinIndependentSources int                `mapstructure:"min_independent_sources"`
	MaxGatherRounds       int                `mapstructure:"max_gather_rounds"`
	SourceWeights         map[string]float64 `mapstructure:"source_weights"`
}

type SessionConfig struct {
	TTL          time.Duration `mapstructure:"ttl"`
	MaxCacheSize int           `mapstructure:"max_cache_size"`
}

type StreamingConfig struct {
	RingCapacity     int `mapstructure:"ring_capacity"`
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8081)
	v.SetDefault("server.metrics_port", 2112)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "meridian")
	v.SetDefault("database.database", "meridian")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.idle_connections", 5)
	v.SetDefault("database.max_lifetime", 5*time.Minute)

	v.SetDefault("llm.base_url", "http://llm-service:8000")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.temperature", 0.0)

	v.SetDefault("embedding.base_url", "http://llm-service:8000")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.timeout", 15*time.Second)

	v.SetDefault("vectordb.host", "localhost")
	v.SetDefault("vectordb.port", 6333)
	v.SetDefault("vectordb.collection", "research_chunks")
	v.SetDefault("vectordb.top_k", 8)
	v.SetDefault("vectordb.score_threshold", 0.7)
	v.SetDefault("vectordb.timeout", 10*time.Second)

	v.SetDefault("web_search.enabled", true)
	v.SetDefault("web_search.base_url", "https://google.serper.dev")
	v.SetDefault("web_search.top_results", 10)
	v.SetDefault("web_search.scrape_top", 5)
	v.SetDefault("web_search.rate_per_second", 2.0)
	v.SetDefault("web_search.timeout", 20*time.Second)

	v.SetDefault("gather.call_timeout", 20*time.Second)
	v.SetDefault("gather.max_retries", 3)
	v.SetDefault("gather.backoff_base", 500*time.Millisecond)

	v.SetDefault("conflict.numeric_threshold", 0.10)
	v.SetDefault("conflict.min_independent_sources", 2)
	v.SetDefault("conflict.max_gather_rounds", 2)
	v.SetDefault("conflict.source_weights", map[string]float64{
		"annual_report": 1.0,
		"document":      0.9,
		"news":          0.6,
		"web":           0.4,
	})

	v.SetDefault("session.ttl", 24*time.Hour)
	v.SetDefault("session.max_cache_size", 10000)

	v.SetDefault("streaming.ring_capacity", 256)
	v.SetDefault("streaming.subscriber_buffer", 256)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration from the given file path (optional; defaults apply
// when path is empty or the file is missing) and MERIDIAN_* env variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MERIDIAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Conflict.NumericThreshold <= 0 || c.Conflict.NumericThreshold >= 1 {
		return fmt.Errorf("conflict.numeric_threshold must be in (0,1), got %v", c.Conflict.NumericThreshold)
	}
	if c.Conflict.MinIndependentSources < 2 {
		return fmt.Errorf("conflict.min_independent_sources must be >= 2, got %d", c.Conflict.MinIndependentSources)
	}
	if c.Conflict.MaxGatherRounds < 0 {
		return fmt.Errorf("conflict.max_gather_rounds must be >= 0, got %d", c.Conflict.MaxGatherRounds)
	}
	if len(c.Conflict.SourceWeights) == 0 {
		return fmt.Errorf("conflict.source_weights must not be empty")
	}
	for st, w := range c.Conflict.SourceWeights {
		if w <= 0 {
			return fmt.Errorf("conflict.source_weights[%s] must be positive, got %v", st, w)
		}
	}
	if c.VectorDB.ScoreThreshold < -1 || c.VectorDB.ScoreThreshold > 1 {
		return fmt.Errorf("vectordb.score_threshold must be cosine similarity in [-1,1], got %v", c.VectorDB.ScoreThreshold)
	}
	if c.VectorDB.TopK < 1 {
		return fmt.Errorf("vectordb.top_k must be >= 1, got %d", c.VectorDB.TopK)
	}
	if c.Gather.CallTimeout <= 0 {
		return fmt.Errorf("gather.call_timeout must be positive")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	return nil
}
