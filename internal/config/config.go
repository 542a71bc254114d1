package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Auth       AuthConfig       `yaml:"auth" mapstructure:"auth"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka" mapstructure:"kafka"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" mapstructure:"embeddings"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// AuthConfig configures bearer-token validation. Token minting happens in
// the external auth service; only the shared secret lives here.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
}

// RedisConfig configures the per-tenant rate limiter.
type RedisConfig struct {
	Addr            string `yaml:"addr" mapstructure:"addr"`
	Password        string `yaml:"password" mapstructure:"password"`
	DB              int    `yaml:"db" mapstructure:"db"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min" mapstructure:"rate_limit_per_min"`
}

// KafkaConfig configures audit event emission. Empty brokers disable it.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
}

// AnthropicConfig holds language-model capability settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// EmbeddingsConfig holds embedding capability settings.
type EmbeddingsConfig struct {
	Key        string `yaml:"key" mapstructure:"key"`
	BaseURL    string `yaml:"base_url" mapstructure:"base_url"`
	Model      string `yaml:"model" mapstructure:"model"`
	Dimensions int    `yaml:"dimensions" mapstructure:"dimensions"`
	RatePerSec int    `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// PipelineConfig configures orchestrator behavior.
type PipelineConfig struct {
	MaxNarrativeRunes         int     `yaml:"max_narrative_runes" mapstructure:"max_narrative_runes"`
	SimilarityTopK            int     `yaml:"similarity_top_k" mapstructure:"similarity_top_k"`
	CandidateWindow           int     `yaml:"candidate_window" mapstructure:"candidate_window"`
	NoveltyPenalty            float64 `yaml:"novelty_penalty" mapstructure:"novelty_penalty"`
	DegradedConfidencePenalty float64 `yaml:"degraded_confidence_penalty" mapstructure:"degraded_confidence_penalty"`
	StuckTimeoutSecs          int     `yaml:"stuck_timeout_secs" mapstructure:"stuck_timeout_secs"`
}

// RetryConfig configures capability-call retries.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffSecs   int `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
}

// MonitoringConfig configures the background alert checker.
type MonitoringConfig struct {
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DLQDepthThreshold    int     `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("COMPLAINTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.rate_limit_per_min", 120)
	v.SetDefault("kafka.topic", "complaint-audit-events")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("embeddings.base_url", "https://api.openai.com/v1")
	v.SetDefault("embeddings.model", "text-embedding-3-small")
	v.SetDefault("embeddings.dimensions", 1536)
	v.SetDefault("embeddings.rate_per_sec", 10)
	v.SetDefault("pipeline.max_narrative_runes", 10000)
	v.SetDefault("pipeline.similarity_top_k", 10)
	v.SetDefault("pipeline.candidate_window", 500)
	v.SetDefault("pipeline.novelty_penalty", 0.8)
	v.SetDefault("pipeline.degraded_confidence_penalty", 0.85)
	v.SetDefault("pipeline.stuck_timeout_secs", 60)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_secs", 30)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.dlq_depth_threshold", 50)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
