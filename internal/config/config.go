// Package config loads the coordinator configuration from YAML with
// environment overrides and supports hot reload of tunable sections.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration tree.
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging"`
	Bus         BusConfig         `mapstructure:"bus"`
	Policy      PolicyConfig      `mapstructure:"policy"`
	Failure     FailureConfig     `mapstructure:"failure"`
	Compression CompressionConfig `mapstructure:"compression"`
	Knowledge   KnowledgeConfig   `mapstructure:"knowledge"`
	Session     SessionConfig     `mapstructure:"session"`
	Evidence    EvidenceConfig    `mapstructure:"evidence"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Server      ServerConfig      `mapstructure:"server"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type BusConfig struct {
	AuditCapacity int `mapstructure:"audit_capacity"`
}

type PolicyConfig struct {
	SupervisedTypes        []string `mapstructure:"supervised_types"`
	FailClosed             bool     `mapstructure:"fail_closed"`
	RejectionRateThreshold float64  `mapstructure:"rejection_rate_threshold"`
	SamplingFloor          int      `mapstructure:"sampling_floor"`
}

type FailureConfig struct {
	DefaultStrategy string            `mapstructure:"default_strategy"`
	NodeStrategies  map[string]string `mapstructure:"node_strategies"`
	MaxRetries      int               `mapstructure:"max_retries"`
	BaseDelay       time.Duration     `mapstructure:"base_delay"`
	MaxDelay        time.Duration     `mapstructure:"max_delay"`
	Factor          float64           `mapstructure:"factor"`
	Jitter          float64           `mapstructure:"jitter"`
}

type CompressionConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	MaxSegmentLength int  `mapstructure:"max_segment_length"`
	GoalMaxLength    int  `mapstructure:"goal_max_length"`
	OutputSummaryMax int  `mapstructure:"output_summary_max"`
}

type KnowledgeConfig struct {
	TopK          int           `mapstructure:"top_k"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	RateBurst     int           `mapstructure:"rate_burst"`
}

type SessionConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	TTL           time.Duration `mapstructure:"ttl"`
	MaxCached     int           `mapstructure:"max_cached"`
}

type EvidenceConfig struct {
	Backend   string        `mapstructure:"backend"` // memory, redis, sql
	RedisAddr string        `mapstructure:"redis_addr"`
	RedisTTL  time.Duration `mapstructure:"redis_ttl"`
	SQLDriver string        `mapstructure:"sql_driver"`
	SQLDSN    string        `mapstructure:"sql_dsn"`
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

type ServerConfig struct {
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Load reads configuration from the given path (or CONFIG_PATH, or the
// defaults when no file exists). Environment variables prefixed with
// LOOM_ override file values, e.g. LOOM_POLICY_FAIL_CLOSED=false.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("bus.audit_capacity", 1024)

	v.SetDefault("policy.supervised_types", []string{
		"api_request", "create_node", "file_operation", "human_interaction", "tool_call",
	})
	v.SetDefault("policy.fail_closed", true)
	v.SetDefault("policy.rejection_rate_threshold", 0.5)
	v.SetDefault("policy.sampling_floor", 10)

	v.SetDefault("failure.default_strategy", "retry")
	v.SetDefault("failure.max_retries", 3)
	v.SetDefault("failure.base_delay", "1s")
	v.SetDefault("failure.max_delay", "60s")
	v.SetDefault("failure.factor", 2.0)
	v.SetDefault("failure.jitter", 0.1)

	v.SetDefault("compression.enabled", true)
	v.SetDefault("compression.max_segment_length", 2000)
	v.SetDefault("compression.goal_max_length", 100)
	v.SetDefault("compression.output_summary_max", 150)

	v.SetDefault("knowledge.top_k", 5)
	v.SetDefault("knowledge.cache_ttl", "5m")
	v.SetDefault("knowledge.rate_per_second", 5.0)
	v.SetDefault("knowledge.rate_burst", 10)

	v.SetDefault("session.ttl", "24h")
	v.SetDefault("session.max_cached", 10000)

	v.SetDefault("evidence.backend", "memory")
	v.SetDefault("evidence.redis_ttl", "168h")
	v.SetDefault("evidence.sql_driver", "sqlite3")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "loom-coordinator")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("server.metrics_addr", ":2112")
	v.SetDefault("server.shutdown_timeout", "10s")
}

// Validate rejects configurations the coordinator cannot run with.
func (c *Config) Validate() error {
	switch c.Failure.DefaultStrategy {
	case "retry", "skip", "abort", "replan":
	default:
		return fmt.Errorf("failure.default_strategy %q is not one of retry, skip, abort, replan", c.Failure.DefaultStrategy)
	}
	for node, strategy := range c.Failure.NodeStrategies {
		switch strategy {
		case "retry", "skip", "abort", "replan":
		default:
			return fmt.Errorf("failure.node_strategies[%s] %q is invalid", node, strategy)
		}
	}
	if c.Policy.RejectionRateThreshold < 0 || c.Policy.RejectionRateThreshold > 1 {
		return fmt.Errorf("policy.rejection_rate_threshold %v must be within [0, 1]", c.Policy.RejectionRateThreshold)
	}
	if c.Failure.MaxRetries < 0 {
		return fmt.Errorf("failure.max_retries must not be negative")
	}
	switch c.Evidence.Backend {
	case "memory", "redis", "sql":
	default:
		return fmt.Errorf("evidence.backend %q is not one of memory, redis, sql", c.Evidence.Backend)
	}
	return nil
}
