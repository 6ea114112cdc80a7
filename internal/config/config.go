// Package config loads orchestrator settings from an optional YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full orchestrator configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	ToolAPI   ToolAPIConfig   `mapstructure:"tool_api"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	HealthPort  int    `mapstructure:"health_port"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TaskTTL  time.Duration `mapstructure:"task_ttl"`
}

type PipelineConfig struct {
	PlanPath string `mapstructure:"plan_path"`
	// WatchPlan reloads the plan file on change for subsequently created tasks.
	WatchPlan bool `mapstructure:"watch_plan"`
}

type ToolAPIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LLMConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ArchiveConfig struct {
	// DSN enables the Postgres task archive when non-empty.
	DSN string `mapstructure:"dsn"`
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type RateLimitConfig struct {
	// CreatePerMinute bounds task creation per client IP.
	CreatePerMinute int `mapstructure:"create_per_minute"`
	CreateBurst     int `mapstructure:"create_burst"`
}

// Load reads CONFIG_PATH (or config/orchestrator.yaml when present), applies
// defaults, and lets MARKETSCOPE_* environment variables override any key.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7063)
	v.SetDefault("server.metrics_port", 2112)
	v.SetDefault("server.health_port", 8081)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.task_ttl", 24*time.Hour)
	v.SetDefault("pipeline.plan_path", "config/pipeline.yaml")
	v.SetDefault("pipeline.watch_plan", true)
	v.SetDefault("tool_api.base_url", "http://localhost:7062")
	v.SetDefault("tool_api.timeout", 120*time.Second)
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.timeout", 120*time.Second)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "marketscope-orchestrator")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("logging.level", "info")
	v.SetDefault("rate_limit.create_per_minute", 60)
	v.SetDefault("rate_limit.create_burst", 10)

	v.SetEnvPrefix("MARKETSCOPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		if _, err := os.Stat("config/orchestrator.yaml"); err == nil {
			cfgPath = "config/orchestrator.yaml"
		}
	}
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Secrets come from the environment, never the file.
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}
	if dsn := os.Getenv("ARCHIVE_DSN"); dsn != "" {
		cfg.Archive.DSN = dsn
	}

	return &cfg, nil
}
