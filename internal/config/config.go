// Package config loads the gateway configuration: defaults, then the JSON5
// file, then environment variables. Secrets (Postgres DSN, Anthropic API key)
// come from the environment only and are never written to the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// DefaultPath is where the gateway looks for its config file.
const DefaultPath = "parlo.json5"

// Config is the full gateway configuration.
type Config struct {
	LogLevel string `json:"log_level"` // debug, info, warn, error

	Gateway   GatewayConfig   `json:"gateway"`
	Database  DatabaseConfig  `json:"database"`
	Redis     RedisConfig     `json:"redis"`
	Kafka     KafkaConfig     `json:"kafka"`
	LLM       LLMConfig       `json:"llm"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
	Handoff   HandoffConfig   `json:"handoff"`
	Dedup     DedupConfig     `json:"dedup"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// GatewayConfig sizes the message pipeline.
type GatewayConfig struct {
	Workers      int `json:"workers"`       // router consumer goroutines
	QueueSize    int `json:"queue_size"`    // bus buffer per direction
	HistoryLimit int `json:"history_limit"` // messages fed to the model
}

// DatabaseConfig carries the Postgres DSN. Env only.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
}

// RedisConfig enables the distributed conversation lock when Addr is set;
// empty means the in-process keyed lock.
type RedisConfig struct {
	Addr       string `json:"addr"`
	LockPrefix string `json:"lock_prefix"`
}

// KafkaConfig enables the Kafka event notifier when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}

// LLMConfig configures the Anthropic provider and the tool loop.
type LLMConfig struct {
	Model             string        `json:"model"`
	MaxTokens         int           `json:"max_tokens"`
	MaxToolIterations int           `json:"max_tool_iterations"`
	RequestTimeout    time.Duration `json:"-"`
	RequestTimeoutSec int           `json:"request_timeout_sec"`
	APIKey            string        `json:"-"` // env only
}

// WhatsAppConfig configures the bridge channel.
type WhatsAppConfig struct {
	BridgeURL     string `json:"bridge_url"`
	SendPerMinute int    `json:"send_per_minute"`
	SendBurst     int    `json:"send_burst"`
}

// HandoffConfig bounds the human relay window.
type HandoffConfig struct {
	TimeoutMinutes int `json:"timeout_minutes"`
}

// DedupConfig sets ledger retention and the nightly prune schedule.
type DedupConfig struct {
	RetentionHours int    `json:"retention_hours"`
	PruneSchedule  string `json:"prune_schedule"` // cron expression
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	Insecure    bool   `json:"insecure"`
	ServiceName string `json:"service_name"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Gateway: GatewayConfig{
			Workers:      4,
			QueueSize:    256,
			HistoryLimit: 30,
		},
		Redis: RedisConfig{
			LockPrefix: "parlo:lock:",
		},
		Kafka: KafkaConfig{
			Topic: "parlo.events",
		},
		LLM: LLMConfig{
			Model:             "claude-sonnet-4-5-20250929",
			MaxTokens:         1024,
			MaxToolIterations: 6,
			RequestTimeoutSec: 60,
		},
		WhatsApp: WhatsAppConfig{
			BridgeURL:     "ws://localhost:8466/ws",
			SendPerMinute: 20,
			SendBurst:     5,
		},
		Handoff: HandoffConfig{
			TimeoutMinutes: 30,
		},
		Dedup: DedupConfig{
			RetentionHours: 48,
			PruneSchedule:  "0 4 * * *",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "parlo",
		},
	}
}

// Load reads the config file, overlays env vars, and validates. A missing
// file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables. Env wins over file values.
func (c *Config) applyEnv() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	envStr("PARLO_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("PARLO_ANTHROPIC_API_KEY", &c.LLM.APIKey)
	envStr("PARLO_LOG_LEVEL", &c.LogLevel)
	envStr("PARLO_BRIDGE_URL", &c.WhatsApp.BridgeURL)
	envStr("PARLO_REDIS_ADDR", &c.Redis.Addr)
	envStr("PARLO_MODEL", &c.LLM.Model)
	envInt("PARLO_WORKERS", &c.Gateway.Workers)

	if v := os.Getenv("PARLO_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	envStr("PARLO_KAFKA_TOPIC", &c.Kafka.Topic)

	envStr("PARLO_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	if v := os.Getenv("PARLO_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("PARLO_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	c.LLM.RequestTimeout = time.Duration(c.LLM.RequestTimeoutSec) * time.Second
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	if c.Gateway.Workers <= 0 {
		return fmt.Errorf("config: gateway.workers must be positive")
	}
	if c.LLM.MaxToolIterations <= 0 {
		return fmt.Errorf("config: llm.max_tool_iterations must be positive")
	}
	if c.Handoff.TimeoutMinutes <= 0 {
		return fmt.Errorf("config: handoff.timeout_minutes must be positive")
	}
	if c.Dedup.RetentionHours <= 0 {
		return fmt.Errorf("config: dedup.retention_hours must be positive")
	}
	return nil
}

// HandoffTimeout returns the relay window as a duration.
func (c *Config) HandoffTimeout() time.Duration {
	return time.Duration(c.Handoff.TimeoutMinutes) * time.Minute
}

// DedupRetention returns the ledger retention as a duration.
func (c *Config) DedupRetention() time.Duration {
	return time.Duration(c.Dedup.RetentionHours) * time.Hour
}
