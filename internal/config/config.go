// Package config loads service settings from defaults, an optional YAML file
// and the environment, in that order of precedence (environment wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	HTTPPort     string          `yaml:"http_port"`
	DatabaseURL  string          `yaml:"db_dsn"`
	StoreBackend string          `yaml:"store_backend"`
	RedisAddr    string          `yaml:"redis_addr"`
	CacheTTL     time.Duration   `yaml:"cache_ttl"`
	MQTT         MQTTConfig      `yaml:"mqtt"`
	Topics       TopicsConfig    `yaml:"topics"`
	Retry        RetryConfig     `yaml:"retry"`
	Log          LogConfig       `yaml:"log"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	OTLPEndpoint string          `yaml:"otlp_endpoint"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type TopicsConfig struct {
	Prefix         string `yaml:"prefix"`
	LegacyStatus   string `yaml:"legacy_status"`
	LegacyMessages string `yaml:"legacy_messages"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RateLimitConfig struct {
	PerMinute        int `yaml:"per_minute"`
	Burst            int `yaml:"burst"`
	StudentPerMinute int `yaml:"student_per_minute"`
	StudentBurst     int `yaml:"student_burst"`
}

func Default() Config {
	return Config{
		HTTPPort:     "8080",
		StoreBackend: BackendPostgres,
		CacheTTL:     30 * time.Second,
		MQTT: MQTTConfig{
			Broker:   "tcp://localhost:1883",
			ClientID: "consultease-sync",
		},
		Topics: TopicsConfig{
			Prefix:         "consultease",
			LegacyStatus:   "professor/status",
			LegacyMessages: "professor/messages",
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			Multiplier:  2,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		RateLimit: RateLimitConfig{
			PerMinute:        120,
			Burst:            30,
			StudentPerMinute: 10,
			StudentBurst:     5,
		},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPPort = readString("HTTP_PORT", cfg.HTTPPort)
	cfg.DatabaseURL = readString("DB_DSN", cfg.DatabaseURL)
	cfg.StoreBackend = strings.ToLower(readString("STORE_BACKEND", cfg.StoreBackend))
	cfg.RedisAddr = readString("REDIS_ADDR", cfg.RedisAddr)
	cfg.CacheTTL = readDuration("CACHE_TTL", cfg.CacheTTL)
	cfg.MQTT.Broker = readString("MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.ClientID = readString("MQTT_CLIENT_ID", cfg.MQTT.ClientID)
	cfg.MQTT.Username = readString("MQTT_USERNAME", cfg.MQTT.Username)
	cfg.MQTT.Password = readString("MQTT_PASSWORD", cfg.MQTT.Password)
	cfg.Topics.Prefix = readString("TOPIC_PREFIX", cfg.Topics.Prefix)
	cfg.Topics.LegacyStatus = readString("LEGACY_STATUS_TOPIC", cfg.Topics.LegacyStatus)
	cfg.Topics.LegacyMessages = readString("LEGACY_MESSAGES_TOPIC", cfg.Topics.LegacyMessages)
	cfg.Retry.MaxAttempts = readInt("RETRY_MAX_ATTEMPTS", cfg.Retry.MaxAttempts)
	cfg.Retry.BaseDelay = readDuration("RETRY_BASE_DELAY", cfg.Retry.BaseDelay)
	cfg.Retry.Multiplier = readFloat("RETRY_MULTIPLIER", cfg.Retry.Multiplier)
	cfg.Log.Level = readString("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(readString("LOG_FORMAT", cfg.Log.Format))
	cfg.RateLimit.PerMinute = readInt("RATE_LIMIT_PER_MIN", cfg.RateLimit.PerMinute)
	cfg.RateLimit.Burst = readInt("RATE_LIMIT_BURST", cfg.RateLimit.Burst)
	cfg.RateLimit.StudentPerMinute = readInt("STUDENT_RATE_LIMIT_PER_MIN", cfg.RateLimit.StudentPerMinute)
	cfg.RateLimit.StudentBurst = readInt("STUDENT_RATE_LIMIT_BURST", cfg.RateLimit.StudentBurst)
	cfg.OTLPEndpoint = readString("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)
}

func (c Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("db_dsn is required for the postgres backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.StoreBackend))
	}
	if c.HTTPPort == "" {
		errs = append(errs, errors.New("http_port is required"))
	}
	if c.Topics.Prefix == "" {
		errs = append(errs, errors.New("topic prefix is required"))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry max_attempts must be positive"))
	}
	if c.Retry.BaseDelay <= 0 {
		errs = append(errs, errors.New("retry base_delay must be positive"))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("retry multiplier must be at least 1"))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func readString(key, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	return raw
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

// readDuration accepts Go durations ("250ms") and bare integers as seconds.
func readDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	if value, err := time.ParseDuration(raw); err == nil {
		return value
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
