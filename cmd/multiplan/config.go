package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/artpar/multiplan/internal/core/plan"
	"github.com/artpar/multiplan/internal/shell/store"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Expander ExpanderConfig `mapstructure:"expander"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite3 or postgres
	DSN    string `mapstructure:"dsn"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// WorkersConfig holds job runner configuration.
type WorkersConfig struct {
	// Enabled runs queued expansion jobs in this process.
	Enabled bool `mapstructure:"enabled"`

	PollInterval  time.Duration `mapstructure:"poll_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	JobTimeout    time.Duration `mapstructure:"job_timeout"`

	// StaleAfter requeues jobs left running longer than this, for example
	// by a crashed process. Zero means twice JobTimeout.
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// MQTTConfig holds the MQTT transport configuration.
type MQTTConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	BrokerURL    string `mapstructure:"broker_url"`
	ClientID     string `mapstructure:"client_id"`
	RequestTopic string `mapstructure:"request_topic"`
	ReplyTopic   string `mapstructure:"reply_topic"`
	QoS          int    `mapstructure:"qos"`
}

// ExpanderConfig holds plan expansion limits.
type ExpanderConfig struct {
	// MaxInstances caps the number of nodes in an expanded plan. 0 disables it.
	MaxInstances int `mapstructure:"max_instances"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.max_body_bytes", 10<<20)
	v.SetDefault("database.driver", store.DriverSQLite)
	v.SetDefault("database.dsn", "./data/multiplan.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("workers.enabled", true)
	v.SetDefault("workers.poll_interval", "2s")
	v.SetDefault("workers.batch_size", 10)
	v.SetDefault("workers.max_concurrent", 4)
	v.SetDefault("workers.job_timeout", "30s")
	v.SetDefault("workers.stale_after", "1m")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "multiplan")
	v.SetDefault("mqtt.request_topic", "multiplan/expand")
	v.SetDefault("mqtt.reply_topic", "multiplan/expanded")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("expander.max_instances", plan.DefaultMaxInstances)

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("MULTIPLAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// MULTIPLAN_DATA_DIR relocates the default sqlite database
	if dataDir := os.Getenv("MULTIPLAN_DATA_DIR"); dataDir != "" && !v.InConfig("database.dsn") {
		v.SetDefault("database.dsn", filepath.Join(dataDir, "multiplan.db"))
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values viper cannot type-check.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case store.DriverSQLite, store.DriverPostgres:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", store.DriverSQLite, store.DriverPostgres, c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.MQTT.Enabled && c.MQTT.RequestTopic == "" {
		return fmt.Errorf("mqtt.request_topic is required when mqtt is enabled")
	}
	if c.Expander.MaxInstances < 0 {
		return fmt.Errorf("expander.max_instances must not be negative")
	}
	return nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	return newLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}
