package config

import (
	"context"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/anomaly"
)

// Package config provides configuration management for the anomaly
// detection service.
//
// Configuration Sources (priority order, high to low):
//   1. CLI flags (highest priority)
//   2. Environment variables (ANOMALY_* prefix, "." replaced by "_")
//   3. YAML config file (default: /etc/anomaly/config.yaml)
//   4. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. Server: HTTP port, gRPC health port, TLS, allowed websocket origins
//   2. Database: "sqlite" | "memory", sqlite path, retention
//   3. Logging: level, format, optional rotated file
//   4. Audit: anomaly journal file
//   5. Tracing: OTLP endpoint and sampling
//   6. Detection: scheduler interval and workers, history timeout, and the
//      per-attribute detection configurations
//   7. Forecasting: ARIMA order and prediction horizon for attributes using
//      forecast detection
//
// Detection attributes are the only section applied on reload.

// AttributeConfig binds a detection configuration to an attribute.
type AttributeConfig struct {
	AssetID   string `mapstructure:"asset_id"`
	Attribute string `mapstructure:"attribute"`

	anomaly.Configuration `mapstructure:",squash"`
}

// Ref returns the attribute reference.
func (a AttributeConfig) Ref() anomaly.AttributeRef {
	return anomaly.AttributeRef{AssetID: a.AssetID, Name: a.Attribute}
}

// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Port int
		// GRPCPort serves the gRPC health service. Zero disables it.
		GRPCPort    int
		TLSEnabled  bool
		TLSCertPath string
		TLSKeyPath  string
		// AllowedOrigins is a list of origins permitted to open WebSocket connections.
		// Use ["*"] to allow any origin (development only).
		AllowedOrigins  []string
		ShutdownTimeout time.Duration
		// RequestsPerMinute limits API calls per client IP. Zero disables it.
		RequestsPerMinute int
	}

	// Database configuration
	Database struct {
		Type          string
		SQLitePath    string
		RetentionDays int
		// MemoryCapacity is the per-attribute reading capacity of the memory store.
		MemoryCapacity int
	}

	// Logging configuration
	Logging struct {
		Level      string
		Format     string
		FilePath   string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
		Compress   bool
	}

	// Audit journal configuration
	Audit struct {
		Enabled bool
		Path    string
	}

	// Tracing configuration
	Tracing struct {
		Endpoint     string
		Protocol     string
		ServiceName  string
		SamplingRate float64
	}

	// Detection configuration
	Detection struct {
		RecalibrationInterval time.Duration
		HistoryTimeout        time.Duration
		Workers               int
		Attributes            []AttributeConfig
	}

	// Forecasting configuration
	Forecasting struct {
		Enabled  bool
		Interval time.Duration
		Lookback time.Duration
		Horizon  time.Duration
		Step     time.Duration
		P        int
		D        int
		Q        int
	}
}

// DetectionConfigurations indexes the attribute configurations by reference.
func (c *Config) DetectionConfigurations() map[anomaly.AttributeRef]anomaly.Configuration {
	out := make(map[anomaly.AttributeRef]anomaly.Configuration, len(c.Detection.Attributes))
	for _, a := range c.Detection.Attributes {
		out[a.Ref()] = a.Configuration
	}
	return out
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches the config file and delivers every reload that
	// validates. Invalid reloads are logged and dropped.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string, logger *zap.Logger) (ConfigManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
		logger:     logger,
	}
	return mgr, nil
}

// NewConfigManagerWithFlags creates a configuration manager whose explicitly
// set flags take precedence over every other source. Flag names are the
// dotted configuration keys registered by RegisterFlags.
func NewConfigManagerWithFlags(configPath string, flags *pflag.FlagSet, logger *zap.Logger) (ConfigManager, error) {
	mgr, err := NewConfigManager(configPath, logger)
	if err != nil {
		return nil, err
	}
	mgr.(*viperConfigManager).flags = flags
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/anomaly/config.yaml", nil)
}
