package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/anomaly"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	flags      *pflag.FlagSet
	logger     *zap.Logger
	viper      *viper.Viper
	watchChan  chan Config
	watchOnce  sync.Once
	publishMu  sync.Mutex

	mu     sync.RWMutex
	config *Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("ANOMALY")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()
	// only flags set on the command line override the other sources
	if m.flags != nil {
		if err := m.viper.BindPFlags(m.flags); err != nil {
			return fmt.Errorf("error binding flags: %w", err)
		}
	}

	// A missing config file is fine: defaults and env vars apply.
	if err := m.viper.ReadInConfig(); err != nil && !isNotFound(err) {
		return fmt.Errorf("error reading config file: %w", err)
	}

	cfg, err := m.unmarshalConfig()
	if err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	m.set(cfg)
	return nil
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || os.IsNotExist(err)
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

func (m *viperConfigManager) set(cfg *Config) {
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	return joinErrors(m.Get(ctx).Validate())
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	var errMsgs []string
	for _, err := range errs {
		errMsgs = append(errMsgs, err.Error())
	}
	return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
}

// Watch watches for configuration changes and reloads.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.watchOnce.Do(func() {
		m.viper.OnConfigChange(func(e fsnotify.Event) {
			cfg, err := m.unmarshalConfig()
			if err == nil {
				err = joinErrors(cfg.Validate())
			}
			if err != nil {
				m.logger.Warn("Ignoring invalid configuration change",
					zap.String("file", e.Name),
					zap.Error(err),
				)
				return
			}
			m.set(cfg)
			m.publish(cfg)
		})
		m.viper.WatchConfig()
	})
	return m.watchChan
}

// publish hands cfg to the watcher, replacing an update it has not
// received yet.
func (m *viperConfigManager) publish(cfg *Config) {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()
	select {
	case stale := <-m.watchChan:
		m.logger.Debug("Superseding pending configuration update",
			zap.Int("pending_attributes", len(stale.Detection.Attributes)))
	default:
	}
	select {
	case m.watchChan <- *cfg:
	default:
	}
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil && !isNotFound(err) {
		return fmt.Errorf("error reading config file: %w", err)
	}

	cfg, err := m.unmarshalConfig()
	if err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	m.set(cfg)
	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.grpc_port", defaults.Server.GRPCPort)
	m.viper.SetDefault("server.tls_enabled", defaults.Server.TLSEnabled)
	m.viper.SetDefault("server.tls_cert_path", defaults.Server.TLSCertPath)
	m.viper.SetDefault("server.tls_key_path", defaults.Server.TLSKeyPath)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	m.viper.SetDefault("server.shutdown_timeout", defaults.Server.ShutdownTimeout)
	m.viper.SetDefault("server.requests_per_minute", defaults.Server.RequestsPerMinute)

	// Database defaults
	m.viper.SetDefault("database.type", defaults.Database.Type)
	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)
	m.viper.SetDefault("database.retention_days", defaults.Database.RetentionDays)
	m.viper.SetDefault("database.memory_capacity", defaults.Database.MemoryCapacity)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file_path", defaults.Logging.FilePath)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.compress", defaults.Logging.Compress)

	// Audit defaults
	m.viper.SetDefault("audit.enabled", defaults.Audit.Enabled)
	m.viper.SetDefault("audit.path", defaults.Audit.Path)

	// Tracing defaults
	m.viper.SetDefault("tracing.endpoint", defaults.Tracing.Endpoint)
	m.viper.SetDefault("tracing.protocol", defaults.Tracing.Protocol)
	m.viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)
	m.viper.SetDefault("tracing.sampling_rate", defaults.Tracing.SamplingRate)

	// Detection defaults
	m.viper.SetDefault("detection.recalibration_interval", defaults.Detection.RecalibrationInterval)
	m.viper.SetDefault("detection.history_timeout", defaults.Detection.HistoryTimeout)
	m.viper.SetDefault("detection.workers", defaults.Detection.Workers)

	// Forecasting defaults
	m.viper.SetDefault("forecasting.enabled", defaults.Forecasting.Enabled)
	m.viper.SetDefault("forecasting.interval", defaults.Forecasting.Interval)
	m.viper.SetDefault("forecasting.lookback", defaults.Forecasting.Lookback)
	m.viper.SetDefault("forecasting.horizon", defaults.Forecasting.Horizon)
	m.viper.SetDefault("forecasting.step", defaults.Forecasting.Step)
	m.viper.SetDefault("forecasting.p", defaults.Forecasting.P)
	m.viper.SetDefault("forecasting.d", defaults.Forecasting.D)
	m.viper.SetDefault("forecasting.q", defaults.Forecasting.Q)
}

// unmarshalConfig reads the viper state into a new Config.
func (m *viperConfigManager) unmarshalConfig() (*Config, error) {
	cfg := &Config{}

	// Server
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.GRPCPort = m.viper.GetInt("server.grpc_port")
	cfg.Server.TLSEnabled = m.viper.GetBool("server.tls_enabled")
	cfg.Server.TLSCertPath = m.viper.GetString("server.tls_cert_path")
	cfg.Server.TLSKeyPath = m.viper.GetString("server.tls_key_path")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")
	cfg.Server.ShutdownTimeout = m.viper.GetDuration("server.shutdown_timeout")
	cfg.Server.RequestsPerMinute = m.viper.GetInt("server.requests_per_minute")

	// Database
	cfg.Database.Type = m.viper.GetString("database.type")
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")
	cfg.Database.RetentionDays = m.viper.GetInt("database.retention_days")
	cfg.Database.MemoryCapacity = m.viper.GetInt("database.memory_capacity")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.FilePath = m.viper.GetString("logging.file_path")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")
	cfg.Logging.Compress = m.viper.GetBool("logging.compress")

	// Audit
	cfg.Audit.Enabled = m.viper.GetBool("audit.enabled")
	cfg.Audit.Path = m.viper.GetString("audit.path")

	// Tracing
	cfg.Tracing.Endpoint = m.viper.GetString("tracing.endpoint")
	cfg.Tracing.Protocol = m.viper.GetString("tracing.protocol")
	cfg.Tracing.ServiceName = m.viper.GetString("tracing.service_name")
	cfg.Tracing.SamplingRate = m.viper.GetFloat64("tracing.sampling_rate")

	// Detection
	cfg.Detection.RecalibrationInterval = m.viper.GetDuration("detection.recalibration_interval")
	cfg.Detection.HistoryTimeout = m.viper.GetDuration("detection.history_timeout")
	cfg.Detection.Workers = m.viper.GetInt("detection.workers")
	if err := m.viper.UnmarshalKey("detection.attributes", &cfg.Detection.Attributes); err != nil {
		return nil, fmt.Errorf("detection.attributes: %w", err)
	}
	for i := range cfg.Detection.Attributes {
		// kinds are accepted case-insensitively; validation reports bad ones
		a := &cfg.Detection.Attributes[i]
		if kind, err := anomaly.ParseKind(string(a.Kind)); err == nil {
			a.Kind = kind
		}
	}

	// Forecasting
	cfg.Forecasting.Enabled = m.viper.GetBool("forecasting.enabled")
	cfg.Forecasting.Interval = m.viper.GetDuration("forecasting.interval")
	cfg.Forecasting.Lookback = m.viper.GetDuration("forecasting.lookback")
	cfg.Forecasting.Horizon = m.viper.GetDuration("forecasting.horizon")
	cfg.Forecasting.Step = m.viper.GetDuration("forecasting.step")
	cfg.Forecasting.P = m.viper.GetInt("forecasting.p")
	cfg.Forecasting.D = m.viper.GetInt("forecasting.d")
	cfg.Forecasting.Q = m.viper.GetInt("forecasting.q")

	return cfg, nil
}
