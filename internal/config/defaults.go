package config

import "time"

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Port = 8090
	cfg.Server.GRPCPort = 50061
	cfg.Server.TLSEnabled = false
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	cfg.Server.ShutdownTimeout = 30 * time.Second
	cfg.Server.RequestsPerMinute = 6000

	// Database defaults
	cfg.Database.Type = "sqlite"
	cfg.Database.SQLitePath = "/var/lib/anomaly/anomaly.db"
	cfg.Database.RetentionDays = 30
	cfg.Database.MemoryCapacity = 5760

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Compress = true

	// Audit defaults
	cfg.Audit.Enabled = false
	cfg.Audit.Path = "/var/log/anomaly/audit.log"

	// Tracing defaults (empty endpoint disables export)
	cfg.Tracing.Protocol = "grpc"
	cfg.Tracing.ServiceName = "anomaly-detection"
	cfg.Tracing.SamplingRate = 1.0

	// Detection defaults
	cfg.Detection.RecalibrationInterval = time.Minute
	cfg.Detection.HistoryTimeout = 10 * time.Second
	cfg.Detection.Workers = 4

	// Forecasting defaults
	cfg.Forecasting.Enabled = false
	cfg.Forecasting.Interval = 15 * time.Minute
	cfg.Forecasting.Lookback = 24 * time.Hour
	cfg.Forecasting.Horizon = 2 * time.Hour
	cfg.Forecasting.Step = time.Minute
	cfg.Forecasting.P = 2
	cfg.Forecasting.D = 1
	cfg.Forecasting.Q = 1

	return cfg
}
