package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.grpc_port",
			Message: fmt.Sprintf("grpc_port must be between 0 and 65535, got %d", c.Server.GRPCPort),
		})
	} else if c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.Port {
		errs = append(errs, &ValidationError{
			Field:   "server.grpc_port",
			Message: "grpc_port must differ from port",
		})
	}

	if c.Server.TLSEnabled {
		if c.Server.TLSCertPath == "" {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_cert_path",
				Message: "tls_cert_path is required when tls_enabled is true",
			})
		} else if _, err := os.Stat(c.Server.TLSCertPath); os.IsNotExist(err) {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_cert_path",
				Message: fmt.Sprintf("certificate file does not exist: %s", c.Server.TLSCertPath),
			})
		}

		if c.Server.TLSKeyPath == "" {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_key_path",
				Message: "tls_key_path is required when tls_enabled is true",
			})
		} else if _, err := os.Stat(c.Server.TLSKeyPath); os.IsNotExist(err) {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_key_path",
				Message: fmt.Sprintf("key file does not exist: %s", c.Server.TLSKeyPath),
			})
		}
	}

	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "server.shutdown_timeout",
			Message: fmt.Sprintf("shutdown_timeout must be positive, got %s", c.Server.ShutdownTimeout),
		})
	}

	if c.Server.RequestsPerMinute < 0 {
		errs = append(errs, &ValidationError{
			Field:   "server.requests_per_minute",
			Message: fmt.Sprintf("requests_per_minute must not be negative, got %d", c.Server.RequestsPerMinute),
		})
	}

	// Validate database configuration
	switch c.Database.Type {
	case "sqlite":
		if c.Database.SQLitePath == "" {
			errs = append(errs, &ValidationError{
				Field:   "database.sqlite_path",
				Message: "sqlite_path is required when database type is sqlite",
			})
		}
	case "memory":
		if c.Database.MemoryCapacity < 1 {
			errs = append(errs, &ValidationError{
				Field:   "database.memory_capacity",
				Message: fmt.Sprintf("memory_capacity must be at least 1, got %d", c.Database.MemoryCapacity),
			})
		}
	default:
		errs = append(errs, &ValidationError{
			Field:   "database.type",
			Message: fmt.Sprintf("invalid database type '%s', must be one of: sqlite, memory", c.Database.Type),
		})
	}

	if c.Database.RetentionDays < 0 {
		errs = append(errs, &ValidationError{
			Field:   "database.retention_days",
			Message: fmt.Sprintf("retention_days cannot be negative, got %d", c.Database.RetentionDays),
		})
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format '%s', must be one of: json, console", c.Logging.Format),
		})
	}

	if c.Audit.Enabled && c.Audit.Path == "" {
		errs = append(errs, &ValidationError{
			Field:   "audit.path",
			Message: "path is required when audit is enabled",
		})
	}

	// Validate tracing configuration
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, &ValidationError{
			Field:   "tracing.sampling_rate",
			Message: fmt.Sprintf("sampling_rate must be between 0 and 1, got %g", c.Tracing.SamplingRate),
		})
	}

	if c.Tracing.Protocol != "grpc" && c.Tracing.Protocol != "http" {
		errs = append(errs, &ValidationError{
			Field:   "tracing.protocol",
			Message: fmt.Sprintf("protocol must be grpc or http, got %q", c.Tracing.Protocol),
		})
	}

	// Validate detection configuration
	if c.Detection.RecalibrationInterval <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "detection.recalibration_interval",
			Message: fmt.Sprintf("recalibration_interval must be positive, got %s", c.Detection.RecalibrationInterval),
		})
	}

	if c.Detection.HistoryTimeout <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "detection.history_timeout",
			Message: fmt.Sprintf("history_timeout must be positive, got %s", c.Detection.HistoryTimeout),
		})
	}

	if c.Detection.Workers < 1 {
		errs = append(errs, &ValidationError{
			Field:   "detection.workers",
			Message: fmt.Sprintf("workers must be at least 1, got %d", c.Detection.Workers),
		})
	}

	seen := make(map[string]bool, len(c.Detection.Attributes))
	for i, a := range c.Detection.Attributes {
		field := fmt.Sprintf("detection.attributes[%d]", i)
		if a.AssetID == "" || a.Attribute == "" {
			errs = append(errs, &ValidationError{
				Field:   field,
				Message: "asset_id and attribute are required",
			})
			continue
		}
		if key := a.Ref().String(); seen[key] {
			errs = append(errs, &ValidationError{
				Field:   field,
				Message: fmt.Sprintf("duplicate configuration for %s", key),
			})
		} else {
			seen[key] = true
		}
		if err := a.Configuration.Validate(); err != nil {
			errs = append(errs, &ValidationError{
				Field:   field,
				Message: err.Error(),
			})
		}
	}

	// Validate forecasting configuration
	if c.Forecasting.Enabled {
		durations := []struct {
			field string
			value time.Duration
		}{
			{"forecasting.interval", c.Forecasting.Interval},
			{"forecasting.lookback", c.Forecasting.Lookback},
			{"forecasting.horizon", c.Forecasting.Horizon},
			{"forecasting.step", c.Forecasting.Step},
		}
		for _, d := range durations {
			if d.value <= 0 {
				errs = append(errs, &ValidationError{
					Field:   d.field,
					Message: fmt.Sprintf("must be positive when forecasting is enabled, got %s", d.value),
				})
			}
		}
		if c.Forecasting.Step > c.Forecasting.Horizon {
			errs = append(errs, &ValidationError{
				Field:   "forecasting.step",
				Message: "step must not exceed horizon",
			})
		}
		if c.Forecasting.P < 0 || c.Forecasting.D < 0 || c.Forecasting.Q < 0 {
			errs = append(errs, &ValidationError{
				Field:   "forecasting.p",
				Message: fmt.Sprintf("ARIMA order must not be negative, got (%d, %d, %d)", c.Forecasting.P, c.Forecasting.D, c.Forecasting.Q),
			})
		}
	}

	return errs
}
