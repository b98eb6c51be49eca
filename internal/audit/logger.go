// Package audit keeps an append-only journal of detection events: anomalies,
// configuration changes and alarm transitions.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kubilitics/kubilitics-anomaly/internal/anomaly"
	"github.com/kubilitics/kubilitics-anomaly/internal/dispatcher"
	"github.com/kubilitics/kubilitics-anomaly/internal/logging"
)

const bufferSize = 100

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// Publish journals outlier classifications and ignores the rest,
	// so a Logger can be registered as a dispatcher sink.
	Publish(ctx context.Context, c dispatcher.Classification) error

	LogAttributeConfigured(ctx context.Context, ref anomaly.AttributeRef, cfg anomaly.Configuration) error
	LogAttributeRemoved(ctx context.Context, ref anomaly.AttributeRef) error
	LogConfigReload(ctx context.Context, err error) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// FlushInterval is how often buffered events are written
	FlushInterval time.Duration
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath:  "logs/audit.log",
		MaxSize:       100, // megabytes
		MaxBackups:    10,
		MaxAge:        30, // days
		Compress:      true,
		FlushInterval: time.Second,
	}
}

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// NewLogger creates a new audit logger. Failures to encode events are
// reported on appLogger.
func NewLogger(config *Config, appLogger *zap.Logger) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.AuditLogPath == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	if appLogger == nil {
		appLogger = zap.NewNop()
	}
	interval := config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}

	auditRotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	// audit logs are always INFO level, append-only
	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(logging.EncoderConfig()),
		zapcore.AddSync(auditRotator),
		zapcore.InfoLevel,
	)

	logger := &auditLogger{
		appLogger:   appLogger,
		auditLogger: zap.New(auditCore),
		buffer:      make([]*Event, 0, bufferSize),
		flushTicker: time.NewTicker(interval),
		stopCh:      make(chan struct{}),
	}

	go logger.autoFlush()

	return logger, nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)
	if len(l.buffer) >= bufferSize {
		return l.flushLocked()
	}
	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]
	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

func (l *auditLogger) Publish(ctx context.Context, c dispatcher.Classification) error {
	if !c.Datapoint.AnomalyType.IsOutlier() {
		return nil
	}
	event := NewEvent(EventAnomalyDetected).
		WithAttribute(c.Ref.AssetID, c.Ref.Name).
		WithKind(string(c.Configuration.Kind)).
		WithDatapoint(c.Datapoint.Timestamp, c.Datapoint.Value, string(c.Datapoint.AnomalyType)).
		WithDescription(fmt.Sprintf("%s detected an anomaly on %s", c.Configuration.DisplayName(), c.Ref))

	return l.Log(ctx, event)
}

// LogAttributeConfigured logs an installed or changed detection configuration
func (l *auditLogger) LogAttributeConfigured(ctx context.Context, ref anomaly.AttributeRef, cfg anomaly.Configuration) error {
	event := NewEvent(EventAttributeConfigured).
		WithAttribute(ref.AssetID, ref.Name).
		WithKind(string(cfg.Kind)).
		WithMetadata("name", cfg.DisplayName()).
		WithMetadata("deviation", cfg.Deviation).
		WithMetadata("minimum_datapoints", cfg.MinimumDatapoints).
		WithMetadata("staleness_window", cfg.StalenessWindow.String()).
		WithMetadata("disabled", cfg.Disabled).
		WithDescription(fmt.Sprintf("Detection configured for %s", ref))

	return l.Log(ctx, event)
}

// LogAttributeRemoved logs a removed detection configuration
func (l *auditLogger) LogAttributeRemoved(ctx context.Context, ref anomaly.AttributeRef) error {
	event := NewEvent(EventAttributeRemoved).
		WithAttribute(ref.AssetID, ref.Name).
		WithDescription(fmt.Sprintf("Detection removed for %s", ref))

	return l.Log(ctx, event)
}

// LogConfigReload logs a configuration file reload attempt
func (l *auditLogger) LogConfigReload(ctx context.Context, err error) error {
	event := NewEvent(EventConfigReload).
		WithError(err).
		WithDescription("Configuration reloaded")

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}
	return l.auditLogger.Sync()
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
	})
	return l.Sync()
}
