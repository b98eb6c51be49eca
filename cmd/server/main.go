// Command server runs the attribute anomaly detection service.
//
// Startup order:
//  1. Configuration (flags, ANOMALY_* environment, YAML file, defaults),
//     validated before anything starts, then logging
//  2. Tracing exporter, when an OTLP endpoint is configured
//  3. Reading store: SQLite, or the in-memory ring buffers
//  4. Audit journal, alarm manager and websocket hub as classification sinks
//  5. Dispatcher with the configured attributes
//  6. Recalibration scheduler, optional forecaster, HTTP and gRPC listeners
//
// On SIGINT or SIGTERM the listeners drain within Server.ShutdownTimeout,
// then background workers stop and the store and journal are closed.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/alerting"
	"github.com/kubilitics/kubilitics-anomaly/internal/audit"
	"github.com/kubilitics/kubilitics-anomaly/internal/config"
	"github.com/kubilitics/kubilitics-anomaly/internal/db"
	"github.com/kubilitics/kubilitics-anomaly/internal/dispatcher"
	"github.com/kubilitics/kubilitics-anomaly/internal/forecasting"
	"github.com/kubilitics/kubilitics-anomaly/internal/logging"
	"github.com/kubilitics/kubilitics-anomaly/internal/scheduler"
	"github.com/kubilitics/kubilitics-anomaly/internal/server"
	"github.com/kubilitics/kubilitics-anomaly/internal/timeseries"
	"github.com/kubilitics/kubilitics-anomaly/internal/tracing"
)

func main() {
	configPath := pflag.String("config", "/etc/anomaly/config.yaml", "path to the YAML configuration file")
	config.RegisterFlags(pflag.CommandLine)
	pflag.Parse()

	if err := run(*configPath, pflag.CommandLine); err != nil {
		fmt.Fprintf(os.Stderr, "anomaly: %v\n", err)
		os.Exit(1)
	}
}

// storage is the reading store selected by Database.Type. db is nil in
// memory mode, which disables the anomaly and alarm routes.
type storage struct {
	history     dispatcher.HistoryReader
	predictions interface {
		dispatcher.PredictionReader
		server.PredictionWriter
	}
	sink   dispatcher.Sink
	purger scheduler.Purger
	db     db.Store
}

func openStorage(cfg *config.Config) (*storage, error) {
	switch cfg.Database.Type {
	case "memory":
		ts := timeseries.NewStore(cfg.Database.MemoryCapacity)
		return &storage{history: ts, predictions: ts, sink: ts}, nil
	case "", "sqlite":
		store, err := db.NewSQLiteStore(cfg.Database.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return &storage{history: store, predictions: store, sink: store, purger: store, db: store}, nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Database.Type)
	}
}

// loadConfig reads and validates the configuration. An invalid
// configuration is fatal at startup.
func loadConfig(ctx context.Context, configPath string, flags *pflag.FlagSet, logger *zap.Logger) (config.ConfigManager, *config.Config, error) {
	cfgMgr, err := config.NewConfigManagerWithFlags(configPath, flags, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create config manager: %w", err)
	}
	if err := cfgMgr.Load(ctx); err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	if err := cfgMgr.Validate(ctx); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfgMgr, cfgMgr.Get(ctx), nil
}

func run(configPath string, flags *pflag.FlagSet) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootstrap, err := logging.New(logging.DefaultConfig())
	if err != nil {
		return err
	}
	cfgMgr, cfg, err := loadConfig(ctx, configPath, flags, bootstrap)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return err
	}
	defer logger.Sync()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Endpoint:     cfg.Tracing.Endpoint,
		Protocol:     cfg.Tracing.Protocol,
		ServiceName:  cfg.Tracing.ServiceName,
		SamplingRate: cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Warn("Tracing shutdown failed", zap.Error(err))
		}
	}()

	store, err := openStorage(cfg)
	if err != nil {
		return err
	}
	if store.db != nil {
		defer store.db.Close()
	}
	logger.Info("Reading store ready", zap.String("type", cfg.Database.Type))

	var journal audit.Logger
	if cfg.Audit.Enabled {
		auditCfg := audit.DefaultConfig()
		auditCfg.AuditLogPath = cfg.Audit.Path
		if journal, err = audit.NewLogger(auditCfg, logger); err != nil {
			return fmt.Errorf("open audit journal: %w", err)
		}
		defer journal.Close()
	}

	sinks := dispatcher.NewFanOut().Add("store", store.sink)
	var alarms *alerting.Manager
	if store.db != nil {
		alarms = alerting.NewManager(store.db, journal, logger.Named("alerting"))
		sinks.Add("alarms", alarms)
	}
	if journal != nil {
		sinks.Add("audit", journal)
	}
	hub := server.NewHub(cfg.Server.AllowedOrigins, logger.Named("stream"))
	sinks.Add("stream", hub)

	d, err := dispatcher.New(dispatcher.Options{
		History:        store.history,
		Predictions:    store.predictions,
		Sink:           sinks,
		Logger:         logger.Named("dispatcher"),
		HistoryTimeout: cfg.Detection.HistoryTimeout,
	})
	if err != nil {
		return err
	}
	reconcile(ctx, d, cfg, journal, logger)

	sched := scheduler.New(d, scheduler.Options{
		Interval:  cfg.Detection.RecalibrationInterval,
		Workers:   cfg.Detection.Workers,
		Retention: time.Duration(cfg.Database.RetentionDays) * 24 * time.Hour,
		Purger:    store.purger,
		Logger:    logger.Named("scheduler"),
	})
	sched.Start(ctx)
	defer sched.Stop()

	if cfg.Forecasting.Enabled {
		fc, err := forecasting.NewForecaster(d, store.history, store.predictions, forecasting.Options{
			Interval: cfg.Forecasting.Interval,
			Lookback: cfg.Forecasting.Lookback,
			Horizon:  cfg.Forecasting.Horizon,
			Step:     cfg.Forecasting.Step,
			P:        cfg.Forecasting.P,
			D:        cfg.Forecasting.D,
			Q:        cfg.Forecasting.Q,
			Logger:   logger.Named("forecasting"),
		})
		if err != nil {
			return fmt.Errorf("create forecaster: %w", err)
		}
		fc.Start(ctx)
		defer fc.Stop()
	}

	go hub.Run(ctx)

	srv, err := server.NewServer(server.Options{
		Config:      cfg,
		Dispatcher:  d,
		History:     store.history,
		Predictions: store.predictions,
		Store:       store.db,
		Alarms:      alarms,
		Hub:         hub,
		Journal:     journal,
		Logger:      logger.Named("server"),
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	journalEvent(ctx, journal, logger, audit.NewEvent(audit.EventServerStarted).
		WithMetadata("attributes", len(d.Attributes())))

	updates := cfgMgr.Watch(ctx)
	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-updates:
			logger.Info("Configuration changed, reconciling attributes")
			reconcile(ctx, d, cfgMgr.Get(ctx), journal, logger)
		}
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	journalEvent(shutdownCtx, journal, logger, audit.NewEvent(audit.EventServerShutdown))
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("Shutdown complete")
	return nil
}

// reconcile applies the attribute section of cfg to d and journals the
// outcome.
func reconcile(ctx context.Context, d *dispatcher.Dispatcher, cfg *config.Config, journal audit.Logger, logger *zap.Logger) {
	desired := cfg.DetectionConfigurations()
	res, err := d.Reconcile(desired)
	if err != nil {
		logger.Warn("Some attribute configurations were rejected", zap.Error(err))
	}
	logger.Info("Attributes reconciled",
		zap.Int("configured", len(res.Configured)),
		zap.Int("removed", len(res.Removed)),
		zap.Int("total", len(d.Attributes())),
	)
	if journal == nil {
		return
	}
	for _, ref := range res.Configured {
		if jerr := journal.LogAttributeConfigured(ctx, ref, desired[ref]); jerr != nil {
			logger.Warn("Failed to journal configuration", zap.Error(jerr))
		}
	}
	for _, ref := range res.Removed {
		if jerr := journal.LogAttributeRemoved(ctx, ref); jerr != nil {
			logger.Warn("Failed to journal removal", zap.Error(jerr))
		}
	}
	if jerr := journal.LogConfigReload(ctx, err); jerr != nil {
		logger.Warn("Failed to journal reload", zap.Error(jerr))
	}
}

func journalEvent(ctx context.Context, journal audit.Logger, logger *zap.Logger, event *audit.Event) {
	if journal == nil {
		return
	}
	if err := journal.Log(ctx, event); err != nil {
		logger.Warn("Failed to journal event", zap.String("event", string(event.EventType)), zap.Error(err))
	}
}
