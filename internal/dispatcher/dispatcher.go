// Package dispatcher owns one detection strategy per monitored attribute and
// routes incoming readings to it.
//
// Each attribute has its own lock, so a recalibration blocked on a slow
// history read only stalls readings of that attribute. The registry lock is
// held for lookups and inserts only.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/anomaly"
	"github.com/kubilitics/kubilitics-anomaly/internal/metrics"
)

const tracerName = "github.com/kubilitics/kubilitics-anomaly/internal/dispatcher"

// DefaultHistoryTimeout bounds a single history or prediction read.
const DefaultHistoryTimeout = 10 * time.Second

// HistoryReader returns the classified datapoints of an attribute whose
// timestamps fall in [from, to]. Implementations in this repository return
// them newest first.
type HistoryReader interface {
	Datapoints(ctx context.Context, ref anomaly.AttributeRef, from, to int64) ([]anomaly.ClassifiedDatapoint, error)
}

// PredictionReader returns externally produced predicted datapoints of an
// attribute whose timestamps fall in [from, to], newest first.
type PredictionReader interface {
	PredictedDatapoints(ctx context.Context, ref anomaly.AttributeRef, from, to int64) ([]anomaly.ClassifiedDatapoint, error)
}

// Options configures a Dispatcher.
type Options struct {
	History     HistoryReader
	Predictions PredictionReader
	Sink        Sink
	Logger      *zap.Logger
	Tracer      trace.Tracer

	// HistoryTimeout bounds each history or prediction read made during
	// recalibration. Zero means DefaultHistoryTimeout.
	HistoryTimeout time.Duration
}

type entry struct {
	mu       sync.Mutex
	strategy anomaly.Strategy
}

// Dispatcher selects and owns the strategy of every configured attribute.
type Dispatcher struct {
	history        HistoryReader
	predictions    PredictionReader
	sink           Sink
	logger         *zap.Logger
	tracer         trace.Tracer
	historyTimeout time.Duration

	mu      sync.RWMutex
	entries map[anomaly.AttributeRef]*entry
}

// New creates a dispatcher with no configured attributes.
func New(opts Options) (*Dispatcher, error) {
	if opts.History == nil {
		return nil, errors.New("dispatcher: history reader is required")
	}
	d := &Dispatcher{
		history:        opts.History,
		predictions:    opts.Predictions,
		sink:           opts.Sink,
		logger:         opts.Logger,
		tracer:         opts.Tracer,
		historyTimeout: opts.HistoryTimeout,
		entries:        make(map[anomaly.AttributeRef]*entry),
	}
	if d.sink == nil {
		d.sink = Discard
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(tracerName)
	}
	if d.historyTimeout <= 0 {
		d.historyTimeout = DefaultHistoryTimeout
	}
	return d, nil
}

// Configure installs cfg for ref. An identical configuration is a no-op;
// any change replaces the strategy with a fresh, uncalibrated one.
func (d *Dispatcher) Configure(ref anomaly.AttributeRef, cfg anomaly.Configuration) error {
	_, err := d.configure(ref, cfg)
	return err
}

// configure reports whether the strategy of ref was replaced.
func (d *Dispatcher) configure(ref anomaly.AttributeRef, cfg anomaly.Configuration) (bool, error) {
	if cfg.Kind == anomaly.KindForecast && d.predictions == nil {
		return false, fmt.Errorf("%w: forecast detection for %s needs a prediction reader", anomaly.ErrInvalidConfiguration, ref)
	}
	strategy, err := anomaly.New(cfg)
	if err != nil {
		return false, fmt.Errorf("configure %s: %w", ref, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.entries[ref]; ok {
		prev := existing.strategy.Config()
		if sameConfiguration(prev, cfg) {
			return false, nil
		}
		metrics.ConfiguredAttributes.WithLabelValues(string(prev.Kind)).Dec()
	}
	d.entries[ref] = &entry{strategy: strategy}
	metrics.ConfiguredAttributes.WithLabelValues(string(cfg.Kind)).Inc()
	d.logger.Info("Configured anomaly detection",
		zap.String("attribute", ref.String()),
		zap.String("kind", string(cfg.Kind)),
		zap.String("name", cfg.DisplayName()),
		zap.Float64("deviation", cfg.Deviation),
		zap.Bool("disabled", cfg.Disabled),
	)
	return true, nil
}

// ReconcileResult lists what Reconcile changed.
type ReconcileResult struct {
	Configured []anomaly.AttributeRef
	Removed    []anomaly.AttributeRef
}

// Reconcile makes the registry match desired. Attributes missing from
// desired are removed, and unchanged ones keep their calibration. Invalid
// entries are skipped and reported in the joined error while the rest are
// still applied.
func (d *Dispatcher) Reconcile(desired map[anomaly.AttributeRef]anomaly.Configuration) (ReconcileResult, error) {
	var (
		result ReconcileResult
		errs   []error
	)
	for _, ref := range d.Attributes() {
		if _, keep := desired[ref]; !keep && d.Remove(ref) {
			result.Removed = append(result.Removed, ref)
		}
	}

	refs := make([]anomaly.AttributeRef, 0, len(desired))
	for ref := range desired {
		refs = append(refs, ref)
	}
	sortRefs(refs)
	for _, ref := range refs {
		changed, err := d.configure(ref, desired[ref])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			result.Configured = append(result.Configured, ref)
		}
	}
	return result, errors.Join(errs...)
}

// Remove drops the configuration of ref. It reports whether one existed.
func (d *Dispatcher) Remove(ref anomaly.AttributeRef) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[ref]
	if !ok {
		return false
	}
	delete(d.entries, ref)
	metrics.ConfiguredAttributes.WithLabelValues(string(e.strategy.Config().Kind)).Dec()
	d.logger.Info("Removed anomaly detection", zap.String("attribute", ref.String()))
	return true
}

// Attributes lists the configured attributes ordered by asset and name.
func (d *Dispatcher) Attributes() []anomaly.AttributeRef {
	d.mu.RLock()
	refs := make([]anomaly.AttributeRef, 0, len(d.entries))
	for ref := range d.entries {
		refs = append(refs, ref)
	}
	d.mu.RUnlock()

	sortRefs(refs)
	return refs
}

func sortRefs(refs []anomaly.AttributeRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].AssetID != refs[j].AssetID {
			return refs[i].AssetID < refs[j].AssetID
		}
		return refs[i].Name < refs[j].Name
	})
}

// Configuration returns the configuration installed for ref.
func (d *Dispatcher) Configuration(ref anomaly.AttributeRef) (anomaly.Configuration, error) {
	e, err := d.lookup(ref)
	if err != nil {
		return anomaly.Configuration{}, err
	}
	// configuration is immutable for the life of the strategy
	return e.strategy.Config(), nil
}

func (d *Dispatcher) lookup(ref anomaly.AttributeRef) (*entry, error) {
	d.mu.RLock()
	e, ok := d.entries[ref]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", anomaly.ErrUnconfiguredAttribute, ref)
	}
	return e, nil
}

// Classify validates value against the attribute's strategy, recalibrating
// first when the calibration no longer covers timestamp. Recalibration
// failures are logged and never fail the classification. The result is
// published to the sink.
func (d *Dispatcher) Classify(ctx context.Context, ref anomaly.AttributeRef, value float64, timestamp int64) (anomaly.AnomalyType, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.Classify", trace.WithAttributes(refAttributes(ref)...))
	defer span.End()

	e, err := d.lookup(ref)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return anomaly.Unchecked, err
	}

	start := time.Now()
	e.mu.Lock()
	cfg := e.strategy.Config()
	result := anomaly.Unchecked
	if !cfg.Disabled {
		if !e.strategy.IsCalibrationFresh(timestamp) {
			d.recalibrateLogged(ctx, ref, e.strategy, timestamp)
		}
		result = anomaly.Valid
		if !e.strategy.Validate(value, timestamp) {
			result = cfg.Kind.OutlierType()
		}
	}
	e.mu.Unlock()

	metrics.ClassificationDuration.WithLabelValues(string(cfg.Kind)).Observe(time.Since(start).Seconds())
	metrics.ClassificationsTotal.WithLabelValues(string(cfg.Kind), string(result)).Inc()
	span.SetAttributes(
		attribute.String("anomaly.kind", string(cfg.Kind)),
		attribute.String("anomaly.type", string(result)),
	)

	c := Classification{
		Ref:           ref,
		Configuration: cfg,
		Datapoint:     anomaly.Classified(timestamp, value, result),
	}
	if err := d.sink.Publish(ctx, c); err != nil {
		d.logger.Warn("Failed to publish classification",
			zap.String("attribute", ref.String()),
			zap.Int64("timestamp", timestamp),
			zap.Error(err),
		)
	}
	if result.IsOutlier() {
		d.logger.Debug("Anomaly detected",
			zap.String("attribute", ref.String()),
			zap.String("type", string(result)),
			zap.Float64("value", value),
			zap.Int64("timestamp", timestamp),
		)
	}
	return result, nil
}

// Explain returns the acceptance interval the attribute's strategy applies to
// the reading, recalibrating first when needed. Like Classify it folds the
// reading into the calibration state, except for timespan detection.
func (d *Dispatcher) Explain(ctx context.Context, ref anomaly.AttributeRef, value float64, timestamp int64) (anomaly.Bounds, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.Explain", trace.WithAttributes(refAttributes(ref)...))
	defer span.End()

	e, err := d.lookup(ref)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return anomaly.NoBounds, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.strategy.Config().Disabled {
		return anomaly.NoBounds, nil
	}
	if !e.strategy.IsCalibrationFresh(timestamp) {
		d.recalibrateLogged(ctx, ref, e.strategy, timestamp)
	}
	return e.strategy.Limits(anomaly.Datapoint{Timestamp: timestamp, Value: value}), nil
}

// NeedsRecalibration reports whether the calibration of ref no longer covers
// latestTimestamp. Disabled attributes never need recalibration.
func (d *Dispatcher) NeedsRecalibration(ref anomaly.AttributeRef, latestTimestamp int64) (bool, error) {
	e, err := d.lookup(ref)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.strategy.Config().Disabled {
		return false, nil
	}
	return !e.strategy.IsCalibrationFresh(latestTimestamp), nil
}

// Recalibrate rebuilds the calibration of ref from the window ending at
// latestTimestamp. Unlike Classify it returns recalibration failures,
// including anomaly.ErrInsufficientData.
func (d *Dispatcher) Recalibrate(ctx context.Context, ref anomaly.AttributeRef, latestTimestamp int64) error {
	ctx, span := d.tracer.Start(ctx, "dispatcher.Recalibrate", trace.WithAttributes(refAttributes(ref)...))
	defer span.End()

	e, err := d.lookup(ref)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.strategy.Config().Disabled {
		return nil
	}
	if err := d.recalibrate(ctx, ref, e.strategy, latestTimestamp); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (d *Dispatcher) recalibrateLogged(ctx context.Context, ref anomaly.AttributeRef, s anomaly.Strategy, latestTimestamp int64) {
	err := d.recalibrate(ctx, ref, s, latestTimestamp)
	switch {
	case err == nil:
	case errors.Is(err, anomaly.ErrInsufficientData):
		d.logger.Debug("Skipping recalibration",
			zap.String("attribute", ref.String()),
			zap.Bool("calibrated", s.Calibrated()),
			zap.Error(err),
		)
	default:
		d.logger.Warn("Recalibration failed, keeping previous calibration",
			zap.String("attribute", ref.String()),
			zap.Error(err),
		)
	}
}

// recalibrate loads the window for s and rebuilds its calibration. The caller
// holds the attribute lock.
func (d *Dispatcher) recalibrate(ctx context.Context, ref anomaly.AttributeRef, s anomaly.Strategy, latestTimestamp int64) error {
	cfg := s.Config()
	ctx, span := d.tracer.Start(ctx, "dispatcher.recalibrate", trace.WithAttributes(
		attribute.String("anomaly.kind", string(cfg.Kind)),
		attribute.Int64("anomaly.latest_timestamp", latestTimestamp),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.RecalibrationDuration.WithLabelValues(string(cfg.Kind)).Observe(time.Since(start).Seconds())
	}()

	points, err := d.window(ctx, ref, cfg, latestTimestamp)
	if err != nil {
		metrics.RecalibrationsTotal.WithLabelValues(string(cfg.Kind), "error").Inc()
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("read calibration window of %s: %w", ref, err)
	}
	span.SetAttributes(attribute.Int("anomaly.window_size", len(points)))

	if err := s.Recalibrate(points); err != nil {
		metrics.RecalibrationsTotal.WithLabelValues(string(cfg.Kind), recalibrationResult(err)).Inc()
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("recalibrate %s: %w", ref, err)
	}
	metrics.RecalibrationsTotal.WithLabelValues(string(cfg.Kind), "ok").Inc()
	d.logger.Debug("Recalibrated",
		zap.String("attribute", ref.String()),
		zap.String("kind", string(cfg.Kind)),
		zap.Int("datapoints", len(points)),
	)
	return nil
}

// window reads the calibration input for cfg. History covers the staleness
// window before latestTimestamp, excluding the reading being classified.
// Predictions cover the staleness window on both sides.
func (d *Dispatcher) window(ctx context.Context, ref anomaly.AttributeRef, cfg anomaly.Configuration, latestTimestamp int64) ([]anomaly.ClassifiedDatapoint, error) {
	ctx, cancel := context.WithTimeout(ctx, d.historyTimeout)
	defer cancel()

	span := cfg.StalenessWindow.Milliseconds()
	if cfg.Kind == anomaly.KindForecast {
		if d.predictions == nil {
			return nil, errors.New("no prediction reader")
		}
		return d.predictions.PredictedDatapoints(ctx, ref, latestTimestamp-span, latestTimestamp+span)
	}
	return d.history.Datapoints(ctx, ref, latestTimestamp-span, latestTimestamp-1)
}

func recalibrationResult(err error) string {
	switch {
	case errors.Is(err, anomaly.ErrInsufficientData):
		return "insufficient"
	case errors.Is(err, anomaly.ErrMalformedHistory):
		return "malformed"
	}
	return "error"
}

func refAttributes(ref anomaly.AttributeRef) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("anomaly.asset_id", ref.AssetID),
		attribute.String("anomaly.attribute", ref.Name),
	}
}

func sameConfiguration(a, b anomaly.Configuration) bool {
	if a.Name != b.Name || a.Kind != b.Kind || a.Deviation != b.Deviation ||
		a.MinimumDatapoints != b.MinimumDatapoints || a.StalenessWindow != b.StalenessWindow ||
		a.Disabled != b.Disabled {
		return false
	}
	if a.Alarm == nil || b.Alarm == nil {
		return a.Alarm == nil && b.Alarm == nil
	}
	return *a.Alarm == *b.Alarm
}
