// Package forecasting produces the predicted datapoints consumed by forecast
// detection. Each run fits an ARIMA model to the recent history of every
// attribute configured with the forecast kind and stores its predictions.
package forecasting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/anomaly"
	"github.com/kubilitics/kubilitics-anomaly/internal/metrics"
)

// Registry lists configured attributes and their configurations.
type Registry interface {
	Attributes() []anomaly.AttributeRef
	Configuration(ref anomaly.AttributeRef) (anomaly.Configuration, error)
}

// HistoryReader returns readings of ref in [from, to].
type HistoryReader interface {
	Datapoints(ctx context.Context, ref anomaly.AttributeRef, from, to int64) ([]anomaly.ClassifiedDatapoint, error)
}

// PredictionWriter stores predicted points of ref.
type PredictionWriter interface {
	SavePredictions(ctx context.Context, ref anomaly.AttributeRef, points []anomaly.Datapoint) error
}

// Options configures a Forecaster.
type Options struct {
	Interval time.Duration
	Lookback time.Duration
	Horizon  time.Duration
	Step     time.Duration
	P, D, Q  int
	Logger   *zap.Logger
	Now      func() time.Time
}

// Forecaster periodically refreshes predictions.
type Forecaster struct {
	registry Registry
	history  HistoryReader
	out      PredictionWriter
	opts     Options

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewForecaster creates a Forecaster.
func NewForecaster(registry Registry, history HistoryReader, out PredictionWriter, opts Options) (*Forecaster, error) {
	if opts.Step <= 0 || opts.Horizon < opts.Step || opts.Lookback <= 0 {
		return nil, fmt.Errorf("invalid forecasting window: lookback %s, horizon %s, step %s", opts.Lookback, opts.Horizon, opts.Step)
	}
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Forecaster{
		registry: registry,
		history:  history,
		out:      out,
		opts:     opts,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins background runs. The first run starts immediately.
func (f *Forecaster) Start(ctx context.Context) {
	go func() {
		defer close(f.doneCh)
		ticker := time.NewTicker(f.opts.Interval)
		defer ticker.Stop()

		f.Run(ctx)

		for {
			select {
			case <-ticker.C:
				f.Run(ctx)
			case <-f.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts background runs and waits for the current one.
func (f *Forecaster) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
	<-f.doneCh
}

// Run refreshes the predictions of every enabled forecast attribute once and
// returns how many attributes received new predictions.
func (f *Forecaster) Run(ctx context.Context) int {
	produced := 0
	for _, ref := range f.registry.Attributes() {
		cfg, err := f.registry.Configuration(ref)
		if err != nil || cfg.Kind != anomaly.KindForecast || cfg.Disabled {
			continue
		}
		if err := f.Predict(ctx, ref); err != nil {
			result := "error"
			if errors.Is(err, ErrInsufficientData) {
				result = "insufficient_data"
			}
			metrics.PredictionsGeneratedTotal.WithLabelValues(result).Inc()
			f.opts.Logger.Warn("Prediction failed",
				zap.String("attribute", ref.String()),
				zap.Error(err))
			continue
		}
		metrics.PredictionsGeneratedTotal.WithLabelValues("success").Inc()
		produced++
	}
	return produced
}

// Predict fits the history of ref over the lookback window and stores the
// predictions for the following horizon.
func (f *Forecaster) Predict(ctx context.Context, ref anomaly.AttributeRef) error {
	now := f.opts.Now().UnixMilli()
	points, err := f.history.Datapoints(ctx, ref, now-f.opts.Lookback.Milliseconds(), now)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}

	step := f.opts.Step.Milliseconds()
	start, series := resample(trusted(points), step)

	model := NewARIMA(f.opts.P, f.opts.D, f.opts.Q)
	if err := model.Fit(series); err != nil {
		return err
	}
	steps := int(f.opts.Horizon / f.opts.Step)
	values, err := model.Forecast(steps)
	if err != nil {
		return err
	}

	last := start + int64(len(series)-1)*step
	predicted := make([]anomaly.Datapoint, len(values))
	for i, v := range values {
		predicted[i] = anomaly.Datapoint{Timestamp: last + int64(i+1)*step, Value: v}
	}
	if err := f.out.SavePredictions(ctx, ref, predicted); err != nil {
		return fmt.Errorf("save predictions: %w", err)
	}

	f.opts.Logger.Debug("Predictions stored",
		zap.String("attribute", ref.String()),
		zap.Int("points", len(predicted)),
		zap.Float64("std_error", model.StdError()))
	return nil
}

// trusted keeps unchecked and valid readings in ascending time order.
func trusted(points []anomaly.ClassifiedDatapoint) []anomaly.Datapoint {
	out := make([]anomaly.Datapoint, 0, len(points))
	for _, p := range points {
		if p.AnomalyType.Trusted() {
			out = append(out, p.Datapoint)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// resample interpolates points linearly onto a grid of the given step,
// starting at the first point. It returns the grid start and the values.
func resample(points []anomaly.Datapoint, step int64) (int64, []float64) {
	if len(points) == 0 {
		return 0, nil
	}
	start := points[0].Timestamp
	end := points[len(points)-1].Timestamp
	values := make([]float64, 0, (end-start)/step+1)

	j := 0
	for ts := start; ts <= end; ts += step {
		for j+1 < len(points) && points[j+1].Timestamp <= ts {
			j++
		}
		p := points[j]
		if p.Timestamp == ts || j+1 == len(points) {
			values = append(values, p.Value)
			continue
		}
		q := points[j+1]
		frac := float64(ts-p.Timestamp) / float64(q.Timestamp-p.Timestamp)
		values = append(values, p.Value+frac*(q.Value-p.Value))
	}
	return start, values
}
