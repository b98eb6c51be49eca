package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/anomaly"
)

// LimitPoint is the acceptance interval in force at one historical reading.
// A nil bound means the strategy had no finite limit on that side.
type LimitPoint struct {
	Timestamp int64    `json:"timestamp"`
	Lower     *float64 `json:"lower"`
	Upper     *float64 `json:"upper"`
}

// LimitSeries is the replay of a history range through a detection strategy.
type LimitSeries struct {
	Ref       anomaly.AttributeRef          `json:"attribute"`
	Kind      anomaly.Kind                  `json:"kind"`
	Limits    []LimitPoint                  `json:"limits"`
	Anomalies []anomaly.ClassifiedDatapoint `json:"anomalies"`
}

// LimitSeries replays the readings of ref in [from, to] through a fresh
// strategy built from the attribute's configuration, recalibrating on the
// trailing window whenever the calibration goes stale. History, and
// predictions for forecast detection, are read once for the whole range.
// The live strategy is not touched.
func (d *Dispatcher) LimitSeries(ctx context.Context, ref anomaly.AttributeRef, from, to int64) (LimitSeries, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.LimitSeries", trace.WithAttributes(refAttributes(ref)...))
	defer span.End()

	cfg, err := d.Configuration(ref)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return LimitSeries{}, err
	}
	if from > to {
		return LimitSeries{}, fmt.Errorf("limit series of %s: from %d is after to %d", ref, from, to)
	}
	s, err := anomaly.New(cfg)
	if err != nil {
		return LimitSeries{}, err
	}

	window := cfg.StalenessWindow.Milliseconds()
	readCtx, cancel := context.WithTimeout(ctx, d.historyTimeout)
	history, err := d.history.Datapoints(readCtx, ref, from-window, to)
	cancel()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return LimitSeries{}, fmt.Errorf("read history of %s: %w", ref, err)
	}
	sortAscending(history)

	// calibration input for every replayed point, read once
	calibration := history
	if cfg.Kind == anomaly.KindForecast {
		calibration, err = d.readPredictions(ctx, ref, from-window, to+window)
		if err != nil {
			d.logger.Debug("Limit replay has no predictions",
				zap.String("attribute", ref.String()),
				zap.Error(err),
			)
		}
		sortAscending(calibration)
	}

	points := between(history, from, to)
	span.SetAttributes(attribute.Int("anomaly.replayed", len(points)))

	series := LimitSeries{
		Ref:       ref,
		Kind:      cfg.Kind,
		Limits:    make([]LimitPoint, 0, len(points)),
		Anomalies: []anomaly.ClassifiedDatapoint{},
	}
	for _, p := range points {
		if !s.IsCalibrationFresh(p.Timestamp) {
			lo, hi := p.Timestamp-window, p.Timestamp-1
			if cfg.Kind == anomaly.KindForecast {
				hi = p.Timestamp + window
			}
			if err := s.Recalibrate(between(calibration, lo, hi)); err != nil {
				d.logger.Debug("Limit replay kept previous calibration",
					zap.String("attribute", ref.String()),
					zap.Int64("timestamp", p.Timestamp),
					zap.Error(err),
				)
			}
		}

		b := s.Limits(p.Datapoint)
		var outlier bool
		if b.Empty() {
			// no value interval; fall back to the verdict itself
			outlier = !s.Validate(p.Value, p.Timestamp)
		} else {
			outlier = !b.Contains(p.Value)
		}
		series.Limits = append(series.Limits, LimitPoint{
			Timestamp: p.Timestamp,
			Lower:     finite(b.Lower),
			Upper:     finite(b.Upper),
		})
		if outlier {
			series.Anomalies = append(series.Anomalies, anomaly.Classified(p.Timestamp, p.Value, cfg.Kind.OutlierType()))
		}
	}
	return series, nil
}

// readPredictions reads predicted points of ref in [from, to].
func (d *Dispatcher) readPredictions(ctx context.Context, ref anomaly.AttributeRef, from, to int64) ([]anomaly.ClassifiedDatapoint, error) {
	if d.predictions == nil {
		return nil, errors.New("no prediction reader")
	}
	ctx, cancel := context.WithTimeout(ctx, d.historyTimeout)
	defer cancel()
	return d.predictions.PredictedDatapoints(ctx, ref, from, to)
}

func sortAscending(points []anomaly.ClassifiedDatapoint) {
	sort.SliceStable(points, func(i, j int) bool { return points[i].Timestamp < points[j].Timestamp })
}

// between returns the sub-slice of ascending points with timestamps in
// [from, to]. It shares storage with points.
func between(points []anomaly.ClassifiedDatapoint, from, to int64) []anomaly.ClassifiedDatapoint {
	lo := sort.Search(len(points), func(i int) bool { return points[i].Timestamp >= from })
	hi := sort.Search(len(points), func(i int) bool { return points[i].Timestamp > to })
	if lo >= hi {
		return nil
	}
	return points[lo:hi]
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
