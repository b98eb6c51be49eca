package anomaly

import (
	"fmt"
	"math"
)

// epsilon keeps the tolerance band from collapsing to zero width when the
// calibrated bounds coincide.
const epsilon = 0.001

// Bounds is the acceptance interval for a datapoint.
type Bounds struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// NoBounds is returned when a strategy has no meaningful interval.
var NoBounds = Bounds{Lower: math.NaN(), Upper: math.NaN()}

// Unbounded is the interval of a strategy that has not been calibrated yet.
var Unbounded = Bounds{Lower: math.Inf(-1), Upper: math.Inf(1)}

// Empty reports whether b carries no interval.
func (b Bounds) Empty() bool {
	return math.IsNaN(b.Lower) || math.IsNaN(b.Upper)
}

// Contains reports whether v lies inside the closed interval.
func (b Bounds) Contains(v float64) bool {
	return !b.Empty() && v >= b.Lower && v <= b.Upper
}

// Strategy is a detection algorithm together with its calibration state.
type Strategy interface {
	// Config returns the configuration the strategy was built with.
	Config() Configuration

	// Validate classifies the value. Accepted values are folded into the
	// calibration state, except by the forecast strategy.
	Validate(value float64, timestamp int64) bool

	// IsCalibrationFresh reports whether the calibration state still covers
	// latestTimestamp. False means recalibration is due.
	IsCalibrationFresh(latestTimestamp int64) bool

	// Recalibrate rebuilds calibration state from history, which may be in
	// ascending or descending timestamp order. On error the previous state
	// is kept.
	Recalibrate(history []ClassifiedDatapoint) error

	// Limits returns the acceptance interval for p and folds p into the
	// calibration state the same way Validate does.
	Limits(p Datapoint) Bounds

	// Calibrated reports whether at least one recalibration succeeded.
	Calibrated() bool
}

// New builds the strategy selected by cfg.Kind in its uncalibrated state.
func New(cfg Configuration) (Strategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case KindGlobal:
		return newGlobal(cfg), nil
	case KindChange:
		return newChange(cfg), nil
	case KindTimespan:
		return newTimespan(cfg), nil
	case KindForecast:
		return newForecast(cfg), nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidConfiguration, cfg.Kind)
}

func checkMinimum(cfg Configuration, n int) error {
	if n == 0 || n < cfg.MinimumDatapoints {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientData, n, cfg.MinimumDatapoints)
	}
	return nil
}
