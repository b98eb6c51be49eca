package anomaly

import (
	"math"
	"sort"
)

// forecastStrategy compares values against a predicted curve supplied by a
// forecasting collaborator. Its state is only ever replaced, never extended.
type forecastStrategy struct {
	cfg       Configuration
	predicted []Datapoint // ascending by timestamp
}

func newForecast(cfg Configuration) *forecastStrategy {
	return &forecastStrategy{cfg: cfg}
}

func (f *forecastStrategy) Config() Configuration { return f.cfg }

func (f *forecastStrategy) Calibrated() bool { return len(f.predicted) > 0 }

// expected interpolates the predicted curve at timestamp. ok is false when
// the timestamp lies outside the predicted span.
func (f *forecastStrategy) expected(timestamp int64) (float64, bool) {
	n := len(f.predicted)
	if n == 0 || timestamp < f.predicted[0].Timestamp || timestamp > f.predicted[n-1].Timestamp {
		return 0, false
	}
	// first predicted point at or after timestamp
	i := sort.Search(n, func(i int) bool { return f.predicted[i].Timestamp >= timestamp })
	after := f.predicted[i]
	if after.Timestamp == timestamp || i == 0 {
		return after.Value, true
	}
	before := f.predicted[i-1]
	ratio := float64(timestamp-before.Timestamp) / float64(after.Timestamp-before.Timestamp)
	return before.Value + ratio*(after.Value-before.Value), true
}

func (f *forecastStrategy) Validate(value float64, timestamp int64) bool {
	exp, ok := f.expected(timestamp)
	if !ok {
		return true
	}
	return math.Abs(value-exp) <= f.cfg.Deviation
}

func (f *forecastStrategy) IsCalibrationFresh(latestTimestamp int64) bool {
	n := len(f.predicted)
	return n > 0 && latestTimestamp >= f.predicted[0].Timestamp && latestTimestamp <= f.predicted[n-1].Timestamp
}

// Recalibrate replaces the predicted curve. Anomaly tags on the input are
// ignored; predictions are never classified.
func (f *forecastStrategy) Recalibrate(predicted []ClassifiedDatapoint) error {
	if err := checkMinimum(f.cfg, len(predicted)); err != nil {
		return err
	}
	points, err := chronological(predicted)
	if err != nil {
		return err
	}
	curve := make([]Datapoint, len(points))
	for i, p := range points {
		curve[i] = p.Datapoint
	}
	f.predicted = curve
	return nil
}

func (f *forecastStrategy) Limits(p Datapoint) Bounds {
	exp, ok := f.expected(p.Timestamp)
	if !ok {
		if !f.Calibrated() {
			return Unbounded
		}
		return NoBounds
	}
	return Bounds{Lower: exp - f.cfg.Deviation, Upper: exp + f.cfg.Deviation}
}
