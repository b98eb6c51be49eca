package anomaly

import "math"

// timespanStrategy flags readings that arrive after an abnormally long gap.
//
// Gaps shorter than anything seen before are accepted; only the upper bound
// is enforced.
type timespanStrategy struct {
	cfg        Configuration
	calibrated bool

	shortestGap          int64
	shortestGapTimestamp int64
	longestGap           int64
	longestGapTimestamp  int64

	hasPrevious       bool
	previousTimestamp int64
}

func newTimespan(cfg Configuration) *timespanStrategy {
	return &timespanStrategy{
		cfg:         cfg,
		shortestGap: math.MaxInt64,
		longestGap:  0,
	}
}

func (t *timespanStrategy) Config() Configuration { return t.cfg }

func (t *timespanStrategy) Calibrated() bool { return t.calibrated }

func (t *timespanStrategy) maxGap() float64 {
	offset := float64(t.longestGap-t.shortestGap+1) * t.cfg.deviationRatio()
	return float64(t.longestGap) + math.Abs(offset)
}

func (t *timespanStrategy) Validate(_ float64, timestamp int64) bool {
	valid := true
	if t.calibrated && t.hasPrevious {
		gap := timestamp - t.previousTimestamp
		valid = float64(gap) <= t.maxGap()
		if valid {
			t.extend(gap, timestamp)
		}
	}
	t.previousTimestamp = timestamp
	t.hasPrevious = true
	return valid
}

func (t *timespanStrategy) extend(gap, timestamp int64) {
	if gap <= t.shortestGap {
		t.shortestGap = gap
		t.shortestGapTimestamp = timestamp
	}
	if gap >= t.longestGap {
		t.longestGap = gap
		t.longestGapTimestamp = timestamp
	}
}

func (t *timespanStrategy) IsCalibrationFresh(latestTimestamp int64) bool {
	if !t.calibrated {
		return false
	}
	cutoff := latestTimestamp - t.cfg.windowMillis()
	return t.shortestGapTimestamp >= cutoff && t.longestGapTimestamp >= cutoff
}

func (t *timespanStrategy) Recalibrate(history []ClassifiedDatapoint) error {
	if err := checkMinimum(t.cfg, len(history)); err != nil {
		return err
	}
	points, err := chronological(history)
	if err != nil {
		return err
	}

	next := newTimespan(t.cfg)
	gaps := 0
	for i := 1; i < len(points); i++ {
		prev, cur := points[i-1], points[i]
		if !prev.AnomalyType.Trusted() || !cur.AnomalyType.Trusted() {
			continue
		}
		gaps++
		next.extend(cur.Timestamp-prev.Timestamp, cur.Timestamp)
	}
	if gaps == 0 {
		return checkMinimum(t.cfg, 0)
	}
	next.previousTimestamp = points[len(points)-1].Timestamp
	next.hasPrevious = true
	next.calibrated = true
	*t = *next
	return nil
}

// Limits has no value interval for this strategy and leaves state untouched.
func (t *timespanStrategy) Limits(Datapoint) Bounds {
	return NoBounds
}
