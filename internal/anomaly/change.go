package anomaly

import "math"

// changeStrategy flags abnormal steps between consecutive readings.
type changeStrategy struct {
	cfg        Configuration
	calibrated bool

	smallestIncrease          float64
	smallestIncreaseTimestamp int64
	biggestIncrease           float64
	biggestIncreaseTimestamp  int64

	hasPrevious            bool
	previousValue          float64
	previousValueTimestamp int64
}

func newChange(cfg Configuration) *changeStrategy {
	return &changeStrategy{
		cfg:              cfg,
		smallestIncrease: math.Inf(1),
		biggestIncrease:  math.Inf(-1),
	}
}

func (c *changeStrategy) Config() Configuration { return c.cfg }

func (c *changeStrategy) Calibrated() bool { return c.calibrated }

// increaseBounds is the accepted interval for the step itself.
func (c *changeStrategy) increaseBounds() Bounds {
	offset := (c.biggestIncrease - c.smallestIncrease + epsilon) * c.cfg.deviationRatio()
	return Bounds{Lower: c.smallestIncrease - offset, Upper: c.biggestIncrease + offset}
}

// Validate always advances the previous value, even for rejected points, so a
// single bad reading cannot freeze the baseline.
func (c *changeStrategy) Validate(value float64, timestamp int64) bool {
	valid := true
	if c.calibrated && c.hasPrevious {
		increase := value - c.previousValue
		valid = c.increaseBounds().Contains(increase)
		if valid {
			c.extend(increase, timestamp)
		}
	}
	c.previousValue = value
	c.previousValueTimestamp = timestamp
	c.hasPrevious = true
	return valid
}

func (c *changeStrategy) extend(increase float64, timestamp int64) {
	if increase <= c.smallestIncrease {
		c.smallestIncrease = increase
		c.smallestIncreaseTimestamp = timestamp
	}
	if increase >= c.biggestIncrease {
		c.biggestIncrease = increase
		c.biggestIncreaseTimestamp = timestamp
	}
}

func (c *changeStrategy) IsCalibrationFresh(latestTimestamp int64) bool {
	if !c.calibrated {
		return false
	}
	cutoff := latestTimestamp - c.cfg.windowMillis()
	return c.smallestIncreaseTimestamp >= cutoff && c.biggestIncreaseTimestamp >= cutoff
}

func (c *changeStrategy) Recalibrate(history []ClassifiedDatapoint) error {
	if err := checkMinimum(c.cfg, len(history)); err != nil {
		return err
	}
	points, err := chronological(history)
	if err != nil {
		return err
	}

	next := newChange(c.cfg)
	pairs := 0
	for i := 1; i < len(points); i++ {
		prev, cur := points[i-1], points[i]
		if !prev.AnomalyType.Trusted() || !cur.AnomalyType.Trusted() {
			continue
		}
		pairs++
		next.extend(cur.Value-prev.Value, cur.Timestamp)
	}
	if pairs == 0 {
		return checkMinimum(c.cfg, 0)
	}

	latest := points[len(points)-1]
	next.previousValue = latest.Value
	next.previousValueTimestamp = latest.Timestamp
	next.hasPrevious = true
	next.calibrated = true
	*c = *next
	return nil
}

// Limits is expressed in value space: previous value plus the accepted step.
func (c *changeStrategy) Limits(p Datapoint) Bounds {
	b := Unbounded
	if c.calibrated && c.hasPrevious {
		step := c.increaseBounds()
		b = Bounds{Lower: c.previousValue + step.Lower, Upper: c.previousValue + step.Upper}
	}
	c.Validate(p.Value, p.Timestamp)
	return b
}
