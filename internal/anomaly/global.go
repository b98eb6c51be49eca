package anomaly

import "math"

// globalStrategy flags values outside the observed [min, max] range.
type globalStrategy struct {
	cfg        Configuration
	calibrated bool

	minValue          float64
	minValueTimestamp int64
	maxValue          float64
	maxValueTimestamp int64
}

func newGlobal(cfg Configuration) *globalStrategy {
	return &globalStrategy{
		cfg:      cfg,
		minValue: math.Inf(1),
		maxValue: math.Inf(-1),
	}
}

func (g *globalStrategy) Config() Configuration { return g.cfg }

func (g *globalStrategy) Calibrated() bool { return g.calibrated }

func (g *globalStrategy) bounds() Bounds {
	if !g.calibrated {
		return Unbounded
	}
	offset := (g.maxValue - g.minValue + epsilon) * g.cfg.deviationRatio()
	return Bounds{Lower: g.minValue - offset, Upper: g.maxValue + offset}
}

func (g *globalStrategy) Validate(value float64, timestamp int64) bool {
	if !g.calibrated {
		return true
	}
	if !g.bounds().Contains(value) {
		return false
	}
	g.extend(value, timestamp)
	return true
}

func (g *globalStrategy) extend(value float64, timestamp int64) {
	if value >= g.maxValue {
		g.maxValue = value
		g.maxValueTimestamp = timestamp
	}
	if value <= g.minValue {
		g.minValue = value
		g.minValueTimestamp = timestamp
	}
}

func (g *globalStrategy) IsCalibrationFresh(latestTimestamp int64) bool {
	if !g.calibrated {
		return false
	}
	cutoff := latestTimestamp - g.cfg.windowMillis()
	return g.minValueTimestamp >= cutoff && g.maxValueTimestamp >= cutoff
}

func (g *globalStrategy) Recalibrate(history []ClassifiedDatapoint) error {
	if err := checkMinimum(g.cfg, len(history)); err != nil {
		return err
	}

	next := newGlobal(g.cfg)
	trusted := 0
	for _, dp := range history {
		if !dp.AnomalyType.Trusted() {
			continue
		}
		trusted++
		next.extend(dp.Value, dp.Timestamp)
	}
	if trusted == 0 {
		return checkMinimum(g.cfg, 0)
	}

	next.calibrated = true
	*g = *next
	return nil
}

func (g *globalStrategy) Limits(p Datapoint) Bounds {
	b := g.bounds()
	g.Validate(p.Value, p.Timestamp)
	return b
}
