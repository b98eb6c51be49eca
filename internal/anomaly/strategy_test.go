package anomaly

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cfgFor(kind Kind, deviation float64) Configuration {
	return Configuration{
		Name:              string(kind) + "-test",
		Kind:              kind,
		Deviation:         deviation,
		MinimumDatapoints: 2,
		StalenessWindow:   time.Hour,
	}
}

func mustNew(t *testing.T, cfg Configuration) Strategy {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func valid(points ...[2]float64) []ClassifiedDatapoint {
	out := make([]ClassifiedDatapoint, len(points))
	for i, p := range points {
		out[i] = Classified(int64(p[0]), p[1], Valid)
	}
	return out
}

func TestColdStrategiesAcceptEverything(t *testing.T) {
	for _, kind := range []Kind{KindGlobal, KindChange, KindTimespan, KindForecast} {
		t.Run(string(kind), func(t *testing.T) {
			s := mustNew(t, cfgFor(kind, 0))
			assert.False(t, s.Calibrated())
			assert.False(t, s.IsCalibrationFresh(0))

			for i, v := range []float64{1, -1e9, 1e9, 0, math.MaxFloat64} {
				assert.True(t, s.Validate(v, int64(i)*1000), "value %g", v)
			}
		})
	}
}

func TestNewRejectsInvalidConfiguration(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Configuration)
	}{
		{"unknown kind", func(c *Configuration) { c.Kind = "seasonal" }},
		{"negative deviation", func(c *Configuration) { c.Deviation = -1 }},
		{"deviation above 100 percent", func(c *Configuration) { c.Deviation = 101 }},
		{"zero minimum datapoints", func(c *Configuration) { c.MinimumDatapoints = 0 }},
		{"zero staleness window", func(c *Configuration) { c.StalenessWindow = 0 }},
		{"alarm without severity", func(c *Configuration) { c.Alarm = &Alarm{Content: "x"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := cfgFor(KindGlobal, 10)
			tt.modify(&cfg)
			_, err := New(cfg)
			assert.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}

	// absolute deviation for forecasts may exceed 100
	_, err := New(cfgFor(KindForecast, 250))
	assert.NoError(t, err)
}

func TestRecalibrateInsufficientDataKeepsState(t *testing.T) {
	cfg := cfgFor(KindGlobal, 0)
	cfg.MinimumDatapoints = 3
	s := mustNew(t, cfg)

	err := s.Recalibrate(valid([2]float64{0, 10}, [2]float64{1, 20}))
	assert.ErrorIs(t, err, ErrInsufficientData)
	assert.False(t, s.Calibrated())

	require.NoError(t, s.Recalibrate(valid([2]float64{0, 10}, [2]float64{1, 20}, [2]float64{2, 15})))
	before := s.Limits(Datapoint{Timestamp: 3, Value: 15})

	assert.ErrorIs(t, s.Recalibrate(nil), ErrInsufficientData)
	assert.Equal(t, before, s.Limits(Datapoint{Timestamp: 4, Value: 15}))
}

func TestRecalibrateIsIdempotent(t *testing.T) {
	history := valid([2]float64{0, 3}, [2]float64{1000, 8}, [2]float64{3000, 4}, [2]float64{3500, 12})
	for _, kind := range []Kind{KindGlobal, KindChange, KindTimespan, KindForecast} {
		t.Run(string(kind), func(t *testing.T) {
			s := mustNew(t, cfgFor(kind, 10))
			require.NoError(t, s.Recalibrate(history))
			first := snapshot(s)
			require.NoError(t, s.Recalibrate(history))
			assert.Equal(t, first, snapshot(s))
		})
	}
}

func TestRecalibrateMalformedHistoryKeepsState(t *testing.T) {
	history := valid([2]float64{0, 3}, [2]float64{1000, 8}, [2]float64{3000, 4}, [2]float64{3500, 12})
	malformed := map[string][]ClassifiedDatapoint{
		"zig-zag timestamps":  valid([2]float64{0, 50}, [2]float64{2000, 90}, [2]float64{1000, 10}, [2]float64{3000, 70}),
		"duplicate timestamp": valid([2]float64{0, 50}, [2]float64{2000, 90}, [2]float64{2000, 10}, [2]float64{3000, 70}),
	}
	// Validate advances change and timespan state, so both strategies see
	// the same sequence
	verdicts := func(s Strategy) []bool {
		var out []bool
		for _, ts := range []int64{3600, 3700, 4000} {
			for _, v := range []float64{-100, 4, 9, 12, 1000} {
				out = append(out, s.Validate(v, ts))
				ts++
			}
		}
		return out
	}

	for _, kind := range []Kind{KindGlobal, KindChange, KindTimespan, KindForecast} {
		for name, bad := range malformed {
			t.Run(string(kind)+"/"+name, func(t *testing.T) {
				s := mustNew(t, cfgFor(kind, 10))
				reference := mustNew(t, cfgFor(kind, 10))
				require.NoError(t, s.Recalibrate(history))
				require.NoError(t, reference.Recalibrate(history))
				before := snapshot(s)

				assert.ErrorIs(t, s.Recalibrate(bad), ErrMalformedHistory)
				assert.Equal(t, before, snapshot(s))
				assert.True(t, s.Calibrated())
				assert.Equal(t, reference.IsCalibrationFresh(4000), s.IsCalibrationFresh(4000))
				assert.Equal(t, verdicts(reference), verdicts(s))
			})
		}
	}
}

// snapshot copies the concrete calibration state for comparison.
func snapshot(s Strategy) interface{} {
	switch v := s.(type) {
	case *globalStrategy:
		return *v
	case *changeStrategy:
		return *v
	case *timespanStrategy:
		return *v
	case *forecastStrategy:
		return append([]Datapoint(nil), v.predicted...)
	}
	return nil
}

func TestChronologicalAcceptsBothOrders(t *testing.T) {
	asc := valid([2]float64{1, 1}, [2]float64{2, 2}, [2]float64{3, 3})
	desc := valid([2]float64{3, 3}, [2]float64{2, 2}, [2]float64{1, 1})

	a, err := chronological(asc)
	require.NoError(t, err)
	d, err := chronological(desc)
	require.NoError(t, err)
	assert.Equal(t, a, d)
	assert.Equal(t, int64(3), desc[0].Timestamp, "input must not be reordered in place")
}

func TestChronologicalRejectsMalformedHistory(t *testing.T) {
	_, err := chronological(valid([2]float64{1, 1}, [2]float64{3, 3}, [2]float64{2, 2}))
	assert.ErrorIs(t, err, ErrMalformedHistory)

	_, err = chronological(valid([2]float64{1, 1}, [2]float64{1, 2}, [2]float64{2, 2}))
	assert.ErrorIs(t, err, ErrMalformedHistory)
}

func TestParseAnomalyType(t *testing.T) {
	got, err := ParseAnomalyType("GLOBAL_OUTLIER")
	require.NoError(t, err)
	assert.Equal(t, GlobalOutlier, got)
	assert.True(t, got.IsOutlier())
	assert.False(t, got.Trusted())

	got, err = ParseAnomalyType("")
	require.NoError(t, err)
	assert.Equal(t, Unchecked, got)

	_, err = ParseAnomalyType("MULTIPLE")
	assert.Error(t, err)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" Change ")
	require.NoError(t, err)
	assert.Equal(t, KindChange, k)
	assert.Equal(t, ContextualOutlier, k.OutlierType())

	_, err = ParseKind("zscore")
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}
