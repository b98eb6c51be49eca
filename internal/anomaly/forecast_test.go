package anomaly

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForecastInterpolation(t *testing.T) {
	s := mustNew(t, cfgFor(KindForecast, 1))
	require.NoError(t, s.Recalibrate(valid([2]float64{0, 10}, [2]float64{100, 20})))

	assert.True(t, s.Validate(15.5, 50))
	assert.False(t, s.Validate(20, 50))
}

func TestForecastExactAndEdgeTimestamps(t *testing.T) {
	s := mustNew(t, cfgFor(KindForecast, 0.5))
	// descending input is accepted
	require.NoError(t, s.Recalibrate(valid([2]float64{200, 0}, [2]float64{100, 20}, [2]float64{0, 10})))

	assert.True(t, s.Validate(20, 100))
	assert.True(t, s.Validate(10.4, 0))
	assert.True(t, s.Validate(10, 150))
	assert.False(t, s.Validate(0, 150))
}

func TestForecastOutsideSpanIsAccepted(t *testing.T) {
	s := mustNew(t, cfgFor(KindForecast, 1))
	require.NoError(t, s.Recalibrate(valid([2]float64{0, 10}, [2]float64{100, 20})))

	assert.True(t, s.Validate(1e6, 101))
	assert.True(t, s.Limits(Datapoint{Timestamp: 101, Value: 0}).Empty())
}

func TestForecastFreshness(t *testing.T) {
	s := mustNew(t, cfgFor(KindForecast, 1))
	assert.False(t, s.IsCalibrationFresh(0))
	require.NoError(t, s.Recalibrate(valid([2]float64{0, 10}, [2]float64{100, 20})))

	assert.True(t, s.IsCalibrationFresh(0))
	assert.True(t, s.IsCalibrationFresh(100))
	assert.False(t, s.IsCalibrationFresh(101))
	assert.False(t, s.IsCalibrationFresh(-1))
}

func TestForecastValidateNeverMutates(t *testing.T) {
	s := mustNew(t, cfgFor(KindForecast, 1))
	require.NoError(t, s.Recalibrate(valid([2]float64{0, 10}, [2]float64{100, 20})))
	before := snapshot(s)

	s.Validate(15, 50)
	s.Validate(99, 50)
	b := s.Limits(Datapoint{Timestamp: 50, Value: 15})
	assert.Equal(t, Bounds{Lower: 14, Upper: 16}, b)
	assert.Equal(t, before, snapshot(s))
}

func TestForecastRecalibrateReplacesCurve(t *testing.T) {
	s := mustNew(t, cfgFor(KindForecast, 1))
	require.NoError(t, s.Recalibrate(valid([2]float64{0, 10}, [2]float64{100, 20})))
	require.NoError(t, s.Recalibrate(valid([2]float64{1000, 0}, [2]float64{1100, 0})))

	assert.False(t, s.IsCalibrationFresh(50))
	assert.True(t, s.Validate(1000, 50))
	assert.False(t, s.Validate(5, 1050))
}
