package anomaly

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobalScenario(t *testing.T) {
	s := mustNew(t, Configuration{
		Kind:              KindGlobal,
		Deviation:         10,
		MinimumDatapoints: 3,
		StalenessWindow:   time.Hour,
	})
	require.NoError(t, s.Recalibrate(valid([2]float64{0, 10}, [2]float64{1, 20}, [2]float64{2, 15})))

	// 25 > 20 + 10% of (20-10)
	assert.False(t, s.Validate(25, 3))
	assert.True(t, s.Validate(19, 3))
}

func TestGlobalBoundsThemselvesAreAccepted(t *testing.T) {
	for _, deviation := range []float64{0, 5, 50} {
		s := mustNew(t, cfgFor(KindGlobal, deviation))
		require.NoError(t, s.Recalibrate(valid([2]float64{0, -4}, [2]float64{1, 7}, [2]float64{2, 3})))
		assert.True(t, s.Validate(-4, 5), "min with deviation %g", deviation)
		assert.True(t, s.Validate(7, 6), "max with deviation %g", deviation)
	}
}

func TestGlobalZeroWidthBand(t *testing.T) {
	s := mustNew(t, cfgFor(KindGlobal, 100))
	require.NoError(t, s.Recalibrate(valid([2]float64{0, 5}, [2]float64{1, 5})))

	b := s.Limits(Datapoint{Timestamp: 2, Value: 5})
	assert.InDelta(t, 5-epsilon, b.Lower, 1e-12)
	assert.InDelta(t, 5+epsilon, b.Upper, 1e-12)
	assert.False(t, s.Validate(5.01, 3))
}

func TestGlobalRecalibrateIgnoresOutliers(t *testing.T) {
	s := mustNew(t, cfgFor(KindGlobal, 0))
	history := []ClassifiedDatapoint{
		Classified(0, 10, Valid),
		Classified(1, 1000, GlobalOutlier),
		Classified(2, 20, Unchecked),
		Classified(3, -500, ContextualOutlier),
	}
	require.NoError(t, s.Recalibrate(history))

	b := s.Limits(Datapoint{Timestamp: 4, Value: 15})
	assert.Equal(t, 10.0, b.Lower)
	assert.Equal(t, 20.0, b.Upper)
}

func TestGlobalRecalibrateOnlyOutliersIsInsufficient(t *testing.T) {
	s := mustNew(t, cfgFor(KindGlobal, 0))
	err := s.Recalibrate([]ClassifiedDatapoint{
		Classified(0, 10, GlobalOutlier),
		Classified(1, 11, GlobalOutlier),
	})
	assert.ErrorIs(t, err, ErrInsufficientData)
	assert.False(t, s.Calibrated())
}

func TestGlobalValidateExtendsBounds(t *testing.T) {
	s := mustNew(t, cfgFor(KindGlobal, 50))
	require.NoError(t, s.Recalibrate(valid([2]float64{0, 10}, [2]float64{1, 20})))

	// band is [5, 25]; 24 is accepted and becomes the new max
	assert.True(t, s.Validate(24, 2))
	b := s.Limits(Datapoint{Timestamp: 3, Value: 15})
	assert.InDelta(t, 24+(14+epsilon)*0.5, b.Upper, 1e-9)

	// rejected values never move the bounds
	assert.False(t, s.Validate(1000, 4))
	assert.Equal(t, b, s.Limits(Datapoint{Timestamp: 5, Value: 15}))
}

func TestGlobalFreshness(t *testing.T) {
	cfg := cfgFor(KindGlobal, 10)
	cfg.StalenessWindow = time.Minute
	s := mustNew(t, cfg)

	require.NoError(t, s.Recalibrate(valid([2]float64{0, 1}, [2]float64{30_000, 2})))
	assert.True(t, s.IsCalibrationFresh(60_000))
	// min timestamp (0) ages out first
	assert.False(t, s.IsCalibrationFresh(60_001))

	// an equal value refreshes the supporting timestamp
	assert.True(t, s.Validate(1, 60_001))
	assert.True(t, s.IsCalibrationFresh(90_000))
}

func TestGlobalColdLimitsAreUnbounded(t *testing.T) {
	s := mustNew(t, cfgFor(KindGlobal, 10))
	b := s.Limits(Datapoint{Timestamp: 0, Value: 1})
	assert.True(t, math.IsInf(b.Lower, -1))
	assert.True(t, math.IsInf(b.Upper, 1))
	assert.False(t, s.Calibrated(), "limits on a cold strategy must not calibrate it")
}

func TestGlobalLimitsFoldsLikeValidate(t *testing.T) {
	a := mustNew(t, cfgFor(KindGlobal, 20))
	b := mustNew(t, cfgFor(KindGlobal, 20))
	history := valid([2]float64{0, 10}, [2]float64{1, 20})
	require.NoError(t, a.Recalibrate(history))
	require.NoError(t, b.Recalibrate(history))

	a.Validate(21, 2)
	b.Limits(Datapoint{Timestamp: 2, Value: 21})
	assert.Equal(t, snapshot(a), snapshot(b))
}
