package dispatcher_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-anomaly/internal/anomaly"
	"github.com/kubilitics/kubilitics-anomaly/internal/dispatcher"
	"github.com/kubilitics/kubilitics-anomaly/internal/timeseries"
)

func TestLimitSeriesReplaysHistory(t *testing.T) {
	ctx := context.Background()
	store := timeseries.NewStore(0)
	seed(t, store, pressure,
		anomaly.Classified(0, 10, anomaly.Valid),
		anomaly.Classified(1, 20, anomaly.Valid),
		anomaly.Classified(2, 15, anomaly.Valid),
		anomaly.Classified(3, 25, anomaly.Unchecked),
		anomaly.Classified(4, 19, anomaly.Unchecked),
	)
	d := newDispatcher(t, store)
	require.NoError(t, d.Configure(pressure, globalConfig()))

	series, err := d.LimitSeries(ctx, pressure, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, anomaly.KindGlobal, series.Kind)
	require.Len(t, series.Limits, 5)

	// not enough history before t=3 to calibrate
	for _, l := range series.Limits[:3] {
		assert.Nil(t, l.Lower)
		assert.Nil(t, l.Upper)
	}
	for _, l := range series.Limits[3:] {
		require.NotNil(t, l.Lower)
		require.NotNil(t, l.Upper)
		assert.InDelta(t, 9, *l.Lower, 0.001)
		assert.InDelta(t, 21, *l.Upper, 0.001)
	}
	assert.Equal(t, []anomaly.ClassifiedDatapoint{
		anomaly.Classified(3, 25, anomaly.GlobalOutlier),
	}, series.Anomalies)

	// the live strategy is left uncalibrated
	stale, err := d.NeedsRecalibration(pressure, 4)
	require.NoError(t, err)
	assert.True(t, stale)
}

func TestLimitSeriesTimespanReportsLateReadings(t *testing.T) {
	ctx := context.Background()
	store := timeseries.NewStore(0)
	minute := time.Minute.Milliseconds()
	for i := int64(0); i < 5; i++ {
		seed(t, store, pressure, anomaly.Classified(i*minute, 1, anomaly.Valid))
	}
	seed(t, store, pressure, anomaly.Classified(10*minute, 1, anomaly.Unchecked))

	d := newDispatcher(t, store)
	require.NoError(t, d.Configure(pressure, anomaly.Configuration{
		Kind:              anomaly.KindTimespan,
		MinimumDatapoints: 3,
		StalenessWindow:   time.Hour,
	}))

	series, err := d.LimitSeries(ctx, pressure, 0, 10*minute)
	require.NoError(t, err)
	require.Len(t, series.Limits, 6)
	for _, l := range series.Limits {
		assert.Nil(t, l.Lower)
		assert.Nil(t, l.Upper)
	}
	assert.Equal(t, []anomaly.ClassifiedDatapoint{
		anomaly.Classified(10*minute, 1, anomaly.TimespanOutlier),
	}, series.Anomalies)
}

func TestLimitSeriesRejectsInvertedRange(t *testing.T) {
	d := newDispatcher(t, timeseries.NewStore(0))
	require.NoError(t, d.Configure(pressure, globalConfig()))
	_, err := d.LimitSeries(context.Background(), pressure, 10, 0)
	assert.Error(t, err)
}

type countingStore struct {
	*timeseries.Store
	mu          sync.Mutex
	reads       int
	predictions int
}

func (c *countingStore) Datapoints(ctx context.Context, ref anomaly.AttributeRef, from, to int64) ([]anomaly.ClassifiedDatapoint, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	return c.Store.Datapoints(ctx, ref, from, to)
}

func (c *countingStore) PredictedDatapoints(ctx context.Context, ref anomaly.AttributeRef, from, to int64) ([]anomaly.ClassifiedDatapoint, error) {
	c.mu.Lock()
	c.predictions++
	c.mu.Unlock()
	return c.Store.PredictedDatapoints(ctx, ref, from, to)
}

func TestLimitSeriesReadsStoreOnce(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: timeseries.NewStore(0)}
	// too few readings to ever calibrate, so every point asks for a window
	for i := int64(0); i < 50; i++ {
		require.NoError(t, store.AppendDatapoint(ctx, pressure, anomaly.Classified(i, float64(i%7), anomaly.Valid)))
	}
	d, err := dispatcher.New(dispatcher.Options{History: store, Predictions: store})
	require.NoError(t, err)
	cfg := globalConfig()
	cfg.MinimumDatapoints = 100
	require.NoError(t, d.Configure(pressure, cfg))

	series, err := d.LimitSeries(ctx, pressure, 0, 49)
	require.NoError(t, err)
	assert.Len(t, series.Limits, 50)
	assert.Empty(t, series.Anomalies)
	assert.Equal(t, 1, store.reads)
	assert.Zero(t, store.predictions)
}

func TestLimitSeriesForecastReadsPredictionsOnce(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: timeseries.NewStore(0)}
	require.NoError(t, store.SavePredictions(ctx, pressure, []anomaly.Datapoint{
		{Timestamp: 0, Value: 10},
		{Timestamp: 100, Value: 20},
	}))
	for _, p := range []anomaly.ClassifiedDatapoint{
		anomaly.Classified(20, 12, anomaly.Valid),
		anomaly.Classified(50, 15.5, anomaly.Valid),
		anomaly.Classified(60, 25, anomaly.Unchecked),
	} {
		require.NoError(t, store.AppendDatapoint(ctx, pressure, p))
	}
	d, err := dispatcher.New(dispatcher.Options{History: store, Predictions: store})
	require.NoError(t, err)
	require.NoError(t, d.Configure(pressure, anomaly.Configuration{
		Kind:              anomaly.KindForecast,
		Deviation:         1,
		MinimumDatapoints: 2,
		StalenessWindow:   100 * time.Millisecond,
	}))

	series, err := d.LimitSeries(ctx, pressure, 0, 100)
	require.NoError(t, err)
	require.Len(t, series.Limits, 3)
	require.NotNil(t, series.Limits[1].Lower)
	assert.InDelta(t, 14, *series.Limits[1].Lower, 0.001)
	assert.InDelta(t, 16, *series.Limits[1].Upper, 0.001)
	assert.Equal(t, []anomaly.ClassifiedDatapoint{
		anomaly.Classified(60, 25, anomaly.ForecastOutlier),
	}, series.Anomalies)
	assert.Equal(t, 1, store.reads)
	assert.Equal(t, 1, store.predictions)
}
