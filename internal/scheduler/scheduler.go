// Package scheduler periodically refreshes the calibration of every
// configured attribute so that quiet attributes do not go stale between
// readings.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/kubilitics-anomaly/internal/anomaly"
	"github.com/kubilitics/kubilitics-anomaly/internal/metrics"
)

// Recalibrator is the part of the dispatcher the scheduler drives.
type Recalibrator interface {
	Attributes() []anomaly.AttributeRef
	NeedsRecalibration(ref anomaly.AttributeRef, latestTimestamp int64) (bool, error)
	Recalibrate(ctx context.Context, ref anomaly.AttributeRef, latestTimestamp int64) error
}

// Purger deletes readings older than a cutoff.
type Purger interface {
	PurgeDatapoints(ctx context.Context, before int64) (int64, error)
}

// Options configures a Scheduler.
type Options struct {
	Interval  time.Duration
	Workers   int
	Retention time.Duration // zero disables purging
	Purger    Purger
	Logger    *zap.Logger
	Now       func() time.Time
}

// Scheduler runs recalibration sweeps on a fixed interval.
type Scheduler struct {
	target Recalibrator
	opts   Options

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Scheduler over target.
func New(target Recalibrator, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		target: target,
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins background sweeps. The first sweep runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()

		s.Sweep(ctx)

		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the scheduler and waits for the running sweep to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// Sweep recalibrates every attribute whose calibration is stale, using at
// most Workers concurrent recalibrations. It returns the number of
// attributes recalibrated successfully.
func (s *Scheduler) Sweep(ctx context.Context) int {
	now := s.opts.Now()
	latest := now.UnixMilli()
	metrics.ScheduledRecalibrationRuns.Inc()

	var (
		mu        sync.Mutex
		refreshed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)

	for _, ref := range s.target.Attributes() {
		stale, err := s.target.NeedsRecalibration(ref, latest)
		if err != nil || !stale {
			continue // removed since listing, or still fresh
		}
		g.Go(func() error {
			if err := s.target.Recalibrate(gctx, ref, latest); err != nil {
				s.opts.Logger.Warn("Scheduled recalibration failed",
					zap.String("attribute", ref.String()),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			refreshed++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s.purge(ctx, now)

	s.opts.Logger.Debug("Recalibration sweep finished", zap.Int("recalibrated", refreshed))
	return refreshed
}

func (s *Scheduler) purge(ctx context.Context, now time.Time) {
	if s.opts.Purger == nil || s.opts.Retention <= 0 {
		return
	}
	cutoff := now.Add(-s.opts.Retention).UnixMilli()
	n, err := s.opts.Purger.PurgeDatapoints(ctx, cutoff)
	if err != nil {
		s.opts.Logger.Warn("Failed to purge old datapoints", zap.Error(err))
		return
	}
	if n > 0 {
		s.opts.Logger.Info("Purged old datapoints", zap.Int64("rows", n))
	}
}
