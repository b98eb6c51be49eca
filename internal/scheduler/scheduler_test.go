package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-anomaly/internal/anomaly"
)

type fakeTarget struct {
	mu       sync.Mutex
	refs     []anomaly.AttributeRef
	stale    map[anomaly.AttributeRef]bool
	failing  map[anomaly.AttributeRef]bool
	calls    []anomaly.AttributeRef
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (f *fakeTarget) Attributes() []anomaly.AttributeRef { return f.refs }

func (f *fakeTarget) NeedsRecalibration(ref anomaly.AttributeRef, _ int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stale[ref], nil
}

func (f *fakeTarget) Recalibrate(_ context.Context, ref anomaly.AttributeRef, _ int64) error {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(f.delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ref)
	if f.failing[ref] {
		return errors.New("history unavailable")
	}
	f.stale[ref] = false
	return nil
}

func refs(n int) []anomaly.AttributeRef {
	out := make([]anomaly.AttributeRef, n)
	for i := range out {
		out[i] = anomaly.AttributeRef{AssetID: "asset", Name: string(rune('a' + i))}
	}
	return out
}

func TestSweepRecalibratesOnlyStaleAttributes(t *testing.T) {
	all := refs(3)
	target := &fakeTarget{
		refs:  all,
		stale: map[anomaly.AttributeRef]bool{all[0]: true, all[2]: true},
	}
	s := New(target, Options{Workers: 2})

	assert.Equal(t, 2, s.Sweep(context.Background()))
	assert.ElementsMatch(t, []anomaly.AttributeRef{all[0], all[2]}, target.calls)

	// fresh now
	assert.Equal(t, 0, s.Sweep(context.Background()))
	assert.Len(t, target.calls, 2)
}

func TestSweepContinuesPastFailures(t *testing.T) {
	all := refs(2)
	target := &fakeTarget{
		refs:    all,
		stale:   map[anomaly.AttributeRef]bool{all[0]: true, all[1]: true},
		failing: map[anomaly.AttributeRef]bool{all[0]: true},
	}
	s := New(target, Options{})

	assert.Equal(t, 1, s.Sweep(context.Background()))
	assert.Len(t, target.calls, 2)
}

func TestSweepBoundsConcurrency(t *testing.T) {
	all := refs(8)
	stale := map[anomaly.AttributeRef]bool{}
	for _, r := range all {
		stale[r] = true
	}
	target := &fakeTarget{refs: all, stale: stale, delay: 20 * time.Millisecond}
	s := New(target, Options{Workers: 3})

	assert.Equal(t, 8, s.Sweep(context.Background()))
	assert.LessOrEqual(t, target.peak.Load(), int32(3))
}

type fakePurger struct {
	before int64
}

func (p *fakePurger) PurgeDatapoints(_ context.Context, before int64) (int64, error) {
	p.before = before
	return 4, nil
}

func TestSweepPurgesExpiredReadings(t *testing.T) {
	now := time.UnixMilli(10 * 24 * 3600 * 1000)
	purger := &fakePurger{}
	s := New(&fakeTarget{}, Options{
		Retention: 24 * time.Hour,
		Purger:    purger,
		Now:       func() time.Time { return now },
	})

	s.Sweep(context.Background())
	assert.Equal(t, now.Add(-24*time.Hour).UnixMilli(), purger.before)
}

func TestStartAndStop(t *testing.T) {
	all := refs(1)
	target := &fakeTarget{refs: all, stale: map[anomaly.AttributeRef]bool{all[0]: true}}
	s := New(target, Options{Interval: 10 * time.Millisecond})

	s.Start(context.Background())
	require.Eventually(t, func() bool {
		target.mu.Lock()
		defer target.mu.Unlock()
		return len(target.calls) == 1
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
}
