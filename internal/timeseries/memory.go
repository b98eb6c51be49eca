// Package timeseries is an in-memory datapoint and prediction store.
//
// It backs the dispatcher when no database is configured and in tests.
package timeseries

import (
	"context"
	"sort"
	"sync"

	"github.com/kubilitics/kubilitics-anomaly/internal/anomaly"
	"github.com/kubilitics/kubilitics-anomaly/internal/dispatcher"
)

// DefaultCapacity is the number of readings kept per attribute:
// 24h of 15-second samples.
const DefaultCapacity = 5760

// ringBuffer is a fixed-capacity circular buffer ordered by timestamp.
type ringBuffer struct {
	data     []anomaly.ClassifiedDatapoint
	head     int
	size     int
	capacity int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{
		data:     make([]anomaly.ClassifiedDatapoint, capacity),
		capacity: capacity,
	}
}

func (rb *ringBuffer) at(i int) *anomaly.ClassifiedDatapoint {
	return &rb.data[(rb.head+i)%rb.capacity]
}

func (rb *ringBuffer) push(p anomaly.ClassifiedDatapoint) {
	idx := (rb.head + rb.size) % rb.capacity
	rb.data[idx] = p
	if rb.size < rb.capacity {
		rb.size++
	} else {
		rb.head = (rb.head + 1) % rb.capacity
	}
}

// upsert replaces the point with the same timestamp or inserts p in order.
// When full, the oldest point is evicted.
func (rb *ringBuffer) upsert(p anomaly.ClassifiedDatapoint) {
	i := sort.Search(rb.size, func(i int) bool { return rb.at(i).Timestamp >= p.Timestamp })
	switch {
	case i < rb.size && rb.at(i).Timestamp == p.Timestamp:
		*rb.at(i) = p
	case i == rb.size:
		rb.push(p)
	default:
		points := rb.slice()
		points = append(points[:i], append([]anomaly.ClassifiedDatapoint{p}, points[i:]...)...)
		rb.head, rb.size = 0, 0
		for _, q := range points {
			rb.push(q)
		}
	}
}

// slice returns all points in chronological order.
func (rb *ringBuffer) slice() []anomaly.ClassifiedDatapoint {
	out := make([]anomaly.ClassifiedDatapoint, rb.size)
	for i := 0; i < rb.size; i++ {
		out[i] = *rb.at(i)
	}
	return out
}

// newestFirst returns the points in [from, to], newest first.
func (rb *ringBuffer) newestFirst(from, to int64) []anomaly.ClassifiedDatapoint {
	out := []anomaly.ClassifiedDatapoint{}
	for i := rb.size - 1; i >= 0; i-- {
		p := rb.at(i)
		if p.Timestamp < from {
			break
		}
		if p.Timestamp <= to {
			out = append(out, *p)
		}
	}
	return out
}

// Store keeps classified readings and predictions per attribute.
type Store struct {
	mu          sync.RWMutex
	series      map[anomaly.AttributeRef]*ringBuffer
	predictions map[anomaly.AttributeRef]*ringBuffer
	capacity    int
}

// NewStore creates a store keeping at most capacity readings and capacity
// predictions per attribute. Non-positive capacity means DefaultCapacity.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		series:      make(map[anomaly.AttributeRef]*ringBuffer),
		predictions: make(map[anomaly.AttributeRef]*ringBuffer),
		capacity:    capacity,
	}
}

func (s *Store) getOrCreate(m map[anomaly.AttributeRef]*ringBuffer, ref anomaly.AttributeRef) *ringBuffer {
	if rb, ok := m[ref]; ok {
		return rb
	}
	rb := newRingBuffer(s.capacity)
	m[ref] = rb
	return rb
}

// AppendDatapoint stores a reading, replacing any reading with the same timestamp.
func (s *Store) AppendDatapoint(_ context.Context, ref anomaly.AttributeRef, p anomaly.ClassifiedDatapoint) error {
	s.mu.Lock()
	s.getOrCreate(s.series, ref).upsert(p)
	s.mu.Unlock()
	return nil
}

// Datapoints returns the readings of ref in [from, to], newest first.
func (s *Store) Datapoints(_ context.Context, ref anomaly.AttributeRef, from, to int64) ([]anomaly.ClassifiedDatapoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rb, ok := s.series[ref]
	if !ok {
		return []anomaly.ClassifiedDatapoint{}, nil
	}
	return rb.newestFirst(from, to), nil
}

// SavePredictions merges predicted points into the prediction series of ref.
// A prediction with an existing timestamp replaces the old one.
func (s *Store) SavePredictions(_ context.Context, ref anomaly.AttributeRef, points []anomaly.Datapoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rb := s.getOrCreate(s.predictions, ref)
	for _, p := range points {
		rb.upsert(anomaly.ClassifiedDatapoint{Datapoint: p, AnomalyType: anomaly.Unchecked})
	}
	return nil
}

// PredictedDatapoints returns the predictions of ref in [from, to], newest first.
func (s *Store) PredictedDatapoints(_ context.Context, ref anomaly.AttributeRef, from, to int64) ([]anomaly.ClassifiedDatapoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rb, ok := s.predictions[ref]
	if !ok {
		return []anomaly.ClassifiedDatapoint{}, nil
	}
	return rb.newestFirst(from, to), nil
}

// Publish records a classification so later history reads carry its tag.
func (s *Store) Publish(ctx context.Context, c dispatcher.Classification) error {
	return s.AppendDatapoint(ctx, c.Ref, c.Datapoint)
}

// Attributes returns the attributes with stored readings.
func (s *Store) Attributes() []anomaly.AttributeRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := make([]anomaly.AttributeRef, 0, len(s.series))
	for ref := range s.series {
		refs = append(refs, ref)
	}
	return refs
}
