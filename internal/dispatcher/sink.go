package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/kubilitics/kubilitics-anomaly/internal/anomaly"
	"github.com/kubilitics/kubilitics-anomaly/internal/metrics"
)

// Classification is the outcome of classifying one reading.
type Classification struct {
	Ref           anomaly.AttributeRef        `json:"attribute"`
	Configuration anomaly.Configuration       `json:"configuration"`
	Datapoint     anomaly.ClassifiedDatapoint `json:"datapoint"`
}

// Sink receives every classification the dispatcher produces.
type Sink interface {
	Publish(ctx context.Context, c Classification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, c Classification) error

func (f SinkFunc) Publish(ctx context.Context, c Classification) error {
	return f(ctx, c)
}

// Discard drops classifications.
var Discard Sink = SinkFunc(func(context.Context, Classification) error { return nil })

// FanOut publishes to several named sinks in registration order. A failing
// sink does not stop the remaining ones.
type FanOut struct {
	names []string
	sinks []Sink
}

// NewFanOut creates an empty fan-out sink.
func NewFanOut() *FanOut {
	return &FanOut{}
}

// Add registers sink under name and returns f for chaining.
func (f *FanOut) Add(name string, sink Sink) *FanOut {
	f.names = append(f.names, name)
	f.sinks = append(f.sinks, sink)
	return f
}

func (f *FanOut) Publish(ctx context.Context, c Classification) error {
	var errs []error
	for i, sink := range f.sinks {
		if err := sink.Publish(ctx, c); err != nil {
			metrics.SinkErrorsTotal.WithLabelValues(f.names[i]).Inc()
			errs = append(errs, fmt.Errorf("%s: %w", f.names[i], err))
		}
	}
	return errors.Join(errs...)
}
