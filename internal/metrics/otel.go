package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OtelSink backs Sink with the stable go.opentelemetry.io/otel/metric API,
// following the same instrument-caching idiom carverauto-serviceradar uses in
// pkg/identitymap/metrics.go: instruments are created once per name and
// reused, guarded by a mutex rather than the caller having to remember to.
type OtelSink struct {
	meter metric.Meter

	mu       sync.Mutex
	counters map[string]metric.Int64Counter
	timers   map[string]metric.Float64Histogram
}

// NewOtelSink builds a Sink backed by the given meter, typically obtained via
// meterProvider.Meter("modbus-manager") as in cmd/modbusd.
func NewOtelSink(meter metric.Meter) *OtelSink {
	return &OtelSink{
		meter:    meter,
		counters: make(map[string]metric.Int64Counter),
		timers:   make(map[string]metric.Float64Histogram),
	}
}

func (s *OtelSink) Counter(name, description string) Counter {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[name]
	if !ok {
		var err error
		c, err = s.meter.Int64Counter(name, metric.WithDescription(description))
		if err != nil {
			return nopCounter{}
		}
		s.counters[name] = c
	}
	return otelCounter{c: c}
}

func (s *OtelSink) Timer(name, description string) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.timers[name]
	if !ok {
		var err error
		h, err = s.meter.Float64Histogram(name,
			metric.WithDescription(description),
			metric.WithUnit("s"),
		)
		if err != nil {
			return nopTimer{}
		}
		s.timers[name] = h
	}
	return otelTimer{h: h}
}

type otelCounter struct{ c metric.Int64Counter }

func (o otelCounter) Inc(ctx context.Context, tags ...Tag) {
	o.c.Add(ctx, 1, metric.WithAttributes(toAttributes(tags)...))
}

type otelTimer struct{ h metric.Float64Histogram }

func (o otelTimer) Record(ctx context.Context, d time.Duration, tags ...Tag) {
	o.h.Record(ctx, d.Seconds(), metric.WithAttributes(toAttributes(tags)...))
}

func toAttributes(tags []Tag) []attribute.KeyValue {
	if len(tags) == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, len(tags))
	for i, t := range tags {
		out[i] = attribute.String(t.Key, t.Value)
	}
	return out
}
