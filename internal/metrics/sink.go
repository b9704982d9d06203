// Package metrics defines the MetricsSink boundary the connection manager and
// polling scheduler publish into (spec §6). A Sink is only ever asked to
// create named counters/timers tagged by device/endpoint; rendering those
// instruments as Prometheus text over HTTP is the out-of-scope external
// surface described in spec §1 — this package never opens a listener.
package metrics

import (
	"context"
	"time"
)

// Tag is a single string-valued metric tag, e.g. {Key: "device", Value: "plc-1"}.
type Tag struct {
	Key   string
	Value string
}

// Counter is a monotonically increasing named counter.
type Counter interface {
	Inc(ctx context.Context, tags ...Tag)
}

// Timer records durations for a named operation.
type Timer interface {
	Record(ctx context.Context, d time.Duration, tags ...Tag)
}

// Sink creates counters and timers. Implementations must be safe to call
// concurrently and safe to call repeatedly with the same name (idempotent
// instrument lookup), since both ConnectionManager and PollingScheduler create
// their metrics once at construction time but a process may construct many
// managers/schedulers sharing one Sink.
type Sink interface {
	Counter(name, description string) Counter
	Timer(name, description string) Timer
}

// Nop is a Sink that does nothing. Metrics are only instantiated if a Sink is
// configured (spec §4.3); callers that pass Nop get the same no-cost behavior
// as passing no sink at all in the Java original (`meterRegistry == null`).
var Nop Sink = nopSink{}

type nopSink struct{}

func (nopSink) Counter(string, string) Counter { return nopCounter{} }
func (nopSink) Timer(string, string) Timer     { return nopTimer{} }

type nopCounter struct{}

func (nopCounter) Inc(context.Context, ...Tag) {}

type nopTimer struct{}

func (nopTimer) Record(context.Context, time.Duration, ...Tag) {}
