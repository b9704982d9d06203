// Package eventbus fans MeasurementEvents out to subscribers synchronously
// (spec §4.4).
package eventbus

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/tamzrod/modbus-manager/internal/measurement"
)

// Subscriber receives published events.
type Subscriber func(measurement.Event)

// Handle unsubscribes on Close. Closing an already-closed Handle is a no-op.
type Handle interface {
	Close()
}

// Bus fans out events to subscribers in subscription order. Publish blocks
// until every subscriber returns; a subscriber that panics is isolated so it
// cannot prevent the rest from receiving the event (spec §4.4, spec.md §9
// open question 1, resolved in SPEC_FULL §12 item 1).
type Bus struct {
	logger zerolog.Logger

	mu   sync.RWMutex
	subs []*subscription
	next uint64
}

type subscription struct {
	id  uint64
	fn  Subscriber
	bus *Bus
}

func (s *subscription) Close() {
	s.bus.remove(s.id)
}

// New constructs an empty Bus. logger may be the zero value (zerolog.Nop()).
func New(logger zerolog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe appends fn to the subscriber list and returns a Handle that
// removes it. Safe to call concurrently with Publish.
func (b *Bus) Subscribe(fn Subscriber) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	sub := &subscription{id: b.next, fn: fn, bus: b}
	b.subs = append(b.subs, sub)
	return sub
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish synchronously invokes each subscriber, in subscription order, with
// event. A snapshot of the subscriber list is taken under lock so a
// subscriber added or removed mid-publish does not race the iteration.
func (b *Bus) Publish(event measurement.Event) {
	b.mu.RLock()
	snapshot := make([]*subscription, len(b.subs))
	copy(snapshot, b.subs)
	b.mu.RUnlock()

	for _, s := range snapshot {
		b.invoke(s, event)
	}
}

func (b *Bus) invoke(s *subscription, event measurement.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn().
				Str("device", event.DeviceID).
				Interface("panic", r).
				Msg("eventbus subscriber panicked; continuing")
		}
	}()
	s.fn(event)
}
