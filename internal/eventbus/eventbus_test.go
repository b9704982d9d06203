package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tamzrod/modbus-manager/internal/measurement"
)

func TestPublishDeliversToAllSubscribersInOrder(t *testing.T) {
	b := New(zerolog.Nop())

	var mu sync.Mutex
	var order []int

	b.Subscribe(func(measurement.Event) {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	})
	b.Subscribe(func(measurement.Event) {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
	})

	b.Publish(measurement.Event{DeviceID: "dev1", Timestamp: time.Now()})

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected subscribers invoked in subscription order, got %v", order)
	}
}

func TestPublishIsolatesPanickingSubscriber(t *testing.T) {
	b := New(zerolog.Nop())

	var secondCalled bool
	b.Subscribe(func(measurement.Event) { panic("boom") })
	b.Subscribe(func(measurement.Event) { secondCalled = true })

	b.Publish(measurement.Event{DeviceID: "dev1"})

	if !secondCalled {
		t.Fatal("expected the second subscriber to still be invoked after the first panicked")
	}
}

func TestHandleCloseUnsubscribes(t *testing.T) {
	b := New(zerolog.Nop())

	var calls int
	h := b.Subscribe(func(measurement.Event) { calls++ })
	b.Publish(measurement.Event{})
	h.Close()
	b.Publish(measurement.Event{})

	if calls != 1 {
		t.Fatalf("expected exactly 1 call after unsubscribe, got %d", calls)
	}
}

func TestSubscribeDuringPublishDoesNotRace(t *testing.T) {
	b := New(zerolog.Nop())

	b.Subscribe(func(measurement.Event) {
		b.Subscribe(func(measurement.Event) {})
	})

	// Must not deadlock or race; the newly added subscriber need not receive
	// this particular publish since the iteration snapshot is taken upfront.
	b.Publish(measurement.Event{})
	b.Publish(measurement.Event{})
}
