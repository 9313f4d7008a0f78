package events

import (
	"sync"
	"testing"
	"time"

	"imagery-timeloop/internal/overlay"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var got []int
	bus.Subscribe(func(ev overlay.Event) {
		mu.Lock()
		got = append(got, ev.Current)
		mu.Unlock()
	})

	for i := 0; i < 100; i++ {
		bus.Publish(overlay.Progress(i, 100))
	}
	bus.Close()

	if len(got) != 100 {
		t.Fatalf("delivered %d events, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("event %d has Current %d", i, v)
		}
	}
}

func TestBusCancel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	calls := make(chan overlay.Event, 10)
	cancel := bus.Subscribe(func(ev overlay.Event) { calls <- ev })
	bus.Publish(overlay.Progress(1, 2))

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	cancel()
	cancel()
	bus.Publish(overlay.Progress(2, 2))

	marker := make(chan struct{})
	bus.Subscribe(func(ev overlay.Event) {
		if ev.Total == 0 {
			close(marker)
		}
	})
	bus.Publish(overlay.Progress(0, 0))
	<-marker

	select {
	case ev := <-calls:
		t.Fatalf("cancelled handler received %+v", ev)
	default:
	}
}

func TestBusHandlerMayPublish(t *testing.T) {
	bus := NewBus()
	done := make(chan struct{})
	bus.Subscribe(func(ev overlay.Event) {
		if ev.Current == 0 {
			bus.Publish(overlay.Progress(1, 1))
			return
		}
		close(done)
	})
	bus.Publish(overlay.Progress(0, 1))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("re-entrant publish was not delivered")
	}
	bus.Close()
	bus.Publish(overlay.Progress(5, 5))
}
