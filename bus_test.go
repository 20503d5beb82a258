package mingle

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestEventBusDispatchOrder(t *testing.T) {
	bus := NewEventBus(zerolog.Nop())

	var order []int
	bus.Subscribe("ev", func(string, json.RawMessage) { order = append(order, 1) })
	bus.Subscribe("ev", func(string, json.RawMessage) { order = append(order, 2) })
	bus.Subscribe("ev", func(string, json.RawMessage) { order = append(order, 3) })

	bus.Dispatch("ev", nil)

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("expected registration order 1,2,3, got %v", order)
	}
}

func TestEventBusCancelDuringDispatch(t *testing.T) {
	bus := NewEventBus(zerolog.Nop())

	var calls []string
	var second *Subscription
	bus.Subscribe("ev", func(string, json.RawMessage) {
		calls = append(calls, "first")
		second.Cancel()
	})
	second = bus.Subscribe("ev", func(string, json.RawMessage) {
		calls = append(calls, "second")
	})

	// The pass in which the cancel happens still delivers to everyone.
	bus.Dispatch("ev", nil)
	if len(calls) != 2 {
		t.Fatalf("expected both handlers in the same pass, got %v", calls)
	}

	// The next pass does not.
	bus.Dispatch("ev", nil)
	if len(calls) != 3 || calls[2] != "first" {
		t.Fatalf("expected only first handler after cancel, got %v", calls)
	}
}

func TestEventBusCancelTwice(t *testing.T) {
	bus := NewEventBus(zerolog.Nop())
	sub := bus.Subscribe("ev", func(string, json.RawMessage) {})
	sub.Cancel()
	sub.Cancel() // must not panic
}

func TestEventBusPanicIsolation(t *testing.T) {
	bus := NewEventBus(zerolog.Nop())

	delivered := false
	bus.Subscribe("ev", func(string, json.RawMessage) { panic("boom") })
	bus.Subscribe("ev", func(string, json.RawMessage) { delivered = true })

	bus.Dispatch("ev", nil)

	if !delivered {
		t.Fatal("panicking handler blocked delivery to the next handler")
	}
}

func TestEventBusTypeIsolation(t *testing.T) {
	bus := NewEventBus(zerolog.Nop())

	var got string
	bus.Subscribe("a", func(eventType string, _ json.RawMessage) { got = eventType })
	bus.Subscribe("b", func(string, json.RawMessage) { t.Fatal("wrong type delivered") })

	bus.Dispatch("a", nil)
	if got != "a" {
		t.Fatalf("expected handler for type a, got %q", got)
	}
}

func TestEventBusDropsMalformedFrames(t *testing.T) {
	bus := NewEventBus(zerolog.Nop())

	calls := 0
	bus.Subscribe(EventNewMessage, func(string, json.RawMessage) { calls++ })

	bus.DispatchRaw([]byte("{not json"))
	bus.DispatchRaw([]byte(`{"data":{"roomId":"a"}}`)) // missing type
	bus.DispatchRaw([]byte(`{"type":"","data":{}}`))

	if calls != 0 {
		t.Fatalf("malformed frames must not dispatch, got %d calls", calls)
	}

	bus.DispatchRaw([]byte(`{"type":"new_message","data":{"roomId":"a"}}`))
	if calls != 1 {
		t.Fatalf("well-formed frame after malformed ones must dispatch, got %d calls", calls)
	}
}
