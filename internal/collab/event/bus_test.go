package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubscribeAndEmitOrder(t *testing.T) {
	bus := NewBus()

	var got []int
	bus.Subscribe("ev", func(any) { got = append(got, 1) })
	bus.Subscribe("ev", func(any) { got = append(got, 2) })
	bus.Subscribe("ev", func(any) { got = append(got, 3) })

	bus.Emit("ev", nil)
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()

	calls := 0
	off := bus.Subscribe("ev", func(any) { calls++ })

	bus.Emit("ev", nil)
	off()
	bus.Emit("ev", nil)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.Len("ev"))

	// 退订闭包多次调用应当安全。
	off()
}

func TestDuplicateHandlerUnsubscribesIndependently(t *testing.T) {
	bus := NewBus()

	calls := 0
	h := func(any) { calls++ }
	off1 := bus.Subscribe("ev", h)
	bus.Subscribe("ev", h)

	off1()
	bus.Emit("ev", nil)
	assert.Equal(t, 1, calls)
}

func TestEmitPassesData(t *testing.T) {
	bus := NewBus()

	var got any
	bus.Subscribe("ev", func(data any) { got = data })
	bus.Emit("ev", 42)
	assert.Equal(t, 42, got)
}

func TestPanicInHandlerDoesNotStopDelivery(t *testing.T) {
	bus := NewBus()

	calls := 0
	bus.Subscribe("ev", func(any) { panic("boom") })
	bus.Subscribe("ev", func(any) { calls++ })

	bus.Emit("ev", nil)
	assert.Equal(t, 1, calls)
}

func TestClear(t *testing.T) {
	bus := NewBus()

	calls := 0
	bus.Subscribe("ev", func(any) { calls++ })
	bus.Clear()
	bus.Emit("ev", nil)
	assert.Equal(t, 0, calls)
}
