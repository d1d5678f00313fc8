package tokenvault

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestEventBusStampsEvents(t *testing.T) {
	clock := newTestClock()
	bus := NewEventBus(WithNow(clock.Now))
	events := collect(bus)

	bus.Publish(Event{Type: EventCreated, TokenID: "tok-1"})
	stamped := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	bus.Publish(Event{ID: "fixed", Type: EventRevoked, Timestamp: stamped})

	got := events()
	require.Len(t, got, 2)
	assert.NotEmpty(t, got[0].ID)
	assert.Equal(t, clock.Now().UTC(), got[0].Timestamp)
	assert.Equal(t, "fixed", got[1].ID)
	assert.Equal(t, stamped, got[1].Timestamp)
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	count := 0
	unsubscribe := bus.Subscribe(func(Event) { count++ })

	bus.Publish(Event{Type: EventCreated})
	unsubscribe()
	unsubscribe()
	bus.Publish(Event{Type: EventCreated})

	assert.Equal(t, 1, count)
}

func TestEventBusRecoversHandlerPanic(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	bus := NewEventBus(WithLogger(zap.New(core)))
	events := collect(bus)
	bus.Subscribe(func(Event) { panic("boom") })

	assert.NotPanics(t, func() { bus.Publish(Event{Type: EventWarning}) })
	assert.Len(t, events(), 1)
	assert.Equal(t, 1, logs.FilterMessage("event handler panicked").Len())
}

func TestEventBusSubscribeChan(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	bus := NewEventBus(WithLogger(zap.New(core)))
	ch, unsubscribe := bus.SubscribeChan(2)

	for i := 0; i < 3; i++ {
		bus.Publish(Event{Type: EventValidated})
	}
	assert.Len(t, ch, 2)
	assert.Equal(t, 1, logs.FilterMessage("event dropped, subscriber channel full").Len())

	unsubscribe()
	unsubscribe()
	bus.Publish(Event{Type: EventValidated})

	var received int
	for range ch {
		received++
	}
	assert.Equal(t, 2, received)
}
