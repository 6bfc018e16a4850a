package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_DeliversInRegistrationOrder(t *testing.T) {
	bus := NewBus()
	var order []string
	bus.Subscribe(0, func(Event) { order = append(order, "a") })
	bus.Subscribe(0, func(Event) { order = append(order, "b") })
	bus.Subscribe(0, func(Event) { order = append(order, "c") })

	bus.Publish(PlaybackStarted{})
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestBus_PriorityPreordersSubscribers(t *testing.T) {
	bus := NewBus()
	var order []string
	bus.Subscribe(5, func(Event) { order = append(order, "low") })
	bus.Subscribe(0, func(Event) { order = append(order, "high") })

	bus.Publish(PlaybackStarted{})
	assert.Equal(t, []string{"high", "low"}, order)
}

func TestBus_AllSubscribersSeeEveryEvent(t *testing.T) {
	bus := NewBus()
	var got []Event
	bus.Subscribe(0, func(e Event) { got = append(got, e) })

	bus.Publish(BufferLevelUpdated{BufferLevel: 12})
	bus.Publish(BufferTargetChanged{NewBufferTarget: 56})

	assert.Len(t, got, 2)
	level, ok := got[0].(BufferLevelUpdated)
	assert.True(t, ok)
	assert.Equal(t, 12.0, level.BufferLevel)
}

func TestBus_NestedPublishIsDelivered(t *testing.T) {
	bus := NewBus()
	var got []Event
	bus.Subscribe(0, func(e Event) {
		if _, ok := e.(PlaybackStarted); ok {
			bus.Publish(BufferLevelUpdated{BufferLevel: 1})
		}
	})
	bus.Subscribe(1, func(e Event) { got = append(got, e) })

	bus.Publish(PlaybackStarted{})
	assert.Len(t, got, 2)
}
