package events

import "sort"

// Handler receives events. Handlers run synchronously on the publisher's
// goroutine, so subscribers must not block.
type Handler func(Event)

type subscriber struct {
	priority int
	order    int
	handler  Handler
}

// Bus delivers events to subscribers in priority order (lower first),
// falling back to registration order for equal priorities. Components
// subscribe at construction time; the subscriber list is not mutated while
// the core is running.
type Bus struct {
	subscribers []subscriber
	nextOrder   int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler with the given priority. The priority is
// only used to pre-order the subscriber list.
func (b *Bus) Subscribe(priority int, h Handler) {
	b.subscribers = append(b.subscribers, subscriber{
		priority: priority,
		order:    b.nextOrder,
		handler:  h,
	})
	b.nextOrder++
	sort.SliceStable(b.subscribers, func(i, j int) bool {
		if b.subscribers[i].priority != b.subscribers[j].priority {
			return b.subscribers[i].priority < b.subscribers[j].priority
		}
		return b.subscribers[i].order < b.subscribers[j].order
	})
}

// Publish delivers e to every subscriber on the calling goroutine.
func (b *Bus) Publish(e Event) {
	for _, s := range b.subscribers {
		s.handler(e)
	}
}
