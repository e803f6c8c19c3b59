package peer

import (
	"sync"
)

// defaultReplayBuffer is how many recent events a new subscriber is caught
// up with.
const defaultReplayBuffer = 16

// EventBus is a broadcast channel of domain events with a small replay
// buffer. Subscribers that stop draining exert backpressure only on their
// own buffered channel; the bus never blocks the orchestrator.
type EventBus struct {
	mtx sync.Mutex

	// replay is a ring of the most recent events.
	replay []interface{}

	// subscribers receive every event published after they subscribe.
	subscribers map[int]chan interface{}

	// nextID numbers subscriptions.
	nextID int
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan interface{}),
	}
}

// Subscribe registers a new subscriber and replays the recent history into
// it. Cancel with the returned function.
func (b *EventBus) Subscribe(bufSize int) (<-chan interface{}, func()) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if bufSize < defaultReplayBuffer {
		bufSize = defaultReplayBuffer
	}

	ch := make(chan interface{}, bufSize)
	for _, event := range b.replay {
		ch <- event
	}

	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch

	cancel := func() {
		b.mtx.Lock()
		defer b.mtx.Unlock()
		delete(b.subscribers, id)
	}

	return ch, cancel
}

// Publish broadcasts one event. A subscriber with a full buffer misses the
// event and a warning is logged; the replay ring still advances.
func (b *EventBus) Publish(event interface{}) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	b.replay = append(b.replay, event)
	if len(b.replay) > defaultReplayBuffer {
		b.replay = b.replay[1:]
	}

	for id, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			log.Warnf("Event subscriber %d is not draining, "+
				"dropping %T", id, event)
		}
	}
}
