package ingress

import "sync"

// Event is one item published onto the ingress's SSE stream. Type values
// mirror the teacher's internal/engine/events taxonomy (started, progress,
// complete, error, paused, resumed, queued, removed) so the browser
// extension's existing SSE client code (internal/core/remote_service.go's
// connectSSE) needs no protocol change to consume this server's /events.
type Event struct {
	Type string
	Data any
}

// Broker is an in-process fan-out pub/sub for ingress events. Grounded on
// the teacher's internal/core event-channel plumbing (a buffered channel
// per consumer, non-blocking send so a slow subscriber never stalls a
// publisher), generalized into a multi-subscriber broadcaster for the
// SSE endpoint.
type Broker struct {
	mu          sync.Mutex
	subscribers map[chan Event]struct{}
}

// NewBroker constructs an empty Broker.
func NewBroker() *Broker {
	return &Broker{subscribers: make(map[chan Event]struct{})}
}

// Subscribe registers a new listener and returns its channel plus a
// cancel function that unregisters and closes it. Callers must drain the
// channel until cancel is invoked.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish broadcasts an event to every current subscriber. A subscriber
// whose buffer is full drops the event rather than blocking the
// publisher (§5: the Ingress must never let a slow client stall the
// Engine's progress-reporting path).
func (b *Broker) Publish(eventType string, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- Event{Type: eventType, Data: data}:
		default:
		}
	}
}

// SubscriberCount reports the current number of live SSE connections.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
