package transport

import (
	"sync"
	"time"
)

// EventQueue turns callback-style notifications into an ordered channel.
// Push never blocks, so it is safe to call from client library callbacks;
// events are delivered in push order to a single consumer.
type EventQueue struct {
	mu      sync.Mutex
	pending []Event
	closed  bool
	wake    chan struct{}
	out     chan Event
}

// NewEventQueue creates a queue and starts its delivery goroutine.
func NewEventQueue() *EventQueue {
	q := &EventQueue{
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
	}
	go q.run()
	return q
}

// Push enqueues an event. Events pushed after Close are dropped.
func (q *EventQueue) Push(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, ev)
	q.mu.Unlock()
	q.signal()
}

// Close stops accepting events. Pending events are still delivered, then
// the channel returned by Events is closed.
func (q *EventQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Events returns the delivery channel.
func (q *EventQueue) Events() <-chan Event {
	return q.out
}

func (q *EventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *EventQueue) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		ev := q.pending[0]
		q.pending[0] = Event{}
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.out <- ev
	}
}
