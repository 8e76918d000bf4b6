package appevents

import "sync"

// Queue is an unbounded event buffer. Push never blocks, so the event loop
// can publish while the consumer is slow. Events are delivered in order.
type Queue struct {
	mu      sync.Mutex
	pending []AppEvent
	wake    chan struct{}
	out     chan AppEvent
	closed  bool
	done    chan struct{}
}

func NewQueue() *Queue {
	q := &Queue{
		wake: make(chan struct{}, 1),
		out:  make(chan AppEvent),
		done: make(chan struct{}),
	}
	go q.pump()
	return q
}

// Push appends an event. Events pushed after Close are discarded.
func (q *Queue) Push(ev AppEvent) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, ev)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// C returns the delivery channel. It is closed after Close once the
// backlog has been delivered or dropped.
func (q *Queue) C() <-chan AppEvent {
	return q.out
}

// Close stops accepting events. Undelivered events are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}

func (q *Queue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		for _, ev := range batch {
			select {
			case q.out <- ev:
			case <-q.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-q.wake:
		case <-q.done:
			return
		}
	}
}
