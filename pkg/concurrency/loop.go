package concurrency

import (
	"errors"
	"sync"
)

var ErrLoopClosed = errors.New("event loop closed")

// Loop serializes tasks onto a single goroutine. Every relay message,
// transport callback and transfer frame of a registry runs through one
// Loop, so handlers never race with each other.
//
// The queue is unbounded: Post never blocks, which lets tasks running on
// the loop post follow-up work to the same loop.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

// NewLoop creates a Loop and starts its goroutine.
func NewLoop() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			if l.closed {
				l.mu.Unlock()
				return
			}
			l.mu.Unlock()
			<-l.wake
			continue
		}
		task := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		task()
	}
}

// Post enqueues task. It returns false if the loop has been closed, in
// which case task will never run.
func (l *Loop) Post(task func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs task on the loop and waits for it to return. It must not be
// called from a task already running on the loop.
func (l *Loop) Call(task func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		task()
	}) {
		return ErrLoopClosed
	}
	// A closed loop still drains its queue, so finished always fires.
	<-finished
	return nil
}

// Close stops accepting tasks. Tasks already queued still run. Close
// does not wait for them; use Done for that.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
