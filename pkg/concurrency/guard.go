package concurrency

import (
	"errors"
	"sync/atomic"
)

var ErrBusy = errors.New("operation already in progress")

// Guard admits one task at a time and turns overlapping callers away
// with ErrBusy instead of queueing them. The zero value is ready to use.
type Guard struct {
	busy atomic.Bool
}

func NewGuard() *Guard {
	return &Guard{}
}

func (g *Guard) Execute(task func() error) error {
	if !g.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer g.busy.Store(false)
	return task()
}

func (g *Guard) Busy() bool {
	return g.busy.Load()
}
