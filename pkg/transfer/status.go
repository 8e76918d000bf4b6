package transfer

import (
	"sort"
	"sync"
	"time"
)

// TransferState is the lifecycle position of one file transfer.
type TransferState int

const (
	TransferStatePending TransferState = iota
	TransferStateActive
	TransferStateCompleted
	TransferStateFailed
)

func (ts TransferState) String() string {
	switch ts {
	case TransferStatePending:
		return "pending"
	case TransferStateActive:
		return "active"
	case TransferStateCompleted:
		return "completed"
	case TransferStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal returns true for completed and failed transfers.
func (ts TransferState) IsTerminal() bool {
	return ts == TransferStateCompleted || ts == TransferStateFailed
}

// CanTransitionTo checks if a state transition is valid.
func (ts TransferState) CanTransitionTo(next TransferState) bool {
	switch ts {
	case TransferStatePending:
		return next == TransferStateActive || next == TransferStateCompleted || next == TransferStateFailed
	case TransferStateActive:
		return next == TransferStateActive || next == TransferStateCompleted || next == TransferStateFailed
	default:
		return false
	}
}

type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// Status is a snapshot of one transfer with one peer.
type Status struct {
	Peer      string        `json:"peer"`
	Name      string        `json:"name"`
	Direction Direction     `json:"direction"`
	State     TransferState `json:"state"`
	Progress  float64       `json:"progress"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type statusKey struct {
	peer      string
	name      string
	direction Direction
}

// Tracker aggregates transfer events into per-file status. It is safe for
// concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	now      func() time.Time
	statuses map[statusKey]*Status
}

func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now, statuses: make(map[statusKey]*Status)}
}

func (t *Tracker) entry(peer, name string, dir Direction) *Status {
	key := statusKey{peer, name, dir}
	s, ok := t.statuses[key]
	if !ok || s.State.IsTerminal() {
		now := t.now()
		s = &Status{Peer: peer, Name: name, Direction: dir, StartedAt: now, UpdatedAt: now}
		t.statuses[key] = s
	}
	return s
}

func (t *Tracker) transition(s *Status, next TransferState) bool {
	if !s.State.CanTransitionTo(next) {
		return false
	}
	s.State = next
	s.UpdatedAt = t.now()
	return true
}

// Queue registers files about to be sent to peer.
func (t *Tracker) Queue(peer string, names ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, name := range names {
		t.entry(peer, name, DirectionSend)
	}
}

// Progress records progress in [0,1] for a transfer.
func (t *Tracker) Progress(peer, name string, dir Direction, progress float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.entry(peer, name, dir)
	if t.transition(s, TransferStateActive) && progress > s.Progress {
		s.Progress = progress
	}
}

// Complete marks a transfer as finished.
func (t *Tracker) Complete(peer, name string, dir Direction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.entry(peer, name, dir)
	if t.transition(s, TransferStateCompleted) {
		s.Progress = 1
	}
}

// Fail marks a transfer as abandoned.
func (t *Tracker) Fail(peer, name string, dir Direction, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.entry(peer, name, dir)
	if t.transition(s, TransferStateFailed) && err != nil {
		s.Error = err.Error()
	}
}

// Snapshot returns copies of all statuses ordered by start time.
func (t *Tracker) Snapshot() []Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Status, 0, len(t.statuses))
	for _, s := range t.statuses {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Outstanding counts transfers that have not reached a terminal state.
func (t *Tracker) Outstanding() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, s := range t.statuses {
		if !s.State.IsTerminal() {
			n++
		}
	}
	return n
}
