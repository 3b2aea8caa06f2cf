// Package progress carries progress and completion from a background worker to the
// foreground loop that renders it.
package progress

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/mcdonaldj/epack/internal/ports"
)

// Status is the terminal state of an operation.
type Status int

const (
	StatusSuccess Status = iota
	StatusError
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Result is a terminal value. Listing is only set by successful list operations.
type Result struct {
	Status  Status
	Err     error
	Listing *ports.Listing
}

// FromError maps a worker's return value to a terminal Result.
func FromError(err error) Result {
	switch {
	case err == nil:
		return Result{Status: StatusSuccess}
	case errors.Is(err, context.Canceled):
		return Result{Status: StatusCancelled}
	}
	return Result{Status: StatusError, Err: err}
}

// Message renders the result for display.
func (r Result) Message() string {
	if r.Status == StatusError && r.Err != nil {
		return r.Err.Error()
	}
	return r.Status.String()
}

// Snapshot is what one TryReceive hands out. Either field may be nil.
type Snapshot struct {
	Progress *ports.Progress
	Terminal *Result
}

// Channel is a single-producer, single-consumer hand-off point.
//
// Progress is coalesced: only the most recent undelivered value is kept, and values
// lower than the last accepted fraction are dropped. The terminal value is stored once
// and is never dropped.
type Channel struct {
	mu        sync.Mutex
	pending   *ports.Progress
	last      float64
	terminal  *Result
	delivered bool

	ready chan struct{}
	done  chan struct{}
}

// NewChannel returns an empty channel.
func NewChannel() *Channel {
	return &Channel{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Send offers a progress value. It reports whether the value was accepted.
func (c *Channel) Send(p ports.Progress) bool {
	p.Fraction = clamp(p.Fraction)

	c.mu.Lock()
	if c.terminal != nil || p.Fraction < c.last {
		c.mu.Unlock()
		return false
	}
	c.last = p.Fraction
	c.pending = &p
	c.mu.Unlock()

	c.wake()
	return true
}

// Finish stores the terminal value. Only the first call has any effect.
func (c *Channel) Finish(r Result) bool {
	c.mu.Lock()
	if c.terminal != nil {
		c.mu.Unlock()
		return false
	}
	c.terminal = &r
	close(c.done)
	c.mu.Unlock()

	c.wake()
	return true
}

// TryReceive never blocks. It returns false when there is nothing new to deliver.
// A pending progress value is handed out together with the terminal value, so the
// consumer can render it before the final state.
func (c *Channel) TryReceive() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var snap Snapshot
	if c.pending != nil {
		snap.Progress = c.pending
		c.pending = nil
	}
	if c.terminal != nil && !c.delivered {
		snap.Terminal = c.terminal
		c.delivered = true
	}
	return snap, snap.Progress != nil || snap.Terminal != nil
}

// Ready fires (at most one buffered signal) whenever something new is available.
// Select-based loops can wait on it instead of ticking.
func (c *Channel) Ready() <-chan struct{} {
	return c.ready
}

// Done is closed once the terminal value has been stored.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Last returns the highest fraction accepted so far.
func (c *Channel) Last() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Channel) wake() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func clamp(f float64) float64 {
	switch {
	case math.IsNaN(f) || f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
