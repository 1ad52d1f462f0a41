// Package gate implements the suspend/resume barrier that callers of a
// recoverable resource wait on while its link is being replaced.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrTerminated is returned by Wait once the gate is terminated.
var ErrTerminated = errors.New("gate: terminated")

type State int

const (
	// Open lets waiters through.
	Open State = iota
	// Closed blocks waiters until the gate is opened or terminated.
	Closed
	// Terminated is final; waiters fail with ErrTerminated.
	Terminated
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Gate is safe for concurrent use. A new Gate is open.
type Gate struct {
	mu    sync.Mutex
	state State
	cause error
	// wake is closed whenever the gate leaves the Closed state.
	wake chan struct{}
}

func New() *Gate {
	wake := make(chan struct{})
	close(wake)
	return &Gate{wake: wake}
}

// Close blocks future waiters. It reports whether the gate was open.
func (g *Gate) Close() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != Open {
		return false
	}
	g.state = Closed
	g.wake = make(chan struct{})
	return true
}

// Open releases waiters. It reports whether the gate was closed.
func (g *Gate) Open() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != Closed {
		return false
	}
	g.state = Open
	close(g.wake)
	return true
}

// Terminate fails current and future waiters. cause is kept for State.
// It reports whether this call terminated the gate.
func (g *Gate) Terminate(cause error) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == Terminated {
		return false
	}
	if g.state == Closed {
		close(g.wake)
	}
	g.state = Terminated
	g.cause = cause
	return true
}

// State returns the current state and, when terminated, the cause.
func (g *Gate) State() (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state, g.cause
}

// Wait blocks while the gate is closed. It returns nil once open,
// ErrTerminated once terminated, or the context error.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		state, wake := g.state, g.wake
		g.mu.Unlock()

		switch state {
		case Open:
			return nil
		case Terminated:
			return ErrTerminated
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
