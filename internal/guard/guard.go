// ABOUTME: Single-flight guard deciding when the agent may claim and run a job.
// ABOUTME: Tracks connection liveness, an in-flight job, and a pending waiter under one mutex.

package guard

import (
	"log/slog"
	"sync"
)

// State is a point-in-time copy of the guarded fields.
type State struct {
	Connected bool
	Working   bool
	Waiting   bool
}

// Guard enforces that at most one job is worked on at a time.
//
// The four transition methods are the only code that reads or writes the
// guarded fields. Waiting is only meaningful while Working is true, and once
// Connected goes false it stays false for the lifetime of the Guard.
type Guard struct {
	mu        sync.Mutex
	connected bool
	working   bool
	waiting   bool
	logger    *slog.Logger
}

// New creates a Guard in the connected, idle state. Pass nil logger for default.
func New(logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		connected: true,
		logger:    logger.With("component", "guard"),
	}
}

// TryReserveOnNotification is called when the service signals that a job may
// be available. If a job is already in flight it records a waiter and returns
// false. Otherwise it returns true without reserving; the claim attempt does
// the reservation.
func (g *Guard) TryReserveOnNotification() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.working {
		g.waiting = true
		return false
	}
	return true
}

// TryReserveOnClaimAttempt is called right before a claim request is
// published. It is the only place working becomes true.
func (g *Guard) TryReserveOnClaimAttempt() bool {
	g.mu.Lock()
	working, connected := g.working, g.connected
	if !working && connected {
		g.working = true
		g.waiting = false
	}
	g.mu.Unlock()

	switch {
	case working:
		g.logger.Info("never mind, already working on a job")
		return false
	case !connected:
		g.logger.Info("never mind, connection is shutting down")
		return false
	}
	return true
}

// ReleaseOnCompletion ends the current reservation and reports whether a
// waiter was recorded, meaning the caller should attempt another claim.
func (g *Guard) ReleaseOnCompletion() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.working = false
	return g.waiting
}

// MarkDisconnected stops any further claims. It is idempotent.
func (g *Guard) MarkDisconnected() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.connected = false
}

// Snapshot returns a copy of the current state.
func (g *Guard) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()

	return State{
		Connected: g.connected,
		Working:   g.working,
		Waiting:   g.waiting,
	}
}
