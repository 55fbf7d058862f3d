// ABOUTME: Execution journal recording the outcome of every job the agent runs.
// ABOUTME: Defines the Entry type, the Journal interface, and a no-op implementation.

package journal

import (
	"context"
	"time"
)

// Entry is one execution attempt.
type Entry struct {
	ID         string
	JobID      string
	Action     string
	Mode       string
	Status     string
	Detail     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Journal stores execution entries for diagnostics. It is written by the
// orchestrators and only read by the history command.
type Journal interface {
	Record(ctx context.Context, e Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Nop discards every entry.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }

func (Nop) Recent(context.Context, int) ([]Entry, error) { return nil, nil }

func (Nop) Close() error { return nil }
