// ABOUTME: Maps a job's action name to its handler from a closed set of actions.
// ABOUTME: Unknown names and handler failures come back as typed errors, never panics.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// ActionName identifies a device action a job may request.
type ActionName string

const (
	Reboot     ActionName = "reboot"
	AppUpdate  ActionName = "app_update"
	AppStart   ActionName = "app_start"
	AppStop    ActionName = "app_stop"
	AppRestart ActionName = "app_restart"
)

var knownActions = []ActionName{Reboot, AppUpdate, AppStart, AppStop, AppRestart}

// Known returns the recognised action names.
func Known() []ActionName {
	return slices.Clone(knownActions)
}

// Valid reports whether n is in the closed set.
func (n ActionName) Valid() bool {
	return slices.Contains(knownActions, n)
}

// Mode tells a handler which orchestrator is running it.
type Mode string

const (
	// ModeDrain runs jobs left over from before the agent started.
	ModeDrain Mode = "drain"
	// ModeContinuous runs jobs claimed while the agent is live.
	ModeContinuous Mode = "continuous"
)

// Request is one action invocation.
type Request struct {
	JobID  string
	Action ActionName
	Params map[string]any
	Mode   Mode
}

// Result is a handler's outcome.
type Result struct {
	// Deferred means the handler will see to the terminal status itself.
	Deferred bool
	Details  map[string]string
}

// Handler performs one action.
type Handler interface {
	Handle(ctx context.Context, req Request) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (Result, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

var (
	// ErrUnknownAction matches any *UnknownActionError.
	ErrUnknownAction = errors.New("unknown action")

	// ErrHandlerFailed matches any *HandlerError.
	ErrHandlerFailed = errors.New("action handler failed")

	// ErrNoHandler indicates a recognised action has no registered handler.
	ErrNoHandler = errors.New("no handler registered")

	// ErrAlreadyRegistered indicates a handler exists for the action.
	ErrAlreadyRegistered = errors.New("handler already registered")
)

// UnknownActionError reports an action name outside the closed set.
type UnknownActionError struct {
	Name  string
	Known []ActionName
}

func (e *UnknownActionError) Error() string {
	names := make([]string, len(e.Known))
	for i, n := range e.Known {
		names[i] = string(n)
	}
	return fmt.Sprintf("unknown action %q (known: %s)", e.Name, strings.Join(names, ", "))
}

// Is reports ErrUnknownAction.
func (e *UnknownActionError) Is(target error) bool { return target == ErrUnknownAction }

// HandlerError wraps a handler's error or recovered panic.
type HandlerError struct {
	JobID  string
	Action ActionName
	Err    error
	// Panic holds the recovered value when the handler panicked.
	Panic any
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("action %s for job %s panicked: %v", e.Action, e.JobID, e.Panic)
	}
	return fmt.Sprintf("action %s for job %s failed: %v", e.Action, e.JobID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Is reports ErrHandlerFailed.
func (e *HandlerError) Is(target error) bool { return target == ErrHandlerFailed }

// Dispatcher holds one handler per action name.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[ActionName]Handler
	logger   *slog.Logger
}

// New creates an empty Dispatcher.
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[ActionName]Handler),
		logger:   logger.With("component", "dispatch"),
	}
}

// Register installs h for name. Only names in the closed set are accepted.
func (d *Dispatcher) Register(name ActionName, h Handler) error {
	if !name.Valid() {
		return &UnknownActionError{Name: string(name), Known: Known()}
	}
	if h == nil {
		return fmt.Errorf("registering %s: nil handler", name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	d.handlers[name] = h
	return nil
}

// Lookup returns the handler for name.
func (d *Dispatcher) Lookup(name ActionName) (Handler, error) {
	if !name.Valid() {
		return nil, &UnknownActionError{Name: string(name), Known: Known()}
	}

	d.mu.RLock()
	h, ok := d.handlers[name]
	d.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, name)
	}
	return h, nil
}

// Run looks up and invokes the handler for req.Action. The handler runs on
// the caller's goroutine; a panic is recovered into a *HandlerError.
func (d *Dispatcher) Run(ctx context.Context, req Request) (res Result, err error) {
	h, err := d.Lookup(req.Action)
	if err != nil {
		d.logger.Warn("cannot dispatch action", "job_id", req.JobID, "action", req.Action, "error", err)
		return Result{}, err
	}

	defer func() {
		if r := recover(); r != nil {
			res = Result{}
			err = &HandlerError{JobID: req.JobID, Action: req.Action, Panic: r}
			d.logger.Error("action handler panicked", "job_id", req.JobID, "action", req.Action, "panic", r)
		}
	}()

	d.logger.Info("running action", "job_id", req.JobID, "action", req.Action, "mode", req.Mode)

	res, err = h.Handle(ctx, req)
	if err != nil {
		return Result{}, &HandlerError{JobID: req.JobID, Action: req.Action, Err: err}
	}
	return res, nil
}
