// ABOUTME: Test doubles shared by the runner and drain tests.
// ABOUTME: Stubs give precise control over claims and acks; the fake service runs end to end.

package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/jobagent/internal/dispatch"
	"github.com/2389/jobagent/internal/guard"
	"github.com/2389/jobagent/internal/jobs"
	"github.com/2389/jobagent/internal/journal"
)

const thing = "pump-7"

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func doc(action string) string {
	return fmt.Sprintf(`{"steps":[{"action":{"name":%q}}]}`, action)
}

func execution(id, action string) *jobs.Execution {
	return &jobs.Execution{JobID: id, Status: jobs.StatusInProgress, Document: []byte(doc(action))}
}

// stubJobs hands out queued executions and lets tests fire notifications.
type stubJobs struct {
	mu       sync.Mutex
	queue    []*jobs.Execution
	claims   int
	claimErr []error
	gate     chan struct{}
	notify   func(*jobs.Execution)
}

func (s *stubJobs) ClaimNext(ctx context.Context) (*jobs.Execution, error) {
	s.mu.Lock()
	s.claims++
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.claimErr) > 0 {
		err := s.claimErr[0]
		s.claimErr = s.claimErr[1:]
		return nil, err
	}
	if len(s.queue) == 0 {
		return nil, nil
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	return next, nil
}

func (s *stubJobs) SubscribeNotifications(_ context.Context, fn func(*jobs.Execution)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify = fn
	return nil
}

func (s *stubJobs) Notify(e *jobs.Execution) {
	s.mu.Lock()
	fn := s.notify
	s.mu.Unlock()
	fn(e)
}

func (s *stubJobs) Claims() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims
}

type statusUpdate struct {
	JobID  string
	Status jobs.Status
}

// stubReporter records updates and acknowledges each one immediately, or
// queues the acknowledgements until flushAcks when hold is set.
type stubReporter struct {
	mu         sync.Mutex
	updates    []statusUpdate
	ack        func(jobs.Ack)
	publishErr map[jobs.Status]error
	hold       bool
	held       []jobs.Ack
}

func (s *stubReporter) PublishStatus(_ context.Context, jobID string, status jobs.Status, _ map[string]string) error {
	s.mu.Lock()
	if err := s.publishErr[status]; err != nil {
		s.mu.Unlock()
		return err
	}
	s.updates = append(s.updates, statusUpdate{JobID: jobID, Status: status})
	a := jobs.Ack{JobID: jobID, Status: status, Accepted: true, Tracked: true}
	if s.hold {
		s.held = append(s.held, a)
		s.mu.Unlock()
		return nil
	}
	ack := s.ack
	s.mu.Unlock()

	if ack != nil {
		ack(a)
	}
	return nil
}

// flushAck delivers the oldest held acknowledgement and reports whether
// there was one.
func (s *stubReporter) flushAck() bool {
	s.mu.Lock()
	if len(s.held) == 0 {
		s.mu.Unlock()
		return false
	}
	a := s.held[0]
	s.held = s.held[1:]
	ack := s.ack
	s.mu.Unlock()

	ack(a)
	return true
}

// flushAcks delivers every held acknowledgement one at a time.
func (s *stubReporter) flushAcks() {
	for s.flushAck() {
	}
}

func (s *stubReporter) SubscribeAcks(_ context.Context, fn func(jobs.Ack)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ack = fn
	return nil
}

func (s *stubReporter) Updates() []statusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]statusUpdate(nil), s.updates...)
}

// newDispatcher registers a succeeding handler for every known action,
// replaced by any given in overrides.
func newDispatcher(t *testing.T, overrides map[dispatch.ActionName]dispatch.Handler) *dispatch.Dispatcher {
	t.Helper()

	d := dispatch.New(nil)
	for _, name := range dispatch.Known() {
		h, ok := overrides[name]
		if !ok {
			h = dispatch.HandlerFunc(func(context.Context, dispatch.Request) (dispatch.Result, error) {
				return dispatch.Result{}, nil
			})
		}
		require.NoError(t, d.Register(name, h))
	}
	return d
}

// recorder captures the order handlers ran in.
type recorder struct {
	mu   sync.Mutex
	jobs []string
}

func (r *recorder) handler() dispatch.Handler {
	return dispatch.HandlerFunc(func(_ context.Context, req dispatch.Request) (dispatch.Result, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.jobs = append(r.jobs, req.JobID)
		return dispatch.Result{}, nil
	})
}

func (r *recorder) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.jobs...)
}

// fakeHarness wires a Runner to an in-memory coordination service.
type fakeHarness struct {
	svc      *jobs.FakeService
	client   *jobs.Client
	reporter *jobs.Reporter
	guard    *guard.Guard
}

func newFakeHarness() *fakeHarness {
	svc := jobs.NewFakeService(thing)
	return &fakeHarness{
		svc:      svc,
		client:   jobs.NewClient(jobs.ClientParams{ThingName: thing, Transport: svc, RequestTimeout: time.Second}),
		reporter: jobs.NewReporter(jobs.ReporterParams{ThingName: thing, Transport: svc}),
		guard:    guard.New(nil),
	}
}

func (h *fakeHarness) startRunner(t *testing.T, d Dispatcher, extra func(*RunnerParams)) *Runner {
	t.Helper()

	p := RunnerParams{
		Jobs:       h.client,
		Reporter:   h.reporter,
		Dispatcher: d,
		Guard:      h.guard,
	}
	if extra != nil {
		extra(&p)
	}

	r := NewRunner(p)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop(context.Background()) })
	return r
}

// memJournal keeps journal entries in memory.
type memJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (m *memJournal) Record(_ context.Context, e journal.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memJournal) Recent(context.Context, int) ([]journal.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]journal.Entry(nil), m.entries...), nil
}

func (m *memJournal) Close() error { return nil }

func (m *memJournal) all() []journal.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]journal.Entry(nil), m.entries...)
}

func idle(g *guard.Guard) func() bool {
	return func() bool {
		s := g.Snapshot()
		return !s.Working && !s.Waiting
	}
}
