// ABOUTME: Continuous orchestrator claiming and running one job at a time as notifications arrive.
// ABOUTME: Drives itself from status acknowledgements so a waiting job is never left unclaimed.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/jobagent/internal/dedupe"
	"github.com/2389/jobagent/internal/dispatch"
	"github.com/2389/jobagent/internal/guard"
	"github.com/2389/jobagent/internal/jobs"
	"github.com/2389/jobagent/internal/journal"
)

// ErrNotDeferred is returned by Complete for a job that is not awaiting completion.
var ErrNotDeferred = errors.New("job is not awaiting completion")

// RunnerParams holds the dependencies for NewRunner.
type RunnerParams struct {
	Jobs       JobSource
	Reporter   Reporter
	Dispatcher Dispatcher
	Guard      *guard.Guard
	// Recent, if set, holds jobs finished shortly before; they are not run again.
	Recent  *dedupe.Cache
	Journal journal.Journal
	Logger  *slog.Logger
}

// Runner is the continuous orchestrator. Its cycle per job is
// notified, claiming, executing, reporting, then idle again.
type Runner struct {
	jobs     JobSource
	reporter Reporter
	guard    *guard.Guard
	recent   *dedupe.Cache
	exec     *executor
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	started  bool
	stopping bool
	// current is the job holding the reservation, if any.
	current  string
	deferred map[string]deferredJob
}

// deferredJob is a job whose action will report completion later.
type deferredJob struct {
	action  string
	started time.Time
}

// NewRunner creates a Runner.
func NewRunner(p RunnerParams) *Runner {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "runner")

	j := p.Journal
	if j == nil {
		j = journal.Nop{}
	}

	g := p.Guard
	if g == nil {
		g = guard.New(logger)
	}

	return &Runner{
		jobs:     p.Jobs,
		reporter: p.Reporter,
		guard:    g,
		recent:   p.Recent,
		exec:     &executor{dispatcher: p.Dispatcher, journal: j, logger: logger},
		logger:   logger,
		deferred: make(map[string]deferredJob),
	}
}

// Start subscribes to acknowledgements and notifications, then claims once
// so jobs queued before the subscription are not missed. Work continues in
// the background until Stop.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("runner already started")
	}
	r.started = true
	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Unlock()

	if err := r.reporter.SubscribeAcks(ctx, r.onAck); err != nil {
		return fmt.Errorf("starting runner: %w", err)
	}
	if err := r.jobs.SubscribeNotifications(ctx, r.onNotification); err != nil {
		return fmt.Errorf("starting runner: %w", err)
	}

	r.logger.Info("=== RUNNER STARTED ===")
	r.claim("startup")
	return nil
}

// Stop refuses new claims and waits for the job in flight. If ctx ends
// first the job's context is cancelled and ctx's error returned. The caller
// disconnects the session afterwards.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopping = true
	cancel := r.cancel
	r.mu.Unlock()

	r.guard.MarkDisconnected()

	if cancel == nil {
		return nil
	}
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("=== RUNNER STOPPED ===")
		return nil
	case <-ctx.Done():
		r.logger.Warn("job still running at shutdown, cancelling it")
		return fmt.Errorf("waiting for in-flight job: %w", ctx.Err())
	}
}

// Complete reports the terminal status of a job whose action deferred it.
// The reservation it holds is released once the service acknowledges.
func (r *Runner) Complete(ctx context.Context, jobID string, status jobs.Status) error {
	if status != jobs.StatusSucceeded && status != jobs.StatusFailed {
		return fmt.Errorf("%w: %q is not a terminal status", jobs.ErrInvalidStatus, status)
	}

	// Taking the entry makes a second Complete for the same job fail.
	r.mu.Lock()
	job, ok := r.deferred[jobID]
	delete(r.deferred, jobID)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotDeferred, jobID)
	}

	if err := r.reporter.PublishStatus(ctx, jobID, status, nil); err != nil {
		r.mu.Lock()
		r.deferred[jobID] = job
		r.mu.Unlock()
		return err
	}

	r.exec.record(ctx, r.logger.With("job_id", jobID), jobID, dispatch.ModeContinuous,
		outcome{action: job.action, status: status, details: map[string]string{"reason": "completed out of band"}},
		job.started)
	r.remember(jobID, status)
	return nil
}

// Deferred returns the ids of jobs awaiting Complete.
func (r *Runner) Deferred() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.deferred))
	for id := range r.deferred {
		ids = append(ids, id)
	}
	return ids
}

func (r *Runner) onNotification(exec *jobs.Execution) {
	if exec == nil {
		r.logger.Debug("no pending jobs, waiting")
		return
	}

	if !r.guard.TryReserveOnNotification() {
		r.logger.Debug("job available but busy, claiming after current job", "job_id", exec.JobID)
		return
	}
	r.claim("notification")
}

// claim reserves the guard and claims on a worker goroutine, keeping the
// transport callback free.
func (r *Runner) claim(reason string) {
	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		return
	}
	if !r.guard.TryReserveOnClaimAttempt() {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go r.work(reason)
}

func (r *Runner) work(reason string) {
	defer r.wg.Done()

	r.logger.Debug("claiming next job", "reason", reason)
	exec, err := r.jobs.ClaimNext(r.ctx)
	if err != nil {
		r.logger.Error("claim failed", append([]any{"error", err}, rejectionAttrs(err)...)...)
		r.release("claim failed")
		return
	}
	if exec == nil {
		r.logger.Info("no pending jobs to claim")
		r.release("nothing claimed")
		return
	}

	if r.recent != nil {
		if prev, ok := r.recent.Lookup(exec.JobID); ok {
			r.logger.Warn("service handed out a job that already finished, skipping",
				"job_id", exec.JobID,
				"outcome", prev,
			)
			r.release("already finished")
			return
		}
	}

	r.execute(exec)
}

func (r *Runner) execute(exec *jobs.Execution) {
	logger := r.logger.With("job_id", exec.JobID)
	logger.Info("=== JOB CLAIMED ===", "queued_at", exec.QueuedAt)

	r.mu.Lock()
	r.current = exec.JobID
	r.mu.Unlock()

	if err := r.reporter.PublishStatus(r.ctx, exec.JobID, jobs.StatusInProgress, nil); err != nil {
		logger.Error("cannot report job start, leaving it for a later claim", "error", err)
		r.releaseCurrent(exec.JobID, "start not reported")
		return
	}

	started := time.Now()
	out := r.exec.run(r.ctx, exec, dispatch.ModeContinuous)
	if out.deferred {
		r.mu.Lock()
		r.deferred[exec.JobID] = deferredJob{action: out.action, started: started}
		r.mu.Unlock()
		return
	}

	// On success the acknowledgement releases the reservation.
	if err := r.reporter.PublishStatus(r.ctx, exec.JobID, out.status, out.details); err != nil {
		logger.Error("cannot report job outcome", "status", out.status, "error", err)
		r.releaseCurrent(exec.JobID, "outcome not reported")
		return
	}
	r.remember(exec.JobID, out.status)
	logger.Info("=== JOB FINISHED ===", "status", out.status)
}

func (r *Runner) onAck(ack jobs.Ack) {
	if !ack.Tracked {
		r.logger.Debug("ignoring acknowledgement for an update sent elsewhere", "job_id", ack.JobID, "status", ack.Status)
		return
	}

	if !ack.Status.Terminal() {
		if !ack.Accepted {
			r.logger.Warn("service refused job start",
				"job_id", ack.JobID,
				"code", ack.Rejection.Code,
				"rejection", string(ack.Rejection.Raw),
			)
		}
		return
	}

	if !ack.Accepted {
		r.logger.Warn("service refused job outcome, moving on",
			"job_id", ack.JobID,
			"status", ack.Status,
			"code", ack.Rejection.Code,
			"rejection", string(ack.Rejection.Raw),
		)
	}

	r.releaseCurrent(ack.JobID, "outcome acknowledged")
}

// releaseCurrent releases the reservation if jobID still holds it. A late or
// repeated acknowledgement for an earlier job must not free the job after it.
func (r *Runner) releaseCurrent(jobID, reason string) {
	r.mu.Lock()
	holding := jobID != "" && r.current == jobID
	if holding {
		r.current = ""
		delete(r.deferred, jobID)
	}
	r.mu.Unlock()

	if !holding {
		r.logger.Debug("acknowledgement for a job not holding the reservation", "job_id", jobID, "reason", reason)
		return
	}
	r.release(reason)
}

// release frees the reservation and claims again if a notification was
// missed while busy.
func (r *Runner) release(reason string) {
	if r.guard.ReleaseOnCompletion() {
		r.logger.Debug("job became available while busy", "reason", reason)
		r.claim("waiter")
	}
}

func (r *Runner) remember(jobID string, status jobs.Status) {
	if r.recent != nil {
		r.recent.Remember(jobID, string(status))
	}
}
