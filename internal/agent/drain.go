// ABOUTME: Startup drain running every job pending from before the agent started, oldest first.
// ABOUTME: Completes strictly one job at a time before the continuous runner takes over.

package agent

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/2389/jobagent/internal/dedupe"
	"github.com/2389/jobagent/internal/dispatch"
	"github.com/2389/jobagent/internal/jobs"
	"github.com/2389/jobagent/internal/journal"
)

// DrainerParams holds the dependencies for NewDrainer.
type DrainerParams struct {
	Jobs       Backlog
	Reporter   Reporter
	Dispatcher Dispatcher
	// Recent, if set, receives every job the drain finishes.
	Recent  *dedupe.Cache
	Journal journal.Journal
	Logger  *slog.Logger
}

// DrainReport lists the jobs a drain processed, in processing order.
type DrainReport struct {
	Processed []string
	Succeeded []string
	Failed    []string
}

// Drainer is the startup drain orchestrator.
type Drainer struct {
	jobs     Backlog
	reporter Reporter
	recent   *dedupe.Cache
	exec     *executor
	logger   *slog.Logger
}

// NewDrainer creates a Drainer.
func NewDrainer(p DrainerParams) *Drainer {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "drain")

	j := p.Journal
	if j == nil {
		j = journal.Nop{}
	}

	return &Drainer{
		jobs:     p.Jobs,
		reporter: p.Reporter,
		recent:   p.Recent,
		exec:     &executor{dispatcher: p.Dispatcher, journal: j, logger: logger},
		logger:   logger,
	}
}

// Drain runs the backlog to completion. A rejected backlog request counts
// as an empty backlog. Transport failures stop the drain and are returned
// together with the report of what was finished so far.
func (d *Drainer) Drain(ctx context.Context) (*DrainReport, error) {
	report := &DrainReport{}

	pending, err := d.jobs.ListPending(ctx)
	if err != nil {
		if errors.Is(err, jobs.ErrRejected) {
			d.logger.Warn("backlog request rejected, nothing to drain",
				append([]any{"error", err}, rejectionAttrs(err)...)...)
			return report, nil
		}
		return report, fmt.Errorf("listing pending jobs: %w", err)
	}

	backlog := orderBacklog(pending)
	d.logger.Info("=== DRAINING BACKLOG ===",
		"in_progress", len(pending.InProgress),
		"queued", len(pending.Queued),
	)

	for _, job := range backlog {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		status, err := d.drainOne(ctx, job)
		if err != nil {
			return report, fmt.Errorf("draining job %s: %w", job.JobID, err)
		}

		report.Processed = append(report.Processed, job.JobID)
		if status == jobs.StatusSucceeded {
			report.Succeeded = append(report.Succeeded, job.JobID)
		} else {
			report.Failed = append(report.Failed, job.JobID)
		}
	}

	d.logger.Info("=== BACKLOG DRAINED ===",
		"processed", len(report.Processed),
		"succeeded", len(report.Succeeded),
		"failed", len(report.Failed),
	)
	return report, nil
}

// drainOne reports the job started, fetches its document, runs it and
// reports the outcome. Every outcome is terminal; drain never defers.
func (d *Drainer) drainOne(ctx context.Context, job jobs.Summary) (jobs.Status, error) {
	logger := d.logger.With("job_id", job.JobID)
	logger.Info("draining job", "queued_at", job.QueuedAt)

	if err := d.reporter.PublishStatus(ctx, job.JobID, jobs.StatusInProgress, nil); err != nil {
		return "", err
	}

	var out outcome
	started := time.Now()
	exec, err := d.jobs.Describe(ctx, job.JobID)
	switch {
	case errors.Is(err, jobs.ErrRejected):
		logger.Error("cannot describe job", append([]any{"error", err}, rejectionAttrs(err)...)...)
		out = outcome{status: jobs.StatusFailed, details: failureDetails(err)}
		d.exec.record(ctx, logger, job.JobID, dispatch.ModeDrain, out, started)
	case err != nil:
		return "", err
	default:
		out = d.exec.run(ctx, exec, dispatch.ModeDrain)
	}

	if err := d.reporter.PublishStatus(ctx, job.JobID, out.status, out.details); err != nil {
		return "", err
	}
	if d.recent != nil {
		d.recent.Remember(job.JobID, string(out.status))
	}

	logger.Info("drained job", "status", out.status)
	return out.status, nil
}

// orderBacklog merges both lists oldest first. Jobs sharing a timestamp are
// ordered by id, and a job listed twice is kept once.
func orderBacklog(p *jobs.Pending) []jobs.Summary {
	all := make([]jobs.Summary, 0, len(p.InProgress)+len(p.Queued))
	seen := make(map[string]bool, cap(all))

	for _, list := range [][]jobs.Summary{p.InProgress, p.Queued} {
		for _, s := range list {
			if seen[s.JobID] {
				continue
			}
			seen[s.JobID] = true
			all = append(all, s)
		}
	}

	slices.SortFunc(all, func(a, b jobs.Summary) int {
		if c := cmp.Compare(a.QueuedAt, b.QueuedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.JobID, b.JobID)
	})
	return all
}
