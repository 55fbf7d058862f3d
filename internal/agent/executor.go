// ABOUTME: Runs one job's first action through the dispatcher and decides its outcome.
// ABOUTME: Shared by the continuous runner and the startup drain.

package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/2389/jobagent/internal/dispatch"
	"github.com/2389/jobagent/internal/jobs"
	"github.com/2389/jobagent/internal/journal"
)

// JobSource claims jobs and watches for new ones.
type JobSource interface {
	ClaimNext(ctx context.Context) (*jobs.Execution, error)
	SubscribeNotifications(ctx context.Context, fn func(*jobs.Execution)) error
}

// Backlog lists and describes pending jobs.
type Backlog interface {
	ListPending(ctx context.Context) (*jobs.Pending, error)
	Describe(ctx context.Context, jobID string) (*jobs.Execution, error)
}

// Reporter publishes status updates and their acknowledgements.
type Reporter interface {
	PublishStatus(ctx context.Context, jobID string, status jobs.Status, details map[string]string) error
	SubscribeAcks(ctx context.Context, fn func(jobs.Ack)) error
}

// Dispatcher runs an action.
type Dispatcher interface {
	Run(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
}

// outcome is what happened to one job.
type outcome struct {
	action   string
	status   jobs.Status
	deferred bool
	details  map[string]string
}

type executor struct {
	dispatcher Dispatcher
	journal    journal.Journal
	logger     *slog.Logger
}

// run executes the first step of exec. Failures of any kind become FAILED.
func (x *executor) run(ctx context.Context, exec *jobs.Execution, mode dispatch.Mode) outcome {
	started := time.Now()
	logger := x.logger.With("job_id", exec.JobID, "mode", mode)

	out := x.dispatch(ctx, logger, exec, mode)

	x.record(ctx, logger, exec.JobID, mode, out, started)
	return out
}

func (x *executor) dispatch(ctx context.Context, logger *slog.Logger, exec *jobs.Execution, mode dispatch.Mode) outcome {
	action, err := exec.FirstAction()
	if err != nil {
		logger.Error("cannot read job document", "document", string(exec.Document), "error", err)
		return outcome{status: jobs.StatusFailed, details: failureDetails(err)}
	}

	logger = logger.With("action", action.Name)
	res, err := x.dispatcher.Run(ctx, dispatch.Request{
		JobID:  exec.JobID,
		Action: dispatch.ActionName(action.Name),
		Params: action.Input,
		Mode:   mode,
	})
	if err != nil {
		var unknown *dispatch.UnknownActionError
		if errors.As(err, &unknown) {
			logger.Error("job names an unknown action", "known", unknown.Known)
		} else {
			logger.Error("action failed", "error", err)
		}
		return outcome{action: action.Name, status: jobs.StatusFailed, details: failureDetails(err)}
	}

	if res.Deferred && mode == dispatch.ModeContinuous {
		logger.Info("action will report completion itself")
		return outcome{action: action.Name, deferred: true, details: res.Details}
	}

	logger.Info("action succeeded")
	return outcome{action: action.Name, status: jobs.StatusSucceeded, details: res.Details}
}

func (x *executor) record(ctx context.Context, logger *slog.Logger, jobID string, mode dispatch.Mode, out outcome, started time.Time) {
	status := string(out.status)
	detail := out.details["reason"]
	if out.deferred {
		status = string(jobs.StatusInProgress)
		detail = "completion deferred"
	}

	err := x.journal.Record(ctx, journal.Entry{
		JobID:      jobID,
		Action:     out.action,
		Mode:       string(mode),
		Status:     status,
		Detail:     detail,
		StartedAt:  started,
		FinishedAt: time.Now(),
	})
	if err != nil {
		logger.Warn("cannot journal execution", "error", err)
	}
}

// maxDetail bounds a status details value.
const maxDetail = 1024

func failureDetails(err error) map[string]string {
	return map[string]string{"reason": truncate(err.Error(), maxDetail)}
}

// truncate cuts s to at most n bytes without splitting a character.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// rejectionAttrs returns the rejection payload for logging, if err carries one.
func rejectionAttrs(err error) []any {
	var rejected *jobs.RejectedError
	if errors.As(err, &rejected) {
		return []any{"code", rejected.Code, "rejection", string(rejected.Raw)}
	}
	return nil
}
