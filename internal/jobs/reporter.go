// ABOUTME: Publishes job status updates and surfaces the service's acknowledgements.
// ABOUTME: Acks are correlated back to the update that caused them by client token.

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ReporterParams holds the dependencies for NewReporter.
type ReporterParams struct {
	ThingName string
	Transport Transport
	Logger    *slog.Logger
}

// Reporter sends status updates for job executions.
type Reporter struct {
	topics    Topics
	transport Transport
	logger    *slog.Logger

	mu       sync.Mutex
	tracking bool
	tracked  map[string]trackedUpdate
}

type trackedUpdate struct {
	jobID  string
	status Status
}

// Ack is the service's answer to a status update.
type Ack struct {
	JobID    string
	Status   Status
	Accepted bool
	// Tracked is true when the ack answers an update this reporter sent
	// while acknowledgements were subscribed. Each update is tracked once.
	Tracked   bool
	Rejection *RejectedError
}

// NewReporter creates a Reporter.
func NewReporter(p ReporterParams) *Reporter {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Reporter{
		topics:    NewTopics(p.ThingName),
		transport: p.Transport,
		logger:    logger.With("component", "jobs.reporter"),
		tracked:   make(map[string]trackedUpdate),
	}
}

type updateRequest struct {
	Status        Status            `json:"status"`
	StatusDetails map[string]string `json:"statusDetails,omitempty"`
	ClientToken   string            `json:"clientToken"`
}

// PublishStatus reports status for jobID. It returns once the broker has
// taken the update; the service's verdict arrives as an Ack.
func (r *Reporter) PublishStatus(ctx context.Context, jobID string, status Status, details map[string]string) error {
	if jobID == "" {
		return errors.New("reporting status: job id is required")
	}
	if !status.Reportable() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	token := newClientToken()
	payload, err := json.Marshal(updateRequest{Status: status, StatusDetails: details, ClientToken: token})
	if err != nil {
		return fmt.Errorf("reporting %s for job %s: %w", status, jobID, err)
	}

	r.mu.Lock()
	if r.tracking {
		r.tracked[token] = trackedUpdate{jobID: jobID, status: status}
	}
	r.mu.Unlock()

	if err := r.transport.Publish(ctx, r.topics.Update(jobID), payload); err != nil {
		r.mu.Lock()
		delete(r.tracked, token)
		r.mu.Unlock()
		return fmt.Errorf("reporting %s for job %s: %w", status, jobID, err)
	}

	r.logger.Info("reported job status", "job_id", jobID, "status", status)
	return nil
}

// SubscribeAcks delivers acknowledgements of status updates for every job to
// fn. Updates published before this call are never reported as tracked.
func (r *Reporter) SubscribeAcks(ctx context.Context, fn func(Ack)) error {
	filter := r.topics.UpdateAny()

	if err := r.transport.Subscribe(ctx, Accepted(filter), r.handleAck(true, fn)); err != nil {
		return fmt.Errorf("subscribing to update acknowledgements: %w", err)
	}
	if err := r.transport.Subscribe(ctx, Rejected(filter), r.handleAck(false, fn)); err != nil {
		_ = r.transport.Unsubscribe(ctx, Accepted(filter))
		return fmt.Errorf("subscribing to update rejections: %w", err)
	}

	r.mu.Lock()
	r.tracking = true
	r.mu.Unlock()
	return nil
}

func (r *Reporter) handleAck(accepted bool, fn func(Ack)) func(string, []byte) {
	return func(topic string, payload []byte) {
		var msg struct {
			ClientToken    string `json:"clientToken"`
			ExecutionState *struct {
				Status Status `json:"status"`
			} `json:"executionState"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			r.logger.Error("discarding malformed update acknowledgement", "topic", topic, "error", err)
			return
		}

		ack := Ack{JobID: r.topics.JobIDFromTopic(topic), Accepted: accepted}
		if msg.ExecutionState != nil {
			ack.Status = msg.ExecutionState.Status
		}

		if msg.ClientToken != "" {
			r.mu.Lock()
			t, ok := r.tracked[msg.ClientToken]
			if ok {
				delete(r.tracked, msg.ClientToken)
			}
			r.mu.Unlock()

			if ok {
				ack.Tracked = true
				ack.JobID = t.jobID
				ack.Status = t.status
			}
		}

		if !accepted {
			ack.Rejection = parseRejection("status update", ack.JobID, payload)
			r.logger.Warn("status update rejected",
				"job_id", ack.JobID,
				"status", ack.Status,
				"code", ack.Rejection.Code,
				"message", ack.Rejection.Message,
			)
		} else {
			r.logger.Debug("status update accepted", "job_id", ack.JobID, "status", ack.Status, "tracked", ack.Tracked)
		}

		fn(ack)
	}
}
