// ABOUTME: Error types for the job protocol.
// ABOUTME: RejectedError carries the service's rejection reason back to callers.

package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrRejected matches any *RejectedError.
	ErrRejected = errors.New("request rejected by job service")

	// ErrInvalidStatus is returned when reporting a status the agent may not set.
	ErrInvalidStatus = errors.New("status cannot be reported by the agent")
)

// RejectedError is returned when the service answers on a rejected channel.
type RejectedError struct {
	Op          string
	JobID       string
	Code        string
	Message     string
	ClientToken string
	// Raw is the unmodified rejection payload.
	Raw json.RawMessage
}

func (e *RejectedError) Error() string {
	target := e.Op
	if e.JobID != "" {
		target += " " + e.JobID
	}
	if e.Code == "" && e.Message == "" {
		return fmt.Sprintf("%s rejected", target)
	}
	return fmt.Sprintf("%s rejected: %s: %s", target, e.Code, e.Message)
}

// Is reports ErrRejected.
func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// rejection is the wire format of a rejected reply.
type rejection struct {
	ClientToken string `json:"clientToken"`
	Code        string `json:"code"`
	Message     string `json:"message"`
}

func parseRejection(op, jobID string, payload []byte) *RejectedError {
	var r rejection
	// An unparseable rejection is still a rejection.
	_ = json.Unmarshal(payload, &r)
	return &RejectedError{
		Op:          op,
		JobID:       jobID,
		Code:        r.Code,
		Message:     r.Message,
		ClientToken: r.ClientToken,
		Raw:         append(json.RawMessage(nil), payload...),
	}
}
