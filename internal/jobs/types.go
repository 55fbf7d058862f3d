// ABOUTME: Job data model exchanged with the coordination service.
// ABOUTME: Defines statuses, execution summaries, executions, and job documents.

package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Status is the execution status of a job on this device.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"

	// Set by the service only
	StatusTimedOut Status = "TIMED_OUT"
	StatusRejected Status = "REJECTED"
	StatusRemoved  Status = "REMOVED"
	StatusCanceled Status = "CANCELED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusQueued, StatusInProgress, "":
		return false
	default:
		return true
	}
}

// Reportable reports whether the agent may publish this status.
func (s Status) Reportable() bool {
	return s == StatusInProgress || s == StatusSucceeded || s == StatusFailed
}

// rank orders statuses so reports only move forward.
func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusInProgress:
		return 1
	case "":
		return -1
	default:
		return 2
	}
}

// Summary describes a pending job without its document.
type Summary struct {
	JobID           string `json:"jobId"`
	QueuedAt        int64  `json:"queuedAt"`
	StartedAt       int64  `json:"startedAt,omitempty"`
	LastUpdatedAt   int64  `json:"lastUpdatedAt,omitempty"`
	VersionNumber   int64  `json:"versionNumber,omitempty"`
	ExecutionNumber int64  `json:"executionNumber,omitempty"`
}

// Pending is the backlog returned by ListPending.
type Pending struct {
	InProgress []Summary `json:"inProgressJobs"`
	Queued     []Summary `json:"queuedJobs"`
}

// Execution is a job execution including its document.
type Execution struct {
	JobID           string            `json:"jobId"`
	ThingName       string            `json:"thingName,omitempty"`
	Status          Status            `json:"status,omitempty"`
	StatusDetails   map[string]string `json:"statusDetails,omitempty"`
	QueuedAt        int64             `json:"queuedAt,omitempty"`
	StartedAt       int64             `json:"startedAt,omitempty"`
	LastUpdatedAt   int64             `json:"lastUpdatedAt,omitempty"`
	VersionNumber   int64             `json:"versionNumber,omitempty"`
	ExecutionNumber int64             `json:"executionNumber,omitempty"`
	// Document is kept raw so a malformed document fails the job, not the reply.
	Document json.RawMessage `json:"jobDocument,omitempty"`
}

// ErrMalformedDocument indicates the job document has no usable first step.
var ErrMalformedDocument = errors.New("malformed job document")

// Document is the job document. Only the first step is ever executed.
type Document struct {
	Steps []Step `json:"steps"`
}

// Step is one entry of a job document.
type Step struct {
	Action Action `json:"action"`
}

// Action names the work to perform and its parameters.
type Action struct {
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// UnmarshalJSON accepts "parameters" as an alias for "input".
func (a *Action) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name       string         `json:"name"`
		Input      map[string]any `json:"input"`
		Parameters map[string]any `json:"parameters"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Name = raw.Name
	a.Input = raw.Input
	if a.Input == nil {
		a.Input = raw.Parameters
	}
	return nil
}

// FirstAction parses the document and returns the action of its first step.
func (e *Execution) FirstAction() (Action, error) {
	if len(e.Document) == 0 {
		return Action{}, fmt.Errorf("%w: job %s has no document", ErrMalformedDocument, e.JobID)
	}

	var doc Document
	if err := json.Unmarshal(e.Document, &doc); err != nil {
		return Action{}, fmt.Errorf("%w: job %s: %v", ErrMalformedDocument, e.JobID, err)
	}
	if len(doc.Steps) == 0 {
		return Action{}, fmt.Errorf("%w: job %s has no steps", ErrMalformedDocument, e.JobID)
	}
	if doc.Steps[0].Action.Name == "" {
		return Action{}, fmt.Errorf("%w: job %s first step has no action name", ErrMalformedDocument, e.JobID)
	}
	return doc.Steps[0].Action, nil
}
