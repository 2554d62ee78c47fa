package scheduler

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a record would move backward.
var ErrInvalidTransition = errors.New("invalid tool call status transition")

// Status is the lifecycle state of one tool call.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s.rank() == 2
}

// Record tracks one tool call through execution.
type Record struct {
	ID              string         `json:"id"`
	Tool            string         `json:"tool"`
	Params          map[string]any `json:"params,omitempty"`
	Status          Status         `json:"status"`
	Result          string         `json:"result,omitempty"`
	ResultDisplay   any            `json:"result_display,omitempty"`
	Error           string         `json:"error,omitempty"`
	StreamingOutput string         `json:"streaming_output,omitempty"`
	StartedAt       time.Time      `json:"started_at,omitzero"`
	CompletedAt     time.Time      `json:"completed_at,omitzero"`
}

// NewRecord returns a pending record.
func NewRecord(id, tool string, params map[string]any) Record {
	return Record{ID: id, Tool: tool, Params: params, Status: StatusPending}
}

// Advance moves the record to status to. Moving backward, sideways between
// terminal states, or out of a terminal state fails.
func (r *Record) Advance(to Status, now time.Time) error {
	from, next := r.Status.rank(), to.rank()
	if next < 0 || next <= from {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	switch {
	case to == StatusRunning:
		r.StartedAt = now
	case to.Terminal():
		if r.StartedAt.IsZero() {
			r.StartedAt = now
		}
		r.CompletedAt = now
	}
	return nil
}

// Duration returns how long the call ran, or zero if it has not finished.
func (r Record) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}
