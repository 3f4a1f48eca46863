package jobs

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record is one queued, running or finished invocation of a work item.
//
// ID, Kind, Input and CreatedAt never change after NewRecord. Everything else is
// moved forward only through the transition methods below.
type Record struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Input     string    `json:"input"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Message string `json:"message,omitempty"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewID returns a fresh job identifier.
func NewID() string { return uuid.NewString() }

// NewRecord creates a pending record.
func NewRecord(kind, input string, now time.Time) *Record {
	return &Record{
		ID:        NewID(),
		Kind:      strings.TrimSpace(kind),
		Input:     input,
		Status:    StatusPending,
		CreatedAt: now,
	}
}

// Clone returns a copy that shares nothing mutable with r.
func (r *Record) Clone() Record {
	cp := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}

// QueueDelay is the time spent pending before dispatch (0 if never started).
func (r *Record) QueueDelay() time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	return max(0, r.StartedAt.Sub(r.CreatedAt))
}

// RunTime is the time spent running (0 unless started and finished).
func (r *Record) RunTime() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return max(0, r.CompletedAt.Sub(*r.StartedAt))
}

// Start moves a pending job to running.
func (r *Record) Start(now time.Time) error {
	if err := r.advance(StatusRunning); err != nil {
		return err
	}
	r.StartedAt = &now
	return nil
}

// Complete records a successful run. A success must name its output.
func (r *Record) Complete(now time.Time, output, message string) error {
	if strings.TrimSpace(output) == "" {
		return fmt.Errorf("job %s: completed without output reference", r.ID)
	}
	if err := r.advance(StatusCompleted); err != nil {
		return err
	}
	if strings.TrimSpace(message) == "" {
		message = "completed"
	}
	r.CompletedAt = &now
	r.Output = output
	r.Message = message
	r.Error = ""
	return nil
}

// Fail records a failed run.
func (r *Record) Fail(now time.Time, detail string) error {
	if err := r.advance(StatusFailed); err != nil {
		return err
	}
	if strings.TrimSpace(detail) == "" {
		detail = "unknown failure"
	}
	r.CompletedAt = &now
	r.Error = detail
	return nil
}

// Cancel records cancellation, either before dispatch or after the work item
// observed its cancellation signal.
func (r *Record) Cancel(now time.Time) error {
	if err := r.advance(StatusCancelled); err != nil {
		return err
	}
	r.CompletedAt = &now
	r.Message = "cancelled"
	return nil
}

func (r *Record) advance(to Status) error {
	if !r.Status.CanTransition(to) {
		return fmt.Errorf("job %s: %s -> %s: %w", r.ID, r.Status, to, ErrInvalidState)
	}
	r.Status = to
	return nil
}
