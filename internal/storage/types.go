package storage

import (
	"errors"
	"time"

	"mediaq/internal/jobs"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines history plus a dedup snapshot/journal
//   - "sqlite": SQLite database file (pure Go driver)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry is one archived terminal job. Keep it compact and schema-stable.
type Entry struct {
	JobID       string    `json:"job_id"`
	Kind        string    `json:"kind"`
	Input       string    `json:"input"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at"`
	QueueMS     int64     `json:"queue_ms"`
	RunMS       int64     `json:"run_ms"`
	Output      string    `json:"output,omitempty"`
	Message     string    `json:"message,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// EntryFromRecord flattens a finished record.
func EntryFromRecord(r jobs.Record) Entry {
	e := Entry{
		JobID:     r.ID,
		Kind:      r.Kind,
		Input:     r.Input,
		Status:    r.Status.String(),
		CreatedAt: r.CreatedAt,
		QueueMS:   r.QueueDelay().Milliseconds(),
		RunMS:     r.RunTime().Milliseconds(),
		Output:    r.Output,
		Message:   r.Message,
		Error:     r.Error,
	}
	if r.CompletedAt != nil {
		e.CompletedAt = *r.CompletedAt
	}
	return e
}
