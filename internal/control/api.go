package control

import (
	"mediaq/internal/jobs"
	"mediaq/internal/scheduler"
	"mediaq/internal/workitem"
)

// Scheduler is the part of scheduler.Service the HTTP handlers use.
type Scheduler interface {
	Submit(kind, input string) (string, error)
	Cancel(id string) error
	Remove(id string) error
	ClearCompleted() (int, error)
	SetConcurrencyLimit(n int) error
	Get(id string) (jobs.Record, error)
	List() ([]jobs.Record, error)
	Snapshot() (scheduler.Snapshot, error)
	Registry() *workitem.Registry
}

var _ Scheduler = (*scheduler.Service)(nil)

type SubmitRequest struct {
	Kind  string `json:"kind"`
	Input string `json:"input"`
}

type SubmitResponse struct {
	ID string `json:"id"`
}

type LimitRequest struct {
	Limit int `json:"limit"`
}

type ClearResponse struct {
	Removed int `json:"removed"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// EventLine is one NDJSON line on /events.
type EventLine struct {
	Type string `json:"type"`
	Time string `json:"time"`
	Data any    `json:"data,omitempty"`
}
