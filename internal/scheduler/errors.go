package scheduler

import (
	"errors"

	"mediaq/internal/jobs"
)

var (
	ErrNotRunning       = errors.New("scheduler not running")
	ErrStopped          = errors.New("scheduler stopped")
	ErrInvalidLimit     = errors.New("concurrency limit must be >= 1")
	ErrInvalidRetention = errors.New("retention must be > 0")
	ErrInvalidInput     = errors.New("input reference is empty")
)

// Re-exported so callers can match scheduler errors without importing jobs.
var (
	ErrNotFound        = jobs.ErrNotFound
	ErrInvalidState    = jobs.ErrInvalidState
	ErrUnknownWorkItem = jobs.ErrUnknownWorkItem
)
