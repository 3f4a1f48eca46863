package jobs

import "errors"

var (
	ErrNotFound        = errors.New("job not found")
	ErrDuplicateID     = errors.New("duplicate job id")
	ErrInvalidState    = errors.New("invalid job state")
	ErrUnknownWorkItem = errors.New("unknown work item")
)
