package service

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sitescan/notifier/internal/store/model"
)

type ErrResourceNotFound struct {
	error
}

func NewErrResourceNotFound(id uuid.UUID, resourceType string) *ErrResourceNotFound {
	return &ErrResourceNotFound{fmt.Errorf("%s %s not found", resourceType, id)}
}

func NewErrJobNotFound(id uuid.UUID) *ErrResourceNotFound {
	return NewErrResourceNotFound(id, "job")
}

// ErrInvalidTransition is returned when a job is asked to move along an edge
// the status graph does not have. Nothing was written.
type ErrInvalidTransition struct {
	error
}

func NewErrInvalidTransition(id uuid.UUID, from, to model.JobStatus) *ErrInvalidTransition {
	return &ErrInvalidTransition{fmt.Errorf("job %s cannot move from %q to %q", id, from, to)}
}

// ErrStore wraps a persistence failure. The operation may be retried.
type ErrStore struct {
	error
	cause error
}

func NewErrStore(operation string, err error) *ErrStore {
	return &ErrStore{error: fmt.Errorf("failed to %s: %w", operation, err), cause: err}
}

func (e *ErrStore) Unwrap() error {
	return e.cause
}
