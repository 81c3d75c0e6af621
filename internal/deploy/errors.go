package deploy

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidName is returned for workload names that cannot be used as
	// container names or proxy path segments
	ErrInvalidName = errors.New("invalid workload name")

	// ErrInvalidRequest is returned for requests missing required fields
	ErrInvalidRequest = errors.New("invalid request")

	// ErrRuntimeStart is returned when the container runtime fails to start
	// or replace a workload container
	ErrRuntimeStart = errors.New("failed to start workload")

	// ErrRollbackTargetNotFound is returned when a rollback names a version
	// that was never published or cannot be pulled
	ErrRollbackTargetNotFound = errors.New("rollback target not found")
)

// Error is a failed deploy. State is the state the deploy was in when it
// failed.
type Error struct {
	Name     string
	DeployID string
	State    State
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("deploy of %s failed while %s: %v", e.Name, e.State, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// FailedState returns the state of an Error in err's chain
func FailedState(err error) (State, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.State, true
	}
	return "", false
}
