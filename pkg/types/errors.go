package types

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when an environment already has an in-flight deployment
	ErrBusy = errors.New("environment busy")

	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a new deployment reuses an existing id
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidTransition is returned for an illegal status change
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrHealthCheckTimeout is returned when health verification exhausts its budget
	ErrHealthCheckTimeout = errors.New("health check timeout")

	// ErrRollbackFailed is returned when the previous version cannot be restored
	ErrRollbackFailed = errors.New("rollback failed")
)

// ValidationError is a fatal pre-mutation failure
type ValidationError struct {
	Check  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%s): %s", e.Check, e.Reason)
}

// BusyError carries the deployment currently holding the environment
type BusyError struct {
	Environment  string
	DeploymentID string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("environment %s is busy: deployment %s is in flight", e.Environment, e.DeploymentID)
}

func (e *BusyError) Unwrap() error { return ErrBusy }

// ExecutionError is raised when the runtime mutation itself fails
type ExecutionError struct {
	Strategy Strategy
	Step     string
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s deployment failed at %s: %v", e.Strategy, e.Step, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// HealthCheckTimeoutError carries the full attempt history
type HealthCheckTimeoutError struct {
	Attempts []HealthCheckAttempt
	Reason   string
}

func (e *HealthCheckTimeoutError) Error() string {
	last := "no attempts"
	if n := len(e.Attempts); n > 0 {
		last = e.Attempts[n-1].HTTPStatusOrError
	}
	if e.Reason != "" {
		return fmt.Sprintf("health check failed after %d attempts (%s): %s", len(e.Attempts), e.Reason, last)
	}
	return fmt.Sprintf("health check failed after %d attempts: %s", len(e.Attempts), last)
}

func (e *HealthCheckTimeoutError) Unwrap() error { return ErrHealthCheckTimeout }

// RollbackError is terminal and requires operator intervention
type RollbackError struct {
	Reason string
	Err    error
}

func (e *RollbackError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rollback failed: %s: %v", e.Reason, e.Err)
	}
	return "rollback failed: " + e.Reason
}

func (e *RollbackError) Is(target error) bool { return target == ErrRollbackFailed }

func (e *RollbackError) Unwrap() error { return e.Err }

// TransitionError reports an illegal status change
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("deployment %s: cannot transition %s -> %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
