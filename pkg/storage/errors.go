package storage

import (
	"errors"
	"fmt"

	"github.com/cuemby/rollout/pkg/types"
)

// ErrNotTerminal is returned when releasing a lock whose record is still in flight
var ErrNotTerminal = errors.New("deployment is not in a terminal status")

func notFound(kind, key string) error {
	return fmt.Errorf("%s %s: %w", kind, key, types.ErrNotFound)
}

func alreadyExists(id string) error {
	return fmt.Errorf("deployment %s: %w", id, types.ErrAlreadyExists)
}

// clearUpdate is the forced transition applied by an operator clear
func clearUpdate(reason string) types.StatusUpdate {
	if reason == "" {
		reason = "cleared by operator"
	}
	return types.StatusUpdate{
		Status:      types.StatusFailed,
		Reason:      reason,
		FailureKind: types.FailureCleared,
		Force:       true,
	}
}

// checkAppend enforces the single in-flight record invariant for Append
func checkAppend(rec *types.DeploymentRecord, inFlight string) error {
	if inFlight != "" && inFlight != rec.ID && !rec.Status.Terminal() {
		return &types.BusyError{Environment: rec.Environment, DeploymentID: inFlight}
	}
	return nil
}
