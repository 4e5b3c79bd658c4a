package storage

import (
	"github.com/cuemby/rollout/pkg/types"
)

// Lock is held by the deployment that owns an environment. It stays in the
// store until Release (or an operator Clear), so a crashed run keeps the
// environment busy.
type Lock struct {
	Environment  string
	DeploymentID string
}

// Store persists deployment records and the per-environment in-flight lock.
// Every write is a single atomic read-modify-write per environment.
type Store interface {
	// Acquire atomically checks that the environment has no in-flight
	// deployment, fills rec.PreviousImageTag from the latest counted record,
	// and appends rec as the in-flight deployment. Returns *types.BusyError
	// when the environment is held.
	Acquire(rec *types.DeploymentRecord) (*Lock, error)

	// Release drops the in-flight pointer once the record is terminal
	Release(lock *Lock) error

	// Append upserts a record and indexes it under its environment
	Append(rec *types.DeploymentRecord) error

	// UpdateStatus applies a transition to the stored record and returns it
	UpdateStatus(id string, update types.StatusUpdate) (*types.DeploymentRecord, error)

	// Get returns a record by id
	Get(id string) (*types.DeploymentRecord, error)

	// Latest returns the most recent record of an environment
	Latest(environment string) (*types.DeploymentRecord, error)

	// LatestSucceeded returns the most recent non-dry-run SUCCEEDED or
	// ROLLED_BACK record, or nil when the environment never had one
	LatestSucceeded(environment string) (*types.DeploymentRecord, error)

	// List returns records newest first; limit <= 0 means all
	List(environment string, limit int) ([]*types.DeploymentRecord, error)

	// Clear force-fails a stale in-flight record and drops the lock
	Clear(environment, reason string) (*types.DeploymentRecord, error)

	// Utility
	Close() error
}
