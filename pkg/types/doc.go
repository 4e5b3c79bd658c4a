/*
Package types defines the data model shared by every rollout component.

# Deployment Records

A DeploymentRecord is created for every attempted deployment and is never
deleted; the next record for the same environment supersedes it. Each status
change appends a Transition, so the full path a deployment took is always
available from the State Store:

	PENDING → VALIDATING → DEPLOYING → VERIFYING → SUCCEEDED
	                 │           │           │
	                 └───────────┴───────────┴──→ FAILED → ROLLING_BACK → ROLLED_BACK
	                                                                    └→ ROLLBACK_FAILED

CanTransition encodes the edges above. Record.Apply is the single place a
status changes, so every storage backend enforces the same machine.

PreviousImageTag is fixed when the record is acquired and is the rollback
target. RunningImageTag records what is actually serving once the run is over:
the requested tag after SUCCEEDED, the previous tag after ROLLED_BACK.

# Errors

The error taxonomy maps one to one onto the orchestrator's exit codes:

  - ValidationError, BusyError: nothing was mutated (exit 2)
  - ExecutionError, HealthCheckTimeoutError: FAILED, rollback is evaluated
  - RollbackError: terminal, needs an operator (exit 1)

All of them work with errors.Is and errors.As.
*/
package types
