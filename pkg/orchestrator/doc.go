/*
Package orchestrator is the entry point of a deployment.

Run acquires the environment, then drives one DeploymentRecord through the
state machine, persisting each transition before the next step starts:

	PENDING → VALIDATING → DEPLOYING → VERIFYING → SUCCEEDED
	                                       │
	                                       └→ FAILED → ROLLING_BACK → ROLLED_BACK | ROLLBACK_FAILED

The orchestrator writes VALIDATING through FAILED; the rollback controller
writes the rest. A validation failure ends in FAILED (failure kind
"validation") without deploying anything and never rolls back. Execution
and health failures roll back when rollback.auto is set and --no-rollback
was not given.

After SUCCEEDED or ROLLED_BACK the smoke battery runs once. It is advisory:
a failing smoke check never changes the record, but the run exits 1.

# Exit Codes

	0  SUCCEEDED or ROLLED_BACK, smoke checks passing
	1  FAILED without rollback, ROLLBACK_FAILED, or a failing smoke check
	2  validation failure or busy environment; nothing was deployed

# Crashes

The environment lock is released only once the record is terminal. A
process killed mid-run leaves the record in flight and the environment busy
until an operator runs "rollout clear". Runs are never resumed.
*/
package orchestrator
