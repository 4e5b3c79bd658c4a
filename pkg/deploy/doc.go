/*
Package deploy implements the deployment strategies.

# Strategies

Rolling replaces the instances of the active slot in batches bounded by
rolling.max_surge and rolling.max_unavailable, so part of the service keeps
serving throughout. Recreate stops every instance of the active slot before
starting the new image; it is the fastest strategy and the only one with
downtime, so protected environments require an explicit override.

Blue-green stands up the standby slot next to the active one:

	1. Apply the new image to the standby slot
	2. Wait for the runtime to report it running (Executor.Readiness)
	3. Switch traffic to it in one runtime call
	4. Finalize: tear down the old slot after health verification passes

If the standby slot never becomes ready, or the switch fails, it is torn
down and the active slot is left untouched. There is no partial cutover.

# Dry Runs

A dry run reads the active slot to resolve the plan and logs it. Pull,
Apply, SwitchTraffic and Teardown are never called.

# Errors

Every failure is a *types.ExecutionError naming the step (pull, apply,
readiness, switch). A recreate refused on a protected environment wraps
ErrRecreateNotAllowed and happens before any mutation.
*/
package deploy
