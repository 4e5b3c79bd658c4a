/*
Package storage persists deployment records and per-environment locks.

# Backends

Three implementations share the Store interface and the contract suite in
storetest:

  - MemoryStore: process memory, for tests
  - BoltStore: a single bbolt file, the default. bbolt takes an exclusive
    flock while the file is open, so a second CLI process waits up to the
    open timeout and then fails.
  - SQLiteStore: sqlx over mattn/go-sqlite3 with golang-migrate managed
    schema. Write transactions are BEGIN IMMEDIATE, so several processes
    may hold the file open and still serialize per environment.

# Layout

BoltStore keeps every record as JSON under its id in the "deployments"
bucket. Each environment gets its own bucket holding the in-flight pointer
and a "history" sub-bucket keyed by a big-endian sequence:

	deployments/<id>                     -> DeploymentRecord (JSON)
	environments/<env>/inflight          -> <id>
	environments/<env>/history/<seq>     -> <id>

SQLiteStore stores the same JSON in deployments.record, with the fields it
filters on (environment, status, dry_run, running_image_tag) in columns,
and the lock in environment_locks.

# Locking

Acquire is the only way a non-terminal record enters the store. It checks
the in-flight pointer, computes PreviousImageTag from the newest record that
counts (non-dry-run SUCCEEDED or ROLLED_BACK), writes the record and sets the
pointer in one transaction. The pointer survives FAILED so a rollback can
still run, and is dropped by Release once the record is terminal. A process
that dies mid-run leaves the pointer behind; `rollout clear <env>` removes it.
*/
package storage
