// Package storetest holds the behavior every storage.Store backend must share.
package storetest

import (
	"testing"
	"time"

	"github.com/cuemby/rollout/pkg/storage"
	"github.com/cuemby/rollout/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) storage.Store

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run exercises a backend against the common contract
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"AcquireFillsPreviousImageTag", testAcquireFillsPrevious},
		{"AcquireRejectsSecondInFlight", testAcquireBusy},
		{"AcquireRejectsExistingID", testAcquireDuplicateID},
		{"ReleaseRequiresTerminalStatus", testReleaseRequiresTerminal},
		{"UpdateStatusEnforcesStateMachine", testUpdateStatus},
		{"LatestSucceededSkipsDryRunsAndFailures", testLatestSucceeded},
		{"ListNewestFirst", testList},
		{"ClearForceFailsInFlight", testClear},
		{"MissingRecords", testMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

// finished builds a terminal record as if a previous run had completed
func finished(id, env string, status types.Status, running string, dryRun bool, offset time.Duration) *types.DeploymentRecord {
	rec := types.NewRecord(id, env, "api", types.StrategyRolling, running, dryRun, base.Add(offset))
	rec.Status = status
	rec.RunningImageTag = running
	done := base.Add(offset + time.Minute)
	rec.CompletedAt = &done
	return rec
}

func testAcquireFillsPrevious(t *testing.T, s storage.Store) {
	require.NoError(t, s.Append(finished("d1", "staging", types.StatusSucceeded, "v1.2.0", false, 0)))
	require.NoError(t, s.Append(finished("d2", "staging", types.StatusFailed, "", false, time.Hour)))

	rec := types.NewRecord("d3", "staging", "api", types.StrategyRolling, "v1.2.3", false, base.Add(2*time.Hour))
	lock, err := s.Acquire(rec)
	require.NoError(t, err)
	assert.Equal(t, "staging", lock.Environment)
	assert.Equal(t, "d3", lock.DeploymentID)
	assert.Equal(t, "v1.2.0", rec.PreviousImageTag)

	stored, err := s.Get("d3")
	require.NoError(t, err)
	assert.Equal(t, "v1.2.0", stored.PreviousImageTag)
	assert.Equal(t, types.StatusPending, stored.Status)
}

func testAcquireBusy(t *testing.T, s storage.Store) {
	first := types.NewRecord("d1", "prod", "api", types.StrategyRolling, "v2", false, base)
	_, err := s.Acquire(first)
	require.NoError(t, err)

	second := types.NewRecord("d2", "prod", "api", types.StrategyRolling, "v3", false, base)
	_, err = s.Acquire(second)
	require.ErrorIs(t, err, types.ErrBusy)
	var busy *types.BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, "d1", busy.DeploymentID)

	_, err = s.Get("d2")
	assert.ErrorIs(t, err, types.ErrNotFound, "a rejected acquire must not persist anything")

	// A different environment is independent
	_, err = s.Acquire(types.NewRecord("d3", "staging", "api", types.StrategyRolling, "v3", false, base))
	assert.NoError(t, err)

	// Appending a second non-terminal record is refused as well
	err = s.Append(types.NewRecord("d4", "prod", "api", types.StrategyRolling, "v4", false, base))
	assert.ErrorIs(t, err, types.ErrBusy)
}

func testAcquireDuplicateID(t *testing.T, s storage.Store) {
	require.NoError(t, s.Append(finished("same", "staging", types.StatusSucceeded, "v1", false, 0)))

	_, err := s.Acquire(types.NewRecord("same", "dev", "api", types.StrategyRolling, "v9", false, base.Add(time.Hour)))
	require.ErrorIs(t, err, types.ErrAlreadyExists)

	latest, err := s.LatestSucceeded("staging")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "staging", latest.Environment)
	assert.Equal(t, "v1", latest.RunningImageTag)

	history, err := s.List("dev", 0)
	require.NoError(t, err)
	assert.Empty(t, history)

	// The rejected id left dev unlocked
	_, err = s.Acquire(types.NewRecord("other", "dev", "api", types.StrategyRolling, "v9", false, base.Add(time.Hour)))
	assert.NoError(t, err)
}

func testReleaseRequiresTerminal(t *testing.T, s storage.Store) {
	rec := types.NewRecord("d1", "dev", "api", types.StrategyRecreate, "v2", false, base)
	lock, err := s.Acquire(rec)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Release(lock), storage.ErrNotTerminal)

	_, err = s.UpdateStatus("d1", types.StatusUpdate{Status: types.StatusValidating, At: base})
	require.NoError(t, err)
	_, err = s.UpdateStatus("d1", types.StatusUpdate{Status: types.StatusFailed, At: base, FailureKind: types.FailureValidation})
	require.NoError(t, err)
	require.NoError(t, s.Release(lock))

	// Releasing twice is harmless
	require.NoError(t, s.Release(lock))

	_, err = s.Acquire(types.NewRecord("d2", "dev", "api", types.StrategyRecreate, "v3", false, base))
	assert.NoError(t, err)
}

func testUpdateStatus(t *testing.T, s storage.Store) {
	rec := types.NewRecord("d1", "dev", "api", types.StrategyRolling, "v2", false, base)
	_, err := s.Acquire(rec)
	require.NoError(t, err)

	_, err = s.UpdateStatus("d1", types.StatusUpdate{Status: types.StatusDeploying})
	require.ErrorIs(t, err, types.ErrInvalidTransition)

	stored, err := s.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, stored.Status)

	for _, st := range []types.Status{types.StatusValidating, types.StatusDeploying, types.StatusVerifying} {
		_, err = s.UpdateStatus("d1", types.StatusUpdate{Status: st, At: base})
		require.NoError(t, err)
	}
	updated, err := s.UpdateStatus("d1", types.StatusUpdate{
		Status:          types.StatusSucceeded,
		At:              base.Add(time.Minute),
		RunningImageTag: "v2",
		Slot:            types.SlotPrimary,
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusSucceeded, updated.Status)
	require.NotNil(t, updated.CompletedAt)
	assert.True(t, updated.CompletedAt.Equal(base.Add(time.Minute)))
	assert.Len(t, updated.Transitions, 5)

	stored, err = s.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, updated.StatusSequence(), stored.StatusSequence())
	assert.Equal(t, "v2", stored.RunningImageTag)
}

func testLatestSucceeded(t *testing.T, s storage.Store) {
	none, err := s.LatestSucceeded("qa")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, s.Append(finished("d1", "qa", types.StatusSucceeded, "v1", false, 0)))
	require.NoError(t, s.Append(finished("d2", "qa", types.StatusRolledBack, "v1", false, time.Hour)))
	require.NoError(t, s.Append(finished("d3", "qa", types.StatusSucceeded, "v9", true, 2*time.Hour)))
	require.NoError(t, s.Append(finished("d4", "qa", types.StatusRollbackFailed, "", false, 3*time.Hour)))

	latest, err := s.LatestSucceeded("qa")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "d2", latest.ID)
	assert.Equal(t, "v1", latest.RunningImageTag)
}

func testList(t *testing.T, s storage.Store) {
	for i, id := range []string{"d1", "d2", "d3"} {
		require.NoError(t, s.Append(finished(id, "qa", types.StatusSucceeded, "v"+id, false, time.Duration(i)*time.Hour)))
	}
	require.NoError(t, s.Append(finished("x1", "other", types.StatusSucceeded, "v1", false, 0)))

	all, err := s.List("qa", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "d3", all[0].ID)
	assert.Equal(t, "d1", all[2].ID)

	limited, err := s.List("qa", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "d2", limited[1].ID)

	latest, err := s.Latest("qa")
	require.NoError(t, err)
	assert.Equal(t, "d3", latest.ID)

	// Upserting an existing record does not reorder history
	again, err := s.Get("d1")
	require.NoError(t, err)
	again.Reason = "annotated"
	require.NoError(t, s.Append(again))
	latest, err = s.Latest("qa")
	require.NoError(t, err)
	assert.Equal(t, "d3", latest.ID)

	empty, err := s.List("nowhere", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testClear(t *testing.T, s storage.Store) {
	_, err := s.Clear("prod", "")
	require.ErrorIs(t, err, types.ErrNotFound)

	rec := types.NewRecord("d1", "prod", "api", types.StrategyBlueGreen, "v2", false, base)
	_, err = s.Acquire(rec)
	require.NoError(t, err)
	_, err = s.UpdateStatus("d1", types.StatusUpdate{Status: types.StatusValidating, At: base})
	require.NoError(t, err)
	_, err = s.UpdateStatus("d1", types.StatusUpdate{Status: types.StatusDeploying, At: base})
	require.NoError(t, err)

	cleared, err := s.Clear("prod", "runner crashed")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, cleared.Status)
	assert.Equal(t, types.FailureCleared, cleared.FailureKind)
	assert.Equal(t, "runner crashed", cleared.Reason)
	assert.NotNil(t, cleared.CompletedAt)

	_, err = s.Acquire(types.NewRecord("d2", "prod", "api", types.StrategyBlueGreen, "v3", false, base))
	assert.NoError(t, err)
}

func testMissing(t *testing.T, s storage.Store) {
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = s.Latest("nowhere")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = s.UpdateStatus("nope", types.StatusUpdate{Status: types.StatusValidating})
	assert.ErrorIs(t, err, types.ErrNotFound)
}
