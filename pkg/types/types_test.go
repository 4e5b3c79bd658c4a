package types

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{in: "rolling", want: StrategyRolling},
		{in: "ROLLING", want: StrategyRolling},
		{in: "blue-green", want: StrategyBlueGreen},
		{in: "BLUE_GREEN", want: StrategyBlueGreen},
		{in: "recreate", want: StrategyRecreate},
		{in: "canary", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStrategy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusValidating))
	assert.True(t, CanTransition(StatusVerifying, StatusFailed))
	assert.True(t, CanTransition(StatusFailed, StatusRollingBack))
	assert.True(t, CanTransition(StatusRollingBack, StatusRollbackFailed))

	assert.False(t, CanTransition(StatusPending, StatusDeploying))
	assert.False(t, CanTransition(StatusSucceeded, StatusRollingBack))
	assert.False(t, CanTransition(StatusFailed, StatusRolledBack), "ROLLED_BACK requires ROLLING_BACK first")
	assert.False(t, CanTransition(StatusRolledBack, StatusRollingBack))
}

func TestTerminal(t *testing.T) {
	terminal := []Status{StatusSucceeded, StatusFailed, StatusRolledBack, StatusRollbackFailed}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), s)
	}
	inFlight := []Status{StatusPending, StatusValidating, StatusDeploying, StatusVerifying, StatusRollingBack}
	for _, s := range inFlight {
		assert.False(t, s.Terminal(), s)
	}
}

func TestRecordApply(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := NewRecord("", "staging", "api", StrategyRolling, "v2.0.0", false, now)
	require.NotEmpty(t, rec.ID)

	require.NoError(t, rec.Apply(StatusUpdate{Status: StatusValidating, At: now}))
	require.NoError(t, rec.Apply(StatusUpdate{Status: StatusDeploying, At: now}))
	require.NoError(t, rec.Apply(StatusUpdate{Status: StatusVerifying, At: now}))
	assert.Nil(t, rec.CompletedAt)

	require.NoError(t, rec.Apply(StatusUpdate{
		Status:          StatusSucceeded,
		At:              now.Add(time.Minute),
		RunningImageTag: "v2.0.0",
		Slot:            SlotPrimary,
	}))
	require.NotNil(t, rec.CompletedAt)
	assert.Equal(t, now.Add(time.Minute), *rec.CompletedAt)
	assert.Equal(t, "v2.0.0", rec.RunningImageTag)
	assert.True(t, rec.Counts())
	assert.Equal(t,
		[]Status{StatusPending, StatusValidating, StatusDeploying, StatusVerifying, StatusSucceeded},
		rec.StatusSequence())

	err := rec.Apply(StatusUpdate{Status: StatusRollingBack})
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StatusSucceeded, rec.Status, "rejected update must not change the record")
}

func TestRecordApplyClearsCompletedAtWhenRollbackStarts(t *testing.T) {
	now := time.Now()
	rec := NewRecord("d1", "prod", "api", StrategyRolling, "v2", false, now)
	rec.Status = StatusVerifying

	require.NoError(t, rec.Apply(StatusUpdate{Status: StatusFailed, FailureKind: FailureHealth}))
	require.NotNil(t, rec.CompletedAt)

	require.NoError(t, rec.Apply(StatusUpdate{Status: StatusRollingBack}))
	assert.Nil(t, rec.CompletedAt)
	assert.Equal(t, FailureHealth, rec.FailureKind)
}

func TestDryRunNeverCounts(t *testing.T) {
	rec := NewRecord("d1", "dev", "api", StrategyRolling, "v1", true, time.Now())
	rec.Status = StatusSucceeded
	rec.RunningImageTag = "v1"
	assert.False(t, rec.Counts())
}

func TestErrorTaxonomy(t *testing.T) {
	busy := &BusyError{Environment: "prod", DeploymentID: "d1"}
	assert.ErrorIs(t, busy, ErrBusy)

	timeout := &HealthCheckTimeoutError{Attempts: []HealthCheckAttempt{{AttemptNumber: 1, HTTPStatusOrError: "HTTP 503"}}}
	assert.ErrorIs(t, timeout, ErrHealthCheckTimeout)
	assert.Contains(t, timeout.Error(), "HTTP 503")

	rb := &RollbackError{Reason: "no previous image"}
	assert.ErrorIs(t, rb, ErrRollbackFailed)

	cause := errors.New("pull denied")
	exec := &ExecutionError{Strategy: StrategyRolling, Step: "pull", Err: cause}
	assert.ErrorIs(t, exec, cause)
}

func TestOtherSlot(t *testing.T) {
	assert.Equal(t, SlotGreen, OtherSlot(""))
	assert.Equal(t, SlotGreen, OtherSlot(SlotPrimary))
	assert.Equal(t, SlotGreen, OtherSlot(SlotBlue))
	assert.Equal(t, SlotBlue, OtherSlot(SlotGreen))
}
