package deploy

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/rollout/pkg/config"
	"github.com/cuemby/rollout/pkg/events"
	"github.com/cuemby/rollout/pkg/health"
	"github.com/cuemby/rollout/pkg/health/healthtest"
	"github.com/cuemby/rollout/pkg/runtime"
	"github.com/cuemby/rollout/pkg/runtime/runtimetest"
	"github.com/cuemby/rollout/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	oldImage = "api:v1.2.0"
	newImage = "api:v1.2.3"
)

func newTestExecutor(rt *runtimetest.Runtime, broker *events.Broker) (*Executor, *healthtest.FakeClock) {
	e := NewExecutor(rt, broker,
		config.RollingConfig{MaxSurge: 1, MaxUnavailable: 0},
		health.Policy{Retries: 5, Interval: time.Second})
	clock := healthtest.NewFakeClock()
	e.Verifier.Clock = clock
	return e, clock
}

func record(strategy types.Strategy, dryRun bool) *types.DeploymentRecord {
	return types.NewRecord("d1", "staging", "api", strategy, "v1.2.3", dryRun, time.Now())
}

func params() Params {
	return Params{Image: newImage, Replicas: 3, Port: 8080}
}

func TestExecuteRolling(t *testing.T) {
	rt := runtimetest.New()
	rt.Seed("api", types.SlotPrimary, oldImage, 3)
	e, _ := newTestExecutor(rt, nil)

	out, err := e.Execute(context.Background(), record(types.StrategyRolling, false), params())
	require.NoError(t, err)

	assert.Equal(t, types.SlotPrimary, out.Slot)
	assert.Equal(t, types.SlotPrimary, out.PreviousSlot)
	assert.False(t, out.Switched)
	assert.Equal(t, []string{
		"ActiveSlot api",
		"Pull " + newImage,
		"Apply api primary " + newImage + " rolling",
	}, rt.Methods())
	assert.Equal(t, newImage, rt.Image("api", types.SlotPrimary))
}

func TestExecuteFirstDeploymentUsesPrimary(t *testing.T) {
	rt := runtimetest.New()
	e, _ := newTestExecutor(rt, nil)

	out, err := e.Execute(context.Background(), record(types.StrategyRecreate, false), params())
	require.NoError(t, err)
	assert.Equal(t, types.SlotPrimary, out.Slot)
	assert.Empty(t, out.PreviousSlot)

	calls := rt.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, runtime.ModeRecreate, calls[2].Mode)
}

func TestExecuteRecreateGuard(t *testing.T) {
	rt := runtimetest.New()
	e, _ := newTestExecutor(rt, nil)

	p := params()
	p.Protected = true
	_, err := e.Execute(context.Background(), record(types.StrategyRecreate, false), p)
	require.ErrorIs(t, err, ErrRecreateNotAllowed)
	assert.Empty(t, rt.Calls())

	p.AllowRecreate = true
	_, err = e.Execute(context.Background(), record(types.StrategyRecreate, false), p)
	require.NoError(t, err)
}

func TestExecuteDryRunNeverMutates(t *testing.T) {
	for _, strategy := range []types.Strategy{types.StrategyRolling, types.StrategyBlueGreen, types.StrategyRecreate} {
		t.Run(string(strategy), func(t *testing.T) {
			rt := runtimetest.New()
			rt.Seed("api", types.SlotBlue, oldImage, 3)
			e, _ := newTestExecutor(rt, nil)

			out, err := e.Execute(context.Background(), record(strategy, true), params())
			require.NoError(t, err)
			assert.True(t, out.DryRun)
			assert.Empty(t, rt.MutatingCalls())
			assert.Equal(t, oldImage, rt.Image("api", types.SlotBlue))

			require.NoError(t, e.Finalize(context.Background(), "api", out))
			require.NoError(t, e.Abandon(context.Background(), "api", out))
			assert.Empty(t, rt.MutatingCalls())
		})
	}
}

func TestExecuteBlueGreen(t *testing.T) {
	rt := runtimetest.New()
	rt.Seed("api", types.SlotBlue, oldImage, 3)
	broker := events.NewBroker()
	var switched []*events.Event
	broker.Subscribe(func(evt *events.Event) {
		if evt.Type == events.EventTrafficSwitched {
			switched = append(switched, evt)
		}
	})
	e, _ := newTestExecutor(rt, broker)

	out, err := e.Execute(context.Background(), record(types.StrategyBlueGreen, false), params())
	require.NoError(t, err)

	assert.Equal(t, types.SlotGreen, out.Slot)
	assert.Equal(t, types.SlotBlue, out.PreviousSlot)
	assert.True(t, out.Switched)
	assert.Equal(t, types.SlotGreen, rt.Active("api"))
	assert.ElementsMatch(t, []string{types.SlotBlue, types.SlotGreen}, rt.Slots("api"), "blue stays until verified")
	require.Len(t, switched, 1)
	assert.Equal(t, "green", switched[0].Metadata["to"])

	require.NoError(t, e.Finalize(context.Background(), "api", out))
	assert.Equal(t, []string{types.SlotGreen}, rt.Slots("api"))
	assert.Equal(t, newImage, rt.Image("api", types.SlotGreen))
}

func TestExecuteBlueGreenNotReady(t *testing.T) {
	rt := runtimetest.New()
	rt.Seed("api", types.SlotBlue, oldImage, 3)
	rt.NotReady[newImage] = true
	e, clock := newTestExecutor(rt, nil)

	_, err := e.Execute(context.Background(), record(types.StrategyBlueGreen, false), params())

	var execErr *types.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, StepReadiness, execErr.Step)
	assert.ErrorIs(t, err, types.ErrHealthCheckTimeout)
	assert.Equal(t, 4*time.Second, clock.Slept())

	assert.Equal(t, types.SlotBlue, rt.Active("api"), "blue must keep serving")
	assert.Equal(t, []string{types.SlotBlue}, rt.Slots("api"))
	assert.Equal(t, oldImage, rt.Image("api", types.SlotBlue))
	for _, c := range rt.Calls() {
		assert.NotEqual(t, "SwitchTraffic", c.Method)
	}
}

func TestExecuteBlueGreenSwitchFails(t *testing.T) {
	rt := runtimetest.New()
	rt.Seed("api", types.SlotBlue, oldImage, 3)
	rt.Fail["SwitchTraffic"] = errors.New("ingress update rejected")
	e, _ := newTestExecutor(rt, nil)

	_, err := e.Execute(context.Background(), record(types.StrategyBlueGreen, false), params())
	var execErr *types.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, StepSwitch, execErr.Step)
	assert.Equal(t, []string{types.SlotBlue}, rt.Slots("api"))
}

func TestExecuteErrors(t *testing.T) {
	t.Run("pull", func(t *testing.T) {
		rt := runtimetest.New()
		rt.Fail["Pull"] = errors.New("denied")
		e, _ := newTestExecutor(rt, nil)

		_, err := e.Execute(context.Background(), record(types.StrategyRolling, false), params())
		var execErr *types.ExecutionError
		require.ErrorAs(t, err, &execErr)
		assert.Equal(t, StepPull, execErr.Step)
		assert.Equal(t, types.StrategyRolling, execErr.Strategy)
	})

	t.Run("apply", func(t *testing.T) {
		rt := runtimetest.New()
		rt.FailImage[newImage] = errors.New("container exited")
		e, _ := newTestExecutor(rt, nil)

		_, err := e.Execute(context.Background(), record(types.StrategyRolling, false), params())
		var execErr *types.ExecutionError
		require.ErrorAs(t, err, &execErr)
		assert.Equal(t, StepApply, execErr.Step)
		assert.Contains(t, err.Error(), "container exited")
	})
}

func TestActiveUntouched(t *testing.T) {
	step := func(s types.Strategy, name string) error {
		return fmt.Errorf("run: %w", &types.ExecutionError{Strategy: s, Step: name, Err: errors.New("boom")})
	}
	assert.True(t, ActiveUntouched(step(types.StrategyRolling, StepPull)))
	assert.True(t, ActiveUntouched(step(types.StrategyRecreate, StepGuard)))
	assert.True(t, ActiveUntouched(step(types.StrategyBlueGreen, StepApply)))
	assert.True(t, ActiveUntouched(step(types.StrategyBlueGreen, StepReadiness)))
	assert.True(t, ActiveUntouched(step(types.StrategyBlueGreen, StepSwitch)))
	assert.False(t, ActiveUntouched(step(types.StrategyRolling, StepApply)))
	assert.False(t, ActiveUntouched(step(types.StrategyRecreate, StepApply)))
	assert.False(t, ActiveUntouched(types.ErrHealthCheckTimeout))
	assert.False(t, ActiveUntouched(nil))
}

func TestReadinessPolicy(t *testing.T) {
	p := ReadinessPolicy(config.BlueGreenConfig{ReadinessTimeout: time.Minute, ReadinessInterval: 2 * time.Second})
	assert.Equal(t, 31, p.Retries)
	assert.Equal(t, 2*time.Second, p.Interval)
	assert.Equal(t, time.Minute, p.Deadline)

	p = ReadinessPolicy(config.BlueGreenConfig{})
	assert.Equal(t, 1, p.Retries)
}
