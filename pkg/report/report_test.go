package report

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/rollout/pkg/health"
	"github.com/cuemby/rollout/pkg/orchestrator"
	"github.com/cuemby/rollout/pkg/preflight"
	"github.com/cuemby/rollout/pkg/rollback"
	"github.com/cuemby/rollout/pkg/smoke"
	"github.com/cuemby/rollout/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func rolledBack() *orchestrator.Result {
	rec := types.NewRecord("d-42", "staging", "api", types.StrategyRolling, "v2.0.0", false, t0)
	rec.PreviousImageTag = "v1.9.0"
	for _, u := range []types.StatusUpdate{
		{Status: types.StatusValidating, At: t0},
		{Status: types.StatusDeploying, At: t0},
		{Status: types.StatusVerifying, At: t0},
		{Status: types.StatusFailed, At: t0, FailureKind: types.FailureHealth, Reason: "health check failed after 2 attempts: HTTP 503"},
		{Status: types.StatusRollingBack, At: t0},
		{Status: types.StatusRolledBack, At: t0.Add(5 * time.Second), RunningImageTag: "v1.9.0", Slot: types.SlotPrimary},
	} {
		if err := rec.Apply(u); err != nil {
			panic(err)
		}
	}

	return &orchestrator.Result{
		Record:    rec,
		Preflight: &preflight.Report{Warnings: []string{"low disk space: 512 MB free"}},
		Health: &health.Outcome{Attempts: []types.HealthCheckAttempt{
			{AttemptNumber: 1, HTTPStatusOrError: "HTTP 503"},
			{AttemptNumber: 2, HTTPStatusOrError: "HTTP 503"},
		}},
		Rollback: &rollback.Result{
			Strategy: types.StrategyRolling,
			Image:    "registry.local/api:v1.9.0",
			Health: health.Outcome{Healthy: true, Attempts: []types.HealthCheckAttempt{
				{AttemptNumber: 1, HTTPStatusOrError: "HTTP 200", Succeeded: true},
			}},
		},
		Smoke:    []smoke.CheckResult{{Name: "health", Passed: true, Message: "HTTP 200"}},
		Duration: 5 * time.Second,
		Err:      &types.HealthCheckTimeoutError{},
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatText, "TEXT": FormatText, "json": FormatJSON, "yml": FormatYAML, "yaml": FormatYAML} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("xml")
	assert.Error(t, err)
}

func TestFromResult(t *testing.T) {
	s := FromResult(rolledBack())

	assert.Equal(t, "d-42", s.DeploymentID)
	assert.Equal(t, types.StatusRolledBack, s.Status)
	assert.Equal(t, "v1.9.0", s.RunningTag)
	assert.Equal(t, types.FailureHealth, s.FailureKind)
	assert.Equal(t, orchestrator.ExitOK, s.ExitCode, "a successful rollback exits 0")
	assert.Equal(t, "5s", s.Duration)
	assert.Len(t, s.HealthAttempts, 3, "rollback attempts follow the failed ones")
	require.NotNil(t, s.Rollback)
	assert.Equal(t, "registry.local/api:v1.9.0", s.Rollback.Image)
	assert.Equal(t, []string{"low disk space: 512 MB free"}, s.Warnings)
	assert.NotEmpty(t, s.Error)
}

func TestFromResultWithoutRecord(t *testing.T) {
	s := FromResult(&orchestrator.Result{Err: &types.BusyError{Environment: "prod", DeploymentID: "d-1"}})
	assert.Empty(t, s.DeploymentID)
	assert.Equal(t, orchestrator.ExitPrecondition, s.ExitCode)

	var buf bytes.Buffer
	require.NoError(t, RenderText(&buf, s))
	assert.Contains(t, buf.String(), "Deployment not started")
	assert.Contains(t, buf.String(), "environment prod is busy")
}

func TestRenderText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderText(&buf, FromResult(rolledBack())))
	out := buf.String()

	assert.Contains(t, out, "Deployment d-42 to staging")
	assert.Contains(t, out, "ROLLED_BACK")
	assert.Contains(t, out, "rolling to registry.local/api:v1.9.0")
	assert.Contains(t, out, "low disk space")
	assert.Contains(t, out, "Health checks (3 attempts)")
	assert.Contains(t, out, "HTTP 503")
	assert.Contains(t, out, "Smoke checks")
	assert.NotContains(t, out, "\x1b[", "no escape codes when writing to a buffer")
}

func TestRenderTextKeptSlot(t *testing.T) {
	res := rolledBack()
	res.Rollback.Kept = true

	s := FromResult(res)
	assert.True(t, s.Rollback.Kept)

	var buf bytes.Buffer
	require.NoError(t, RenderText(&buf, s))
	assert.Contains(t, buf.String(), "kept registry.local/api:v1.9.0")
	assert.NotContains(t, buf.String(), "rolling to")
}

func TestRenderTextSucceededHidesAttempts(t *testing.T) {
	rec := types.NewRecord("d-1", "dev", "api", types.StrategyRolling, "v1", false, t0)
	rec.Status = types.StatusVerifying
	require.NoError(t, rec.Apply(types.StatusUpdate{Status: types.StatusSucceeded, At: t0, RunningImageTag: "v1"}))

	res := &orchestrator.Result{
		Record: rec,
		Health: &health.Outcome{Healthy: true, Attempts: []types.HealthCheckAttempt{{AttemptNumber: 1, Succeeded: true}}},
	}
	var buf bytes.Buffer
	require.NoError(t, RenderText(&buf, FromResult(res)))
	assert.NotContains(t, buf.String(), "Health checks")
	assert.Contains(t, buf.String(), "Exit code:")
}

func TestRenderStructured(t *testing.T) {
	s := FromResult(rolledBack())

	var js bytes.Buffer
	require.NoError(t, Render(&js, FormatJSON, s))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, "ROLLED_BACK", decoded["status"])
	assert.Equal(t, float64(0), decoded["exit_code"])

	var ym bytes.Buffer
	require.NoError(t, Render(&ym, FormatYAML, s))
	var back map[string]any
	require.NoError(t, yaml.Unmarshal(ym.Bytes(), &back))
	assert.Equal(t, "v1.9.0", back["running_image_tag"])
}

func TestRenderRecordAndHistory(t *testing.T) {
	res := rolledBack()

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, FormatText, res.Record))
	assert.Contains(t, buf.String(), "Status history")
	assert.NotContains(t, buf.String(), "Exit code")

	dry := types.NewRecord("d-43", "staging", "api", types.StrategyBlueGreen, "v2.1.0", true, t0)
	buf.Reset()
	require.NoError(t, Render(&buf, FormatText, []*types.DeploymentRecord{dry, res.Record}))
	out := buf.String()
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "v2.1.0 (dry)")
	assert.Contains(t, out, "d-42")

	buf.Reset()
	require.NoError(t, RenderHistory(&buf, nil))
	assert.Contains(t, buf.String(), "No deployments recorded")
}

func TestRenderRejectsUnknownText(t *testing.T) {
	err := Render(&bytes.Buffer{}, FormatText, 42)
	assert.ErrorContains(t, err, "cannot render int")
}
