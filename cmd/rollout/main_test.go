package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/rollout/pkg/config"
	"github.com/cuemby/rollout/pkg/orchestrator"
	"github.com/cuemby/rollout/pkg/preflight"
	"github.com/cuemby/rollout/pkg/runtime"
	"github.com/cuemby/rollout/pkg/runtime/runtimetest"
	"github.com/cuemby/rollout/pkg/storage"
	"github.com/cuemby/rollout/pkg/types"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cli struct {
	t         *testing.T
	rt        *runtimetest.Runtime
	cfgPath   string
	statePath string
}

// newCLI serves a health endpoint that fails whenever the active image
// carries a "-bad" tag
func newCLI(t *testing.T) *cli {
	rt := runtimetest.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			if strings.HasSuffix(rt.Image("api", rt.Active("api")), "-bad") {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"status":"healthy"}`)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "rollout.yaml")
	statePath := filepath.Join(dir, "state.db")
	yaml := fmt.Sprintf(`service: api
image:
  repository: registry.local/api
environments:
  dev:
    health_url: %[1]s/health
    replicas: 2
  prod:
    health_url: %[1]s/health
    replicas: 3
store:
  path: %[2]s
health:
  retries: 2
  interval: 10ms
  timeout: 1s
`, srv.URL, statePath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0o600))

	origRuntime, origConfirmer := newRuntime, newConfirmer
	newRuntime = func(*config.Config, string) (runtime.Client, error) { return rt, nil }
	newConfirmer = func() preflight.Confirmer {
		return preflight.ConfirmerFunc(func(string) (bool, error) { return false, preflight.ErrNotInteractive })
	}
	t.Cleanup(func() {
		newRuntime, newConfirmer = origRuntime, origConfirmer
		resetFlags(rootCmd)
	})

	return &cli{t: t, rt: rt, cfgPath: cfgPath, statePath: statePath}
}

// run executes one invocation and returns its exit status and stdout
func (c *cli) run(args ...string) (int, string) {
	c.t.Helper()
	resetFlags(rootCmd)

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	}()

	code := execute(context.Background(), append(args, "--config", c.cfgPath))
	c.t.Logf("rollout %s => %d\n%s%s", strings.Join(args, " "), code, stdout.String(), stderr.String())
	return code, stdout.String()
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func TestDeployAndInspect(t *testing.T) {
	c := newCLI(t)

	code, out := c.run("deploy", "-e", "dev", "-t", "v1.0.0", "--id", "d-1")
	require.Equal(t, orchestrator.ExitOK, code)
	assert.Contains(t, out, "SUCCEEDED")
	assert.Equal(t, "registry.local/api:v1.0.0", c.rt.Image("api", types.SlotPrimary))

	code, out = c.run("deploy", "-e", "dev", "-t", "v2.0.0-bad", "--id", "d-2", "-o", "json")
	require.Equal(t, orchestrator.ExitOK, code, "a successful rollback exits 0")
	var summary map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, "ROLLED_BACK", summary["status"])
	assert.Equal(t, "v1.0.0", summary["running_image_tag"])
	assert.Equal(t, "registry.local/api:v1.0.0", c.rt.Image("api", types.SlotPrimary))

	code, out = c.run("status", "-e", "DEV", "-o", "json")
	require.Equal(t, orchestrator.ExitOK, code)
	var rec types.DeploymentRecord
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, "d-2", rec.ID)
	assert.Equal(t, []types.Status{
		types.StatusPending, types.StatusValidating, types.StatusDeploying, types.StatusVerifying,
		types.StatusFailed, types.StatusRollingBack, types.StatusRolledBack,
	}, rec.StatusSequence())

	code, out = c.run("history", "-e", "dev")
	require.Equal(t, orchestrator.ExitOK, code)
	assert.Less(t, strings.Index(out, "d-2"), strings.Index(out, "d-1"), "newest first")
}

func TestDeployNoRollbackThenManualRollback(t *testing.T) {
	c := newCLI(t)

	code, _ := c.run("deploy", "-e", "dev", "-t", "v1.0.0")
	require.Equal(t, orchestrator.ExitOK, code)

	code, out := c.run("deploy", "-e", "dev", "-t", "v2.0.0-bad", "--no-rollback")
	assert.Equal(t, orchestrator.ExitFailure, code)
	assert.Contains(t, out, "FAILED")
	assert.Equal(t, "registry.local/api:v2.0.0-bad", c.rt.Image("api", types.SlotPrimary))

	code, out = c.run("rollback", "-e", "dev")
	assert.Equal(t, orchestrator.ExitOK, code)
	assert.Contains(t, out, "SUCCEEDED")
	assert.Equal(t, "registry.local/api:v1.0.0", c.rt.Image("api", types.SlotPrimary))
}

func TestPreconditionsExitTwo(t *testing.T) {
	c := newCLI(t)

	tests := []struct {
		name string
		args []string
	}{
		{name: "missing tag", args: []string{"deploy", "-e", "dev"}},
		{name: "unknown environment", args: []string{"deploy", "-e", "qa", "-t", "v1"}},
		{name: "unknown strategy", args: []string{"deploy", "-e", "dev", "-t", "v1", "-s", "canary"}},
		{name: "protected without confirmation", args: []string{"deploy", "-e", "prod", "-t", "v1"}},
		{name: "bad output format", args: []string{"deploy", "-e", "dev", "-t", "v1", "-o", "xml"}},
		{name: "unknown flag", args: []string{"deploy", "--bogus"}},
		{name: "status without environment", args: []string{"status"}},
		{name: "rollback without history", args: []string{"rollback", "-e", "dev"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := c.run(tt.args...)
			assert.Equal(t, orchestrator.ExitPrecondition, code)
		})
	}
	assert.Empty(t, c.rt.MutatingCalls())
}

func TestDeployWhileAnotherRunHoldsEnvironment(t *testing.T) {
	c := newCLI(t)

	other, err := storage.NewBoltStore(c.statePath, time.Second)
	require.NoError(t, err)
	defer other.Close()
	_, err = other.Acquire(types.NewRecord("in-flight", "dev", "api", types.StrategyRolling, "v0", false, time.Now()))
	require.NoError(t, err)

	start := time.Now()
	code, _ := c.run("deploy", "-e", "dev", "-t", "v1.0.0")
	assert.Equal(t, orchestrator.ExitPrecondition, code)
	assert.Less(t, time.Since(start), storage.DefaultOpenTimeout)
	assert.Empty(t, c.rt.MutatingCalls())

	code, _ = c.run("deploy", "-e", "prod", "-t", "v1.0.0", "--confirm", "prod", "--id", "in-flight")
	assert.Equal(t, orchestrator.ExitPrecondition, code, "ids are never reused")
	assert.Empty(t, c.rt.MutatingCalls())
}

func TestProtectedWithConfirmation(t *testing.T) {
	c := newCLI(t)

	code, _ := c.run("deploy", "-e", "prod", "-t", "v1.0.0", "--confirm", "prod")
	require.Equal(t, orchestrator.ExitOK, code)
	assert.Equal(t, "registry.local/api:v1.0.0", c.rt.Image("api", types.SlotPrimary))
}

func TestClear(t *testing.T) {
	c := newCLI(t)

	code, _ := c.run("clear", "-e", "dev")
	assert.Equal(t, orchestrator.ExitFailure, code, "nothing in flight")

	code, _ = c.run("deploy", "-e", "dev", "-t", "v1.0.0")
	require.Equal(t, orchestrator.ExitOK, code)
	code, _ = c.run("clear", "-e", "dev")
	assert.Equal(t, orchestrator.ExitFailure, code, "a finished deployment holds no lock")
}
