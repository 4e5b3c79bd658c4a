package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rollout.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10, cfg.Health.Retries)
	assert.Equal(t, 5*time.Second, cfg.Health.Interval)
	assert.True(t, cfg.Rollback.Auto)
	assert.Equal(t, RuntimeDocker, cfg.Runtime.Kind)
	assert.Equal(t, StoreBolt, cfg.Store.Backend)
	assert.Equal(t, 1, cfg.Rolling.MaxUnavailable)
	assert.Equal(t, []string{"dev", "prod", "staging"}, cfg.EnvironmentNames())
}

func TestLoadFileReplacesEnvironmentAllowList(t *testing.T) {
	path := writeFile(t, `
service: billing
image:
  repository: registry.example.com/billing
environments:
  qa:
    health_url: http://qa.internal/health
    replicas: 2
  live:
    health_url: https://billing.example.com/health
    protected: true
health:
  retries: 3
  interval: 1s
runtime:
  kind: kubernetes
smoke:
  checks:
    - name: metrics
      url: http://qa.internal/metrics
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "billing", cfg.Service)
	assert.Equal(t, []string{"live", "qa"}, cfg.EnvironmentNames())
	qa, ok := cfg.Environment("QA")
	require.True(t, ok)
	assert.Equal(t, 2, qa.Replicas)
	assert.Equal(t, 3, cfg.Health.Retries)
	assert.Equal(t, time.Second, cfg.Health.Interval)
	assert.Equal(t, RuntimeKubernetes, cfg.Runtime.Kind)
	require.Len(t, cfg.Smoke.Checks, 1)
	assert.Equal(t, "metrics", cfg.Smoke.Checks[0].Name)

	assert.True(t, cfg.IsProtected("live"))
	assert.False(t, cfg.IsProtected("qa"))
	assert.True(t, cfg.IsProtected("production"), "production is protected by name")
}

func TestLoadPrecedence(t *testing.T) {
	path := writeFile(t, "health:\n  retries: 4\n  interval: 2s\n")
	t.Setenv("ROLLOUT_HEALTH_RETRIES", "6")
	t.Setenv("ROLLOUT_ROLLBACK_AUTO", "false")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("health-retries", 10, "")
	flags.Duration("health-interval", 5*time.Second, "")
	require.NoError(t, flags.Parse([]string{"--health-interval=250ms"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Health.Retries, "env beats file, unchanged flag is ignored")
	assert.Equal(t, 250*time.Millisecond, cfg.Health.Interval, "changed flag beats file")
	assert.False(t, cfg.Rollback.Auto)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("", nil)
	require.NoError(t, err)

	cfg.Service = ""
	cfg.Runtime.Kind = "nomad"
	cfg.Health.Retries = 0
	cfg.Rolling.MaxUnavailable = 0
	cfg.Store.Backend = "etcd"
	cfg.Smoke.Checks = []SmokeCheck{{Name: "empty"}}

	err = cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"service", "runtime.kind", "health.retries", "rolling", "store.backend", "smoke.checks[0]"} {
		assert.Contains(t, err.Error(), want)
	}
}
