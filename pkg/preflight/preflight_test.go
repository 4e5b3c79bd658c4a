package preflight

import (
	"context"
	"errors"
	"testing"

	"github.com/cuemby/rollout/pkg/config"
	"github.com/cuemby/rollout/pkg/runtime/runtimetest"
	"github.com/cuemby/rollout/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const image = "registry.example.com/api:v1.2.3"

func testConfig() *config.Config {
	return &config.Config{
		Service: "api",
		Image:   config.ImageConfig{Repository: "registry.example.com/api"},
		Environments: map[string]config.EnvironmentConfig{
			"dev":     {HealthURL: "http://api.dev/health", Replicas: 1},
			"staging": {HealthURL: "http://api.staging/health", Replicas: 2},
			"prod":    {HealthURL: "http://api.prod/health", Replicas: 3},
			"eu":      {HealthURL: "http://api.eu/health", Replicas: 3, Protected: true},
			"qa-new":  {Replicas: 1},
		},
		Preflight: config.PreflightConfig{MinDiskMB: 1024, MinMemoryMB: 256, DiskPath: "/"},
	}
}

func newTestValidator(rt *runtimetest.Runtime, confirmer Confirmer) *Validator {
	v := NewValidator(testConfig(), rt, confirmer)
	v.Probe = func(string) (Resources, error) {
		return Resources{FreeDiskMB: 10_000, AvailableMemoryMB: 4_000}, nil
	}
	return v
}

func notInteractive(string) (bool, error) { return false, ErrNotInteractive }

func requireValidation(t *testing.T, err error, check string) {
	t.Helper()
	var ve *types.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, check, ve.Check)
}

func TestValidatePasses(t *testing.T) {
	rt := runtimetest.New()
	v := newTestValidator(rt, nil)

	report, err := v.Validate(context.Background(), Request{Environment: "Staging", Tag: "v1.2.3", Strategy: "rolling"})
	require.NoError(t, err)

	assert.Equal(t, "staging", report.Environment)
	assert.Equal(t, types.StrategyRolling, report.Strategy)
	assert.Equal(t, image, report.Image)
	assert.False(t, report.Protected)
	assert.Empty(t, report.Warnings)

	var names []string
	for _, c := range report.Checks {
		assert.True(t, c.Passed, c.Name)
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{CheckRequired, CheckEnvironment, CheckImage, CheckResources}, names)
	assert.Equal(t, []string{"ImageExists " + image}, rt.Methods())
	assert.Empty(t, rt.MutatingCalls())
}

func TestValidateRequiredFields(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{name: "no environment", req: Request{Tag: "v1", Strategy: "rolling"}},
		{name: "no tag", req: Request{Environment: "dev", Strategy: "rolling"}},
		{name: "bad tag", req: Request{Environment: "dev", Tag: "v1 2", Strategy: "rolling"}},
		{name: "tag with colon", req: Request{Environment: "dev", Tag: "v1:latest", Strategy: "rolling"}},
		{name: "leading dash", req: Request{Environment: "dev", Tag: "-v1", Strategy: "rolling"}},
		{name: "unknown strategy", req: Request{Environment: "dev", Tag: "v1", Strategy: "canary"}},
		{name: "no strategy", req: Request{Environment: "dev", Tag: "v1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := runtimetest.New()
			_, err := newTestValidator(rt, nil).Validate(context.Background(), tt.req)
			requireValidation(t, err, CheckRequired)
			assert.Empty(t, rt.Calls(), "runtime must not be probed after an earlier failure")
		})
	}
}

func TestValidateAllowList(t *testing.T) {
	rt := runtimetest.New()
	report, err := newTestValidator(rt, nil).Validate(context.Background(), Request{Environment: "qa", Tag: "v1", Strategy: "rolling"})

	requireValidation(t, err, CheckEnvironment)
	assert.Contains(t, err.Error(), "dev, eu, prod, qa-new, staging")
	require.Len(t, report.Checks, 2)
	assert.False(t, report.Checks[1].Passed)
	assert.Empty(t, rt.Calls())
}

func TestValidateRequiresHealthURL(t *testing.T) {
	rt := runtimetest.New()
	report, err := newTestValidator(rt, nil).Validate(context.Background(), Request{Environment: "qa-new", Tag: "v1", Strategy: "rolling"})

	requireValidation(t, err, CheckEnvironment)
	assert.Contains(t, err.Error(), "health_url")
	require.Len(t, report.Checks, 2)
	assert.False(t, report.Checks[1].Passed)
	assert.Empty(t, rt.Calls())
}

func TestValidateProtectedEnvironment(t *testing.T) {
	yes := ConfirmerFunc(func(string) (bool, error) { return true, nil })
	no := ConfirmerFunc(func(string) (bool, error) { return false, nil })
	broken := ConfirmerFunc(func(string) (bool, error) { return false, errors.New("read error") })

	tests := []struct {
		name      string
		env       string
		req       Request
		confirmer Confirmer
		wantErr   bool
	}{
		{name: "prod without confirmation", env: "prod", confirmer: ConfirmerFunc(notInteractive), wantErr: true},
		{name: "prod without confirmer", env: "prod", wantErr: true},
		{name: "prod with token", env: "prod", req: Request{Confirm: "prod"}},
		{name: "prod with wrong token", env: "prod", req: Request{Confirm: "staging"}, wantErr: true},
		{name: "prod with yes", env: "prod", req: Request{Yes: true}},
		{name: "prod confirmed on terminal", env: "prod", confirmer: yes},
		{name: "prod declined on terminal", env: "prod", confirmer: no, wantErr: true},
		{name: "confirmer error", env: "prod", confirmer: broken, wantErr: true},
		{name: "protected flag", env: "eu", confirmer: ConfirmerFunc(notInteractive), wantErr: true},
		{name: "protected flag with token", env: "eu", req: Request{Confirm: "EU"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := runtimetest.New()
			req := tt.req
			req.Environment, req.Tag, req.Strategy = tt.env, "v1.2.3", "rolling"

			report, err := newTestValidator(rt, tt.confirmer).Validate(context.Background(), req)
			assert.True(t, report.Protected)
			if tt.wantErr {
				requireValidation(t, err, CheckConfirmation)
				assert.Empty(t, rt.Calls())
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestValidateUnprotectedNeverPrompts(t *testing.T) {
	prompted := false
	confirmer := ConfirmerFunc(func(string) (bool, error) {
		prompted = true
		return false, nil
	})

	_, err := newTestValidator(runtimetest.New(), confirmer).Validate(context.Background(),
		Request{Environment: "dev", Tag: "v1", Strategy: "recreate"})
	require.NoError(t, err)
	assert.False(t, prompted)
}

func TestValidateRecreateOnProtected(t *testing.T) {
	v := newTestValidator(runtimetest.New(), nil)

	_, err := v.Validate(context.Background(), Request{Environment: "prod", Tag: "v1", Strategy: "recreate", Yes: true})
	requireValidation(t, err, CheckConfirmation)
	assert.Contains(t, err.Error(), "--allow-recreate")

	_, err = v.Validate(context.Background(), Request{Environment: "prod", Tag: "v1", Strategy: "recreate", Yes: true, AllowRecreate: true})
	require.NoError(t, err)
}

func TestValidateImage(t *testing.T) {
	rt := runtimetest.New()
	rt.Images = map[string]bool{}
	v := newTestValidator(rt, nil)

	_, err := v.Validate(context.Background(), Request{Environment: "dev", Tag: "v9", Strategy: "rolling"})
	requireValidation(t, err, CheckImage)
	assert.Contains(t, err.Error(), "registry.example.com/api:v9 not found")

	rt.Images = nil
	rt.Fail["ImageExists"] = errors.New("registry unreachable")
	_, err = v.Validate(context.Background(), Request{Environment: "dev", Tag: "v9", Strategy: "rolling"})
	requireValidation(t, err, CheckImage)
	assert.Contains(t, err.Error(), "registry unreachable")

	assert.Empty(t, rt.MutatingCalls(), "image probe must never pull")
}

func TestValidateResourcesAreAdvisory(t *testing.T) {
	v := newTestValidator(runtimetest.New(), nil)
	v.Probe = func(path string) (Resources, error) {
		assert.Equal(t, "/", path)
		return Resources{FreeDiskMB: 100, AvailableMemoryMB: 64}, nil
	}

	report, err := v.Validate(context.Background(), Request{Environment: "dev", Tag: "v1", Strategy: "rolling"})
	require.NoError(t, err)
	require.Len(t, report.Warnings, 2)
	assert.Contains(t, report.Warnings[0], "low disk space")
	assert.Contains(t, report.Warnings[1], "low memory")

	v.Probe = func(string) (Resources, error) { return Resources{}, errors.New("unsupported") }
	report, err = v.Validate(context.Background(), Request{Environment: "dev", Tag: "v1", Strategy: "rolling"})
	require.NoError(t, err)
	assert.Equal(t, []string{"resource check skipped: unsupported"}, report.Warnings)
}

func TestValidateIsDeterministic(t *testing.T) {
	rt := runtimetest.New()
	v := newTestValidator(rt, nil)
	req := Request{Environment: "prod", Tag: "v1.2.3", Strategy: "blue-green", Confirm: "prod"}

	first, err1 := v.Validate(context.Background(), req)
	second, err2 := v.Validate(context.Background(), req)
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, first, second)

	bad := Request{Environment: "prod", Tag: "v1.2.3", Strategy: "blue-green"}
	_, err1 = v.Validate(context.Background(), bad)
	_, err2 = v.Validate(context.Background(), bad)
	assert.Equal(t, err1, err2)
}

func TestTerminalConfirmerWithoutTerminal(t *testing.T) {
	c := &TerminalConfirmer{}
	ok, err := c.Confirm("prod")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNotInteractive)
}
