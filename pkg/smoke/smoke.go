// Package smoke runs the post-deploy smoke battery. Results are advisory:
// they are reported and counted but never change a record's status.
package smoke

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/rollout/pkg/config"
	"github.com/cuemby/rollout/pkg/events"
	"github.com/cuemby/rollout/pkg/health"
	"github.com/cuemby/rollout/pkg/log"
	"github.com/cuemby/rollout/pkg/metrics"
	"github.com/cuemby/rollout/pkg/types"
)

// Check is one named probe of the battery
type Check struct {
	Name    string
	Checker health.Checker
}

// CheckResult is the verdict of one check
type CheckResult struct {
	Name     string        `json:"name" yaml:"name"`
	Type     string        `json:"type" yaml:"type"`
	Passed   bool          `json:"passed" yaml:"passed"`
	Message  string        `json:"message,omitempty" yaml:"message,omitempty"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// Passed reports whether every result passed
func Passed(results []CheckResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// Runner executes checks once each, in order
type Runner struct {
	Events *events.Broker
}

// NewRunner creates a runner publishing results on broker
func NewRunner(broker *events.Broker) *Runner {
	return &Runner{Events: broker}
}

// Run executes the battery
func (r *Runner) Run(ctx context.Context, checks []Check) []CheckResult {
	return r.RunFor(ctx, nil, checks)
}

// RunFor executes the battery and attributes the results to rec
func (r *Runner) RunFor(ctx context.Context, rec *types.DeploymentRecord, checks []Check) []CheckResult {
	logger := log.WithComponent("smoke")
	var id, env string
	if rec != nil {
		id, env = rec.ID, rec.Environment
		logger = log.WithDeployment(id, env).With().Str("component", "smoke").Logger()
	}

	results := make([]CheckResult, 0, len(checks))
	for _, c := range checks {
		res := c.Checker.Check(ctx)
		result := CheckResult{
			Name:     c.Name,
			Type:     string(c.Checker.Type()),
			Passed:   res.Healthy,
			Message:  res.Message,
			Duration: res.Duration,
		}
		results = append(results, result)

		evt := logger.Info()
		if !result.Passed {
			evt = logger.Warn()
		}
		evt.Str("check", c.Name).
			Bool("passed", result.Passed).
			Str("result", result.Message).
			Msg("Smoke check")

		r.Events.Publish(&events.Event{
			Type:         events.EventSmokeResult,
			DeploymentID: id,
			Environment:  env,
			Message:      result.Message,
			Metadata: map[string]string{
				metrics.KeyCheck:     c.Name,
				metrics.KeySucceeded: strconv.FormatBool(result.Passed),
			},
		})
	}
	return results
}

// DefaultChecks derives the standard battery from a health URL: the health
// endpoint itself, /metrics, and the service root as a representative API call
func DefaultChecks(healthURL string, timeout time.Duration) ([]Check, error) {
	u, err := url.Parse(healthURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid health url %q", healthURL)
	}
	base := u.Scheme + "://" + u.Host

	return []Check{
		{Name: "health", Checker: health.NewEndpointChecker(healthURL).WithTimeout(timeout)},
		{Name: "metrics", Checker: health.NewHTTPChecker(base + "/metrics").WithStatusRange(200, 299).WithTimeout(timeout)},
		{Name: "api", Checker: health.NewHTTPChecker(base + "/").WithTimeout(timeout)},
	}, nil
}

// FromConfig builds the configured battery, or the default one when no
// checks are configured
func FromConfig(cfg config.SmokeConfig, healthURL string, timeout time.Duration) ([]Check, error) {
	if len(cfg.Checks) == 0 {
		return DefaultChecks(healthURL, timeout)
	}

	checks := make([]Check, 0, len(cfg.Checks))
	for i, c := range cfg.Checks {
		t := timeout
		if c.Timeout > 0 {
			t = c.Timeout
		}
		name := c.Name
		if name == "" {
			name = fmt.Sprintf("check-%d", i+1)
		}

		var checker health.Checker
		switch health.CheckType(c.Type) {
		case "", health.CheckTypeHTTP:
			h := health.NewHTTPChecker(c.URL).WithTimeout(t)
			if c.Method != "" {
				h = h.WithMethod(strings.ToUpper(c.Method))
			}
			for key, value := range c.Headers {
				h = h.WithHeader(key, value)
			}
			if c.ExpectStatus > 0 {
				h = h.WithStatusRange(c.ExpectStatus, c.ExpectStatus)
			}
			checker = h
		case health.CheckTypeGRPC:
			checker = health.NewGRPCChecker(c.Address, "").WithTimeout(t)
		case health.CheckTypeTCP:
			checker = health.NewTCPChecker(c.Address).WithTimeout(t)
		case health.CheckTypeExec:
			checker = health.NewExecChecker(c.Command).WithTimeout(t)
		default:
			return nil, fmt.Errorf("smoke check %s: unknown type %q", name, c.Type)
		}
		checks = append(checks, Check{Name: name, Checker: checker})
	}
	return checks, nil
}
