package preflight

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/cuemby/rollout/pkg/config"
	"github.com/cuemby/rollout/pkg/log"
	"github.com/cuemby/rollout/pkg/runtime"
	"github.com/cuemby/rollout/pkg/types"
	"github.com/distribution/reference"
)

// Check names, in the order they run
const (
	CheckRequired     = "required"
	CheckEnvironment  = "environment"
	CheckConfirmation = "confirmation"
	CheckImage        = "image"
	CheckResources    = "resources"
)

var tagPattern = regexp.MustCompile(`^` + reference.TagRegexp.String() + `$`)

// Request is what an operator asked for
type Request struct {
	Environment   string
	Tag           string
	Strategy      string
	Confirm       string
	Yes           bool
	AllowRecreate bool
}

// CheckResult is the verdict of one check
type CheckResult struct {
	Name    string `json:"name" yaml:"name"`
	Passed  bool   `json:"passed" yaml:"passed"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

// Report is what validation found. It is returned even when validation fails
// so callers can show the checks that ran.
type Report struct {
	Environment string         `json:"environment" yaml:"environment"`
	Strategy    types.Strategy `json:"strategy" yaml:"strategy"`
	Image       string         `json:"image" yaml:"image"`
	Protected   bool           `json:"protected" yaml:"protected"`
	Checks      []CheckResult  `json:"checks" yaml:"checks"`
	Warnings    []string       `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

func (r *Report) pass(name, message string) {
	r.Checks = append(r.Checks, CheckResult{Name: name, Passed: true, Message: message})
}

func (r *Report) fail(name, format string, args ...any) error {
	reason := fmt.Sprintf(format, args...)
	r.Checks = append(r.Checks, CheckResult{Name: name, Message: reason})
	return &types.ValidationError{Check: name, Reason: reason}
}

// Validator runs the pre-flight checks. It never mutates the runtime; the
// only side effects are the confirmation prompt and the image probe.
type Validator struct {
	Config    *config.Config
	Runtime   runtime.Client
	Confirmer Confirmer
	// Probe reads host resources; defaults to HostResources
	Probe func(path string) (Resources, error)
}

// NewValidator creates a validator probing the local host
func NewValidator(cfg *config.Config, rt runtime.Client, confirmer Confirmer) *Validator {
	return &Validator{
		Config:    cfg,
		Runtime:   rt,
		Confirmer: confirmer,
		Probe:     HostResources,
	}
}

// Validate runs the checks in order and stops at the first failure, which is
// returned as *types.ValidationError. Resource shortfalls only add warnings.
func (v *Validator) Validate(ctx context.Context, req Request) (*Report, error) {
	logger := log.WithComponent("preflight")
	env := strings.ToLower(strings.TrimSpace(req.Environment))
	report := &Report{Environment: env}

	// (a) required fields
	if env == "" {
		return report, report.fail(CheckRequired, "environment is required")
	}
	if req.Tag == "" {
		return report, report.fail(CheckRequired, "image tag is required")
	}
	if !tagPattern.MatchString(req.Tag) {
		return report, report.fail(CheckRequired, "invalid image tag %q", req.Tag)
	}
	strategy, err := types.ParseStrategy(req.Strategy)
	if err != nil {
		return report, report.fail(CheckRequired, "%v", err)
	}
	report.Strategy = strategy

	image := v.Config.ImageRef(req.Tag)
	if _, err := reference.ParseNormalizedNamed(image); err != nil {
		return report, report.fail(CheckRequired, "invalid image reference %q: %v", image, err)
	}
	report.Image = image
	report.pass(CheckRequired, "")

	// (b) allow-list
	envCfg, ok := v.Config.Environment(env)
	if !ok {
		return report, report.fail(CheckEnvironment, "environment %q is not one of %s",
			env, strings.Join(v.Config.EnvironmentNames(), ", "))
	}
	if strings.TrimSpace(envCfg.HealthURL) == "" {
		return report, report.fail(CheckEnvironment, "environment %s has no health_url configured", env)
	}
	report.pass(CheckEnvironment, "")

	// (c) protected environments
	report.Protected = v.Config.IsProtected(env)
	if report.Protected {
		if strategy == types.StrategyRecreate && !req.AllowRecreate {
			return report, report.fail(CheckConfirmation,
				"recreate causes downtime on protected environment %s; pass --allow-recreate", env)
		}
		how, err := v.confirm(env, req)
		if err != nil {
			return report, report.fail(CheckConfirmation, "%v", err)
		}
		report.pass(CheckConfirmation, how)
	}

	// (d) image resolvable, without pulling
	exists, err := v.Runtime.ImageExists(ctx, image)
	if err != nil {
		return report, report.fail(CheckImage, "cannot resolve %s: %v", image, err)
	}
	if !exists {
		return report, report.fail(CheckImage, "image %s not found", image)
	}
	report.pass(CheckImage, "")

	// (e) host resources, advisory
	report.Warnings = v.resources()
	report.pass(CheckResources, strings.Join(report.Warnings, "; "))
	for _, w := range report.Warnings {
		logger.Warn().Str("environment", env).Msg(w)
	}

	logger.Debug().
		Str("environment", env).
		Str("image", image).
		Str("strategy", string(strategy)).
		Msg("Pre-flight checks passed")
	return report, nil
}

func (v *Validator) confirm(env string, req Request) (string, error) {
	switch {
	case req.Yes:
		return "non-interactive override", nil
	case req.Confirm != "":
		if !strings.EqualFold(strings.TrimSpace(req.Confirm), env) {
			return "", fmt.Errorf("confirmation token %q does not match environment %s", req.Confirm, env)
		}
		return "confirmation token", nil
	case v.Confirmer == nil:
		return "", fmt.Errorf("protected environment %s requires --confirm %s or --yes", env, env)
	}

	ok, err := v.Confirmer.Confirm(env)
	if errors.Is(err, ErrNotInteractive) {
		return "", fmt.Errorf("protected environment %s requires --confirm %s or --yes", env, env)
	}
	if err != nil {
		return "", fmt.Errorf("confirmation failed: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("deployment to %s was not confirmed", env)
	}
	return "interactive confirmation", nil
}

func (v *Validator) resources() []string {
	limits := v.Config.Preflight
	if limits.MinDiskMB == 0 && limits.MinMemoryMB == 0 {
		return nil
	}
	probe := v.Probe
	if probe == nil {
		probe = HostResources
	}

	res, err := probe(limits.DiskPath)
	if err != nil {
		return []string{fmt.Sprintf("resource check skipped: %v", err)}
	}

	var warnings []string
	if limits.MinDiskMB > 0 && res.FreeDiskMB < limits.MinDiskMB {
		warnings = append(warnings, fmt.Sprintf("low disk space on %s: %d MB free, %d MB recommended",
			limits.DiskPath, res.FreeDiskMB, limits.MinDiskMB))
	}
	if limits.MinMemoryMB > 0 && res.AvailableMemoryMB < limits.MinMemoryMB {
		warnings = append(warnings, fmt.Sprintf("low memory: %d MB available, %d MB recommended",
			res.AvailableMemoryMB, limits.MinMemoryMB))
	}
	return warnings
}
