package orchestrator

import (
	"errors"
	"time"

	"github.com/cuemby/rollout/pkg/deploy"
	"github.com/cuemby/rollout/pkg/health"
	"github.com/cuemby/rollout/pkg/preflight"
	"github.com/cuemby/rollout/pkg/rollback"
	"github.com/cuemby/rollout/pkg/smoke"
	"github.com/cuemby/rollout/pkg/types"
)

// Exit codes
const (
	// ExitOK: SUCCEEDED or ROLLED_BACK with smoke checks passing
	ExitOK = 0
	// ExitFailure: FAILED without rollback, ROLLBACK_FAILED, or failing smoke checks
	ExitFailure = 1
	// ExitPrecondition: validation failure, busy environment or reused id; nothing was deployed
	ExitPrecondition = 2
)

// Result is everything a run produced
type Result struct {
	Record    *types.DeploymentRecord
	Preflight *preflight.Report
	Outcome   *deploy.Outcome
	Health    *health.Outcome
	Rollback  *rollback.Result
	Smoke     []smoke.CheckResult
	// Pruned is the number of bytes reclaimed by image cleanup
	Pruned   uint64
	Duration time.Duration
	// Err is the error that decided the outcome, if any
	Err error
}

// Precondition reports whether the run stopped before deploying anything
func (r *Result) Precondition() bool {
	var ve *types.ValidationError
	if errors.As(r.Err, &ve) || errors.Is(r.Err, types.ErrBusy) || errors.Is(r.Err, types.ErrAlreadyExists) ||
		errors.Is(r.Err, deploy.ErrRecreateNotAllowed) {
		return true
	}
	return r.Record != nil && r.Record.FailureKind == types.FailureValidation
}

// SmokePassed reports whether every smoke check passed
func (r *Result) SmokePassed() bool {
	return smoke.Passed(r.Smoke)
}

// ExitCode maps the result onto the CLI exit status
func (r *Result) ExitCode() int {
	if r.Precondition() {
		return ExitPrecondition
	}
	if r.Record == nil {
		return ExitFailure
	}
	switch r.Record.Status {
	case types.StatusSucceeded, types.StatusRolledBack:
		if r.SmokePassed() {
			return ExitOK
		}
	}
	return ExitFailure
}
