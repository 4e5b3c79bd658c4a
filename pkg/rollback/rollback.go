// Package rollback restores the previous image after a failed deployment.
//
// A rollback redeploys the record's PreviousImageTag on the slot that is
// serving, with the recreate strategy when the failed deployment was a
// recreate and rolling otherwise; blue-green is never used, so no third
// stack is needed. When the failed execution never touched the serving slot
// (a failed pull, or a blue-green failure before the switch) nothing is
// redeployed and the serving slot is only verified. The restored version is
// verified exactly once. There is no second attempt: if it fails too, the
// record ends in ROLLBACK_FAILED.
package rollback

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/rollout/pkg/deploy"
	"github.com/cuemby/rollout/pkg/health"
	"github.com/cuemby/rollout/pkg/log"
	"github.com/cuemby/rollout/pkg/storage"
	"github.com/cuemby/rollout/pkg/types"
	"github.com/rs/zerolog"
)

// ErrNoPrevious is the reason a first-ever deployment cannot be rolled back
var ErrNoPrevious = errors.New("no previous image to roll back to")

// Controller owns the ROLLING_BACK, ROLLED_BACK and ROLLBACK_FAILED transitions
type Controller struct {
	Recorder *storage.Recorder
	Executor *deploy.Executor
	Verifier *health.Verifier
	Policy   health.Policy
}

// NewController creates a rollback controller
func NewController(recorder *storage.Recorder, executor *deploy.Executor, verifier *health.Verifier, policy health.Policy) *Controller {
	return &Controller{
		Recorder: recorder,
		Executor: executor,
		Verifier: verifier,
		Policy:   policy,
	}
}

// Request carries what the failed deployment did
type Request struct {
	// Record must be FAILED
	Record *types.DeploymentRecord
	// Failed is the failed execution's outcome; nil when execution itself failed
	Failed *deploy.Outcome
	// Cause is the error that failed the deployment
	Cause error
	// Params are the failed deployment's parameters; Image is replaced
	Params deploy.Params
	// ImageRef maps a tag to a full image reference
	ImageRef func(tag string) string
	// Checker probes the restored version
	Checker health.Checker
}

// Result describes the rollback attempt
type Result struct {
	Strategy types.Strategy
	Image    string
	Slot     string
	// Kept is set when the serving slot was verified in place, not redeployed
	Kept   bool
	Health health.Outcome
}

// Strategy returns the strategy used to roll back a deployment made with s
func Strategy(s types.Strategy) types.Strategy {
	if s == types.StrategyRecreate {
		return types.StrategyRecreate
	}
	return types.StrategyRolling
}

// Rollback restores Record.PreviousImageTag. Failures are returned as
// *types.RollbackError after the record reached ROLLBACK_FAILED; any other
// error comes from the State Store.
func (c *Controller) Rollback(ctx context.Context, req Request) (*Result, error) {
	rec := req.Record
	logger := log.WithDeployment(rec.ID, rec.Environment).With().Str("component", "rollback").Logger()
	res := &Result{Strategy: Strategy(rec.Strategy)}

	reason := ErrNoPrevious.Error()
	if rec.HasPrevious() {
		reason = "rolling back to " + rec.PreviousImageTag
	}
	if err := c.Recorder.Transition(rec, types.StatusUpdate{Status: types.StatusRollingBack, Reason: reason}); err != nil {
		return res, err
	}

	if !rec.HasPrevious() {
		return res, c.fail(rec, &types.RollbackError{Reason: ErrNoPrevious.Error()})
	}

	if req.Failed == nil && deploy.ActiveUntouched(req.Cause) {
		return c.keepActive(ctx, logger, req, res)
	}

	params := req.Params
	params.Image = req.ImageRef(rec.PreviousImageTag)
	res.Image = params.Image

	target := rec.Clone()
	target.Strategy = res.Strategy
	target.DryRun = false

	logger.Info().
		Str("image", params.Image).
		Str("strategy", string(res.Strategy)).
		Msg("Redeploying previous image")

	out, err := c.Executor.Execute(ctx, target, params)
	if err != nil {
		return res, c.fail(rec, &types.RollbackError{
			Reason: fmt.Sprintf("redeploy of %s failed", rec.PreviousImageTag),
			Err:    err,
		})
	}
	res.Slot = out.Slot

	res.Health = c.Verifier.Verify(ctx, req.Checker, c.Policy)
	if !res.Health.Healthy {
		return res, c.fail(rec, &types.RollbackError{
			Reason: fmt.Sprintf("restored version %s failed health verification", rec.PreviousImageTag),
			Err:    res.Health.Err(),
		})
	}

	if err := c.Recorder.Transition(rec, types.StatusUpdate{
		Status:          types.StatusRolledBack,
		Reason:          "restored " + rec.PreviousImageTag,
		RunningImageTag: rec.PreviousImageTag,
		Slot:            out.Slot,
	}); err != nil {
		return res, err
	}

	// Traffic now runs on the slot the failed blue-green switched to
	if err := c.Executor.Finalize(ctx, rec.Service, req.Failed); err != nil {
		logger.Warn().Err(err).Msg("Failed to tear down stale slot")
	}
	return res, nil
}

// keepActive verifies the slot that kept serving the previous image
func (c *Controller) keepActive(ctx context.Context, logger zerolog.Logger, req Request, res *Result) (*Result, error) {
	rec := req.Record
	res.Kept = true
	res.Image = req.ImageRef(rec.PreviousImageTag)

	slot, err := c.Executor.Runtime.ActiveSlot(ctx, rec.Service)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to read active slot")
	}
	res.Slot = slot

	logger.Info().
		Str("image", res.Image).
		Str("slot", slot).
		Msg("Serving slot untouched; verifying previous image")

	res.Health = c.Verifier.Verify(ctx, req.Checker, c.Policy)
	if !res.Health.Healthy {
		return res, c.fail(rec, &types.RollbackError{
			Reason: fmt.Sprintf("previous version %s failed health verification", rec.PreviousImageTag),
			Err:    res.Health.Err(),
		})
	}

	if err := c.Recorder.Transition(rec, types.StatusUpdate{
		Status:          types.StatusRolledBack,
		Reason:          "kept " + rec.PreviousImageTag,
		RunningImageTag: rec.PreviousImageTag,
		Slot:            slot,
	}); err != nil {
		return res, err
	}
	return res, nil
}

func (c *Controller) fail(rec *types.DeploymentRecord, rbErr *types.RollbackError) error {
	if err := c.Recorder.Transition(rec, types.StatusUpdate{
		Status:      types.StatusRollbackFailed,
		Reason:      rbErr.Error(),
		FailureKind: types.FailureRollback,
	}); err != nil {
		return errors.Join(rbErr, err)
	}
	return rbErr
}
