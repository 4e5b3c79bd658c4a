package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/rollout/pkg/config"
	"github.com/cuemby/rollout/pkg/deploy"
	"github.com/cuemby/rollout/pkg/events"
	"github.com/cuemby/rollout/pkg/health"
	"github.com/cuemby/rollout/pkg/log"
	"github.com/cuemby/rollout/pkg/metrics"
	"github.com/cuemby/rollout/pkg/preflight"
	"github.com/cuemby/rollout/pkg/rollback"
	"github.com/cuemby/rollout/pkg/runtime"
	"github.com/cuemby/rollout/pkg/smoke"
	"github.com/cuemby/rollout/pkg/storage"
	"github.com/cuemby/rollout/pkg/types"
	"github.com/rs/zerolog"
)

// Request is one deploy invocation
type Request struct {
	// ID overrides the generated deployment id
	ID            string
	Environment   string
	Tag           string
	Strategy      string
	DryRun        bool
	NoRollback    bool
	Confirm       string
	Yes           bool
	AllowRecreate bool
}

// Orchestrator drives a deployment through the state machine. Every
// transition is persisted before the next step starts.
type Orchestrator struct {
	Config    *config.Config
	Store     storage.Store
	Runtime   runtime.Client
	Events    *events.Broker
	Recorder  *storage.Recorder
	Validator *preflight.Validator
	Executor  *deploy.Executor
	Verifier  *health.Verifier
	Rollback  *rollback.Controller
	Smoke     *smoke.Runner

	// Checker and SmokeChecks build the probes for an environment
	Checker     func(cfg *config.Config, env config.EnvironmentConfig) (health.Checker, error)
	SmokeChecks func(cfg *config.Config, env config.EnvironmentConfig) ([]smoke.Check, error)

	Now func() time.Time
}

// New wires the default components around a store and a runtime
func New(cfg *config.Config, store storage.Store, rt runtime.Client, broker *events.Broker, confirmer preflight.Confirmer) *Orchestrator {
	recorder := storage.NewRecorder(store, broker)
	verifier := health.NewVerifier()
	executor := deploy.NewExecutor(rt, broker, cfg.Rolling, deploy.ReadinessPolicy(cfg.BlueGreen))

	return &Orchestrator{
		Config:      cfg,
		Store:       store,
		Runtime:     rt,
		Events:      broker,
		Recorder:    recorder,
		Validator:   preflight.NewValidator(cfg, rt, confirmer),
		Executor:    executor,
		Verifier:    verifier,
		Rollback:    rollback.NewController(recorder, executor, verifier, HealthPolicy(cfg)),
		Smoke:       smoke.NewRunner(broker),
		Checker:     HealthChecker,
		SmokeChecks: SmokeChecks,
		Now:         time.Now,
	}
}

// Run executes one deployment. The returned error is only for failures of
// the orchestrator itself (the State Store); deployment failures are
// reported in Result.Err and Result.ExitCode.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	start := o.Now()
	res := &Result{}
	defer func() { res.Duration = o.Now().Sub(start) }()

	env := strings.ToLower(strings.TrimSpace(req.Environment))
	if env == "" {
		res.Err = &types.ValidationError{Check: preflight.CheckRequired, Reason: "environment is required"}
		return res, nil
	}
	strategy, _ := types.ParseStrategy(req.Strategy)

	rec := types.NewRecord(req.ID, env, o.Config.Service, strategy, req.Tag, req.DryRun, start)
	logger := log.WithDeployment(rec.ID, env)

	lock, err := o.Store.Acquire(rec)
	if err != nil {
		if errors.Is(err, types.ErrBusy) || errors.Is(err, types.ErrAlreadyExists) {
			logger.Warn().Err(err).Msg("Deployment refused")
			res.Err = err
			return res, nil
		}
		return res, fmt.Errorf("failed to acquire %s: %w", env, err)
	}
	res.Record = rec

	o.Verifier.OnAttempt = o.publishAttempt(rec)
	defer func() { o.Verifier.OnAttempt = nil }()

	logger.Info().
		Str("tag", req.Tag).
		Str("strategy", string(strategy)).
		Str("previous_tag", rec.PreviousImageTag).
		Bool("dry_run", req.DryRun).
		Msg("Deployment started")

	if err := o.run(ctx, logger, req, rec, res); err != nil {
		return res, err
	}

	if err := o.Store.Release(lock); err != nil {
		logger.Error().Err(err).Msg("Failed to release environment lock")
	}
	o.finish(rec, start)
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, logger zerolog.Logger, req Request, rec *types.DeploymentRecord, res *Result) error {
	// VALIDATING
	if err := o.Recorder.Transition(rec, types.StatusUpdate{Status: types.StatusValidating}); err != nil {
		return err
	}
	report, err := o.Validator.Validate(ctx, preflight.Request{
		Environment:   rec.Environment,
		Tag:           req.Tag,
		Strategy:      req.Strategy,
		Confirm:       req.Confirm,
		Yes:           req.Yes,
		AllowRecreate: req.AllowRecreate,
	})
	res.Preflight = report
	if err != nil {
		res.Err = err
		return o.Recorder.Transition(rec, types.StatusUpdate{
			Status:      types.StatusFailed,
			Reason:      err.Error(),
			FailureKind: types.FailureValidation,
		})
	}

	envCfg, _ := o.Config.Environment(rec.Environment)
	checker, err := o.Checker(o.Config, envCfg)
	if err != nil {
		res.Err = &types.ValidationError{Check: preflight.CheckEnvironment, Reason: fmt.Sprintf("health check: %v", err)}
		return o.Recorder.Transition(rec, types.StatusUpdate{
			Status:      types.StatusFailed,
			Reason:      res.Err.Error(),
			FailureKind: types.FailureValidation,
		})
	}
	params := deploy.Params{
		Image:         report.Image,
		Replicas:      max(envCfg.Replicas, 1),
		Port:          RuntimePort(o.Config),
		Protected:     report.Protected,
		AllowRecreate: req.AllowRecreate,
	}

	// DEPLOYING
	if err := o.Recorder.Transition(rec, types.StatusUpdate{Status: types.StatusDeploying}); err != nil {
		return err
	}
	out, err := o.Executor.Execute(ctx, rec, params)
	res.Outcome = out
	if err != nil {
		res.Err = err
		kind := types.FailureExecution
		if errors.Is(err, deploy.ErrRecreateNotAllowed) {
			kind = types.FailureValidation
		}
		if err := o.Recorder.Transition(rec, types.StatusUpdate{Status: types.StatusFailed, Reason: err.Error(), FailureKind: kind}); err != nil {
			return err
		}
		if kind == types.FailureValidation || rec.DryRun {
			return nil
		}
		return o.recover(ctx, logger, req, rec, res, envCfg, params, checker)
	}

	// VERIFYING
	if err := o.Recorder.Transition(rec, types.StatusUpdate{Status: types.StatusVerifying}); err != nil {
		return err
	}
	if rec.DryRun {
		return o.Recorder.Transition(rec, types.StatusUpdate{
			Status: types.StatusSucceeded,
			Reason: "dry run: no changes made",
		})
	}

	verified := o.Verifier.Verify(ctx, checker, HealthPolicy(o.Config))
	res.Health = &verified
	if !verified.Healthy {
		err := verified.Err()
		res.Err = err
		if err := o.Recorder.Transition(rec, types.StatusUpdate{Status: types.StatusFailed, Reason: err.Error(), FailureKind: types.FailureHealth}); err != nil {
			return err
		}
		return o.recover(ctx, logger, req, rec, res, envCfg, params, checker)
	}

	if err := o.Recorder.Transition(rec, types.StatusUpdate{
		Status:          types.StatusSucceeded,
		Reason:          fmt.Sprintf("healthy after %d attempts", len(verified.Attempts)),
		RunningImageTag: rec.RequestedImageTag,
		Slot:            out.Slot,
	}); err != nil {
		return err
	}

	if err := o.Executor.Finalize(ctx, rec.Service, out); err != nil {
		logger.Warn().Err(err).Str("slot", out.PreviousSlot).Msg("Failed to tear down previous slot")
	}
	o.prune(ctx, logger, res)
	o.smoke(ctx, logger, rec, res, envCfg)
	return nil
}

// recover hands a FAILED record to the rollback controller when enabled
func (o *Orchestrator) recover(ctx context.Context, logger zerolog.Logger, req Request, rec *types.DeploymentRecord, res *Result, envCfg config.EnvironmentConfig, params deploy.Params, checker health.Checker) error {
	if !o.Config.Rollback.Auto || req.NoRollback {
		logger.Warn().Msg("Automatic rollback disabled; manual action required")
		return nil
	}

	rb, err := o.Rollback.Rollback(ctx, rollback.Request{
		Record:   rec,
		Failed:   res.Outcome,
		Cause:    res.Err,
		Params:   params,
		ImageRef: o.Config.ImageRef,
		Checker:  checker,
	})
	res.Rollback = rb

	var rbErr *types.RollbackError
	if errors.As(err, &rbErr) {
		res.Err = err
		return nil
	}
	if err != nil {
		return err
	}

	o.smoke(ctx, logger, rec, res, envCfg)
	return nil
}

func (o *Orchestrator) prune(ctx context.Context, logger zerolog.Logger, res *Result) {
	if !o.Config.Cleanup.PruneImages {
		return
	}
	pruner, ok := o.Runtime.(runtime.Pruner)
	if !ok {
		logger.Debug().Str("runtime", o.Runtime.Name()).Msg("Runtime does not support image pruning")
		return
	}
	reclaimed, err := pruner.PruneImages(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Image cleanup failed")
		return
	}
	res.Pruned = reclaimed
	logger.Info().Uint64("reclaimed_bytes", reclaimed).Msg("Pruned unused images")
}

func (o *Orchestrator) smoke(ctx context.Context, logger zerolog.Logger, rec *types.DeploymentRecord, res *Result, envCfg config.EnvironmentConfig) {
	if !o.Config.Smoke.Enabled || rec.DryRun {
		return
	}
	checks, err := o.SmokeChecks(o.Config, envCfg)
	if err != nil {
		logger.Warn().Err(err).Msg("Smoke checks not configured")
		res.Smoke = []smoke.CheckResult{{Name: "configuration", Message: err.Error()}}
		return
	}
	res.Smoke = o.Smoke.RunFor(ctx, rec, checks)
}

func (o *Orchestrator) publishAttempt(rec *types.DeploymentRecord) func(types.HealthCheckAttempt) {
	return func(a types.HealthCheckAttempt) {
		o.Events.Publish(&events.Event{
			Type:         events.EventHealthAttempt,
			Timestamp:    a.Timestamp,
			DeploymentID: rec.ID,
			Environment:  rec.Environment,
			Message:      a.HTTPStatusOrError,
			Metadata: map[string]string{
				metrics.KeySucceeded: strconv.FormatBool(a.Succeeded),
				"attempt":            strconv.Itoa(a.AttemptNumber),
			},
		})
	}
}

func (o *Orchestrator) finish(rec *types.DeploymentRecord, start time.Time) {
	elapsed := o.Now().Sub(start)
	logger := log.WithDeployment(rec.ID, rec.Environment)
	logger.Info().
		Str("status", string(rec.Status)).
		Str("running_tag", rec.RunningImageTag).
		Dur("duration", elapsed).
		Msg("Deployment finished")

	o.Events.Publish(&events.Event{
		Type:         events.EventFinished,
		DeploymentID: rec.ID,
		Environment:  rec.Environment,
		Message:      rec.Reason,
		Metadata: map[string]string{
			metrics.KeyStatus:   string(rec.Status),
			metrics.KeyStrategy: string(rec.Strategy),
			metrics.KeyDuration: strconv.FormatFloat(elapsed.Seconds(), 'f', 3, 64),
		},
	})
}

// RollbackTarget returns the last known-good tag of an environment, for a
// manual rollback
func (o *Orchestrator) RollbackTarget(environment string) (string, error) {
	rec, err := o.Store.LatestSucceeded(strings.ToLower(environment))
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", fmt.Errorf("environment %s has no successful deployment to roll back to", environment)
	}
	return rec.RunningImageTag, nil
}
