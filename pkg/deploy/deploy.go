package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/rollout/pkg/config"
	"github.com/cuemby/rollout/pkg/events"
	"github.com/cuemby/rollout/pkg/health"
	"github.com/cuemby/rollout/pkg/log"
	"github.com/cuemby/rollout/pkg/runtime"
	"github.com/cuemby/rollout/pkg/types"
	"github.com/rs/zerolog"
)

// Execution steps reported in types.ExecutionError
const (
	StepGuard     = "guard"
	StepPull      = "pull"
	StepApply     = "apply"
	StepReadiness = "readiness"
	StepSwitch    = "switch"
)

// ActiveUntouched reports whether a failed Execute left the serving slot as it
// was: nothing changes before the pull, and blue-green only touches the
// standby until traffic is switched.
func ActiveUntouched(err error) bool {
	var execErr *types.ExecutionError
	if !errors.As(err, &execErr) {
		return false
	}
	switch execErr.Step {
	case StepGuard, StepPull:
		return true
	case StepApply, StepReadiness, StepSwitch:
		return execErr.Strategy == types.StrategyBlueGreen
	}
	return false
}

// ErrRecreateNotAllowed guards protected environments against downtime
var ErrRecreateNotAllowed = errors.New("recreate is not allowed on a protected environment without override")

// Params describes what to run
type Params struct {
	Image         string
	Replicas      int
	Port          int
	Env           []string
	Protected     bool
	AllowRecreate bool
}

// Outcome is what an execution changed. Slot serves traffic afterwards;
// PreviousSlot served before ("" on a first deployment).
type Outcome struct {
	Strategy     types.Strategy
	Image        string
	Slot         string
	PreviousSlot string
	// Switched is set when traffic moved from PreviousSlot to Slot
	Switched bool
	DryRun   bool
}

// Executor applies a deployment strategy through a runtime client
type Executor struct {
	Runtime runtime.Client
	Events  *events.Broker
	Rolling config.RollingConfig

	// Readiness is the blue-green executor's own wait for the new slot,
	// separate from post-deploy health verification
	Readiness health.Policy
	Verifier  *health.Verifier
}

// NewExecutor creates an executor
func NewExecutor(rt runtime.Client, broker *events.Broker, rolling config.RollingConfig, readiness health.Policy) *Executor {
	return &Executor{
		Runtime:   rt,
		Events:    broker,
		Rolling:   rolling,
		Readiness: readiness,
		Verifier:  health.NewVerifier(),
	}
}

// ReadinessPolicy converts the blue-green settings into a poll policy
func ReadinessPolicy(cfg config.BlueGreenConfig) health.Policy {
	interval := cfg.ReadinessInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	retries := 1
	if cfg.ReadinessTimeout > 0 {
		retries = max(1, int(cfg.ReadinessTimeout/interval)+1)
	}
	return health.Policy{Retries: retries, Interval: interval, Deadline: cfg.ReadinessTimeout}
}

// Execute runs rec's strategy. A dry run resolves the plan without calling
// any mutating runtime operation. Blue-green leaves the old slot running;
// Finalize removes it once the new one is verified.
func (e *Executor) Execute(ctx context.Context, rec *types.DeploymentRecord, p Params) (*Outcome, error) {
	logger := log.WithDeployment(rec.ID, rec.Environment).With().Str("component", "deploy").Logger()

	if rec.Strategy == types.StrategyRecreate && p.Protected && !p.AllowRecreate {
		return nil, &types.ExecutionError{Strategy: rec.Strategy, Step: StepGuard, Err: ErrRecreateNotAllowed}
	}

	active, err := e.Runtime.ActiveSlot(ctx, rec.Service)
	if err != nil {
		return nil, &types.ExecutionError{Strategy: rec.Strategy, Step: StepGuard, Err: fmt.Errorf("failed to read active slot: %w", err)}
	}

	out := &Outcome{
		Strategy:     rec.Strategy,
		Image:        p.Image,
		Slot:         inPlaceSlot(active),
		PreviousSlot: active,
		DryRun:       rec.DryRun,
	}
	if rec.Strategy == types.StrategyBlueGreen {
		out.Slot = types.OtherSlot(active)
	}

	logger.Info().
		Str("strategy", string(rec.Strategy)).
		Str("image", p.Image).
		Str("active_slot", active).
		Str("target_slot", out.Slot).
		Int("replicas", p.Replicas).
		Bool("dry_run", rec.DryRun).
		Msg("Executing deployment")

	if rec.DryRun {
		logger.Info().Msg("Dry run: no runtime changes made")
		return out, nil
	}

	if err := e.Runtime.Pull(ctx, p.Image); err != nil {
		return nil, &types.ExecutionError{Strategy: rec.Strategy, Step: StepPull, Err: err}
	}

	switch rec.Strategy {
	case types.StrategyRolling:
		err = e.apply(ctx, rec, p, out.Slot, runtime.ModeRolling)
	case types.StrategyRecreate:
		err = e.apply(ctx, rec, p, out.Slot, runtime.ModeRecreate)
	case types.StrategyBlueGreen:
		err = e.blueGreen(ctx, logger, rec, p, out)
	default:
		err = &types.ExecutionError{Strategy: rec.Strategy, Step: StepGuard, Err: fmt.Errorf("unknown strategy %q", rec.Strategy)}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func inPlaceSlot(active string) string {
	if active == "" {
		return types.SlotPrimary
	}
	return active
}

func (e *Executor) apply(ctx context.Context, rec *types.DeploymentRecord, p Params, slot string, mode runtime.Mode) error {
	spec := runtime.ApplySpec{
		Service:        rec.Service,
		Slot:           slot,
		Image:          p.Image,
		Mode:           mode,
		Replicas:       p.Replicas,
		MaxSurge:       e.Rolling.MaxSurge,
		MaxUnavailable: e.Rolling.MaxUnavailable,
		BatchDelay:     e.Rolling.BatchDelay,
		Port:           p.Port,
		Env:            p.Env,
		Labels:         map[string]string{"io.cuemby.rollout.deployment": rec.ID},
	}
	if err := e.Runtime.Apply(ctx, spec); err != nil {
		return &types.ExecutionError{Strategy: rec.Strategy, Step: StepApply, Err: err}
	}
	return nil
}

// blueGreen stands up the standby slot, waits for it, and repoints traffic.
// Any failure before the switch tears the standby down and leaves the
// active slot untouched.
func (e *Executor) blueGreen(ctx context.Context, logger zerolog.Logger, rec *types.DeploymentRecord, p Params, out *Outcome) error {
	// The standby slot serves nothing, so it is replaced wholesale
	if err := e.apply(ctx, rec, p, out.Slot, runtime.ModeRecreate); err != nil {
		e.abandon(ctx, logger, rec.Service, out)
		return err
	}

	ready := e.Verifier.Verify(ctx, e.readinessChecker(rec.Service, out.Slot), e.Readiness)
	if !ready.Healthy {
		e.abandon(ctx, logger, rec.Service, out)
		return &types.ExecutionError{Strategy: rec.Strategy, Step: StepReadiness,
			Err: fmt.Errorf("slot %s not ready: %w", out.Slot, ready.Err())}
	}

	if err := e.Runtime.SwitchTraffic(ctx, rec.Service, out.Slot); err != nil {
		e.abandon(ctx, logger, rec.Service, out)
		return &types.ExecutionError{Strategy: rec.Strategy, Step: StepSwitch, Err: err}
	}
	out.Switched = true

	logger.Info().
		Str("from", out.PreviousSlot).
		Str("to", out.Slot).
		Msg("Traffic switched")
	e.Events.Publish(&events.Event{
		Type:         events.EventTrafficSwitched,
		DeploymentID: rec.ID,
		Environment:  rec.Environment,
		Message:      fmt.Sprintf("traffic switched from %s to %s", out.PreviousSlot, out.Slot),
		Metadata:     map[string]string{"from": out.PreviousSlot, "to": out.Slot},
	})
	return nil
}

func (e *Executor) readinessChecker(service, slot string) health.Checker {
	return health.CheckerFunc(func(ctx context.Context) health.Result {
		start := time.Now()
		state, err := e.Runtime.Status(ctx, service, slot)
		res := health.Result{Healthy: state == runtime.StateRunning, CheckedAt: start, Duration: time.Since(start)}
		if err != nil {
			res.Healthy = false
			res.Message = err.Error()
			return res
		}
		res.Message = "slot " + slot + " " + string(state)
		return res
	})
}

func (e *Executor) abandon(ctx context.Context, logger zerolog.Logger, service string, out *Outcome) {
	if err := e.Abandon(ctx, service, out); err != nil {
		logger.Warn().Err(err).Str("slot", out.Slot).Msg("Failed to tear down standby slot")
	}
}

// Abandon tears down a blue-green slot that never received traffic
func (e *Executor) Abandon(ctx context.Context, service string, out *Outcome) error {
	if out == nil || out.DryRun || out.Switched || out.Strategy != types.StrategyBlueGreen || out.Slot == out.PreviousSlot {
		return nil
	}
	return e.Runtime.Teardown(ctx, service, out.Slot)
}

// Finalize tears down the slot traffic was switched away from. Call it
// once the new slot has passed verification, or after a rollback restored
// service on the new slot.
func (e *Executor) Finalize(ctx context.Context, service string, out *Outcome) error {
	if out == nil || out.DryRun || !out.Switched || out.PreviousSlot == "" || out.PreviousSlot == out.Slot {
		return nil
	}
	logger := log.WithComponent("deploy")
	logger.Info().
		Str("service", service).
		Str("slot", out.PreviousSlot).
		Msg("Tearing down previous slot")
	return e.Runtime.Teardown(ctx, service, out.PreviousSlot)
}
