package main

import (
	"fmt"

	"github.com/cuemby/rollout/pkg/config"
	"github.com/cuemby/rollout/pkg/events"
	"github.com/cuemby/rollout/pkg/log"
	"github.com/cuemby/rollout/pkg/metrics"
	"github.com/cuemby/rollout/pkg/orchestrator"
	"github.com/cuemby/rollout/pkg/preflight"
	"github.com/cuemby/rollout/pkg/runtime"
	"github.com/cuemby/rollout/pkg/storage"
	"github.com/rs/zerolog"
)

// Constructors are variables so tests can substitute fakes
var (
	newStore     = openStore
	newRuntime   = openRuntime
	newConfirmer = func() preflight.Confirmer { return preflight.NewTerminalConfirmer() }
)

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreMemory:
		return storage.NewMemoryStore(), nil
	case config.StoreSQLite:
		return storage.NewSQLiteStore(cfg.Store.Path, cfg.Store.OpenTimeout)
	default:
		return storage.NewBoltStore(cfg.Store.Path, cfg.Store.OpenTimeout)
	}
}

// openRuntime connects to the configured runtime. Kubernetes deploys into
// the environment's namespace.
func openRuntime(cfg *config.Config, environment string) (runtime.Client, error) {
	switch cfg.Runtime.Kind {
	case config.RuntimeKubernetes:
		env, _ := cfg.Environment(environment)
		return runtime.NewKubernetesRuntime(runtime.KubernetesOptions{
			Kubeconfig: cfg.Runtime.Kubernetes.Kubeconfig,
			Context:    cfg.Runtime.Kubernetes.Context,
			Namespace:  env.Namespace,
			Port:       cfg.Runtime.Kubernetes.Port,
		})
	case config.RuntimeContainerd:
		return runtime.NewContainerdRuntime(cfg.Runtime.Containerd.Socket, cfg.Runtime.Containerd.Namespace)
	default:
		return runtime.NewDockerRuntime(runtime.DockerOptions{
			Host:    cfg.Runtime.Docker.Host,
			Network: cfg.Runtime.Docker.Network,
		})
	}
}

// session owns the resources of one deploy or rollback invocation
type session struct {
	orch    *orchestrator.Orchestrator
	store   storage.Store
	runtime runtime.Client
	unsub   []func()
}

func openSession(environment string) (*session, error) {
	store, err := newStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	rt, err := newRuntime(cfg, environment)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to connect to %s runtime: %w", cfg.Runtime.Kind, err)
	}

	broker := events.NewBroker()
	s := &session{
		orch:    orchestrator.New(cfg, store, rt, broker, newConfirmer()),
		store:   store,
		runtime: rt,
	}
	s.unsub = append(s.unsub,
		metrics.Subscribe(broker),
		broker.Subscribe(progress(log.WithComponent("cli"))),
	)
	return s, nil
}

// finish pushes run metrics and releases connections
func (s *session) finish(environment string) {
	for _, unsub := range s.unsub {
		unsub()
	}
	if err := metrics.Push(cfg.Metrics.PushgatewayURL, environment); err != nil {
		log.Logger.Warn().Err(err).Msg("Failed to push metrics")
	}
	if err := s.runtime.Close(); err != nil {
		log.Logger.Debug().Err(err).Msg("Failed to close runtime client")
	}
	if err := s.store.Close(); err != nil {
		log.Logger.Warn().Err(err).Msg("Failed to close state store")
	}
}

// progress logs lifecycle events as they happen
func progress(logger zerolog.Logger) events.Handler {
	return func(e *events.Event) {
		md := e.Metadata
		switch e.Type {
		case events.EventStatusChanged:
			logger.Info().
				Str("deployment_id", e.DeploymentID).
				Str("status", md[metrics.KeyStatus]).
				Str("reason", e.Message).
				Msg("Status changed")
		case events.EventHealthAttempt:
			logger.Debug().
				Str("deployment_id", e.DeploymentID).
				Str("succeeded", md[metrics.KeySucceeded]).
				Str("result", e.Message).
				Msg("Health check attempt")
		case events.EventTrafficSwitched, events.EventSmokeResult:
			logger.Info().
				Str("deployment_id", e.DeploymentID).
				Str("event", string(e.Type)).
				Msg(e.Message)
		}
	}
}
