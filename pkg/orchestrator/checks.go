package orchestrator

import (
	"fmt"
	"net"
	"net/url"

	"github.com/cuemby/rollout/pkg/config"
	"github.com/cuemby/rollout/pkg/health"
	"github.com/cuemby/rollout/pkg/smoke"
)

// HealthChecker builds the configured verifier probe for an environment
func HealthChecker(cfg *config.Config, env config.EnvironmentConfig) (health.Checker, error) {
	if env.HealthURL == "" {
		return nil, fmt.Errorf("no health_url configured")
	}

	switch health.CheckType(cfg.Health.Type) {
	case "", health.CheckTypeHTTP:
		return health.NewEndpointChecker(env.HealthURL).WithTimeout(cfg.Health.Timeout), nil
	case health.CheckTypeGRPC:
		addr, err := hostPort(env.HealthURL)
		if err != nil {
			return nil, err
		}
		return health.NewGRPCChecker(addr, cfg.Health.GRPCService).WithTimeout(cfg.Health.Timeout), nil
	case health.CheckTypeTCP:
		addr, err := hostPort(env.HealthURL)
		if err != nil {
			return nil, err
		}
		return health.NewTCPChecker(addr).WithTimeout(cfg.Health.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown health type %q", cfg.Health.Type)
	}
}

// hostPort accepts host:port or a URL
func hostPort(target string) (string, error) {
	if _, _, err := net.SplitHostPort(target); err == nil {
		return target, nil
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid health target %q", target)
	}
	return u.Host, nil
}

// SmokeChecks builds the smoke battery for an environment
func SmokeChecks(cfg *config.Config, env config.EnvironmentConfig) ([]smoke.Check, error) {
	return smoke.FromConfig(cfg.Smoke, env.HealthURL, cfg.Health.Timeout)
}

// HealthPolicy is the verifier policy from configuration
func HealthPolicy(cfg *config.Config) health.Policy {
	return health.Policy{
		Retries:  cfg.Health.Retries,
		Interval: cfg.Health.Interval,
		Jitter:   cfg.Health.Jitter,
		Deadline: cfg.Health.Deadline,
	}
}

// RuntimePort is the container port of the selected runtime
func RuntimePort(cfg *config.Config) int {
	switch cfg.Runtime.Kind {
	case config.RuntimeKubernetes:
		return cfg.Runtime.Kubernetes.Port
	case config.RuntimeDocker:
		return cfg.Runtime.Docker.Port
	}
	return 0
}
