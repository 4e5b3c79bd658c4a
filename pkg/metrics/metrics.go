package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Deployment outcomes
	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollout_deployments_total",
			Help: "Total number of finished deployments by environment, strategy and final status",
		},
		[]string{"environment", "strategy", "status"},
	)

	DeploymentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rollout_deployment_duration_seconds",
			Help:    "Wall-clock time from acquire to final status in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"environment", "strategy"},
	)

	StatusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollout_status_transitions_total",
			Help: "Total number of deployment status transitions by target status",
		},
		[]string{"to"},
	)

	// Verification
	HealthAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollout_health_attempts_total",
			Help: "Total number of health probe attempts by environment and result",
		},
		[]string{"environment", "result"},
	)

	Rollbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollout_rollbacks_total",
			Help: "Total number of automatic rollbacks by environment and result",
		},
		[]string{"environment", "result"},
	)

	SmokeChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollout_smoke_checks_total",
			Help: "Total number of post-deploy smoke checks by check name and result",
		},
		[]string{"check", "result"},
	)

	TrafficSwitches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollout_traffic_switches_total",
			Help: "Total number of blue-green traffic switches by environment",
		},
		[]string{"environment"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(DeploymentsTotal)
	prometheus.MustRegister(DeploymentDuration)
	prometheus.MustRegister(StatusTransitions)
	prometheus.MustRegister(HealthAttempts)
	prometheus.MustRegister(Rollbacks)
	prometheus.MustRegister(SmokeChecks)
	prometheus.MustRegister(TrafficSwitches)
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
