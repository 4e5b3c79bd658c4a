/*
Package metrics defines the Prometheus collectors of a rollout run.

Collectors are registered with the default registry at package init and are
fed from lifecycle events rather than called directly: Subscribe attaches
Observe to an events.Broker, so the orchestrator and its components only
publish events and never import this package for counting.

# Metrics

	rollout_deployments_total{environment,strategy,status}
	rollout_deployment_duration_seconds{environment,strategy}
	rollout_status_transitions_total{to}
	rollout_health_attempts_total{environment,result}
	rollout_rollbacks_total{environment,result}
	rollout_smoke_checks_total{check,result}
	rollout_traffic_switches_total{environment}

# Pushgateway

A deploy is a short-lived process that exits before any scrape. When a
Pushgateway URL is configured, Push sends the final values grouped by
environment:

	unsubscribe := metrics.Subscribe(broker)
	defer unsubscribe()
	// ... run the deployment ...
	if err := metrics.Push(cfg.Metrics.PushgatewayURL, env); err != nil {
		logger.Warn().Err(err).Msg("Failed to push metrics")
	}
*/
package metrics
