package metrics

import (
	"strconv"

	"github.com/cuemby/rollout/pkg/events"
)

// Metadata keys read from lifecycle events
const (
	KeyStatus    = "status"
	KeyStrategy  = "strategy"
	KeySucceeded = "succeeded"
	KeyCheck     = "check"
	KeyRollback  = "rollback"
	KeyDuration  = "duration_seconds"
)

// Subscribe counts lifecycle events published on the broker
func Subscribe(b *events.Broker) (unsubscribe func()) {
	return b.Subscribe(Observe)
}

// Observe updates collectors from a single event
func Observe(e *events.Event) {
	md := e.Metadata
	switch e.Type {
	case events.EventStatusChanged:
		StatusTransitions.WithLabelValues(md[KeyStatus]).Inc()
		if md[KeyRollback] != "" {
			Rollbacks.WithLabelValues(e.Environment, result(md[KeyRollback] == "true")).Inc()
		}
	case events.EventHealthAttempt:
		HealthAttempts.WithLabelValues(e.Environment, result(md[KeySucceeded] == "true")).Inc()
	case events.EventSmokeResult:
		SmokeChecks.WithLabelValues(md[KeyCheck], result(md[KeySucceeded] == "true")).Inc()
	case events.EventTrafficSwitched:
		TrafficSwitches.WithLabelValues(e.Environment).Inc()
	case events.EventFinished:
		DeploymentsTotal.WithLabelValues(e.Environment, md[KeyStrategy], md[KeyStatus]).Inc()
		if secs, err := strconv.ParseFloat(md[KeyDuration], 64); err == nil {
			DeploymentDuration.WithLabelValues(e.Environment, md[KeyStrategy]).Observe(secs)
		}
	}
}
