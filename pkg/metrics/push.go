package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Push sends the current values of all registered collectors to a Prometheus
// Pushgateway. A one-shot CLI exits before any scrape could happen. The
// grouping key must not collide with a collector label.
func Push(url, environment string) error {
	if url == "" {
		return nil
	}

	err := push.New(url, "rollout").
		Gatherer(prometheus.DefaultGatherer).
		Grouping("rollout_env", environment).
		Push()
	if err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", url, err)
	}
	return nil
}
