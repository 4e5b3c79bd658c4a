package storage

import (
	"time"

	"github.com/cuemby/rollout/pkg/events"
	"github.com/cuemby/rollout/pkg/log"
	"github.com/cuemby/rollout/pkg/metrics"
	"github.com/cuemby/rollout/pkg/types"
)

// Recorder persists status transitions and announces them on the broker.
// It is the only writer of record status outside of Acquire and Clear.
type Recorder struct {
	Store  Store
	Events *events.Broker
	Now    func() time.Time
}

// NewRecorder creates a recorder using wall-clock time
func NewRecorder(store Store, broker *events.Broker) *Recorder {
	return &Recorder{Store: store, Events: broker, Now: time.Now}
}

// Transition applies update to the stored record and refreshes rec in place
func (r *Recorder) Transition(rec *types.DeploymentRecord, update types.StatusUpdate) error {
	if update.At.IsZero() && r.Now != nil {
		update.At = r.Now()
	}
	from := rec.Status

	updated, err := r.Store.UpdateStatus(rec.ID, update)
	if err != nil {
		return err
	}
	*rec = *updated

	logger := log.WithDeployment(rec.ID, rec.Environment)
	evt := logger.Info()
	if update.Status == types.StatusFailed || update.Status == types.StatusRollbackFailed {
		evt = logger.Warn()
	}
	evt.Str("from", string(from)).
		Str("to", string(update.Status)).
		Str("reason", update.Reason).
		Msg("Deployment status changed")

	md := map[string]string{
		metrics.KeyStatus:   string(update.Status),
		metrics.KeyStrategy: string(rec.Strategy),
	}
	switch update.Status {
	case types.StatusRolledBack:
		md[metrics.KeyRollback] = "true"
	case types.StatusRollbackFailed:
		md[metrics.KeyRollback] = "false"
	}
	r.Events.Publish(&events.Event{
		Type:         events.EventStatusChanged,
		Timestamp:    update.At,
		DeploymentID: rec.ID,
		Environment:  rec.Environment,
		Message:      update.Reason,
		Metadata:     md,
	})
	return nil
}
