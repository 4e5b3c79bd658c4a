package runtime

import (
	"context"
	"time"
)

// State is the coarse health of one slot of a service as the runtime sees it
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateUnknown State = "unknown"
)

// Mode selects how Apply replaces existing instances of a slot
type Mode string

const (
	// ModeRolling replaces instances in batches bounded by MaxSurge and
	// MaxUnavailable so some stay available throughout
	ModeRolling Mode = "rolling"
	// ModeRecreate stops every instance before starting new ones
	ModeRecreate Mode = "recreate"
)

// Labels used to find the instances a service owns
const (
	LabelService = "io.cuemby.rollout.service"
	LabelSlot    = "io.cuemby.rollout.slot"
	LabelReplica = "io.cuemby.rollout.replica"
	LabelActive  = "io.cuemby.rollout.active"
)

// ApplySpec is the desired state of one slot
type ApplySpec struct {
	Service  string
	Slot     string
	Image    string
	Mode     Mode
	Replicas int

	// Rolling parameters; at least one of MaxSurge and MaxUnavailable is
	// positive, MaxUnavailable defaults to 1
	MaxSurge       int
	MaxUnavailable int
	BatchDelay     time.Duration

	Port   int
	Env    []string
	Labels map[string]string
}

// BatchSizes returns the surge and unavailable counts with defaults applied
func (s ApplySpec) BatchSizes() (surge, unavailable int) {
	surge, unavailable = max(s.MaxSurge, 0), max(s.MaxUnavailable, 0)
	if surge == 0 && unavailable == 0 {
		unavailable = 1
	}
	return surge, unavailable
}

// Client is the container runtime a deployment mutates. Implementations
// treat the slot as an opaque name; only one slot of a service receives
// traffic at a time.
type Client interface {
	// Name identifies the runtime in logs and summaries
	Name() string

	// Pull fetches an image so Apply can start it
	Pull(ctx context.Context, image string) error

	// ImageExists reports whether the image can be resolved without pulling it
	ImageExists(ctx context.Context, image string) (bool, error)

	// Apply converges a slot to spec and returns once the new instances run
	Apply(ctx context.Context, spec ApplySpec) error

	// Status reports the state of a slot
	Status(ctx context.Context, service, slot string) (State, error)

	// ActiveSlot returns the slot receiving traffic, or "" when nothing is deployed
	ActiveSlot(ctx context.Context, service string) (string, error)

	// RunningImage returns the image a slot runs, or "" when it has no instances
	RunningImage(ctx context.Context, service, slot string) (string, error)

	// SwitchTraffic atomically points the service at slot
	SwitchTraffic(ctx context.Context, service, slot string) error

	// Teardown removes every instance of a slot
	Teardown(ctx context.Context, service, slot string) error

	Close() error
}

// Pruner is implemented by runtimes that can reclaim unused images
type Pruner interface {
	PruneImages(ctx context.Context) (reclaimedBytes uint64, err error)
}
