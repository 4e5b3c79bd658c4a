package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Strategy defines how a new image is rolled out to an environment
type Strategy string

const (
	StrategyRolling   Strategy = "rolling"
	StrategyBlueGreen Strategy = "blue-green"
	StrategyRecreate  Strategy = "recreate"
)

// ParseStrategy accepts the CLI spellings (rolling, blue-green, recreate)
// and the upper-case record names (ROLLING, BLUE_GREEN, RECREATE).
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "-")) {
	case "rolling":
		return StrategyRolling, nil
	case "blue-green", "bluegreen":
		return StrategyBlueGreen, nil
	case "recreate":
		return StrategyRecreate, nil
	default:
		return "", fmt.Errorf("unknown strategy %q (expected rolling, blue-green or recreate)", s)
	}
}

// Status is the lifecycle state of a deployment record
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusValidating     Status = "VALIDATING"
	StatusDeploying      Status = "DEPLOYING"
	StatusVerifying      Status = "VERIFYING"
	StatusSucceeded      Status = "SUCCEEDED"
	StatusFailed         Status = "FAILED"
	StatusRollingBack    Status = "ROLLING_BACK"
	StatusRolledBack     Status = "ROLLED_BACK"
	StatusRollbackFailed Status = "ROLLBACK_FAILED"
)

// Terminal reports whether no further transition is expected.
// FAILED is terminal unless a rollback picks it up.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusRolledBack, StatusRollbackFailed:
		return true
	}
	return false
}

// Healthy reports whether the environment ends up serving a verified version
func (s Status) Healthy() bool {
	return s == StatusSucceeded || s == StatusRolledBack
}

var transitions = map[Status][]Status{
	StatusPending:     {StatusValidating},
	StatusValidating:  {StatusDeploying, StatusFailed},
	StatusDeploying:   {StatusVerifying, StatusFailed},
	StatusVerifying:   {StatusSucceeded, StatusFailed},
	StatusFailed:      {StatusRollingBack},
	StatusRollingBack: {StatusRolledBack, StatusRollbackFailed},
}

// CanTransition reports whether from -> to is a legal state machine edge
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FailureKind classifies why a record ended in a failure state
type FailureKind string

const (
	FailureNone       FailureKind = ""
	FailureValidation FailureKind = "validation"
	FailureExecution  FailureKind = "execution"
	FailureHealth     FailureKind = "health"
	FailureRollback   FailureKind = "rollback"
	FailureCleared    FailureKind = "cleared"
)

// Slot names a parallel stack of a service. Rolling and recreate deployments
// act on whichever slot currently serves traffic; blue-green alternates.
const (
	SlotPrimary = "primary"
	SlotBlue    = "blue"
	SlotGreen   = "green"
)

// OtherSlot returns the blue-green slot that is not active
func OtherSlot(active string) string {
	if active == SlotGreen {
		return SlotBlue
	}
	return SlotGreen
}

// Transition is one entry of a record's audit trail
type Transition struct {
	Status Status    `json:"status" yaml:"status"`
	At     time.Time `json:"at" yaml:"at"`
	Reason string    `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// DeploymentRecord is one attempted deployment to one environment
type DeploymentRecord struct {
	ID                string       `json:"deployment_id" yaml:"deployment_id"`
	Environment       string       `json:"environment" yaml:"environment"`
	Service           string       `json:"service" yaml:"service"`
	Strategy          Strategy     `json:"strategy" yaml:"strategy"`
	RequestedImageTag string       `json:"requested_image_tag" yaml:"requested_image_tag"`
	PreviousImageTag  string       `json:"previous_image_tag,omitempty" yaml:"previous_image_tag,omitempty"`
	RunningImageTag   string       `json:"running_image_tag,omitempty" yaml:"running_image_tag,omitempty"`
	Slot              string       `json:"slot,omitempty" yaml:"slot,omitempty"`
	Status            Status       `json:"status" yaml:"status"`
	FailureKind       FailureKind  `json:"failure_kind,omitempty" yaml:"failure_kind,omitempty"`
	Reason            string       `json:"reason,omitempty" yaml:"reason,omitempty"`
	DryRun            bool         `json:"dry_run" yaml:"dry_run"`
	StartedAt         time.Time    `json:"started_at" yaml:"started_at"`
	CompletedAt       *time.Time   `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Transitions       []Transition `json:"transitions" yaml:"transitions"`
}

// NewDeploymentID returns a time-ordered identifier (UUIDv7)
func NewDeploymentID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewRecord creates a PENDING record. An empty id gets a generated one.
func NewRecord(id, environment, service string, strategy Strategy, tag string, dryRun bool, now time.Time) *DeploymentRecord {
	if id == "" {
		id = NewDeploymentID()
	}
	return &DeploymentRecord{
		ID:                id,
		Environment:       environment,
		Service:           service,
		Strategy:          strategy,
		RequestedImageTag: tag,
		Status:            StatusPending,
		DryRun:            dryRun,
		StartedAt:         now,
		Transitions:       []Transition{{Status: StatusPending, At: now}},
	}
}

// HasPrevious reports whether a rollback target exists
func (r *DeploymentRecord) HasPrevious() bool {
	return r.PreviousImageTag != ""
}

// Counts reports whether the record represents a real, verified version
// running in the environment. Dry runs never count.
func (r *DeploymentRecord) Counts() bool {
	return !r.DryRun && r.Status.Healthy() && r.RunningImageTag != ""
}

// StatusSequence returns the ordered statuses the record went through
func (r *DeploymentRecord) StatusSequence() []Status {
	seq := make([]Status, 0, len(r.Transitions))
	for _, t := range r.Transitions {
		seq = append(seq, t.Status)
	}
	return seq
}

// Clone returns a deep copy
func (r *DeploymentRecord) Clone() *DeploymentRecord {
	c := *r
	c.Transitions = append([]Transition(nil), r.Transitions...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// StatusUpdate describes one transition plus the fields that change with it
type StatusUpdate struct {
	Status          Status
	Reason          string
	At              time.Time
	FailureKind     FailureKind
	RunningImageTag string
	Slot            string
	// Force skips the state machine check. Only operator clears use it.
	Force bool
}

// Apply validates and applies an update in place
func (r *DeploymentRecord) Apply(u StatusUpdate) error {
	if !u.Force && !CanTransition(r.Status, u.Status) {
		return &TransitionError{ID: r.ID, From: r.Status, To: u.Status}
	}
	if u.At.IsZero() {
		u.At = time.Now()
	}
	r.Status = u.Status
	r.Transitions = append(r.Transitions, Transition{Status: u.Status, At: u.At, Reason: u.Reason})
	if u.Reason != "" {
		r.Reason = u.Reason
	}
	if u.FailureKind != FailureNone {
		r.FailureKind = u.FailureKind
	}
	if u.RunningImageTag != "" {
		r.RunningImageTag = u.RunningImageTag
	}
	if u.Slot != "" {
		r.Slot = u.Slot
	}
	if u.Status.Terminal() {
		at := u.At
		r.CompletedAt = &at
	} else {
		r.CompletedAt = nil
	}
	return nil
}

// HealthCheckAttempt is one probe of the health endpoint. Not persisted.
type HealthCheckAttempt struct {
	AttemptNumber     int           `json:"attempt_number" yaml:"attempt_number"`
	HTTPStatusOrError string        `json:"http_status_or_error" yaml:"http_status_or_error"`
	Succeeded         bool          `json:"succeeded" yaml:"succeeded"`
	Timestamp         time.Time     `json:"timestamp" yaml:"timestamp"`
	Duration          time.Duration `json:"duration" yaml:"duration"`
}

// ImageRef joins a repository and a tag
func ImageRef(repository, tag string) string {
	if repository == "" {
		return tag
	}
	return repository + ":" + tag
}
