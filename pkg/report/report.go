// Package report renders deployment summaries as styled text, JSON or YAML.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cuemby/rollout/pkg/orchestrator"
	"github.com/cuemby/rollout/pkg/smoke"
	"github.com/cuemby/rollout/pkg/types"
	"gopkg.in/yaml.v3"
)

// Format selects the output encoding
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts text, json and yaml
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatText, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return FormatText, nil
	case "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unknown output format %q (expected text, json or yaml)", s)
}

// Rollback summarises the rollback attempt
type Rollback struct {
	Strategy types.Strategy `json:"strategy" yaml:"strategy"`
	Image    string         `json:"image,omitempty" yaml:"image,omitempty"`
	Kept     bool           `json:"kept,omitempty" yaml:"kept,omitempty"`
}

// Summary is the structured end-of-run report
type Summary struct {
	DeploymentID   string                     `json:"deployment_id,omitempty" yaml:"deployment_id,omitempty"`
	Environment    string                     `json:"environment,omitempty" yaml:"environment,omitempty"`
	Service        string                     `json:"service,omitempty" yaml:"service,omitempty"`
	Strategy       types.Strategy             `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	RequestedTag   string                     `json:"requested_image_tag,omitempty" yaml:"requested_image_tag,omitempty"`
	PreviousTag    string                     `json:"previous_image_tag,omitempty" yaml:"previous_image_tag,omitempty"`
	RunningTag     string                     `json:"running_image_tag,omitempty" yaml:"running_image_tag,omitempty"`
	Slot           string                     `json:"slot,omitempty" yaml:"slot,omitempty"`
	Status         types.Status               `json:"status,omitempty" yaml:"status,omitempty"`
	FailureKind    types.FailureKind          `json:"failure_kind,omitempty" yaml:"failure_kind,omitempty"`
	Reason         string                     `json:"reason,omitempty" yaml:"reason,omitempty"`
	DryRun         bool                       `json:"dry_run" yaml:"dry_run"`
	Duration       string                     `json:"duration" yaml:"duration"`
	ExitCode       int                        `json:"exit_code" yaml:"exit_code"`
	Error          string                     `json:"error,omitempty" yaml:"error,omitempty"`
	Warnings       []string                   `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Transitions    []types.Transition         `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	HealthAttempts []types.HealthCheckAttempt `json:"health_attempts,omitempty" yaml:"health_attempts,omitempty"`
	Rollback       *Rollback                  `json:"rollback,omitempty" yaml:"rollback,omitempty"`
	Smoke          []smoke.CheckResult        `json:"smoke,omitempty" yaml:"smoke,omitempty"`
	PrunedBytes    uint64                     `json:"pruned_bytes,omitempty" yaml:"pruned_bytes,omitempty"`
}

// FromResult builds the summary of an orchestrator run
func FromResult(res *orchestrator.Result) Summary {
	s := Summary{
		Duration:    res.Duration.Round(time.Millisecond).String(),
		ExitCode:    res.ExitCode(),
		Smoke:       res.Smoke,
		PrunedBytes: res.Pruned,
	}
	if res.Err != nil {
		s.Error = res.Err.Error()
	}
	if res.Preflight != nil {
		s.Warnings = res.Preflight.Warnings
	}
	if res.Health != nil {
		s.HealthAttempts = res.Health.Attempts
	}
	if res.Rollback != nil {
		s.Rollback = &Rollback{Strategy: res.Rollback.Strategy, Image: res.Rollback.Image, Kept: res.Rollback.Kept}
		// Attempts against the restored version follow the failed ones
		s.HealthAttempts = append(s.HealthAttempts, res.Rollback.Health.Attempts...)
	}
	if rec := res.Record; rec != nil {
		s.DeploymentID = rec.ID
		s.Environment = rec.Environment
		s.Service = rec.Service
		s.Strategy = rec.Strategy
		s.RequestedTag = rec.RequestedImageTag
		s.PreviousTag = rec.PreviousImageTag
		s.RunningTag = rec.RunningImageTag
		s.Slot = rec.Slot
		s.Status = rec.Status
		s.FailureKind = rec.FailureKind
		s.Reason = rec.Reason
		s.DryRun = rec.DryRun
		s.Transitions = rec.Transitions
	}
	return s
}

// Render writes v in the requested format. Text rendering understands
// Summary, a single record and a record list; anything else is rejected.
func Render(w io.Writer, format Format, v any) error {
	switch format {
	case FormatJSON:
		return RenderJSON(w, v)
	case FormatYAML:
		return RenderYAML(w, v)
	}

	switch t := v.(type) {
	case Summary:
		return RenderText(w, t)
	case *types.DeploymentRecord:
		return RenderRecord(w, t)
	case []*types.DeploymentRecord:
		return RenderHistory(w, t)
	}
	return fmt.Errorf("cannot render %T as text", v)
}

// RenderJSON writes indented JSON
func RenderJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// RenderYAML writes YAML
func RenderYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
