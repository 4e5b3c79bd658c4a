package report

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/cuemby/rollout/pkg/types"
)

// styles adapt to w: colours only when w is a terminal
type styles struct {
	title lipgloss.Style
	label lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
	bad   lipgloss.Style
	dim   lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		title: r.NewStyle().Bold(true),
		label: r.NewStyle().Bold(true),
		ok:    r.NewStyle().Foreground(lipgloss.Color("2")),
		warn:  r.NewStyle().Foreground(lipgloss.Color("3")),
		bad:   r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		dim:   r.NewStyle().Faint(true),
	}
}

func (s styles) status(status types.Status) string {
	switch status {
	case types.StatusSucceeded:
		return s.ok.Render(string(status))
	case types.StatusRolledBack:
		return s.warn.Render(string(status))
	case types.StatusFailed, types.StatusRollbackFailed:
		return s.bad.Render(string(status))
	}
	return string(status)
}

func (s styles) mark(ok bool) string {
	if ok {
		return s.ok.Render("✓")
	}
	return s.bad.Render("✗")
}

type printer struct {
	w   io.Writer
	st  styles
	err error
}

func (p *printer) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

func (p *printer) field(label, value string) {
	if value == "" {
		return
	}
	p.printf("  %s %s\n", p.st.label.Render(fmt.Sprintf("%-14s", label+":")), value)
}

// RenderText writes the human-readable summary
func RenderText(w io.Writer, s Summary) error {
	return renderSummary(w, s, true)
}

func renderSummary(w io.Writer, s Summary, withExit bool) error {
	p := &printer{w: w, st: newStyles(w)}

	if s.DeploymentID == "" {
		p.printf("%s %s\n", p.st.mark(false), p.st.title.Render("Deployment not started"))
		p.field("Error", s.Error)
		p.field("Exit code", fmt.Sprint(s.ExitCode))
		return p.err
	}

	title := fmt.Sprintf("Deployment %s to %s", s.DeploymentID, s.Environment)
	if s.DryRun {
		title += " (dry run)"
	}
	p.printf("%s %s\n", p.st.mark(s.ExitCode == 0), p.st.title.Render(title))
	p.field("Service", s.Service)
	p.field("Strategy", string(s.Strategy))
	p.field("Requested tag", s.RequestedTag)
	p.field("Previous tag", orNone(s.PreviousTag))
	p.field("Running tag", s.RunningTag)
	p.field("Slot", s.Slot)
	p.field("Status", p.st.status(s.Status))
	p.field("Failure", string(s.FailureKind))
	p.field("Reason", s.Reason)
	switch {
	case s.Rollback == nil:
	case s.Rollback.Kept:
		p.field("Rollback", "kept "+s.Rollback.Image)
	default:
		p.field("Rollback", fmt.Sprintf("%s to %s", s.Rollback.Strategy, s.Rollback.Image))
	}
	p.field("Duration", s.Duration)
	if s.PrunedBytes > 0 {
		p.field("Reclaimed", fmt.Sprintf("%d bytes", s.PrunedBytes))
	}
	if withExit {
		p.field("Exit code", fmt.Sprint(s.ExitCode))
	}

	for _, warning := range s.Warnings {
		p.printf("  %s %s\n", p.st.warn.Render("!"), warning)
	}

	if len(s.Transitions) > 0 {
		p.printf("\n%s\n", p.st.title.Render("Status history"))
		for _, t := range s.Transitions {
			p.printf("  %-16s %s %s\n", t.Status, p.st.dim.Render(t.At.Format(time.RFC3339)), t.Reason)
		}
	}

	// Attempts only matter when something went wrong
	if len(s.HealthAttempts) > 0 && s.Status != types.StatusSucceeded {
		p.printf("\n%s\n", p.st.title.Render(fmt.Sprintf("Health checks (%d attempts)", len(s.HealthAttempts))))
		for _, a := range s.HealthAttempts {
			p.printf("  %s #%-3d %s %s\n", p.st.mark(a.Succeeded), a.AttemptNumber, a.HTTPStatusOrError,
				p.st.dim.Render(a.Duration.Round(time.Millisecond).String()))
		}
	}

	if len(s.Smoke) > 0 {
		p.printf("\n%s\n", p.st.title.Render("Smoke checks"))
		for _, c := range s.Smoke {
			p.printf("  %s %-12s %s\n", p.st.mark(c.Passed), c.Name, c.Message)
		}
	}
	return p.err
}

// RenderRecord writes one stored record with its audit trail
func RenderRecord(w io.Writer, rec *types.DeploymentRecord) error {
	s := Summary{
		DeploymentID: rec.ID,
		Environment:  rec.Environment,
		Service:      rec.Service,
		Strategy:     rec.Strategy,
		RequestedTag: rec.RequestedImageTag,
		PreviousTag:  rec.PreviousImageTag,
		RunningTag:   rec.RunningImageTag,
		Slot:         rec.Slot,
		Status:       rec.Status,
		FailureKind:  rec.FailureKind,
		Reason:       rec.Reason,
		DryRun:       rec.DryRun,
		Transitions:  rec.Transitions,
	}
	if rec.CompletedAt != nil {
		s.Duration = rec.CompletedAt.Sub(rec.StartedAt).Round(time.Millisecond).String()
	} else {
		s.Duration = "in flight"
	}
	if rec.Status.Terminal() && !rec.Status.Healthy() {
		s.ExitCode = 1
	}
	return renderSummary(w, s, false)
}

// RenderHistory writes one line per record, newest first
func RenderHistory(w io.Writer, recs []*types.DeploymentRecord) error {
	p := &printer{w: w, st: newStyles(w)}
	if len(recs) == 0 {
		p.printf("No deployments recorded\n")
		return p.err
	}

	header := fmt.Sprintf("%-36s  %-20s  %-11s  %-16s  %-16s  %s", "ID", "STARTED", "STRATEGY", "REQUESTED", "RUNNING", "STATUS")
	p.printf("%s\n", p.st.title.Render(header))
	for _, r := range recs {
		tag := r.RequestedImageTag
		if r.DryRun {
			tag += " (dry)"
		}
		p.printf("%-36s  %-20s  %-11s  %-16s  %-16s  %s\n",
			r.ID, r.StartedAt.Format(time.RFC3339), r.Strategy, tag, orNone(r.RunningImageTag), p.st.status(r.Status))
	}
	return p.err
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
