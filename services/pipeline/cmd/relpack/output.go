package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"relpack/services/pipeline"
	"relpack/services/releases"
)

var (
	headStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA")).Width(10)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
}

func stateStyle(s pipeline.State) lipgloss.Style {
	switch s {
	case pipeline.StateFailed:
		return failStyle
	case pipeline.StatePublished, pipeline.StateDone:
		return okStyle
	default:
		return lipgloss.NewStyle()
	}
}

func printRun(w io.Writer, run *pipeline.Run, asJSON bool) error {
	if run == nil {
		return nil
	}
	if asJSON {
		out := struct {
			*pipeline.Run
			Error string `json:"error,omitempty"`
		}{run, run.FailureMessage()}
		return writeJSON(w, out)
	}

	rows := []string{
		headStyle.Render("relpack run " + run.ID.String()),
		row("trigger", run.Trigger.String()),
		row("state", stateStyle(run.State).Render(string(run.State))),
	}
	if run.ArtifactKey != "" {
		rows = append(rows, row("artifact", run.ArtifactKey))
	}
	if run.ReleaseTag != "" {
		rows = append(rows, row("release", run.ReleaseTag))
	}
	if run.Reason != "" {
		rows = append(rows, row("note", run.Reason))
	}
	if msg := run.FailureMessage(); msg != "" {
		rows = append(rows, row("error", failStyle.Render(msg)))
	}
	if run.FinishedAt != nil {
		rows = append(rows, row("elapsed", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String()))
	}
	_, err := fmt.Fprintln(w, boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...)))
	return err
}

func printRelease(w io.Writer, rel *releases.Release, asJSON bool) error {
	if asJSON {
		return writeJSON(w, rel)
	}
	rows := []string{
		headStyle.Render(rel.Title),
		row("tag", rel.Tag),
		row("commit", rel.Commit),
		row("updated", rel.UpdatedAt.Format("2006-01-02 15:04:05Z07:00")),
	}
	for _, a := range rel.Assets {
		rows = append(rows, row("asset", fmt.Sprintf("%s (%d bytes) %s", a.Name, a.Size, a.SHA256)))
	}
	_, err := fmt.Fprintln(w, boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...)))
	return err
}

func printReleases(w io.Writer, all []releases.Release, asJSON bool) error {
	if asJSON {
		if all == nil {
			all = []releases.Release{}
		}
		return writeJSON(w, all)
	}
	var b strings.Builder
	for _, rel := range all {
		fmt.Fprintf(&b, "%s\t%s\t%d assets\n", headStyle.Render(rel.Tag), rel.Title, len(rel.Assets))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func printHistory(w io.Writer, records []pipeline.RunRecord, asJSON bool) error {
	if asJSON {
		if records == nil {
			records = []pipeline.RunRecord{}
		}
		return writeJSON(w, records)
	}
	for _, r := range records {
		state := stateStyle(pipeline.State(r.State)).Render(r.State)
		if _, err := fmt.Fprintf(w, "%s  %s  %-10s  %s %s\n",
			r.StartedAt.Format("2006-01-02 15:04"), r.ID, state, r.Event, r.Ref); err != nil {
			return err
		}
	}
	return nil
}
