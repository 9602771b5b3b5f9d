package printer

import (
	"fmt"
	"io"
	"strings"

	"github.com/dyluth/pkgshift/pkg/dispatch"
	"github.com/fatih/color"
)

// Report prints a dispatch report to stdout.
func Report(rep *dispatch.Report) {
	FormatReport(stdout, rep)
}

// FormatReport writes one row per job in submission order, followed by the
// failures and a summary line.
func FormatReport(w io.Writer, rep *dispatch.Report) {
	if rep == nil || len(rep.Jobs) == 0 {
		fmt.Fprintln(w, "No jobs dispatched")
		return
	}

	fmt.Fprintf(w, "Dispatch %s:\n\n", rep.Run)
	fmt.Fprintf(w, "%-28s %-15s %-10s %s\n", "JOB", "STATE", "HANDLE", "ARTIFACTS")
	fmt.Fprintf(w, "%-28s %-15s %-10s %s\n",
		"----------------------------", "---------------", "----------", "------------------------------")

	for _, job := range rep.Jobs {
		fmt.Fprintf(w, "%-28s %s %-10s %s\n",
			job.ID,
			stateColor(job.State).Sprintf("%-15s", job.State),
			shortHandle(job.Handle),
			artifactsCell(job))
	}

	if len(rep.Failures) > 0 {
		fmt.Fprintf(w, "\nFailures:\n")
		for _, f := range rep.Failures {
			fmt.Fprintf(w, "  %s: %v\n", f.Job, f.Err)
		}
	}

	fmt.Fprintf(w, "\n%d committed, %d failed\n", len(rep.Results), len(rep.Failures))
}

func stateColor(s dispatch.PhaseState) *color.Color {
	switch {
	case s.Failed():
		return red
	case s == dispatch.StatePromoted || s == dispatch.StateCommitted:
		return green
	default:
		return yellow
	}
}

func shortHandle(h dispatch.Handle) string {
	if h == "" {
		return "-"
	}
	if len(h) > 8 {
		return string(h[:8])
	}
	return string(h)
}

func artifactsCell(job dispatch.Snapshot) string {
	if len(job.Result) == 0 {
		return "-"
	}
	cells := make([]string, 0, len(job.Result))
	for _, a := range job.Result {
		if p, ok := job.Promoted[a]; ok {
			cells = append(cells, p)
			continue
		}
		cells = append(cells, a)
	}
	return strings.Join(cells, ", ")
}
