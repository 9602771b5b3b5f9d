package catalog

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/pkgshift/internal/ledger"
)

// FormatTable writes artifacts as an aligned table and returns how many were
// written.
func FormatTable(w io.Writer, artifacts []*ledger.Artifact, namespace string) int {
	if len(artifacts) == 0 {
		fmt.Fprintf(w, "No artifacts found in namespace '%s'\n", namespace)
		return 0
	}

	fmt.Fprintf(w, "Artifacts in namespace '%s':\n\n", namespace)

	fmt.Fprintf(w, "%-32s %-20s %-12s %-10s %-10s %s\n",
		"NAME", "SOURCE", "LABEL", "HANDLE", "COMMITTED", "PROMOTED")
	fmt.Fprintf(w, "%-32s %-20s %-12s %-10s %-10s %s\n",
		"--------------------------------", "--------------------", "------------", "----------", "----------", "----------")

	for _, a := range artifacts {
		fmt.Fprintf(w, "%-32s %-20s %-12s %-10s %-10s %s\n",
			truncate(a.Name, 32),
			truncate(a.Source, 20),
			a.Label,
			formatHandle(a.Handle),
			formatAge(a.CommittedAtMs, time.Now()),
			formatAge(a.PromotedAtMs, time.Now()),
		)
	}

	noun := "artifact"
	if len(artifacts) != 1 {
		noun = "artifacts"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(artifacts), noun)
	return len(artifacts)
}

// FormatJSONL writes one compact JSON object per artifact.
func FormatJSONL(w io.Writer, artifacts []*ledger.Artifact) error {
	for _, a := range artifacts {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal artifact to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatSingleJSON writes one artifact as indented JSON.
func FormatSingleJSON(w io.Writer, a *ledger.Artifact) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal artifact to JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

// formatHandle shortens container ids and uuids to 8 characters.
func formatHandle(h string) string {
	if h == "" {
		return "-"
	}
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

// formatAge renders a millisecond timestamp relative to now, "-" when unset.
func formatAge(ms int64, now time.Time) string {
	if ms == 0 {
		return "-"
	}
	diff := now.Sub(time.UnixMilli(ms))
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
