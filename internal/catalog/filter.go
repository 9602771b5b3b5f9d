package catalog

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/dyluth/pkgshift/internal/ledger"
)

// Criteria narrows an artifact listing. All set fields must match.
type Criteria struct {
	SinceMs     int64  // Committed at or after, 0 = no bound
	UntilMs     int64  // Committed at or before, 0 = no bound
	PackageGlob string // filepath.Match pattern on the logical package
	Label       string // Exact label
	Source      string // Exact source job (name-version[.flavor])
}

// Matches reports whether a passes every criterion.
func (c *Criteria) Matches(a *ledger.Artifact) bool {
	if c.SinceMs > 0 && a.CommittedAtMs < c.SinceMs {
		return false
	}
	if c.UntilMs > 0 && a.CommittedAtMs > c.UntilMs {
		return false
	}
	if c.PackageGlob != "" {
		matched, err := filepath.Match(c.PackageGlob, a.Package)
		if err != nil || !matched {
			return false
		}
	}
	if c.Label != "" && a.Label != c.Label {
		return false
	}
	if c.Source != "" && a.Source != c.Source {
		return false
	}
	return true
}

// ParseTime turns a --since/--until value into Unix milliseconds. It accepts
// RFC3339 timestamps and Go durations, the latter counted back from now.
func ParseTime(spec string, now time.Time) (int64, error) {
	if spec == "" {
		return 0, fmt.Errorf("empty time specification")
	}
	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t.UnixMilli(), nil
	}
	if d, err := time.ParseDuration(spec); err == nil {
		return now.Add(-d).UnixMilli(), nil
	}
	return 0, fmt.Errorf("invalid time specification: %s (use duration like '1h30m' or RFC3339 like '2025-10-29T13:00:00Z')", spec)
}

// ParseRange parses both bounds. Empty values leave that end open.
func ParseRange(since, until string, now time.Time) (sinceMs, untilMs int64, err error) {
	if since != "" {
		if sinceMs, err = ParseTime(since, now); err != nil {
			return 0, 0, fmt.Errorf("invalid --since: %w", err)
		}
	}
	if until != "" {
		if untilMs, err = ParseTime(until, now); err != nil {
			return 0, 0, fmt.Errorf("invalid --until: %w", err)
		}
	}
	if sinceMs > 0 && untilMs > 0 && sinceMs >= untilMs {
		return 0, 0, fmt.Errorf("--since must be before --until")
	}
	return sinceMs, untilMs, nil
}
