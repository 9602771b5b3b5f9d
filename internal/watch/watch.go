// Package watch renders the dispatcher event stream and polls the ledger for
// artifacts on behalf of the CLI.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dyluth/pkgshift/internal/ledger"
	"github.com/dyluth/pkgshift/pkg/dispatch"
)

// OutputFormat selects how events are rendered.
type OutputFormat string

const (
	OutputFormatDefault OutputFormat = "default"
	OutputFormatJSONL   OutputFormat = "jsonl"
)

// ParseFormat validates a --output value.
func ParseFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case "", OutputFormatDefault:
		return OutputFormatDefault, nil
	case OutputFormatJSONL:
		return OutputFormatJSONL, nil
	}
	return "", fmt.Errorf("unknown output format %q (valid: default, jsonl)", s)
}

// Formatter writes one rendered event.
type Formatter interface {
	FormatEvent(ev *dispatch.Event) error
}

// NewFormatter returns the formatter for format writing to w.
func NewFormatter(format OutputFormat, w io.Writer) Formatter {
	if format == OutputFormatJSONL {
		return &jsonFormatter{writer: w}
	}
	return &defaultFormatter{writer: w}
}

// EventSource is a live dispatcher event stream, such as a ledger subscription.
type EventSource interface {
	Events() <-chan *dispatch.Event
	Errors() <-chan error
}

// Filter narrows the stream. Empty fields match everything.
type Filter struct {
	Run     string
	Package string
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev *dispatch.Event) bool {
	if f.Run != "" && ev.Run != f.Run {
		return false
	}
	if f.Package != "" && ev.Job.Package() != f.Package {
		return false
	}
	return true
}

// Stream formats events from src until ctx is cancelled or the stream ends.
// A cancelled context is a normal exit.
func Stream(ctx context.Context, src EventSource, f Formatter, filter Filter) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-src.Events():
			if !ok {
				return nil
			}
			if !filter.Match(ev) {
				continue
			}
			if err := f.FormatEvent(ev); err != nil {
				return fmt.Errorf("failed to write event: %w", err)
			}

		case err, ok := <-src.Errors():
			if !ok {
				return nil
			}
			return fmt.Errorf("event stream failed: %w", err)
		}
	}
}

// ArtifactGetter reads artifacts from the ledger.
type ArtifactGetter interface {
	GetArtifact(ctx context.Context, name string) (*ledger.Artifact, error)
}

// PollForArtifact polls until the named artifact exists and, when label is
// not empty, carries that label. Polls every 200ms for up to timeout.
func PollForArtifact(ctx context.Context, client ArtifactGetter, name, label string, timeout time.Duration) (*ledger.Artifact, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timeoutCh:
			if label != "" {
				return nil, fmt.Errorf("timeout waiting for artifact %s to reach %s after %v", name, label, timeout)
			}
			return nil, fmt.Errorf("timeout waiting for artifact %s after %v", name, timeout)

		case <-ticker.C:
			artifact, err := client.GetArtifact(ctx, name)
			if err != nil {
				if ledger.IsNotFound(err) {
					continue
				}
				return nil, fmt.Errorf("failed to query for artifact: %w", err)
			}
			if label != "" && artifact.Label != label {
				continue
			}
			return artifact, nil
		}
	}
}

type defaultFormatter struct {
	writer io.Writer
}

var stateIcons = map[dispatch.PhaseState]string{
	dispatch.StateStarting:   "🚀",
	dispatch.StateBuilding:   "🔨",
	dispatch.StateBuilt:      "📦",
	dispatch.StateCommitting: "📝",
	dispatch.StateCommitted:  "✅",
	dispatch.StatePromoting:  "⏫",
	dispatch.StatePromoted:   "🏷️",
}

func (f *defaultFormatter) FormatEvent(ev *dispatch.Event) error {
	icon, ok := stateIcons[ev.To]
	if ev.To.Failed() {
		icon = "❌"
	} else if !ok {
		icon = "•"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s: job=%s", ev.At.Local().Format("15:04:05"), icon, label(ev.To), ev.Job)
	if ev.Handle != "" {
		fmt.Fprintf(&b, " handle=%s", ev.Handle)
	}
	if ev.Error != "" {
		fmt.Fprintf(&b, " error=%q", ev.Error)
	}
	b.WriteByte('\n')

	_, err := io.WriteString(f.writer, b.String())
	return err
}

// label turns failed_commit into "Failed commit".
func label(s dispatch.PhaseState) string {
	text := strings.ReplaceAll(string(s), "_", " ")
	if text == "" {
		return text
	}
	return strings.ToUpper(text[:1]) + text[1:]
}

type jsonFormatter struct {
	writer io.Writer
}

func (f *jsonFormatter) FormatEvent(ev *dispatch.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = f.writer.Write(data)
	return err
}
