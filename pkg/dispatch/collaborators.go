package dispatch

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"
)

// BuildStatus is a phase transition reported by the build-execution service.
type BuildStatus string

const (
	BuildPending BuildStatus = "pending"
	BuildRunning BuildStatus = "running"
	BuildBuilt   BuildStatus = "built"
	BuildFailed  BuildStatus = "failed"
)

// Terminal reports whether no further events follow this status.
func (s BuildStatus) Terminal() bool {
	return s == BuildBuilt || s == BuildFailed
}

// BuildEvent is one item of a build's event stream: a status transition, a
// log line, or an announced artifact.
type BuildEvent struct {
	Status   BuildStatus
	Log      string
	Artifact string
	Detail   string // Failure detail on BuildFailed
}

// ArtifactPrefix starts a build log line that announces an output artifact.
const ArtifactPrefix = "::artifact "

// ParseArtifact extracts the artifact name from a log line, if it announces one.
func ParseArtifact(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, ArtifactPrefix) {
		return "", false
	}
	name := strings.TrimSpace(strings.TrimPrefix(line, ArtifactPrefix))
	return name, name != ""
}

// Builder is the build-execution service.
type Builder interface {
	// Start submits a build and returns its handle without waiting for it.
	Start(ctx context.Context, spec JobSpec) (Handle, error)
	// Watch streams the build's events. The channel is closed after a
	// terminal status, or early if ctx is cancelled.
	Watch(ctx context.Context, h Handle) (<-chan BuildEvent, error)
}

// Repository is the version-controlled artifact repository.
type Repository interface {
	// Commit registers a batch of builds and returns the artifacts produced
	// for each source job.
	Commit(ctx context.Context, builds []Build) (map[JobID][]string, error)
	// Promote relabels committed artifacts and returns their promoted identities.
	Promote(ctx context.Context, artifacts []string, from, to string) (map[string]string, error)
}

// Event is a job state transition, emitted for observers.
type Event struct {
	Run    string     `json:"run"`
	Job    JobID      `json:"job"`
	Handle Handle     `json:"handle,omitempty"`
	From   PhaseState `json:"from"`
	To     PhaseState `json:"to"`
	Error  string     `json:"error,omitempty"`
	At     time.Time  `json:"at"`
}

// EventSink receives state transitions from the control loop. Record must
// not block.
type EventSink interface {
	Record(ev Event)
}

type nopSink struct{}

func (nopSink) Record(Event) {}

// ResourceGauge reports whether a shared process resource is too close to its
// ceiling to admit another build.
type ResourceGauge interface {
	Saturated() bool
}

type unlimited struct{}

func (unlimited) Saturated() bool { return false }

func orDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return logger
}
