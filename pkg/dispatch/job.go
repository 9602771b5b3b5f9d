package dispatch

import (
	"fmt"
	"sort"
	"time"
)

// JobID identifies one build unit. Name and Flavor together name the logical
// package; Version distinguishes builds of the same package.
// Uniqueness across a single dispatch is the caller's responsibility.
type JobID struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
	Flavor  string `json:"flavor,omitempty" yaml:"flavor,omitempty"`
}

// String renders the id as name-version[.flavor].
func (id JobID) String() string {
	if id.Flavor == "" {
		return fmt.Sprintf("%s-%s", id.Name, id.Version)
	}
	return fmt.Sprintf("%s-%s.%s", id.Name, id.Version, id.Flavor)
}

// Package returns the logical package key shared by all versions of a job.
func (id JobID) Package() string {
	if id.Flavor == "" {
		return id.Name
	}
	return id.Name + "." + id.Flavor
}

// JobSpec is a single build request handed to the build-execution service.
type JobSpec struct {
	ID      JobID    `json:"id"`
	Image   string   `json:"image,omitempty"`   // Builder image override (docker)
	Command []string `json:"command,omitempty"` // Build command
	Env     []string `json:"env,omitempty"`     // KEY=VALUE pairs
	WorkDir string   `json:"workdir,omitempty"`
}

// Handle is the build-execution service's identifier for a started build.
type Handle string

// Build is a finished build ready to be committed to the repository.
type Build struct {
	ID      JobID
	Handle  Handle
	Outputs []string // Artifacts announced by the build, may be empty
}

// PhaseState is the lifecycle state of a job.
type PhaseState string

const (
	StateNotStarted    PhaseState = "not_started"
	StateStarting      PhaseState = "starting"
	StateBuilding      PhaseState = "building"
	StateBuilt         PhaseState = "built"
	StateCommitting    PhaseState = "committing"
	StateCommitted     PhaseState = "committed"
	StatePromoting     PhaseState = "promoting"
	StatePromoted      PhaseState = "promoted"
	StateFailedStart   PhaseState = "failed_start"
	StateFailedMonitor PhaseState = "failed_monitor"
	StateFailedCommit  PhaseState = "failed_commit"
	StateFailedPromote PhaseState = "failed_promote"
)

// rank orders the non-failure states so forward-only transitions can be checked.
var rank = map[PhaseState]int{
	StateNotStarted: 0,
	StateStarting:   1,
	StateBuilding:   2,
	StateBuilt:      3,
	StateCommitting: 4,
	StateCommitted:  5,
	StatePromoting:  6,
	StatePromoted:   7,
}

// Failed reports whether the state is one of the terminal failure states.
func (s PhaseState) Failed() bool {
	switch s {
	case StateFailedStart, StateFailedMonitor, StateFailedCommit, StateFailedPromote:
		return true
	}
	return false
}

// Committed reports whether the job's output has reached the repository.
func (s PhaseState) Committed() bool {
	return s == StateCommitted || s == StatePromoting || s == StatePromoted || s == StateFailedPromote
}

// Before reports whether s precedes other in the forward lifecycle.
// Failure states never precede anything.
func (s PhaseState) Before(other PhaseState) bool {
	a, okA := rank[s]
	b, okB := rank[other]
	return okA && okB && a < b
}

// Job is the dispatcher's mutable record of one build unit.
// Jobs are only mutated by the dispatcher's control loop.
type Job struct {
	ID     JobID
	Spec   JobSpec
	State  PhaseState
	Handle Handle
	// Outputs announced by the build service while monitoring.
	Outputs []string
	// Result is the set of artifacts the repository produced on commit.
	Result []string
	// Promoted maps committed artifacts to their promoted identities.
	Promoted map[string]string
	Err      error

	seq     int       // submission order
	slot    bool      // holds a build slot
	changed time.Time // last transition
}

// Seq returns the job's submission order within its dispatch.
func (j *Job) Seq() int { return j.seq }

// Snapshot is an immutable copy of a job, safe to hand outside the control loop.
type Snapshot struct {
	ID       JobID             `json:"id"`
	State    PhaseState        `json:"state"`
	Handle   Handle            `json:"handle,omitempty"`
	Result   []string          `json:"result,omitempty"`
	Promoted map[string]string `json:"promoted,omitempty"`
	Error    string            `json:"error,omitempty"`
}

func (j *Job) snapshot() Snapshot {
	s := Snapshot{
		ID:     j.ID,
		State:  j.State,
		Handle: j.Handle,
		Result: append([]string(nil), j.Result...),
	}
	if len(j.Promoted) > 0 {
		s.Promoted = make(map[string]string, len(j.Promoted))
		for k, v := range j.Promoted {
			s.Promoted[k] = v
		}
	}
	if j.Err != nil {
		s.Error = j.Err.Error()
	}
	return s
}

// artifactSet sorts and de-duplicates artifact identities.
func artifactSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, a := range in {
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
