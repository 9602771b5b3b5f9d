package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBuildFailed is reported when the build service observes a failed build.
	ErrBuildFailed = errors.New("dispatch: build failed")
	// ErrCascaded marks a version failed because an earlier version of the
	// same package failed to commit.
	ErrCascaded = errors.New("dispatch: earlier version failed to commit")
	// ErrBatchAborted marks jobs dropped by a deferred batch that saw a failure.
	ErrBatchAborted = errors.New("dispatch: batch aborted")
	// ErrSlotOverflow is returned by SlotPool.Release past capacity.
	ErrSlotOverflow = errors.New("dispatch: slot released above capacity")
	// ErrDuplicateJob is returned when a dispatch is given the same JobID twice.
	ErrDuplicateJob = errors.New("dispatch: duplicate job")
	// ErrClosed is returned by Local.Build after Done.
	ErrClosed = errors.New("dispatch: no more submissions accepted")
)

// Phase names one stage of a job's lifecycle.
type Phase string

const (
	PhaseStart   Phase = "start"
	PhaseMonitor Phase = "monitor"
	PhaseCommit  Phase = "commit"
	PhasePromote Phase = "promote"
)

// PhaseError is a failure tagged with the phase it occurred in.
type PhaseError struct {
	Phase Phase
	Job   JobID
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s failure for %s: %v", e.Phase, e.Job, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

func phaseIs(err error, phase Phase) bool {
	var pe *PhaseError
	return errors.As(err, &pe) && pe.Phase == phase
}

// IsStartFailure reports whether err is a start-phase failure.
func IsStartFailure(err error) bool { return phaseIs(err, PhaseStart) }

// IsMonitorFailure reports whether err is a monitor-phase failure.
func IsMonitorFailure(err error) bool { return phaseIs(err, PhaseMonitor) }

// IsCommitFailure reports whether err is a commit-phase failure.
func IsCommitFailure(err error) bool { return phaseIs(err, PhaseCommit) }

// IsPromoteFailure reports whether err is a promote-phase failure.
func IsPromoteFailure(err error) bool { return phaseIs(err, PhasePromote) }

// Failure is one terminal failure returned to the caller.
type Failure struct {
	Job JobID
	Err error
}

// AggregateError collects every failure of a dispatch that failed as a whole.
type AggregateError struct {
	Reason   string
	Failures []Failure
}

func (e *AggregateError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Err.Error())
	}
	return fmt.Sprintf("%s (%d failed): %s", e.Reason, len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes the individual failures to errors.Is / errors.As.
func (e *AggregateError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
