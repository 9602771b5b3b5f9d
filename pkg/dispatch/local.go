package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Local is the in-process variant of a dispatch: jobs are submitted one at a
// time while the control loop is already running, and each submission gets
// a Status that can be polled or awaited. Call Done once nothing more will
// be submitted; the loop then drains and stops.
type Local struct {
	d *Dispatcher

	mu       sync.Mutex
	pending  []*Status
	statuses map[JobID]*Status
	closed   bool

	finished chan struct{}
	report   *Report
	err      error
}

// Start launches a Local dispatch whose control loop runs until Done has been
// called and every submitted job is terminal, or until ctx is cancelled.
// With DeferredBatch nothing is committed before Done, since the batch is
// every job of the dispatch.
func (d *Dispatcher) Start(ctx context.Context) *Local {
	l := &Local{
		d:        d,
		statuses: make(map[JobID]*Status),
		finished: make(chan struct{}),
	}

	r := d.newRun(ctx)
	r.intake = l.drain
	r.accepting = l.accepting
	r.onChange = l.changed

	go func() {
		defer close(l.finished)
		defer r.close()

		err := r.loop(ctx)
		l.report = r.report()
		switch {
		case err != nil:
			l.err = fmt.Errorf("dispatch %s interrupted: %w", r.id, err)
		case r.aborted != nil:
			l.err = r.aborted
		}
		l.abandon(l.err)
		d.logger.Info("[Dispatcher] local dispatch stopped", slog.String("run", r.id))
	}()
	return l
}

// Build submits spec without blocking and returns its status handle.
func (l *Local) Build(spec JobSpec) (*Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	if _, exists := l.statuses[spec.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, spec.ID)
	}
	st := newStatus(spec)
	l.statuses[spec.ID] = st
	l.pending = append(l.pending, st)
	return st, nil
}

// Done signals that no more jobs will be submitted. Safe to call repeatedly.
func (l *Local) Done() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

// Wait blocks until the control loop has stopped and returns its report.
func (l *Local) Wait(ctx context.Context) (*Report, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.finished:
		return l.report, l.err
	}
}

// drain moves pending submissions into the job table; runs on the control loop.
func (l *Local) drain(r *run) {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, st := range batch {
		if _, err := r.add(st.spec); err != nil {
			st.finish(Snapshot{ID: st.spec.ID, State: StateNotStarted, Error: err.Error()}, err)
		}
	}
}

func (l *Local) accepting() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed || len(l.pending) > 0
}

func (l *Local) changed(j *Job, settled bool) {
	l.mu.Lock()
	st := l.statuses[j.ID]
	l.mu.Unlock()
	if st == nil {
		return
	}
	if settled {
		st.finish(j.snapshot(), j.Err)
		return
	}
	st.update(j.snapshot())
}

// abandon completes every status the loop never settled.
func (l *Local) abandon(cause error) {
	if cause == nil {
		cause = errors.New("dispatch stopped before the job finished")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, st := range l.statuses {
		st.finish(st.Snapshot(), cause)
	}
}

// Status is a pollable and awaitable view of one locally submitted job.
type Status struct {
	spec JobSpec
	done chan struct{}

	mu   sync.Mutex
	snap Snapshot
	err  error
	over bool
}

func newStatus(spec JobSpec) *Status {
	return &Status{
		spec: spec,
		done: make(chan struct{}),
		snap: Snapshot{ID: spec.ID, State: StateNotStarted},
	}
}

// ID returns the job's identity.
func (s *Status) ID() JobID { return s.spec.ID }

// State returns the job's latest state.
func (s *Status) State() PhaseState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.State
}

// Snapshot returns a copy of the job's latest record.
func (s *Status) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Done is closed once the job is terminal.
func (s *Status) Done() <-chan struct{} { return s.done }

// Wait blocks until the job is terminal. The error is the job's failure, if any.
func (s *Status) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	case <-s.done:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, s.err
}

func (s *Status) update(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.over {
		s.snap = snap
	}
}

func (s *Status) finish(snap Snapshot, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.over {
		return
	}
	s.over = true
	s.snap = snap
	s.err = err
	close(s.done)
}
