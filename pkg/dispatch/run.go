package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// run is the state of one dispatch. Every field is owned by the control loop.
type run struct {
	d      *Dispatcher
	id     string
	logger *slog.Logger

	jobs  map[JobID]*Job
	order []*Job // submission order
	queue []*Job // not yet admitted

	buildSlots   *SlotPool
	commitSlots  *SlotPool
	promoteSlots *SlotPool

	starts   *PhaseManager[JobID, JobSpec, Handle]
	monitors *PhaseManager[JobID, Handle, BuildResult]
	commits  *PhaseManager[string, []Build, map[JobID][]string]
	promotes *PhaseManager[string, []string, map[string]string]

	commitBatches  map[string][]*Job
	promoteBatches map[string][]*Job

	failures []Failure
	aborted  *AggregateError

	// Hooks used by the in-process variant.
	intake    func(r *run)
	accepting func() bool
	onChange  func(j *Job, settled bool)
}

func (d *Dispatcher) newRun(ctx context.Context) *run {
	id := uuid.New().String()
	logger := d.logger.With(slog.String("run", id))
	mcfg := ManagerConfig{
		MaxRetries: d.cfg.MaxRetries,
		Timeout:    d.cfg.CallTimeout,
		Logger:     logger,
	}

	r := &run{
		d:              d,
		id:             id,
		logger:         logger,
		jobs:           make(map[JobID]*Job),
		buildSlots:     NewSlotPool("build", d.cfg.MaxBuilds, logger),
		commitSlots:    NewSlotPool("commit", d.cfg.MaxCommits, logger),
		promoteSlots:   NewSlotPool("promote", d.cfg.MaxPromotes, logger),
		commitBatches:  make(map[string][]*Job),
		promoteBatches: make(map[string][]*Job),
	}

	r.starts = NewPhaseManager[JobID](ctx, PhaseStart, func(ctx context.Context, spec JobSpec, _ func(string)) (Handle, error) {
		return d.builder.Start(ctx, spec)
	}, mcfg)
	r.monitors = NewPhaseManager[JobID](ctx, PhaseMonitor, d.monitor, mcfg)
	r.commits = NewPhaseManager[string](ctx, PhaseCommit, func(ctx context.Context, builds []Build, _ func(string)) (map[JobID][]string, error) {
		return d.repo.Commit(ctx, builds)
	}, mcfg)
	if p := d.promotion; p != nil {
		r.promotes = NewPhaseManager[string](ctx, PhasePromote, func(ctx context.Context, artifacts []string, _ func(string)) (map[string]string, error) {
			return d.repo.Promote(ctx, artifacts, p.From, p.To)
		}, mcfg)
	}
	return r
}

func (r *run) close() {
	r.starts.Close()
	r.monitors.Close()
	r.commits.Close()
	if r.promotes != nil {
		r.promotes.Close()
	}
}

// add queues one spec. Only called from the control loop (or before it starts).
func (r *run) add(spec JobSpec) (*Job, error) {
	if _, exists := r.jobs[spec.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, spec.ID)
	}
	j := &Job{
		ID:      spec.ID,
		Spec:    spec,
		State:   StateNotStarted,
		seq:     len(r.order),
		changed: time.Now(),
	}
	if r.aborted != nil {
		return nil, fmt.Errorf("%w: %s submitted after the dispatch aborted", ErrBatchAborted, spec.ID)
	}
	r.jobs[j.ID] = j
	r.order = append(r.order, j)
	r.queue = append(r.queue, j)
	r.cascadeLate(j)
	return j, nil
}

// cascadeLate fails a job that arrives after an earlier job it depends on
// already failed to commit.
func (r *run) cascadeLate(j *Job) {
	for _, prior := range r.order {
		if prior == j || prior.State != StateFailedCommit {
			continue
		}
		for _, doomed := range r.d.commit.Cascade(r.order, prior) {
			if doomed == j {
				r.dequeue(j)
				r.fail(j, StateFailedCommit, PhaseCommit, fmt.Errorf("%w (%s)", ErrCascaded, prior.ID))
				return
			}
		}
	}
}

func (r *run) loop(ctx context.Context) error {
	ticker := time.NewTicker(r.d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		r.tick()
		if r.finished() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *run) tick() {
	if r.intake != nil {
		r.intake(r)
	}
	r.admit()
	r.collectStarts()
	r.collectMonitors()
	r.scheduleCommits()
	r.collectCommits()
	r.promote()
	r.publishStats()
}

func (r *run) finished() bool {
	if r.accepting != nil && r.accepting() {
		return false
	}
	for _, j := range r.order {
		if !r.settled(j) {
			return false
		}
	}
	return true
}

// settled is the job-done predicate. It has no side effects: promotion is
// scheduled by promote earlier in the same tick.
func (r *run) settled(j *Job) bool {
	switch {
	case j.State.Failed(), j.State == StatePromoted:
		return true
	case j.State == StateCommitted:
		return r.d.promotion == nil || len(j.Result) == 0
	}
	return false
}

// admit starts queued jobs while a build slot is free and the process is not
// short of resources.
func (r *run) admit() {
	for len(r.queue) > 0 {
		if r.d.gauge.Saturated() {
			r.logger.Debug("[Dispatcher] admission held: resource ceiling reached",
				slog.Int("queued", len(r.queue)))
			return
		}
		if !r.buildSlots.Acquire() {
			return
		}

		j := r.queue[0]
		r.queue = r.queue[1:]
		j.slot = true
		r.transition(j, StateStarting, nil)
		if !r.starts.Submit(j.ID, j.Spec) {
			r.releaseBuild(j)
			r.fail(j, StateFailedStart, PhaseStart, errors.New("start already in flight"))
		}
	}
}

func (r *run) collectStarts() {
	for _, o := range r.starts.DrainData() {
		j := r.jobs[o.Key]
		j.Handle = o.Value
		if j.State.Failed() {
			// cascaded while starting; the build is left to finish unobserved
			r.logger.Warn("[Dispatcher] build started for a job that already failed",
				slog.String("job", j.ID.String()),
				slog.String("handle", string(j.Handle)))
			r.releaseBuild(j)
			continue
		}
		r.transition(j, StateBuilding, nil)
		r.monitors.Submit(j.ID, j.Handle)
	}

	for _, rej := range r.starts.DrainErrors() {
		j := r.jobs[rej.Key]
		if j.State.Failed() {
			r.releaseBuild(j)
			continue
		}
		if rej.Retry {
			r.logRetry(j, PhaseStart, rej.Failures)
			r.starts.Submit(j.ID, j.Spec)
			continue
		}
		r.releaseBuild(j)
		r.fail(j, StateFailedStart, PhaseStart, rej.Err)
	}
}

func (r *run) collectMonitors() {
	for _, o := range r.monitors.DrainData() {
		j := r.jobs[o.Key]
		r.releaseBuild(j)
		if j.State.Failed() {
			continue
		}
		if o.Value.Status == BuildBuilt {
			j.Outputs = o.Value.Outputs
			r.transition(j, StateBuilt, nil)
			continue
		}
		detail := o.Value.Detail
		if detail == "" {
			detail = "status " + string(o.Value.Status)
		}
		r.fail(j, StateFailedMonitor, PhaseMonitor, fmt.Errorf("%w: %s", ErrBuildFailed, detail))
	}

	for _, rej := range r.monitors.DrainErrors() {
		j := r.jobs[rej.Key]
		if j.State.Failed() {
			r.releaseBuild(j)
			continue
		}
		if rej.Retry {
			r.logRetry(j, PhaseMonitor, rej.Failures)
			r.monitors.Submit(j.ID, j.Handle)
			continue
		}
		r.releaseBuild(j)
		r.fail(j, StateFailedMonitor, PhaseMonitor, rej.Err)
	}
}

func (r *run) scheduleCommits() {
	if r.aborted != nil {
		return
	}
	if _, ok := r.d.commit.(wholeRun); ok && r.accepting != nil && r.accepting() {
		return
	}
	batches, err := r.d.commit.Ready(r.order)
	if err != nil {
		r.abort(err)
		return
	}

	for _, batch := range batches {
		if len(batch) == 0 {
			continue
		}
		if !r.commitSlots.Acquire() {
			return
		}
		key := uuid.New().String()
		for _, j := range batch {
			r.transition(j, StateCommitting, nil)
		}
		r.commitBatches[key] = batch
		r.commits.Submit(key, buildsOf(batch))
	}
}

func (r *run) collectCommits() {
	for _, o := range r.commits.DrainData() {
		batch := r.commitBatches[o.Key]
		delete(r.commitBatches, o.Key)
		r.release(r.commitSlots)

		for _, j := range batch {
			j.Result = artifactSet(o.Value[j.ID])
			r.transition(j, StateCommitted, nil)
		}
	}

	for _, rej := range r.commits.DrainErrors() {
		batch := r.commitBatches[rej.Key]
		if rej.Retry {
			for _, j := range batch {
				r.logRetry(j, PhaseCommit, rej.Failures)
			}
			r.commits.Submit(rej.Key, buildsOf(batch))
			continue
		}

		delete(r.commitBatches, rej.Key)
		r.release(r.commitSlots)
		for _, j := range batch {
			r.fail(j, StateFailedCommit, PhaseCommit, rej.Err)
		}
		for _, j := range batch {
			for _, later := range r.d.commit.Cascade(r.order, j) {
				r.dequeue(later)
				r.fail(later, StateFailedCommit, PhaseCommit, fmt.Errorf("%w (%s)", ErrCascaded, j.ID))
			}
		}
	}
}

// abort fails every unsettled job without committing anything.
func (r *run) abort(cause error) {
	r.logger.Error("[Dispatcher] dispatch aborted", slog.String("reason", cause.Error()))
	for _, j := range r.order {
		if j.State.Failed() {
			continue
		}
		r.dequeue(j)
		r.fail(j, StateFailedCommit, PhaseCommit, cause)
	}
	r.aborted = &AggregateError{
		Reason:   cause.Error(),
		Failures: append([]Failure(nil), r.failures...),
	}
}

func (r *run) transition(j *Job, to PhaseState, err error) {
	from := j.State
	j.State = to
	j.changed = time.Now()
	if err != nil {
		j.Err = err
	}

	attrs := []any{
		slog.String("job", j.ID.String()),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	}
	if j.Handle != "" {
		attrs = append(attrs, slog.String("handle", string(j.Handle)))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		r.logger.Warn("[Dispatcher] job failed", attrs...)
	} else {
		r.logger.Info("[Dispatcher] job transition", attrs...)
	}

	ev := Event{Run: r.id, Job: j.ID, Handle: j.Handle, From: from, To: to, At: j.changed}
	if err != nil {
		ev.Error = err.Error()
	}
	r.d.sink.Record(ev)

	if r.onChange != nil {
		r.onChange(j, r.settled(j))
	}
}

func (r *run) fail(j *Job, state PhaseState, phase Phase, err error) {
	pe := &PhaseError{Phase: phase, Job: j.ID, Err: err}
	r.transition(j, state, pe)
	r.failures = append(r.failures, Failure{Job: j.ID, Err: pe})
}

func (r *run) logRetry(j *Job, phase Phase, failures int) {
	r.logger.Info("[Dispatcher] retrying phase",
		slog.String("job", j.ID.String()),
		slog.String("phase", string(phase)),
		slog.Int("failures", failures))
}

func (r *run) dequeue(j *Job) {
	for i, q := range r.queue {
		if q == j {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return
		}
	}
}

// releaseBuild returns j's build slot if it still holds one. Slots are held
// across retries of the same phase.
func (r *run) releaseBuild(j *Job) {
	if !j.slot {
		return
	}
	j.slot = false
	r.release(r.buildSlots)
}

func (r *run) release(p *SlotPool) {
	if err := p.Release(); err != nil {
		r.logger.Error("[Dispatcher] slot accounting defect", slog.String("error", err.Error()))
	}
}

func (r *run) publishStats() {
	s := Stats{Run: r.id, Queued: len(r.queue)}
	for _, j := range r.order {
		switch {
		case j.State.Failed():
			s.Failed++
		case r.settled(j):
			s.Settled++
		case j.State == StateStarting:
			s.Starting++
		case j.State == StateBuilding:
			s.Building++
		case j.State == StateCommitting:
			s.Committing++
		case j.State == StatePromoting:
			s.Promoting++
		}
	}
	r.d.stats.Store(&s)
}

func (r *run) report() *Report {
	rep := &Report{
		Run:      r.id,
		Results:  make(map[JobID][]string),
		Failures: append([]Failure{}, r.failures...),
		Jobs:     make([]Snapshot, 0, len(r.order)),
	}
	for _, j := range r.order {
		if j.State.Committed() {
			rep.Results[j.ID] = append([]string{}, j.Result...)
		}
		rep.Jobs = append(rep.Jobs, j.snapshot())
	}
	return rep
}

func buildsOf(batch []*Job) []Build {
	builds := make([]Build, 0, len(batch))
	for _, j := range batch {
		builds = append(builds, Build{ID: j.ID, Handle: j.Handle, Outputs: j.Outputs})
	}
	return builds
}
