package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const testTick = 5 * time.Millisecond

// buildRule scripts how fakeBuilder treats one job.
type buildRule struct {
	startFailures int // failed Start calls before success, -1 for always
	watchFailures int // failed Watch calls before success, -1 for always
	fail          bool
	quiet         bool // fail without a detail
	duration      time.Duration
	artifacts     []string
}

// fakeBuilder is an in-memory build service. Builds are counted as active
// from a successful Start until their event stream reports a terminal status.
type fakeBuilder struct {
	mu       sync.Mutex
	rules    map[JobID]buildRule
	handles  map[Handle]JobID
	starts   map[JobID]int
	watches  map[Handle]int
	active   int
	peak     int
	finished int
}

func newFakeBuilder() *fakeBuilder {
	return &fakeBuilder{
		rules:   make(map[JobID]buildRule),
		handles: make(map[Handle]JobID),
		starts:  make(map[JobID]int),
		watches: make(map[Handle]int),
	}
}

func (b *fakeBuilder) set(id JobID, rule buildRule) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rules[id] = rule
}

func (b *fakeBuilder) Start(_ context.Context, spec JobSpec) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.starts[spec.ID]++
	rule := b.rules[spec.ID]
	if rule.startFailures < 0 || b.starts[spec.ID] <= rule.startFailures {
		return "", fmt.Errorf("start refused for %s", spec.ID)
	}
	h := Handle("h-" + spec.ID.String())
	b.handles[h] = spec.ID
	b.active++
	if b.active > b.peak {
		b.peak = b.active
	}
	return h, nil
}

func (b *fakeBuilder) Watch(ctx context.Context, h Handle) (<-chan BuildEvent, error) {
	b.mu.Lock()
	b.watches[h]++
	id, ok := b.handles[h]
	rule := b.rules[id]
	attempt := b.watches[h]
	b.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("unknown handle %s", h)
	}
	if rule.watchFailures < 0 || attempt <= rule.watchFailures {
		return nil, errors.New("event stream unavailable")
	}

	events := make(chan BuildEvent, 8+len(rule.artifacts))
	go func() {
		defer close(events)
		events <- BuildEvent{Status: BuildRunning}
		events <- BuildEvent{Log: "building " + id.String()}
		select {
		case <-ctx.Done():
			return
		case <-time.After(rule.duration):
		}
		for _, a := range rule.artifacts {
			events <- BuildEvent{Log: ArtifactPrefix + a, Artifact: a}
		}

		b.mu.Lock()
		b.active--
		b.finished++
		b.mu.Unlock()

		if rule.fail {
			detail := "exit code 1"
			if rule.quiet {
				detail = ""
			}
			events <- BuildEvent{Status: BuildFailed, Detail: detail}
			return
		}
		events <- BuildEvent{Status: BuildBuilt}
	}()
	return events, nil
}

func (b *fakeBuilder) startCount(id JobID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts[id]
}

func (b *fakeBuilder) peakActive() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peak
}

func (b *fakeBuilder) finishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished
}

// fakeRepo is an in-memory repository recording every commit attempt.
type fakeRepo struct {
	mu             sync.Mutex
	commitFailures map[JobID]int // failed commits before success, -1 for always
	commitDelay    time.Duration
	attempts       map[JobID]int
	committed      []JobID // successful commits in completion order
	submitted      []JobID // commit calls in arrival order
	promoteErr     error
	promotes       [][]string
	onCommit       func(builds []Build)
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		commitFailures: make(map[JobID]int),
		attempts:       make(map[JobID]int),
	}
}

func (r *fakeRepo) Commit(ctx context.Context, builds []Build) (map[JobID][]string, error) {
	r.mu.Lock()
	hook := r.onCommit
	delay := r.commitDelay
	var refused error
	for _, b := range builds {
		r.attempts[b.ID]++
		r.submitted = append(r.submitted, b.ID)
		n := r.commitFailures[b.ID]
		if n < 0 || r.attempts[b.ID] <= n {
			refused = fmt.Errorf("repository rejected %s", b.ID)
		}
	}
	r.mu.Unlock()

	if hook != nil {
		hook(builds)
	}
	if refused != nil {
		return nil, refused
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(delay):
	}

	out := make(map[JobID][]string, len(builds))
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range builds {
		artifacts := b.Outputs
		if len(artifacts) == 0 {
			artifacts = []string{b.ID.String()}
		}
		out[b.ID] = artifacts
		r.committed = append(r.committed, b.ID)
	}
	return out, nil
}

func (r *fakeRepo) Promote(_ context.Context, artifacts []string, _, to string) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.promotes = append(r.promotes, append([]string(nil), artifacts...))
	if r.promoteErr != nil {
		return nil, r.promoteErr
	}
	out := make(map[string]string, len(artifacts))
	for _, a := range artifacts {
		out[a] = a + "@" + to
	}
	return out, nil
}

func (r *fakeRepo) attemptsFor(id JobID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[id]
}

func (r *fakeRepo) committedOrder() []JobID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]JobID(nil), r.committed...)
}

func (r *fakeRepo) submittedOrder() []JobID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]JobID(nil), r.submitted...)
}

// recordingSink keeps every event and the peak number of jobs holding a
// build slot (starting or building). Record runs on the control loop.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
	state  map[JobID]PhaseState
	peak   int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{state: make(map[JobID]PhaseState)}
}

func (s *recordingSink) Record(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	s.state[ev.Job] = ev.To

	building := 0
	for _, st := range s.state {
		if st == StateStarting || st == StateBuilding {
			building++
		}
	}
	if building > s.peak {
		s.peak = building
	}
}

func (s *recordingSink) peakBuilding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

func (s *recordingSink) transitions(id JobID) []PhaseState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PhaseState
	for _, ev := range s.events {
		if ev.Job == id {
			out = append(out, ev.To)
		}
	}
	return out
}

func job(name, version string) JobSpec {
	return JobSpec{ID: JobID{Name: name, Version: version}}
}

func failureFor(failures []Failure, id JobID) error {
	for _, f := range failures {
		if f.Job == id {
			return f.Err
		}
	}
	return nil
}

func testContext(t interface{ Cleanup(func()) }) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
