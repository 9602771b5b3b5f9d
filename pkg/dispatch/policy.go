package dispatch

import "fmt"

// CommitPolicy decides which built jobs may be committed, and in what batches.
// Policies only read job state; the control loop applies their decisions.
type CommitPolicy interface {
	// Name identifies the policy in logs and configuration.
	Name() string
	// Ready returns the batches that may be submitted for commit now. Jobs
	// are given in submission order. A non-nil error aborts the dispatch.
	Ready(jobs []*Job) ([][]*Job, error)
	// Cascade returns the jobs that must fail, unattempted, because failed
	// could not be committed.
	Cascade(jobs []*Job, failed *Job) []*Job
}

// wholeRun is implemented by policies that decide over every job of a
// dispatch at once. The in-process variant holds them back until intake has
// closed.
type wholeRun interface {
	wholeRun()
}

// NewCommitPolicy returns the policy registered under name.
func NewCommitPolicy(name string) (CommitPolicy, error) {
	switch name {
	case "", "immediate":
		return Immediate{}, nil
	case "deferred":
		return DeferredBatch{}, nil
	case "first-ready":
		return MultiVersion{Mode: FirstReady}, nil
	case "wait-for-all":
		return MultiVersion{Mode: WaitForAll}, nil
	default:
		return nil, fmt.Errorf("unknown commit policy %q (valid: immediate, deferred, first-ready, wait-for-all)", name)
	}
}

// Immediate commits every job on its own as soon as it is built.
type Immediate struct{}

func (Immediate) Name() string { return "immediate" }

func (Immediate) Ready(jobs []*Job) ([][]*Job, error) {
	var batches [][]*Job
	for _, j := range jobs {
		if j.State == StateBuilt {
			batches = append(batches, []*Job{j})
		}
	}
	return batches, nil
}

func (Immediate) Cascade([]*Job, *Job) []*Job { return nil }

// DeferredBatch commits nothing until every job has either built or failed,
// then commits all of them in a single batch. One failure aborts the batch.
type DeferredBatch struct{}

func (DeferredBatch) Name() string { return "deferred" }

func (DeferredBatch) wholeRun() {}

func (DeferredBatch) Ready(jobs []*Job) ([][]*Job, error) {
	var (
		built  []*Job
		failed int
	)
	for _, j := range jobs {
		switch {
		case j.State == StateCommitting || j.State.Committed():
			return nil, nil // the batch is already out
		case j.State.Failed():
			failed++
		case j.State == StateBuilt:
			built = append(built, j)
		case j.State.Before(StateBuilt):
			return nil, nil // still building
		}
	}
	if failed > 0 {
		return nil, fmt.Errorf("%w: %d of %d builds failed", ErrBatchAborted, failed, len(jobs))
	}
	if len(built) == 0 {
		return nil, nil
	}
	return [][]*Job{built}, nil
}

func (DeferredBatch) Cascade([]*Job, *Job) []*Job { return nil }
