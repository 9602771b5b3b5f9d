package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_BuildAndWait(t *testing.T) {
	builder := newFakeBuilder()
	ctx := testContext(t)

	d := New(builder, newFakeRepo(), nil, WithPollInterval(testTick))
	l := d.Start(ctx)

	first, err := l.Build(job("a", "1"))
	require.NoError(t, err)
	assert.Equal(t, JobID{Name: "a", Version: "1"}, first.ID())

	snap, err := first.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, snap.State)
	assert.Equal(t, []string{"a-1"}, snap.Result)

	// the loop keeps accepting work until Done
	second, err := l.Build(job("b", "1"))
	require.NoError(t, err)

	l.Done()
	_, err = l.Build(job("c", "1"))
	assert.ErrorIs(t, err, ErrClosed)

	rep, err := l.Wait(ctx)
	require.NoError(t, err)
	assert.Len(t, rep.Results, 2)

	select {
	case <-second.Done():
	default:
		t.Fatal("second status not finished after the dispatch stopped")
	}
	assert.Equal(t, StateCommitted, second.State())
}

func TestLocal_DuplicateIsRejectedSynchronously(t *testing.T) {
	d := New(newFakeBuilder(), newFakeRepo(), nil, WithPollInterval(testTick))
	l := d.Start(testContext(t))
	defer l.Done()

	_, err := l.Build(job("a", "1"))
	require.NoError(t, err)
	_, err = l.Build(job("a", "1"))
	assert.ErrorIs(t, err, ErrDuplicateJob)
}

func TestLocal_FailedJob(t *testing.T) {
	builder := newFakeBuilder()
	spec := job("broken", "1")
	builder.set(spec.ID, buildRule{fail: true})

	ctx := testContext(t)
	d := New(builder, newFakeRepo(), nil, WithPollInterval(testTick))
	l := d.Start(ctx)

	st, err := l.Build(spec)
	require.NoError(t, err)
	l.Done()

	snap, err := st.Wait(ctx)
	require.Error(t, err)
	assert.True(t, IsMonitorFailure(err))
	assert.Equal(t, StateFailedMonitor, snap.State)
	assert.NotEmpty(t, snap.Error)

	rep, err := l.Wait(ctx)
	require.NoError(t, err)
	assert.Len(t, rep.Failures, 1)
}

func TestLocal_CancelFinishesPendingStatuses(t *testing.T) {
	builder := newFakeBuilder()
	spec := job("slow", "1")
	builder.set(spec.ID, buildRule{duration: time.Hour})

	ctx, cancel := context.WithCancel(testContext(t))
	d := New(builder, newFakeRepo(), nil, WithPollInterval(testTick))
	l := d.Start(ctx)

	st, err := l.Build(spec)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return st.State() == StateBuilding }, 2*time.Second, time.Millisecond)

	cancel()

	waitCtx := testContext(t)
	_, err = l.Wait(waitCtx)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = st.Wait(waitCtx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocal_StaggeredSubmissionsPerPolicy(t *testing.T) {
	testCases := []struct {
		name   string
		policy CommitPolicy
		// holdsCommits is set for policies that commit nothing before Done
		holdsCommits bool
	}{
		{"immediate", Immediate{}, false},
		{"deferred", DeferredBatch{}, true},
		{"first-ready", MultiVersion{Mode: FirstReady}, false},
		{"wait-for-all", MultiVersion{Mode: WaitForAll}, false},
	}

	builtOrLater := func(st *Status) func() bool {
		return func() bool {
			s := st.State()
			return s == StateBuilt || s.Committed()
		}
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newFakeRepo()
			ctx := testContext(t)
			d := New(newFakeBuilder(), repo, nil,
				WithCommitPolicy(tc.policy),
				WithPollInterval(testTick))
			l := d.Start(ctx)

			first, err := l.Build(job("p", "1"))
			require.NoError(t, err)
			require.Eventually(t, builtOrLater(first), 2*time.Second, time.Millisecond)

			second, err := l.Build(job("p", "2"))
			require.NoError(t, err)
			require.Eventually(t, builtOrLater(second), 2*time.Second, time.Millisecond)

			if tc.holdsCommits {
				assert.Equal(t, StateBuilt, first.State())
				assert.Zero(t, repo.attemptsFor(first.ID()))
			}

			l.Done()
			rep, err := l.Wait(ctx)
			require.NoError(t, err)
			assert.Len(t, rep.Results, 2)
			assert.Empty(t, rep.Failures)

			for _, st := range []*Status{first, second} {
				snap, err := st.Wait(ctx)
				require.NoError(t, err)
				assert.Equal(t, StateCommitted, snap.State)
			}
			assert.Equal(t, []JobID{first.ID(), second.ID()}, repo.committedOrder())
		})
	}
}

func TestLocal_DeferredBatchAbortsAfterDone(t *testing.T) {
	builder := newFakeBuilder()
	repo := newFakeRepo()
	good, bad := job("good", "1"), job("bad", "1")
	builder.set(bad.ID, buildRule{fail: true})

	ctx := testContext(t)
	d := New(builder, repo, nil,
		WithCommitPolicy(DeferredBatch{}),
		WithPollInterval(testTick))
	l := d.Start(ctx)

	goodSt, err := l.Build(good)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return goodSt.State() == StateBuilt }, 2*time.Second, time.Millisecond)
	_, err = l.Build(bad)
	require.NoError(t, err)
	l.Done()

	rep, err := l.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBatchAborted)
	assert.Empty(t, rep.Results)

	snap, err := goodSt.Wait(ctx)
	assert.ErrorIs(t, err, ErrBatchAborted)
	assert.Equal(t, StateFailedCommit, snap.State)
	assert.Zero(t, repo.attemptsFor(good.ID))
}

func TestLocal_LateVersionCascades(t *testing.T) {
	builder := newFakeBuilder()
	repo := newFakeRepo()
	v1, v2 := job("p", "1"), job("p", "2")
	repo.commitFailures[v1.ID] = -1

	ctx := testContext(t)
	d := New(builder, repo, nil,
		WithMaxRetries(0),
		WithCommitPolicy(MultiVersion{Mode: FirstReady}),
		WithPollInterval(testTick))
	l := d.Start(ctx)

	first, err := l.Build(v1)
	require.NoError(t, err)
	_, err = first.Wait(ctx)
	require.True(t, IsCommitFailure(err))

	second, err := l.Build(v2)
	require.NoError(t, err)
	snap, err := second.Wait(ctx)
	assert.ErrorIs(t, err, ErrCascaded)
	assert.Equal(t, StateFailedCommit, snap.State)
	assert.Zero(t, builder.startCount(v2.ID))
	assert.Zero(t, repo.attemptsFor(v2.ID))

	l.Done()
	rep, err := l.Wait(ctx)
	require.NoError(t, err)
	assert.Len(t, rep.Failures, 2)
}
