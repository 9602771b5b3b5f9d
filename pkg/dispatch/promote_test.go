package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch_Promotion(t *testing.T) {
	builder := newFakeBuilder()
	repo := newFakeRepo()
	sink := newRecordingSink()

	a, b := job("a", "1"), job("b", "1")
	builder.set(a.ID, buildRule{artifacts: []string{"a-1.tar"}})

	d := New(builder, repo, nil,
		WithPromotion("candidate", "stable"),
		WithEventSink(sink),
		WithPollInterval(testTick))

	rep, err := d.Run(testContext(t), []JobSpec{a, b})
	require.NoError(t, err)
	assert.Empty(t, rep.Failures)

	for _, snap := range rep.Jobs {
		assert.Equal(t, StatePromoted, snap.State, snap.ID.String())
	}
	assert.Equal(t, map[string]string{"a-1.tar": "a-1.tar@stable"}, rep.Jobs[0].Promoted)
	assert.Equal(t, map[string]string{"b-1": "b-1@stable"}, rep.Jobs[1].Promoted)
	assert.Equal(t, []string{"a-1.tar"}, rep.Results[a.ID])

	assert.Equal(t, []PhaseState{
		StateStarting, StateBuilding, StateBuilt, StateCommitting, StateCommitted, StatePromoting, StatePromoted,
	}, sink.transitions(a.ID))
}

func TestDispatch_PromotionFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.promoteErr = errors.New("artifact not in candidate")
	spec := job("a", "1")

	d := New(newFakeBuilder(), repo, nil,
		WithPromotion("candidate", "stable"),
		WithMaxRetries(1),
		WithPollInterval(testTick))

	rep, err := d.Run(testContext(t), []JobSpec{spec})
	require.NoError(t, err)

	require.Len(t, rep.Failures, 1)
	assert.True(t, IsPromoteFailure(rep.Failures[0].Err))
	assert.Equal(t, StateFailedPromote, rep.Jobs[0].State)
	assert.Len(t, repo.promotes, 2)

	// the commit still happened, so the artifacts are reported
	assert.Equal(t, []string{"a-1"}, rep.Results[spec.ID])
}

func TestDispatch_PromotionSkipsEmptyCommits(t *testing.T) {
	repo := &emptyCommitRepo{fakeRepo: newFakeRepo()}
	spec := job("meta", "1")

	d := New(newFakeBuilder(), repo, nil,
		WithPromotion("candidate", "stable"),
		WithPollInterval(testTick))

	rep, err := d.Run(testContext(t), []JobSpec{spec})
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, rep.Jobs[0].State)
	assert.Empty(t, repo.promotes)
}

// emptyCommitRepo commits successfully without producing any artifacts.
type emptyCommitRepo struct {
	*fakeRepo
}

func (r *emptyCommitRepo) Commit(_ context.Context, builds []Build) (map[JobID][]string, error) {
	out := make(map[JobID][]string, len(builds))
	for _, b := range builds {
		out[b.ID] = nil
	}
	return out, nil
}
