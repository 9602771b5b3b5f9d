package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startAll(t *testing.T, b *fakeBuilder, specs ...JobSpec) []Handle {
	t.Helper()
	var handles []Handle
	for _, s := range specs {
		h, err := b.Start(context.Background(), s)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	return handles
}

func TestWatchMany(t *testing.T) {
	t.Run("returns once every build is built", func(t *testing.T) {
		builder := newFakeBuilder()
		handles := startAll(t, builder, job("a", "1"), job("b", "1"))

		d := New(builder, newFakeRepo(), nil, WithPollInterval(testTick))
		require.NoError(t, d.WatchMany(testContext(t), handles))
	})

	t.Run("reports builds that did not reach built", func(t *testing.T) {
		builder := newFakeBuilder()
		bad := job("bad", "1")
		builder.set(bad.ID, buildRule{fail: true})
		handles := startAll(t, builder, job("good", "1"), bad)

		d := New(builder, newFakeRepo(), nil, WithPollInterval(testTick))
		err := d.WatchMany(testContext(t), handles)

		var agg *AggregateError
		require.ErrorAs(t, err, &agg)
		require.Len(t, agg.Failures, 1)
		assert.Equal(t, "h-bad-1", agg.Failures[0].Job.Name)
		assert.ErrorIs(t, err, ErrBuildFailed)
		assert.True(t, IsMonitorFailure(agg.Failures[0].Err))
	})

	t.Run("failure without detail names the status", func(t *testing.T) {
		builder := newFakeBuilder()
		mute := job("mute", "1")
		builder.set(mute.ID, buildRule{fail: true, quiet: true})
		handles := startAll(t, builder, mute)

		d := New(builder, newFakeRepo(), nil, WithPollInterval(testTick))
		err := d.WatchMany(testContext(t), handles)
		assert.ErrorIs(t, err, ErrBuildFailed)
		assert.ErrorContains(t, err, "build failed: status "+string(BuildFailed))
	})

	t.Run("unknown handle fails after retries", func(t *testing.T) {
		builder := newFakeBuilder()
		d := New(builder, newFakeRepo(), nil, WithMaxRetries(1), WithPollInterval(testTick))

		err := d.WatchMany(testContext(t), []Handle{"h-ghost"})
		var agg *AggregateError
		require.ErrorAs(t, err, &agg)
		assert.ErrorContains(t, err, "unknown handle h-ghost")
	})

	t.Run("empty input", func(t *testing.T) {
		d := New(newFakeBuilder(), newFakeRepo(), nil)
		assert.NoError(t, d.WatchMany(context.Background(), nil))
	})
}
