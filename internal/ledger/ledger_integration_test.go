//go:build integration

package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dyluth/pkgshift/pkg/dispatch"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container for testing.
func setupRedis(t *testing.T) string {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start Redis container")
	t.Cleanup(func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	require.NoError(t, err)
	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return fmt.Sprintf("redis://%s:%s", host, port.Port())
}

// TestLedger_DispatchAgainstRealRedis runs a full dispatch with promotion
// against a real Redis server.
func TestLedger_DispatchAgainstRealRedis(t *testing.T) {
	redisURL := setupRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	opts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)
	client, err := NewClient(opts, "it-"+uuid.New().String()[:8])
	require.NoError(t, err)
	defer client.Close()

	sub, err := client.SubscribeDispatchEvents(ctx)
	require.NoError(t, err)
	defer sub.Close()

	pub := client.NewPublisher(64)
	d := dispatch.New(instantBuilder{}, client, nil,
		dispatch.WithPollInterval(10*time.Millisecond),
		dispatch.WithPromotion(DefaultCommitLabel, "stable"),
		dispatch.WithEventSink(pub))

	specs := []dispatch.JobSpec{
		{ID: dispatch.JobID{Name: "zlib", Version: "1.3"}},
		{ID: dispatch.JobID{Name: "curl", Version: "8.5"}},
	}
	rep, err := d.Run(ctx, specs)
	require.NoError(t, err)
	require.NoError(t, pub.Close())

	assert.Empty(t, rep.Failures)
	for _, snap := range rep.Jobs {
		assert.Equal(t, dispatch.StatePromoted, snap.State)
	}

	stable, err := client.List(ctx, "stable")
	require.NoError(t, err)
	assert.Equal(t, []string{"curl-8.5", "zlib-1.3"}, stable)

	// starting, building, built, committing, committed, promoting, promoted
	received := 0
	for received < 2*7 {
		select {
		case ev := <-sub.Events():
			require.NotNil(t, ev)
			received++
		case <-ctx.Done():
			t.Fatalf("received %d of %d dispatch events", received, 2*7)
		}
	}
}

// instantBuilder reports every build as finished immediately.
type instantBuilder struct{}

func (instantBuilder) Start(_ context.Context, spec dispatch.JobSpec) (dispatch.Handle, error) {
	return dispatch.Handle("h-" + spec.ID.String()), nil
}

func (instantBuilder) Watch(_ context.Context, _ dispatch.Handle) (<-chan dispatch.BuildEvent, error) {
	ch := make(chan dispatch.BuildEvent, 1)
	ch <- dispatch.BuildEvent{Status: dispatch.BuildBuilt}
	close(ch)
	return ch, nil
}
