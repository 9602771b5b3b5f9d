//go:build integration

// Package testutil provides isolated end-to-end environments for pkgshift
// tests that need a real Redis ledger and a Docker daemon.
package testutil

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/dyluth/pkgshift/internal/dockerbuild"
	"github.com/dyluth/pkgshift/internal/ledger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// E2EEnvironment represents an isolated E2E test environment
type E2EEnvironment struct {
	T            *testing.T
	TmpDir       string
	ConfigPath   string
	Namespace    string
	RedisURL     string
	DockerClient *client.Client
	Ledger       *ledger.Client
	Ctx          context.Context
}

// SetupE2EEnvironment starts a throwaway Redis ledger, writes pkgshiftYML
// into a temp directory and picks a unique namespace. Build containers left
// in the namespace are removed on cleanup.
func SetupE2EEnvironment(t *testing.T, pkgshiftYML string) *E2EEnvironment {
	ctx := context.Background()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "pkgshift.yml")
	require.NoError(t, os.WriteFile(configPath, []byte(pkgshiftYML), 0644))

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
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
	redisURL := fmt.Sprintf("redis://%s:%s", host, port.Port())

	namespace := "e2e-" + uuid.New().String()[:8]

	cli, err := dockerbuild.NewClient(ctx)
	require.NoError(t, err, "Docker daemon must be available")

	opts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)
	lc, err := ledger.NewClient(opts, namespace)
	require.NoError(t, err)

	env := &E2EEnvironment{
		T:            t,
		TmpDir:       tmpDir,
		ConfigPath:   configPath,
		Namespace:    namespace,
		RedisURL:     redisURL,
		DockerClient: cli,
		Ledger:       lc,
		Ctx:          ctx,
	}

	t.Cleanup(func() {
		lc.Close()
		env.removeBuildContainers()
		cli.Close()
	})

	t.Logf("E2E environment ready: namespace=%s ledger=%s dir=%s", namespace, redisURL, tmpDir)
	return env
}

// WaitForArtifact polls the ledger until name carries label or the timeout
// expires.
func (env *E2EEnvironment) WaitForArtifact(name, label string, timeout time.Duration) *ledger.Artifact {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		a, err := env.Ledger.GetArtifact(env.Ctx, name)
		if err == nil && a.Label == label {
			return a
		}
		time.Sleep(200 * time.Millisecond)
	}
	env.T.Fatalf("Timeout waiting for artifact %s@%s", name, label)
	return nil
}

// BuildContainers returns every build container in the namespace, running or not.
func (env *E2EEnvironment) BuildContainers() []string {
	rt := dockerbuild.NewRuntime(env.DockerClient)
	containers, err := rt.List(env.Ctx, dockerbuild.BuildLabels(env.Namespace, dockerbuild.ComponentBuild))
	require.NoError(env.T, err)

	names := make([]string, 0, len(containers))
	for _, c := range containers {
		if len(c.Names) > 0 {
			names = append(names, c.Names[0])
		} else {
			names = append(names, c.ID)
		}
	}
	return names
}

// VerifyNoBuildContainers fails the test if any build container survived.
func (env *E2EEnvironment) VerifyNoBuildContainers() {
	require.Empty(env.T, env.BuildContainers(), "build containers should be removed after the dispatch")
}

func (env *E2EEnvironment) removeBuildContainers() {
	rt := dockerbuild.NewRuntime(env.DockerClient)
	containers, err := rt.List(env.Ctx, dockerbuild.BuildLabels(env.Namespace, dockerbuild.ComponentBuild))
	if err != nil {
		return
	}
	for _, c := range containers {
		_ = env.DockerClient.ContainerRemove(env.Ctx, c.ID, container.RemoveOptions{Force: true})
	}
}

// EnsureImage pulls image unless the daemon already has it.
func (env *E2EEnvironment) EnsureImage(image string) {
	if _, _, err := env.DockerClient.ImageInspectWithRaw(env.Ctx, image); err == nil {
		return
	}
	reader, err := env.DockerClient.ImagePull(env.Ctx, image, types.ImagePullOptions{})
	require.NoError(env.T, err, "failed to pull %s", image)
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
}

// DockerPkgshiftYML is a config building two alpine jobs, one of which
// fails. The namespace comes from the --namespace flag.
const DockerPkgshiftYML = `version: "1.0"
dispatcher:
  max_builds: 2
  max_retries: 0
  poll_interval: 100ms
  promote:
    to: stable
builder:
  kind: docker
  image: alpine:3.19
jobs:
  - name: greet
    version: "1"
    command: ["sh", "-c", "echo building $PKGSHIFT_JOB; echo '::artifact greet-1.txt'"]
  - name: broken
    version: "1"
    command: ["sh", "-c", "echo nope; exit 3"]
`
