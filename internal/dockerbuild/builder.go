// Package dockerbuild runs each build in its own Docker container and
// implements dispatch.Builder on top of the Docker Engine API.
package dockerbuild

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/dyluth/pkgshift/pkg/dispatch"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// removeTimeout bounds container cleanup after a build finishes.
const removeTimeout = 10 * time.Second

// Config describes how build containers are created.
type Config struct {
	Namespace string
	Image     string  // Default image for jobs that don't name one
	Network   string  // Docker network, empty for the daemon default
	StartRate float64 // Container starts per second, zero for unlimited
	// KeepContainers leaves finished containers in place for inspection.
	KeepContainers bool
}

// Builder is a dispatch.Builder backed by Docker containers. The handle of a
// build is its container ID.
type Builder struct {
	rt      Runtime
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a Builder. logger may be nil.
func New(rt Runtime, cfg Config, logger *slog.Logger) (*Builder, error) {
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	limit := rate.Inf
	if cfg.StartRate > 0 {
		limit = rate.Limit(cfg.StartRate)
	}
	return &Builder{
		rt:      rt,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}, nil
}

// Start creates and starts the build container for spec.
func (b *Builder) Start(ctx context.Context, spec dispatch.JobSpec) (dispatch.Handle, error) {
	image := spec.Image
	if image == "" {
		image = b.cfg.Image
	}
	if image == "" {
		return "", fmt.Errorf("no builder image configured for %s", spec.ID)
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("start of %s throttled: %w", spec.ID, err)
	}

	containerConfig := &container.Config{
		Image:      image,
		Cmd:        spec.Command,
		Env:        append([]string{"PKGSHIFT_JOB=" + spec.ID.String()}, spec.Env...),
		WorkingDir: spec.WorkDir,
		Labels:     JobLabels(b.cfg.Namespace, spec.ID),
	}
	hostConfig := &container.HostConfig{
		AutoRemove: false, // removed explicitly once the exit code is read
	}
	if b.cfg.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(b.cfg.Network)
	}

	name := BuildContainerName(b.cfg.Namespace, spec.ID, uuid.New().String()[:8])
	id, err := b.rt.Create(ctx, containerConfig, hostConfig, name)
	if err != nil {
		return "", fmt.Errorf("failed to create build container: %w", err)
	}

	if err := b.rt.Start(ctx, id); err != nil {
		b.remove(id)
		return "", fmt.Errorf("failed to start build container: %w", err)
	}

	b.logger.Info("[Builder] build container started",
		slog.String("job", spec.ID.String()),
		slog.String("container", name),
		slog.String("image", image))
	return dispatch.Handle(id), nil
}

// Watch follows the container's output until it exits. Every output line is
// a log event; "::artifact <name>" lines also announce an artifact. Exit code
// zero is reported as built, anything else as failed.
func (b *Builder) Watch(ctx context.Context, h dispatch.Handle) (<-chan dispatch.BuildEvent, error) {
	id := string(h)
	logs, err := b.rt.Logs(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to follow build container logs: %w", err)
	}

	events := make(chan dispatch.BuildEvent, 16)
	go func() {
		defer close(events)
		defer logs.Close()

		send := func(ev dispatch.BuildEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !send(dispatch.BuildEvent{Status: dispatch.BuildRunning}) {
			return
		}

		// stdout and stderr share one pipe so lines keep their relative order
		pr, pw := io.Pipe()
		go func() {
			_, err := stdcopy.StdCopy(pw, pw, logs)
			pw.CloseWithError(err)
		}()

		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			ev := dispatch.BuildEvent{Log: line}
			if name, ok := dispatch.ParseArtifact(line); ok {
				ev.Artifact = name
			}
			if !send(ev) {
				pr.CloseWithError(ctx.Err())
				return
			}
		}
		pr.Close()
		if err := scanner.Err(); err != nil {
			b.logger.Warn("[Builder] build log stream interrupted",
				slog.String("handle", id),
				slog.String("error", err.Error()))
		}

		status, detail, ok := b.wait(ctx, id)
		if !ok {
			return
		}
		send(dispatch.BuildEvent{Status: status, Detail: detail})
		if !b.cfg.KeepContainers {
			b.remove(id)
		}
	}()
	return events, nil
}

// wait returns the container's terminal status. ok is false when the
// wait was cut short and no terminal status is known.
func (b *Builder) wait(ctx context.Context, id string) (dispatch.BuildStatus, string, bool) {
	statusCh, errCh := b.rt.Wait(ctx, id)
	select {
	case err := <-errCh:
		b.logger.Warn("[Builder] error waiting for build container",
			slog.String("handle", id),
			slog.String("error", err.Error()))
		return "", "", false

	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return dispatch.BuildFailed, status.Error.Message, true
		}
		if status.StatusCode != 0 {
			return dispatch.BuildFailed, fmt.Sprintf("exit code %d", status.StatusCode), true
		}
		return dispatch.BuildBuilt, "", true

	case <-ctx.Done():
		return "", "", false
	}
}

func (b *Builder) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	if err := b.rt.Remove(ctx, id); err != nil {
		b.logger.Warn("[Builder] failed to remove build container",
			slog.String("handle", id),
			slog.String("error", err.Error()))
	}
}
