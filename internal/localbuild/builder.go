// Package localbuild runs builds as local subprocesses. It implements
// dispatch.Builder without any network service and is meant for the
// in-process dispatcher and for dry runs.
package localbuild

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/dyluth/pkgshift/pkg/dispatch"
	"github.com/google/uuid"
)

// waitDelay bounds how long a killed build may hold its output open.
const waitDelay = 2 * time.Second

// ErrUnknownHandle is returned by Watch for handles this builder never issued.
var ErrUnknownHandle = errors.New("localbuild: unknown handle")

// Builder starts one subprocess per job. Processes outlive the Start call and
// are only killed by Close.
type Builder struct {
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	builds map[dispatch.Handle]*process
}

// New creates a Builder. logger may be nil.
func New(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Builder{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		builds: make(map[dispatch.Handle]*process),
	}
}

// Start launches spec.Command. The first element is the program, the rest its
// arguments; spec.Env is appended to the current environment.
func (b *Builder) Start(_ context.Context, spec dispatch.JobSpec) (dispatch.Handle, error) {
	if len(spec.Command) == 0 {
		return "", fmt.Errorf("job %s has no command", spec.ID)
	}

	cmd := exec.CommandContext(b.ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Env = append(os.Environ(), "PKGSHIFT_JOB="+spec.ID.String())
	cmd.Env = append(cmd.Env, spec.Env...)
	cmd.Dir = spec.WorkDir
	// orphaned grandchildren may keep the output pipe open after a kill
	cmd.WaitDelay = waitDelay

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return "", fmt.Errorf("failed to start build of %s: %w", spec.ID, err)
	}

	h := dispatch.Handle(uuid.New().String())
	p := newProcess()
	p.append(dispatch.BuildEvent{Status: dispatch.BuildRunning})
	b.mu.Lock()
	b.builds[h] = p
	b.mu.Unlock()

	b.logger.Info("[Builder] build process started",
		slog.String("job", spec.ID.String()),
		slog.String("handle", string(h)),
		slog.Int("pid", cmd.Process.Pid))

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			line := scanner.Text()
			ev := dispatch.BuildEvent{Log: line}
			if name, ok := dispatch.ParseArtifact(line); ok {
				ev.Artifact = name
			}
			p.append(ev)
		}
		// drain anything left so the process never blocks on a full pipe
		_, _ = io.Copy(io.Discard, pr)
	}()

	go func() {
		err := cmd.Wait()
		pw.Close()
		<-scanned

		if err != nil {
			p.append(dispatch.BuildEvent{Status: dispatch.BuildFailed, Detail: err.Error()})
		} else {
			p.append(dispatch.BuildEvent{Status: dispatch.BuildBuilt})
		}
		b.logger.Info("[Builder] build process exited",
			slog.String("job", spec.ID.String()),
			slog.String("handle", string(h)),
			slog.Bool("success", err == nil))
	}()

	return h, nil
}

// Watch streams the build's events from the beginning. Watching the same
// handle again replays everything seen so far, then continues live.
func (b *Builder) Watch(ctx context.Context, h dispatch.Handle) (<-chan dispatch.BuildEvent, error) {
	b.mu.Lock()
	p, ok := b.builds[h]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}

	events := make(chan dispatch.BuildEvent, 16)
	go func() {
		defer close(events)
		for i := 0; ; i++ {
			ev, ok := p.at(ctx, i)
			if !ok {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Status.Terminal() {
				return
			}
		}
	}()
	return events, nil
}

// Close kills every build still running.
func (b *Builder) Close() error {
	b.cancel()
	return nil
}

// process is the append-only event history of one build.
type process struct {
	mu      sync.Mutex
	history []dispatch.BuildEvent
	changed chan struct{} // closed and replaced on every append
}

func newProcess() *process {
	return &process{changed: make(chan struct{})}
}

func (p *process) append(ev dispatch.BuildEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, ev)
	close(p.changed)
	p.changed = make(chan struct{})
}

// at blocks until event i exists or ctx is done.
func (p *process) at(ctx context.Context, i int) (dispatch.BuildEvent, bool) {
	for {
		p.mu.Lock()
		if i < len(p.history) {
			ev := p.history[i]
			p.mu.Unlock()
			return ev, true
		}
		changed := p.changed
		p.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return dispatch.BuildEvent{}, false
		}
	}
}
