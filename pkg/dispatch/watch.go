package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// WatchMany monitors already started builds and blocks until each of them
// is built or failed. It returns an *AggregateError naming every build that
// did not reach built. Failures are keyed by a JobID whose Name is the handle.
func (d *Dispatcher) WatchMany(ctx context.Context, handles []Handle) error {
	if len(handles) == 0 {
		return nil
	}

	monitors := NewPhaseManager[Handle](ctx, PhaseMonitor, d.monitor, ManagerConfig{
		MaxRetries: d.cfg.MaxRetries,
		Timeout:    d.cfg.CallTimeout,
		Logger:     d.logger,
	})
	defer monitors.Close()

	pending := make(map[Handle]struct{}, len(handles))
	for _, h := range handles {
		if _, dup := pending[h]; dup {
			continue
		}
		pending[h] = struct{}{}
		monitors.Submit(h, h)
	}

	var failures []Failure
	failed := func(h Handle, err error) {
		id := JobID{Name: string(h)}
		failures = append(failures, Failure{Job: id, Err: &PhaseError{Phase: PhaseMonitor, Job: id, Err: err}})
	}

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for _, o := range monitors.DrainData() {
			delete(pending, o.Key)
			if o.Value.Status != BuildBuilt {
				detail := o.Value.Detail
				if detail == "" {
					detail = "status " + string(o.Value.Status)
				}
				failed(o.Key, fmt.Errorf("%w: %s", ErrBuildFailed, detail))
				continue
			}
			d.logger.Info("[Dispatcher] watched build finished", slog.String("handle", string(o.Key)))
		}
		for _, rej := range monitors.DrainErrors() {
			if rej.Retry {
				monitors.Submit(rej.Key, rej.Key)
				continue
			}
			delete(pending, rej.Key)
			failed(rej.Key, rej.Err)
		}

		if len(pending) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	if len(failures) > 0 {
		return &AggregateError{Reason: "builds did not reach built", Failures: failures}
	}
	return nil
}
