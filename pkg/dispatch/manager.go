package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Outcome is a successful unit of work drained from a PhaseManager.
type Outcome[K comparable, Out any] struct {
	Key   K
	Value Out
}

// Rejection is a failed unit of work drained from a PhaseManager.
// Retry is the RetryPolicy's verdict: true means the caller should resubmit.
type Rejection[K comparable] struct {
	Key      K
	Err      error
	Failures int
	Retry    bool
}

// ManagerConfig tunes a PhaseManager.
type ManagerConfig struct {
	MaxRetries int
	// Timeout bounds each call. Zero disables it.
	Timeout time.Duration
	// Buffer is the result channel capacity.
	Buffer int
	Logger *slog.Logger
}

// PhaseManager owns the in-flight workers of one phase and is the single
// consumer of their result channel. Submit and the Drain methods must be
// called from one goroutine (the dispatcher's control loop); workers only
// ever touch the channel.
type PhaseManager[K comparable, In, Out any] struct {
	phase   Phase
	call    Call[In, Out]
	retry   *RetryPolicy[K]
	timeout time.Duration
	logger  *slog.Logger
	onLog   func(K, string)

	ctx     context.Context
	cancel  context.CancelFunc
	results chan Message[K, Out]
	wg      sync.WaitGroup

	inflight map[K]time.Time
	settling map[K]Message[K, Out]
	data     []Outcome[K, Out]
	errs     []Rejection[K]
}

// NewPhaseManager creates a manager whose workers run call under ctx.
func NewPhaseManager[K comparable, In, Out any](ctx context.Context, phase Phase, call Call[In, Out], cfg ManagerConfig) *PhaseManager[K, In, Out] {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	ctx, cancel := context.WithCancel(ctx)
	return &PhaseManager[K, In, Out]{
		phase:    phase,
		call:     call,
		retry:    NewRetryPolicy[K](cfg.MaxRetries),
		timeout:  cfg.Timeout,
		logger:   orDiscard(cfg.Logger),
		ctx:      ctx,
		cancel:   cancel,
		results:  make(chan Message[K, Out], cfg.Buffer),
		inflight: make(map[K]time.Time),
		settling: make(map[K]Message[K, Out]),
	}
}

// OnLog installs a hook called from the draining goroutine for every log line.
func (m *PhaseManager[K, In, Out]) OnLog(fn func(key K, line string)) {
	m.onLog = fn
}

// Submit spawns a worker for key. A key that already has a worker in flight
// is not queued: the submission is logged and dropped, and Submit returns false.
//
// TODO: decide whether a duplicate should be an error once a caller needs it;
// today every dispatcher path waits for DONE before resubmitting.
func (m *PhaseManager[K, In, Out]) Submit(key K, in In) bool {
	if _, busy := m.inflight[key]; busy {
		m.logger.Warn("[Dispatcher] duplicate submission ignored",
			slog.String("phase", string(m.phase)),
			slog.Any("key", key))
		return false
	}

	m.inflight[key] = time.Now()
	w := &worker[K, In, Out]{
		phase:   m.phase,
		key:     key,
		input:   in,
		call:    m.call,
		timeout: m.timeout,
		out:     m.results,
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		w.run(m.ctx)
	}()
	return true
}

// DrainData returns, without blocking, every successful outcome whose worker
// has finished since the last call.
func (m *PhaseManager[K, In, Out]) DrainData() []Outcome[K, Out] {
	m.pump()
	out := m.data
	m.data = nil
	return out
}

// DrainErrors returns, without blocking, every failed outcome whose worker has
// finished since the last call, each with its retry verdict.
func (m *PhaseManager[K, In, Out]) DrainErrors() []Rejection[K] {
	m.pump()
	out := m.errs
	m.errs = nil
	return out
}

// Inflight returns the number of workers that have not sent DONE yet.
func (m *PhaseManager[K, In, Out]) Inflight() int { return len(m.inflight) }

// Busy reports whether key has a worker in flight.
func (m *PhaseManager[K, In, Out]) Busy(key K) bool {
	_, ok := m.inflight[key]
	return ok
}

// Retries exposes the manager's private retry counters.
func (m *PhaseManager[K, In, Out]) Retries() *RetryPolicy[K] { return m.retry }

// Close cancels the remaining workers and discards their messages in the
// background until they have all finished.
func (m *PhaseManager[K, In, Out]) Close() {
	m.cancel()

	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()
	go func() {
		for {
			select {
			case <-m.results:
			case <-finished:
				return
			}
		}
	}()
}

func (m *PhaseManager[K, In, Out]) pump() {
	for {
		select {
		case msg := <-m.results:
			m.handle(msg)
		default:
			return
		}
	}
}

// handle holds a worker's outcome until its DONE arrives, so the key is out of
// the in-flight registry before the caller can see (and resubmit) it.
func (m *PhaseManager[K, In, Out]) handle(msg Message[K, Out]) {
	switch msg.Kind {
	case MessageLog:
		m.logger.Debug("[Dispatcher] worker log",
			slog.String("phase", string(m.phase)),
			slog.Any("key", msg.Key),
			slog.String("line", msg.Log))
		if m.onLog != nil {
			m.onLog(msg.Key, msg.Log)
		}

	case MessageData, MessageError:
		m.settling[msg.Key] = msg

	case MessageDone:
		started := m.inflight[msg.Key]
		delete(m.inflight, msg.Key)

		outcome, ok := m.settling[msg.Key]
		if !ok {
			m.logger.Error("[Dispatcher] worker finished without an outcome",
				slog.String("phase", string(m.phase)),
				slog.Any("key", msg.Key))
			return
		}
		delete(m.settling, msg.Key)

		if outcome.Kind == MessageData {
			m.data = append(m.data, Outcome[K, Out]{Key: msg.Key, Value: outcome.Payload})
			return
		}

		retry := m.retry.Retry(msg.Key)
		failures := m.retry.Failures(msg.Key)
		m.logger.Warn("[Dispatcher] phase call failed",
			slog.String("phase", string(m.phase)),
			slog.Any("key", msg.Key),
			slog.Int("attempt", failures),
			slog.Bool("retry", retry),
			slog.Duration("elapsed", time.Since(started)),
			slog.String("error", outcome.Err.Error()))
		m.errs = append(m.errs, Rejection[K]{
			Key:      msg.Key,
			Err:      outcome.Err,
			Failures: failures,
			Retry:    retry,
		})
	}
}
