package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Config bounds each phase and the control loop.
type Config struct {
	MaxBuilds    int           // Concurrent builds (start + monitor)
	MaxCommits   int           // Concurrent commit batches
	MaxPromotes  int           // Concurrent promote batches
	MaxRetries   int           // Resubmissions per phase before a failure is terminal
	PollInterval time.Duration // Control loop tick
	CallTimeout  time.Duration // Per external call, zero disables
}

// DefaultConfig returns the settings used when no option overrides them.
func DefaultConfig() Config {
	return Config{
		MaxBuilds:    4,
		MaxCommits:   1,
		MaxPromotes:  1,
		MaxRetries:   2,
		PollInterval: 3 * time.Second,
	}
}

// PromotionPolicy adds a promote phase after commit: committed artifacts are
// relabeled From -> To.
type PromotionPolicy struct {
	From string
	To   string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConfig replaces the whole phase configuration.
func WithConfig(cfg Config) Option {
	return func(d *Dispatcher) { d.cfg = cfg }
}

// WithMaxBuilds sets the build slot count.
func WithMaxBuilds(n int) Option {
	return func(d *Dispatcher) { d.cfg.MaxBuilds = n }
}

// WithMaxRetries sets the per-phase retry budget.
func WithMaxRetries(n int) Option {
	return func(d *Dispatcher) { d.cfg.MaxRetries = n }
}

// WithPollInterval sets the control loop tick.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) { d.cfg.PollInterval = interval }
}

// WithCommitPolicy sets the commit ordering policy. Default: Immediate.
func WithCommitPolicy(p CommitPolicy) Option {
	return func(d *Dispatcher) { d.commit = p }
}

// WithPromotion enables the promote phase.
func WithPromotion(from, to string) Option {
	return func(d *Dispatcher) { d.promotion = &PromotionPolicy{From: from, To: to} }
}

// WithEventSink sends every job state transition to sink.
func WithEventSink(sink EventSink) Option {
	return func(d *Dispatcher) { d.sink = sink }
}

// WithResourceGauge holds admission while gauge reports saturation.
func WithResourceGauge(g ResourceGauge) Option {
	return func(d *Dispatcher) { d.gauge = g }
}

// Dispatcher drives build requests through start, monitor, commit and
// optionally promote, bounding each phase independently.
//
// All job state is owned by a single control loop per dispatch; the loop
// never calls the build service or the repository itself, it only submits
// work to phase managers and drains their results.
type Dispatcher struct {
	builder   Builder
	repo      Repository
	logger    *slog.Logger
	cfg       Config
	commit    CommitPolicy
	promotion *PromotionPolicy
	sink      EventSink
	gauge     ResourceGauge

	stats atomic.Pointer[Stats]
}

// New creates a dispatcher. logger may be nil.
func New(builder Builder, repo Repository, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		builder: builder,
		repo:    repo,
		logger:  orDiscard(logger),
		cfg:     DefaultConfig(),
		commit:  Immediate{},
		sink:    nopSink{},
		gauge:   unlimited{},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.cfg.PollInterval <= 0 {
		d.cfg.PollInterval = DefaultConfig().PollInterval
	}
	d.stats.Store(&Stats{})
	return d
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config { return d.cfg }

// CommitPolicy returns the active commit policy.
func (d *Dispatcher) CommitPolicy() CommitPolicy { return d.commit }

// Promotion returns the promote phase settings, nil when promotion is off.
func (d *Dispatcher) Promotion() *PromotionPolicy { return d.promotion }

// Report is the outcome of one dispatch.
type Report struct {
	Run      string
	Results  map[JobID][]string // source job -> committed artifacts
	Failures []Failure
	Jobs     []Snapshot // in submission order
}

// BuildMany dispatches specs and blocks until every job is terminal. It
// returns the committed artifacts per source job and the terminal failures.
// Partial results are normal; only a policy abort (deferred batch) or ctx
// cancellation produce a non-nil error.
func (d *Dispatcher) BuildMany(ctx context.Context, specs []JobSpec) (map[JobID][]string, []Failure, error) {
	rep, err := d.Run(ctx, specs)
	return rep.Results, rep.Failures, err
}

// Run is BuildMany returning the full report.
func (d *Dispatcher) Run(ctx context.Context, specs []JobSpec) (*Report, error) {
	if len(specs) == 0 {
		return &Report{Results: map[JobID][]string{}, Failures: []Failure{}}, nil
	}

	r := d.newRun(ctx)
	defer r.close()

	for _, spec := range specs {
		if _, err := r.add(spec); err != nil {
			return r.report(), err
		}
	}

	d.logger.Info("[Dispatcher] dispatch starting",
		slog.String("run", r.id),
		slog.Int("jobs", len(specs)),
		slog.String("commit_policy", d.commit.Name()),
		slog.Bool("promote", d.promotion != nil))

	if err := r.loop(ctx); err != nil {
		return r.report(), fmt.Errorf("dispatch %s interrupted: %w", r.id, err)
	}

	rep := r.report()
	d.logger.Info("[Dispatcher] dispatch finished",
		slog.String("run", r.id),
		slog.Int("committed", len(rep.Results)),
		slog.Int("failed", len(rep.Failures)))

	if r.aborted != nil {
		return rep, r.aborted
	}
	return rep, nil
}

// Stats is a point-in-time view of the active dispatch.
type Stats struct {
	Run        string `json:"run,omitempty"`
	Queued     int    `json:"queued"`
	Starting   int    `json:"starting"`
	Building   int    `json:"building"`
	Committing int    `json:"committing"`
	Promoting  int    `json:"promoting"`
	Settled    int    `json:"settled"`
	Failed     int    `json:"failed"`
}

// Stats returns the counters published at the end of the latest tick.
func (d *Dispatcher) Stats() Stats { return *d.stats.Load() }

// monitor consumes a build's event stream until a terminal status.
func (d *Dispatcher) monitor(ctx context.Context, h Handle, logf func(string)) (BuildResult, error) {
	events, err := d.builder.Watch(ctx, h)
	if err != nil {
		return BuildResult{}, fmt.Errorf("failed to watch build %s: %w", h, err)
	}

	var outputs []string
	for ev := range events {
		if ev.Log != "" {
			logf(ev.Log)
		}
		if ev.Artifact != "" {
			outputs = append(outputs, ev.Artifact)
		}
		if ev.Status.Terminal() {
			return BuildResult{Status: ev.Status, Outputs: artifactSet(outputs), Detail: ev.Detail}, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return BuildResult{}, err
	}
	return BuildResult{}, errors.New("event stream for build " + string(h) + " ended without a terminal status")
}

// BuildResult is the monitor phase's payload.
type BuildResult struct {
	Status  BuildStatus
	Outputs []string
	Detail  string
}
