package config

import (
	"fmt"
	"os"
	"time"

	"github.com/dyluth/pkgshift/internal/dockerbuild"
	"github.com/dyluth/pkgshift/internal/ledger"
	"github.com/dyluth/pkgshift/internal/sysres"
	"github.com/dyluth/pkgshift/pkg/dispatch"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up when none is given.
const DefaultPath = "pkgshift.yml"

// Environment overrides, applied by Load after parsing.
const (
	EnvRedisURL  = "PKGSHIFT_REDIS_URL"
	EnvNamespace = "PKGSHIFT_NAMESPACE"
)

// Builder kinds.
const (
	BuilderDocker = "docker"
	BuilderLocal  = "local"
)

// PkgshiftConfig represents the top-level pkgshift.yml configuration
type PkgshiftConfig struct {
	Version    string            `yaml:"version"`
	Dispatcher *DispatcherConfig `yaml:"dispatcher,omitempty"`
	Builder    *BuilderConfig    `yaml:"builder,omitempty"`
	Ledger     *LedgerConfig     `yaml:"ledger,omitempty"`
	Jobs       []Job             `yaml:"jobs"`
}

// DispatcherConfig bounds the phases of a dispatch.
type DispatcherConfig struct {
	MaxBuilds    int            `yaml:"max_builds,omitempty"`
	MaxCommits   int            `yaml:"max_commits,omitempty"`
	MaxPromotes  int            `yaml:"max_promotes,omitempty"`
	MaxRetries   *int           `yaml:"max_retries,omitempty"` // 0 = no retries, default = 2
	PollInterval time.Duration  `yaml:"poll_interval,omitempty"`
	CallTimeout  time.Duration  `yaml:"call_timeout,omitempty"` // 0 = no timeout
	CommitPolicy string         `yaml:"commit_policy,omitempty"`
	CommitLabel  string         `yaml:"commit_label,omitempty"`
	FDHeadroom   int            `yaml:"fd_headroom,omitempty"`
	Promote      *PromoteConfig `yaml:"promote,omitempty"`
}

// PromoteConfig enables the promote phase.
type PromoteConfig struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// BuilderConfig selects and configures the build-execution service.
type BuilderConfig struct {
	Kind      string  `yaml:"kind,omitempty"` // docker (default) or local
	Image     string  `yaml:"image,omitempty"`
	Network   string  `yaml:"network,omitempty"`
	StartRate float64 `yaml:"start_rate,omitempty"` // container starts per second, 0 = unlimited
	Keep      bool    `yaml:"keep_containers,omitempty"`
}

// LedgerConfig locates the Redis-backed artifact ledger.
type LedgerConfig struct {
	RedisURL  string `yaml:"redis_url,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
}

// Job is one build request.
type Job struct {
	Name    string   `yaml:"name"`
	Version string   `yaml:"version"`
	Flavor  string   `yaml:"flavor,omitempty"`
	Image   string   `yaml:"image,omitempty"`
	Command []string `yaml:"command"`
	Env     []string `yaml:"env,omitempty"`
	WorkDir string   `yaml:"workdir,omitempty"`
}

// ID returns the dispatcher identity of the job.
func (j Job) ID() dispatch.JobID {
	return dispatch.JobID{Name: j.Name, Version: j.Version, Flavor: j.Flavor}
}

// Validate performs strict validation on the configuration and fills in
// defaults for every omitted section.
func (c *PkgshiftConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Dispatcher == nil {
		c.Dispatcher = &DispatcherConfig{}
	}
	if err := c.Dispatcher.Validate(); err != nil {
		return err
	}

	if c.Builder == nil {
		c.Builder = &BuilderConfig{}
	}
	if err := c.Builder.Validate(); err != nil {
		return err
	}

	if c.Ledger == nil {
		c.Ledger = &LedgerConfig{}
	}
	if c.Ledger.Namespace == "" {
		c.Ledger.Namespace = "default"
	}
	if c.Ledger.RedisURL == "" {
		c.Ledger.RedisURL = "redis://127.0.0.1:6379"
	}

	seen := make(map[dispatch.JobID]int, len(c.Jobs))
	for i, job := range c.Jobs {
		if err := job.Validate(i); err != nil {
			return err
		}
		if j, ok := seen[job.ID()]; ok {
			return fmt.Errorf("jobs[%d] and jobs[%d] are both %s: job ids must be unique", j, i, job.ID())
		}
		seen[job.ID()] = i
		if job.Image == "" && c.Builder.Kind == BuilderDocker && c.Builder.Image == "" {
			return fmt.Errorf("jobs[%d] (%s): no image (set builder.image or jobs[].image)", i, job.ID())
		}
	}

	return nil
}

// Validate applies dispatcher defaults and checks ranges.
func (d *DispatcherConfig) Validate() error {
	def := dispatch.DefaultConfig()
	if d.MaxBuilds == 0 {
		d.MaxBuilds = def.MaxBuilds
	}
	if d.MaxCommits == 0 {
		d.MaxCommits = def.MaxCommits
	}
	if d.MaxPromotes == 0 {
		d.MaxPromotes = def.MaxPromotes
	}
	if d.MaxRetries == nil {
		retries := def.MaxRetries
		d.MaxRetries = &retries
	}
	if d.PollInterval == 0 {
		d.PollInterval = def.PollInterval
	}
	if d.CommitPolicy == "" {
		d.CommitPolicy = dispatch.Immediate{}.Name()
	}
	if d.CommitLabel == "" {
		d.CommitLabel = ledger.DefaultCommitLabel
	}
	if d.FDHeadroom == 0 {
		d.FDHeadroom = sysres.DefaultFDHeadroom
	}

	if d.MaxBuilds < 1 {
		return fmt.Errorf("dispatcher.max_builds must be >= 1, got %d", d.MaxBuilds)
	}
	if d.MaxCommits < 1 {
		return fmt.Errorf("dispatcher.max_commits must be >= 1, got %d", d.MaxCommits)
	}
	if d.MaxPromotes < 1 {
		return fmt.Errorf("dispatcher.max_promotes must be >= 1, got %d", d.MaxPromotes)
	}
	if *d.MaxRetries < 0 {
		return fmt.Errorf("dispatcher.max_retries must be >= 0, got %d", *d.MaxRetries)
	}
	if d.PollInterval < 0 || d.CallTimeout < 0 {
		return fmt.Errorf("dispatcher durations must not be negative")
	}
	if d.FDHeadroom < 0 {
		return fmt.Errorf("dispatcher.fd_headroom must be >= 0, got %d", d.FDHeadroom)
	}
	if _, err := dispatch.NewCommitPolicy(d.CommitPolicy); err != nil {
		return fmt.Errorf("dispatcher.commit_policy: %w", err)
	}

	if d.Promote != nil {
		if d.Promote.To == "" {
			return fmt.Errorf("dispatcher.promote.to is required")
		}
		if d.Promote.From == "" {
			d.Promote.From = d.CommitLabel
		}
		if d.Promote.From != d.CommitLabel {
			return fmt.Errorf("dispatcher.promote.from (%s) must match commit_label (%s)", d.Promote.From, d.CommitLabel)
		}
		if d.Promote.From == d.Promote.To {
			return fmt.Errorf("dispatcher.promote: from and to are both %q", d.Promote.To)
		}
	}
	return nil
}

// Validate checks the builder section.
func (b *BuilderConfig) Validate() error {
	if b.Kind == "" {
		b.Kind = BuilderDocker
	}
	if b.Kind != BuilderDocker && b.Kind != BuilderLocal {
		return fmt.Errorf("invalid builder.kind: %s (must be 'docker' or 'local')", b.Kind)
	}
	if b.StartRate < 0 {
		return fmt.Errorf("builder.start_rate must be >= 0, got %g", b.StartRate)
	}
	return nil
}

// Validate performs validation on a single job.
func (j *Job) Validate(index int) error {
	if j.Name == "" {
		return fmt.Errorf("jobs[%d]: name is required", index)
	}
	if j.Version == "" {
		return fmt.Errorf("jobs[%d] (%s): version is required", index, j.Name)
	}
	if len(j.Command) == 0 {
		return fmt.Errorf("jobs[%d] (%s): command is required", index, j.ID())
	}
	return nil
}

// Options converts the dispatcher section into dispatch options.
func (c *PkgshiftConfig) Options() ([]dispatch.Option, error) {
	d := c.Dispatcher
	policy, err := dispatch.NewCommitPolicy(d.CommitPolicy)
	if err != nil {
		return nil, err
	}
	opts := []dispatch.Option{
		dispatch.WithConfig(dispatch.Config{
			MaxBuilds:    d.MaxBuilds,
			MaxCommits:   d.MaxCommits,
			MaxPromotes:  d.MaxPromotes,
			MaxRetries:   *d.MaxRetries,
			PollInterval: d.PollInterval,
			CallTimeout:  d.CallTimeout,
		}),
		dispatch.WithCommitPolicy(policy),
	}
	if d.Promote != nil {
		opts = append(opts, dispatch.WithPromotion(d.Promote.From, d.Promote.To))
	}
	return opts, nil
}

// Specs converts the jobs section into build requests, in file order.
func (c *PkgshiftConfig) Specs() []dispatch.JobSpec {
	specs := make([]dispatch.JobSpec, 0, len(c.Jobs))
	for _, j := range c.Jobs {
		specs = append(specs, dispatch.JobSpec{
			ID:      j.ID(),
			Image:   j.Image,
			Command: j.Command,
			Env:     j.Env,
			WorkDir: j.WorkDir,
		})
	}
	return specs
}

// DockerBuilder returns the docker builder settings.
func (c *PkgshiftConfig) DockerBuilder() dockerbuild.Config {
	return dockerbuild.Config{
		Namespace:      c.Ledger.Namespace,
		Image:          c.Builder.Image,
		Network:        c.Builder.Network,
		StartRate:      c.Builder.StartRate,
		KeepContainers: c.Builder.Keep,
	}
}

// Default returns the validated configuration used when no file exists:
// every default applied, environment overrides honoured, no jobs.
func Default() *PkgshiftConfig {
	config := &PkgshiftConfig{Version: "1.0"}
	config.applyEnv()
	if err := config.Validate(); err != nil {
		// defaults are always valid
		panic(err)
	}
	return config
}

// Load reads pkgshift.yml from the specified path, applies environment
// overrides and validates the result.
func Load(path string) (*PkgshiftConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config PkgshiftConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *PkgshiftConfig) applyEnv() {
	url, hasURL := os.LookupEnv(EnvRedisURL)
	ns, hasNS := os.LookupEnv(EnvNamespace)
	if !hasURL && !hasNS {
		return
	}
	if c.Ledger == nil {
		c.Ledger = &LedgerConfig{}
	}
	if hasURL && url != "" {
		c.Ledger.RedisURL = url
	}
	if hasNS && ns != "" {
		c.Ledger.Namespace = ns
	}
}
