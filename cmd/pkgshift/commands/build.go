package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/pkgshift/internal/config"
	"github.com/dyluth/pkgshift/internal/dockerbuild"
	"github.com/dyluth/pkgshift/internal/health"
	"github.com/dyluth/pkgshift/internal/localbuild"
	"github.com/dyluth/pkgshift/internal/printer"
	"github.com/dyluth/pkgshift/internal/sysres"
	"github.com/dyluth/pkgshift/pkg/dispatch"
	"github.com/spf13/cobra"
)

var (
	buildPolicy     string
	buildMaxBuilds  int
	buildRetries    int
	buildPromoteTo  string
	buildKind       string
	buildHealthAddr string
)

var buildCmd = &cobra.Command{
	Use:   "build [job...]",
	Short: "Dispatch the jobs in pkgshift.yml",
	Long: `Dispatch build jobs and record their artifacts in the ledger.

Jobs are read from pkgshift.yml. Arguments select a subset by job id
(name-version[.flavor]), name, or package; no arguments dispatch every job.

Commit policies:
  immediate     commit each job as soon as it is built
  deferred      commit everything together once all jobs are built
  first-ready   commit versions of a package in order, as each is built
  wait-for-all  commit versions of a package in order, once all are built

Examples:
  # Build everything with four concurrent builds
  pkgshift build --max-builds 4

  # Build two versions of openssl and promote them to stable
  pkgshift build openssl --policy first-ready --promote-to stable

  # Build with local subprocesses instead of containers
  pkgshift build --builder local`,
	RunE: runBuild,
}

func init() {
	flags := buildCmd.Flags()
	flags.StringVar(&buildPolicy, "policy", "", "Commit policy (immediate, deferred, first-ready, wait-for-all)")
	flags.IntVar(&buildMaxBuilds, "max-builds", 0, "Concurrent builds")
	flags.IntVar(&buildRetries, "retries", 0, "Retries per phase before a failure is final")
	flags.StringVar(&buildPromoteTo, "promote-to", "", "Promote committed artifacts to this label")
	flags.StringVar(&buildKind, "builder", "", "Build service (docker or local)")
	flags.StringVar(&buildHealthAddr, "health-addr", "", "Serve /healthz on this address while dispatching")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	if err := applyBuildFlags(cmd, cfg); err != nil {
		return printer.ErrorWithContext("invalid build options", err.Error(), map[string]string{"Config": configPath}, nil)
	}

	specs, err := selectSpecs(cfg.Specs(), args)
	if err != nil {
		return printer.Error("unknown job", err.Error(), []string{"List the jobs defined in " + configPath})
	}
	if len(specs) == 0 {
		printer.Warning("No jobs to dispatch\n")
		return nil
	}

	logger, err := newLogger(os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := connectLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	builder, closeBuilder, err := newBuilder(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBuilder()

	publisher := client.NewPublisher(256)
	defer func() {
		publisher.Close()
		if n := publisher.Dropped(); n > 0 {
			logger.Warn("[Dispatcher] events dropped", slog.Int64("count", n))
		}
	}()

	opts, err := cfg.Options()
	if err != nil {
		return err
	}
	opts = append(opts, dispatch.WithEventSink(publisher))

	if gauge, err := sysres.NewFDGauge(cfg.Dispatcher.FDHeadroom, logger); err != nil {
		logger.Warn("[Dispatcher] file descriptor gauge disabled", slog.String("error", err.Error()))
	} else {
		opts = append(opts, dispatch.WithResourceGauge(gauge))
	}

	d := dispatch.New(builder, client, logger, opts...)

	if buildHealthAddr != "" {
		hs := health.NewServer(client, d, logger)
		addr, err := hs.Start(buildHealthAddr)
		if err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			hs.Shutdown(shutdownCtx)
		}()
		logger.Info("[Dispatcher] health endpoint listening", slog.String("addr", addr))
	}

	printer.Step("Dispatching %d jobs (namespace %s, policy %s)\n", len(specs), cfg.Ledger.Namespace, d.CommitPolicy().Name())
	rep, err := d.Run(ctx, specs)
	printer.Report(rep)

	if err != nil {
		return printer.ErrorWithContext(
			"dispatch failed",
			err.Error(),
			map[string]string{"Run": rep.Run, "Namespace": cfg.Ledger.Namespace},
			[]string{"Inspect what was recorded:\n  pkgshift artifacts"},
		)
	}
	if len(rep.Failures) > 0 {
		return printer.Error(
			fmt.Sprintf("%d of %d jobs failed", len(rep.Failures), len(specs)),
			"The remaining jobs were committed; see the failures above.",
			[]string{fmt.Sprintf("Raise the retry budget:\n  pkgshift build --retries %d", *cfg.Dispatcher.MaxRetries+2)},
		)
	}

	printer.Success("All %d jobs committed\n", len(specs))
	return nil
}

// applyBuildFlags layers explicitly set flags over the file and revalidates.
func applyBuildFlags(cmd *cobra.Command, cfg *config.PkgshiftConfig) error {
	flags := cmd.Flags()
	d := cfg.Dispatcher
	if flags.Changed("policy") {
		d.CommitPolicy = buildPolicy
	}
	if flags.Changed("max-builds") {
		d.MaxBuilds = buildMaxBuilds
	}
	if flags.Changed("retries") {
		retries := buildRetries
		d.MaxRetries = &retries
	}
	if flags.Changed("promote-to") {
		d.Promote = &config.PromoteConfig{To: buildPromoteTo}
	}
	if flags.Changed("builder") {
		cfg.Builder.Kind = buildKind
	}
	return cfg.Validate()
}

// selectSpecs keeps the specs named by args, in file order.
func selectSpecs(specs []dispatch.JobSpec, args []string) ([]dispatch.JobSpec, error) {
	if len(args) == 0 {
		return specs, nil
	}

	matched := make(map[string]bool, len(args))
	var out []dispatch.JobSpec
	for _, spec := range specs {
		for _, arg := range args {
			if arg == spec.ID.String() || arg == spec.ID.Name || arg == spec.ID.Package() {
				matched[arg] = true
				out = append(out, spec)
				break
			}
		}
	}
	for _, arg := range args {
		if !matched[arg] {
			return nil, fmt.Errorf("no job matches %q", arg)
		}
	}
	return out, nil
}

// newBuilder returns the configured build service and its cleanup.
func newBuilder(ctx context.Context, cfg *config.PkgshiftConfig, logger *slog.Logger) (dispatch.Builder, func(), error) {
	if cfg.Builder.Kind == config.BuilderLocal {
		b := localbuild.New(logger)
		return b, func() { b.Close() }, nil
	}

	cli, err := dockerbuild.NewClient(ctx)
	if err != nil {
		return nil, nil, printer.Error(
			"Docker unavailable",
			err.Error(),
			[]string{"Build with local subprocesses instead:\n  pkgshift build --builder local"},
		)
	}
	b, err := dockerbuild.New(dockerbuild.NewRuntime(cli), cfg.DockerBuilder(), logger)
	if err != nil {
		cli.Close()
		return nil, nil, err
	}
	return b, func() { cli.Close() }, nil
}
