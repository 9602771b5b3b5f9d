package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"

	"github.com/dyluth/pkgshift/internal/config"
	"github.com/dyluth/pkgshift/internal/ledger"
	"github.com/dyluth/pkgshift/internal/printer"
	"github.com/redis/go-redis/v9"
)

// newLogger builds the process logger from --log-format and --verbose.
func newLogger(w io.Writer) (*slog.Logger, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	switch logFormat {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, printer.Error(
		"invalid log format",
		fmt.Sprintf("Unknown format: %s", logFormat),
		[]string{"Valid formats: text, json"},
	)
}

// loadConfig reads --config. Commands that only talk to the ledger pass
// required=false and fall back to defaults when the file does not exist.
// Flag overrides are applied last.
func loadConfig(required bool) (*config.PkgshiftConfig, error) {
	cfg, err := config.Load(configPath)
	switch {
	case err == nil:
	case !required && errors.Is(err, fs.ErrNotExist):
		cfg = config.Default()
	case errors.Is(err, fs.ErrNotExist):
		return nil, printer.Error(
			"config not found",
			fmt.Sprintf("No configuration at %s.", configPath),
			[]string{"Create pkgshift.yml in the current directory", "Point at another file:\n  pkgshift build --config path/to/pkgshift.yml"},
		)
	default:
		return nil, printer.ErrorWithContext(
			"invalid configuration",
			err.Error(),
			map[string]string{"Config": configPath},
			nil,
		)
	}

	if namespace != "" {
		cfg.Ledger.Namespace = namespace
	}
	if redisURL != "" {
		cfg.Ledger.RedisURL = redisURL
	}
	return cfg, nil
}

// openLedger connects to the ledger at url and pings it.
func openLedger(ctx context.Context, url, ns, label string, logger *slog.Logger) (*ledger.Client, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid ledger URL %s: %w", url, err)
	}

	opts := []ledger.Option{ledger.WithLogger(logger)}
	if label != "" {
		opts = append(opts, ledger.WithCommitLabel(label))
	}
	client, err := ledger.NewClient(redisOpts, ns, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger client: %w", err)
	}

	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("could not connect to Redis at %s: %w", url, err)
	}
	return client, nil
}

// connectLedger opens the configured ledger, printing a formatted error when
// it cannot be reached.
func connectLedger(ctx context.Context, cfg *config.PkgshiftConfig, logger *slog.Logger) (*ledger.Client, error) {
	client, err := openLedger(ctx, cfg.Ledger.RedisURL, cfg.Ledger.Namespace, cfg.Dispatcher.CommitLabel, logger)
	if err != nil {
		return nil, printer.ErrorWithContext(
			"ledger connection failed",
			err.Error(),
			map[string]string{"Namespace": cfg.Ledger.Namespace},
			[]string{
				"Start a local ledger:\n  pkgshift up",
				"Point at a running ledger:\n  pkgshift --redis-url redis://host:6379 ...",
			},
		)
	}
	return client, nil
}
