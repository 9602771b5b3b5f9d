package commands

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dyluth/pkgshift/internal/printer"
	"github.com/dyluth/pkgshift/internal/watch"
	"github.com/spf13/cobra"
)

var (
	watchOutputFormat string
	watchRun          string
	watchPackage      string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream job state transitions",
	Long: `Stream every job state transition published by running dispatches.

Output Formats:
  default - Human-readable output with timestamps and emojis
  jsonl   - Line-delimited JSON for programmatic processing

Examples:
  # Watch all dispatches in the default namespace
  pkgshift watch

  # Follow one package in one run
  pkgshift watch --run 2b1c... --package openssl

  # Export events
  pkgshift watch --output jsonl > events.jsonl`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or jsonl)")
	watchCmd.Flags().StringVar(&watchRun, "run", "", "Only show events of this dispatch run")
	watchCmd.Flags().StringVar(&watchPackage, "package", "", "Only show events of this package")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	format, err := watch.ParseFormat(watchOutputFormat)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), []string{"Valid formats: default, jsonl"})
	}

	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	logger, err := newLogger(io.Discard)
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

	sub, err := client.SubscribeDispatchEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to dispatch events: %w", err)
	}
	defer sub.Close()

	printer.Step("Watching namespace %s (Ctrl-C to stop)\n", cfg.Ledger.Namespace)
	return watch.Stream(ctx, sub, watch.NewFormatter(format, os.Stdout), watch.Filter{Run: watchRun, Package: watchPackage})
}
