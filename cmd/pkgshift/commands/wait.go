package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/dyluth/pkgshift/internal/printer"
	"github.com/dyluth/pkgshift/internal/watch"
	"github.com/spf13/cobra"
)

var (
	waitLabel   string
	waitTimeout time.Duration
)

var waitCmd = &cobra.Command{
	Use:   "wait <artifact>",
	Short: "Block until an artifact is committed",
	Long: `Block until the named artifact appears in the ledger, optionally
carrying a given label.

Examples:
  # Wait for a commit
  pkgshift wait zlib-1.3.tar

  # Wait for promotion, for at most ten minutes
  pkgshift wait zlib-1.3.tar --label stable --timeout 10m`,
	Args: cobra.ExactArgs(1),
	RunE: runWait,
}

func init() {
	waitCmd.Flags().StringVarP(&waitLabel, "label", "l", "", "Wait until the artifact carries this label")
	waitCmd.Flags().DurationVar(&waitTimeout, "timeout", 5*time.Minute, "Give up after this long")
	rootCmd.AddCommand(waitCmd)
}

func runWait(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	logger, err := newLogger(io.Discard)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	client, err := connectLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	artifact, err := watch.PollForArtifact(ctx, client, args[0], waitLabel, waitTimeout)
	if err != nil {
		return printer.ErrorWithContext(
			"artifact not ready",
			err.Error(),
			map[string]string{"Namespace": cfg.Ledger.Namespace},
			[]string{fmt.Sprintf("Follow the dispatch:\n  pkgshift watch --package %s", args[0])},
		)
	}

	printer.Success("%s is %s (from %s)\n", artifact.Name, artifact.Label, artifact.Source)
	return nil
}
