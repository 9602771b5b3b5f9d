package commands

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dyluth/pkgshift/internal/catalog"
	"github.com/dyluth/pkgshift/internal/printer"
	"github.com/spf13/cobra"
)

var (
	artifactsOutput  string
	artifactsLabel   string
	artifactsPackage string
	artifactsSource  string
	artifactsSince   string
	artifactsUntil   string
)

var artifactsCmd = &cobra.Command{
	Use:   "artifacts [name]",
	Short: "List or inspect committed artifacts",
	Long: `List the artifacts recorded in the ledger, or show one in full.

Examples:
  # Everything in the namespace
  pkgshift artifacts

  # Stable openssl builds from the last day, as JSON lines
  pkgshift artifacts --label stable --package 'openssl*' --since 24h -o jsonl

  # One artifact in full
  pkgshift artifacts zlib-1.3.tar`,
	Args: cobra.MaximumNArgs(1),
	RunE: runArtifacts,
}

func init() {
	flags := artifactsCmd.Flags()
	flags.StringVarP(&artifactsOutput, "output", "o", "default", "Output format (default or jsonl)")
	flags.StringVarP(&artifactsLabel, "label", "l", "", "Only artifacts carrying this label")
	flags.StringVar(&artifactsPackage, "package", "", "Only packages matching this glob")
	flags.StringVar(&artifactsSource, "source", "", "Only artifacts built by this job (name-version[.flavor])")
	flags.StringVar(&artifactsSince, "since", "", "Committed after (duration like 1h or RFC3339)")
	flags.StringVar(&artifactsUntil, "until", "", "Committed before (duration like 1h or RFC3339)")
	rootCmd.AddCommand(artifactsCmd)
}

func runArtifacts(cmd *cobra.Command, args []string) error {
	since, until, err := catalog.ParseRange(artifactsSince, artifactsUntil, time.Now())
	if err != nil {
		return printer.Error("invalid time range", err.Error(), nil)
	}

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

	if len(args) == 1 {
		if err := catalog.GetArtifact(ctx, client, args[0], os.Stdout); err != nil {
			if catalog.IsNotFound(err) {
				return printer.Error("artifact not found", err.Error(),
					[]string{fmt.Sprintf("List what namespace %s holds:\n  pkgshift artifacts", cfg.Ledger.Namespace)})
			}
			return err
		}
		return nil
	}

	criteria := &catalog.Criteria{
		SinceMs:     since,
		UntilMs:     until,
		PackageGlob: artifactsPackage,
		Label:       artifactsLabel,
		Source:      artifactsSource,
	}
	return catalog.ListArtifacts(ctx, client, cfg.Ledger.Namespace, catalog.OutputFormat(artifactsOutput), criteria, os.Stdout, os.Stderr)
}
