package commands

import (
	"fmt"

	"github.com/dyluth/pkgshift/internal/config"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logFormat  string
	verbose    bool
	namespace  string
	redisURL   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pkgshift",
	Short: "pkgshift - bounded, multi-phase package build dispatcher",
	Long: `pkgshift dispatches package builds to a build service and records the
results in a Redis-backed artifact ledger.

Every build moves through start, monitor, commit and optionally promote.
Each phase has its own concurrency limit and retry budget, and one build's
failure never stops the others.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command. Errors are printed by the printer package,
// so cobra's own error and usage output is silenced.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to pkgshift.yml")
	flags.StringVar(&logFormat, "log-format", "text", "Log format (text or json)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	flags.StringVarP(&namespace, "namespace", "n", "", "Ledger namespace (overrides config and "+config.EnvNamespace+")")
	flags.StringVar(&redisURL, "redis-url", "", "Ledger Redis URL (overrides config and "+config.EnvRedisURL+")")
}
