package commands

import (
	"fmt"
	"os"

	"github.com/dyluth/pkgshift/internal/printer"
	"github.com/dyluth/pkgshift/internal/scaffold"
	"github.com/spf13/cobra"
)

var forceInit bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new pkgshift project",
	Long: `Initialize a new pkgshift project in the current directory.

Creates:
  • pkgshift.yml - dispatcher, builder, ledger and job configuration
  • builds/example/build.sh - example build announcing one artifact

Use --force to reinitialize an existing project (WARNING: overwrites existing configuration).`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite existing project files")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if err := scaffold.Initialize(".", forceInit); err != nil {
		return printer.Error("initialization failed", err.Error(), nil)
	}
	scaffold.PrintSuccess(os.Stdout)
	fmt.Println()
	return nil
}
