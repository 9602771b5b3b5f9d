package commands

import (
	"fmt"
	"time"

	"github.com/dyluth/pkgshift/internal/dockerbuild"
	"github.com/dyluth/pkgshift/internal/printer"
	"github.com/spf13/cobra"
)

var (
	upPort    int
	upImage   string
	upNetwork string
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start a local ledger",
	Long: `Start a Redis ledger container for the namespace, publishing it on
127.0.0.1. Running up again for the same namespace reuses the container.

Examples:
  pkgshift up
  pkgshift up --namespace ci --port 6390`,
	RunE: runUp,
}

func init() {
	upCmd.Flags().IntVarP(&upPort, "port", "p", 0, "Host port (default: first free port from 6379)")
	upCmd.Flags().StringVar(&upImage, "image", dockerbuild.DefaultLedgerImage, "Redis image")
	upCmd.Flags().StringVar(&upNetwork, "network", "", "Docker network to attach the ledger to")
	rootCmd.AddCommand(upCmd)
}

func runUp(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	ns := cfg.Ledger.Namespace

	ctx := cmd.Context()
	cli, err := dockerbuild.NewClient(ctx)
	if err != nil {
		return printer.Error("Docker unavailable", err.Error(), nil)
	}
	defer cli.Close()
	rt := dockerbuild.NewRuntime(cli)

	port := upPort
	if port == 0 {
		if port, err = dockerbuild.LedgerPort(ctx, rt, ns); err != nil {
			return printer.Error("no free ledger port", err.Error(),
				[]string{"Choose one explicitly:\n  pkgshift up --port 6500"})
		}
	}

	printer.Step("Starting ledger for namespace %s on port %d\n", ns, port)
	url, err := dockerbuild.EnsureLedger(ctx, rt, dockerbuild.LedgerOptions{
		Namespace: ns,
		Image:     upImage,
		HostPort:  port,
		Network:   upNetwork,
	})
	if err != nil {
		return printer.ErrorWithContext("failed to start ledger", err.Error(),
			map[string]string{"Container": dockerbuild.LedgerContainerName(ns)}, nil)
	}

	cfg.Ledger.RedisURL = url
	logger, err := newLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	// Redis needs a moment after the container starts
	deadline := time.Now().Add(15 * time.Second)
	for {
		client, err := openLedger(ctx, url, ns, "", logger)
		if err == nil {
			client.Close()
			break
		}
		if time.Now().After(deadline) {
			return printer.Error("ledger did not become ready", err.Error(),
				[]string{fmt.Sprintf("Check the container:\n  docker logs %s", dockerbuild.LedgerContainerName(ns))})
		}
		time.Sleep(250 * time.Millisecond)
	}

	printer.Success("Ledger ready at %s\n", url)
	printer.Info("\nUse it with:\n  export PKGSHIFT_REDIS_URL=%s\n  export PKGSHIFT_NAMESPACE=%s\n", url, ns)
	return nil
}
