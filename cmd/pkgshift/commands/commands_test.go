package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/pkgshift/internal/config"
	"github.com/dyluth/pkgshift/internal/ledger"
	"github.com/dyluth/pkgshift/internal/printer"
	"github.com/dyluth/pkgshift/pkg/dispatch"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func specs(ids ...dispatch.JobID) []dispatch.JobSpec {
	out := make([]dispatch.JobSpec, len(ids))
	for i, id := range ids {
		out[i] = dispatch.JobSpec{ID: id}
	}
	return out
}

func TestSelectSpecs(t *testing.T) {
	all := specs(
		dispatch.JobID{Name: "openssl", Version: "3.2"},
		dispatch.JobID{Name: "openssl", Version: "3.2", Flavor: "fips"},
		dispatch.JobID{Name: "zlib", Version: "1.3"},
	)

	got, err := selectSpecs(all, nil)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = selectSpecs(all, []string{"openssl"})
	require.NoError(t, err)
	assert.Len(t, got, 2, "name matches every flavor")

	got, err = selectSpecs(all, []string{"openssl.fips", "zlib-1.3"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "fips", got[0].ID.Flavor)
	assert.Equal(t, "zlib", got[1].ID.Name)

	_, err = selectSpecs(all, []string{"curl"})
	assert.ErrorContains(t, err, `no job matches "curl"`)
}

func TestApplyBuildFlags(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().StringVar(&buildPolicy, "policy", "", "")
	cmd.Flags().IntVar(&buildMaxBuilds, "max-builds", 0, "")
	cmd.Flags().IntVar(&buildRetries, "retries", 0, "")
	cmd.Flags().StringVar(&buildPromoteTo, "promote-to", "", "")
	cmd.Flags().StringVar(&buildKind, "builder", "", "")

	cfg := &config.PkgshiftConfig{
		Version: "1.0",
		Builder: &config.BuilderConfig{Kind: config.BuilderLocal},
		Jobs:    []config.Job{{Name: "zlib", Version: "1.3", Command: []string{"make"}}},
	}
	require.NoError(t, cfg.Validate())
	require.NoError(t, cmd.Flags().Set("policy", "deferred"))
	require.NoError(t, cmd.Flags().Set("retries", "0"))
	require.NoError(t, cmd.Flags().Set("promote-to", "stable"))
	require.NoError(t, cmd.Flags().Set("builder", "local"))

	require.NoError(t, applyBuildFlags(cmd, cfg))
	assert.Equal(t, "deferred", cfg.Dispatcher.CommitPolicy)
	assert.Equal(t, 0, *cfg.Dispatcher.MaxRetries)
	assert.Equal(t, dispatch.DefaultConfig().MaxBuilds, cfg.Dispatcher.MaxBuilds, "unset flags keep the file value")
	assert.Equal(t, "candidate", cfg.Dispatcher.Promote.From)

	require.NoError(t, cmd.Flags().Set("max-builds", "-1"))
	assert.ErrorContains(t, applyBuildFlags(cmd, cfg), "max_builds must be >= 1")
}

func TestNewLogger(t *testing.T) {
	t.Cleanup(func() { logFormat, verbose = "text", false })

	var buf bytes.Buffer
	logFormat, verbose = "json", true
	logger, err := newLogger(&buf)
	require.NoError(t, err)
	logger.Debug("[Dispatcher] tick", "jobs", 2)
	assert.Contains(t, buf.String(), `"msg":"[Dispatcher] tick"`)

	logFormat = "xml"
	_, err = newLogger(&buf)
	assert.EqualError(t, err, "invalid log format")
}

func TestBuildCommand_LocalEndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "pkgshift.yml")
	require.NoError(t, os.WriteFile(path, []byte(`version: "1.0"
dispatcher:
  max_builds: 2
  poll_interval: 10ms
  commit_policy: first-ready
  promote:
    to: stable
builder:
  kind: local
ledger:
  namespace: e2e
jobs:
  - name: hello
    version: "1"
    command: ["sh", "-c", "echo '::artifact hello-1.txt'"]
  - name: hello
    version: "2"
    command: ["sh", "-c", "echo building"]
`), 0644))

	var out bytes.Buffer
	printer.SetOutput(&out, nil)
	t.Cleanup(func() { printer.SetOutput(os.Stdout, nil) })

	rootCmd.SetArgs([]string{"build", "--config", path, "--redis-url", "redis://" + mr.Addr(), "--log-format", "json"})
	require.NoError(t, Execute())

	assert.Contains(t, out.String(), "All 2 jobs committed")
	assert.Contains(t, out.String(), "hello-1.txt@stable")

	client, err := ledger.NewClient(&redis.Options{Addr: mr.Addr()}, "e2e")
	require.NoError(t, err)
	defer client.Close()

	stable, err := client.List(context.Background(), "stable")
	require.NoError(t, err)
	assert.Equal(t, []string{"hello-1.txt", "hello-2"}, stable)
}
