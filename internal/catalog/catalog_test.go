package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/pkgshift/internal/ledger"
	"github.com/dyluth/pkgshift/pkg/dispatch"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLedger(t *testing.T) *ledger.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := ledger.NewClient(&redis.Options{Addr: mr.Addr()}, "test-ns")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func seed(t *testing.T, client *ledger.Client) {
	t.Helper()
	ctx := context.Background()
	_, err := client.Commit(ctx, []dispatch.Build{
		{ID: dispatch.JobID{Name: "zlib", Version: "1.3"}, Handle: "0123456789abcdef", Outputs: []string{"zlib-1.3.tar"}},
		{ID: dispatch.JobID{Name: "curl", Version: "8.5"}},
	})
	require.NoError(t, err)
	_, err = client.Promote(ctx, []string{"zlib-1.3.tar"}, "candidate", "stable")
	require.NoError(t, err)
}

func TestListArtifacts(t *testing.T) {
	ctx := context.Background()

	t.Run("empty ledger - default format", func(t *testing.T) {
		client := setupLedger(t)
		var buf bytes.Buffer
		require.NoError(t, ListArtifacts(ctx, client, "test-ns", OutputFormatDefault, nil, &buf, &bytes.Buffer{}))
		assert.Contains(t, buf.String(), "No artifacts found in namespace 'test-ns'")
	})

	t.Run("table lists every artifact", func(t *testing.T) {
		client := setupLedger(t)
		seed(t, client)

		var buf bytes.Buffer
		require.NoError(t, ListArtifacts(ctx, client, "test-ns", OutputFormatDefault, nil, &buf, &bytes.Buffer{}))

		output := buf.String()
		assert.Contains(t, output, "zlib-1.3.tar")
		assert.Contains(t, output, "curl-8.5")
		assert.Contains(t, output, "stable")
		assert.Contains(t, output, "01234567 ")
		assert.Contains(t, output, "2 artifacts found")
	})

	t.Run("jsonl with label filter", func(t *testing.T) {
		client := setupLedger(t)
		seed(t, client)

		var buf bytes.Buffer
		err := ListArtifacts(ctx, client, "test-ns", OutputFormatJSONL, &Criteria{Label: "candidate"}, &buf, &bytes.Buffer{})
		require.NoError(t, err)

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 1)
		var a ledger.Artifact
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &a))
		assert.Equal(t, "curl-8.5", a.Name)
		assert.Equal(t, "curl", a.Package)
	})

	t.Run("unknown format", func(t *testing.T) {
		client := setupLedger(t)
		err := ListArtifacts(ctx, client, "test-ns", "xml", nil, &bytes.Buffer{}, &bytes.Buffer{})
		assert.ErrorContains(t, err, "unknown output format")
	})

	t.Run("unreadable artifacts are skipped with a warning", func(t *testing.T) {
		src := brokenSource{names: []string{"bad", "gone"}}
		var out, warn bytes.Buffer
		require.NoError(t, ListArtifacts(ctx, src, "test-ns", OutputFormatDefault, nil, &out, &warn))
		assert.Contains(t, warn.String(), "Skipping malformed artifact: name=bad")
		assert.NotContains(t, warn.String(), "gone")
		assert.Contains(t, out.String(), "No artifacts found")
	})
}

type brokenSource struct{ names []string }

func (s brokenSource) Names(context.Context) ([]string, error) { return s.names, nil }

func (s brokenSource) GetArtifact(_ context.Context, name string) (*ledger.Artifact, error) {
	if name == "gone" {
		return nil, redis.Nil
	}
	return nil, errors.New("invalid committed_at_ms field")
}

func TestGetArtifact(t *testing.T) {
	ctx := context.Background()
	client := setupLedger(t)
	seed(t, client)

	var buf bytes.Buffer
	require.NoError(t, GetArtifact(ctx, client, "zlib-1.3.tar", &buf))
	assert.Contains(t, buf.String(), `"label": "stable"`)
	assert.Contains(t, buf.String(), `"source": "zlib-1.3"`)

	err := GetArtifact(ctx, client, "missing", &bytes.Buffer{})
	assert.True(t, IsNotFound(err))
	assert.EqualError(t, err, "artifact 'missing' not found")
}

func TestCriteria(t *testing.T) {
	a := &ledger.Artifact{Name: "openssl-3.2.tar", Source: "openssl-3.2.fips", Package: "openssl.fips", Label: "candidate", CommittedAtMs: 1000}

	testCases := []struct {
		name     string
		criteria Criteria
		want     bool
	}{
		{"empty matches", Criteria{}, true},
		{"since excludes", Criteria{SinceMs: 1001}, false},
		{"until includes", Criteria{UntilMs: 1000}, true},
		{"package glob", Criteria{PackageGlob: "openssl*"}, true},
		{"package glob miss", Criteria{PackageGlob: "zlib*"}, false},
		{"bad glob", Criteria{PackageGlob: "["}, false},
		{"label", Criteria{Label: "stable"}, false},
		{"source", Criteria{Source: "openssl-3.2.fips"}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.criteria.Matches(a))
		})
	}
}

func TestParseRange(t *testing.T) {
	now := time.Date(2025, 10, 29, 14, 0, 0, 0, time.UTC)

	since, until, err := ParseRange("1h", "2025-10-29T13:30:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-time.Hour).UnixMilli(), since)
	assert.Equal(t, now.Add(-30*time.Minute).UnixMilli(), until)

	_, _, err = ParseRange("10m", "1h", now)
	assert.ErrorContains(t, err, "--since must be before --until")

	_, _, err = ParseRange("yesterday", "", now)
	assert.ErrorContains(t, err, "invalid --since")
}

func TestFormatAge(t *testing.T) {
	now := time.UnixMilli(10_000_000)
	assert.Equal(t, "-", formatAge(0, now))
	assert.Equal(t, "5s ago", formatAge(now.Add(-5*time.Second).UnixMilli(), now))
	assert.Equal(t, "3m ago", formatAge(now.Add(-3*time.Minute).UnixMilli(), now))
	assert.Equal(t, "2h ago", formatAge(now.Add(-2*time.Hour).UnixMilli(), now))
}
