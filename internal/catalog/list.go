// Package catalog lists and inspects the artifacts recorded in the ledger.
package catalog

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/dyluth/pkgshift/internal/ledger"
)

// OutputFormat specifies how to format the artifact list output.
type OutputFormat string

const (
	// OutputFormatDefault renders an aligned table
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL outputs complete artifacts as line-delimited JSON
	OutputFormatJSONL OutputFormat = "jsonl"
)

// Source reads artifacts from the ledger.
type Source interface {
	Names(ctx context.Context) ([]string, error)
	GetArtifact(ctx context.Context, name string) (*ledger.Artifact, error)
}

// ListArtifacts writes every artifact matching criteria to w, oldest commit
// first. Unreadable artifacts are reported to warn and skipped.
func ListArtifacts(ctx context.Context, src Source, namespace string, format OutputFormat, criteria *Criteria, w, warn io.Writer) error {
	names, err := src.Names(ctx)
	if err != nil {
		return err
	}

	var artifacts []*ledger.Artifact
	for _, name := range names {
		a, err := src.GetArtifact(ctx, name)
		if err != nil {
			if ledger.IsNotFound(err) {
				// removed between scan and read
				continue
			}
			fmt.Fprintf(warn, "⚠️  Skipping malformed artifact: name=%s (error: %v)\n", name, err)
			continue
		}
		if criteria != nil && !criteria.Matches(a) {
			continue
		}
		artifacts = append(artifacts, a)
	}

	sort.SliceStable(artifacts, func(i, j int) bool {
		return artifacts[i].CommittedAtMs < artifacts[j].CommittedAtMs
	})

	switch format {
	case OutputFormatDefault, "":
		FormatTable(w, artifacts, namespace)
	case OutputFormatJSONL:
		if err := FormatJSONL(w, artifacts); err != nil {
			return fmt.Errorf("failed to format JSONL output: %w", err)
		}
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
	return nil
}

// GetArtifact writes one artifact as pretty-printed JSON.
func GetArtifact(ctx context.Context, src Source, name string, w io.Writer) error {
	a, err := src.GetArtifact(ctx, name)
	if err != nil {
		if ledger.IsNotFound(err) {
			return &ArtifactNotFoundError{Name: name}
		}
		return fmt.Errorf("failed to fetch artifact: %w", err)
	}
	if err := FormatSingleJSON(w, a); err != nil {
		return fmt.Errorf("failed to format artifact: %w", err)
	}
	return nil
}

// ArtifactNotFoundError is returned by GetArtifact for unknown names.
type ArtifactNotFoundError struct {
	Name string
}

func (e *ArtifactNotFoundError) Error() string {
	return fmt.Sprintf("artifact '%s' not found", e.Name)
}

// IsNotFound returns true if the error is an ArtifactNotFoundError.
func IsNotFound(err error) bool {
	_, ok := err.(*ArtifactNotFoundError)
	return ok
}
