// Package ledger is the Redis-backed artifact repository used by pkgshift.
// Committed build outputs are stored as hashes and indexed by label and by
// source job; dispatcher state transitions are published on a Pub/Sub channel.
package ledger

import (
	"errors"
	"fmt"
	"strconv"
)

// Artifact is one committed build output.
type Artifact struct {
	Name          string `json:"name"`    // Unique identity within the namespace
	Source        string `json:"source"`  // Job that produced it (name-version[.flavor])
	Package       string `json:"package"` // Logical package (name[.flavor])
	Version       string `json:"version"`
	Handle        string `json:"handle,omitempty"` // Build handle at the execution service
	Label         string `json:"label"`            // Current distribution label
	CommittedAtMs int64  `json:"committed_at_ms"`
	PromotedAtMs  int64  `json:"promoted_at_ms,omitempty"`
}

// Validate checks that the artifact can be written.
func (a *Artifact) Validate() error {
	if a.Name == "" {
		return errors.New("artifact name cannot be empty")
	}
	if a.Source == "" {
		return fmt.Errorf("artifact %s has no source job", a.Name)
	}
	if a.Label == "" {
		return fmt.Errorf("artifact %s has no label", a.Name)
	}
	return nil
}

// ArtifactToHash converts an Artifact to its Redis hash fields.
func ArtifactToHash(a *Artifact) map[string]interface{} {
	return map[string]interface{}{
		"name":            a.Name,
		"source":          a.Source,
		"package":         a.Package,
		"version":         a.Version,
		"handle":          a.Handle,
		"label":           a.Label,
		"committed_at_ms": a.CommittedAtMs,
		"promoted_at_ms":  a.PromotedAtMs,
	}
}

// HashToArtifact converts Redis hash fields back to an Artifact.
func HashToArtifact(hash map[string]string) (*Artifact, error) {
	committed, err := strconv.ParseInt(hash["committed_at_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid committed_at_ms field: %w", err)
	}
	// promoted_at_ms is absent on artifacts written before their first promotion
	promoted, _ := strconv.ParseInt(hash["promoted_at_ms"], 10, 64)

	return &Artifact{
		Name:          hash["name"],
		Source:        hash["source"],
		Package:       hash["package"],
		Version:       hash["version"],
		Handle:        hash["handle"],
		Label:         hash["label"],
		CommittedAtMs: committed,
		PromotedAtMs:  promoted,
	}, nil
}
