package dockerbuild

import (
	"fmt"
	"strings"

	"github.com/dyluth/pkgshift/pkg/dispatch"
)

// Label keys used for pkgshift containers
const (
	LabelProject    = "pkgshift.project"
	LabelNamespace  = "pkgshift.namespace"
	LabelComponent  = "pkgshift.component"
	LabelJob        = "pkgshift.job"
	LabelPackage    = "pkgshift.package"
	LabelVersion    = "pkgshift.version"
	LabelLedgerPort = "pkgshift.ledger.port"
)

// Component label values
const (
	ComponentBuild  = "build"
	ComponentLedger = "ledger"
)

// BuildLabels creates the standard label set for pkgshift containers.
// component may be empty.
func BuildLabels(namespace, component string) map[string]string {
	labels := map[string]string{
		LabelProject:   "true",
		LabelNamespace: namespace,
	}
	if component != "" {
		labels[LabelComponent] = component
	}
	return labels
}

// JobLabels extends BuildLabels with the job's identity.
func JobLabels(namespace string, id dispatch.JobID) map[string]string {
	labels := BuildLabels(namespace, ComponentBuild)
	labels[LabelJob] = id.String()
	labels[LabelPackage] = id.Package()
	labels[LabelVersion] = id.Version
	return labels
}

// BuildContainerName returns the container name for one build attempt.
// suffix keeps retried starts of the same job from colliding.
func BuildContainerName(namespace string, id dispatch.JobID, suffix string) string {
	return sanitizeName(fmt.Sprintf("pkgshift-%s-build-%s-%s", namespace, id, suffix))
}

// sanitizeName maps characters Docker rejects in container names to '_'.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '_', r == '.', r == '-':
			return r
		}
		return '_'
	}, name)
}

// LedgerContainerName returns the Redis ledger container name for a namespace.
func LedgerContainerName(namespace string) string {
	return fmt.Sprintf("pkgshift-ledger-%s", namespace)
}
