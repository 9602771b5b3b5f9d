package ledger

import "fmt"

// Redis key pattern helpers
//
// All keys and Pub/Sub channels are namespaced so that several pkgshift
// ledgers can share one Redis server.
//
// Key pattern: pkgshift:{namespace}:{entity}:{id}
// Channel pattern: pkgshift:{namespace}:{event_type}_events

// ArtifactKey returns the key of an artifact's hash.
// Pattern: pkgshift:{namespace}:artifact:{name}
func ArtifactKey(namespace, name string) string {
	return fmt.Sprintf("pkgshift:%s:artifact:%s", namespace, name)
}

// LabelKey returns the key of the set of artifacts carrying a label.
// Pattern: pkgshift:{namespace}:label:{label}
func LabelKey(namespace, label string) string {
	return fmt.Sprintf("pkgshift:%s:label:%s", namespace, label)
}

// SourceKey returns the key of the set of artifacts committed for one job.
// Pattern: pkgshift:{namespace}:source:{job}
func SourceKey(namespace, job string) string {
	return fmt.Sprintf("pkgshift:%s:source:%s", namespace, job)
}

// DispatchEventsChannel returns the Pub/Sub channel carrying job transitions.
// Pattern: pkgshift:{namespace}:dispatch_events
func DispatchEventsChannel(namespace string) string {
	return fmt.Sprintf("pkgshift:%s:dispatch_events", namespace)
}
