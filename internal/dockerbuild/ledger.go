package dockerbuild

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
)

// DefaultLedgerImage is the Redis image used for a local ledger.
const DefaultLedgerImage = "redis:7-alpine"

const ledgerPort nat.Port = "6379/tcp"

// Host port range for ledger containers, one port per namespace.
const (
	firstLedgerPort = 6379
	lastLedgerPort  = 6478
)

// LedgerOptions describes a local ledger container.
type LedgerOptions struct {
	Namespace string
	Image     string
	HostPort  int // Published on 127.0.0.1
	Network   string
}

// EnsureLedger starts the namespace's Redis ledger container, creating it if
// it does not exist yet, and returns the redis:// URL it is reachable on from
// the host.
func EnsureLedger(ctx context.Context, rt Runtime, opts LedgerOptions) (string, error) {
	if opts.Namespace == "" {
		return "", fmt.Errorf("namespace cannot be empty")
	}
	if opts.HostPort <= 0 || opts.HostPort > 65535 {
		return "", fmt.Errorf("invalid ledger port %d", opts.HostPort)
	}
	image := opts.Image
	if image == "" {
		image = DefaultLedgerImage
	}

	labels := BuildLabels(opts.Namespace, ComponentLedger)
	labels[LabelLedgerPort] = strconv.Itoa(opts.HostPort)

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			ledgerPort: []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: strconv.Itoa(opts.HostPort),
				},
			},
		},
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
	}
	if opts.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(opts.Network)
	}

	name := LedgerContainerName(opts.Namespace)
	id, err := rt.Create(ctx, &container.Config{
		Image:  image,
		Labels: labels,
		ExposedPorts: nat.PortSet{
			ledgerPort: struct{}{},
		},
	}, hostConfig, name)
	switch {
	case errdefs.IsConflict(err):
		// already created by an earlier run; starting it again is a no-op
		id = name
	case err != nil:
		return "", fmt.Errorf("failed to create ledger container: %w", err)
	}

	if err := rt.Start(ctx, id); err != nil {
		return "", fmt.Errorf("failed to start ledger container: %w", err)
	}

	return fmt.Sprintf("redis://127.0.0.1:%d", opts.HostPort), nil
}

// LedgerPort returns the host port of the namespace's existing ledger
// container, or the first free port in the ledger range when there is none.
// A port is free when no pkgshift ledger claims it and it can be bound.
func LedgerPort(ctx context.Context, rt Runtime, namespace string) (int, error) {
	containers, err := rt.List(ctx, map[string]string{
		LabelProject:   "true",
		LabelComponent: ComponentLedger,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to query Docker containers: %w", err)
	}

	used := make(map[int]bool)
	for _, c := range containers {
		port, err := strconv.Atoi(c.Labels[LabelLedgerPort])
		if err != nil {
			continue
		}
		if c.Labels[LabelNamespace] == namespace {
			return port, nil
		}
		used[port] = true
	}

	for port := firstLedgerPort; port <= lastLedgerPort; port++ {
		if !used[port] && portBindable(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available ledger ports (range %d-%d exhausted)", firstLedgerPort, lastLedgerPort)
}

var portBindable = func(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
