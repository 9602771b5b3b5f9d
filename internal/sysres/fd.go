// Package sysres reports how close the current process is to its
// operating-system resource ceilings.
package sysres

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// DefaultFDHeadroom is the number of descriptors kept free by default.
const DefaultFDHeadroom = 64

// fdSource is the subset of *process.Process used by FDGauge.
type fdSource interface {
	NumFDs() (int32, error)
	Rlimit() ([]process.RlimitStat, error)
}

// FDGauge reports saturation when fewer than Headroom file descriptors remain
// below the soft RLIMIT_NOFILE. It implements dispatch.ResourceGauge.
type FDGauge struct {
	proc     fdSource
	headroom int
	logger   *slog.Logger
}

// NewFDGauge creates a gauge for the current process. headroom <= 0 selects
// DefaultFDHeadroom. logger may be nil.
func NewFDGauge(headroom int, logger *slog.Logger) (*FDGauge, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect own process: %w", err)
	}
	return newFDGauge(proc, headroom, logger), nil
}

func newFDGauge(proc fdSource, headroom int, logger *slog.Logger) *FDGauge {
	if headroom <= 0 {
		headroom = DefaultFDHeadroom
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &FDGauge{proc: proc, headroom: headroom, logger: logger}
}

// Usage returns the open descriptor count and the soft limit. A limit of
// zero means it is unknown or unlimited.
func (g *FDGauge) Usage() (open int, limit uint64, err error) {
	n, err := g.proc.NumFDs()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count open file descriptors: %w", err)
	}
	limits, err := g.proc.Rlimit()
	if err != nil {
		return int(n), 0, fmt.Errorf("failed to read resource limits: %w", err)
	}
	for _, l := range limits {
		if l.Resource == process.RLIMIT_NOFILE {
			return int(n), l.Soft, nil
		}
	}
	return int(n), 0, nil
}

// Saturated reports whether admitting another build risks exhausting file
// descriptors. Measurement errors never block admission.
func (g *FDGauge) Saturated() bool {
	open, limit, err := g.Usage()
	if err != nil {
		g.logger.Debug("[Dispatcher] fd gauge unavailable", slog.String("error", err.Error()))
		return false
	}
	if limit == 0 || limit > 1<<31 {
		return false
	}
	free := int64(limit) - int64(open)
	if free > int64(g.headroom) {
		return false
	}
	g.logger.Warn("[Dispatcher] file descriptors near limit",
		slog.Int("open", open),
		slog.Uint64("limit", limit),
		slog.Int("headroom", g.headroom))
	return true
}
