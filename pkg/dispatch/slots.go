package dispatch

import (
	"log/slog"
	"sync"
)

// SlotPool is a bounded counter used for admission control of one phase.
// Count stays within [0, max]. It never blocks: callers poll Acquire.
// SlotPool is safe for concurrent use.
type SlotPool struct {
	name   string
	logger *slog.Logger

	mu    sync.Mutex
	count int
	max   int
}

// NewSlotPool creates a pool with max free slots. max below 1 is raised to 1.
func NewSlotPool(name string, max int, logger *slog.Logger) *SlotPool {
	if max < 1 {
		max = 1
	}
	return &SlotPool{
		name:   name,
		logger: orDiscard(logger),
		count:  max,
		max:    max,
	}
}

// Acquire takes one slot. It returns false, and changes nothing, when the pool
// is exhausted.
func (p *SlotPool) Acquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.count == 0 {
		return false
	}
	p.count--
	return true
}

// Release returns one slot. A release that would exceed max is a caller
// defect: it is logged, rejected, and reported as ErrSlotOverflow.
func (p *SlotPool) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.count >= p.max {
		p.logger.Error("[Dispatcher] slot released above capacity",
			slog.String("pool", p.name),
			slog.Int("max", p.max))
		return ErrSlotOverflow
	}
	p.count++
	return nil
}

// Available returns the number of free slots.
func (p *SlotPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// InUse returns the number of acquired slots.
func (p *SlotPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.max - p.count
}

// Max returns the pool capacity.
func (p *SlotPool) Max() int { return p.max }
