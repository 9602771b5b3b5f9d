package dispatch

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotPool_AcquireRelease(t *testing.T) {
	p := NewSlotPool("build", 2, nil)

	assert.True(t, p.Acquire())
	assert.True(t, p.Acquire())
	assert.False(t, p.Acquire(), "pool is exhausted")
	assert.Equal(t, 0, p.Available())
	assert.Equal(t, 2, p.InUse())

	require.NoError(t, p.Release())
	assert.Equal(t, 1, p.Available())
	assert.True(t, p.Acquire())
}

func TestSlotPool_ReleaseAboveCapacity(t *testing.T) {
	p := NewSlotPool("commit", 1, nil)

	err := p.Release()
	assert.ErrorIs(t, err, ErrSlotOverflow)
	assert.Equal(t, 1, p.Available(), "count must not exceed max")
}

func TestSlotPool_MinimumCapacity(t *testing.T) {
	p := NewSlotPool("promote", 0, nil)
	assert.Equal(t, 1, p.Max())
	assert.True(t, p.Acquire())
}

func TestSlotPool_CountStaysInRange(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for _, max := range []int{1, 2, 5} {
		p := NewSlotPool("build", max, nil)
		for i := 0; i < 1000; i++ {
			if rng.Intn(2) == 0 {
				p.Acquire()
			} else {
				_ = p.Release()
			}
			n := p.Available()
			require.GreaterOrEqual(t, n, 0)
			require.LessOrEqual(t, n, max)
		}
	}
}

func TestSlotPool_Concurrent(t *testing.T) {
	p := NewSlotPool("build", 3, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 100; k++ {
				if p.Acquire() {
					assert.LessOrEqual(t, p.InUse(), 3)
					assert.NoError(t, p.Release())
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, p.Available())
}
