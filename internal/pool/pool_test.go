package pool

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/turno/pkg/api"
)

func TestNew_PanicsOnZeroCapacity(t *testing.T) {
	t.Parallel()

	require.Panics(t, func() { New(0, 0) })
	require.Panics(t, func() { New(-3, 0) })
}

// Five tasks on a two-slot pool never run more than two at once, and all
// five eventually run.
func TestPool_ConcurrencyNeverExceedsCapacity(t *testing.T) {
	t.Parallel()

	p := New(2, 0)
	ctx := context.Background()

	var running, peak, total atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := p.Acquire(ctx)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			_ = slot.Run(func() error {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				running.Add(-1)
				total.Add(1)
				return nil
			})
		}()
	}
	wg.Wait()

	require.Equal(t, int64(5), total.Load())
	require.LessOrEqual(t, peak.Load(), int64(2))
	require.Equal(t, 0, p.Occupied())
}

func TestPool_AcquireBlocksUntilRelease(t *testing.T) {
	t.Parallel()

	p := New(1, 0)
	ctx := context.Background()

	slot, err := p.Acquire(ctx)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		s, err := p.Acquire(ctx)
		if err == nil {
			s.Release()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while the slot is held")
	case <-time.After(50 * time.Millisecond):
	}

	slot.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire should proceed after release")
	}
}

func TestPool_AcquireTimeoutReturnsPoolExhausted(t *testing.T) {
	t.Parallel()

	p := New(1, 30*time.Millisecond)
	ctx := context.Background()

	slot, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer slot.Release()

	start := time.Now()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, api.ErrPoolExhausted)
	require.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestPool_AcquireHonorsCallerContext(t *testing.T) {
	t.Parallel()

	p := New(1, 0)

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer slot.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSlot_ReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	p := New(1, 0)
	ctx := context.Background()

	slot, err := p.Acquire(ctx)
	require.NoError(t, err)

	slot.Release()
	slot.Release()
	slot.Release()

	require.Equal(t, 0, p.Occupied())

	// The single slot is usable again, proving no double-release
	// inflated capacity: a second acquire must block.
	s2, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer s2.Release()
	require.Equal(t, 1, p.Occupied())
}

func TestSlot_RunReleasesOnPanic(t *testing.T) {
	t.Parallel()

	p := New(1, 0)
	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)

	err = slot.Run(func() error { panic("kaboom") })
	require.Error(t, err)
	require.Contains(t, err.Error(), "kaboom")
	require.Equal(t, 0, p.Occupied())
}

func TestSlot_RunPropagatesError(t *testing.T) {
	t.Parallel()

	p := New(1, 0)
	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)

	boom := errors.New("boom")
	require.ErrorIs(t, slot.Run(func() error { return boom }), boom)
	require.Equal(t, 0, p.Occupied())
}

// Random mixes of successes, failures and panics always return the pool to
// zero occupancy.
func TestPool_OccupancyReturnsToZero(t *testing.T) {
	t.Parallel()

	p := New(4, 0)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	outcomes := make([]int, 100)
	for i := range outcomes {
		outcomes[i] = rng.Intn(3)
	}

	var wg sync.WaitGroup
	for _, outcome := range outcomes {
		wg.Add(1)
		go func(outcome int) {
			defer wg.Done()
			slot, err := p.Acquire(ctx)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			_ = slot.Run(func() error {
				switch outcome {
				case 0:
					return nil
				case 1:
					return errors.New("failed")
				default:
					panic("panicked")
				}
			})
		}(outcome)
	}
	wg.Wait()

	require.Equal(t, 0, p.Occupied())

	// All capacity is reusable.
	for i := 0; i < 4; i++ {
		slot, err := p.Acquire(ctx)
		require.NoError(t, err)
		defer slot.Release()
	}
}
