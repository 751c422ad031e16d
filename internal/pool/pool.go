// Package pool provides the bounded execution slots that cap how many
// tasks of one kind a worker runs concurrently.
//
// A slot must be held before a task is polled, so that a worker never
// leases work it has no capacity to run. Slots are released exactly once
// regardless of how the task ends, including panics.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/petrijr/turno/pkg/api"
)

// Pool is a fixed-capacity set of execution slots.
type Pool struct {
	sem            *semaphore.Weighted
	capacity       int
	acquireTimeout time.Duration
	occupied       atomic.Int64
}

// New creates a pool with the given capacity. capacity must be >= 1.
//
// acquireTimeout bounds how long Acquire waits for a free slot; zero means
// wait until the caller's context ends.
func New(capacity int, acquireTimeout time.Duration) *Pool {
	if capacity < 1 {
		panic(fmt.Sprintf("pool: capacity must be >= 1, got %d", capacity))
	}
	return &Pool{
		sem:            semaphore.NewWeighted(int64(capacity)),
		capacity:       capacity,
		acquireTimeout: acquireTimeout,
	}
}

// Acquire blocks until a slot is free, the acquire timeout elapses, or ctx
// ends. A timeout returns api.ErrPoolExhausted; context cancellation
// returns ctx.Err().
func (p *Pool) Acquire(ctx context.Context) (*Slot, error) {
	acquireCtx := ctx
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, api.ErrPoolExhausted
	}
	p.occupied.Add(1)
	return &Slot{pool: p}, nil
}

// Capacity returns the fixed slot count.
func (p *Pool) Capacity() int { return p.capacity }

// Occupied returns how many slots are currently held.
func (p *Pool) Occupied() int { return int(p.occupied.Load()) }

// Slot is one unit of execution capacity. The zero value is not usable;
// slots come from Acquire.
type Slot struct {
	pool *Pool
	once sync.Once
}

// Release returns the slot to the pool. It is safe to call multiple times;
// only the first call has an effect.
func (s *Slot) Release() {
	s.once.Do(func() {
		s.pool.occupied.Add(-1)
		s.pool.sem.Release(1)
	})
}

// Run executes fn on the slot and releases it when fn returns, no matter
// how: normal return, error return or panic. A panic is recovered and
// reported as an error so the caller's goroutine survives.
func (s *Slot) Run(fn func() error) (err error) {
	defer s.Release()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pool: task panicked: %v", r)
		}
	}()
	return fn()
}
