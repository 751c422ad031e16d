// Package sticky caches live workflow executions between tasks and
// serializes access to them per run.
//
// A run's execution lives in exactly one of two places: held by the worker
// goroutine currently advancing it, or parked in an LRU of idle executions.
// Only idle executions are evictable; a held one is pinned until its lease
// is released. Eviction is always safe because history can rebuild any
// execution from scratch.
package sticky

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/petrijr/turno/internal/replay"
)

// Cache owns the idle executions and the per-run locks.
type Cache struct {
	mu    sync.Mutex
	locks map[string]*runLock
	idle  *lru.Cache[string, *replay.Execution]

	// pinning suppresses the evict callback while Acquire moves an entry
	// from idle to held; that transition is not an eviction.
	pinning string

	onEvict func(runID string)
}

// runLock serializes task execution for one run. The buffered channel
// holds the exclusivity token; refs counts lease holders and waiters so the
// entry can be dropped when the last one leaves.
type runLock struct {
	ch   chan struct{}
	refs int
}

// New creates a cache that keeps up to capacity idle executions.
// capacity <= 0 disables caching entirely: every acquire is a miss and
// nothing is retained, which degrades every workflow task to a cold replay
// but stays correct.
//
// onEvict, if non-nil, is called for each execution dropped by capacity
// pressure or Cache.Remove. It runs with internal locks held and must not
// call back into the cache.
func New(capacity int, onEvict func(runID string)) *Cache {
	c := &Cache{
		locks:   make(map[string]*runLock),
		onEvict: onEvict,
	}
	if capacity > 0 {
		// The constructor only fails for capacity <= 0. The callback
		// runs synchronously under c.mu, so reading pinning is safe.
		c.idle, _ = lru.NewWithEvict[string, *replay.Execution](capacity, func(runID string, _ *replay.Execution) {
			if runID == c.pinning {
				return
			}
			if c.onEvict != nil {
				c.onEvict(runID)
			}
		})
	}
	return c
}

// Acquire takes the exclusive lease for runID, blocking while another
// holder has it. The returned lease carries the cached execution for the
// run, or nil on a miss.
func (c *Cache) Acquire(ctx context.Context, runID string) (*Lease, error) {
	c.mu.Lock()
	l := c.locks[runID]
	if l == nil {
		l = &runLock{ch: make(chan struct{}, 1)}
		c.locks[runID] = l
	}
	l.refs++
	c.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		c.release(runID, l)
		return nil, ctx.Err()
	}

	c.mu.Lock()
	var exec *replay.Execution
	var hit bool
	if c.idle != nil {
		if e, ok := c.idle.Get(runID); ok {
			exec = e
			hit = true
			// While held, the execution must not be evictable.
			c.pinning = runID
			c.idle.Remove(runID)
			c.pinning = ""
		}
	}
	c.mu.Unlock()

	return &Lease{cache: c, runID: runID, lock: l, exec: exec, hit: hit}, nil
}

// Remove drops the idle execution for runID, if any. Held executions are
// unaffected; their lease decides their fate on release.
func (c *Cache) Remove(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idle != nil {
		c.idle.Remove(runID)
	}
}

// Len returns the number of idle executions currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idle == nil {
		return 0
	}
	return c.idle.Len()
}

func (c *Cache) release(runID string, l *runLock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(c.locks, runID)
	}
}

// Lease is exclusive access to one run's execution slot. Exactly one of
// Keep or Discard decides what happens to the execution, then Release
// returns the exclusivity. Release without a prior Keep discards.
type Lease struct {
	cache *Cache
	runID string
	lock  *runLock
	exec  *replay.Execution
	hit   bool

	keep     *replay.Execution
	released bool
}

// Execution returns the cached execution, or nil if the acquire missed.
func (l *Lease) Execution() *replay.Execution { return l.exec }

// Hit reports whether the acquire found a cached execution.
func (l *Lease) Hit() bool { return l.hit }

// Keep parks exec in the idle cache when the lease is released.
func (l *Lease) Keep(exec *replay.Execution) { l.keep = exec }

// Discard drops the execution: nothing is parked on release. The next task
// for the run will replay cold from history.
func (l *Lease) Discard() { l.keep = nil }

// Release parks the kept execution (if any) and hands back exclusivity.
// It is idempotent.
func (l *Lease) Release() {
	if l.released {
		return
	}
	l.released = true

	l.cache.mu.Lock()
	if l.keep != nil && l.cache.idle != nil {
		// Adding may evict the oldest idle entry; that fires onEvict
		// via the LRU callback.
		l.cache.idle.Add(l.runID, l.keep)
	} else if l.keep != nil && l.cache.onEvict != nil {
		// Caching disabled: the kept execution is dropped on the spot.
		l.cache.onEvict(l.runID)
	}
	l.cache.mu.Unlock()

	// Park before unblocking the next holder so it observes the kept
	// execution.
	<-l.lock.ch
	l.cache.release(l.runID, l.lock)
}
