package source

import (
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a Queue implementation backed by maps. It is safe for
// concurrent use. Blocked Dequeue calls are woken by enqueues and nacks;
// delayed records and expiring leases are picked up by a timer armed to
// the next eligibility change.
type InMemoryQueue struct {
	mu      sync.Mutex
	records map[string]*memRecord
	wake    chan struct{}
}

type memRecord struct {
	rec        Record
	owner      string
	leaseUntil time.Time
}

// NewInMemoryQueue creates a new empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		records: make(map[string]*memRecord),
		wake:    make(chan struct{}),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, rec Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.records[rec.ID]; ok {
		return nil
	}

	if rec.EnqueuedAt.IsZero() {
		rec.EnqueuedAt = time.Now()
	}
	if rec.NotBefore.IsZero() {
		rec.NotBefore = rec.EnqueuedAt
	}

	q.records[rec.ID] = &memRecord{rec: rec}
	q.notify()
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, key, owner string, leaseTTL time.Duration) (*Record, error) {
	for {
		now := time.Now()

		q.mu.Lock()
		var best *memRecord
		var wakeAt time.Time

		for _, mr := range q.records {
			if mr.rec.Key != key {
				continue
			}
			at := eligibleAt(mr)
			if at.After(now) {
				if wakeAt.IsZero() || at.Before(wakeAt) {
					wakeAt = at
				}
				continue
			}
			if best == nil || deliverBefore(&mr.rec, &best.rec) {
				best = mr
			}
		}

		if best != nil {
			best.rec.Attempt++
			best.owner = owner
			best.leaseUntil = now.Add(leaseTTL)
			rec := best.rec
			q.mu.Unlock()
			return &rec, nil
		}

		wakeCh := q.wake
		q.mu.Unlock()

		var timer *time.Timer
		var timerC <-chan time.Time
		if !wakeAt.IsZero() {
			timer = time.NewTimer(time.Until(wakeAt))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-wakeCh:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (q *InMemoryQueue) Ack(ctx context.Context, id, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	mr := q.held(id, owner)
	if mr == nil {
		return ErrLeaseLost
	}

	delete(q.records, id)
	return nil
}

func (q *InMemoryQueue) Nack(ctx context.Context, id, owner string, notBefore time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	mr := q.held(id, owner)
	if mr == nil {
		return ErrLeaseLost
	}

	if notBefore.IsZero() {
		notBefore = time.Now()
	}
	mr.owner = ""
	mr.leaseUntil = time.Time{}
	mr.rec.NotBefore = notBefore
	q.notify()
	return nil
}

func (q *InMemoryQueue) RenewLease(ctx context.Context, id, owner string, leaseTTL time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	mr := q.held(id, owner)
	if mr == nil {
		return ErrLeaseLost
	}

	mr.leaseUntil = time.Now().Add(leaseTTL)
	return nil
}

func (q *InMemoryQueue) Len(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, mr := range q.records {
		if mr.rec.Key == key {
			n++
		}
	}
	return n
}

// held returns the record if the caller still holds a live lease on it.
// Callers must hold q.mu.
func (q *InMemoryQueue) held(id, owner string) *memRecord {
	mr, ok := q.records[id]
	if !ok || mr.owner != owner || !mr.leaseUntil.After(time.Now()) {
		return nil
	}
	return mr
}

// notify wakes all blocked Dequeue calls. Callers must hold q.mu.
func (q *InMemoryQueue) notify() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// eligibleAt returns the earliest time the record may be delivered:
// its NotBefore, or the lease expiry while it is held.
func eligibleAt(mr *memRecord) time.Time {
	at := mr.rec.NotBefore
	if mr.owner != "" && mr.leaseUntil.After(at) {
		at = mr.leaseUntil
	}
	return at
}

// deliverBefore orders two eligible records: earlier NotBefore first,
// then enqueue order, with the ID as a deterministic tie-breaker.
func deliverBefore(a, b *Record) bool {
	if !a.NotBefore.Equal(b.NotBefore) {
		return a.NotBefore.Before(b.NotBefore)
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.ID < b.ID
}
