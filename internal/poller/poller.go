// Package poller runs the long-poll loops that feed a worker its tasks.
//
// Each poller serves one (kind, namespace, task queue) triple. The loop
// invariant is capacity first: a free execution slot is acquired before the
// poll goes out, so a delivered task always has somewhere to run and the
// worker never leases work it would have to sit on.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/petrijr/turno/internal/pool"
	"github.com/petrijr/turno/pkg/api"
)

// Config wires one poll loop.
type Config struct {
	Kind      api.TaskKind
	Namespace string
	TaskQueue string

	// Pool provides the execution slots gating the loop.
	Pool *pool.Pool

	// Poll performs one bounded poll. The context carries the poll
	// window deadline; the function blocks until a task arrives or the
	// context ends.
	Poll func(ctx context.Context) (*api.Task, error)

	// Dispatch takes ownership of the task and its slot. It must not
	// block the calling goroutine; execution happens elsewhere.
	Dispatch func(task *api.Task, slot *pool.Slot)

	// PollTimeout bounds one poll round trip. An expired window counts
	// as an empty poll, not an error.
	PollTimeout time.Duration

	// Transport failure backoff. Zero values pick the defaults.
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64

	Observer api.Observer
	Logger   *slog.Logger
}

// Poller owns one poll loop.
type Poller struct {
	cfg     Config
	backoff *backoff
	polls   func(ctx context.Context) (*api.Task, error)
}

// New creates a poller. Pool, Poll and Dispatch are required.
func New(cfg Config) *Poller {
	if cfg.Pool == nil || cfg.Poll == nil || cfg.Dispatch == nil {
		panic("poller: Pool, Poll and Dispatch are required")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Poller{
		cfg:     cfg,
		backoff: newBackoff(cfg.BackoffInitial, cfg.BackoffMax, cfg.BackoffMultiplier),
		polls:   cfg.Poll,
	}
}

// Run loops until stop is cancelled. Stopping is cooperative: a poll
// already in flight finishes its window, and a task it delivers is still
// dispatched rather than dropped, because the source has already recorded
// the lease.
func (p *Poller) Run(stop context.Context) {
	for {
		if stop.Err() != nil {
			return
		}

		slot, err := p.cfg.Pool.Acquire(stop)
		if err != nil {
			if errors.Is(err, api.ErrPoolExhausted) {
				// All slots busy past the acquire timeout. Not a
				// failure; check for stop and try again.
				continue
			}
			return
		}

		task, err := p.pollOnce()
		if err != nil {
			slot.Release()
			p.cfg.Observer.OnPollError(stop, p.cfg.Kind, p.cfg.Namespace, p.cfg.TaskQueue, err)
			delay := p.backoff.next()
			p.cfg.Logger.Warn("poll failed, backing off",
				slog.String("kind", string(p.cfg.Kind)),
				slog.String("task_queue", p.cfg.Namespace+"/"+p.cfg.TaskQueue),
				slog.Duration("retry_in", delay),
				slog.Any("error", err),
			)
			if !sleep(stop, delay) {
				return
			}
			continue
		}

		p.backoff.reset()

		if task == nil {
			slot.Release()
			continue
		}

		p.cfg.Dispatch(task, slot)
	}
}

// pollOnce runs one poll window on a context detached from the stop
// signal, so that stopping the worker does not sever a poll whose task the
// source may already consider leased.
func (p *Poller) pollOnce() (*api.Task, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PollTimeout)
	defer cancel()

	task, err := p.polls(ctx)
	if err != nil {
		// The window closing is an ordinary empty poll.
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, &api.PollTransportError{
			Kind:      p.cfg.Kind,
			Namespace: p.cfg.Namespace,
			TaskQueue: p.cfg.TaskQueue,
			Err:       err,
		}
	}
	return task, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
