package crew

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// EnvWorkerIndex is the environment variable carrying the child's index,
// set by the supervising Crew on every worker process it launches.
const EnvWorkerIndex = "TURNO_CREW_WORKER"

const (
	DefaultRestartBackoff    = time.Second
	DefaultMaxRestartBackoff = 30 * time.Second
	DefaultShutdownTimeout   = 30 * time.Second
)

// Config wires a Crew.
type Config struct {
	// Size is the number of worker processes to keep running. Required.
	Size int

	// Command is the argv of each worker process. Empty re-executes the
	// current binary with the same arguments; the child tells itself
	// apart from the supervisor via IsWorkerProcess.
	Command []string

	// Env entries appended to the inherited environment of each child.
	Env []string

	// RestartBackoff is the delay before replacing a crashed child. It
	// doubles per consecutive crash up to MaxRestartBackoff and resets
	// once a child stays up past MaxRestartBackoff.
	RestartBackoff    time.Duration
	MaxRestartBackoff time.Duration

	// ShutdownTimeout bounds how long a child may take to exit after
	// SIGTERM before it is killed.
	ShutdownTimeout time.Duration

	// Stdout and Stderr receive the children's output, interleaved.
	// Nil means the supervisor's own streams.
	Stdout io.Writer
	Stderr io.Writer

	Logger *slog.Logger
}

// Crew supervises a fixed number of worker processes. Each index is
// supervised independently: a crashed child is replaced with backoff while
// its siblings keep running untouched. Children share no state through the
// Crew; coordination happens via the task source they poll.
type Crew struct {
	cfg    Config
	logger *slog.Logger

	restarts atomic.Int64
}

// New creates a Crew. Size must be positive.
func New(cfg Config) (*Crew, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("crew: Config.Size must be > 0, got %d", cfg.Size)
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = DefaultRestartBackoff
	}
	if cfg.MaxRestartBackoff <= 0 {
		cfg.MaxRestartBackoff = DefaultMaxRestartBackoff
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Crew{cfg: cfg, logger: cfg.Logger}, nil
}

// Restarts returns how many crashed children have been replaced.
func (c *Crew) Restarts() int64 { return c.restarts.Load() }

// Run launches the workers and supervises them until ctx ends or the
// process receives SIGINT or SIGTERM, then forwards SIGTERM to every child
// and waits for all of them to exit.
//
// Run returns nil after an orderly shutdown, and also when every child has
// exited cleanly on its own. A child that cannot be launched at all is a
// configuration problem, not a crash: it shuts the whole crew down and its
// error is returned.
func (c *Crew) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c.logger.Info("crew starting", slog.Int("size", c.cfg.Size))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Size; i++ {
		i := i
		g.Go(func() error {
			return c.supervise(gctx, i)
		})
	}
	err := g.Wait()

	c.logger.Info("crew stopped",
		slog.Int("size", c.cfg.Size),
		slog.Int64("restarts", c.restarts.Load()),
	)
	return err
}

// supervise keeps one worker index alive. It returns nil when the child
// exits cleanly or the context ends, and an error only when a child could
// not be launched.
func (c *Crew) supervise(ctx context.Context, index int) error {
	backoff := c.cfg.RestartBackoff

	for {
		if ctx.Err() != nil {
			return nil
		}

		started := time.Now()
		err := c.runChild(ctx, index)

		if ctx.Err() != nil {
			// Orderly shutdown; the exit status does not matter.
			return nil
		}
		if err == nil {
			c.logger.Info("worker exited cleanly", slog.Int("worker", index))
			return nil
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return fmt.Errorf("crew: worker %d: %w", index, err)
		}

		if time.Since(started) >= c.cfg.MaxRestartBackoff {
			backoff = c.cfg.RestartBackoff
		}
		c.restarts.Add(1)
		c.logger.Warn("worker crashed, restarting",
			slog.Int("worker", index),
			slog.Duration("backoff", backoff),
			slog.Any("error", err),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.cfg.MaxRestartBackoff)
	}
}

// runChild runs one worker process to completion. Context cancellation
// sends the child SIGTERM and escalates to SIGKILL after ShutdownTimeout.
func (c *Crew) runChild(ctx context.Context, index int) error {
	argv := c.cfg.Command
	if len(argv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return err
		}
		argv = append([]string{exe}, os.Args[1:]...)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), c.cfg.Env...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", EnvWorkerIndex, index))
	cmd.Stdout = c.cfg.Stdout
	cmd.Stderr = c.cfg.Stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = c.cfg.ShutdownTimeout

	if err := cmd.Start(); err != nil {
		return err
	}
	c.logger.Info("worker started",
		slog.Int("worker", index),
		slog.Int("pid", cmd.Process.Pid),
	)
	return cmd.Wait()
}

// IsWorkerProcess reports whether this process was launched by a Crew.
func IsWorkerProcess() bool {
	_, ok := os.LookupEnv(EnvWorkerIndex)
	return ok
}

// WorkerIndex returns the index the supervising Crew assigned to this
// process, counting from zero.
func WorkerIndex() (int, bool) {
	v, ok := os.LookupEnv(EnvWorkerIndex)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
