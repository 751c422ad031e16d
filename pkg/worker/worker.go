package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/turno/internal/pool"
	"github.com/petrijr/turno/internal/poller"
	"github.com/petrijr/turno/internal/replay"
	"github.com/petrijr/turno/internal/resolve"
	"github.com/petrijr/turno/internal/sticky"
	"github.com/petrijr/turno/pkg/api"
)

const (
	// DefaultWorkflowSlots and DefaultActivitySlots cap concurrent task
	// execution per kind when the config leaves them zero.
	DefaultWorkflowSlots = 16
	DefaultActivitySlots = 64

	// DefaultStickyCacheSize is the number of idle workflow executions
	// kept between tasks.
	DefaultStickyCacheSize = 1024

	// DefaultPollTimeout bounds one long-poll round trip.
	DefaultPollTimeout = 30 * time.Second

	// DefaultWorkflowTaskTimeout is the processing budget for one
	// workflow task.
	DefaultWorkflowTaskTimeout = 10 * time.Second
)

// State is a worker lifecycle phase. Transitions are one-way:
// created -> running -> draining -> stopped.
type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

const (
	stateCreated int32 = iota
	stateRunning
	stateDraining
	stateStopped
)

// ActivityFunc is the implementation of one activity. It receives the
// scheduled input payload and returns the result payload. The context
// carries the task's ActivityContext handle (see ActivityFromContext) and
// is cancelled when the attempt's execution budget elapses.
type ActivityFunc func(ctx context.Context, input []byte) ([]byte, error)

// Config wires a Worker.
type Config struct {
	// Source delivers tasks and receives completions. Required.
	Source api.TaskSource

	// Namespace, TaskQueue, RunTimeout, ExecutionTimeout and Retry form
	// the worker-level attribute layer. Registrations that do not set
	// their own values inherit them.
	Namespace        string
	TaskQueue        string
	RunTimeout       time.Duration
	ExecutionTimeout time.Duration
	Retry            *api.RetryPolicy

	// WorkflowSlots and ActivitySlots are the execution pool capacities.
	// Zero picks the defaults.
	WorkflowSlots int
	ActivitySlots int

	// SlotAcquireTimeout bounds how long a poller waits for a free slot
	// before checking for stop and trying again. Zero blocks until a
	// slot frees up.
	SlotAcquireTimeout time.Duration

	// PollTimeout bounds one long-poll round trip. An expired window is
	// an empty poll, not an error.
	PollTimeout time.Duration

	// StickyCacheSize caps the idle workflow executions kept between
	// tasks. Zero picks the default; negative disables caching, which
	// degrades every workflow task to a cold replay but stays correct.
	StickyCacheSize int

	// WorkflowTaskTimeout is the processing budget for one workflow
	// task, including the wait for the run's execution lock. A task
	// exceeding it is abandoned and redelivered by the source.
	WorkflowTaskTimeout time.Duration

	// DrainTimeout bounds how long Stop waits for in-flight tasks.
	// Zero waits without bound.
	DrainTimeout time.Duration

	// Identity names this worker in logs and observer callbacks.
	// Defaults to host, pid and a random suffix.
	Identity string

	// Poll transport failure backoff. Zero values pick the poller
	// defaults.
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64

	Logger   *slog.Logger
	Observer api.Observer
}

// Worker owns the pollers, the two execution pools, the sticky execution
// cache and the registries of workflow programs and activity functions.
//
// A worker is built, populated with registrations, started once and
// stopped once. All methods are safe for concurrent use.
type Worker struct {
	cfg      Config
	source   api.TaskSource
	logger   *slog.Logger
	observer api.Observer
	identity string

	mu         sync.Mutex
	workflows  map[string]*workflowRegistration
	activities map[string]*activityRegistration

	state atomic.Int32

	workflowPool *pool.Pool
	activityPool *pool.Pool
	cache        *sticky.Cache

	stopCtx    context.Context
	stopCancel context.CancelFunc

	pollers  sync.WaitGroup
	inflight sync.WaitGroup

	stopOnce sync.Once
	stopErr  error
}

type workflowRegistration struct {
	program api.Program
	attrs   api.Attributes
}

type activityRegistration struct {
	fn ActivityFunc

	// class is the registration attribute layer, consulted when a
	// workflow schedules this activity. attrs is the registration
	// resolved against the worker config, used for the poller key and
	// as the local fallback for budgets and retry classification.
	class api.PartialAttributes
	attrs api.Attributes
}

// New creates a worker for the given source. Register workflows and
// activities on it, then call Start or Run.
func New(cfg Config) (*Worker, error) {
	if cfg.Source == nil {
		return nil, errors.New("worker: Config.Source is required")
	}
	if cfg.WorkflowSlots < 0 || cfg.ActivitySlots < 0 {
		return nil, fmt.Errorf("worker: slot counts must be >= 0, got %d and %d", cfg.WorkflowSlots, cfg.ActivitySlots)
	}
	if cfg.Retry != nil {
		if err := cfg.Retry.Validate(); err != nil {
			return nil, fmt.Errorf("worker: %w", err)
		}
	}
	if cfg.WorkflowSlots == 0 {
		cfg.WorkflowSlots = DefaultWorkflowSlots
	}
	if cfg.ActivitySlots == 0 {
		cfg.ActivitySlots = DefaultActivitySlots
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.WorkflowTaskTimeout <= 0 {
		cfg.WorkflowTaskTimeout = DefaultWorkflowTaskTimeout
	}
	if cfg.StickyCacheSize == 0 {
		cfg.StickyCacheSize = DefaultStickyCacheSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Identity == "" {
		cfg.Identity = defaultIdentity()
	}

	return &Worker{
		cfg:        cfg,
		source:     cfg.Source,
		logger:     cfg.Logger,
		observer:   cfg.Observer,
		identity:   cfg.Identity,
		workflows:  make(map[string]*workflowRegistration),
		activities: make(map[string]*activityRegistration),
	}, nil
}

func defaultIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Identity returns the worker's identity string.
func (w *Worker) Identity() string { return w.identity }

// State returns the current lifecycle phase.
func (w *Worker) State() State {
	switch w.state.Load() {
	case stateRunning:
		return StateRunning
	case stateDraining:
		return StateDraining
	case stateStopped:
		return StateStopped
	default:
		return StateCreated
	}
}

// RegisterWorkflow adds a workflow program to the registry. Options
// overlay the program's own attributes, later options winning field by
// field. The resolved attributes decide which task queue the worker polls
// for the program; an unresolvable task queue fails here, before any
// polling starts. Valid only before Start.
func (w *Worker) RegisterWorkflow(program api.Program, opts ...api.PartialAttributes) error {
	if err := program.Validate(); err != nil {
		return err
	}
	class := program.Attrs
	for _, opt := range opts {
		class = resolve.Overlay(opt, class)
	}
	attrs, err := resolve.Merge(program.Name, api.PartialAttributes{}, class, w.configLayer(), api.PartialAttributes{})
	if err != nil {
		return err
	}
	if attrs.Retry != nil {
		if err := attrs.Retry.Validate(); err != nil {
			return fmt.Errorf("workflow %q: %w", program.Name, err)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state.Load() != stateCreated {
		return fmt.Errorf("worker: cannot register workflow %q in state %s", program.Name, w.State())
	}
	if _, dup := w.workflows[program.Name]; dup {
		return fmt.Errorf("worker: workflow %q is already registered", program.Name)
	}
	w.workflows[program.Name] = &workflowRegistration{program: program, attrs: attrs}
	return nil
}

// RegisterActivity adds an activity implementation under name. Options
// form the activity's registration attribute layer, consulted both for
// the poller key and when workflows schedule the activity. Valid only
// before Start.
func (w *Worker) RegisterActivity(name string, fn ActivityFunc, opts ...api.PartialAttributes) error {
	if name == "" {
		return errors.New("worker: activity name is required")
	}
	if fn == nil {
		return fmt.Errorf("worker: activity %q requires a function", name)
	}
	var class api.PartialAttributes
	for _, opt := range opts {
		class = resolve.Overlay(opt, class)
	}
	attrs, err := resolve.Merge(name, api.PartialAttributes{}, class, w.configLayer(), api.PartialAttributes{})
	if err != nil {
		return err
	}
	if attrs.Retry != nil {
		if err := attrs.Retry.Validate(); err != nil {
			return fmt.Errorf("activity %q: %w", name, err)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state.Load() != stateCreated {
		return fmt.Errorf("worker: cannot register activity %q in state %s", name, w.State())
	}
	if _, dup := w.activities[name]; dup {
		return fmt.Errorf("worker: activity %q is already registered", name)
	}
	w.activities[name] = &activityRegistration{fn: fn, class: class, attrs: attrs}
	return nil
}

func (w *Worker) configLayer() api.PartialAttributes {
	return api.PartialAttributes{
		Namespace:        w.cfg.Namespace,
		TaskQueue:        w.cfg.TaskQueue,
		RunTimeout:       w.cfg.RunTimeout,
		ExecutionTimeout: w.cfg.ExecutionTimeout,
		Retry:            w.cfg.Retry,
	}
}

// Start transitions the worker to running: it builds the execution pools
// and the sticky cache, derives one poller per distinct (kind, namespace,
// task queue) key from the registrations and launches them. Start returns
// once polling is up; use Run to also block until a termination signal.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state.Load() != stateCreated {
		return fmt.Errorf("worker: start in state %s", w.State())
	}
	if len(w.workflows) == 0 && len(w.activities) == 0 {
		return errors.New("worker: nothing registered")
	}

	w.workflowPool = pool.New(w.cfg.WorkflowSlots, w.cfg.SlotAcquireTimeout)
	w.activityPool = pool.New(w.cfg.ActivitySlots, w.cfg.SlotAcquireTimeout)

	capacity := w.cfg.StickyCacheSize
	if capacity < 0 {
		capacity = 0
	}
	w.cache = sticky.New(capacity, func(runID string) {
		w.observer.OnStickyEvict(context.Background(), runID)
	})

	w.stopCtx, w.stopCancel = context.WithCancel(context.Background())
	w.state.Store(stateRunning)

	keys := w.pollKeys()
	for key := range keys {
		p := w.newPoller(key)
		w.pollers.Add(1)
		go func() {
			defer w.pollers.Done()
			p.Run(w.stopCtx)
		}()
	}

	w.logger.Info("worker started",
		slog.String("identity", w.identity),
		slog.Int("pollers", len(keys)),
		slog.Int("workflows", len(w.workflows)),
		slog.Int("activities", len(w.activities)),
	)
	w.observer.OnWorkerStart(ctx, w.identity)
	return nil
}

// Run starts the worker and blocks until ctx ends or the process receives
// SIGINT or SIGTERM, then drains and stops.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	return w.Stop(context.Background())
}

// Stop drains the worker: pollers stop taking new work and in-flight
// tasks run to completion, bounded by DrainTimeout. It returns
// api.ErrForcedShutdown when the timeout (or ctx) elapsed with tasks
// still running; those keep executing detached until their own budgets
// end them. Stop is idempotent and returns the first call's result.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() {
		w.stopErr = w.drain(ctx)
	})
	return w.stopErr
}

func (w *Worker) drain(ctx context.Context) error {
	if w.state.CompareAndSwap(stateCreated, stateStopped) {
		return nil
	}
	if !w.state.CompareAndSwap(stateRunning, stateDraining) {
		return nil
	}

	w.logger.Info("worker draining", slog.String("identity", w.identity))
	w.stopCancel()
	w.pollers.Wait()

	// With the pollers gone no new task can enter dispatch, so the
	// in-flight count only goes down from here.
	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()

	var timeout <-chan time.Time
	if w.cfg.DrainTimeout > 0 {
		t := time.NewTimer(w.cfg.DrainTimeout)
		defer t.Stop()
		timeout = t.C
	}

	forced := false
	select {
	case <-done:
	case <-timeout:
		forced = true
	case <-ctx.Done():
		forced = true
	}

	w.state.Store(stateStopped)
	w.observer.OnWorkerStop(ctx, w.identity, forced)
	w.logger.Info("worker stopped",
		slog.String("identity", w.identity),
		slog.Bool("forced", forced),
	)
	if forced {
		return api.ErrForcedShutdown
	}
	return nil
}

// pollKey identifies one poll loop. Registrations resolving to the same
// key share a poller.
type pollKey struct {
	kind      api.TaskKind
	namespace string
	taskQueue string
}

func (w *Worker) pollKeys() map[pollKey]struct{} {
	keys := make(map[pollKey]struct{})
	for _, reg := range w.workflows {
		keys[pollKey{api.TaskKindWorkflow, reg.attrs.Namespace, reg.attrs.TaskQueue}] = struct{}{}
	}
	for _, reg := range w.activities {
		keys[pollKey{api.TaskKindActivity, reg.attrs.Namespace, reg.attrs.TaskQueue}] = struct{}{}
	}
	return keys
}

func (w *Worker) newPoller(key pollKey) *poller.Poller {
	cfg := poller.Config{
		Kind:              key.kind,
		Namespace:         key.namespace,
		TaskQueue:         key.taskQueue,
		PollTimeout:       w.cfg.PollTimeout,
		BackoffInitial:    w.cfg.BackoffInitial,
		BackoffMax:        w.cfg.BackoffMax,
		BackoffMultiplier: w.cfg.BackoffMultiplier,
		Observer:          w.observer,
		Logger:            w.logger,
	}
	if key.kind == api.TaskKindWorkflow {
		cfg.Pool = w.workflowPool
		cfg.Poll = func(ctx context.Context) (*api.Task, error) {
			return w.source.PollWorkflowTask(ctx, key.namespace, key.taskQueue)
		}
		cfg.Dispatch = w.dispatchWorkflow
	} else {
		cfg.Pool = w.activityPool
		cfg.Poll = func(ctx context.Context) (*api.Task, error) {
			return w.source.PollActivityTask(ctx, key.namespace, key.taskQueue)
		}
		cfg.Dispatch = w.dispatchActivity
	}
	return poller.New(cfg)
}

func (w *Worker) dispatchWorkflow(task *api.Task, slot *pool.Slot) {
	w.dispatch(task, slot, w.runWorkflowTask)
}

func (w *Worker) dispatchActivity(task *api.Task, slot *pool.Slot) {
	w.dispatch(task, slot, w.runActivityTask)
}

// dispatch moves the task off the poller goroutine. The in-flight count
// is raised before returning so a concurrent Stop cannot miss the task.
func (w *Worker) dispatch(task *api.Task, slot *pool.Slot, run func(*api.Task) error) {
	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		ctx := context.Background()
		w.observer.OnTaskStart(ctx, task)
		start := time.Now()
		err := slot.Run(func() error { return run(task) })
		w.observer.OnTaskCompleted(ctx, task, err, time.Since(start))
		if err != nil {
			w.logger.Warn("task failed",
				slog.String("kind", string(task.Kind)),
				slog.String("run_id", task.RunID),
				slog.String("activity", task.ActivityName),
				slog.Int("attempt", task.Attempt),
				slog.Any("error", err),
			)
		}
	}()
}

// runWorkflowTask advances one workflow run by one task. An error return
// means the task was abandoned without a completion; the source
// redelivers it after the lease expires, and the run replays cold.
func (w *Worker) runWorkflowTask(task *api.Task) error {
	reg := w.workflows[task.WorkflowName]
	if reg == nil {
		// Another worker on this queue may have the program.
		return fmt.Errorf("workflow %q is not registered on this worker", task.WorkflowName)
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WorkflowTaskTimeout)
	defer cancel()

	// The budget covers the wait for the run's execution lock too; two
	// tasks for one run never advance concurrently.
	lease, err := w.cache.Acquire(ctx, task.RunID)
	if err != nil {
		return fmt.Errorf("run %s: %w", task.RunID, api.ErrWorkflowTaskTimeout)
	}
	defer lease.Release()

	w.observer.OnStickyLookup(ctx, task.RunID, lease.Hit())

	exec := lease.Execution()
	if exec == nil {
		exec = replay.NewExecution(reg.program, task.RunID, replay.Options{
			ResolveActivity: w.activityResolver(reg.attrs),
		})
	}

	// A cached execution has already absorbed a prefix of the history;
	// feed it only the suffix.
	events := task.History
	for len(events) > 0 && events[0].ID <= exec.LastEventID() {
		events = events[1:]
	}

	res, err := w.advance(ctx, exec, events)
	if err != nil {
		lease.Discard()
		if _, ok := api.IsNondeterminismError(err); ok {
			w.logger.Error("nondeterministic workflow run",
				slog.String("run_id", task.RunID),
				slog.Any("error", err),
			)
		}
		return err
	}

	if res.Done {
		lease.Discard()
	} else {
		lease.Keep(exec)
	}

	if err := w.source.CompleteWorkflowTask(ctx, task.Token, res.Commands); err != nil {
		// The source may have expired our lease and redelivered the
		// task; a cached execution could now be ahead of the history
		// the source will serve.
		lease.Discard()
		return fmt.Errorf("run %s: complete workflow task: %w", task.RunID, err)
	}
	return nil
}

// advance runs Execution.Advance on its own goroutine so the task budget
// can abandon it. An abandoned advance keeps running against a discarded
// execution until it observes the cancelled context; it shares no state
// with later attempts.
func (w *Worker) advance(ctx context.Context, exec *replay.Execution, events []api.Event) (replay.Result, error) {
	type outcome struct {
		res replay.Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("workflow panicked: %v", r)}
			}
		}()
		res, err := exec.Advance(ctx, events)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case out := <-ch:
		return out.res, out.err
	case <-ctx.Done():
		return replay.Result{}, fmt.Errorf("run %s: %w", exec.RunID(), api.ErrWorkflowTaskTimeout)
	}
}

// activityResolver builds the attribute resolution chain for activities
// scheduled by a workflow: call-site options, then the activity's
// registration attributes, then the worker configuration, with the
// workflow's own routing as the final fallback.
func (w *Worker) activityResolver(workflow api.Attributes) func(string, api.PartialAttributes) (api.Attributes, error) {
	defaults := api.PartialAttributes{
		Namespace: workflow.Namespace,
		TaskQueue: workflow.TaskQueue,
	}
	return func(name string, options api.PartialAttributes) (api.Attributes, error) {
		var class api.PartialAttributes
		if reg := w.activities[name]; reg != nil {
			class = reg.class
		}
		return resolve.Merge(name, options, class, w.configLayer(), defaults)
	}
}

// runActivityTask executes one activity attempt and reports its outcome.
// Unlike workflow tasks, failures are reported rather than abandoned; the
// source owns the retry decision.
func (w *Worker) runActivityTask(task *api.Task) error {
	reg := w.activities[task.ActivityName]
	if reg == nil {
		return w.reportActivity(task, &api.ActivityResult{Failure: &api.Failure{
			Kind:    api.ErrorKindNotRegistered,
			Message: fmt.Sprintf("activity %q is not registered on this worker", task.ActivityName),
		}})
	}

	budget := task.RunTimeout
	if budget <= 0 {
		budget = reg.attrs.RunTimeout
	}
	ctx := context.Background()
	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	actx := newActivityContext(w.source, w.observer, task, budget)
	out, err := w.invoke(ContextWithActivity(ctx, actx), reg.fn, task.Input)
	if err == nil {
		return w.reportActivity(task, &api.ActivityResult{Output: out})
	}

	kind := api.KindOf(err)
	return w.reportActivity(task, &api.ActivityResult{Failure: &api.Failure{
		Kind:         kind,
		Message:      err.Error(),
		NonRetriable: w.finalForKind(reg, kind),
	}})
}

// invoke runs the activity function on its own goroutine so the attempt
// budget can abandon it. The abandoned goroutine is not killed; the
// cancelled context lets cooperative code wind down on its own.
func (w *Worker) invoke(ctx context.Context, fn ActivityFunc, input []byte) ([]byte, error) {
	type outcome struct {
		out []byte
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("activity panicked: %v", r)}
			}
		}()
		out, err := fn(ctx, input)
		ch <- outcome{out: out, err: err}
	}()

	select {
	case o := <-ch:
		return o.out, o.err
	case <-ctx.Done():
		return nil, api.WrapError(api.ErrorKindTimeout, ctx.Err())
	}
}

// finalForKind classifies a failure against the retry policy known at
// registration. The source still applies the policy the activity was
// scheduled with; this flag only short-circuits retries the worker
// already knows are pointless.
func (w *Worker) finalForKind(reg *activityRegistration, kind api.ErrorKind) bool {
	if kind == api.ErrorKindCancelled {
		return true
	}
	if p := reg.attrs.Retry; p != nil {
		return !p.Retriable(kind)
	}
	return false
}

func (w *Worker) reportActivity(task *api.Task, result *api.ActivityResult) error {
	// Completion runs on a fresh context: the attempt budget expiring
	// must not also lose the report of that timeout.
	if err := w.source.CompleteActivityTask(context.Background(), task.Token, result); err != nil {
		return fmt.Errorf("activity %s: complete: %w", task.ActivityName, err)
	}
	if result.Failure != nil {
		return result.Failure
	}
	return nil
}
