// Package executor drives the scheduling loop: it promotes tasks whose
// dependencies completed, dispatches them to workers under a global
// concurrency budget, and records each outcome back in the store.
package executor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ShayCichocki/taskforge/internal/balancer"
	"github.com/ShayCichocki/taskforge/internal/breaker"
	"github.com/ShayCichocki/taskforge/internal/events"
	"github.com/ShayCichocki/taskforge/internal/store"
	"github.com/ShayCichocki/taskforge/pkg/models"
)

var (
	statusPending = []models.TaskStatus{models.TaskStatusPending}
	statusReady   = []models.TaskStatus{models.TaskStatusReady}
	statusRunning = []models.TaskStatus{models.TaskStatusRunning}
	statusIdle    = []models.TaskStatus{models.TaskStatusPending, models.TaskStatusReady}
)

// RequiredConfig contains the collaborators an Executor cannot run without.
type RequiredConfig struct {
	// Store holds the tasks to run.
	Store *store.Store
	// Balancer owns the worker pool.
	Balancer *balancer.Balancer
	// Breaker guards every invocation, keyed by worker id.
	Breaker *breaker.Breaker
	// Invoker runs a task on a worker.
	Invoker Invoker
}

// Option configures an Executor. Use With* functions to create Options.
type Option func(*executorOptions)

type executorOptions struct {
	cfg    Config
	logger *zap.Logger
	clock  clockwork.Clock
	sink   events.Sink
}

// WithConfig sets the loop configuration.
func WithConfig(cfg Config) Option {
	return func(o *executorOptions) { o.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *executorOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock sets the clock used for retry delays, ticks and latencies.
func WithClock(c clockwork.Clock) Option {
	return func(o *executorOptions) { o.clock = c }
}

// WithSink sets the sink that receives run events.
func WithSink(sink events.Sink) Option {
	return func(o *executorOptions) { o.sink = events.OrNop(sink) }
}

// inflight is a task handed to a worker goroutine.
type inflight struct {
	taskID    string
	workerID  string
	cancel    context.CancelFunc
	cancelled bool
}

// completion is posted by a worker goroutine when its attempt returns.
type completion struct {
	taskID   string
	workerID string
	result   any
	err      error
	elapsed  time.Duration
	timeout  time.Duration
	timedOut bool
}

// Executor runs tasks from a Store until none is Pending, Ready or Running.
type Executor struct {
	store    *store.Store
	balancer *balancer.Balancer
	breaker  *breaker.Breaker
	invoker  Invoker

	cfg     Config
	backoff Backoff
	clock   clockwork.Clock
	sink    events.Sink
	logger  *zap.Logger

	sem         *semaphore.Weighted
	wake        chan struct{}
	completions chan completion

	// mu protects inflight and runID.
	mu       sync.Mutex
	inflight map[string]*inflight
	runID    string

	running atomic.Bool
	stats   *stats
	// transitionErrs is only touched by the loop goroutine.
	transitionErrs TransitionErrors
}

// New creates an Executor.
func New(req RequiredConfig, opts ...Option) (*Executor, error) {
	if req.Store == nil || req.Balancer == nil || req.Breaker == nil || req.Invoker == nil {
		return nil, errors.New("executor: store, balancer, breaker and invoker are required")
	}

	o := executorOptions{
		cfg:    DefaultConfig(),
		logger: zap.NewNop(),
		clock:  clockwork.NewRealClock(),
		sink:   events.Nop,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("executor config: %w", err)
	}
	backoff, err := o.cfg.Backoff.Build()
	if err != nil {
		return nil, fmt.Errorf("executor config: %w", err)
	}

	return &Executor{
		store:       req.Store,
		balancer:    req.Balancer,
		breaker:     req.Breaker,
		invoker:     req.Invoker,
		cfg:         o.cfg,
		backoff:     backoff,
		clock:       o.clock,
		sink:        o.sink,
		logger:      o.logger.Named("executor"),
		sem:         semaphore.NewWeighted(int64(o.cfg.MaxInFlight)),
		wake:        make(chan struct{}, 1),
		completions: make(chan completion, o.cfg.MaxInFlight),
		inflight:    make(map[string]*inflight),
		stats:       newStats(),
	}, nil
}

// Submit adds tasks to the store and wakes the loop. It is safe to call while
// Run is in progress.
func (e *Executor) Submit(specs []models.TaskSpec) ([]models.Task, error) {
	tasks, err := e.store.Submit(specs)
	if err != nil {
		return nil, err
	}
	e.Wake()
	return tasks, nil
}

// Wake asks the loop to run a scheduling pass, e.g. after a worker was registered.
func (e *Executor) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// RunID returns the id of the current or most recent run.
func (e *Executor) RunID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runID
}

// InFlight returns the ids of tasks currently handed to workers, sorted.
func (e *Executor) InFlight() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.inflight))
	for id := range e.inflight {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Cancel stops a task. A Pending or Ready task becomes Cancelled at once and
// its dependents Blocked. A Running task has its context cancelled; when the
// attempt returns its result is discarded and the task becomes Cancelled.
func (e *Executor) Cancel(id string) error {
	e.mu.Lock()
	if inf, ok := e.inflight[id]; ok {
		if !inf.cancelled {
			inf.cancelled = true
			inf.cancel()
		}
		e.mu.Unlock()
		e.logger.Info("cancel requested for running task", zap.String("task", id), zap.String("worker", inf.workerID))
		return nil
	}
	// Holding mu keeps the loop from dispatching the task underneath us.
	_, err := e.store.Transition(id, statusIdle, models.TaskStatusCancelled, func(t *models.Task) {
		t.Error = models.ReasonCancelled
	})
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}

	e.logger.Info("task cancelled", zap.String("task", id))
	e.propagate(id, models.TaskStatusCancelled)
	e.Wake()
	return nil
}

// Run drives the scheduling loop until no task is Pending, Ready or Running,
// or ctx ends. When ctx ends, running attempts are cancelled and their tasks
// go back to Pending so a later Run resumes them. Unexpected transition
// failures are returned as TransitionErrors alongside the summary.
func (e *Executor) Run(ctx context.Context) (Summary, error) {
	if !e.running.CompareAndSwap(false, true) {
		return Summary{}, ErrAlreadyRunning
	}
	defer e.running.Store(false)

	start := e.clock.Now()
	runID := uuid.NewString()
	e.mu.Lock()
	e.runID = runID
	e.mu.Unlock()
	e.stats = newStats()
	e.transitionErrs = nil

	log := e.logger.With(zap.String("run_id", runID))
	log.Info("run started",
		zap.Int("tasks", e.store.Len()),
		zap.Int("max_in_flight", e.cfg.MaxInFlight))
	e.emitRun(events.TypeRunStarted, runID, "")

	ticker := e.clock.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		if err := ctx.Err(); err != nil {
			e.shutdown()
			runErr = err
			break
		}

		next := e.pass(ctx)
		if !e.store.Active() && len(e.InFlight()) == 0 {
			break
		}

		var retryC <-chan time.Time
		var retryTimer clockwork.Timer
		if !next.IsZero() {
			retryTimer = e.clock.NewTimer(max(next.Sub(e.clock.Now()), 0))
			retryC = retryTimer.Chan()
		}

		select {
		case <-ctx.Done():
			e.shutdown()
			runErr = ctx.Err()
		case c := <-e.completions:
			e.complete(c, ctx.Err() != nil)
		case <-e.wake:
		case <-ticker.Chan():
		case <-retryC:
		}

		if retryTimer != nil {
			retryTimer.Stop()
		}
		if runErr != nil {
			break loop
		}
	}

	summary := Summary{
		RunID:    runID,
		Duration: e.clock.Since(start),
		Counts:   e.store.Counts(),
	}
	e.stats.fill(&summary)

	log.Info("run finished",
		zap.Duration("duration", summary.Duration),
		zap.Int("completed", summary.Counts[models.TaskStatusCompleted]),
		zap.Int("failed", summary.Counts[models.TaskStatusFailed]),
		zap.Int("blocked", summary.Counts[models.TaskStatusBlocked]),
		zap.Int("cancelled", summary.Counts[models.TaskStatusCancelled]),
		zap.Int64("attempts", summary.Attempts),
		zap.Int64("retries", summary.Retries),
		zap.Duration("p95", summary.Latency.P95))
	e.emitRun(events.TypeRunFinished, runID, fmt.Sprintf("%d attempts, %d retries", summary.Attempts, summary.Retries))

	if len(e.transitionErrs) > 0 {
		runErr = errors.Join(runErr, e.transitionErrs)
	}
	return summary, runErr
}

// pass promotes and dispatches once. It returns the earliest future retry
// time among pending tasks, or zero.
func (e *Executor) pass(ctx context.Context) time.Time {
	next := e.promote(e.clock.Now())
	dispatched, unservable := e.dispatch(ctx)

	if e.cfg.FailUnservable && dispatched == 0 && len(unservable) > 0 && len(e.InFlight()) == 0 {
		for _, task := range unservable {
			e.failUnservable(task)
		}
	}
	return next
}

// promote moves every Pending task whose dependencies completed to Ready,
// and blocks Pending tasks whose dependencies ended without completing.
func (e *Executor) promote(now time.Time) time.Time {
	tasks := e.store.List(store.Filter{})
	status := make(map[string]models.TaskStatus, len(tasks))
	for _, t := range tasks {
		status[t.ID] = t.Status
	}

	var next time.Time
	for _, t := range tasks {
		if t.Status != models.TaskStatusPending {
			continue
		}
		if dep, st, ok := failedDependency(t, status); ok {
			reason := (&DependencyFailureError{DependencyID: dep, Status: st}).Error()
			if changed, err := e.store.MarkBlocked(t.ID, reason); err == nil && changed {
				e.propagate(t.ID, models.TaskStatusBlocked)
			}
			continue
		}
		if t.NotReadyUntil.After(now) && (next.IsZero() || t.NotReadyUntil.Before(next)) {
			next = t.NotReadyUntil
		}
	}

	for _, t := range e.store.Graph().ReadySet(tasks, now) {
		e.transition(t.ID, statusPending, models.TaskStatusReady, nil)
	}
	return next
}

func failedDependency(t models.Task, status map[string]models.TaskStatus) (string, models.TaskStatus, bool) {
	for _, dep := range t.DependsOn {
		if st := status[dep]; st.IsTerminal() && st != models.TaskStatusCompleted {
			return dep, st, true
		}
	}
	return "", "", false
}

// dispatch launches Ready tasks in priority order while the budget allows.
// Tasks that no registered worker can serve are returned.
func (e *Executor) dispatch(ctx context.Context) (int, []models.Task) {
	ready := e.store.List(store.Filter{Statuses: statusReady})
	slices.SortFunc(ready, func(a, b models.Task) int {
		switch {
		case a.Less(&b):
			return -1
		case b.Less(&a):
			return 1
		default:
			return 0
		}
	})

	dispatched := 0
	var unservable []models.Task
	for i := range ready {
		task := ready[i]
		if !e.sem.TryAcquire(1) {
			break
		}

		worker, err := e.balancer.Assign(&task)
		if err != nil {
			e.sem.Release(1)
			var noWorker *balancer.NoEligibleWorkerError
			if errors.As(err, &noWorker) && !noWorker.Saturated {
				unservable = append(unservable, task)
			}
			e.logger.Debug("task deferred", zap.String("task", task.ID), zap.Error(err))
			continue
		}

		if e.launch(ctx, task, worker) {
			dispatched++
		}
	}
	return dispatched, unservable
}

// launch moves task to Running and starts its attempt in a goroutine.
// The semaphore slot and balancer assignment are already held.
func (e *Executor) launch(ctx context.Context, task models.Task, worker models.Worker) bool {
	taskCtx, cancel := context.WithCancel(ctx)
	inf := &inflight{taskID: task.ID, workerID: worker.ID, cancel: cancel}

	e.mu.Lock()
	e.inflight[task.ID] = inf
	e.mu.Unlock()

	running, ok := e.transition(task.ID, statusReady, models.TaskStatusRunning, func(t *models.Task) {
		t.AssignedTo = worker.ID
		t.NotReadyUntil = time.Time{}
	})
	if !ok {
		e.mu.Lock()
		delete(e.inflight, task.ID)
		cancelled := inf.cancelled
		e.mu.Unlock()
		cancel()
		e.balancer.RecordCompletion(task.ID)
		e.sem.Release(1)
		if cancelled {
			e.cancelBeforeStart(task.ID)
		}
		return false
	}

	timeout := running.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	e.stats.attempt()
	e.logger.Debug("task dispatched",
		zap.String("task", task.ID),
		zap.String("worker", worker.ID),
		zap.Int("priority", int(task.Priority)),
		zap.Int("attempt", running.RetryCount+1))

	go e.execute(taskCtx, cancel, timeout, running, worker)
	return true
}

// execute runs one attempt through the circuit breaker and posts the outcome.
func (e *Executor) execute(ctx context.Context, cancel context.CancelFunc, timeout time.Duration, task models.Task, worker models.Worker) {
	defer cancel()

	callCtx := ctx
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		callCtx, cancelTimeout = context.WithTimeout(ctx, timeout)
		defer cancelTimeout()
	}

	start := e.clock.Now()
	result, err := e.breaker.Execute(callCtx, worker.ID, func(ctx context.Context) (any, error) {
		return invokeUntilDone(ctx, e.invoker, task, worker)
	})

	// Buffered to MaxInFlight, so this never blocks.
	e.completions <- completion{
		taskID:   task.ID,
		workerID: worker.ID,
		result:   result,
		err:      err,
		elapsed:  e.clock.Since(start),
		timeout:  timeout,
		timedOut: err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil,
	}
}

// complete records the outcome of one attempt. During shutdown, attempts that
// did not succeed put their task back to Pending without using a retry.
func (e *Executor) complete(c completion, shuttingDown bool) {
	e.mu.Lock()
	inf := e.inflight[c.taskID]
	delete(e.inflight, c.taskID)
	e.mu.Unlock()

	defer e.sem.Release(1)
	e.balancer.RecordCompletion(c.taskID)

	var openErr *breaker.CircuitOpenError
	rejected := errors.As(c.err, &openErr)
	if !rejected {
		e.stats.observe(c.elapsed)
	}

	switch {
	case inf != nil && inf.cancelled:
		if _, ok := e.transition(c.taskID, statusRunning, models.TaskStatusCancelled, func(t *models.Task) {
			t.Error = models.ReasonCancelled
			t.Result = nil
		}); ok {
			e.logger.Info("running task cancelled", zap.String("task", c.taskID))
			e.propagate(c.taskID, models.TaskStatusCancelled)
		}

	case c.err == nil:
		if _, ok := e.transition(c.taskID, statusRunning, models.TaskStatusCompleted, func(t *models.Task) {
			t.Result = c.result
			t.Error = ""
		}); ok {
			e.logger.Info("task completed",
				zap.String("task", c.taskID),
				zap.String("worker", c.workerID),
				zap.Duration("elapsed", c.elapsed))
		}

	case shuttingDown:
		e.transition(c.taskID, statusRunning, models.TaskStatusPending, func(t *models.Task) {
			t.AssignedTo = ""
			t.StartedAt = nil
		})

	default:
		e.fail(c, openErr)
	}
}

// fail applies the retry budget to a failed attempt.
func (e *Executor) fail(c completion, openErr *breaker.CircuitOpenError) {
	var cause error
	var minDelay time.Duration
	switch {
	case openErr != nil:
		e.stats.rejection()
		cause = openErr
		minDelay = openErr.RetryIn
	case c.timedOut:
		e.stats.timeout()
		cause = fmt.Errorf("%w after %s", ErrTaskTimeout, c.timeout)
	default:
		cause = &DownstreamFailure{TaskID: c.taskID, WorkerID: c.workerID, Err: c.err}
	}

	task, err := e.store.Get(c.taskID)
	if err != nil {
		e.logger.Error("failed task vanished", zap.String("task", c.taskID), zap.Error(err))
		return
	}

	if task.RetryCount < task.MaxRetries {
		delay := max(e.backoff.Next(task.RetryCount), minDelay)
		notBefore := e.clock.Now().Add(delay)
		if _, ok := e.transition(c.taskID, statusRunning, models.TaskStatusPending, func(t *models.Task) {
			t.RetryCount++
			t.NotReadyUntil = notBefore
			t.AssignedTo = ""
		}); ok {
			e.stats.retry()
			e.logger.Warn("task attempt failed, retrying",
				zap.String("task", c.taskID),
				zap.String("worker", c.workerID),
				zap.Int("retry", task.RetryCount+1),
				zap.Int("max_retries", task.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(cause))
		}
		return
	}

	exhausted := &RetryExhaustedError{TaskID: c.taskID, Attempts: task.RetryCount + 1, Last: cause}
	if _, ok := e.transition(c.taskID, statusRunning, models.TaskStatusFailed, func(t *models.Task) {
		t.Error = exhausted.Error()
		t.Result = nil
	}); ok {
		e.logger.Warn("task failed", zap.String("task", c.taskID), zap.Error(exhausted))
		e.propagate(c.taskID, models.TaskStatusFailed)
	}
}

// failUnservable fails a Ready task whose capability no worker serves.
func (e *Executor) failUnservable(task models.Task) {
	reason := fmt.Sprintf("%s: capability %q", models.ReasonNoEligibleWorker, task.Capability)
	if _, ok := e.transition(task.ID, statusReady, models.TaskStatusFailed, func(t *models.Task) {
		t.Error = reason
	}); ok {
		e.logger.Warn("task unservable", zap.String("task", task.ID), zap.String("capability", task.Capability))
		e.propagate(task.ID, models.TaskStatusFailed)
	}
}

// cancelBeforeStart finishes a Cancel that arrived after the task was handed
// a worker but before it reached Running.
func (e *Executor) cancelBeforeStart(id string) {
	if _, ok := e.transition(id, statusIdle, models.TaskStatusCancelled, func(t *models.Task) {
		t.Error = models.ReasonCancelled
		t.AssignedTo = ""
	}); !ok {
		return
	}
	e.logger.Info("task cancelled before start", zap.String("task", id))
	e.propagate(id, models.TaskStatusCancelled)
}

// propagate blocks every transitive dependent of id.
func (e *Executor) propagate(id string, status models.TaskStatus) {
	reason := (&DependencyFailureError{DependencyID: id, Status: status}).Error()
	blocked, err := e.store.Graph().PropagateBlocked(e.store, id, reason)
	if err != nil {
		e.logger.Error("propagate blocked", zap.String("task", id), zap.Error(err))
	}
	if len(blocked) > 0 {
		e.logger.Info("dependents blocked", zap.String("task", id), zap.Strings("blocked", blocked))
	}
}

// transition wraps store.Transition. Losing a race to Cancel or to blocking is
// expected; any other compare-and-swap failure is logged and kept for Run's error.
func (e *Executor) transition(id string, from []models.TaskStatus, to models.TaskStatus, mutate func(*models.Task)) (models.Task, bool) {
	task, err := e.store.Transition(id, from, to, mutate)
	if err == nil {
		return task, true
	}

	var invalid *store.InvalidTransitionError
	if errors.As(err, &invalid) &&
		(invalid.Current == models.TaskStatusCancelled || invalid.Current == models.TaskStatusBlocked) {
		return task, false
	}

	e.logger.Error("unexpected transition failure", zap.String("task", id), zap.Error(err))
	e.transitionErrs = append(e.transitionErrs, err)
	return task, false
}

// shutdown cancels every running attempt and waits for each to report back.
func (e *Executor) shutdown() {
	e.mu.Lock()
	n := len(e.inflight)
	for _, inf := range e.inflight {
		inf.cancel()
	}
	e.mu.Unlock()

	if n > 0 {
		e.logger.Info("waiting for running tasks", zap.Int("count", n))
	}
	for range n {
		e.complete(<-e.completions, true)
	}
}

func (e *Executor) emitRun(t events.Type, runID, msg string) {
	ev := events.New(t, e.clock.Now())
	ev.RunID = runID
	ev.Message = msg
	e.sink.Emit(ev)
}
