package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/ShayCichocki/taskforge/internal/balancer"
	"github.com/ShayCichocki/taskforge/internal/breaker"
	"github.com/ShayCichocki/taskforge/internal/store"
	"github.com/ShayCichocki/taskforge/pkg/models"
)

type harness struct {
	exec     *Executor
	store    *store.Store
	balancer *balancer.Balancer
	breaker  *breaker.Breaker
}

func testConfig() Config {
	return Config{
		MaxInFlight:    4,
		DefaultTimeout: 5 * time.Second,
		TickInterval:   10 * time.Millisecond,
		Backoff:        BackoffConfig{Strategy: "fixed"},
		FailUnservable: true,
	}
}

func newHarness(t *testing.T, cfg Config, brk breaker.Config, inv Invoker, workers ...models.Worker) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	s := store.New(store.WithLogger(logger))
	b := balancer.New(balancer.WithLogger(logger))
	for _, w := range workers {
		if err := b.Register(w); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
	br := breaker.New(brk, breaker.WithLogger(logger))
	e, err := New(RequiredConfig{Store: s, Balancer: b, Breaker: br, Invoker: inv},
		WithConfig(cfg), WithLogger(logger))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &harness{exec: e, store: s, balancer: b, breaker: br}
}

func (h *harness) submit(t *testing.T, specs ...models.TaskSpec) {
	t.Helper()
	if _, err := h.exec.Submit(specs); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
}

func (h *harness) run(t *testing.T) Summary {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sum, err := h.exec.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return sum
}

func (h *harness) status(t *testing.T, id string) models.Task {
	t.Helper()
	task, err := h.store.Get(id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return task
}

func general(id string, capacity int) models.Worker {
	return models.Worker{ID: id, Capabilities: []string{models.AnyCapability}, MaxCapacity: capacity}
}

func defaultBreaker() breaker.Config {
	return breaker.Config{FailureThreshold: 5, Cooldown: time.Minute}
}

// recorder is an Invoker that records invocation order.
type recorder struct {
	mu    sync.Mutex
	order []string
	fn    func(ctx context.Context, task models.Task) (any, error)
}

func (r *recorder) Invoke(ctx context.Context, task models.Task, _ models.Worker) (any, error) {
	r.mu.Lock()
	r.order = append(r.order, task.ID)
	r.mu.Unlock()
	if r.fn != nil {
		return r.fn(ctx, task)
	}
	return "done:" + task.ID, nil
}

func (r *recorder) invoked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func TestRun_DependenciesCompleteFirst(t *testing.T) {
	var h *harness
	var violations atomic.Int32
	rec := &recorder{fn: func(_ context.Context, task models.Task) (any, error) {
		for _, dep := range task.DependsOn {
			if d := h.status(t, dep); d.Status != models.TaskStatusCompleted {
				violations.Add(1)
			}
		}
		time.Sleep(time.Millisecond)
		return task.ID, nil
	}}
	h = newHarness(t, testConfig(), defaultBreaker(), rec, general("w1", 4))

	h.submit(t,
		models.TaskSpec{ID: "fetch"},
		models.TaskSpec{ID: "parse", DependsOn: []string{"fetch"}},
		models.TaskSpec{ID: "index", DependsOn: []string{"fetch"}},
		models.TaskSpec{ID: "report", DependsOn: []string{"parse", "index"}},
	)
	sum := h.run(t)

	if violations.Load() != 0 {
		t.Errorf("%d tasks started before their dependencies completed", violations.Load())
	}
	if !sum.Succeeded() {
		t.Errorf("Succeeded() = false, counts = %v", sum.Counts)
	}
	order := rec.invoked()
	if order[0] != "fetch" || order[len(order)-1] != "report" {
		t.Errorf("invocation order = %v", order)
	}
	if got := h.status(t, "report"); got.Result != "report" || got.AssignedTo != "w1" {
		t.Errorf("report = result %v, worker %q", got.Result, got.AssignedTo)
	}
}

func TestRun_ConcurrencyBudget(t *testing.T) {
	var current, peak atomic.Int32
	var h *harness
	var overRunning atomic.Int32
	rec := &recorder{fn: func(context.Context, models.Task) (any, error) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if running := len(h.store.List(store.Filter{Statuses: statusRunning})); running > 3 {
			overRunning.Add(1)
		}
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	}}

	cfg := testConfig()
	cfg.MaxInFlight = 3
	h = newHarness(t, cfg, defaultBreaker(), rec, general("w1", 10), general("w2", 10))
	for i := range 10 {
		h.submit(t, models.TaskSpec{ID: fmt.Sprintf("t%d", i)})
	}
	sum := h.run(t)

	if peak.Load() > 3 {
		t.Errorf("peak concurrent invocations = %d, want <= 3", peak.Load())
	}
	if overRunning.Load() > 0 {
		t.Errorf("observed more than 3 Running tasks %d times", overRunning.Load())
	}
	if sum.Counts[models.TaskStatusCompleted] != 10 {
		t.Errorf("completed = %d, want 10", sum.Counts[models.TaskStatusCompleted])
	}
	for _, w := range h.balancer.Workers() {
		if w.Load != 0 {
			t.Errorf("worker %s load = %d after run, want 0", w.ID, w.Load)
		}
	}
}

func TestRun_PriorityThenSubmissionOrder(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.MaxInFlight = 1
	h := newHarness(t, cfg, defaultBreaker(), rec, general("w1", 1))

	h.submit(t,
		models.TaskSpec{ID: "low-early", Priority: models.PriorityLow},
		models.TaskSpec{ID: "normal-1", Priority: models.PriorityNormal},
		models.TaskSpec{ID: "high-late", Priority: models.PriorityHigh},
		models.TaskSpec{ID: "normal-2", Priority: models.PriorityNormal},
	)
	h.run(t)

	want := "[high-late normal-1 normal-2 low-early]"
	if got := fmt.Sprint(rec.invoked()); got != want {
		t.Errorf("dispatch order = %s, want %s", got, want)
	}
}

func TestRun_RetryThenSucceed(t *testing.T) {
	var attempts atomic.Int32
	rec := &recorder{fn: func(context.Context, models.Task) (any, error) {
		if attempts.Add(1) <= 2 {
			return nil, errors.New("flaky")
		}
		return "ok", nil
	}}
	h := newHarness(t, testConfig(), defaultBreaker(), rec, general("w1", 1))
	h.submit(t, models.TaskSpec{ID: "a", MaxRetries: 2})
	sum := h.run(t)

	a := h.status(t, "a")
	if a.Status != models.TaskStatusCompleted {
		t.Fatalf("status = %s (%s), want completed", a.Status, a.Error)
	}
	if a.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", a.RetryCount)
	}
	if a.Error != "" {
		t.Errorf("Error = %q on completed task", a.Error)
	}
	if sum.Attempts != 3 || sum.Retries != 2 {
		t.Errorf("attempts = %d, retries = %d, want 3, 2", sum.Attempts, sum.Retries)
	}
}

func TestRun_RetryDelay(t *testing.T) {
	var mu sync.Mutex
	var starts []time.Time
	rec := &recorder{fn: func(context.Context, models.Task) (any, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		n := len(starts)
		mu.Unlock()
		if n == 1 {
			return nil, errors.New("flaky")
		}
		return nil, nil
	}}
	cfg := testConfig()
	cfg.Backoff = BackoffConfig{Strategy: "fixed", Base: 50 * time.Millisecond}
	h := newHarness(t, cfg, defaultBreaker(), rec, general("w1", 1))
	h.submit(t, models.TaskSpec{ID: "a", MaxRetries: 1})
	h.run(t)

	if len(starts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(starts))
	}
	if gap := starts[1].Sub(starts[0]); gap < 50*time.Millisecond {
		t.Errorf("retry started after %s, want >= 50ms", gap)
	}
}

func TestRun_ExhaustedRetriesBlockDependents(t *testing.T) {
	rec := &recorder{fn: func(_ context.Context, task models.Task) (any, error) {
		if task.ID == "extract" {
			return nil, errors.New("source unavailable")
		}
		return nil, nil
	}}
	h := newHarness(t, testConfig(), defaultBreaker(), rec, general("w1", 2))
	h.submit(t,
		models.TaskSpec{ID: "extract", MaxRetries: 1},
		models.TaskSpec{ID: "transform", DependsOn: []string{"extract"}},
		models.TaskSpec{ID: "load", DependsOn: []string{"transform"}},
		models.TaskSpec{ID: "audit"},
	)
	sum := h.run(t)

	extract := h.status(t, "extract")
	if extract.Status != models.TaskStatusFailed {
		t.Fatalf("extract status = %s, want failed", extract.Status)
	}
	if !strings.HasPrefix(extract.Error, models.ReasonRetriesExhausted) {
		t.Errorf("extract error = %q, want prefix %q", extract.Error, models.ReasonRetriesExhausted)
	}
	for _, id := range []string{"transform", "load"} {
		task := h.status(t, id)
		if task.Status != models.TaskStatusBlocked {
			t.Errorf("%s status = %s, want blocked", id, task.Status)
		}
		if !strings.HasPrefix(task.Error, models.ReasonBlocked) {
			t.Errorf("%s error = %q, want prefix %q", id, task.Error, models.ReasonBlocked)
		}
	}
	if h.status(t, "audit").Status != models.TaskStatusCompleted {
		t.Errorf("independent task did not complete")
	}
	for _, id := range rec.invoked() {
		if id == "transform" || id == "load" {
			t.Errorf("blocked task %s was invoked", id)
		}
	}
	if sum.Succeeded() {
		t.Error("Succeeded() = true with failed tasks")
	}
}

func TestCancel_PendingBlocksDependents(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, testConfig(), defaultBreaker(), rec, general("w1", 2))
	h.submit(t,
		models.TaskSpec{ID: "root"},
		models.TaskSpec{ID: "left", DependsOn: []string{"root"}},
		models.TaskSpec{ID: "right", DependsOn: []string{"root"}},
	)

	if err := h.exec.Cancel("root"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	root := h.status(t, "root")
	if root.Status != models.TaskStatusCancelled || root.Error != models.ReasonCancelled {
		t.Errorf("root = %s %q, want cancelled", root.Status, root.Error)
	}
	for _, id := range []string{"left", "right"} {
		if got := h.status(t, id).Status; got != models.TaskStatusBlocked {
			t.Errorf("%s status = %s, want blocked", id, got)
		}
	}

	h.run(t)
	if n := len(rec.invoked()); n != 0 {
		t.Errorf("invoker called %d times, want 0", n)
	}

	if err := h.exec.Cancel("root"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("second Cancel() error = %v, want ErrInvalidTransition", err)
	}
	if err := h.exec.Cancel("ghost"); !errors.Is(err, store.ErrTaskNotFound) {
		t.Errorf("Cancel(ghost) error = %v, want ErrTaskNotFound", err)
	}
}

func TestCancel_BetweenAssignAndStart(t *testing.T) {
	h := newHarness(t, testConfig(), defaultBreaker(), &recorder{}, general("w1", 1))
	h.submit(t,
		models.TaskSpec{ID: "build"},
		models.TaskSpec{ID: "ship", DependsOn: []string{"build"}},
		models.TaskSpec{ID: "notify", DependsOn: []string{"ship"}},
	)
	h.exec.promote(time.Now())
	if got := h.status(t, "build").Status; got != models.TaskStatusReady {
		t.Fatalf("build status = %s, want ready", got)
	}

	h.exec.cancelBeforeStart("build")

	build := h.status(t, "build")
	if build.Status != models.TaskStatusCancelled || build.Error != models.ReasonCancelled || build.AssignedTo != "" {
		t.Errorf("build = %s %q on %q, want cancelled and unassigned", build.Status, build.Error, build.AssignedTo)
	}
	for _, id := range []string{"ship", "notify"} {
		if got := h.status(t, id).Status; got != models.TaskStatusBlocked {
			t.Errorf("%s status = %s without a scheduling pass, want blocked", id, got)
		}
	}

	// A task that already ended is left alone.
	h.exec.cancelBeforeStart("build")
	if len(h.exec.transitionErrs) != 0 {
		t.Errorf("transition errors = %v, want none", h.exec.transitionErrs)
	}
}

func TestCancel_Running(t *testing.T) {
	started := make(chan struct{})
	rec := &recorder{fn: func(ctx context.Context, task models.Task) (any, error) {
		if task.ID == "slow" {
			close(started)
			<-ctx.Done()
			return "late result", ctx.Err()
		}
		return nil, nil
	}}
	h := newHarness(t, testConfig(), defaultBreaker(), rec, general("w1", 2))
	h.submit(t,
		models.TaskSpec{ID: "slow", MaxRetries: 3},
		models.TaskSpec{ID: "after", DependsOn: []string{"slow"}},
	)

	done := make(chan Summary, 1)
	go func() {
		sum, _ := h.exec.Run(context.Background())
		done <- sum
	}()

	<-started
	if err := h.exec.Cancel("slow"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancelling the running task")
	}

	slow := h.status(t, "slow")
	if slow.Status != models.TaskStatusCancelled {
		t.Errorf("slow status = %s, want cancelled", slow.Status)
	}
	if slow.Result != nil || slow.RetryCount != 0 {
		t.Errorf("slow result = %v, retries = %d; cancellation must discard and not retry", slow.Result, slow.RetryCount)
	}
	if got := h.status(t, "after").Status; got != models.TaskStatusBlocked {
		t.Errorf("after status = %s, want blocked", got)
	}
	if snap, _ := h.breaker.Snapshot("w1"); snap.Failures != 0 {
		t.Errorf("cancellation counted as circuit failure: %+v", snap)
	}
}

func TestRun_Timeout(t *testing.T) {
	rec := &recorder{fn: func(ctx context.Context, _ models.Task) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, testConfig(), defaultBreaker(), rec, general("w1", 1))
	h.submit(t, models.TaskSpec{ID: "hang", Timeout: 20 * time.Millisecond})
	sum := h.run(t)

	hang := h.status(t, "hang")
	if hang.Status != models.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", hang.Status)
	}
	if !strings.Contains(hang.Error, ErrTaskTimeout.Error()) {
		t.Errorf("error = %q, want timeout", hang.Error)
	}
	if sum.Timeouts != 1 {
		t.Errorf("Timeouts = %d, want 1", sum.Timeouts)
	}
	if snap, _ := h.breaker.Snapshot("w1"); snap.Failures != 1 {
		t.Errorf("circuit failures = %d, want 1", snap.Failures)
	}
}

func TestRun_TimeoutWithUncooperativeInvoker(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	rec := &recorder{fn: func(context.Context, models.Task) (any, error) {
		<-release
		return nil, nil
	}}
	h := newHarness(t, testConfig(), defaultBreaker(), rec, general("w1", 1))
	h.submit(t, models.TaskSpec{ID: "stuck", Timeout: 20 * time.Millisecond})
	h.run(t)

	if got := h.status(t, "stuck").Status; got != models.TaskStatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
}

func TestRun_OpenCircuitCountsAsAttempt(t *testing.T) {
	rec := &recorder{fn: func(context.Context, models.Task) (any, error) {
		return nil, errors.New("worker down")
	}}
	cfg := testConfig()
	cfg.MaxInFlight = 1
	h := newHarness(t, cfg, breaker.Config{FailureThreshold: 1, Cooldown: time.Hour}, rec, general("w1", 1))
	h.submit(t,
		models.TaskSpec{ID: "first"},
		models.TaskSpec{ID: "second"},
	)
	sum := h.run(t)

	if n := len(rec.invoked()); n != 1 {
		t.Errorf("invoker called %d times, want 1", n)
	}
	second := h.status(t, "second")
	if second.Status != models.TaskStatusFailed {
		t.Fatalf("second status = %s, want failed", second.Status)
	}
	if !strings.Contains(second.Error, breaker.ErrCircuitOpen.Error()) {
		t.Errorf("second error = %q, want circuit open", second.Error)
	}
	if sum.Rejections != 1 {
		t.Errorf("Rejections = %d, want 1", sum.Rejections)
	}
}

func TestRun_UnservableCapability(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, testConfig(), defaultBreaker(), rec,
		models.Worker{ID: "cpu", Capabilities: []string{"cpu"}, MaxCapacity: 1})
	h.submit(t,
		models.TaskSpec{ID: "train", Capability: "gpu"},
		models.TaskSpec{ID: "eval", DependsOn: []string{"train"}, Capability: "cpu"},
		models.TaskSpec{ID: "lint", Capability: "cpu"},
	)
	h.run(t)

	train := h.status(t, "train")
	if train.Status != models.TaskStatusFailed || !strings.HasPrefix(train.Error, models.ReasonNoEligibleWorker) {
		t.Errorf("train = %s %q, want failed with no eligible worker", train.Status, train.Error)
	}
	if got := h.status(t, "eval").Status; got != models.TaskStatusBlocked {
		t.Errorf("eval status = %s, want blocked", got)
	}
	if got := h.status(t, "lint").Status; got != models.TaskStatusCompleted {
		t.Errorf("lint status = %s, want completed", got)
	}
}

func TestRun_UnservableWaitsForRegisteredWorker(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.FailUnservable = false
	h := newHarness(t, cfg, defaultBreaker(), rec,
		models.Worker{ID: "cpu", Capabilities: []string{"cpu"}, MaxCapacity: 1})
	h.submit(t,
		models.TaskSpec{ID: "train", Capability: "gpu"},
		models.TaskSpec{ID: "eval", DependsOn: []string{"train"}, Capability: "cpu"},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan Summary, 1)
	go func() {
		sum, err := h.exec.Run(ctx)
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
		done <- sum
	}()

	deadline := time.Now().Add(5 * time.Second)
	for h.status(t, "train").Status != models.TaskStatusReady {
		if time.Now().After(deadline) {
			t.Fatal("train never became ready")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Several scheduling passes run before the worker shows up.
	time.Sleep(50 * time.Millisecond)
	if got := h.status(t, "train").Status; got != models.TaskStatusReady {
		t.Fatalf("train status = %s before a gpu worker exists, want ready", got)
	}

	if err := h.balancer.Register(models.Worker{ID: "gpu1", Capabilities: []string{"gpu"}, MaxCapacity: 1}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	h.exec.Wake()

	var sum Summary
	select {
	case sum = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not finish after the gpu worker registered")
	}
	if !sum.Succeeded() {
		t.Errorf("Succeeded() = false, counts = %v", sum.Counts)
	}
	if got := h.status(t, "train"); got.AssignedTo != "gpu1" {
		t.Errorf("train ran on %q, want gpu1", got.AssignedTo)
	}
}

func TestRun_ShutdownRequeues(t *testing.T) {
	var succeed atomic.Bool
	started := make(chan struct{}, 1)
	rec := &recorder{fn: func(ctx context.Context, _ models.Task) (any, error) {
		if succeed.Load() {
			return "ok", nil
		}
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, testConfig(), defaultBreaker(), rec, general("w1", 1))
	h.submit(t, models.TaskSpec{ID: "a"})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := h.exec.Run(ctx)
		errCh <- err
	}()
	<-started
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	a := h.status(t, "a")
	if a.Status != models.TaskStatusPending || a.RetryCount != 0 || a.AssignedTo != "" {
		t.Errorf("after shutdown a = %s retries=%d worker=%q, want pending/0/empty", a.Status, a.RetryCount, a.AssignedTo)
	}
	if w, _ := h.balancer.Worker("w1"); w.Load != 0 {
		t.Errorf("worker load = %d after shutdown, want 0", w.Load)
	}

	succeed.Store(true)
	h.run(t)
	if got := h.status(t, "a").Status; got != models.TaskStatusCompleted {
		t.Errorf("after resume a = %s, want completed", got)
	}
}

func TestRun_SubmitWhileRunning(t *testing.T) {
	var h *harness
	var once sync.Once
	rec := &recorder{fn: func(_ context.Context, task models.Task) (any, error) {
		if task.ID == "first" {
			once.Do(func() {
				if _, err := h.exec.Submit([]models.TaskSpec{{ID: "second", DependsOn: []string{"first"}}}); err != nil {
					t.Errorf("Submit() during run error = %v", err)
				}
			})
		}
		return nil, nil
	}}
	h = newHarness(t, testConfig(), defaultBreaker(), rec, general("w1", 1))
	h.submit(t, models.TaskSpec{ID: "first"})
	sum := h.run(t)

	if sum.Counts[models.TaskStatusCompleted] != 2 {
		t.Errorf("completed = %d, want 2 (counts %v)", sum.Counts[models.TaskStatusCompleted], sum.Counts)
	}
}

func TestRun_LateDependentOfFailedTask(t *testing.T) {
	rec := &recorder{fn: func(context.Context, models.Task) (any, error) {
		return nil, errors.New("boom")
	}}
	h := newHarness(t, testConfig(), defaultBreaker(), rec, general("w1", 1))
	h.submit(t, models.TaskSpec{ID: "a"})
	h.run(t)

	h.submit(t, models.TaskSpec{ID: "b", DependsOn: []string{"a"}})
	h.run(t)

	b := h.status(t, "b")
	if b.Status != models.TaskStatusBlocked {
		t.Errorf("b status = %s, want blocked", b.Status)
	}
	if len(rec.invoked()) != 1 {
		t.Errorf("invoker called %d times, want 1", len(rec.invoked()))
	}
}

func TestRun_AlreadyRunning(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	rec := &recorder{fn: func(context.Context, models.Task) (any, error) {
		close(started)
		<-release
		return nil, nil
	}}
	h := newHarness(t, testConfig(), defaultBreaker(), rec, general("w1", 1))
	h.submit(t, models.TaskSpec{ID: "a"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.exec.Run(context.Background())
	}()
	<-started

	if _, err := h.exec.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run() error = %v, want ErrAlreadyRunning", err)
	}
	if got := h.exec.InFlight(); fmt.Sprint(got) != "[a]" {
		t.Errorf("InFlight() = %v, want [a]", got)
	}
	close(release)
	<-done
}

func TestNew_Validation(t *testing.T) {
	s := store.New()
	b := balancer.New()
	br := breaker.New(breaker.DefaultConfig())
	inv := InvokerFunc(func(context.Context, models.Task, models.Worker) (any, error) { return nil, nil })

	if _, err := New(RequiredConfig{Store: s, Balancer: b, Breaker: br}); err == nil {
		t.Error("New() without invoker succeeded")
	}

	cfg := testConfig()
	cfg.MaxInFlight = 0
	if _, err := New(RequiredConfig{Store: s, Balancer: b, Breaker: br, Invoker: inv}, WithConfig(cfg)); err == nil {
		t.Error("New() with zero budget succeeded")
	}

	cfg = testConfig()
	cfg.Backoff.Strategy = "random"
	if _, err := New(RequiredConfig{Store: s, Balancer: b, Breaker: br, Invoker: inv}, WithConfig(cfg)); err == nil {
		t.Error("New() with unknown backoff succeeded")
	}
}
