// Package balancer assigns ready tasks to workers by capability and relative load.
package balancer

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ShayCichocki/taskforge/internal/events"
	"github.com/ShayCichocki/taskforge/pkg/models"
)

var (
	// ErrNoEligibleWorker indicates no registered worker can take the task right now.
	ErrNoEligibleWorker = errors.New("no eligible worker")
	// ErrWorkerNotFound indicates no worker has the requested id.
	ErrWorkerNotFound = errors.New("worker not found")
	// ErrWorkerBusy indicates a worker still has running tasks.
	ErrWorkerBusy = errors.New("worker has running tasks")
	// ErrWorkerSaturated indicates a worker is at capacity.
	ErrWorkerSaturated = errors.New("worker at capacity")
)

// NoEligibleWorkerError reports why a task could not be placed. Saturated is
// true when capable workers exist but all of them are at capacity.
type NoEligibleWorkerError struct {
	TaskID     string
	Capability string
	Saturated  bool
}

func (e *NoEligibleWorkerError) Error() string {
	capability := e.Capability
	if capability == "" {
		capability = "any"
	}
	if e.Saturated {
		return fmt.Sprintf("%s for task %s: all %q workers saturated", ErrNoEligibleWorker, e.TaskID, capability)
	}
	return fmt.Sprintf("%s for task %s: no worker serves %q", ErrNoEligibleWorker, e.TaskID, capability)
}

func (e *NoEligibleWorkerError) Unwrap() error { return ErrNoEligibleWorker }

// Select returns the capable worker with spare capacity and the lowest
// relative load. Ties go to the lowest worker id.
func Select(task *models.Task, workers []models.Worker) (models.Worker, error) {
	var (
		best    *models.Worker
		capable bool
	)
	for i := range workers {
		w := &workers[i]
		if !w.HasCapability(task.Capability) {
			continue
		}
		capable = true
		if !w.Available() {
			continue
		}
		if best == nil || less(w, best) {
			best = w
		}
	}
	if best == nil {
		return models.Worker{}, &NoEligibleWorkerError{
			TaskID:     task.ID,
			Capability: task.Capability,
			Saturated:  capable,
		}
	}
	return best.Clone(), nil
}

func less(a, b *models.Worker) bool {
	// Cross-multiplied to compare load ratios exactly.
	la := a.Load * b.MaxCapacity
	lb := b.Load * a.MaxCapacity
	if la != lb {
		return la < lb
	}
	return a.ID < b.ID
}

// Balancer owns the worker set and their load counters.
type Balancer struct {
	mu sync.RWMutex
	// workers maps worker ID to worker record.
	workers map[string]*models.Worker
	// assignments maps task ID to the worker currently running it.
	assignments map[string]string

	clock  clockwork.Clock
	sink   events.Sink
	logger *zap.Logger
}

// Option configures a Balancer.
type Option func(*Balancer)

// WithClock sets the clock used for event timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(b *Balancer) { b.clock = c }
}

// WithSink sets the sink that receives worker events.
func WithSink(sink events.Sink) Option {
	return func(b *Balancer) { b.sink = events.OrNop(sink) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Balancer) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates an empty Balancer.
func New(opts ...Option) *Balancer {
	b := &Balancer{
		workers:     make(map[string]*models.Worker),
		assignments: make(map[string]string),
		clock:       clockwork.NewRealClock(),
		sink:        events.Nop,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named("balancer")
	return b
}

// Register adds a worker or updates the capabilities and capacity of an
// existing one. The current load of an existing worker is kept.
func (b *Balancer) Register(w models.Worker) error {
	if w.ID == "" {
		return errors.New("worker id must not be empty")
	}
	if w.MaxCapacity < 1 {
		return fmt.Errorf("worker %s: max capacity must be at least 1, got %d", w.ID, w.MaxCapacity)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	record := w.Clone()
	if existing, ok := b.workers[w.ID]; ok {
		record.Load = existing.Load
	} else {
		record.Load = 0
	}
	b.workers[w.ID] = &record

	b.logger.Debug("worker registered",
		zap.String("worker", w.ID),
		zap.Strings("capabilities", w.Capabilities),
		zap.Int("max_capacity", w.MaxCapacity))
	b.emit(events.TypeWorkerRegistered, "", w.ID, fmt.Sprintf("capacity %d", w.MaxCapacity))
	return nil
}

// Remove deletes a worker. It is refused while the worker has running tasks.
func (b *Balancer) Remove(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.workers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	if w.Load > 0 {
		return fmt.Errorf("remove %s: %w (%d)", id, ErrWorkerBusy, w.Load)
	}
	delete(b.workers, id)
	b.emit(events.TypeWorkerRemoved, "", id, "")
	return nil
}

// SelectWorker runs Select over the registered workers without recording anything.
func (b *Balancer) SelectWorker(task *models.Task) (models.Worker, error) {
	return Select(task, b.Workers())
}

// Assign selects a worker for task and records the assignment in one step.
// A task that is already assigned gets its existing worker back.
func (b *Balancer) Assign(task *models.Task) (models.Worker, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id, ok := b.assignments[task.ID]; ok {
		if w, ok := b.workers[id]; ok {
			return w.Clone(), nil
		}
	}

	w, err := Select(task, b.snapshotLocked())
	if err != nil {
		return models.Worker{}, err
	}
	if err := b.recordLocked(task.ID, w.ID); err != nil {
		return models.Worker{}, err
	}
	return b.workers[w.ID].Clone(), nil
}

// RecordAssignment increments the load of workerID for taskID. Recording the
// same task twice is a no-op.
func (b *Balancer) RecordAssignment(taskID, workerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recordLocked(taskID, workerID)
}

func (b *Balancer) recordLocked(taskID, workerID string) error {
	if current, ok := b.assignments[taskID]; ok {
		if current == workerID {
			return nil
		}
		return fmt.Errorf("task %s already assigned to %s", taskID, current)
	}
	w, ok := b.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	if !w.Available() {
		return fmt.Errorf("assign %s to %s: %w", taskID, workerID, ErrWorkerSaturated)
	}

	w.Load++
	b.assignments[taskID] = workerID
	b.emit(events.TypeWorkerAssigned, taskID, workerID, fmt.Sprintf("load %d/%d", w.Load, w.MaxCapacity))
	return nil
}

// RecordCompletion releases the worker slot held by taskID. It reports false
// if the task holds no slot, so calling it twice is a no-op.
func (b *Balancer) RecordCompletion(taskID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	workerID, ok := b.assignments[taskID]
	if !ok {
		return false
	}
	delete(b.assignments, taskID)

	if w, ok := b.workers[workerID]; ok && w.Load > 0 {
		w.Load--
		b.emit(events.TypeWorkerReleased, taskID, workerID, fmt.Sprintf("load %d/%d", w.Load, w.MaxCapacity))
	}
	return true
}

// Assignment returns the worker currently holding taskID.
func (b *Balancer) Assignment(taskID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.assignments[taskID]
	return id, ok
}

// Worker returns a copy of the worker with the given id.
func (b *Balancer) Worker(id string) (models.Worker, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	w, ok := b.workers[id]
	if !ok {
		return models.Worker{}, false
	}
	return w.Clone(), true
}

// Workers returns copies of all workers ordered by id.
func (b *Balancer) Workers() []models.Worker {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshotLocked()
}

// Capable reports whether any registered worker serves capability, regardless of load.
func (b *Balancer) Capable(capability string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, w := range b.workers {
		if w.HasCapability(capability) {
			return true
		}
	}
	return false
}

func (b *Balancer) snapshotLocked() []models.Worker {
	out := make([]models.Worker, 0, len(b.workers))
	for _, w := range b.workers {
		out = append(out, w.Clone())
	}
	slices.SortFunc(out, func(x, y models.Worker) int { return strings.Compare(x.ID, y.ID) })
	return out
}

func (b *Balancer) emit(t events.Type, taskID, workerID, msg string) {
	ev := events.New(t, b.clock.Now())
	ev.TaskID = taskID
	ev.WorkerID = workerID
	ev.Message = msg
	b.sink.Emit(ev)
}
