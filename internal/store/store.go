// Package store is the authoritative registry of task state.
package store

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ShayCichocki/taskforge/internal/events"
	"github.com/ShayCichocki/taskforge/internal/graph"
	"github.com/ShayCichocki/taskforge/pkg/models"
)

// Filter selects tasks for List. Empty fields match everything.
type Filter struct {
	IDs      []string
	Statuses []models.TaskStatus
}

func (f Filter) match(t *models.Task) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, t.ID) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	return true
}

// entry guards a single task. Transitions on different tasks never contend.
type entry struct {
	mu   sync.Mutex
	task *models.Task
}

// Store holds every submitted task. All mutation goes through Transition.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []*entry
	seq     uint64

	graph  *graph.DependencyGraph
	clock  clockwork.Clock
	sink   events.Sink
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithSink sets the sink that receives task transition events.
func WithSink(sink events.Sink) Option {
	return func(s *Store) { s.sink = events.OrNop(sink) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		graph:   graph.New(),
		clock:   clockwork.NewRealClock(),
		sink:    events.Nop,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("store")
	return s
}

// Graph returns the dependency graph of submitted tasks.
func (s *Store) Graph() *graph.DependencyGraph {
	return s.graph
}

// Submit adds a batch of tasks in Pending state. The whole batch is rejected
// with DuplicateTaskError, UnknownDependencyError or DependencyCycleError if
// any task is invalid.
func (s *Store) Submit(specs []models.TaskSpec) ([]models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if _, exists := s.entries[spec.ID]; exists || seen[spec.ID] {
			return nil, &DuplicateTaskError{ID: spec.ID}
		}
		seen[spec.ID] = true
	}

	if err := s.graph.Add(specs); err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	now := s.clock.Now()
	accepted := make([]models.Task, 0, len(specs))
	for _, spec := range specs {
		s.seq++
		e := &entry{task: models.NewTask(spec, s.seq, now)}
		s.entries[spec.ID] = e
		s.order = append(s.order, e)
		accepted = append(accepted, e.task.Clone())

		ev := events.New(events.TypeTaskTransition, now)
		ev.TaskID = spec.ID
		ev.To = string(models.TaskStatusPending)
		s.sink.Emit(ev)
	}

	s.logger.Debug("batch submitted", zap.Int("tasks", len(specs)), zap.Int("total", len(s.entries)))
	return accepted, nil
}

// Get returns a copy of the task.
func (s *Store) Get(id string) (models.Task, error) {
	e := s.lookup(id)
	if e == nil {
		return models.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone(), nil
}

// List returns copies of the tasks matching f in submission order.
func (s *Store) List(f Filter) []models.Task {
	s.mu.RLock()
	order := slices.Clone(s.order)
	s.mu.RUnlock()

	var out []models.Task
	for _, e := range order {
		e.mu.Lock()
		if f.match(e.task) {
			out = append(out, e.task.Clone())
		}
		e.mu.Unlock()
	}
	return out
}

// Transition moves a task to status to, provided its current status is one of
// from. Terminal tasks never move. mutate, if non-nil, may update other fields
// of the task while the task is locked; it cannot change the target status.
// StartedAt is set on entering Running and CompletedAt on entering a terminal
// status.
func (s *Store) Transition(id string, from []models.TaskStatus, to models.TaskStatus, mutate func(*models.Task)) (models.Task, error) {
	if !to.Valid() {
		return models.Task{}, fmt.Errorf("transition %s: unknown status %q", id, to)
	}
	e := s.lookup(id)
	if e == nil {
		return models.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.task.Status
	if current.IsTerminal() || !slices.Contains(from, current) {
		return e.task.Clone(), &InvalidTransitionError{ID: id, Current: current, From: from, To: to}
	}

	now := s.clock.Now()
	if mutate != nil {
		mutate(e.task)
	}
	e.task.Status = to
	switch {
	case to == models.TaskStatusRunning:
		e.task.StartedAt = &now
		e.task.CompletedAt = nil
	case to.IsTerminal():
		e.task.CompletedAt = &now
	}

	ev := events.New(events.TypeTaskTransition, now)
	ev.TaskID = id
	ev.WorkerID = e.task.AssignedTo
	ev.From = string(current)
	ev.To = string(to)
	ev.Message = e.task.Error
	s.sink.Emit(ev)

	return e.task.Clone(), nil
}

// MarkBlocked moves a Pending or Ready task to Blocked with reason.
// It reports false without error if the task is already terminal.
func (s *Store) MarkBlocked(id, reason string) (bool, error) {
	_, err := s.Transition(id,
		[]models.TaskStatus{models.TaskStatusPending, models.TaskStatusReady},
		models.TaskStatusBlocked,
		func(t *models.Task) { t.Error = reason },
	)
	if err == nil {
		return true, nil
	}
	var invalid *InvalidTransitionError
	if errors.As(err, &invalid) && invalid.Current.IsTerminal() {
		return false, nil
	}
	return false, err
}

// Counts returns the number of tasks in each status.
func (s *Store) Counts() map[models.TaskStatus]int {
	counts := make(map[models.TaskStatus]int, len(models.AllTaskStatuses))
	for _, t := range s.List(Filter{}) {
		counts[t.Status]++
	}
	return counts
}

// Active reports whether any task is Pending, Ready or Running.
func (s *Store) Active() bool {
	s.mu.RLock()
	order := slices.Clone(s.order)
	s.mu.RUnlock()

	for _, e := range order {
		e.mu.Lock()
		active := e.task.Status.IsActive()
		e.mu.Unlock()
		if active {
			return true
		}
	}
	return false
}

// Len returns the number of tasks in the store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

var _ graph.Blocker = (*Store)(nil)
