// Package graph provides the task dependency graph used for scheduling.
package graph

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/taskforge/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// ErrUnknownDependency indicates a task depends on an id the graph has never seen.
var ErrUnknownDependency = errors.New("unknown dependency")

// DependencyCycleError reports the tasks forming a cycle, in dependency order.
// The first and last element of Path are the same task.
type DependencyCycleError struct {
	Path []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCycleDetected, strings.Join(e.Path, " -> "))
}

func (e *DependencyCycleError) Unwrap() error { return ErrCycleDetected }

// UnknownDependencyError reports a dependency on a task that is neither in the
// graph nor in the submitted batch.
type UnknownDependencyError struct {
	TaskID       string
	DependencyID string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %s depends on unknown task %s", e.TaskID, e.DependencyID)
}

func (e *UnknownDependencyError) Unwrap() error { return ErrUnknownDependency }

// Blocker marks a task Blocked. It reports false when the task was already
// terminal and was left untouched.
type Blocker interface {
	MarkBlocked(id, reason string) (bool, error)
}

// DependencyGraph is a directed acyclic graph of task dependencies.
// Nodes are never removed and a node's dependencies never change after Add.
type DependencyGraph struct {
	mu sync.RWMutex
	// deps maps task ID to IDs of tasks it depends on.
	deps map[string][]string
	// dependents maps task ID to IDs of tasks that depend on it, sorted.
	dependents map[string][]string
	// order is the insertion order of nodes.
	order []string
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
	}
}

// Validate checks that specs could be added to the graph without committing
// anything: no duplicate ids, no unknown dependencies, no cycles.
func (g *DependencyGraph) Validate(specs []models.TaskSpec) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, err := g.validateLocked(specs)
	return err
}

// Add validates specs against the current graph and merges them.
// Either every spec is added or none is.
func (g *DependencyGraph) Add(specs []models.TaskSpec) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	pending, err := g.validateLocked(specs)
	if err != nil {
		return err
	}

	for _, spec := range specs {
		deps := pending[spec.ID]
		g.deps[spec.ID] = deps
		g.order = append(g.order, spec.ID)
		for _, dep := range deps {
			list := g.dependents[dep]
			i, found := slices.BinarySearch(list, spec.ID)
			if !found {
				g.dependents[dep] = slices.Insert(list, i, spec.ID)
			}
		}
	}
	return nil
}

// validateLocked returns the deduplicated dependency lists for the batch.
func (g *DependencyGraph) validateLocked(specs []models.TaskSpec) (map[string][]string, error) {
	pending := make(map[string][]string, len(specs))
	for _, spec := range specs {
		if spec.ID == "" {
			return nil, errors.New("task id must not be empty")
		}
		if _, exists := g.deps[spec.ID]; exists {
			return nil, fmt.Errorf("task %s already in graph", spec.ID)
		}
		if _, exists := pending[spec.ID]; exists {
			return nil, fmt.Errorf("task %s appears twice in batch", spec.ID)
		}
		var deps []string
		for _, dep := range spec.DependsOn {
			if !slices.Contains(deps, dep) {
				deps = append(deps, dep)
			}
		}
		pending[spec.ID] = deps
	}

	for _, spec := range specs {
		for _, dep := range pending[spec.ID] {
			_, existing := g.deps[dep]
			_, inBatch := pending[dep]
			if !existing && !inBatch {
				return nil, &UnknownDependencyError{TaskID: spec.ID, DependencyID: dep}
			}
		}
	}

	// Existing nodes never gain edges, so any cycle lies entirely within the batch.
	if path := findCycle(specs, pending); path != nil {
		return nil, &DependencyCycleError{Path: path}
	}
	return pending, nil
}

// findCycle runs a depth-first search with coloring over the batch and
// returns the first cycle found via a back edge, or nil.
func findCycle(specs []models.TaskSpec, edges map[string][]string) []string {
	const (
		white = iota
		gray
		black
	)
	colors := make(map[string]int, len(edges))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		colors[id] = gray
		stack = append(stack, id)

		for _, dep := range edges[id] {
			if _, inBatch := edges[dep]; !inBatch {
				continue
			}
			switch colors[dep] {
			case gray:
				start := slices.Index(stack, dep)
				path := slices.Clone(stack[start:])
				return append(path, dep)
			case white:
				if path := visit(dep); path != nil {
					return path
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = black
		return nil
	}

	for _, spec := range specs {
		if colors[spec.ID] == white {
			if path := visit(spec.ID); path != nil {
				return path
			}
		}
	}
	return nil
}

// Has reports whether the graph contains the task.
func (g *DependencyGraph) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.deps[id]
	return ok
}

// Size returns the number of tasks in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.deps)
}

// Dependencies returns the IDs of tasks that the given task depends on.
func (g *DependencyGraph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.deps[id])
}

// Dependents returns the IDs of tasks that directly depend on the given task, sorted.
func (g *DependencyGraph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.dependents[id])
}

// TopologicalOrder returns task IDs so that every dependency comes before the
// tasks that depend on it. Ties follow insertion order.
func (g *DependencyGraph) TopologicalOrder() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := make(map[string]bool, len(g.deps))
	result := make([]string, 0, len(g.deps))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, dep := range g.deps[id] {
			visit(dep)
		}
		result = append(result, id)
	}

	for _, id := range g.order {
		visit(id)
	}
	return result
}

// ReadySet returns every Pending task whose dependencies are all Completed
// and whose retry delay has passed, in the order given.
func (g *DependencyGraph) ReadySet(tasks []models.Task, now time.Time) []models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	status := make(map[string]models.TaskStatus, len(tasks))
	for i := range tasks {
		status[tasks[i].ID] = tasks[i].Status
	}

	var ready []models.Task
	for _, task := range tasks {
		if task.Status != models.TaskStatusPending {
			continue
		}
		if !task.NotReadyUntil.IsZero() && now.Before(task.NotReadyUntil) {
			continue
		}
		deps, known := g.deps[task.ID]
		if !known {
			deps = task.DependsOn
		}
		satisfied := true
		for _, dep := range deps {
			if status[dep] != models.TaskStatusCompleted {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, task)
		}
	}
	return ready
}

// PropagateBlocked walks the consumers of failedID breadth-first and marks each
// transitive dependent Blocked with reason. The walk stops at tasks that were
// already terminal. It returns the IDs newly blocked, in visit order.
func (g *DependencyGraph) PropagateBlocked(blocker Blocker, failedID, reason string) ([]string, error) {
	var blocked []string
	visited := map[string]bool{failedID: true}
	queue := g.Dependents(failedID)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		changed, err := blocker.MarkBlocked(id, reason)
		if err != nil {
			return blocked, fmt.Errorf("block %s: %w", id, err)
		}
		if !changed {
			continue
		}
		blocked = append(blocked, id)
		queue = append(queue, g.Dependents(id)...)
	}
	return blocked, nil
}
