package models

import "slices"

// AnyCapability is the tag carried by general-purpose workers that serve every task.
const AnyCapability = "*"

// Worker represents an agent with bounded concurrent capacity.
type Worker struct {
	// ID is the unique identifier for this worker.
	ID string `json:"id" yaml:"id"`
	// Capabilities are the tags this worker can serve.
	Capabilities []string `json:"capabilities" yaml:"capabilities"`
	// Load is the number of running tasks assigned to this worker.
	Load int `json:"load" yaml:"-"`
	// MaxCapacity is the concurrency limit for this worker.
	MaxCapacity int `json:"max_capacity" yaml:"max_capacity"`
}

// HasCapability returns true if the worker can serve the given tag.
// An empty tag matches every worker.
func (w *Worker) HasCapability(tag string) bool {
	if tag == "" {
		return true
	}
	for _, c := range w.Capabilities {
		if c == tag || c == AnyCapability {
			return true
		}
	}
	return false
}

// Available returns true if the worker can take another task.
func (w *Worker) Available() bool {
	return w.Load < w.MaxCapacity
}

// RelativeLoad returns Load/MaxCapacity, or 1 for workers with no capacity.
func (w *Worker) RelativeLoad() float64 {
	if w.MaxCapacity <= 0 {
		return 1
	}
	return float64(w.Load) / float64(w.MaxCapacity)
}

// Clone returns a copy that shares no mutable state with w.
func (w *Worker) Clone() Worker {
	c := *w
	c.Capabilities = slices.Clone(w.Capabilities)
	return c
}
