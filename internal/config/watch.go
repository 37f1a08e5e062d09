package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ShayCichocki/taskforge/pkg/models"
)

// WorkerRegistry is the part of the worker pool a WorkerWatcher updates.
type WorkerRegistry interface {
	Register(w models.Worker) error
	Remove(id string) error
}

// WorkerWatcher keeps a WorkerRegistry in sync with a workers file.
type WorkerWatcher struct {
	path     string
	registry WorkerRegistry
	onChange func()
	logger   *zap.Logger

	mu     sync.Mutex
	loaded map[string]bool
}

// NewWorkerWatcher creates a watcher for path. onChange, if non-nil, runs
// after every reload that registered or removed a worker.
func NewWorkerWatcher(path string, registry WorkerRegistry, onChange func(), logger *zap.Logger) *WorkerWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if onChange == nil {
		onChange = func() {}
	}
	return &WorkerWatcher{
		path:     path,
		registry: registry,
		onChange: onChange,
		logger:   logger.Named("workers"),
		loaded:   make(map[string]bool),
	}
}

// Reload reads the workers file and registers every worker in it. Workers
// loaded earlier but missing from the file are removed unless they are busy.
func (w *WorkerWatcher) Reload() error {
	workers, err := LoadWorkers(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	current := make(map[string]bool, len(workers))
	changed := false
	for _, worker := range workers {
		if err := w.registry.Register(worker); err != nil {
			return fmt.Errorf("register %s: %w", worker.ID, err)
		}
		current[worker.ID] = true
		changed = true
	}
	for id := range w.loaded {
		if current[id] {
			continue
		}
		if err := w.registry.Remove(id); err != nil {
			w.logger.Warn("worker kept after removal from file", zap.String("worker", id), zap.Error(err))
			current[id] = true
			continue
		}
		changed = true
	}
	w.loaded = current

	w.logger.Info("workers reloaded", zap.String("path", w.path), zap.Int("workers", len(workers)))
	if changed {
		w.onChange()
	}
	return nil
}

// Run loads the file once and then reloads it on every write until ctx ends.
// The parent directory is watched so editors that replace the file are seen.
func (w *WorkerWatcher) Run(ctx context.Context) error {
	if err := w.Reload(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := w.Reload(); err != nil {
				w.logger.Warn("reload workers", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch workers", zap.Error(err))
		}
	}
}
