package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/taskforge/internal/balancer"
	"github.com/ShayCichocki/taskforge/internal/breaker"
	"github.com/ShayCichocki/taskforge/internal/config"
	"github.com/ShayCichocki/taskforge/internal/events"
	"github.com/ShayCichocki/taskforge/internal/executor"
	"github.com/ShayCichocki/taskforge/internal/state"
	"github.com/ShayCichocki/taskforge/internal/store"
	"github.com/ShayCichocki/taskforge/pkg/models"
)

// engine wires the store, worker pool, breaker and executor to one event
// pipeline: every component emits into the emitter, the journal drains it.
// With an events buffer of 0 the journal is written inline instead.
type engine struct {
	store    *store.Store
	balancer *balancer.Balancer
	breaker  *breaker.Breaker
	executor *executor.Executor

	emitter     *events.Emitter
	journal     *state.Journal
	journalDone chan struct{}
	db          *state.DB
	logger      *zap.Logger
}

func newEngine(cfg *config.Config, inv executor.Invoker, logger *zap.Logger) (*engine, error) {
	e := &engine{logger: logger}

	var sink events.Sink = events.NewLogSink(logger)
	if cfg.Journal.Enabled {
		db, err := state.Open(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate journal: %w", err)
		}
		if cfg.Journal.Retention > 0 {
			if n, err := db.PurgeOldEvents(cfg.Journal.Retention); err != nil {
				logger.Warn("purge journal", zap.Error(err))
			} else if n > 0 {
				logger.Info("purged old journal events", zap.Int64("events", n))
			}
		}
		e.db = db
		e.journal = state.NewJournal(db, logger)

		if cfg.Events.BufferSize == 0 {
			sink = events.Multi{e.journal.Sink(), sink}
		} else {
			e.emitter = events.NewEmitter(cfg.Events.BufferSize, logger)
			e.emitter.SetSendTimeout(cfg.Events.SendTimeout)
			sink = events.Multi{e.emitter, sink}

			e.journalDone = make(chan struct{})
			go func() {
				defer close(e.journalDone)
				_ = e.journal.Run(context.Background(), e.emitter.Events())
			}()
		}
	}

	e.store = store.New(store.WithSink(sink), store.WithLogger(logger))
	e.balancer = balancer.New(balancer.WithSink(sink), balancer.WithLogger(logger))
	e.breaker = breaker.New(cfg.Breaker, breaker.WithSink(sink), breaker.WithLogger(logger))

	ex, err := executor.New(executor.RequiredConfig{
		Store:    e.store,
		Balancer: e.balancer,
		Breaker:  e.breaker,
		Invoker:  inv,
	},
		executor.WithConfig(cfg.Executor),
		executor.WithSink(sink),
		executor.WithLogger(logger),
	)
	if err != nil {
		e.close()
		return nil, err
	}
	e.executor = ex
	return e, nil
}

// load registers the manifest workers and submits its tasks.
func (e *engine) load(m *config.Manifest) error {
	for _, w := range m.Workers {
		if err := e.balancer.Register(w); err != nil {
			return fmt.Errorf("register worker %s: %w", w.ID, err)
		}
	}
	if len(m.Tasks) == 0 {
		return nil
	}
	if _, err := e.executor.Submit(m.Tasks); err != nil {
		return err
	}
	return nil
}

// recoverInterrupted closes out journaled runs whose process died.
func (e *engine) recoverInterrupted() {
	if e.db == nil {
		return
	}
	rm := state.NewRecoveryManager(e.db)
	interrupted, err := rm.CheckForInterrupted()
	if err != nil {
		e.logger.Warn("check interrupted runs", zap.Error(err))
		return
	}
	for _, ir := range interrupted {
		e.logger.Warn("previous run was interrupted",
			zap.String("run_id", ir.RunID),
			zap.Time("started_at", ir.StartedAt),
			zap.Int("unfinished_tasks", ir.Unfinished))
		if err := rm.MarkInterrupted(ir.RunID); err != nil {
			e.logger.Warn("mark run interrupted", zap.String("run_id", ir.RunID), zap.Error(err))
		}
	}
}

// run drives the executor until every task is terminal or ctx ends, with
// the optional worker watcher running alongside.
func (e *engine) run(ctx context.Context, watcher *config.WorkerWatcher) (executor.Summary, error) {
	var summary executor.Summary
	var runErr error

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()

	var g errgroup.Group
	if watcher != nil {
		g.Go(func() error {
			if err := watcher.Run(watchCtx); err != nil {
				e.logger.Warn("worker watcher stopped", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		defer stopWatch()
		summary, runErr = e.executor.Run(ctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return summary, err
	}
	return summary, runErr
}

// tasks returns every task in submission order.
func (e *engine) tasks() []models.Task {
	return e.store.List(store.Filter{})
}

// close flushes buffered events to the journal and closes it.
func (e *engine) close() {
	if e.emitter != nil {
		e.emitter.Close()
		<-e.journalDone
		if n := e.emitter.DroppedCount(); n > 0 {
			e.logger.Warn("events dropped before reaching the journal", zap.Uint64("dropped", n))
		}
	}
	if e.journal != nil {
		if n := e.journal.Failures(); n > 0 {
			e.logger.Warn("journal writes failed", zap.Uint64("failures", n))
		}
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: close journal: %v\n", err)
		}
	}
}
