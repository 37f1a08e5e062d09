package executor

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/taskforge/pkg/models"
)

// Invoker runs a task on a worker. It should return promptly once ctx is done.
type Invoker interface {
	Invoke(ctx context.Context, task models.Task, worker models.Worker) (any, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, task models.Task, worker models.Worker) (any, error)

// Invoke calls f(ctx, task, worker).
func (f InvokerFunc) Invoke(ctx context.Context, task models.Task, worker models.Worker) (any, error) {
	return f(ctx, task, worker)
}

type outcome struct {
	result any
	err    error
}

// invokeUntilDone calls inv in its own goroutine and stops waiting when ctx
// ends. An invoker that ignores ctx is abandoned, not killed.
func invokeUntilDone(ctx context.Context, inv Invoker, task models.Task, worker models.Worker) (any, error) {
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("invoker panic: %v", r)}
			}
		}()
		result, err := inv.Invoke(ctx, task, worker)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
