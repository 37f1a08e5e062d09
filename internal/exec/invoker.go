package exec

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ShayCichocki/taskforge/internal/executor"
	"github.com/ShayCichocki/taskforge/pkg/models"
)

// Metadata keys read by CommandInvoker.
const (
	MetaCommand = "command"
	MetaWorkDir = "workdir"
)

// DefaultMaxOutput caps the output kept as a task result.
const DefaultMaxOutput = 64 << 10

// ErrNoCommand is returned for a task without a command in its metadata.
var ErrNoCommand = errors.New("task has no command")

// CommandError reports a command that exited unsuccessfully.
type CommandError struct {
	Command string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("command %q: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("command %q: %v: %s", e.Command, e.Err, lastLine(e.Output))
}

func (e *CommandError) Unwrap() error { return e.Err }

// CommandInvoker runs a task's "command" metadata through the shell.
// The worker id and task id are exported as TASKFORGE_WORKER_ID and
// TASKFORGE_TASK_ID. The trimmed output is the task result.
type CommandInvoker struct {
	runner    CommandRunner
	workDir   string
	maxOutput int
	logger    *zap.Logger
}

// InvokerOption configures a CommandInvoker.
type InvokerOption func(*CommandInvoker)

// WithRunner replaces the command runner.
func WithRunner(r CommandRunner) InvokerOption {
	return func(c *CommandInvoker) { c.runner = r }
}

// WithWorkDir sets the directory commands run in unless a task sets "workdir".
func WithWorkDir(dir string) InvokerOption {
	return func(c *CommandInvoker) { c.workDir = dir }
}

// WithMaxOutput caps the bytes of output kept per task.
func WithMaxOutput(n int) InvokerOption {
	return func(c *CommandInvoker) {
		if n > 0 {
			c.maxOutput = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) InvokerOption {
	return func(c *CommandInvoker) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCommandInvoker creates a CommandInvoker.
func NewCommandInvoker(opts ...InvokerOption) *CommandInvoker {
	c := &CommandInvoker{
		runner:    NewRunner(),
		maxOutput: DefaultMaxOutput,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("exec")
	return c
}

// Invoke runs the task's command. It returns the command output on success
// and a *CommandError on a non-zero exit.
func (c *CommandInvoker) Invoke(ctx context.Context, task models.Task, worker models.Worker) (any, error) {
	command := strings.TrimSpace(task.Metadata[MetaCommand])
	if command == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoCommand, task.ID)
	}
	dir := c.workDir
	if d := task.Metadata[MetaWorkDir]; d != "" {
		dir = d
	}
	env := []string{
		"TASKFORGE_TASK_ID=" + task.ID,
		"TASKFORGE_WORKER_ID=" + worker.ID,
	}

	c.logger.Debug("running command",
		zap.String("task", task.ID),
		zap.String("worker", worker.ID),
		zap.String("command", command))

	out, err := c.runner.RunShell(ctx, dir, env, command)
	output := c.truncate(strings.TrimSpace(string(out)))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &CommandError{Command: command, Output: output, Err: err}
	}
	return output, nil
}

func (c *CommandInvoker) truncate(s string) string {
	if len(s) <= c.maxOutput {
		return s
	}
	return s[len(s)-c.maxOutput:]
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

var _ executor.Invoker = (*CommandInvoker)(nil)
