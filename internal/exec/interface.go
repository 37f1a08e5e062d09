// Package exec runs task commands on the local machine. CommandInvoker is
// the worker invocation used by the taskforge CLI.
package exec

import (
	"context"
)

// CommandRunner defines the interface for running external commands.
// This abstraction allows mocking command execution in tests.
type CommandRunner interface {
	// Run executes a command and returns combined stdout/stderr output.
	// The working directory is set to workDir if non-empty. env is appended
	// to the current process environment.
	Run(ctx context.Context, workDir string, env []string, name string, args ...string) (output []byte, err error)

	// RunShell executes a shell command through "sh -c".
	RunShell(ctx context.Context, workDir string, env []string, command string) (output []byte, err error)
}
