package server

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// CommandResult is the outcome of a short-lived command.
type CommandResult struct {
	Output   string
	ExitCode int
}

// CommandRunner runs short-lived commands to completion (runtime probes,
// tunnel authtoken registration).
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) (CommandResult, error)
}

// ExecCommandRunner runs commands on the local machine.
type ExecCommandRunner struct{}

// Run executes name with args. A non-zero exit code is reported through the
// result, not the error. The error is set when the command could not be
// started or ctx ended first.
func (ExecCommandRunner) Run(ctx context.Context, dir, name string, args ...string) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.WaitDelay = time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	result := CommandResult{Output: strings.TrimSpace(out.String())}
	if ctx.Err() != nil {
		result.ExitCode = -1
		return result, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		result.ExitCode = -1
		return result, err
	}
	return result, nil
}

// MockCommandRunner for testing
type MockCommandRunner struct {
	MockResult CommandResult
	MockError  error
	Handlers   map[string]func(name string, args []string) (CommandResult, error)
	Calls      []string

	mu sync.Mutex
}

func (m *MockCommandRunner) Run(ctx context.Context, dir, name string, args ...string) (CommandResult, error) {
	command := strings.TrimSpace(name + " " + strings.Join(args, " "))
	m.mu.Lock()
	m.Calls = append(m.Calls, command)
	m.mu.Unlock()
	if m.Handlers != nil {
		for prefix, handler := range m.Handlers {
			if strings.HasPrefix(command, prefix) {
				return handler(name, args)
			}
		}
	}
	return m.MockResult, m.MockError
}
