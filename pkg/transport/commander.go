package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// Commander invokes a local binary (ssh, oc, virtctl) with an argument list.
// Invocations are always argv-based; interpolated values never pass through a
// local shell.
type Commander interface {
	Run(ctx context.Context, argv []string) (Output, error)
}

// CommanderFunc adapts a function into a Commander.
type CommanderFunc func(ctx context.Context, argv []string) (Output, error)

// Run implements Commander.
func (f CommanderFunc) Run(ctx context.Context, argv []string) (Output, error) {
	return f(ctx, argv)
}

// ExecCommander shells out using os/exec, capturing stdout and stderr.
type ExecCommander struct{}

// NewExecCommander constructs a Commander backed by os/exec.
func NewExecCommander() *ExecCommander {
	return &ExecCommander{}
}

// Run executes the argv, returning captured output and the process exit code.
// A context deadline surfaces as an error so callers can treat it as a timeout.
func (e *ExecCommander) Run(ctx context.Context, argv []string) (Output, error) {
	if len(argv) == 0 {
		return Output{ExitCode: -1}, errors.New("command is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}

	if ctx.Err() != nil {
		out.ExitCode = -1
		return out, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		out.ExitCode = -1
		return out, fmt.Errorf("run %s: %w", argv[0], err)
	}
	return out, nil
}

var _ Commander = (*ExecCommander)(nil)
var _ Commander = CommanderFunc(nil)
