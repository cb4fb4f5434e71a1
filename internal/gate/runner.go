package gate

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// Tail size kept from check output; matches the report size cap.
const outputTailBytes = 8000

// CommandResult is what a check command produced.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// CommandRunner executes one check command in a repository working
// directory. Implementations must honor the timeout.
type CommandRunner interface {
	Run(ctx context.Context, dir, command string, timeout time.Duration) (CommandResult, error)
}

// ExecRunner runs check commands through the shell.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir, command string, timeout time.Duration) (CommandResult, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := CommandResult{
		Stdout: tail(stdout.String()),
		Stderr: tail(stderr.String()),
	}

	if cmdCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		// Could not start the command at all
		return result, err
	}

	return result, nil
}

func tail(s string) string {
	if len(s) > outputTailBytes {
		return s[len(s)-outputTailBytes:]
	}
	return s
}
