package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"
)

// maxOutput bounds captured stdout and stderr per command.
const maxOutput = 64 * 1024

type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
	Canceled bool
}

func (r *CommandResult) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut && !r.Canceled
}

// Runner executes shell scripts, optionally through sudo.
type Runner struct {
	useSudo bool
	shell   string
}

func NewRunner(useSudo bool) *Runner {
	return &Runner{useSudo: useSudo, shell: "sh"}
}

// Run feeds script to the shell on stdin. The context bounds the run; its
// deadline yields TimedOut and a cancellation yields Canceled.
func (r *Runner) Run(ctx context.Context, script string, env []string) *CommandResult {
	start := time.Now()

	name, args := r.shell, []string{"-s"}
	if r.useSudo {
		name, args = "sudo", append([]string{"-E", r.shell}, args...)
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewBufferString(script)
	cmd.Env = append(os.Environ(), env...)
	// children of a killed shell may hold the output pipes open
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &CommandResult{
		Duration: time.Since(start),
		Stdout:   truncate(stdout.String()),
		Stderr:   truncate(stderr.String()),
	}
	if err == nil {
		return result
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
		result.ExitCode = -1
	case errors.Is(ctx.Err(), context.Canceled):
		result.Canceled = true
		result.ExitCode = -1
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			result.Stderr = err.Error()
		}
	}
	return result
}

func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[len(s)-maxOutput:]
}
