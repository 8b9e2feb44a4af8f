// Package runner executes external tools as supervised subprocesses. It
// streams merged stdout/stderr line by line, enforces a wall-clock timeout
// and tears down the whole process group on timeout or cancellation.
package runner

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

const (
	// defaultGrace is the pause between SIGTERM and SIGKILL when no grace
	// period is configured.
	defaultGrace = 3 * time.Second

	// tailLines is how many trailing output lines an ExitError carries.
	tailLines = 20
)

// Sink receives one output line at a time, in emission order.
type Sink func(line string)

// Spec describes a single subprocess run.
type Spec struct {
	Dir     string
	Env     []string
	Argv    []string
	Timeout time.Duration // 0 means no limit
	Grace   time.Duration // SIGTERM to SIGKILL escalation window
	Sink    Sink
}

// Result reports a finished run.
type Result struct {
	ExitCode int
	Duration time.Duration
}

// Run starts the command and blocks until it exits, the timeout fires or ctx
// is cancelled. Both termination paths signal the process group so children
// spawned by the tool die with it.
func Run(ctx context.Context, spec Spec) (Result, error) {
	if len(spec.Argv) == 0 {
		return Result{}, fmt.Errorf("runner: empty command")
	}
	grace := spec.Grace
	if grace <= 0 {
		grace = defaultGrace
	}

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	tail := make([]string, 0, tailLines)
	lw := newLineWriter(func(line string) {
		if len(tail) == tailLines {
			copy(tail, tail[1:])
			tail = tail[:tailLines-1]
		}
		tail = append(tail, line)
		if spec.Sink != nil {
			spec.Sink(line)
		}
	})

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = lw
	// Same writer on purpose: os/exec then shares one pipe for both streams
	// and the tool's own write order is preserved.
	cmd.Stderr = lw
	cmd.SysProcAttr = sysProcAttr()

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, &SpawnError{Path: spec.Argv[0], Err: err}
	}
	pid := cmd.Process.Pid

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var werr error
	killed := false
	select {
	case werr = <-waitErr:
	case <-runCtx.Done():
		killed = true
		werr = killGroup(pid, grace, waitErr)
	}
	lw.Flush()
	result := Result{ExitCode: exitCode(cmd, werr), Duration: time.Since(start)}

	if killed {
		if ctx.Err() != nil {
			return result, ErrCanceled
		}
		return result, &TimeoutError{After: spec.Timeout}
	}
	if werr != nil {
		if _, ok := werr.(*exec.ExitError); ok {
			return result, &ExitError{Code: result.ExitCode, Tail: tail}
		}
		return result, fmt.Errorf("runner: wait: %w", werr)
	}
	return result, nil
}

// killGroup terminates the process group: SIGTERM first, SIGKILL once the
// grace period runs out. Returns the process's wait error.
func killGroup(pid int, grace time.Duration, waitErr <-chan error) error {
	_ = signalGroup(pid, syscall.SIGTERM)
	select {
	case err := <-waitErr:
		return err
	case <-time.After(grace):
		_ = signalGroup(pid, syscall.SIGKILL)
		return <-waitErr
	}
}

func exitCode(cmd *exec.Cmd, werr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if werr != nil {
		return -1
	}
	return 0
}
