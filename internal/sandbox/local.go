//go:build unix

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// LocalRuntime runs the entry point as a host process in its own process
// group, with rlimits applied right after start.
type LocalRuntime struct {
	logger *zap.Logger
	// WaitDelay bounds how long Run waits for output pipes after the tree is killed.
	WaitDelay time.Duration
}

// NewLocalRuntime creates a LocalRuntime.
func NewLocalRuntime(logger *zap.Logger) *LocalRuntime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalRuntime{logger: logger, WaitDelay: 2 * time.Second}
}

func (r *LocalRuntime) Name() string { return "local" }

func (r *LocalRuntime) Run(ctx context.Context, spec Spec) (Outcome, error) {
	if len(spec.Argv) == 0 {
		return Outcome{ExitCode: -1}, errors.New("empty argv")
	}
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = r.WaitDelay

	if err := ctx.Err(); err != nil {
		return Outcome{ExitCode: -1, Killed: true}, nil
	}
	if err := cmd.Start(); err != nil {
		return Outcome{ExitCode: -1}, fmt.Errorf("start %s: %w", spec.Argv[0], err)
	}
	pid := cmd.Process.Pid
	if err := applyLimits(pid, spec.Limits); err != nil {
		r.logger.Warn("apply resource limits", zap.Int("pid", pid), zap.Error(err))
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var out Outcome
	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		killGroup(pid)
		out.Killed = true
		waitErr = <-done
	}
	// Reap anything the entry point left running in its group.
	killGroup(pid)

	out.ExitCode = -1
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
		if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			out.Signal = unix.SignalName(ws.Signal())
		}
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
			r.logger.Debug("wait", zap.Int("pid", pid), zap.Error(waitErr))
		}
	}
	return out, nil
}

// killGroup sends SIGKILL to the process group led by pid.
func killGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = unix.Kill(-pid, unix.SIGKILL)
}
