package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Invocation is one DAQ process launch.
type Invocation struct {
	Args    []string
	Dir     string
	Timeout time.Duration
}

// Launcher starts a process and waits for it under inv.Timeout. A timed
// out process is reported as StatusTerminated, not as an error. err is
// non-nil only when the process could not be started or ctx was cancelled.
type Launcher interface {
	Launch(ctx context.Context, inv Invocation) (status int, err error)
}

// ExecLauncher runs the DAQ in its own process group so a timeout can take
// down any children it spawned.
type ExecLauncher struct {
	Output io.Writer
	Grace  time.Duration
}

func (l *ExecLauncher) Launch(ctx context.Context, inv Invocation) (int, error) {
	if len(inv.Args) == 0 {
		return StatusLaunchFailed, errors.New("empty command")
	}
	cmd := exec.Command(inv.Args[0], inv.Args[1:]...)
	cmd.Dir = inv.Dir
	cmd.Stdout = l.Output
	cmd.Stderr = l.Output
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return StatusLaunchFailed, fmt.Errorf("start %s: %w", inv.Args[0], err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeout <-chan time.Time
	if inv.Timeout > 0 {
		t := time.NewTimer(inv.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case err := <-done:
		return exitStatus(err), nil
	case <-timeout:
		l.terminate(cmd.Process.Pid, done)
		return StatusTerminated, nil
	case <-ctx.Done():
		l.terminate(cmd.Process.Pid, done)
		return StatusTerminated, ctx.Err()
	}
}

// terminate sends SIGTERM to the process group, escalates to SIGKILL after
// the grace period, and always reaps the child.
func (l *ExecLauncher) terminate(pid int, done <-chan error) {
	grace := l.Grace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	_ = unix.Kill(-pid, unix.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(grace):
	}
	_ = unix.Kill(-pid, unix.SIGKILL)
	<-done
}

// EchoLauncher prints each invocation instead of running it. Used for dry
// runs.
type EchoLauncher struct {
	Output io.Writer
}

func (l *EchoLauncher) Launch(ctx context.Context, inv Invocation) (int, error) {
	if err := ctx.Err(); err != nil {
		return StatusTerminated, err
	}
	if l.Output != nil {
		fmt.Fprintf(l.Output, "dry-run: (cd %s) %s\n", inv.Dir, strings.Join(inv.Args, " "))
	}
	return 0, nil
}

func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
		return StatusTerminated
	}
	return StatusLaunchFailed
}
