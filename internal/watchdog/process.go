package watchdog

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/msageha/croc_campaign/internal/model"
)

// Handle is a supervised watchdog process.
type Handle interface {
	// Poll never blocks: a running process is Healthy, an exited one maps
	// its exit code to Unreachable or OutOfBounds.
	Poll() model.Health
	Pause() error
	Resume() error
	Terminate() error
	PID() int
}

// Process is a Handle backed by an OS child process in its own process
// group. A reaper goroutine collects the exit status as soon as the child
// exits.
type Process struct {
	cmd   *exec.Cmd
	grace time.Duration

	mu       sync.Mutex
	exited   bool
	exitCode int
	paused   bool
	done     chan struct{}
}

// StartProcess launches args with output appended to out.
func StartProcess(args []string, dir string, out io.Writer) (*Process, error) {
	if len(args) == 0 {
		return nil, errors.New("empty watchdog command")
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start watchdog %s: %w", args[0], err)
	}

	p := &Process{cmd: cmd, grace: 5 * time.Second, done: make(chan struct{})}
	go p.reap()
	return p, nil
}

func (p *Process) reap() {
	err := p.cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	p.mu.Lock()
	p.exited = true
	p.exitCode = code
	p.mu.Unlock()
	close(p.done)
}

func (p *Process) PID() int { return p.cmd.Process.Pid }

func (p *Process) Poll() model.Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.exited {
		return model.HealthHealthy
	}
	return HealthFromExit(p.exitCode)
}

// HealthFromExit maps a watchdog exit code. Any exit, clean or not, other
// than the out-of-bounds code means the watchdog is gone.
func HealthFromExit(code int) model.Health {
	if code == model.ExitOutOfBounds {
		return model.HealthOutOfBounds
	}
	return model.HealthUnreachable
}

// ExitCode reports the exit code once the process has exited.
func (p *Process) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exited
}

// Pause suspends the process group without terminating it.
func (p *Process) Pause() error {
	return p.signal(unix.SIGSTOP, true)
}

func (p *Process) Resume() error {
	return p.signal(unix.SIGCONT, false)
}

func (p *Process) signal(sig unix.Signal, paused bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return nil
	}
	if err := unix.Kill(-p.PID(), sig); err != nil {
		return fmt.Errorf("signal %s pid=%d: %w", unix.SignalName(sig), p.PID(), err)
	}
	p.paused = paused
	return nil
}

// Terminate stops the process group, escalating to SIGKILL after the grace
// period, and waits for the reaper.
func (p *Process) Terminate() error {
	p.mu.Lock()
	exited, paused := p.exited, p.paused
	p.mu.Unlock()
	if exited {
		return nil
	}
	pid := p.PID()
	if paused {
		_ = unix.Kill(-pid, unix.SIGCONT)
	}
	_ = unix.Kill(-pid, unix.SIGTERM)
	select {
	case <-p.done:
		return nil
	case <-time.After(p.grace):
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill watchdog pid=%d: %w", pid, err)
	}
	<-p.done
	return nil
}
