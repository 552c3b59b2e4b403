package spawn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/mattjoyce/drover/internal/protocol"
)

// defaultGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
const defaultGracePeriod = 2 * time.Second

// Process is a forked worker.
type Process interface {
	PID() int
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// Stop terminates the process, escalating after a grace period.
	Stop(ctx context.Context) error
}

// Forker starts a worker that applies the launch config and serves the remote
// interface. Fork returns before the worker is ready to accept calls.
type Forker interface {
	Fork(ctx context.Context, launch *protocol.Launch) (Process, error)
}

// ExecForker re-executes a drover binary as "node serve" and hands it the
// launch envelope on stdin.
type ExecForker struct {
	// Executable defaults to the running binary.
	Executable  string
	GracePeriod time.Duration
	// Stderr receives the child's logs; defaults to os.Stderr.
	Stderr io.Writer
	Logger *slog.Logger
}

// Fork starts the child in its own process group so terminal signals aimed at
// the orchestrator do not reach it; teardown owns its lifetime.
func (f *ExecForker) Fork(ctx context.Context, launch *protocol.Launch) (Process, error) {
	exe := f.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		exe = self
	}

	// Not CommandContext: the worker outlives the spawn call.
	cmd := exec.Command(exe, "node", "serve")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = io.Discard
	cmd.Stderr = f.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	logger := f.logger().With("pid", cmd.Process.Pid)
	logger.Debug("forked worker", "executable", exe)

	go func() {
		defer stdin.Close()
		if err := protocol.EncodeLaunch(stdin, launch); err != nil {
			logger.Error("failed to write launch envelope", "error", err)
		}
	}()

	p := &execProcess{
		cmd:    cmd,
		done:   make(chan struct{}),
		grace:  f.GracePeriod,
		logger: logger,
	}
	if p.grace <= 0 {
		p.grace = defaultGracePeriod
	}
	go p.reap()
	return p, nil
}

func (f *ExecForker) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

type execProcess struct {
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
	grace   time.Duration
	logger  *slog.Logger
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) reap() {
	p.waitErr = p.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) {
		p.logger.Debug("worker exited", "exit_code", exitErr.ExitCode())
	}
	close(p.done)
}

// Stop sends SIGTERM to the worker's process group, then SIGKILL once the
// grace period or ctx runs out.
func (p *execProcess) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	pgid := -p.cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		p.logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(p.grace)
	defer grace.Stop()

	select {
	case <-p.done:
		p.logger.Info("worker exited after SIGTERM")
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	p.logger.Warn("worker did not exit after SIGTERM, sending SIGKILL")
	if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill worker %d: %w", p.cmd.Process.Pid, err)
	}
	<-p.done
	return nil
}
