package node

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mattjoyce/drover/internal/protocol"
	"github.com/mattjoyce/drover/internal/spawn"
)

// firstInProcessPID keeps synthetic pids clear of typical real ones.
const firstInProcessPID = 4_000_000

// InProcess runs nodes as goroutines of the current process. It is both the
// Forker and the ProcessKiller for such a fleet: pids are synthetic and
// killing one cancels its node.
type InProcess struct {
	Ports  *spawn.LocalPorts
	Logger *slog.Logger

	mu      sync.Mutex
	nextPID int
	procs   map[int]*inProcess
}

// NewInProcess returns an in-process forker.
func NewInProcess(logger *slog.Logger) *InProcess {
	if logger == nil {
		logger = slog.Default()
	}
	return &InProcess{
		Ports:   spawn.NewLocalPorts(""),
		Logger:  logger,
		nextPID: firstInProcessPID,
		procs:   make(map[int]*inProcess),
	}
}

// Fork starts a node goroutine for the launch envelope.
func (f *InProcess) Fork(_ context.Context, launch *protocol.Launch) (spawn.Process, error) {
	f.mu.Lock()
	f.nextPID++
	pid := f.nextPID
	ctx, cancel := context.WithCancel(context.Background())
	p := &inProcess{pid: pid, cancel: cancel, done: make(chan struct{})}
	f.procs[pid] = p
	f.mu.Unlock()

	cfg := launch.Runtime()
	go func() {
		defer close(p.done)
		defer f.forget(pid)
		err := Run(ctx, cfg, Options{
			Forker: f,
			Ports:  f.Ports,
			Killer: f,
			PID:    pid,
			Logger: f.Logger.With("pid", pid),
		})
		if err != nil {
			f.Logger.Warn("in-process node exited", "pid", pid, "error", err)
		}
	}()
	return p, nil
}

// KillPIDs cancels the nodes behind pids and waits for them to exit.
// Unknown pids are ignored.
func (f *InProcess) KillPIDs(pids []int) error {
	var victims []*inProcess
	f.mu.Lock()
	for _, pid := range pids {
		if p, ok := f.procs[pid]; ok {
			victims = append(victims, p)
		}
	}
	f.mu.Unlock()

	for _, p := range victims {
		p.cancel()
	}
	for _, p := range victims {
		<-p.done
	}
	return nil
}

// Running returns the number of live in-process nodes.
func (f *InProcess) Running() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

func (f *InProcess) forget(pid int) {
	f.mu.Lock()
	delete(f.procs, pid)
	f.mu.Unlock()
}

type inProcess struct {
	pid    int
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *inProcess) PID() int { return p.pid }

func (p *inProcess) Done() <-chan struct{} { return p.done }

func (p *inProcess) Stop(ctx context.Context) error {
	p.cancel()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
