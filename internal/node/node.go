// Package node is the worker side: a process that serves the remote interface
// as either a plain instance or a dispatcher.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/drover/internal/config"
	"github.com/mattjoyce/drover/internal/fleet"
	"github.com/mattjoyce/drover/internal/instance"
	"github.com/mattjoyce/drover/internal/remote"
	"github.com/mattjoyce/drover/internal/spawn"
	"github.com/mattjoyce/drover/internal/teardown"
)

// Options are the collaborators a node runs with. Zero values get defaults.
type Options struct {
	// Forker starts the instances a dispatcher hands out.
	Forker spawn.Forker
	Ports  spawn.PortAllocator
	Killer teardown.ProcessKiller
	// PID is reported as the node's own process id; defaults to os.Getpid.
	PID    int
	Dial   instance.DialFunc
	Logger *slog.Logger
}

// Node implements remote.Service.
type Node struct {
	address string
	pid     int
	logger  *slog.Logger
	stop    context.CancelFunc

	// fleet is the dispatcher's own set of handed-out instances; nil on instances.
	fleet *fleet.Manager

	mu       sync.Mutex
	inst     config.InstanceConfig
	master   bool
	stopping bool
}

// New builds a node from the runtime config. stop is called when a remote
// shutdown is requested.
func New(cfg *config.Config, opts Options, stop context.CancelFunc) (*Node, error) {
	address, err := spawn.Target(cfg.Instance)
	if err != nil {
		return nil, err
	}

	n := &Node{
		address: address,
		pid:     opts.PID,
		logger:  opts.Logger,
		stop:    stop,
		inst:    cfg.Instance,
	}
	if n.pid == 0 {
		n.pid = os.Getpid()
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}
	if n.inst.Mode == "" {
		n.inst.Mode = config.ModeSolo
	}
	if n.inst.Slots == 0 {
		n.inst.Slots = 1
	}

	if cfg.Instance.Role == config.RoleDispatcher {
		local := *cfg
		local.Instance = config.InstanceConfig{
			Host:  cfg.Instance.Host,
			Mode:  config.ModeSolo,
			Slots: n.inst.Slots,
		}
		if local.Instance.Host == "" {
			local.Instance.Host = "localhost"
		}
		n.fleet = fleet.New(&local, fleet.Deps{
			Forker: opts.Forker,
			Ports:  opts.Ports,
			Dial:   opts.Dial,
			Killer: opts.Killer,
			Logger: n.logger.With("component", "fleet"),
		})
	}
	return n, nil
}

// Address returns where the node serves.
func (n *Node) Address() string { return n.address }

func (n *Node) Alive(context.Context) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.stopping
}

// PIDs reports the node's own pid plus, for dispatchers, every pid the
// handed-out instances report. Unreachable children are skipped.
func (n *Node) PIDs(ctx context.Context) ([]int, error) {
	pids := []int{n.pid}
	if n.fleet == nil {
		return pids, nil
	}

	seen := map[int]bool{n.pid: true}
	n.fleet.Each(func(h *instance.Handle) {
		child, err := h.Conn.ConsumedPIDs(ctx)
		if err != nil {
			n.logger.Warn("child did not report pids", "instance", h.Address, "error", err)
			return
		}
		for _, pid := range child {
			if !seen[pid] {
				seen[pid] = true
				pids = append(pids, pid)
			}
		}
	})
	sort.Ints(pids[1:])
	return pids, nil
}

// Shutdown tears down a dispatcher's instances, then stops the node. It
// returns before the server has stopped.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if n.stopping {
		n.mu.Unlock()
		return nil
	}
	n.stopping = true
	n.mu.Unlock()

	n.logger.Info("shutdown requested")
	n.teardownChildren(ctx)
	if n.stop != nil {
		n.stop()
	}
	return nil
}

func (n *Node) teardownChildren(ctx context.Context) {
	if n.fleet == nil || n.fleet.Len() == 0 {
		return
	}
	report := n.fleet.KillAll(ctx)
	if report.Errors != nil {
		n.logger.Warn("child teardown incomplete", "error", report.Errors)
	}
}

func (n *Node) BecomeMaster(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.master = true
	n.logger.Info("promoted to coordination master")
	return nil
}

// ApplyConfig merges a partial config into the running node.
func (n *Node) ApplyConfig(_ context.Context, patch remote.ConfigPatch) error {
	switch patch.Mode {
	case "", config.ModeSolo, config.ModeAggregate:
	default:
		return fmt.Errorf("invalid mode %q (must be %q or %q)", patch.Mode, config.ModeSolo, config.ModeAggregate)
	}
	if patch.Slots < 0 {
		return fmt.Errorf("invalid slots %d", patch.Slots)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.inst = config.MergeInstance(n.inst, config.InstanceConfig{
		Mode:     patch.Mode,
		Slots:    patch.Slots,
		Settings: patch.Settings,
	})
	n.logger.Info("config updated", "mode", n.inst.Mode, "slots", n.inst.Slots)
	return nil
}

// Dispatch spawns an instance that reports back to this dispatcher as its
// upstream and hands out its address and token.
func (n *Node) Dispatch(ctx context.Context) (remote.Assignment, error) {
	if n.fleet == nil {
		return remote.Assignment{}, remote.ErrNotDispatcher
	}

	n.mu.Lock()
	req := config.InstanceConfig{
		Role:          config.RoleInstance,
		Upstream:      n.address,
		UpstreamToken: n.inst.Token,
		Settings:      n.inst.Settings,
	}
	n.mu.Unlock()

	h, err := n.fleet.Spawn(ctx, req, nil)
	if err != nil {
		return remote.Assignment{}, fmt.Errorf("dispatch: %w", err)
	}
	n.logger.Info("dispatched instance", "instance", h.Address)
	return remote.Assignment{Address: h.Address, Token: h.Token()}, nil
}

func (n *Node) Info(context.Context) remote.Info {
	n.mu.Lock()
	defer n.mu.Unlock()
	return remote.Info{
		Address:   n.address,
		Role:      n.inst.Role,
		Mode:      n.inst.Mode,
		Master:    n.master,
		Light:     n.inst.Light,
		Slots:     n.inst.Slots,
		PID:       n.pid,
		Neighbour: n.inst.Neighbour,
		PipeID:    n.inst.PipeID,
		Upstream:  n.inst.Upstream,
		Settings:  n.inst.Settings,
	}
}

// Capacity is the node's own slots plus, for dispatchers, the neighbour's
// capacity, and for aggregate instances, the upstream's. The grid master thus
// spans the whole chain.
func (n *Node) Capacity(ctx context.Context) (int, error) {
	n.mu.Lock()
	inst := n.inst
	n.mu.Unlock()

	total := inst.Slots
	var next, token string
	switch {
	case inst.Role == config.RoleDispatcher && inst.Neighbour != "":
		next, token = inst.Neighbour, inst.NeighbourToken
	case inst.Role != config.RoleDispatcher && inst.Mode == config.ModeAggregate && inst.Upstream != "":
		next, token = inst.Upstream, inst.UpstreamToken
	default:
		return total, nil
	}

	more, err := remote.NewClient(next, func() string { return token }).Capacity(ctx)
	if err != nil {
		return 0, fmt.Errorf("capacity of %s: %w", next, err)
	}
	return total + more, nil
}

// Run serves the node described by cfg until ctx is cancelled or a remote
// shutdown arrives. A dispatcher's instances are torn down before returning.
func Run(ctx context.Context, cfg *config.Config, opts Options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	n, err := New(cfg, opts, cancel)
	if err != nil {
		return err
	}
	n.logger = n.logger.With("instance", n.address, "role", cfg.Instance.Role)

	server := remote.NewServer(remote.Config{Address: n.address, Token: cfg.Instance.Token}, n, n.logger)
	err = server.Start(ctx)

	// Signals bypass Shutdown; children still have to go.
	n.mu.Lock()
	already := n.stopping
	n.stopping = true
	n.mu.Unlock()
	if !already {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 10*time.Second)
		n.teardownChildren(cleanupCtx)
		cleanupCancel()
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
