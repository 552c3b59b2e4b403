// Package teardown destroys registered workers and every process they own.
package teardown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/mattjoyce/drover/internal/events"
	"github.com/mattjoyce/drover/internal/instance"
)

// ProcessKiller force-terminates a set of process ids.
type ProcessKiller interface {
	KillPIDs(pids []int) error
}

// SignalKiller sends SIGKILL. Processes that are already gone are ignored and
// the calling process is never signalled.
type SignalKiller struct{}

// KillPIDs signals every pid and combines the failures.
func (SignalKiller) KillPIDs(pids []int) error {
	self := os.Getpid()
	var err error
	for _, pid := range pids {
		if pid <= 0 || pid == self {
			continue
		}
		if kerr := syscall.Kill(pid, syscall.SIGKILL); kerr != nil && !errors.Is(kerr, syscall.ESRCH) {
			err = multierr.Append(err, fmt.Errorf("kill %d: %w", pid, kerr))
		}
	}
	return err
}

// Report describes one KillAll pass.
type Report struct {
	// Addresses are the workers visited, in visit order.
	Addresses []string
	// PIDs is the deduplicated union collected before shutdown, sorted.
	PIDs []int
	// Errors combines every per-instance failure; nil when all calls succeeded.
	Errors error
}

// Failures returns the individual errors in Errors.
func (r *Report) Failures() []error {
	return multierr.Errors(r.Errors)
}

// Coordinator tears workers down.
type Coordinator struct {
	registry    *instance.Registry
	killer      ProcessKiller
	callTimeout time.Duration
	hub         *events.Hub
	logger      *slog.Logger
}

// New creates a Coordinator. callTimeout bounds each remote call.
func New(registry *instance.Registry, killer ProcessKiller, callTimeout time.Duration, hub *events.Hub, logger *slog.Logger) *Coordinator {
	if killer == nil {
		killer = SignalKiller{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		registry:    registry,
		killer:      killer,
		callTimeout: callTimeout,
		hub:         hub,
		logger:      logger,
	}
}

// Kill terminates every process the worker at address reports and removes it
// from the registry. If the pids cannot be collected, nothing is killed and a
// registered address stays registered; an unknown one is not left behind.
// A failed termination still removes the address, since every pid has
// already been signalled.
func (c *Coordinator) Kill(ctx context.Context, address string) error {
	h, known := c.registry.Lookup(address)
	if !known {
		h = c.registry.Connect(address, "")
	}

	callCtx, cancel := c.callContext(ctx)
	pids, err := h.Conn.ConsumedPIDs(callCtx)
	cancel()
	if err != nil {
		if !known {
			c.registry.Remove(address)
		}
		return fmt.Errorf("collect pids from %s: %w", address, err)
	}

	killErr := c.killer.KillPIDs(pids)
	c.registry.Remove(address)
	if killErr != nil {
		c.logger.Warn("instance kill incomplete", "instance", address, "pids", pids, "error", killErr)
		return fmt.Errorf("kill %s: %w", address, killErr)
	}

	c.logger.Info("instance killed", "instance", address, "pids", pids)
	c.hub.Publish(events.InstanceKilled, events.Lifecycle{Address: address, PIDs: pids})
	return nil
}

// KillAll collects pids from every worker, asks each to shut down, clears the
// registry, and force-kills the collected union. Per-instance failures are
// recorded in the report and never stop the pass.
func (c *Coordinator) KillAll(ctx context.Context) *Report {
	report := &Report{}
	pidSet := make(map[int]struct{})

	// Collect before shutdown: a stopped worker can no longer report its children.
	c.registry.Each(func(h *instance.Handle) {
		report.Addresses = append(report.Addresses, h.Address)

		callCtx, cancel := c.callContext(ctx)
		defer cancel()
		pids, err := h.Conn.ConsumedPIDs(callCtx)
		if err != nil {
			c.recordError(report, h.Address, fmt.Errorf("collect pids from %s: %w", h.Address, err))
			return
		}
		for _, pid := range pids {
			pidSet[pid] = struct{}{}
		}
	})

	for _, address := range report.Addresses {
		h := c.registry.Connect(address, "")
		callCtx, cancel := c.callContext(ctx)
		if err := h.Conn.Shutdown(callCtx); err != nil {
			c.recordError(report, address, fmt.Errorf("shutdown %s: %w", address, err))
		}
		cancel()
	}

	c.registry.Clear()

	report.PIDs = make([]int, 0, len(pidSet))
	for pid := range pidSet {
		report.PIDs = append(report.PIDs, pid)
	}
	sort.Ints(report.PIDs)

	if err := c.killer.KillPIDs(report.PIDs); err != nil {
		report.Errors = multierr.Append(report.Errors, err)
		c.logger.Warn("force kill incomplete", "error", err)
	}

	c.logger.Info("teardown complete",
		"instances", len(report.Addresses),
		"pids", len(report.PIDs),
		"errors", len(report.Failures()),
	)
	c.hub.Publish(events.TeardownDone, events.Lifecycle{
		PIDs:  report.PIDs,
		Count: len(report.Addresses),
	})
	return report
}

func (c *Coordinator) recordError(report *Report, address string, err error) {
	report.Errors = multierr.Append(report.Errors, err)
	c.logger.Warn("teardown step failed", "instance", address, "error", err)
	c.hub.Publish(events.TeardownError, events.Lifecycle{Address: address, Error: err.Error()})
}

func (c *Coordinator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.callTimeout)
}
