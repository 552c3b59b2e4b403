// Package fleet is the single entry point for instance management: one
// explicitly constructed Manager owns the registry and every lifecycle
// operation over it.
package fleet

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mattjoyce/drover/internal/config"
	"github.com/mattjoyce/drover/internal/events"
	"github.com/mattjoyce/drover/internal/grid"
	"github.com/mattjoyce/drover/internal/instance"
	"github.com/mattjoyce/drover/internal/remote"
	"github.com/mattjoyce/drover/internal/spawn"
	"github.com/mattjoyce/drover/internal/teardown"
)

// Deps are the collaborators a Manager is built from. Zero values get the
// production defaults.
type Deps struct {
	Forker spawn.Forker
	Ports  spawn.PortAllocator
	Dial   instance.DialFunc
	Tokens func() string
	Clock  clockwork.Clock
	Killer teardown.ProcessKiller
	Hub    *events.Hub
	Logger *slog.Logger
}

// Manager owns one registry and the spawner, grid builder and teardown
// coordinator that operate on it.
type Manager struct {
	cfg      *config.Config
	registry *instance.Registry
	spawner  *spawn.Spawner
	grids    *grid.Builder
	teardown *teardown.Coordinator
	hub      *events.Hub
	logger   *slog.Logger
}

// New builds a Manager for cfg.
func New(cfg *config.Config, deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := deps.Hub
	if hub == nil {
		hub = events.NewHub(256)
	}
	dial := deps.Dial
	if dial == nil {
		dial = instance.DialRemote
	}

	registry := instance.NewRegistry(dial)
	spawner := spawn.New(cfg, registry, spawn.Options{
		Forker: deps.Forker,
		Ports:  deps.Ports,
		Dial:   dial,
		Tokens: deps.Tokens,
		Clock:  deps.Clock,
		Hub:    hub,
		Logger: logger.With("component", "spawn"),
	})

	return &Manager{
		cfg:      cfg,
		registry: registry,
		spawner:  spawner,
		grids:    grid.NewBuilder(cfg, spawner, registry, spawner.Ports(), hub, logger.With("component", "grid")),
		teardown: teardown.New(registry, deps.Killer, cfg.Teardown.CallTimeout, hub, logger.With("component", "teardown")),
		hub:      hub,
		logger:   logger,
	}
}

// Hub returns the lifecycle event hub.
func (m *Manager) Hub() *events.Hub { return m.hub }

// Connect returns the cached handle for address, recording token if the
// address has none yet.
func (m *Manager) Connect(address, token string) *instance.Handle {
	return m.registry.Connect(address, token)
}

// Each visits every registered worker.
func (m *Manager) Each(visit func(*instance.Handle)) {
	m.registry.Each(visit)
}

// TokenFor resolves the credential of an address or handle.
func (m *Manager) TokenFor(target instance.Target) string {
	return m.registry.TokenFor(target)
}

// List returns a copy of the address to token mapping.
func (m *Manager) List() map[string]string {
	return m.registry.List()
}

// Len returns the number of registered workers.
func (m *Manager) Len() int {
	return m.registry.Len()
}

// Spawn launches one worker and waits for it to become ready.
func (m *Manager) Spawn(ctx context.Context, req config.InstanceConfig, customize func(*config.InstanceConfig)) (*instance.Handle, error) {
	return m.spawner.Spawn(ctx, req, customize)
}

// GridSpawn builds a dispatcher chain and returns its aggregate master.
func (m *Manager) GridSpawn(ctx context.Context, req config.InstanceConfig) (*instance.Handle, error) {
	g, err := m.grids.GridSpawn(ctx, req)
	if err != nil {
		return nil, err
	}
	return g.Master, nil
}

// LightGridSpawn is GridSpawn with light nodes.
func (m *Manager) LightGridSpawn(ctx context.Context, req config.InstanceConfig) (*instance.Handle, error) {
	g, err := m.grids.LightGridSpawn(ctx, req)
	if err != nil {
		return nil, err
	}
	return g.Master, nil
}

// BuildGrid is GridSpawn returning the whole chain.
func (m *Manager) BuildGrid(ctx context.Context, req config.InstanceConfig, light bool) (*grid.Grid, error) {
	if light {
		return m.grids.LightGridSpawn(ctx, req)
	}
	return m.grids.GridSpawn(ctx, req)
}

// DispatcherSpawn spawns one light dispatcher and connects to its worker.
func (m *Manager) DispatcherSpawn(ctx context.Context) (*instance.Handle, error) {
	return m.grids.DispatcherSpawn(ctx)
}

// Kill destroys one worker and its processes.
func (m *Manager) Kill(ctx context.Context, address string) error {
	return m.teardown.Kill(ctx, address)
}

// KillAll destroys every registered worker.
func (m *Manager) KillAll(ctx context.Context) *teardown.Report {
	return m.teardown.KillAll(ctx)
}

// Status is a point-in-time view of one worker.
type Status struct {
	Address     string
	Fingerprint string
	Alive       bool
	Info        remote.Info
	PIDs        []int
	Err         error
}

// Status probes every registered worker. Probe failures are reported per
// worker, never returned.
func (m *Manager) Status(ctx context.Context) []Status {
	var out []Status
	m.registry.Each(func(h *instance.Handle) {
		st := Status{Address: h.Address, Fingerprint: remote.Fingerprint(h.Token())}

		callCtx, cancel := m.callContext(ctx)
		defer cancel()

		alive, err := h.Conn.IsAlive(callCtx)
		if err != nil {
			st.Err = err
			out = append(out, st)
			return
		}
		st.Alive = alive
		if st.Info, err = h.Conn.Info(callCtx); err != nil {
			st.Err = err
		}
		if st.PIDs, err = h.Conn.ConsumedPIDs(callCtx); err != nil && st.Err == nil {
			st.Err = err
		}
		out = append(out, st)
	})
	return out
}

func (m *Manager) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := m.cfg.Teardown.CallTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}
