// Package grid chains dispatcher nodes and promotes one worker to aggregate master.
package grid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mattjoyce/drover/internal/config"
	"github.com/mattjoyce/drover/internal/events"
	"github.com/mattjoyce/drover/internal/instance"
	"github.com/mattjoyce/drover/internal/remote"
)

// ErrInvalidGridSize is returned for chain sizes below one.
var ErrInvalidGridSize = errors.New("grid size must be at least 1")

// Spawner launches one node and returns its registered handle.
type Spawner interface {
	Spawn(ctx context.Context, req config.InstanceConfig, customize func(*config.InstanceConfig)) (*instance.Handle, error)
}

// PortAllocator hands out free ports for pipe ids.
type PortAllocator interface {
	Available() (int, error)
}

// Grid is a built chain and its promoted master.
type Grid struct {
	// Nodes are the dispatchers in chain order; node i>0 has node i-1 as neighbour.
	Nodes  []*instance.Handle
	Master *instance.Handle
}

// Builder drives a Spawner to construct grids. Spawns are strictly serial.
type Builder struct {
	cfg      *config.Config
	spawner  Spawner
	registry *instance.Registry
	ports    PortAllocator
	hub      *events.Hub
	logger   *slog.Logger
}

// NewBuilder creates a grid Builder.
func NewBuilder(cfg *config.Config, spawner Spawner, registry *instance.Registry, ports PortAllocator, hub *events.Hub, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		cfg:      cfg,
		spawner:  spawner,
		registry: registry,
		ports:    ports,
		hub:      hub,
		logger:   logger,
	}
}

// GridSpawn builds a chain of req.GridSize dispatchers (grid.size when unset)
// and returns it with the promoted master.
func (b *Builder) GridSpawn(ctx context.Context, req config.InstanceConfig) (*Grid, error) {
	return b.build(ctx, req, false)
}

// LightGridSpawn is GridSpawn with light nodes reserving grid.light_slots each.
func (b *Builder) LightGridSpawn(ctx context.Context, req config.InstanceConfig) (*Grid, error) {
	return b.build(ctx, req, true)
}

// DispatcherSpawn spawns one light dispatcher and connects to the worker it
// dispatches. The worker is not promoted.
func (b *Builder) DispatcherSpawn(ctx context.Context) (*instance.Handle, error) {
	node, err := b.spawner.Spawn(ctx, b.nodeRequest(config.InstanceConfig{}, true), nil)
	if err != nil {
		return nil, fmt.Errorf("spawn dispatcher: %w", err)
	}
	return b.dispatch(ctx, node)
}

func (b *Builder) build(ctx context.Context, req config.InstanceConfig, light bool) (*Grid, error) {
	size := req.GridSize
	if size == 0 {
		size = b.cfg.Grid.Size
	}
	if size < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidGridSize, size)
	}

	g := &Grid{Nodes: make([]*instance.Handle, 0, size)}
	var prev *instance.Handle
	for i := 0; i < size; i++ {
		nodeReq := b.nodeRequest(req, light)
		if prev != nil {
			nodeReq.Neighbour = prev.Address
			nodeReq.NeighbourToken = prev.Token()
		}
		pipeID, err := b.pipeID()
		if err != nil {
			return g, fmt.Errorf("grid node %d: %w", i, err)
		}
		nodeReq.PipeID = pipeID

		node, err := b.spawner.Spawn(ctx, nodeReq, nil)
		if err != nil {
			return g, fmt.Errorf("grid node %d: %w", i, err)
		}
		b.logger.Info("grid node ready", "index", i, "instance", node.Address, "neighbour", nodeReq.Neighbour, "pipe_id", pipeID)
		b.hub.Publish(events.GridNode, events.Lifecycle{
			Address:   node.Address,
			Role:      config.RoleDispatcher,
			Index:     i,
			Neighbour: nodeReq.Neighbour,
		})
		g.Nodes = append(g.Nodes, node)
		prev = node
	}

	master, err := b.dispatch(ctx, prev)
	if err != nil {
		return g, err
	}
	if err := master.Conn.SetAsCoordinationMaster(ctx); err != nil {
		return g, fmt.Errorf("promote master %s: %w", master.Address, err)
	}
	if err := master.Conn.SetConfig(ctx, remote.ConfigPatch{Mode: config.ModeAggregate}); err != nil {
		return g, fmt.Errorf("set aggregate mode on %s: %w", master.Address, err)
	}
	g.Master = master

	b.logger.Info("grid master promoted", "instance", master.Address, "nodes", len(g.Nodes))
	b.hub.Publish(events.GridMaster, events.Lifecycle{
		Address:     master.Address,
		Role:        config.RoleInstance,
		Fingerprint: remote.Fingerprint(master.Token()),
		Count:       len(g.Nodes),
	})
	return g, nil
}

// nodeRequest derives a dispatcher spawn request from a grid request. Port,
// socket and token are dropped so every node gets its own, and chain links
// are dropped so the first node starts without a neighbour.
func (b *Builder) nodeRequest(req config.InstanceConfig, light bool) config.InstanceConfig {
	node := req
	node.Role = config.RoleDispatcher
	node.Port = 0
	node.Socket = ""
	node.Token = ""
	node.Neighbour = ""
	node.NeighbourToken = ""
	node.Upstream = ""
	node.UpstreamToken = ""
	node.PipeID = ""
	node.GridSize = 0
	node.Light = light
	node.Slots = b.cfg.Grid.Slots
	if light {
		node.Slots = b.cfg.Grid.LightSlots
	}
	// A default socket would be shared by every node; nodes always use TCP.
	if node.Host == "" {
		node.Host = b.cfg.Instance.Host
	}
	if node.Host == "" {
		node.Host = "localhost"
	}
	return node
}

func (b *Builder) pipeID() (string, error) {
	a, err := b.ports.Available()
	if err != nil {
		return "", fmt.Errorf("allocate pipe port: %w", err)
	}
	c, err := b.ports.Available()
	if err != nil {
		return "", fmt.Errorf("allocate pipe port: %w", err)
	}
	return strconv.Itoa(a) + "-" + strconv.Itoa(c), nil
}

func (b *Builder) dispatch(ctx context.Context, node *instance.Handle) (*instance.Handle, error) {
	a, err := node.Conn.Dispatch(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispatch on %s: %w", node.Address, err)
	}
	if a.Address == "" {
		return nil, fmt.Errorf("dispatch on %s: empty assignment", node.Address)
	}
	return b.registry.Connect(a.Address, a.Token), nil
}
