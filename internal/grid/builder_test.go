package grid

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/drover/internal/config"
	"github.com/mattjoyce/drover/internal/events"
	"github.com/mattjoyce/drover/internal/instance"
	"github.com/mattjoyce/drover/internal/instance/mocks"
	"github.com/mattjoyce/drover/internal/log"
	"github.com/mattjoyce/drover/internal/remote"
)

const masterAddress = "localhost:7000"

type fakeSpawner struct {
	registry *instance.Registry
	conns    map[string]*mocks.MockConn
	ctrl     *gomock.Controller
	requests []config.InstanceConfig
	// onNode sets expectations on node i's connection.
	onNode func(i int, c *mocks.MockConn)
	failAt int
}

func (f *fakeSpawner) Spawn(_ context.Context, req config.InstanceConfig, _ func(*config.InstanceConfig)) (*instance.Handle, error) {
	i := len(f.requests)
	f.requests = append(f.requests, req)
	if f.failAt >= 0 && i == f.failAt {
		return nil, errors.New("never started")
	}
	address := fmt.Sprintf("localhost:%d", 6000+i)
	c := mocks.NewMockConn(f.ctrl)
	if f.onNode != nil {
		f.onNode(i, c)
	}
	f.conns[address] = c
	return f.registry.Connect(address, fmt.Sprintf("tok-%d", i)), nil
}

type fakePorts struct{ next int }

func (p *fakePorts) Available() (int, error) {
	p.next++
	return p.next, nil
}

type fixture struct {
	cfg     *config.Config
	spawner *fakeSpawner
	master  *mocks.MockConn
	hub     *events.Hub
	builder *Builder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &fixture{
		cfg:    config.Defaults(),
		master: mocks.NewMockConn(ctrl),
		hub:    events.NewHub(32),
	}
	conns := map[string]*mocks.MockConn{masterAddress: f.master}
	registry := instance.NewRegistry(func(address string, _ func() string) instance.Conn {
		return conns[address]
	})
	f.spawner = &fakeSpawner{registry: registry, conns: conns, ctrl: ctrl, failAt: -1}
	f.builder = NewBuilder(f.cfg, f.spawner, registry, &fakePorts{next: 8999}, f.hub, log.Discard())
	return f
}

// dispatchOnLast expects Dispatch on the last of n nodes only.
func (f *fixture) dispatchOnLast(n int, a remote.Assignment, err error) {
	f.spawner.onNode = func(i int, c *mocks.MockConn) {
		if i == n-1 {
			c.EXPECT().Dispatch(gomock.Any()).Return(a, err)
		}
	}
}

func TestGridSpawnDefaultChain(t *testing.T) {
	f := newFixture(t)
	f.dispatchOnLast(3, remote.Assignment{Address: masterAddress, Token: "master-token"}, nil)
	gomock.InOrder(
		f.master.EXPECT().SetAsCoordinationMaster(gomock.Any()).Return(nil),
		f.master.EXPECT().SetConfig(gomock.Any(), remote.ConfigPatch{Mode: config.ModeAggregate}).Return(nil),
	)

	g, err := f.builder.GridSpawn(context.Background(), config.InstanceConfig{})
	require.NoError(t, err)

	require.Len(t, g.Nodes, 3)
	require.Len(t, f.spawner.requests, 3)

	links := 0
	for i, req := range f.spawner.requests {
		assert.Equal(t, config.RoleDispatcher, req.Role)
		assert.Equal(t, 4, req.Slots)
		assert.False(t, req.Light)
		assert.Equal(t, fmt.Sprintf("%d-%d", 9000+2*i, 9001+2*i), req.PipeID)
		if i == 0 {
			assert.Empty(t, req.Neighbour)
			continue
		}
		links++
		assert.Equal(t, g.Nodes[i-1].Address, req.Neighbour)
		assert.Equal(t, fmt.Sprintf("tok-%d", i-1), req.NeighbourToken)
	}
	assert.Equal(t, 2, links)

	assert.Equal(t, masterAddress, g.Master.Address)
	assert.Equal(t, "master-token", g.Master.Token())
	assert.Contains(t, f.spawner.registry.List(), masterAddress)

	snap := f.hub.SnapshotSince(0)
	require.Len(t, snap, 4)
	assert.Equal(t, events.GridMaster, snap[3].Type)
}

func TestGridSpawnSizeFromRequest(t *testing.T) {
	f := newFixture(t)
	f.dispatchOnLast(5, remote.Assignment{Address: masterAddress}, nil)
	f.master.EXPECT().SetAsCoordinationMaster(gomock.Any()).Return(nil)
	f.master.EXPECT().SetConfig(gomock.Any(), gomock.Any()).Return(nil)

	g, err := f.builder.GridSpawn(context.Background(), config.InstanceConfig{GridSize: 5})
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 5)
	for _, req := range f.spawner.requests {
		assert.Zero(t, req.GridSize, "grid size must not leak into node configs")
	}
}

func TestGridSpawnSizeOne(t *testing.T) {
	f := newFixture(t)
	f.dispatchOnLast(1, remote.Assignment{Address: masterAddress}, nil)
	f.master.EXPECT().SetAsCoordinationMaster(gomock.Any()).Return(nil)
	f.master.EXPECT().SetConfig(gomock.Any(), gomock.Any()).Return(nil)

	g, err := f.builder.GridSpawn(context.Background(), config.InstanceConfig{GridSize: 1})
	require.NoError(t, err)
	require.Len(t, g.Nodes, 1)
	assert.Empty(t, f.spawner.requests[0].Neighbour)
}

func TestGridSpawnDropsRequestLinks(t *testing.T) {
	f := newFixture(t)
	f.dispatchOnLast(3, remote.Assignment{Address: masterAddress}, nil)
	f.master.EXPECT().SetAsCoordinationMaster(gomock.Any()).Return(nil)
	f.master.EXPECT().SetConfig(gomock.Any(), gomock.Any()).Return(nil)

	_, err := f.builder.GridSpawn(context.Background(), config.InstanceConfig{
		Neighbour:      "localhost:9000",
		NeighbourToken: "stale",
		Upstream:       "localhost:9001",
		UpstreamToken:  "stale",
		PipeID:         "pipe-stale",
	})
	require.NoError(t, err)
	require.Len(t, f.spawner.requests, 3)

	first := f.spawner.requests[0]
	assert.Empty(t, first.Neighbour)
	assert.Empty(t, first.NeighbourToken)
	for i, req := range f.spawner.requests {
		assert.Empty(t, req.Upstream)
		assert.Empty(t, req.UpstreamToken)
		assert.NotEqual(t, "pipe-stale", req.PipeID)
		if i > 0 {
			assert.Equal(t, fmt.Sprintf("localhost:%d", 6000+i-1), req.Neighbour)
		}
	}
}

func TestLightGridSpawn(t *testing.T) {
	f := newFixture(t)
	f.dispatchOnLast(3, remote.Assignment{Address: masterAddress}, nil)
	f.master.EXPECT().SetAsCoordinationMaster(gomock.Any()).Return(nil)
	f.master.EXPECT().SetConfig(gomock.Any(), remote.ConfigPatch{Mode: config.ModeAggregate}).Return(nil)

	g, err := f.builder.LightGridSpawn(context.Background(), config.InstanceConfig{})
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 3)
	for _, req := range f.spawner.requests {
		assert.True(t, req.Light)
		assert.Equal(t, 1, req.Slots)
	}
}

func TestGridSpawnInvalidSize(t *testing.T) {
	f := newFixture(t)
	f.cfg.Grid.Size = 0

	_, err := f.builder.GridSpawn(context.Background(), config.InstanceConfig{GridSize: -2})
	assert.ErrorIs(t, err, ErrInvalidGridSize)
	assert.Empty(t, f.spawner.requests)
}

func TestGridSpawnNodeFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.spawner.failAt = 1

	g, err := f.builder.GridSpawn(context.Background(), config.InstanceConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "grid node 1")
	assert.Len(t, f.spawner.requests, 2, "no spawns after the first failure")
	require.Len(t, g.Nodes, 1)
	assert.Contains(t, f.spawner.registry.List(), g.Nodes[0].Address, "partial chain stays registered")
}

func TestGridSpawnDispatchFailurePropagates(t *testing.T) {
	f := newFixture(t)
	f.dispatchOnLast(3, remote.Assignment{}, remote.ErrNotDispatcher)

	g, err := f.builder.GridSpawn(context.Background(), config.InstanceConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrNotDispatcher)
	assert.True(t, strings.Contains(err.Error(), "localhost:6002"))
	assert.Nil(t, g.Master)
}

func TestGridSpawnPromotionFailurePropagates(t *testing.T) {
	f := newFixture(t)
	f.dispatchOnLast(3, remote.Assignment{Address: masterAddress}, nil)
	f.master.EXPECT().SetAsCoordinationMaster(gomock.Any()).Return(errors.New("refused"))

	_, err := f.builder.GridSpawn(context.Background(), config.InstanceConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "promote master "+masterAddress)
}

func TestGridSpawnEmptyAssignment(t *testing.T) {
	f := newFixture(t)
	f.dispatchOnLast(3, remote.Assignment{}, nil)

	_, err := f.builder.GridSpawn(context.Background(), config.InstanceConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty assignment")
}

func TestDispatcherSpawn(t *testing.T) {
	f := newFixture(t)
	f.dispatchOnLast(1, remote.Assignment{Address: masterAddress, Token: "w"}, nil)

	h, err := f.builder.DispatcherSpawn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, masterAddress, h.Address)
	assert.Equal(t, "w", h.Token())

	require.Len(t, f.spawner.requests, 1)
	req := f.spawner.requests[0]
	assert.True(t, req.Light)
	assert.Equal(t, config.RoleDispatcher, req.Role)
	assert.Empty(t, req.Neighbour)
}

func TestDispatcherSpawnFailure(t *testing.T) {
	f := newFixture(t)
	f.spawner.failAt = 0

	_, err := f.builder.DispatcherSpawn(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spawn dispatcher")
}
