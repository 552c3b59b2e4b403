package fleet_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/drover/internal/config"
	"github.com/mattjoyce/drover/internal/events"
	"github.com/mattjoyce/drover/internal/fleet"
	"github.com/mattjoyce/drover/internal/instance"
	"github.com/mattjoyce/drover/internal/log"
	"github.com/mattjoyce/drover/internal/node"
	"github.com/mattjoyce/drover/internal/protocol"
	"github.com/mattjoyce/drover/internal/remote"
	"github.com/mattjoyce/drover/internal/spawn"
)

func newFleet(t *testing.T) (*fleet.Manager, *node.InProcess) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Instance.Host = "127.0.0.1"
	cfg.Spawn.PollInterval = 20 * time.Millisecond
	cfg.Spawn.ReadyTimeout = 5 * time.Second

	ip := node.NewInProcess(log.Discard())
	m := fleet.New(cfg, fleet.Deps{
		Forker: ip,
		Ports:  ip.Ports,
		Killer: ip,
		Logger: log.Discard(),
	})
	t.Cleanup(func() {
		m.KillAll(context.Background())
	})
	return m, ip
}

func TestSpawnAndKill(t *testing.T) {
	m, ip := newFleet(t)
	ctx := context.Background()

	h, err := m.Spawn(ctx, config.InstanceConfig{}, nil)
	require.NoError(t, err)
	assert.Contains(t, m.List(), h.Address)
	assert.Same(t, h, m.Connect(h.Address, "ignored"))
	assert.Equal(t, h.Token(), m.TokenFor(instance.Address(h.Address)))

	alive, err := h.Conn.IsAlive(ctx)
	require.NoError(t, err)
	assert.True(t, alive)

	require.NoError(t, m.Kill(ctx, h.Address))
	assert.NotContains(t, m.List(), h.Address)
	assert.Equal(t, 0, ip.Running())

	_, err = remote.NewClient(h.Address, nil).IsAlive(ctx)
	assert.Error(t, err)
}

func TestGridSpawnEndToEnd(t *testing.T) {
	m, ip := newFleet(t)
	ctx := context.Background()

	g, err := m.BuildGrid(ctx, config.InstanceConfig{}, false)
	require.NoError(t, err)
	require.Len(t, g.Nodes, 3)

	links := 0
	for i, n := range g.Nodes {
		info, err := n.Conn.Info(ctx)
		require.NoError(t, err)
		assert.Equal(t, config.RoleDispatcher, info.Role)
		assert.Equal(t, 4, info.Slots)
		assert.NotEmpty(t, info.PipeID)
		if i == 0 {
			assert.Empty(t, info.Neighbour)
			continue
		}
		assert.Equal(t, g.Nodes[i-1].Address, info.Neighbour)
		links++
	}
	assert.Equal(t, 2, links)

	master, err := g.Master.Conn.Info(ctx)
	require.NoError(t, err)
	assert.True(t, master.Master)
	assert.Equal(t, config.ModeAggregate, master.Mode)
	assert.Equal(t, g.Nodes[2].Address, master.Upstream)

	slots, err := remote.NewClient(g.Master.Address, g.Master.Token).Capacity(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4+3*4, slots, "master spans the whole chain")

	// 3 dispatchers + master.
	assert.Equal(t, 4, m.Len())
	assert.Equal(t, 4, ip.Running())

	report := m.KillAll(ctx)
	assert.Len(t, report.Addresses, 4)
	assert.Len(t, report.PIDs, 4)
	assert.Empty(t, m.List())
	assert.Eventually(t, func() bool { return ip.Running() == 0 }, 5*time.Second, 20*time.Millisecond)
}

func TestLightGridSpawnEndToEnd(t *testing.T) {
	m, _ := newFleet(t)
	ctx := context.Background()

	master, err := m.LightGridSpawn(ctx, config.InstanceConfig{GridSize: 2})
	require.NoError(t, err)

	info, err := master.Conn.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, config.ModeAggregate, info.Mode)
	assert.Equal(t, 1, info.Slots)

	slots, err := remote.NewClient(master.Address, master.Token).Capacity(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1+2*1, slots)
}

func TestDispatcherSpawnEndToEnd(t *testing.T) {
	m, _ := newFleet(t)
	ctx := context.Background()

	w, err := m.DispatcherSpawn(ctx)
	require.NoError(t, err)

	info, err := w.Conn.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, config.RoleInstance, info.Role)
	assert.False(t, info.Master)
	assert.Equal(t, config.ModeSolo, info.Mode)
	assert.Equal(t, 2, m.Len(), "dispatcher and its worker are both registered")
}

func TestKillAllSurvivesDeadInstances(t *testing.T) {
	m, ip := newFleet(t)
	ctx := context.Background()

	a, err := m.Spawn(ctx, config.InstanceConfig{}, nil)
	require.NoError(t, err)
	_, err = m.Spawn(ctx, config.InstanceConfig{}, nil)
	require.NoError(t, err)
	m.Connect("127.0.0.1:1", "stale")

	infoA, err := a.Conn.Info(ctx)
	require.NoError(t, err)
	require.NoError(t, ip.KillPIDs([]int{infoA.PID}))

	report := m.KillAll(ctx)
	assert.Len(t, report.Addresses, 3)
	assert.Len(t, report.PIDs, 1, "only the live instance reports pids")
	assert.Len(t, report.Failures(), 4, "two dead workers fail both passes")
	assert.Empty(t, m.List())
	assert.Equal(t, 0, ip.Running())
}

func TestSpawnTimeoutAgainstUnboundPort(t *testing.T) {
	cfg := config.Defaults()
	cfg.Spawn.ReadyTimeout = 200 * time.Millisecond
	cfg.Spawn.PollInterval = 20 * time.Millisecond
	m := fleet.New(cfg, fleet.Deps{Forker: noopForker{}, Logger: log.Discard()})

	port, err := spawn.NewLocalPorts("").Available()
	require.NoError(t, err)

	_, err = m.Spawn(context.Background(), config.InstanceConfig{Host: "127.0.0.1", Port: port}, nil)
	require.ErrorIs(t, err, spawn.ErrReadinessTimeout)
	assert.Empty(t, m.List())

	var timeouts int
	for _, ev := range m.Hub().SnapshotSince(0) {
		if ev.Type == events.InstanceTimeout {
			timeouts++
		}
	}
	assert.Equal(t, 1, timeouts)
}

func TestStatus(t *testing.T) {
	m, _ := newFleet(t)
	ctx := context.Background()

	h, err := m.Spawn(ctx, config.InstanceConfig{}, nil)
	require.NoError(t, err)
	m.Connect("127.0.0.1:1", "stale")

	statuses := m.Status(ctx)
	require.Len(t, statuses, 2)
	byAddr := map[string]fleet.Status{}
	for _, st := range statuses {
		byAddr[st.Address] = st
	}

	live := byAddr[h.Address]
	assert.True(t, live.Alive)
	assert.NoError(t, live.Err)
	assert.Equal(t, remote.Fingerprint(h.Token()), live.Fingerprint)
	assert.Len(t, live.PIDs, 1)

	dead := byAddr["127.0.0.1:1"]
	assert.False(t, dead.Alive)
	assert.Error(t, dead.Err)
}

type noopForker struct{}

func (noopForker) Fork(context.Context, *protocol.Launch) (spawn.Process, error) {
	return noopProcess{}, nil
}

type noopProcess struct{}

func (noopProcess) PID() int                   { return 0 }
func (noopProcess) Done() <-chan struct{}      { return nil }
func (noopProcess) Stop(context.Context) error { return nil }
