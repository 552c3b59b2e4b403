package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/drover/internal/config"
	"github.com/mattjoyce/drover/internal/log"
	"github.com/mattjoyce/drover/internal/protocol"
	"github.com/mattjoyce/drover/internal/remote"
	"github.com/mattjoyce/drover/internal/spawn"
)

func freePort(t *testing.T) int {
	t.Helper()
	port, err := spawn.NewLocalPorts("").Available()
	require.NoError(t, err)
	return port
}

func instanceConfig(t *testing.T, role string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Spawn.PollInterval = 20 * time.Millisecond
	cfg.Spawn.ReadyTimeout = 5 * time.Second
	cfg.Instance = config.InstanceConfig{
		Role:  role,
		Host:  "127.0.0.1",
		Port:  freePort(t),
		Token: "node-token",
		Mode:  config.ModeSolo,
		Slots: 2,
	}
	return cfg
}

func waitAlive(t *testing.T, c *remote.Client) {
	t.Helper()
	require.Eventually(t, func() bool {
		alive, err := c.IsAlive(context.Background())
		return err == nil && alive
	}, 5*time.Second, 20*time.Millisecond)
}

func TestInstanceNode(t *testing.T) {
	cfg := instanceConfig(t, config.RoleInstance)
	n, err := New(cfg, Options{PID: 77, Logger: log.Discard()}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	pids, err := n.PIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{77}, pids)

	_, err = n.Dispatch(ctx)
	assert.ErrorIs(t, err, remote.ErrNotDispatcher)

	require.NoError(t, n.BecomeMaster(ctx))
	require.NoError(t, n.ApplyConfig(ctx, remote.ConfigPatch{Mode: config.ModeAggregate, Settings: map[string]string{"k": "v"}}))
	assert.Error(t, n.ApplyConfig(ctx, remote.ConfigPatch{Mode: "swarm"}))
	assert.Error(t, n.ApplyConfig(ctx, remote.ConfigPatch{Slots: -1}))

	info := n.Info(ctx)
	assert.True(t, info.Master)
	assert.Equal(t, config.ModeAggregate, info.Mode)
	assert.Equal(t, 2, info.Slots)
	assert.Equal(t, 77, info.PID)
	assert.Equal(t, "v", info.Settings["k"])

	slots, err := n.Capacity(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, slots, "aggregate without upstream counts only itself")
}

func TestNewRejectsMissingTarget(t *testing.T) {
	cfg := config.Defaults()
	cfg.Instance = config.InstanceConfig{Role: config.RoleInstance}
	_, err := New(cfg, Options{}, nil)
	assert.Error(t, err)
}

func TestRunServesUntilShutdown(t *testing.T) {
	cfg := instanceConfig(t, config.RoleInstance)

	done := make(chan error, 1)
	go func() { done <- Run(context.Background(), cfg, Options{PID: 5, Logger: log.Discard()}) }()

	address, err := spawn.Target(cfg.Instance)
	require.NoError(t, err)
	c := remote.NewClient(address, func() string { return "node-token" })
	waitAlive(t, c)

	unauthorized := remote.NewClient(address, nil)
	_, err = unauthorized.IsAlive(context.Background())
	assert.ErrorIs(t, err, remote.ErrUnauthorized)

	require.NoError(t, c.Shutdown(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("node did not stop after shutdown")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := instanceConfig(t, config.RoleInstance)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg, Options{Logger: log.Discard()}) }()

	address, _ := spawn.Target(cfg.Instance)
	waitAlive(t, remote.NewClient(address, func() string { return "node-token" }))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("node did not stop after cancel")
	}
}

func TestDispatcherNode(t *testing.T) {
	ip := NewInProcess(log.Discard())
	cfg := instanceConfig(t, config.RoleDispatcher)
	ctx := context.Background()

	proc, err := ip.Fork(ctx, protocol.NewLaunch(cfg, cfg.Instance))
	require.NoError(t, err)

	address, _ := spawn.Target(cfg.Instance)
	d := remote.NewClient(address, func() string { return "node-token" })
	waitAlive(t, d)

	a, err := d.Dispatch(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, a.Address)
	require.NotEmpty(t, a.Token)
	assert.NotEqual(t, address, a.Address)

	w := remote.NewClient(a.Address, func() string { return a.Token })
	info, err := w.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, config.RoleInstance, info.Role)
	assert.Equal(t, address, info.Upstream)
	assert.Equal(t, 2, info.Slots)

	pids, err := d.ConsumedPIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{proc.PID(), info.PID}, pids)

	require.NoError(t, w.SetConfig(ctx, remote.ConfigPatch{Mode: config.ModeAggregate}))
	slots, err := w.Capacity(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, slots, "aggregate instance adds its upstream dispatcher")

	require.NoError(t, d.Shutdown(ctx))
	select {
	case <-proc.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	assert.Eventually(t, func() bool { return ip.Running() == 0 }, 5*time.Second, 20*time.Millisecond,
		"dispatcher shutdown must take its instances with it")
}
