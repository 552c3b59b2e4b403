// Package spawn launches workers and waits for them to answer.
package spawn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mattjoyce/drover/internal/config"
	"github.com/mattjoyce/drover/internal/events"
	"github.com/mattjoyce/drover/internal/instance"
	"github.com/mattjoyce/drover/internal/protocol"
	"github.com/mattjoyce/drover/internal/remote"
)

// ErrReadinessTimeout matches every *NotStartedError.
var ErrReadinessTimeout = errors.New("readiness timeout")

// NotStartedError reports a worker that never answered a liveness call.
type NotStartedError struct {
	Address string
	Timeout time.Duration
}

func (e *NotStartedError) Error() string {
	return fmt.Sprintf("instance at %s never started within %s", e.Address, e.Timeout)
}

func (e *NotStartedError) Is(target error) bool { return target == ErrReadinessTimeout }

// Options carries the collaborators a Spawner uses. Zero values get defaults.
type Options struct {
	Forker Forker
	Ports  PortAllocator
	Dial   instance.DialFunc
	Tokens func() string
	Clock  clockwork.Clock
	Hub    *events.Hub
	Logger *slog.Logger
}

// Spawner forks workers, waits for readiness, and registers them.
type Spawner struct {
	cfg      *config.Config
	registry *instance.Registry
	forker   Forker
	ports    PortAllocator
	dial     instance.DialFunc
	tokens   func() string
	clock    clockwork.Clock
	hub      *events.Hub
	logger   *slog.Logger
}

// New creates a Spawner registering into registry. cfg supplies the
// process-wide instance defaults and the readiness policy.
func New(cfg *config.Config, registry *instance.Registry, opts Options) *Spawner {
	s := &Spawner{
		cfg:      cfg,
		registry: registry,
		forker:   opts.Forker,
		ports:    opts.Ports,
		dial:     opts.Dial,
		tokens:   opts.Tokens,
		clock:    opts.Clock,
		hub:      opts.Hub,
		logger:   opts.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.forker == nil {
		s.forker = &ExecForker{
			Executable:  cfg.Spawn.Executable,
			GracePeriod: cfg.Spawn.GracePeriod,
			Logger:      s.logger,
		}
	}
	if s.ports == nil {
		s.ports = NewLocalPorts("")
	}
	if s.dial == nil {
		s.dial = instance.DialRemote
	}
	if s.tokens == nil {
		s.tokens = uuid.NewString
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	return s
}

// Ports returns the allocator used for worker targets.
func (s *Spawner) Ports() PortAllocator { return s.ports }

// Spawn launches one worker configured by req merged over the defaults, waits
// until it answers a liveness call, registers it, and returns its handle.
//
// customize, when set, adjusts the merged config before the worker starts.
// A worker that never becomes ready is stopped and a *NotStartedError is
// returned.
func (s *Spawner) Spawn(ctx context.Context, req config.InstanceConfig, customize func(*config.InstanceConfig)) (*instance.Handle, error) {
	token := req.Token
	if token == "" {
		token = s.tokens()
	}

	merged := config.MergeInstance(s.cfg.Instance, req)
	merged.Token = token
	if merged.Role == "" {
		merged.Role = config.RoleInstance
	}
	if err := s.resolveTarget(&merged); err != nil {
		return nil, err
	}
	if customize != nil {
		customize(&merged)
	}

	address, err := Target(merged)
	if err != nil {
		return nil, err
	}
	token = merged.Token

	logger := s.logger.With("instance", address, "role", merged.Role)
	logger.Info("spawning worker", "token", remote.Fingerprint(token))
	s.hub.Publish(events.InstanceSpawning, events.Lifecycle{
		Address:     address,
		Role:        merged.Role,
		Fingerprint: remote.Fingerprint(token),
	})

	proc, err := s.forker.Fork(ctx, protocol.NewLaunch(s.cfg, merged))
	if err != nil {
		return nil, fmt.Errorf("fork worker for %s: %w", address, err)
	}

	probe := s.dial(address, func() string { return token })
	if err := s.waitReady(ctx, address, probe); err != nil {
		logger.Error("worker never became ready", "error", err, "pid", proc.PID())
		s.hub.Publish(events.InstanceTimeout, events.Lifecycle{
			Address: address,
			Role:    merged.Role,
			PIDs:    []int{proc.PID()},
			Error:   err.Error(),
		})
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Spawn.GracePeriod+time.Second)
		defer cancel()
		if stopErr := proc.Stop(stopCtx); stopErr != nil {
			logger.Warn("failed to stop unready worker", "error", stopErr)
		}
		return nil, err
	}

	h := s.registry.Connect(address, token)
	logger.Info("worker ready", "pid", proc.PID())
	s.hub.Publish(events.InstanceReady, events.Lifecycle{
		Address:     address,
		Role:        merged.Role,
		Fingerprint: remote.Fingerprint(token),
		PIDs:        []int{proc.PID()},
	})
	return h, nil
}

// resolveTarget fills in a concrete port and host unless a socket is used.
func (s *Spawner) resolveTarget(c *config.InstanceConfig) error {
	if c.Socket != "" {
		c.Host = ""
		c.Port = 0
		return nil
	}
	if c.Port == 0 {
		port, err := s.ports.Available()
		if err != nil {
			return fmt.Errorf("allocate port: %w", err)
		}
		c.Port = port
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	return nil
}

// Target returns the address a worker configured by c listens on.
func Target(c config.InstanceConfig) (string, error) {
	switch {
	case c.Socket != "" && (c.Host != "" || c.Port != 0):
		return "", fmt.Errorf("config names both socket %q and %s:%d", c.Socket, c.Host, c.Port)
	case c.Socket != "":
		return c.Socket, nil
	case c.Port <= 0:
		return "", fmt.Errorf("config has no port")
	}
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Port)), nil
}

// waitReady polls IsAlive every poll interval until it succeeds or the ready
// timeout elapses. Probe errors only mean "not yet".
func (s *Spawner) waitReady(ctx context.Context, address string, probe instance.Conn) error {
	timeout := s.cfg.Spawn.ReadyTimeout
	interval := s.cfg.Spawn.PollInterval
	deadline := s.clock.Now().Add(timeout)

	for {
		remaining := deadline.Sub(s.clock.Now())
		if remaining < interval {
			remaining = interval
		}
		probeCtx, cancel := context.WithTimeout(ctx, remaining)
		alive, err := probe.IsAlive(probeCtx)
		cancel()
		if err == nil && alive {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("waiting for %s: %w", address, ctx.Err())
		}
		if !s.clock.Now().Before(deadline) {
			return &NotStartedError{Address: address, Timeout: timeout}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", address, ctx.Err())
		case <-s.clock.After(interval):
		}
	}
}
