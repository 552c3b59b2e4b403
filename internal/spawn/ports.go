package spawn

import (
	"fmt"
	"net"
	"sync"
)

// PortAllocator hands out TCP ports that are free at the time of the call.
type PortAllocator interface {
	Available() (int, error)
}

const maxPortAttempts = 32

// LocalPorts asks the kernel for free ports and never returns the same port
// twice, so concurrent spawns through one allocator cannot collide with each
// other. Collisions with unrelated processes remain possible.
type LocalPorts struct {
	Host string

	mu       sync.Mutex
	reserved map[int]bool
}

// NewLocalPorts returns an allocator probing on host (default 127.0.0.1).
func NewLocalPorts(host string) *LocalPorts {
	if host == "" {
		host = "127.0.0.1"
	}
	return &LocalPorts{Host: host, reserved: make(map[int]bool)}
}

// Available returns a port nobody is listening on and this allocator has not
// handed out before.
func (p *LocalPorts) Available() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < maxPortAttempts; i++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(p.Host, "0"))
		if err != nil {
			return 0, fmt.Errorf("probe free port: %w", err)
		}
		port := ln.Addr().(*net.TCPAddr).Port
		_ = ln.Close()

		if p.reserved[port] {
			continue
		}
		p.reserved[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("no unreserved port after %d attempts", maxPortAttempts)
}
