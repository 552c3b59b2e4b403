// Package instance tracks known workers: their tokens and cached connections.
package instance

import (
	"sort"
	"sync"
)

// Handle is a registered worker.
type Handle struct {
	Address string
	Conn    Conn

	registry *Registry
}

// Token returns the credential currently recorded for the handle's address.
func (h *Handle) Token() string {
	return h.registry.tokenOf(h.Address)
}

func (h *Handle) targetAddress() string { return h.Address }

// Target is anything that names a worker: an Address or a *Handle.
type Target interface {
	targetAddress() string
}

// Address is a worker address (host:port or unix socket path).
type Address string

func (a Address) targetAddress() string { return string(a) }

// Registry maps worker addresses to tokens and to one cached connection each.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	dial    DialFunc
	tokens  map[string]string
	handles map[string]*Handle
}

// NewRegistry creates an empty registry that dials with dial.
func NewRegistry(dial DialFunc) *Registry {
	if dial == nil {
		dial = DialRemote
	}
	return &Registry{
		dial:    dial,
		tokens:  make(map[string]string),
		handles: make(map[string]*Handle),
	}
}

// Connect returns the handle for address, creating and caching it on first use.
//
// An empty token means none was supplied and the recorded one is used. A
// supplied token is only recorded when the address has no credential yet.
func (r *Registry) Connect(address, token string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectLocked(address, token)
}

// Lookup returns the handle for address without registering it.
func (r *Registry) Lookup(address string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[address]
	return h, ok
}

func (r *Registry) connectLocked(address, token string) *Handle {
	if existing, ok := r.tokens[address]; !ok || existing == "" {
		r.tokens[address] = token
	}
	if h, ok := r.handles[address]; ok {
		return h
	}
	h := &Handle{Address: address, registry: r}
	h.Conn = r.dial(address, func() string { return r.tokenOf(address) })
	r.handles[address] = h
	return h
}

// Each calls visit once for every known address with its handle. Addresses
// registered while the iteration runs are visited too. visit runs without the
// registry lock held, so it may call back into the registry.
func (r *Registry) Each(visit func(*Handle)) {
	seen := make(map[string]bool)
	for {
		h := r.nextUnseen(seen)
		if h == nil {
			return
		}
		seen[h.Address] = true
		visit(h)
	}
}

func (r *Registry) nextUnseen(seen map[string]bool) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	addrs := make([]string, 0, len(r.tokens))
	for addr := range r.tokens {
		if !seen[addr] {
			addrs = append(addrs, addr)
		}
	}
	if len(addrs) == 0 {
		return nil
	}
	sort.Strings(addrs)
	return r.connectLocked(addrs[0], "")
}

// TokenFor resolves the credential for an address or handle. Unknown targets
// resolve to "".
func (r *Registry) TokenFor(target Target) string {
	if target == nil {
		return ""
	}
	return r.tokenOf(target.targetAddress())
}

func (r *Registry) tokenOf(address string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokens[address]
}

// List returns a copy of the address to token mapping.
func (r *Registry) List() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.tokens))
	for addr, token := range r.tokens {
		out[addr] = token
	}
	return out
}

// Addresses returns the known addresses in sorted order.
func (r *Registry) Addresses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	addrs := make([]string, 0, len(r.tokens))
	for addr := range r.tokens {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

// Len returns the number of known addresses.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

// Remove forgets address and its cached connection.
func (r *Registry) Remove(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, address)
	delete(r.handles, address)
}

// Clear forgets every address.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = make(map[string]string)
	r.handles = make(map[string]*Handle)
}
