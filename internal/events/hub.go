// Package events fans lifecycle notifications out to the journal and the monitor.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Lifecycle event types.
const (
	InstanceSpawning = "instance.spawning"
	InstanceReady    = "instance.ready"
	InstanceTimeout  = "instance.timeout"
	InstanceKilled   = "instance.killed"
	GridNode         = "grid.node"
	GridMaster       = "grid.master"
	TeardownError    = "teardown.error"
	TeardownDone     = "teardown.done"
)

// Event is one published notification.
type Event struct {
	ID   int64     `json:"id"`
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data []byte    `json:"data"` // JSON payload
}

// Lifecycle is the payload carried by lifecycle events. Tokens never appear
// in it, only their fingerprints.
type Lifecycle struct {
	Address     string `json:"address,omitempty"`
	Role        string `json:"role,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	PIDs        []int  `json:"pids,omitempty"`
	Index       int    `json:"index,omitempty"`
	Neighbour   string `json:"neighbour,omitempty"`
	Error       string `json:"error,omitempty"`
	Count       int    `json:"count,omitempty"`
}

// Decode unmarshals the event payload as a Lifecycle.
func (e Event) Decode() (Lifecycle, error) {
	var l Lifecycle
	err := json.Unmarshal(e.Data, &l)
	return l, err
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish records an event and offers it to every subscriber. A nil hub
// drops the event.
func (h *Hub) Publish(eventType string, data any) {
	if h == nil {
		return
	}
	id := h.nextID.Add(1)

	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:   id,
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Slow subscribers miss events rather than block spawns.
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe returns a channel of future events and a cancel func that closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}

	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
