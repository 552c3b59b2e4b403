package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(InstanceReady, Lifecycle{Address: "localhost:6000", Fingerprint: "blake3:00"})

	select {
	case ev := <-ch:
		assert.Equal(t, InstanceReady, ev.Type)
		assert.Equal(t, int64(1), ev.ID)
		l, err := ev.Decode()
		require.NoError(t, err)
		assert.Equal(t, "localhost:6000", l.Address)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestRingBufferKeepsNewest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(GridNode, Lifecycle{Index: i})
	}

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{snap[0].ID, snap[1].ID, snap[2].ID})

	assert.Len(t, h.SnapshotSince(4), 1)
}

func TestCancelClosesChannel(t *testing.T) {
	h := NewHub(4)
	ch, cancel := h.Subscribe()
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	h.Publish(TeardownDone, nil)
	assert.Len(t, h.SnapshotSince(0), 1)
}

func TestNilHubDrops(t *testing.T) {
	var h *Hub
	assert.NotPanics(t, func() { h.Publish(InstanceKilled, nil) })
}
