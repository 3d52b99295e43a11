package busmgr

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateReturnsSameBus(t *testing.T) {
	m := NewManager()
	a := m.GetOrCreate("i2c0")
	b := m.GetOrCreate("i2c0")
	assert.Same(t, a, b)
}

func TestDispatchSerializesAcrossClients(t *testing.T) {
	m := NewManager()
	bus := m.GetOrCreate("i2c0")
	defer bus.Shutdown()

	var order []int
	var mu sync.Mutex
	done := make(chan struct{})

	require.NoError(t, bus.Dispatch(1, func() {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	}))
	require.NoError(t, bus.Dispatch(2, func() {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		close(done)
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, order)
}

func TestAttachDetachTracksMembership(t *testing.T) {
	m := NewManager()
	bus := m.GetOrCreate("i2c0")
	defer bus.Shutdown()

	bus.Attach(1, -1)
	bus.Attach(2, -1)
	assert.Equal(t, 2, bus.Members())

	bus.Detach(1)
	assert.Equal(t, 1, bus.Members())
}

func TestShutdownStopsDispatch(t *testing.T) {
	m := NewManager()
	bus := m.GetOrCreate("i2c0")
	bus.Shutdown()

	var ran atomic.Bool
	err := bus.Dispatch(1, func() { ran.Store(true) })
	assert.Error(t, err)
}
