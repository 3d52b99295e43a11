// Package busmgr implements the bus manager: one FIFO plus one
// dedicated worker goroutine per shared bus (e.g. an I2C segment
// shared by several devices), so register transactions against
// different devices on the same physical bus never interleave.
package busmgr

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/lwisd/lwis/internal/busring"
	"github.com/lwisd/lwis/internal/logging"
)

// Bus is one shared physical bus: a ring of work items and the single
// goroutine draining it.
type Bus struct {
	Name string

	mu       sync.Mutex
	ring     *busring.Ring
	members  map[uint32]struct{} // device IDs currently attached
	started  bool
	cpu      int
	affinity bool
	logger   *logging.Logger
}

// Manager owns the set of buses in a runtime, keyed by name (e.g.
// "i2c0", "i2c1").
type Manager struct {
	mu     sync.Mutex
	buses  map[string]*Bus
	logger *logging.Logger
}

// NewManager creates an empty bus manager.
func NewManager() *Manager {
	return &Manager{
		buses:  make(map[string]*Bus),
		logger: logging.Default(),
	}
}

// GetOrCreate returns the named bus, creating and starting its worker
// goroutine on first use.
func (m *Manager) GetOrCreate(name string) *Bus {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buses[name]
	if ok {
		return b
	}
	b = &Bus{
		Name:    name,
		ring:    busring.New(),
		members: make(map[uint32]struct{}),
		cpu:     -1,
		logger:  m.logger,
	}
	m.buses[name] = b
	b.start(m.logger)
	return b
}

func (b *Bus) start(logger *logging.Logger) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	go func() {
		if b.affinity && b.cpu >= 0 {
			pinCurrentThread(b.cpu, logger)
		}
		b.ring.Run()
	}()
}

// pinCurrentThread locks the calling goroutine to its current OS
// thread and restricts that thread's affinity to cpu. Errors are
// logged, not fatal: affinity is a scheduling optimization, not a
// correctness requirement.
func pinCurrentThread(cpu int, logger *logging.Logger) {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		logger.Warnf("busmgr: SchedSetaffinity(cpu=%d) failed: %v", cpu, err)
	}
}

// Attach registers deviceID as a member of the bus. The first device
// attached fixes the worker's preferred CPU affinity (a bus's devices
// are assumed to share a NUMA-local controller); later devices asking
// for a different CPU keep the original affinity and get a warning.
func (b *Bus) Attach(deviceID uint32, preferredCPU int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.members) == 0 && preferredCPU >= 0 {
		b.cpu = preferredCPU
		b.affinity = true
		// The worker goroutine is started by GetOrCreate before any device
		// attaches, so the pin is applied on it as a queued work item.
		cpu, logger := preferredCPU, b.logger
		b.ring.Submit(busring.Item{Work: func() { pinCurrentThread(cpu, logger) }}, false)
	} else if preferredCPU >= 0 && b.cpu >= 0 && preferredCPU != b.cpu && b.logger != nil {
		b.logger.Warnf("bus %s: device %d prefers cpu %d but worker is pinned to cpu %d",
			b.Name, deviceID, preferredCPU, b.cpu)
	}
	b.members[deviceID] = struct{}{}
}

// Detach removes deviceID from the bus's membership set.
func (b *Bus) Detach(deviceID uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.members, deviceID)
}

// Members returns the number of devices currently attached to the bus.
func (b *Bus) Members() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.members)
}

// Dispatch submits work to run serialized against every other
// dispatch on this bus, keyed by clientID for the ring's dedup
// tracking. It blocks the caller until the item is enqueued, not until
// it runs; callers needing the result should signal completion
// themselves (e.g. by signaling a fence from within work).
func (b *Bus) Dispatch(clientID uint64, work func()) error {
	queued := b.ring.Submit(busring.Item{Key: clientID, Work: work}, false)
	if !queued {
		return fmt.Errorf("busmgr: bus %q is shut down", b.Name)
	}
	return nil
}

// Depth returns the number of items currently queued on this bus.
func (b *Bus) Depth() int {
	return b.ring.Depth()
}

// Shutdown stops accepting new work on the bus; already-queued items
// still drain.
func (b *Bus) Shutdown() {
	b.ring.Close()
}

// Release drops the named bus if it no longer has any attached
// devices: its worker drains what is already queued and exits, and the
// name is forgotten so a later GetOrCreate starts fresh.
func (m *Manager) Release(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buses[name]
	if !ok || b.Members() > 0 {
		return
	}
	delete(m.buses, name)
	b.Shutdown()
}

// Shutdown stops every managed bus.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.buses {
		b.Shutdown()
	}
}
