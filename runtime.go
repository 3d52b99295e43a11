package lwis

import (
	"sync"
	"sync/atomic"

	"github.com/lwisd/lwis/internal/busmgr"
	"github.com/lwisd/lwis/internal/fence"
	"github.com/lwisd/lwis/internal/logging"
)

// Runtime owns the top-level device and client registries, the shared
// bus manager, and the fence table. One Runtime mediates many devices
// and many clients at once.
type Runtime struct {
	mu      sync.RWMutex
	devices map[uint32]*Device
	clients map[uint64]*Client

	nextDeviceID atomic.Uint32
	nextClientID atomic.Uint64

	buses   *busmgr.Manager
	fences  *fence.Manager
	Metrics *Metrics
	logger  *logging.Logger
}

// NewRuntime creates an empty runtime ready to register devices and
// clients.
func NewRuntime() *Runtime {
	return &Runtime{
		devices: make(map[uint32]*Device),
		clients: make(map[uint64]*Client),
		buses:   busmgr.NewManager(),
		fences:  fence.NewManager(),
		Metrics: NewMetrics(),
		logger:  logging.Default(),
	}
}

// CreateDevice registers a new device. If p.ID is AutoAssignDeviceID
// the runtime assigns the next free ID.
func (r *Runtime) CreateDevice(p DeviceParams) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var id uint32
	if p.ID == AutoAssignDeviceID {
		id = r.nextDeviceID.Add(1)
		for r.devices[id] != nil {
			id = r.nextDeviceID.Add(1)
		}
	} else {
		id = uint32(p.ID)
		if _, exists := r.devices[id]; exists {
			return nil, NewDeviceError("DeviceCreate", id, CodeInvalidArg, "device id already in use")
		}
	}

	var bus *busmgr.Bus
	if p.BusName != "" {
		bus = r.buses.GetOrCreate(p.BusName)
		bus.Attach(id, p.PreferredCPU)
	}

	d := newDevice(id, p, bus)
	r.devices[id] = d
	r.logger.Infof("device %d (%s, type=%s) registered", id, d.Name, d.Type)
	return d, nil
}

// GetDevice looks up a device by ID.
func (r *Runtime) GetDevice(id uint32) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// RemoveDevice detaches a device from its bus (if any) and forgets it.
// Clients holding a reference to the device are unaffected until they
// are themselves closed.
func (r *Runtime) RemoveDevice(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return
	}
	if d.Bus != nil {
		d.Bus.Detach(id)
		r.buses.Release(d.Bus.Name)
	}
	delete(r.devices, id)
}

// CreateClient creates a new client bound to an existing device.
func (r *Runtime) CreateClient(deviceID uint32) (*Client, error) {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return nil, NewDeviceError("ClientCreate", deviceID, CodeNotFound, "unknown device id")
	}
	id := r.nextClientID.Add(1)
	c := newClient(id, d, r.fences, r.Metrics)
	r.clients[id] = c
	r.mu.Unlock()
	return c, nil
}

// GetClient looks up a client by ID.
func (r *Runtime) GetClient(id uint64) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// CloseClient stops a client's scheduler and periodic jobs and
// forgets it.
func (r *Runtime) CloseClient(id uint64) {
	r.mu.Lock()
	c, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
	}
	r.mu.Unlock()
	if ok {
		c.Close()
	}
}

// Fences exposes the runtime's fence manager so command handlers can
// resolve caller-supplied fds.
func (r *Runtime) Fences() *fence.Manager {
	return r.fences
}

// Shutdown stops every bus worker and every client scheduler.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[uint64]*Client)
	r.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	r.buses.Shutdown()
	r.Metrics.Stop()
}
