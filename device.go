package lwis

import (
	"math"
	"sync"

	"github.com/lwisd/lwis/internal/busmgr"
	"github.com/lwisd/lwis/internal/eventbus"
	"github.com/lwisd/lwis/internal/regio"
)

// DeviceType is the device class, gating which capabilities a Device
// exposes and how its register_io is reached.
type DeviceType int

const (
	DeviceMMIO DeviceType = iota
	DeviceI2C
	DeviceSPI
	DeviceDPM
	DeviceTest
	DeviceTop
)

func (t DeviceType) String() string {
	switch t {
	case DeviceMMIO:
		return "MMIO"
	case DeviceI2C:
		return "I2C"
	case DeviceSPI:
		return "SPI"
	case DeviceDPM:
		return "DPM"
	case DeviceTest:
		return "TEST"
	case DeviceTop:
		return "TOP"
	default:
		return "UNKNOWN"
	}
}

// DeviceParams configures a Device at creation time.
type DeviceParams struct {
	ID   int32 // AutoAssignDeviceID to let the runtime assign one
	Name string
	Type DeviceType

	// RegIO is the concrete register-access back-end. May be nil for
	// DeviceDPM/DeviceTop devices that never execute IoEntry programs.
	RegIO regio.RegisterIO

	// BusName, if non-empty, attaches this device to a shared bus so
	// its transactions serialize against every other device on that
	// bus (typically used for DeviceI2C/DeviceSPI).
	BusName string

	// PreferredCPU pins the bus worker's OS thread affinity, used only
	// for the first device attached to a given bus.
	PreferredCPU int

	// Hooks let a sub-class customize lifecycle transitions. Any may
	// be nil.
	OnEnable  func(*Device) error
	OnDisable func(*Device) error
	OnReset   func(*Device) error
}

// DefaultDeviceParams returns params for an anonymous TEST device.
func DefaultDeviceParams() DeviceParams {
	return DeviceParams{
		ID:           AutoAssignDeviceID,
		Type:         DeviceTest,
		PreferredCPU: -1,
	}
}

// Device is one mediated hardware (or virtual) device: its identity,
// its register_io capability, and the enable/suspend/event-state
// bookkeeping every client submission is gated on.
type Device struct {
	ID   uint32
	Name string
	Type DeviceType

	RegIO regio.RegisterIO
	Bus   *busmgr.Bus

	Events *eventbus.DeviceTable

	mu         sync.RWMutex
	enableRefs int
	suspended  bool

	onEnable  func(*Device) error
	onDisable func(*Device) error
	onReset   func(*Device) error
}

func newDevice(id uint32, p DeviceParams, bus *busmgr.Bus) *Device {
	return &Device{
		ID:        id,
		Name:      p.Name,
		Type:      p.Type,
		RegIO:     p.RegIO,
		Bus:       bus,
		Events:    eventbus.NewDeviceTable(),
		onEnable:  p.OnEnable,
		onDisable: p.OnDisable,
		onReset:   p.OnReset,
	}
}

// Enable increments the device's enable refcount. Only the transition
// from 0 to 1 actually runs OnEnable; subsequent concurrent Enable
// calls from other clients are folded into the existing enabled state
// (the Open Question decision recorded for the enable/event counter
// split: enabling an already-enabled device is idempotent from the
// caller's point of view, not an error, since multiple clients may
// legitimately hold a device enabled at once).
func (d *Device) Enable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enableRefs == math.MaxInt32 {
		return NewDeviceError("DeviceEnable", d.ID, CodeOverflow, "enable refcount overflow")
	}
	if d.enableRefs == 0 && d.onEnable != nil {
		if err := d.onEnable(d); err != nil {
			return err
		}
	}
	d.enableRefs++
	return nil
}

// Disable decrements the enable refcount, running OnDisable only once
// it reaches zero. Calling Disable more times than Enable is a no-op,
// not an underflow error.
func (d *Device) Disable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enableRefs == 0 {
		return nil
	}
	d.enableRefs--
	if d.enableRefs == 0 && d.onDisable != nil {
		return d.onDisable(d)
	}
	return nil
}

// EnableCount returns the current enable refcount, chiefly for tests.
func (d *Device) EnableCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enableRefs
}

// Enabled reports whether the device currently has at least one
// outstanding Enable.
func (d *Device) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enableRefs > 0
}

// Reset runs OnReset regardless of enable state, the way a device can
// be reset to recover from a faulted register state even while
// disabled.
func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.onReset != nil {
		return d.onReset(d)
	}
	return nil
}

// Suspend marks the device suspended; new transaction submissions
// against it should be rejected by callers until Resume.
func (d *Device) Suspend() {
	d.mu.Lock()
	d.suspended = true
	d.mu.Unlock()
}

// Resume clears the suspended flag.
func (d *Device) Resume() {
	d.mu.Lock()
	d.suspended = false
	d.mu.Unlock()
}

// Suspended reports whether the device is currently suspended.
func (d *Device) Suspended() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.suspended
}
