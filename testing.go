package lwis

import (
	"github.com/lwisd/lwis/backend"
	"github.com/lwisd/lwis/internal/ioentry"
	"github.com/lwisd/lwis/internal/trigger"
)

// NewTestRuntime creates a Runtime with no registered devices, for
// tests that build up their own device/client fixtures.
func NewTestRuntime() *Runtime {
	return NewRuntime()
}

// NewTestDevice registers and returns a DeviceTest-typed device backed
// by an in-memory register bank of the given size, the fixture every
// transaction/trigger/fence test in this module builds on.
func NewTestDevice(r *Runtime, size int64) (*Device, *backend.MemoryRegisters) {
	regs := backend.NewMemoryRegisters(size)
	d, err := r.CreateDevice(DeviceParams{
		ID:           AutoAssignDeviceID,
		Type:         DeviceTest,
		RegIO:        regs,
		PreferredCPU: -1,
	})
	if err != nil {
		panic(err) // test fixture: a fresh runtime can never fail to register a device
	}
	return d, regs
}

// NewTestBusDevice registers a device attached to the named shared
// bus, for bus-serialization fixtures.
func NewTestBusDevice(r *Runtime, size int64, busName string) (*Device, *backend.MemoryRegisters) {
	regs := backend.NewMemoryRegisters(size)
	d, err := r.CreateDevice(DeviceParams{
		ID:           AutoAssignDeviceID,
		Type:         DeviceI2C,
		RegIO:        regs,
		BusName:      busName,
		PreferredCPU: -1,
	})
	if err != nil {
		panic(err)
	}
	return d, regs
}

// ImmediateTransaction builds a TransactionSpec with no trigger
// condition (OpNone), ready to run as soon as it is submitted.
func ImmediateTransaction(entries ...ioentry.Entry) TransactionSpec {
	return TransactionSpec{Entries: entries, Operator: trigger.OpNone}
}

// WriteEntry is a one-line fixture for a single register write.
func WriteEntry(offset uint64, width int, value uint64) ioentry.Entry {
	return ioentry.Entry{Tag: ioentry.TagWrite, Offset: offset, Width: width, Value: value}
}

// ReadEntry is a one-line fixture for a single register read.
func ReadEntry(offset uint64, width int) ioentry.Entry {
	return ioentry.Entry{Tag: ioentry.TagRead, Offset: offset, Width: width}
}
