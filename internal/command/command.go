// Package command implements the command-channel dispatcher: each
// packet carries a {cmd_id, next, ret_code} header plus a
// command-specific body; the dispatcher processes one packet, writes
// ret_code, and the caller follows next until it is zero.
package command

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/lwisd/lwis"
	"github.com/lwisd/lwis/internal/eventbus"
	"github.com/lwisd/lwis/internal/ioentry"
	"github.com/lwisd/lwis/internal/logging"
	"github.com/lwisd/lwis/internal/trigger"
	"github.com/lwisd/lwis/internal/uapi"
)

// Dispatcher routes command-channel packets to a runtime's devices and
// clients.
type Dispatcher struct {
	rt     *lwis.Runtime
	logger *logging.Logger
}

// NewDispatcher creates a dispatcher bound to rt.
func NewDispatcher(rt *lwis.Runtime) *Dispatcher {
	return &Dispatcher{rt: rt, logger: logging.Default()}
}

// EchoResult is the decoded form of an EchoBody, independent of wire
// layout, for callers that already have a client in hand (e.g. tests
// and in-process callers that skip marshaling).
type EchoResult struct {
	Msg string
}

// Echo copies msg back, optionally logging it, and returns it
// unchanged. It is the command channel's connectivity smoke test.
func (d *Dispatcher) Echo(msg string, kernelLog bool) (string, uapi.RetCode) {
	if kernelLog {
		d.logger.Infof("echo: %s", msg)
	}
	return msg, uapi.RetOK
}

// TimeQuery returns the monotonic clock reading in nanoseconds.
func (d *Dispatcher) TimeQuery() (int64, uapi.RetCode) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0, uapi.RetFaulted
	}
	return ts.Nano(), uapi.RetOK
}

// DeviceInfoResult is GetDeviceInfo's decoded response.
type DeviceInfoResult struct {
	ID   uint32
	Type lwis.DeviceType
	Name string
}

// GetDeviceInfo answers identity for the client's device.
func (d *Dispatcher) GetDeviceInfo(clientID uint64) (DeviceInfoResult, uapi.RetCode) {
	c, ok := d.rt.GetClient(clientID)
	if !ok {
		return DeviceInfoResult{}, uapi.RetNotFound
	}
	return DeviceInfoResult{ID: c.Device.ID, Type: c.Device.Type, Name: c.Device.Name}, uapi.RetOK
}

// DeviceEnable takes the client's enable reference on its device. A
// client's own repeated enable is collapsed to a no-op success; the
// device-level refcount only moves on the client's first enable.
func (d *Dispatcher) DeviceEnable(clientID uint64) uapi.RetCode {
	c, ok := d.rt.GetClient(clientID)
	if !ok {
		return uapi.RetNotFound
	}
	if err := c.EnableDevice(); err != nil {
		if lwis.IsCode(err, lwis.CodeOverflow) {
			return uapi.RetOverflow
		}
		return uapi.RetFaulted
	}
	return uapi.RetOK
}

// DeviceDisable drops the client's enable reference. Disabling a
// client that holds none is a no-op success, not an underflow error.
func (d *Dispatcher) DeviceDisable(clientID uint64) uapi.RetCode {
	c, ok := d.rt.GetClient(clientID)
	if !ok {
		return uapi.RetNotFound
	}
	if err := c.DisableDevice(); err != nil {
		return uapi.RetFaulted
	}
	return uapi.RetOK
}

// DeviceReset runs entries synchronously only while the device is
// enabled; otherwise it warns and skips.
func (d *Dispatcher) DeviceReset(clientID uint64, entries []ioentry.Entry) uapi.RetCode {
	c, ok := d.rt.GetClient(clientID)
	if !ok {
		return uapi.RetNotFound
	}
	if !c.Device.Enabled() {
		d.logger.Warnf("DeviceReset on disabled device %d skipped", c.Device.ID)
		return uapi.RetOK
	}
	if c.Device.RegIO == nil {
		return uapi.RetNotSupported
	}
	if err := ioentry.Execute(c.Device.RegIO, entries, nil); err != nil {
		return uapi.RetFaulted
	}
	return uapi.RetOK
}

// DeviceSuspend and DeviceResume toggle the device's suspended flag.
func (d *Dispatcher) DeviceSuspend(clientID uint64) uapi.RetCode {
	c, ok := d.rt.GetClient(clientID)
	if !ok {
		return uapi.RetNotFound
	}
	c.Device.Suspend()
	return uapi.RetOK
}

func (d *Dispatcher) DeviceResume(clientID uint64) uapi.RetCode {
	c, ok := d.rt.GetClient(clientID)
	if !ok {
		return uapi.RetNotFound
	}
	c.Device.Resume()
	return uapi.RetOK
}

// RegIo runs entries synchronously against the client's device,
// bracketed by barriers.
func (d *Dispatcher) RegIo(clientID uint64, entries []ioentry.Entry) uapi.RetCode {
	c, ok := d.rt.GetClient(clientID)
	if !ok {
		return uapi.RetNotFound
	}
	if c.Device.RegIO == nil {
		return uapi.RetNotSupported
	}
	if err := ioentry.Execute(c.Device.RegIO, entries, nil); err != nil {
		if err == ioentry.ErrOverflow {
			return uapi.RetOverflow
		}
		if err == ioentry.ErrTimeout {
			return uapi.RetTimeout
		}
		if err == ioentry.ErrInvalidState {
			return uapi.RetInvalidState
		}
		return uapi.RetFaulted
	}
	return uapi.RetOK
}

// EventControlGet reports whether the client currently has the event
// ID enabled.
func (d *Dispatcher) EventControlGet(clientID uint64, id eventbus.EventID) (bool, uapi.RetCode) {
	c, ok := d.rt.GetClient(clientID)
	if !ok {
		return false, uapi.RetNotFound
	}
	return c.Events.Enabled(id), uapi.RetOK
}

// EventControlSet adjusts a client's subscription to an event ID.
func (d *Dispatcher) EventControlSet(clientID uint64, id eventbus.EventID, enable bool) uapi.RetCode {
	c, ok := d.rt.GetClient(clientID)
	if !ok {
		return uapi.RetNotFound
	}
	c.SetEventEnable(id, enable)
	return uapi.RetOK
}

// EventDequeueResult is EventDequeue's decoded response.
type EventDequeueResult struct {
	Found        bool
	RequiredSize uint32
	Record       eventbus.Record
}

// EventDequeue pops the oldest pending event for the client. If the
// event's payload exceeds cap, the event is left in the queue and
// RequiredSize is returned so the caller can retry with a bigger
// buffer.
func (d *Dispatcher) EventDequeue(clientID uint64, cap uint32) (EventDequeueResult, uapi.RetCode) {
	c, ok := d.rt.GetClient(clientID)
	if !ok {
		return EventDequeueResult{}, uapi.RetNotFound
	}

	rec, ok := c.Events.PeekFront()
	if !ok {
		return EventDequeueResult{}, uapi.RetNotFound
	}
	if uint32(len(rec.Payload)) > cap {
		return EventDequeueResult{Found: true, RequiredSize: uint32(len(rec.Payload))}, uapi.RetOverflow
	}

	rec, _ = c.DequeueEvent()
	return EventDequeueResult{Found: true, Record: rec}, uapi.RetOK
}

// TransactionSubmit submits a transaction and returns its assigned ID,
// or lwis.InvalidID on failure. emitSuccess/emitError, if non-nil,
// configure the events fired on completion.
func (d *Dispatcher) TransactionSubmit(clientID uint64, entries []ioentry.Entry, op trigger.Operator, nodes []trigger.NodeSpec, createFence bool, emitSuccess, emitError *eventbus.EventID) (uint64, uapi.RetCode) {
	c, ok := d.rt.GetClient(clientID)
	if !ok {
		return lwis.InvalidID, uapi.RetNotFound
	}
	id, _, err := c.SubmitTransaction(lwis.TransactionSpec{
		Entries:            entries,
		Operator:           op,
		Nodes:              nodes,
		CreateFence:        createFence,
		EmitSuccessEventID: emitSuccess,
		EmitErrorEventID:   emitError,
	})
	if err != nil {
		switch {
		case lwis.IsCode(err, lwis.CodeNotSupported):
			return lwis.InvalidID, uapi.RetNotSupported
		case lwis.IsCode(err, lwis.CodeBusy):
			return lwis.InvalidID, uapi.RetBusy
		default:
			return lwis.InvalidID, uapi.RetInvalidArg
		}
	}
	return id, uapi.RetOK
}

// TransactionCancel cancels a submitted transaction by ID.
func (d *Dispatcher) TransactionCancel(clientID, txnID uint64) uapi.RetCode {
	c, ok := d.rt.GetClient(clientID)
	if !ok {
		return uapi.RetNotFound
	}
	if err := c.CancelTransaction(txnID); err != nil {
		return uapi.RetInvalidState
	}
	return uapi.RetOK
}

// TransactionReplace swaps a not-yet-running transaction's IoEntry
// program.
func (d *Dispatcher) TransactionReplace(clientID, txnID uint64, entries []ioentry.Entry) uapi.RetCode {
	c, ok := d.rt.GetClient(clientID)
	if !ok {
		return uapi.RetNotFound
	}
	if err := c.ReplaceTransaction(txnID, entries); err != nil {
		return uapi.RetInvalidState
	}
	return uapi.RetOK
}

// PeriodicIoSubmit starts a recurring IoEntry program.
func (d *Dispatcher) PeriodicIoSubmit(clientID uint64, interval time.Duration, entries []ioentry.Entry) (uint64, uapi.RetCode) {
	c, ok := d.rt.GetClient(clientID)
	if !ok {
		return lwis.InvalidID, uapi.RetNotFound
	}
	return c.SubmitPeriodic(interval, entries), uapi.RetOK
}

// PeriodicIoCancel stops and flushes a periodic job.
func (d *Dispatcher) PeriodicIoCancel(clientID, jobID uint64) uapi.RetCode {
	c, ok := d.rt.GetClient(clientID)
	if !ok {
		return uapi.RetNotFound
	}
	if !c.CancelPeriodic(jobID) {
		return uapi.RetNotFound
	}
	return uapi.RetOK
}

// DmaBufferEnroll records an externally-allocated dma-buf fd with the
// client's handle table. The buffer contents are an external
// collaborator; the runtime only tracks the handle.
func (d *Dispatcher) DmaBufferEnroll(clientID uint64, fd int) (uint64, uapi.RetCode) {
	c, ok := d.rt.GetClient(clientID)
	if !ok {
		return lwis.InvalidID, uapi.RetNotFound
	}
	return c.EnrollBuffer(fd), uapi.RetOK
}

// DmaBufferDisenroll forgets an enrolled handle.
func (d *Dispatcher) DmaBufferDisenroll(clientID, handle uint64) uapi.RetCode {
	c, ok := d.rt.GetClient(clientID)
	if !ok {
		return uapi.RetNotFound
	}
	if !c.DisenrollBuffer(handle) {
		return uapi.RetNotFound
	}
	return uapi.RetOK
}

// DmaBufferAlloc allocates a runtime-owned buffer for the client.
func (d *Dispatcher) DmaBufferAlloc(clientID uint64, size int) (uint64, uapi.RetCode) {
	c, ok := d.rt.GetClient(clientID)
	if !ok {
		return lwis.InvalidID, uapi.RetNotFound
	}
	h, err := c.AllocBuffer(size)
	if err != nil {
		return lwis.InvalidID, uapi.RetInvalidArg
	}
	return h, uapi.RetOK
}

// DmaBufferFree releases an allocated buffer handle.
func (d *Dispatcher) DmaBufferFree(clientID, handle uint64) uapi.RetCode {
	c, ok := d.rt.GetClient(clientID)
	if !ok {
		return uapi.RetNotFound
	}
	if !c.FreeBuffer(handle) {
		return uapi.RetNotFound
	}
	return uapi.RetOK
}

// DmaBufferCpuAccess exposes an allocated buffer's bytes for CPU-side
// reads and writes between io programs.
func (d *Dispatcher) DmaBufferCpuAccess(clientID, handle uint64) ([]byte, uapi.RetCode) {
	c, ok := d.rt.GetClient(clientID)
	if !ok {
		return nil, uapi.RetNotFound
	}
	b, ok := c.Buffer(handle)
	if !ok {
		return nil, uapi.RetNotFound
	}
	return b, uapi.RetOK
}

// DpmOp covers the DPM clock/QoS command family: the clock and QoS
// controllers are external collaborators, so every such command
// resolves to NotSupported rather than silently succeeding.
func (d *Dispatcher) DpmOp() uapi.RetCode { return uapi.RetNotSupported }
