package lwis

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lwisd/lwis/internal/eventbus"
	"github.com/lwisd/lwis/internal/fence"
	"github.com/lwisd/lwis/internal/ioentry"
	"github.com/lwisd/lwis/internal/periodic"
	"github.com/lwisd/lwis/internal/sched"
	"github.com/lwisd/lwis/internal/trigger"
	"github.com/lwisd/lwis/internal/txn"
)

// Client is one user-space handle onto a Device: its event-state
// table, its outstanding transactions, its periodic-I/O jobs, and the
// single-threaded scheduler that drains them.
type Client struct {
	ID     uint64
	Device *Device

	Events   *eventbus.Client
	Periodic *periodic.Engine

	scheduler *sched.Scheduler
	fences    *fence.Manager
	metrics   *Metrics

	mu            sync.Mutex
	enabled       bool // this client holds one Device.Enable reference
	txnCount      atomic.Uint64
	periodicCount atomic.Uint64
	txns          map[uint64]*txn.Transaction

	bufMu        sync.Mutex
	bufCount     uint64
	enrolledBufs map[uint64]int // handle -> enrolled dma-buf fd
	allocedBufs  map[uint64][]byte
}

func newClient(id uint64, dev *Device, fences *fence.Manager, metrics *Metrics) *Client {
	c := &Client{
		ID:        id,
		Device:    dev,
		Events:    eventbus.NewClient(),
		Periodic:  periodic.NewEngine(),
		scheduler: sched.New(id, dev.RegIO, dev.Bus),
		fences:    fences,
		metrics:   metrics,
		txns:      make(map[uint64]*txn.Transaction),

		enrolledBufs: make(map[uint64]int),
		allocedBufs:  make(map[uint64][]byte),
	}
	c.scheduler.OnExecuted = func(t *txn.Transaction, err error) {
		c.recordOutcome(t, err)
	}
	c.scheduler.Start()
	return c
}

func (c *Client) recordOutcome(t *txn.Transaction, err error) {
	state := t.State()
	if c.metrics != nil {
		switch state {
		case txn.Completed:
			c.metrics.RecordTransaction(OutcomeExecuted, 0)
		case txn.Cancelled:
			c.metrics.RecordTransaction(OutcomeCancelled, 0)
		case txn.Failed:
			c.metrics.RecordTransaction(OutcomeFailed, 0)
		}
	}

	// The event payload carries the transaction's signed completion
	// code (0 on success, the fence/executor error code otherwise) so a
	// subscriber can recover why it terminated.
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, uint32(t.CompletionCode()))

	success, failure := t.EmitEventIDs()
	if state == txn.Completed && success != nil {
		c.EmitEvent(*success, false, payload)
	} else if (state == txn.Failed || state == txn.Cancelled) && failure != nil {
		c.EmitEvent(*failure, true, payload)
	}
}

// EnableDevice takes this client's enable reference on its device. A
// client's own repeated enable is collapsed: only the first call takes
// a device reference, so a single DisableDevice releases it no matter
// how many times the client re-enabled.
func (c *Client) EnableDevice() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return nil
	}
	if err := c.Device.Enable(); err != nil {
		return err
	}
	c.enabled = true
	return nil
}

// DisableDevice drops this client's enable reference, if it holds one.
// Disabling while not enabled is a no-op success.
func (c *Client) DisableDevice() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return nil
	}
	c.enabled = false
	return c.Device.Disable()
}

// DeviceEnabled reports whether this client currently holds an enable
// reference on its device.
func (c *Client) DeviceEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// TransactionSpec describes a caller's transaction submission: the
// IoEntry program to run, its trigger condition, any additional
// completion fences to signal beyond the primary output fence, and the
// event ids (if any) to emit on success/error completion.
type TransactionSpec struct {
	Entries            []ioentry.Entry
	Operator           trigger.Operator
	Nodes              []trigger.NodeSpec
	CreateFence        bool
	ExtraFences        []*fence.Fence
	EmitSuccessEventID *eventbus.EventID
	EmitErrorEventID   *eventbus.EventID
}

// SubmitTransaction allocates a Transaction, registers it against its
// trigger condition, and returns its ID and (if requested) output
// fence immediately; the transaction itself may still be WAITING when
// this returns. Placeholder fence nodes (Kind NodeFence, Placeholder
// set, Fence nil) have a fresh fence created and published back into
// the caller's Nodes slice so it can be signaled later.
func (c *Client) SubmitTransaction(spec TransactionSpec) (uint64, *fence.Fence, error) {
	if len(spec.Nodes) > MaxTriggerNodes {
		return InvalidID, nil, NewClientError("TransactionSubmit", c.ID, CodeInvalidArg, "too many trigger nodes")
	}
	if c.Device.RegIO == nil {
		return InvalidID, nil, NewDeviceError("TransactionSubmit", c.Device.ID, CodeNotSupported, "device has no register io")
	}
	if c.Device.Suspended() {
		return InvalidID, nil, NewDeviceError("TransactionSubmit", c.Device.ID, CodeBusy, "device suspended")
	}

	for i := range spec.Nodes {
		n := &spec.Nodes[i]
		if n.Kind == trigger.NodeFence && n.Placeholder && n.Fence == nil {
			f, err := c.fences.Create()
			if err != nil {
				return InvalidID, nil, WrapError("TransactionSubmit", err)
			}
			if c.metrics != nil {
				c.metrics.RecordFenceCreated()
			}
			n.Fence = f
		}
	}

	var out *fence.Fence
	if spec.CreateFence {
		f, err := c.fences.Create()
		if err != nil {
			return InvalidID, nil, WrapError("TransactionSubmit", err)
		}
		if c.metrics != nil {
			c.metrics.RecordFenceCreated()
		}
		out = f
	}

	id := c.txnCount.Add(1)
	t := txn.New(id, c.ID, c.Device.ID, spec.Entries, spec.Operator, spec.Nodes, c.Device.Events, out)
	for _, f := range spec.ExtraFences {
		t.AddCompletionFence(f)
	}
	t.SetEmitEvents(spec.EmitSuccessEventID, spec.EmitErrorEventID)

	c.mu.Lock()
	c.txns[id] = t
	c.mu.Unlock()

	t.Submit(c.scheduler.Enqueue)
	return id, out, nil
}

// CancelTransaction looks up a transaction by ID and cancels it,
// routing through the scheduler's priority cancellation path if it is
// currently queued.
func (c *Client) CancelTransaction(id uint64) error {
	c.mu.Lock()
	t, ok := c.txns[id]
	c.mu.Unlock()
	if !ok {
		return NewClientError("TransactionCancel", c.ID, CodeNotFound, "unknown transaction id")
	}
	if t.State() == txn.Queued {
		c.scheduler.EnqueueCancel(t)
		return nil
	}
	if !t.Cancel() {
		return NewClientError("TransactionCancel", c.ID, CodeInvalidState, "transaction already terminal")
	}
	c.recordOutcome(t, nil)
	return nil
}

// ReplaceTransaction swaps the IoEntry program of a not-yet-running
// transaction.
func (c *Client) ReplaceTransaction(id uint64, entries []ioentry.Entry) error {
	c.mu.Lock()
	t, ok := c.txns[id]
	c.mu.Unlock()
	if !ok {
		return NewClientError("TransactionReplace", c.ID, CodeNotFound, "unknown transaction id")
	}
	if !t.Replace(entries) {
		return NewClientError("TransactionReplace", c.ID, CodeInvalidState, "transaction already running or terminal")
	}
	return nil
}

// TransactionState returns the current lifecycle state of a submitted
// transaction.
func (c *Client) TransactionState(id uint64) (txn.State, bool) {
	c.mu.Lock()
	t, ok := c.txns[id]
	c.mu.Unlock()
	if !ok {
		return txn.Created, false
	}
	return t.State(), true
}

// SubmitPeriodic starts a recurring IoEntry program against the
// client's device. Returns InvalidID if the device has no register io
// to run the program against. Each tick is pushed onto the client's
// work queue rather than run on the timer goroutine, so periodic I/O
// serializes with the client's transactions and, for shared-bus
// devices, with every other client on the bus.
func (c *Client) SubmitPeriodic(interval time.Duration, entries []ioentry.Entry) uint64 {
	if c.Device.RegIO == nil {
		return InvalidID
	}
	id := c.periodicCount.Add(1)
	c.Periodic.Submit(id, c.ID, c.Device.ID, interval, entries, c.runPeriodic, func(j *periodic.Job, err error) {
		if c.metrics != nil {
			c.metrics.RecordPeriodicTick()
		}
	})
	return id
}

// runPeriodic is the periodic.Runner for this client: it queues one
// tick's entries on the client worker, which routes shared-bus devices
// through the bus manager the same way transactions are.
func (c *Client) runPeriodic(entries []ioentry.Entry, onDone func(error)) bool {
	return c.scheduler.EnqueuePeriodic(func() {
		onDone(ioentry.Execute(c.Device.RegIO, entries, nil))
	})
}

// CancelPeriodic stops and flushes a periodic job.
func (c *Client) CancelPeriodic(id uint64) bool {
	return c.Periodic.Cancel(id)
}

// EmitEvent emits an event on the client's device: the device-wide
// counter advances and trigger watchers are notified, and the record is
// queued for this client and for each of peers that has the event
// enabled. Other clients of the device that are not passed in peers do
// not receive it.
func (c *Client) EmitEvent(id eventbus.EventID, isError bool, payload []byte, peers ...*Client) {
	clients := make([]*eventbus.Client, 0, len(peers)+1)
	clients = append(clients, c.Events)
	for _, p := range peers {
		clients = append(clients, p.Events)
	}
	eventbus.Emit(c.Device.Events, id, isError, payload, clients...)
	if c.metrics != nil {
		c.metrics.RecordEvent(false)
	}
}

// DequeueEvent pops the oldest pending event for this client, error
// queue first.
func (c *Client) DequeueEvent() (eventbus.Record, bool) {
	return c.Events.Dequeue()
}

// SetEventEnable adjusts this client's subscription refcount for id.
func (c *Client) SetEventEnable(id eventbus.EventID, enable bool) {
	c.Events.SetEnable(c.Device.Events, id, enable)
}

// EnrollBuffer records an externally-allocated DMA buffer fd with this
// client and returns the handle used to refer to it in io programs.
// The buffer table itself is an external collaborator; the client only
// tracks ownership so Disenroll and Close can release it.
func (c *Client) EnrollBuffer(fd int) uint64 {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	c.bufCount++
	h := c.bufCount
	c.enrolledBufs[h] = fd
	return h
}

// DisenrollBuffer forgets an enrolled buffer handle.
func (c *Client) DisenrollBuffer(handle uint64) bool {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	if _, ok := c.enrolledBufs[handle]; !ok {
		return false
	}
	delete(c.enrolledBufs, handle)
	return true
}

// AllocBuffer allocates a kernel-owned buffer of the given size and
// returns its handle.
func (c *Client) AllocBuffer(size int) (uint64, error) {
	if size <= 0 {
		return InvalidID, NewClientError("DmaBufferAlloc", c.ID, CodeInvalidArg, "non-positive buffer size")
	}
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	c.bufCount++
	h := c.bufCount
	c.allocedBufs[h] = make([]byte, size)
	return h, nil
}

// FreeBuffer releases an allocated buffer handle.
func (c *Client) FreeBuffer(handle uint64) bool {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	if _, ok := c.allocedBufs[handle]; !ok {
		return false
	}
	delete(c.allocedBufs, handle)
	return true
}

// Buffer returns the backing bytes of an allocated buffer handle, for
// CPU access between io programs.
func (c *Client) Buffer(handle uint64) ([]byte, bool) {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	b, ok := c.allocedBufs[handle]
	return b, ok
}

// Close flushes the client's periodic jobs, stops its scheduler,
// releases its device enable reference, and drops any buffer handles
// still held.
func (c *Client) Close() {
	c.Periodic.CancelAll()
	c.scheduler.Stop()
	c.DisableDevice()

	c.bufMu.Lock()
	c.enrolledBufs = make(map[uint64]int)
	c.allocedBufs = make(map[uint64][]byte)
	c.bufMu.Unlock()
}
