// Package txn implements the Transaction lifecycle state machine:
// CREATED, WAITING on a trigger condition, QUEUED for a client's
// scheduler, RUNNING its IoEntry program, and a terminal COMPLETED,
// FAILED, or CANCELLED state.
package txn

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/lwisd/lwis/internal/eventbus"
	"github.com/lwisd/lwis/internal/fence"
	"github.com/lwisd/lwis/internal/ioentry"
	"github.com/lwisd/lwis/internal/regio"
	"github.com/lwisd/lwis/internal/trigger"
)

// State is a Transaction's lifecycle stage.
type State int

const (
	Created State = iota
	Waiting
	Queued
	Running
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Waiting:
		return "WAITING"
	case Queued:
		return "QUEUED"
	case Running:
		return "RUNNING"
	case Completed:
		return "COMPLETED"
	case Failed:
		return "FAILED"
	case Cancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Transaction is one submitted IoEntry program plus the bookkeeping
// needed to schedule and run it: its trigger condition, its place in
// the lifecycle, and the completion fences and emit event ids signaled
// when it terminates.
type Transaction struct {
	ID       uint64
	ClientID uint64
	DeviceID uint32

	mu    sync.Mutex
	state State

	entries          []ioentry.Entry
	condition        *trigger.Condition
	completionFences []*fence.Fence
	emitSuccess      *eventbus.EventID
	emitError        *eventbus.EventID
	lastErr          error
	completionCode   int32 // signed code forwarded to completion fences and the error event

	// earlyOutcome latches a condition resolution that lands before
	// Submit (an already-signaled fence notifies synchronously during
	// construction); Submit replays it once the transaction is WAITING.
	earlyOutcome trigger.Outcome

	// onReady is invoked exactly once, when the condition resolves to
	// Ready, so the owning scheduler can move this transaction onto a
	// client's ready queue.
	onReady func(*Transaction)
}

// New creates a CREATED transaction. If operator is trigger.OpNone the
// condition resolves synchronously and the transaction immediately
// transitions to WAITING->QUEUED once Submit is called; otherwise it
// waits for condition resolution. outputFence, if non-nil, is signaled
// on termination alongside any fence later added with
// AddCompletionFence.
func New(id uint64, clientID uint64, deviceID uint32, entries []ioentry.Entry, operator trigger.Operator, nodes []trigger.NodeSpec, events *eventbus.DeviceTable, outputFence *fence.Fence) *Transaction {
	t := &Transaction{
		ID:       id,
		ClientID: clientID,
		DeviceID: deviceID,
		state:    Created,
		entries:  entries,
	}
	if outputFence != nil {
		t.completionFences = []*fence.Fence{outputFence}
	}
	t.condition = trigger.NewCondition(operator, nodes, events, t.onConditionDone)
	return t
}

// AddCompletionFence registers an additional fence to signal when this
// transaction terminates, alongside any fence supplied to New. Must be
// called before Submit.
func (t *Transaction) AddCompletionFence(f *fence.Fence) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completionFences = append(t.completionFences, f)
}

// SetEmitEvents configures the event ids emitted on success/error
// completion. Either may be nil to mean "don't emit". Must be called
// before Submit.
func (t *Transaction) SetEmitEvents(success, failure *eventbus.EventID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emitSuccess = success
	t.emitError = failure
}

// EmitEventIDs returns the configured success/error emit event ids, any
// of which may be nil.
func (t *Transaction) EmitEventIDs() (success, failure *eventbus.EventID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.emitSuccess, t.emitError
}

// Submit transitions CREATED->WAITING and registers onReady to be
// called once the trigger condition resolves to Ready (or
// synchronously below, if it already has). onReady is also used for
// the Cancel path implicitly via onConditionDone observing trigger.Cancel.
func (t *Transaction) Submit(onReady func(*Transaction)) {
	t.mu.Lock()
	if t.state != Created {
		t.mu.Unlock()
		return
	}
	t.state = Waiting
	t.onReady = onReady
	early := t.earlyOutcome
	t.mu.Unlock()

	if early != trigger.Pending {
		t.onConditionDone(early)
		return
	}
	if outcome := t.condition.Evaluate(); outcome != trigger.Pending {
		t.onConditionDone(outcome)
	}
}

func (t *Transaction) onConditionDone(outcome trigger.Outcome) {
	t.mu.Lock()
	if t.state == Created {
		t.earlyOutcome = outcome
		t.mu.Unlock()
		return
	}
	if t.state != Waiting {
		t.mu.Unlock()
		return
	}
	switch outcome {
	case trigger.Ready:
		t.state = Queued
	case trigger.Cancel:
		t.state = Cancelled
	default:
		t.mu.Unlock()
		return
	}
	ready := t.onReady
	var fences []*fence.Fence
	var code int32
	if t.state == Cancelled {
		fences = t.completionFences
		code = t.condition.CancelCode()
		if code == 0 {
			code = -int32(unix.ECANCELED)
		}
		t.completionCode = code
	}
	t.mu.Unlock()

	for _, f := range fences {
		f.Signal(code)
	}
	if ready != nil {
		ready(t)
	}
}

// Condition exposes the trigger condition so a scheduler can resolve
// fence placeholders against it (e.g. an earlier transaction's output
// fence in the same submission batch).
func (t *Transaction) Condition() *trigger.Condition {
	return t.condition
}

// State returns the current lifecycle state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Cancel moves the transaction to CANCELLED from any non-terminal
// state. It is a no-op once the transaction has already reached a
// terminal state.
func (t *Transaction) Cancel() bool {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.state = Cancelled
	t.completionCode = -int32(unix.ECANCELED)
	fences := t.completionFences
	t.mu.Unlock()

	for _, f := range fences {
		f.Signal(-int32(unix.ECANCELED))
	}
	return true
}

// Replace swaps the pending IoEntry program for a new one. Only legal
// while WAITING or QUEUED: once RUNNING has started, the in-flight
// program has already been committed to the device's register_io and
// cannot be substituted.
func (t *Transaction) Replace(entries []ioentry.Entry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Waiting && t.state != Queued {
		return false
	}
	t.entries = entries
	return true
}

// Execute runs the transaction's IoEntry program against rio,
// transitioning QUEUED->RUNNING->COMPLETED/FAILED and signaling the
// output fence (if any) with the outcome. cancelled is polled between
// entries the same way ioentry.Execute does.
func (t *Transaction) Execute(rio regio.RegisterIO, cancelled func() bool) error {
	t.mu.Lock()
	if t.state != Queued {
		t.mu.Unlock()
		return ioentry.ErrInvalidArg
	}
	t.state = Running
	entries := t.entries
	t.mu.Unlock()

	err := ioentry.Execute(rio, entries, cancelled)

	t.mu.Lock()
	if err == ioentry.ErrCancelled {
		t.state = Cancelled
	} else if err != nil {
		t.state = Failed
		t.lastErr = err
	} else {
		t.state = Completed
	}
	code := completionCode(err)
	t.completionCode = code
	fences := t.completionFences
	t.mu.Unlock()

	for _, f := range fences {
		f.Signal(code)
	}
	return err
}

// completionCode maps an executor result to the signed status code
// forwarded to completion fences: 0 on success, a negative errno
// otherwise.
func completionCode(err error) int32 {
	switch err {
	case nil:
		return 0
	case ioentry.ErrCancelled:
		return -int32(unix.ECANCELED)
	case ioentry.ErrTimeout:
		return -int32(unix.ETIMEDOUT)
	case ioentry.ErrInvalidState:
		return -int32(unix.EINVAL)
	case ioentry.ErrOverflow:
		return -int32(unix.EOVERFLOW)
	default:
		return -int32(unix.EIO)
	}
}

// CompletionCode returns the signed status code the transaction
// terminated with: 0 for COMPLETED, the trigger fence's error code for
// a fence-driven cancellation, a negative errno otherwise. Zero while
// the transaction has not terminated.
func (t *Transaction) CompletionCode() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completionCode
}

// Entries returns the transaction's current IoEntry program, reflecting
// any Replace calls applied before execution began.
func (t *Transaction) Entries() []ioentry.Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries
}

// LastError returns the error recorded when the transaction reached
// FAILED, or nil otherwise.
func (t *Transaction) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}
