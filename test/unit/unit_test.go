// +build !integration

// Package unit holds tests that never touch real hardware: every
// device under test is the in-memory register bank, so these run in
// any CI sandbox with no root privileges or real bus controllers.
package unit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lwisd/lwis"
	"github.com/lwisd/lwis/internal/eventbus"
	"github.com/lwisd/lwis/internal/ioentry"
	"github.com/lwisd/lwis/internal/trigger"
	"github.com/lwisd/lwis/internal/txn"
)

func TestNewTestDeviceReportsTestType(t *testing.T) {
	r := lwis.NewTestRuntime()
	defer r.Shutdown()
	// command.Dispatcher is exercised end to end in test/integration;
	// here we only need the runtime wiring to be sane.
	dev, _ := lwis.NewTestDevice(r, 16)
	assert.Equal(t, lwis.DeviceTest, dev.Type)
}

func TestRegIoWriteThenRead(t *testing.T) {
	r := lwis.NewTestRuntime()
	defer r.Shutdown()
	dev, regs := lwis.NewTestDevice(r, 64)
	c, err := r.CreateClient(dev.ID)
	require.NoError(t, err)
	defer c.Close()

	id, _, err := c.SubmitTransaction(lwis.ImmediateTransaction(
		lwis.WriteEntry(8, 4, 0x1234),
	))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, _ := c.TransactionState(id)
		return s == txn.Completed
	}, time.Second, time.Millisecond)

	v, err := regs.Read(8, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234), v)
}

func TestReplaceBeforeRunSwapsProgram(t *testing.T) {
	r := lwis.NewTestRuntime()
	defer r.Shutdown()
	dev, regs := lwis.NewTestDevice(r, 64)
	c, err := r.CreateClient(dev.ID)
	require.NoError(t, err)
	defer c.Close()

	f, err := r.Fences().Create()
	require.NoError(t, err)
	defer f.Put(r.Fences())

	id, _, err := c.SubmitTransaction(lwis.TransactionSpec{
		Entries:  []ioentry.Entry{lwis.WriteEntry(0, 4, 1)},
		Operator: trigger.OpAnd,
		Nodes:    []trigger.NodeSpec{{Kind: trigger.NodeFence, Fence: f}},
	})
	require.NoError(t, err)

	require.NoError(t, c.ReplaceTransaction(id, []ioentry.Entry{lwis.WriteEntry(0, 4, 99)}))
	f.Signal(0)

	require.Eventually(t, func() bool {
		s, _ := c.TransactionState(id)
		return s == txn.Completed
	}, time.Second, time.Millisecond)

	v, _ := regs.Read(0, 4)
	assert.Equal(t, uint64(99), v, "the replaced program should have run, not the original one")
}

func TestCancelWaitingTransactionNeverRuns(t *testing.T) {
	r := lwis.NewTestRuntime()
	defer r.Shutdown()
	dev, regs := lwis.NewTestDevice(r, 64)
	c, err := r.CreateClient(dev.ID)
	require.NoError(t, err)
	defer c.Close()

	f, err := r.Fences().Create()
	require.NoError(t, err)
	defer f.Put(r.Fences())

	id, _, err := c.SubmitTransaction(lwis.TransactionSpec{
		Entries:  []ioentry.Entry{lwis.WriteEntry(0, 4, 42)},
		Operator: trigger.OpAnd,
		Nodes:    []trigger.NodeSpec{{Kind: trigger.NodeFence, Fence: f}},
	})
	require.NoError(t, err)

	require.NoError(t, c.CancelTransaction(id))
	s, _ := c.TransactionState(id)
	assert.Equal(t, txn.Cancelled, s)

	// The trigger firing after cancellation must not resurrect it.
	f.Signal(0)
	time.Sleep(10 * time.Millisecond)
	v, _ := regs.Read(0, 4)
	assert.Equal(t, uint64(0), v, "a transaction cancelled while waiting must never run")
}

func TestEventControlSetGatesDelivery(t *testing.T) {
	r := lwis.NewTestRuntime()
	defer r.Shutdown()
	dev, _ := lwis.NewTestDevice(r, 16)
	c, err := r.CreateClient(dev.ID)
	require.NoError(t, err)
	defer c.Close()

	c.EmitEvent(eventbus.EventID(3), false, nil)
	_, ok := c.DequeueEvent()
	assert.False(t, ok, "an event must not be delivered before the client enables it")

	c.SetEventEnable(3, true)
	c.EmitEvent(eventbus.EventID(3), false, []byte("hi"))
	rec, ok := c.DequeueEvent()
	require.True(t, ok)
	assert.Equal(t, []byte("hi"), rec.Payload)
}

func TestPeriodicIoCancelFlushesOnce(t *testing.T) {
	r := lwis.NewTestRuntime()
	defer r.Shutdown()
	dev, regs := lwis.NewTestDevice(r, 16)
	c, err := r.CreateClient(dev.ID)
	require.NoError(t, err)
	defer c.Close()

	jobID := c.SubmitPeriodic(5*time.Millisecond, []ioentry.Entry{lwis.WriteEntry(0, 4, 7)})
	require.Eventually(t, func() bool {
		v, _ := regs.Read(0, 4)
		return v == 7
	}, time.Second, time.Millisecond)

	assert.True(t, c.CancelPeriodic(jobID))
	assert.False(t, c.CancelPeriodic(jobID), "cancelling an already-cancelled job must report false")
}
