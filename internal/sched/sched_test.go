package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lwisd/lwis/backend"
	"github.com/lwisd/lwis/internal/ioentry"
	"github.com/lwisd/lwis/internal/trigger"
	"github.com/lwisd/lwis/internal/txn"
)

func TestSchedulerExecutesReadyTransaction(t *testing.T) {
	regs := backend.NewMemoryRegisters(16)
	s := New(1, regs, nil)
	s.Start()
	defer s.Stop()

	done := make(chan error, 1)
	s.OnExecuted = func(tr *txn.Transaction, err error) { done <- err }

	tr := txn.New(1, 1, 1, []ioentry.Entry{{Tag: ioentry.TagWrite, Offset: 0, Width: 4, Value: 5}}, trigger.OpNone, nil, nil, nil)
	tr.Submit(s.Enqueue)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for execution")
	}

	v, _ := regs.Read(0, 4)
	assert.Equal(t, uint64(5), v)
}

func TestSchedulerRunsPeriodicWork(t *testing.T) {
	regs := backend.NewMemoryRegisters(16)
	s := New(1, regs, nil)
	s.Start()
	defer s.Stop()

	done := make(chan struct{})
	queued := s.EnqueuePeriodic(func() {
		_ = regs.Write(0, 4, 9)
		close(done)
	})
	require.True(t, queued)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for periodic work")
	}
	v, _ := regs.Read(0, 4)
	assert.Equal(t, uint64(9), v)
}

func TestEnqueuePeriodicRejectedAfterStop(t *testing.T) {
	regs := backend.NewMemoryRegisters(16)
	s := New(1, regs, nil)
	s.Start()
	s.Stop()

	queued := s.EnqueuePeriodic(func() {})
	assert.False(t, queued, "a stopped scheduler must refuse periodic work so flushes don't hang")
}

func TestSchedulerCancelPreemptsReady(t *testing.T) {
	regs := backend.NewMemoryRegisters(16)
	s := New(1, regs, nil)

	tr := txn.New(1, 1, 1, []ioentry.Entry{{Tag: ioentry.TagWrite, Offset: 0, Width: 4, Value: 1}}, trigger.OpNone, nil, nil, nil)
	tr.Submit(func(*txn.Transaction) {})
	assert.Equal(t, txn.Queued, tr.State())

	s.EnqueueCancel(tr)
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return tr.State() == txn.Cancelled }, time.Second, time.Millisecond)
}
