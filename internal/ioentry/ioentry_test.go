package ioentry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lwisd/lwis/backend"
)

func TestExecuteReadWrite(t *testing.T) {
	regs := backend.NewMemoryRegisters(64)
	entries := []Entry{
		{Tag: TagWrite, Offset: 0, Width: 4, Value: 0x1234},
		{Tag: TagRead, Offset: 0, Width: 4},
	}
	require.NoError(t, Execute(regs, entries, nil))
	assert.Equal(t, uint64(0x1234), entries[1].Result)
}

func TestExecuteModify(t *testing.T) {
	regs := backend.NewMemoryRegisters(64)
	require.NoError(t, regs.Write(0, 4, 0xFFFFFFFF))

	entries := []Entry{
		{Tag: TagModify, Offset: 0, Width: 4, Mask: 0x0000FFFF, Value: 0x0000ABCD},
	}
	require.NoError(t, Execute(regs, entries, nil))

	v, err := regs.Read(0, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xFFFFABCD), v)
}

func TestExecuteBarrierBracketing(t *testing.T) {
	regs := backend.NewMemoryRegisters(64)
	entries := []Entry{{Tag: TagWrite, Offset: 0, Width: 4, Value: 1}}
	require.NoError(t, Execute(regs, entries, nil))

	rb, wb := regs.BarrierCounts()
	assert.Equal(t, 1, rb)
	assert.Equal(t, 1, wb)
}

func TestExecuteReadAssertFailure(t *testing.T) {
	regs := backend.NewMemoryRegisters(64)
	entries := []Entry{{Tag: TagReadAssert, Offset: 0, Width: 4, Mask: 0xFFFFFFFF, Expected: 1}}
	err := Execute(regs, entries, nil)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestExecutePollTimesOut(t *testing.T) {
	regs := backend.NewMemoryRegisters(64)
	entries := []Entry{{
		Tag: TagPoll, Offset: 0, Width: 4,
		Mask: 0xFFFFFFFF, Value: 1,
		PollInterval: time.Millisecond,
		Timeout:      5 * time.Millisecond,
	}}
	err := Execute(regs, entries, nil)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestExecuteCancelStopsBetweenEntries(t *testing.T) {
	regs := backend.NewMemoryRegisters(64)
	calls := 0
	cancelled := func() bool {
		calls++
		return calls > 1
	}
	entries := []Entry{
		{Tag: TagWrite, Offset: 0, Width: 4, Value: 1},
		{Tag: TagWrite, Offset: 4, Width: 4, Value: 2},
		{Tag: TagWrite, Offset: 8, Width: 4, Value: 3},
	}
	err := Execute(regs, entries, cancelled)
	assert.ErrorIs(t, err, ErrCancelled)

	v, _ := regs.Read(0, 4)
	assert.Equal(t, uint64(1), v)
	v2, _ := regs.Read(8, 4)
	assert.Equal(t, uint64(0), v2)
}

func TestCheckAllocSize(t *testing.T) {
	assert.NoError(t, CheckAllocSize(10))
	assert.True(t, errors.Is(CheckAllocSize(-1), ErrInvalidArg))
	assert.True(t, errors.Is(CheckAllocSize(MaxEntries+1), ErrOverflow))
}

func TestExecuteBatch(t *testing.T) {
	regs := backend.NewMemoryRegisters(64)
	payload := []byte{1, 2, 3, 4}
	entries := []Entry{{Tag: TagWriteBatch, Offset: 0, Buf: payload}}
	require.NoError(t, Execute(regs, entries, nil))

	readBack := make([]byte, 4)
	entries2 := []Entry{{Tag: TagReadBatch, Offset: 0, Buf: readBack}}
	require.NoError(t, Execute(regs, entries2, nil))
	assert.Equal(t, payload, readBack)
}
