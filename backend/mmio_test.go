package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newMemfdRegisters(t *testing.T, size int) *MMIORegisters {
	t.Helper()
	fd, err := unix.MemfdCreate("lwis-mmio-test", 0)
	require.NoError(t, err)
	defer unix.Close(fd)

	require.NoError(t, unix.Ftruncate(fd, int64(size)))

	regs, err := NewMMIORegisters(fd, 0, size)
	require.NoError(t, err)
	t.Cleanup(func() { _ = regs.Close() })
	return regs
}

func TestMMIOReadWriteRoundTrip(t *testing.T) {
	regs := newMemfdRegisters(t, 4096)

	require.NoError(t, regs.Write(0, 4, 0x12345678))
	v, err := regs.Read(0, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x12345678), v)
}

func TestMMIOBatchRoundTrip(t *testing.T) {
	regs := newMemfdRegisters(t, 4096)

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	require.NoError(t, regs.WriteBatch(8, payload))

	got := make([]byte, 4)
	require.NoError(t, regs.ReadBatch(8, got))
	assert.Equal(t, payload, got)
}

func TestMMIOBoundsChecked(t *testing.T) {
	regs := newMemfdRegisters(t, 16)
	_, err := regs.Read(12, 8)
	assert.Error(t, err)
}

func TestMMIOMemoryBarrierDoesNotPanic(t *testing.T) {
	regs := newMemfdRegisters(t, 16)
	assert.NotPanics(t, func() { regs.MemoryBarrier(true, true) })
}
