package backend

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/lwisd/lwis/internal/barrier"
	"github.com/lwisd/lwis/internal/regio"
)

var (
	_ regio.RegisterIO = (*MMIORegisters)(nil)
	_ regio.Barrier    = (*MMIORegisters)(nil)
)

// MMIORegisters is a real memory-mapped register_io back-end: it maps
// length bytes of fd at the given offset and serves Read/Write/
// ReadBatch/WriteBatch directly against that mapping, bracketing a
// program with store/full fences so a batch of register writes is
// globally visible before the device consumes it.
type MMIORegisters struct {
	mem    []byte
	mu     sync.Mutex
	closed bool
}

// NewMMIORegisters mmaps length bytes of fd starting at offset as a
// shared, read/write region. Callers typically pass the fd of an open
// /dev/mem-style character device or a VFIO region; in tests it is an
// anonymous-backed memfd.
func NewMMIORegisters(fd int, offset int64, length int) (*MMIORegisters, error) {
	mem, err := unix.Mmap(fd, offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap register region: %w", err)
	}
	return &MMIORegisters{mem: mem}, nil
}

// Close unmaps the register region. It is safe to call more than
// once.
func (m *MMIORegisters) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return unix.Munmap(m.mem)
}

func (m *MMIORegisters) checkBounds(offset uint64, length int) error {
	if length < 0 || offset+uint64(length) > uint64(len(m.mem)) {
		return fmt.Errorf("mmio access out of bounds: offset=%d length=%d size=%d", offset, length, len(m.mem))
	}
	return nil
}

// Read reads a register of the given width at offset.
func (m *MMIORegisters) Read(offset uint64, width int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkBounds(offset, width); err != nil {
		return 0, err
	}
	buf := m.mem[offset : offset+uint64(width)]
	switch width {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	case 8:
		return binary.LittleEndian.Uint64(buf), nil
	default:
		return 0, fmt.Errorf("unsupported register width %d", width)
	}
}

// Write writes value (truncated to width bytes) to offset.
func (m *MMIORegisters) Write(offset uint64, width int, value uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkBounds(offset, width); err != nil {
		return err
	}
	buf := m.mem[offset : offset+uint64(width)]
	switch width {
	case 1:
		buf[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(buf, value)
	default:
		return fmt.Errorf("unsupported register width %d", width)
	}
	return nil
}

// ReadBatch fills buf by reading len(buf) bytes starting at offset.
func (m *MMIORegisters) ReadBatch(offset uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkBounds(offset, len(buf)); err != nil {
		return err
	}
	copy(buf, m.mem[offset:offset+uint64(len(buf))])
	return nil
}

// WriteBatch writes buf to offset.
func (m *MMIORegisters) WriteBatch(offset uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkBounds(offset, len(buf)); err != nil {
		return err
	}
	copy(m.mem[offset:offset+uint64(len(buf))], buf)
	return nil
}

// MemoryBarrier issues a store fence before a write-only bracket and a
// full fence after a read-only bracket, matching the write/read
// bracketing ioentry.Execute applies around a program.
func (m *MMIORegisters) MemoryBarrier(read, write bool) {
	if write {
		barrier.Sfence()
	}
	if read {
		barrier.Mfence()
	}
}
