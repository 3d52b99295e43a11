// Package backend provides reference register_io implementations for
// LWIS devices.
package backend

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// ShardSize is the size of each register-bank shard.
const ShardSize = 4096

// MemoryRegisters is an in-memory register bank used for the TEST
// device type and for unit tests of the IoEntry executor and
// transaction scheduler. It uses sharded locking so concurrent
// transactions on independent offset ranges do not serialize on a
// single mutex.
type MemoryRegisters struct {
	data      []byte
	size      int64
	shards    []sync.RWMutex
	barrierRW [2]int // [readBarriers, writeBarriers], for test assertions
	mu        sync.Mutex
}

// NewMemoryRegisters creates a register bank of the given size in bytes.
func NewMemoryRegisters(size int64) *MemoryRegisters {
	numShards := (size + ShardSize - 1) / ShardSize
	if numShards < 1 {
		numShards = 1
	}
	return &MemoryRegisters{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

func (m *MemoryRegisters) shardRange(off, length int64) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	if start < 0 {
		start = 0
	}
	return start, end
}

// Read reads a register of the given width at offset.
func (m *MemoryRegisters) Read(offset uint64, width int) (uint64, error) {
	if err := m.checkBounds(offset, int64(width)); err != nil {
		return 0, err
	}
	start, end := m.shardRange(int64(offset), int64(width))
	for i := start; i <= end; i++ {
		m.shards[i].RLock()
	}
	defer func() {
		for i := start; i <= end; i++ {
			m.shards[i].RUnlock()
		}
	}()

	buf := m.data[offset : offset+uint64(width)]
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
func (m *MemoryRegisters) Write(offset uint64, width int, value uint64) error {
	if err := m.checkBounds(offset, int64(width)); err != nil {
		return err
	}
	start, end := m.shardRange(int64(offset), int64(width))
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	defer func() {
		for i := start; i <= end; i++ {
			m.shards[i].Unlock()
		}
	}()

	buf := m.data[offset : offset+uint64(width)]
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
func (m *MemoryRegisters) ReadBatch(offset uint64, buf []byte) error {
	if err := m.checkBounds(offset, int64(len(buf))); err != nil {
		return err
	}
	start, end := m.shardRange(int64(offset), int64(len(buf)))
	for i := start; i <= end; i++ {
		m.shards[i].RLock()
	}
	copy(buf, m.data[offset:offset+uint64(len(buf))])
	for i := start; i <= end; i++ {
		m.shards[i].RUnlock()
	}
	return nil
}

// WriteBatch writes buf to offset.
func (m *MemoryRegisters) WriteBatch(offset uint64, buf []byte) error {
	if err := m.checkBounds(offset, int64(len(buf))); err != nil {
		return err
	}
	start, end := m.shardRange(int64(offset), int64(len(buf)))
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	copy(m.data[offset:offset+uint64(len(buf))], buf)
	for i := start; i <= end; i++ {
		m.shards[i].Unlock()
	}
	return nil
}

// MemoryBarrier implements regio.Barrier for tests that assert on
// barrier bracketing.
func (m *MemoryRegisters) MemoryBarrier(read, write bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if read {
		m.barrierRW[0]++
	}
	if write {
		m.barrierRW[1]++
	}
}

// BarrierCounts returns (readBarriers, writeBarriers) observed so far.
func (m *MemoryRegisters) BarrierCounts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.barrierRW[0], m.barrierRW[1]
}

func (m *MemoryRegisters) checkBounds(offset uint64, length int64) error {
	if length < 0 || int64(offset)+length > m.size || int64(offset) < 0 {
		return fmt.Errorf("register access out of bounds: offset=%d length=%d size=%d", offset, length, m.size)
	}
	return nil
}

// Size returns the register bank size in bytes.
func (m *MemoryRegisters) Size() int64 {
	return m.size
}
