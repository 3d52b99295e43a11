// Package regio defines the register-access capability that the
// IoEntry executor dispatches against. Concrete MMIO/I2C/SPI back-ends
// live elsewhere; this package only defines the boundary and the
// barrier contract the executor relies on.
package regio

// RegisterIO is the capability a Device exposes for the IoEntry
// executor to dispatch typed register operations against. Implementors
// are free to be a real MMIO/I2C/SPI transport. Virtual TOP/DPM
// devices carry none (nil), in which case the device only accepts
// trigger/event/fence bookkeeping and never executes entries.
type RegisterIO interface {
	// Read reads a single register of the given width (in bytes: 1, 2,
	// 4, or 8) at offset.
	Read(offset uint64, width int) (uint64, error)

	// Write writes value (truncated to width bytes) to offset.
	Write(offset uint64, width int, value uint64) error

	// ReadBatch fills buf by reading len(buf) bytes starting at offset.
	ReadBatch(offset uint64, buf []byte) error

	// WriteBatch writes buf to offset.
	WriteBatch(offset uint64, buf []byte) error
}

// Barrier is an optional capability a RegisterIO may also implement
// to bracket an IoEntry program with read/write memory barriers.
type Barrier interface {
	// MemoryBarrier is invoked with {read=false,write=true} before the
	// first entry and {read=true,write=false} after the last.
	MemoryBarrier(read, write bool)
}
