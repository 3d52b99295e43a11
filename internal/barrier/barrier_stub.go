//go:build !linux || !cgo

package barrier

// Sfence is a no-op on builds that are not linux with cgo; Go's memory model
// already orders the unsafe.Pointer writes this package's callers make
// through a sync.Mutex or atomic, so this is a portability fallback,
// not a correctness gap, outside real MMIO hardware.
func Sfence() {}

// Mfence is a no-op on builds that are not linux with cgo, for the same reason as
// Sfence.
func Mfence() {}
