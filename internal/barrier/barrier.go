//go:build linux && cgo

// Package barrier provides the store/full memory fences an MMIO
// register_io back-end issues around an IoEntry program: a batch of
// register writes must be globally visible before the device is
// kicked, and a device's response must be visible before it is read.
package barrier

/*
#include <stdint.h>

static inline void sfence_impl(void) {
    __asm__ __volatile__("sfence" ::: "memory");
}

static inline void mfence_impl(void) {
    __asm__ __volatile__("mfence" ::: "memory");
}
*/
import "C"

// Sfence issues a store fence (x86 SFENCE): all prior stores are
// globally visible before any subsequent store.
func Sfence() {
	C.sfence_impl()
}

// Mfence issues a full memory fence (x86 MFENCE): all prior loads and
// stores complete before any subsequent memory operation.
func Mfence() {
	C.mfence_impl()
}
