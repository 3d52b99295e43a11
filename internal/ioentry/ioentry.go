// Package ioentry implements the IoEntry executor: a linear program
// of typed register operations run against one device's register_io
// capability, bracketed by read/write memory barriers.
package ioentry

import (
	"fmt"
	"math"
	"time"

	"github.com/lwisd/lwis/internal/constants"
	"github.com/lwisd/lwis/internal/regio"
)

// Tag is the IoEntry variant discriminator.
type Tag int

const (
	TagRead Tag = iota
	TagWrite
	TagModify
	TagReadBatch
	TagWriteBatch
	TagPoll
	TagReadAssert
)

func (t Tag) String() string {
	switch t {
	case TagRead:
		return "Read"
	case TagWrite:
		return "Write"
	case TagModify:
		return "Modify"
	case TagReadBatch:
		return "ReadBatch"
	case TagWriteBatch:
		return "WriteBatch"
	case TagPoll:
		return "Poll"
	case TagReadAssert:
		return "ReadAssert"
	default:
		return "Unknown"
	}
}

// Entry is a single typed register-access instruction: one of Read,
// Write, Modify(offset, mask, value), ReadBatch(offset, size, buf),
// WriteBatch(offset, size, buf), Poll(offset, mask, value, timeout),
// or ReadAssert(offset, mask, expected).
type Entry struct {
	Tag Tag

	Offset uint64
	Width  int // register width in bytes: 1, 2, 4, or 8 (ignored for batch ops)

	Value    uint64 // Write value / Modify value / Poll expected value
	Mask     uint64 // Modify/Poll/ReadAssert mask
	Expected uint64 // ReadAssert expected value

	// Result, set by the executor on a successful Read/Poll/ReadAssert so
	// the caller's mirror of the entry can be copied back (ReadBatch fills
	// Buf instead).
	Result uint64

	Buf []byte // ReadBatch/WriteBatch payload, kernel-owned copy

	PollInterval time.Duration // defaults to constants.DefaultPollInterval
	Timeout      time.Duration // Poll deadline
}

// MaxEntries bounds num*sizeof(entry) before any allocation is made
// for a caller-supplied entry count.
const MaxEntries = 1 << 20

// entrySize is used only for the overflow-guard arithmetic below; it is
// not a wire size.
const entrySize = 96

// CheckAllocSize saturate-checks num*sizeof(entry) before an allocation
// is made for num entries, returning ErrOverflow if it would overflow
// or exceed MaxEntries.
func CheckAllocSize(num int) error {
	if num < 0 {
		return ErrInvalidArg
	}
	if num > MaxEntries {
		return ErrOverflow
	}
	total := uint64(num) * uint64(entrySize)
	if total > math.MaxInt32 {
		return ErrOverflow
	}
	return nil
}

// Sentinel errors returned by the executor. Callers map these to the
// wire error taxonomy at the transaction/command boundary.
var (
	ErrOverflow     = fmt.Errorf("ioentry: allocation size overflow")
	ErrInvalidArg   = fmt.Errorf("ioentry: invalid argument")
	ErrTimeout      = fmt.Errorf("ioentry: poll timeout")
	ErrInvalidState = fmt.Errorf("ioentry: assertion failed")
	ErrUnsupported  = fmt.Errorf("ioentry: unsupported op for this device")
)

// ErrCancelled is returned by Execute when the supplied cancel check
// reports true between entries: cancellation completes the current
// entry, then stops.
var ErrCancelled = fmt.Errorf("ioentry: cancelled")

// Execute runs entries in order against rio, bracketed by a write
// barrier at entry and a read barrier at exit.
// cancelled, if non-nil, is polled between entries; when it returns
// true, Execute stops and returns ErrCancelled without running the
// remaining entries.
func Execute(rio regio.RegisterIO, entries []Entry, cancelled func() bool) error {
	if b, ok := rio.(regio.Barrier); ok {
		b.MemoryBarrier(false, true)
		defer b.MemoryBarrier(true, false)
	}

	for i := range entries {
		if cancelled != nil && cancelled() {
			return ErrCancelled
		}
		if err := executeOne(rio, &entries[i]); err != nil {
			return err
		}
	}
	return nil
}

func executeOne(rio regio.RegisterIO, e *Entry) error {
	switch e.Tag {
	case TagRead:
		v, err := rio.Read(e.Offset, width(e))
		if err != nil {
			return err
		}
		e.Result = v
		return nil

	case TagWrite:
		return rio.Write(e.Offset, width(e), e.Value)

	case TagModify:
		v, err := rio.Read(e.Offset, width(e))
		if err != nil {
			return err
		}
		v = (v &^ e.Mask) | (e.Value & e.Mask)
		return rio.Write(e.Offset, width(e), v)

	case TagReadBatch:
		if err := rio.ReadBatch(e.Offset, e.Buf); err != nil {
			return err
		}
		return nil

	case TagWriteBatch:
		return rio.WriteBatch(e.Offset, e.Buf)

	case TagPoll:
		interval := e.PollInterval
		if interval <= 0 {
			interval = constants.DefaultPollInterval
		}
		deadline := time.Now().Add(e.Timeout)
		for {
			v, err := rio.Read(e.Offset, width(e))
			if err != nil {
				return err
			}
			if (v & e.Mask) == e.Value {
				e.Result = v
				return nil
			}
			if time.Now().After(deadline) {
				return ErrTimeout
			}
			time.Sleep(interval)
		}

	case TagReadAssert:
		v, err := rio.Read(e.Offset, width(e))
		if err != nil {
			return err
		}
		e.Result = v
		if (v & e.Mask) != e.Expected {
			return ErrInvalidState
		}
		return nil

	default:
		return ErrUnsupported
	}
}

func width(e *Entry) int {
	if e.Width == 0 {
		return 8
	}
	return e.Width
}
