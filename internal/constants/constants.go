// Package constants holds the tunable defaults shared across the LWIS
// runtime packages.
package constants

import "time"

// Default configuration constants
const (
	// DefaultWorkQueueDepth is the default capacity of a client's
	// single-threaded work queue (ready transactions + periodic ticks).
	DefaultWorkQueueDepth = 256

	// MaxTriggerNodes is the maximum number of nodes a single trigger
	// condition may carry.
	MaxTriggerNodes = 16

	// EventQueueCapacity is the default per-client event queue depth
	// (normal and error queues are sized independently).
	EventQueueCapacity = 64

	// InvalidID is returned for TransactionSubmit/PeriodicIoSubmit on
	// failure.
	InvalidID uint64 = 0xFFFFFFFFFFFFFFFF

	// AutoAssignDeviceID indicates the runtime should pick the next
	// free device id.
	AutoAssignDeviceID = -1
)

// Timing constants. LWIS devices are runtime objects with no driver
// attach latency, so these are scheduling/backoff knobs rather than
// hardware settle times.
const (
	// DefaultPollInterval is used by the IoEntry executor's Poll entry
	// between register reads when the caller does not override it.
	DefaultPollInterval = 500 * time.Microsecond

	// DefaultBusDispatchTimeout bounds how long a client scheduler
	// waits for a bus worker to run its dispatched work before logging
	// a stall warning.
	DefaultBusDispatchTimeout = 5 * time.Second

	// MinPeriodicInterval is the smallest periodic-I/O interval
	// accepted, preventing busy-spin submissions.
	MinPeriodicInterval = 1 * time.Millisecond
)

// Memory allocation constants.
const (
	// MaxEventPayloadBytes bounds a single event payload copy-out.
	MaxEventPayloadBytes = 4096
)
