// Package eventbus implements the per-device and per-client
// event-state tables and the emit/control/dequeue operations. Clients
// subscribe to individual event IDs; emitted events are fanned out
// only to subscribed clients, with error events taking priority over
// normal events at dequeue time.
package eventbus

import (
	"sync"
	"time"

	"github.com/lwisd/lwis/internal/constants"
)

// EventID identifies an event type, scoped to a device.
type EventID uint64

// Record is a single emitted event queued for a client.
type Record struct {
	EventID     EventID
	Counter     uint64 // device-wide occurrence counter at emission time
	TimestampNs int64  // monotonic-ish emission time
	IsError     bool
	Payload     []byte
}

// Watcher is notified synchronously, on the emitting goroutine, every
// time a watched event ID's device-wide counter advances. The trigger
// engine is the only consumer: it registers a watcher per event node
// so it can evaluate the predicate the moment the device emits,
// rather than polling the counter.
type Watcher interface {
	NotifyEventCounter(id EventID, counter uint64)
}

// deviceEventState tracks, per event ID, the device-wide occurrence
// counter, how many clients currently have it enabled, and any
// trigger-engine watchers registered against it.
type deviceEventState struct {
	counter       uint64
	enableCounter int
	watchers      map[uint64]Watcher
}

// DeviceTable is the per-device event-state table: one deviceEventState
// per event ID the device has ever seen.
type DeviceTable struct {
	mu        sync.Mutex
	states    map[EventID]*deviceEventState
	nextWatch uint64
}

// NewDeviceTable creates an empty per-device event-state table.
func NewDeviceTable() *DeviceTable {
	return &DeviceTable{states: make(map[EventID]*deviceEventState)}
}

func (t *DeviceTable) stateFor(id EventID) *deviceEventState {
	s, ok := t.states[id]
	if !ok {
		s = &deviceEventState{}
		t.states[id] = s
	}
	return s
}

// Counter returns the device-wide occurrence counter for id.
func (t *DeviceTable) Counter(id EventID) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.states[id]; ok {
		return s.counter
	}
	return 0
}

// Watch registers w to be notified every time id's device-wide counter
// advances after Watch returns. An Emit that took its snapshot of the
// watchers before Watch registered w does not notify w, so the caller
// is expected to also check Counter(id) once after Watch returns, the
// same way Fence.AddTransaction guards against a signal that lands
// between check and subscribe. The
// returned unwatch func deregisters w; it is safe to call more than
// once.
func (t *DeviceTable) Watch(id EventID, w Watcher) (unwatch func()) {
	t.mu.Lock()
	st := t.stateFor(id)
	if st.watchers == nil {
		st.watchers = make(map[uint64]Watcher)
	}
	t.nextWatch++
	key := t.nextWatch
	st.watchers[key] = w
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			if s, ok := t.states[id]; ok {
				delete(s.watchers, key)
			}
			t.mu.Unlock()
		})
	}
}

// Client is a per-client event-state table: subscriptions plus
// bounded normal and error event queues.
type Client struct {
	mu            sync.Mutex
	subscriptions map[EventID]int // refcount of EventControlSet(enable) calls
	normalQueue   []Record
	errorQueue    []Record
	capacity      int
	dropped       uint64
}

// NewClient creates a client event-state table with the default queue
// capacity.
func NewClient() *Client {
	return &Client{
		subscriptions: make(map[EventID]int),
		capacity:      constants.EventQueueCapacity,
	}
}

// SetEnable adjusts the enable refcount for id on this client and
// mirrors the change into the device-wide enable counter, per the
// enable_counter/event_counter collapse decision: repeated enables are
// refcounted per client, and a client's event only actually delivers
// once its own refcount is nonzero.
func (c *Client) SetEnable(dev *DeviceTable, id EventID, enable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dev.mu.Lock()
	defer dev.mu.Unlock()
	st := dev.stateFor(id)

	cur := c.subscriptions[id]
	if enable {
		if cur == 0 {
			st.enableCounter++
		}
		c.subscriptions[id] = cur + 1
	} else if cur > 0 {
		c.subscriptions[id] = cur - 1
		if cur-1 == 0 {
			st.enableCounter--
			delete(c.subscriptions, id)
		}
	}
}

func (c *Client) isEnabled(id EventID) bool {
	return c.subscriptions[id] > 0
}

// Enabled reports whether this client currently has id enabled.
func (c *Client) Enabled(id EventID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isEnabled(id)
}

// Emit records one occurrence of id on the device table and, if this
// client currently has id enabled, queues a Record for delivery.
// Events on a disabled subscription are counted device-wide but
// dropped for this client without occupying queue space ("drop when
// disabled"). A full queue drops the new record and increments the
// drop counter instead of evicting older ones, so ordering of
// already-queued events is never disturbed.
func Emit(dev *DeviceTable, id EventID, isError bool, payload []byte, clients ...*Client) {
	dev.mu.Lock()
	st := dev.stateFor(id)
	st.counter++
	counter := st.counter
	watchers := make([]Watcher, 0, len(st.watchers))
	for _, w := range st.watchers {
		watchers = append(watchers, w)
	}
	dev.mu.Unlock()

	// Emission hook: the Trigger Engine's event nodes evaluate
	// synchronously here, before delivery to any client queue, so a
	// transaction can become ready in the same call that emitted its
	// triggering event.
	for _, w := range watchers {
		w.NotifyEventCounter(id, counter)
	}

	rec := Record{
		EventID:     id,
		Counter:     counter,
		TimestampNs: time.Now().UnixNano(),
		IsError:     isError,
		Payload:     payload,
	}
	oversized := len(payload) > constants.MaxEventPayloadBytes

	for _, c := range clients {
		c.mu.Lock()
		if !c.isEnabled(id) {
			c.mu.Unlock()
			continue
		}
		if oversized {
			c.dropped++
			c.mu.Unlock()
			continue
		}
		if isError {
			if len(c.errorQueue) >= c.capacity {
				c.dropped++
			} else {
				c.errorQueue = append(c.errorQueue, rec)
			}
		} else {
			if len(c.normalQueue) >= c.capacity {
				c.dropped++
			} else {
				c.normalQueue = append(c.normalQueue, rec)
			}
		}
		c.mu.Unlock()
	}
}

// Dequeue pops the oldest queued record for this client, draining the
// error queue before the normal queue. ok is false if both queues are
// empty.
func (c *Client) Dequeue() (rec Record, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.errorQueue) > 0 {
		rec = c.errorQueue[0]
		c.errorQueue = c.errorQueue[1:]
		return rec, true
	}
	if len(c.normalQueue) > 0 {
		rec = c.normalQueue[0]
		c.normalQueue = c.normalQueue[1:]
		return rec, true
	}
	return Record{}, false
}

// PeekFront returns the record Dequeue would pop next without
// removing it, so a caller can size a buffer before committing to the
// pop (the command channel's dequeue-with-required-size path).
func (c *Client) PeekFront() (rec Record, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.errorQueue) > 0 {
		return c.errorQueue[0], true
	}
	if len(c.normalQueue) > 0 {
		return c.normalQueue[0], true
	}
	return Record{}, false
}

// Dropped returns the number of events dropped for this client, either
// because its queue was full or because the payload exceeded
// MaxEventPayloadBytes.
func (c *Client) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Pending returns the number of queued error and normal records.
func (c *Client) Pending() (errorCount, normalCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errorQueue), len(c.normalQueue)
}
