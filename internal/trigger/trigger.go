// Package trigger implements trigger-condition evaluation: a
// transaction becomes ready to run once its AND/OR/NONE combination of
// event-counter and fence predicates resolves. Outcome is modeled as
// an explicit three-state enum rather than a bool, because a condition
// can also resolve to "this will never fire".
package trigger

import (
	"sync"

	"github.com/lwisd/lwis/internal/eventbus"
	"github.com/lwisd/lwis/internal/fence"
)

// Outcome is the three-state result of evaluating a trigger condition
// or a single node within one.
type Outcome int

const (
	Pending Outcome = iota
	Ready
	Cancel
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "PENDING"
	case Ready:
		return "READY"
	case Cancel:
		return "CANCEL"
	default:
		return "UNKNOWN"
	}
}

// Operator combines a condition's nodes.
type Operator int

const (
	OpNone Operator = iota // no condition: always Ready immediately
	OpAnd
	OpOr
)

// NodeKind discriminates a TriggerNode's predicate type.
type NodeKind int

const (
	NodeEvent NodeKind = iota
	NodeFence
)

// NodeSpec describes one predicate within a TriggerCondition, as
// supplied by the caller at submission time.
type NodeSpec struct {
	Kind NodeKind

	// NodeEvent fields.
	EventID     eventbus.EventID
	TargetCount uint64 // node becomes Ready once the device event counter reaches this value

	// NodeFence fields. A nil Fence with Placeholder set true means the
	// fence will be supplied later (e.g. the output fence of a prior
	// transaction in the same submission batch) and the node stays
	// Pending until ResolvePlaceholder is called.
	Fence       *fence.Fence
	Placeholder bool
}

type node struct {
	spec    NodeSpec
	outcome Outcome
}

// Condition is one transaction's trigger condition: an operator plus
// its nodes, each independently Pending/Ready/Cancel.
type Condition struct {
	mu         sync.Mutex
	operator   Operator
	nodes      []*node
	onDone     func(Outcome)
	resolved   bool
	cancelCode int32 // status code of the first fence that fired with an error

	unwatch []func() // deregisters this condition from eventbus.DeviceTable.Watch
}

// waiterAdapter bridges a single node to the fence.Waiter interface.
type waiterAdapter struct {
	c *Condition
	n *node
}

func (w *waiterAdapter) Notify(status fence.Status, code int32) {
	switch status {
	case fence.SignaledOK:
		w.c.setNodeOutcome(w.n, Ready, 0)
	case fence.SignaledErr:
		w.c.setNodeOutcome(w.n, Cancel, code)
	}
}

// NewCondition builds a Condition from specs, registers fence
// waiters, and subscribes every NodeEvent spec to the device's
// per-event emission hook so the condition is notified the instant a
// relevant event fires rather than needing to be polled. events may be
// nil if specs contains no NodeEvent entries (e.g. a fence-only or
// OpNone condition). onDone is invoked at most once, when the whole
// condition resolves to Ready or Cancel; it is never invoked for
// OpNone, whose caller should treat the transaction as immediately
// ready.
func NewCondition(operator Operator, specs []NodeSpec, events *eventbus.DeviceTable, onDone func(Outcome)) *Condition {
	c := &Condition{operator: operator, onDone: onDone}

	// Build the complete node list before registering any waiter: an
	// already-signaled fence notifies synchronously from AddTransaction,
	// and evaluating against a partial node list would let an AND
	// condition resolve before its remaining nodes exist.
	watched := make(map[eventbus.EventID]bool)
	for _, s := range specs {
		n := &node{spec: s}
		c.nodes = append(c.nodes, n)
		if s.Kind == NodeEvent && events != nil && !watched[s.EventID] {
			watched[s.EventID] = true
			c.unwatch = append(c.unwatch, events.Watch(s.EventID, c))
		}
	}

	if events != nil {
		// Catch events already emitted before this condition subscribed
		// (e.g. a TargetCount of 0, meaning "already satisfied", or a
		// counter that raced ahead of Watch registering above).
		c.mu.Lock()
		for _, n := range c.nodes {
			if n.spec.Kind != NodeEvent || n.outcome != Pending {
				continue
			}
			if current := events.Counter(n.spec.EventID); eventSatisfied(current, n.spec.TargetCount) {
				n.outcome = Ready
			}
		}
		c.mu.Unlock()
	}

	for _, n := range c.nodes {
		if n.spec.Kind == NodeFence && n.spec.Fence != nil {
			// Already-signaled fences notify synchronously here, which
			// resolves the node (and possibly the condition) through the
			// same path a later signal would take.
			n.spec.Fence.AddTransaction(&waiterAdapter{c: c, n: n})
		}
	}
	return c
}

// ResolvePlaceholder binds a late-arriving fence to the first
// unresolved placeholder node still waiting on one, registering a
// waiter against it the same way NewCondition does for fences known up
// front.
func (c *Condition) ResolvePlaceholder(f *fence.Fence) bool {
	c.mu.Lock()
	var target *node
	for _, n := range c.nodes {
		if n.spec.Kind == NodeFence && n.spec.Placeholder && n.spec.Fence == nil {
			target = n
			break
		}
	}
	if target == nil {
		c.mu.Unlock()
		return false
	}
	target.spec.Fence = f
	c.mu.Unlock()

	// An already-signaled fence resolves the node synchronously via the
	// waiter's Notify, the same as in NewCondition.
	f.AddTransaction(&waiterAdapter{c: c, n: target})
	return true
}

// eventSatisfied reports whether a NodeEvent with the given target
// count has fired, given the device's current counter for that event
// id. TargetCount 0 means "unconditional": any emission at all
// satisfies it. An event id that has never fired (counter 0) never
// satisfies a node, target or not.
func eventSatisfied(counter, target uint64) bool {
	if counter == 0 {
		return false
	}
	if target == 0 {
		return true
	}
	return counter >= target
}

// NotifyEventCounter informs the condition that id's device-wide event
// counter has advanced to counter. Any NodeEvent nodes watching id with
// a satisfied target transition to Ready. It implements
// eventbus.Watcher so a Condition can be registered directly against a
// DeviceTable.
func (c *Condition) NotifyEventCounter(id eventbus.EventID, counter uint64) {
	c.mu.Lock()
	var changed *node
	for _, n := range c.nodes {
		if n.spec.Kind == NodeEvent && n.spec.EventID == id && n.outcome == Pending {
			if eventSatisfied(counter, n.spec.TargetCount) {
				n.outcome = Ready
				changed = n
			}
		}
	}
	c.mu.Unlock()
	if changed != nil {
		c.evaluate()
	}
}

func (c *Condition) setNodeOutcome(n *node, o Outcome, code int32) {
	c.mu.Lock()
	if n.outcome == Pending {
		n.outcome = o
		if o == Cancel && c.cancelCode == 0 {
			c.cancelCode = code
		}
	}
	c.mu.Unlock()
	c.evaluate()
}

// CancelCode returns the status code of the fence whose error signal
// drove this condition to Cancel, for forwarding into the owning
// transaction's error event and completion fences. Zero if the
// condition has not cancelled.
func (c *Condition) CancelCode() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelCode
}

// Evaluate recomputes and returns the condition's overall outcome,
// marking the condition resolved if it is no longer Pending. It never
// invokes onDone; the caller acts on the returned outcome. Once the
// condition has already resolved, Evaluate returns Pending.
func (c *Condition) Evaluate() Outcome {
	c.mu.Lock()
	if c.resolved {
		c.mu.Unlock()
		return Pending
	}
	outcome := c.evaluateLocked()
	if outcome == Pending {
		c.mu.Unlock()
		return Pending
	}
	c.resolved = true
	unwatch := c.unwatch
	c.unwatch = nil
	c.mu.Unlock()

	for _, u := range unwatch {
		u()
	}
	return outcome
}

func (c *Condition) evaluateLocked() Outcome {
	if c.operator == OpNone {
		return Ready
	}

	anyReady, anyCancel, allReady, allCancel := false, false, true, true
	for _, n := range c.nodes {
		switch n.outcome {
		case Ready:
			anyReady = true
			allCancel = false
		case Cancel:
			anyCancel = true
			allReady = false
		default:
			allReady = false
			allCancel = false
		}
	}

	switch c.operator {
	case OpAnd:
		if anyCancel {
			return Cancel
		}
		if allReady {
			return Ready
		}
		return Pending
	case OpOr:
		if anyReady {
			return Ready
		}
		if allCancel {
			return Cancel
		}
		return Pending
	default:
		return Ready
	}
}

func (c *Condition) evaluate() {
	c.mu.Lock()
	if c.resolved {
		c.mu.Unlock()
		return
	}
	outcome := c.evaluateLocked()
	if outcome == Pending {
		c.mu.Unlock()
		return
	}
	c.resolved = true
	cb := c.onDone
	unwatch := c.unwatch
	c.unwatch = nil
	c.mu.Unlock()

	for _, u := range unwatch {
		u()
	}
	if cb != nil {
		cb(outcome)
	}
}
