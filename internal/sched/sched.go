// Package sched implements the per-client scheduler: a single worker
// goroutine per client that drains cancellations ahead of ready
// transactions ahead of periodic ticks, executing each either directly
// against the owning device's register_io capability or, for devices
// on a shared bus, serialized through that bus's dispatch queue.
package sched

import (
	"sync"
	"time"

	"github.com/lwisd/lwis/internal/busmgr"
	"github.com/lwisd/lwis/internal/constants"
	"github.com/lwisd/lwis/internal/logging"
	"github.com/lwisd/lwis/internal/regio"
	"github.com/lwisd/lwis/internal/txn"
)

// Scheduler drains one client's work in priority order: cancellations
// ahead of ready transactions ahead of periodic ticks, so a
// transaction cancelled while queued never executes and periodic work
// never starves a one-shot submission.
type Scheduler struct {
	ClientID uint64

	rio regio.RegisterIO
	bus *busmgr.Bus

	ready    chan *txn.Transaction
	cancels  chan *txn.Transaction
	periodic chan func()
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// OnExecuted, if set, is invoked after every Execute attempt
	// (successful or not) so the caller can update metrics without
	// this package depending on the root metrics type.
	OnExecuted func(t *txn.Transaction, err error)
}

// New creates a scheduler bound to a device's register_io (and
// optionally a shared bus). rio is used when bus is nil; when bus is
// non-nil, transactions are dispatched through the bus so they
// serialize against every other device sharing it.
func New(clientID uint64, rio regio.RegisterIO, bus *busmgr.Bus) *Scheduler {
	return &Scheduler{
		ClientID: clientID,
		rio:      rio,
		bus:      bus,
		ready:    make(chan *txn.Transaction, constants.DefaultWorkQueueDepth),
		cancels:  make(chan *txn.Transaction, constants.DefaultWorkQueueDepth),
		periodic: make(chan func(), constants.DefaultWorkQueueDepth),
		stop:     make(chan struct{}),
	}
}

// Start launches the drain loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop signals the drain loop to exit once the current item finishes
// and waits for it to return. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// Enqueue submits a transaction that has become ready to run. Intended
// as the onReady callback passed to txn.Transaction.Submit.
func (s *Scheduler) Enqueue(t *txn.Transaction) {
	select {
	case s.ready <- t:
	case <-s.stop:
	}
}

// EnqueueCancel submits a transaction for priority cancellation
// handling ahead of the ready queue.
func (s *Scheduler) EnqueueCancel(t *txn.Transaction) {
	select {
	case s.cancels <- t:
	case <-s.stop:
	}
}

// EnqueuePeriodic submits one periodic tick's work, drained after
// cancellations and ready transactions so recurring jobs never starve
// one-shot submissions. Like transactions, the work runs on the worker
// goroutine and is serialized through the device's shared bus when one
// is attached. Reports false once the scheduler has stopped.
func (s *Scheduler) EnqueuePeriodic(run func()) bool {
	select {
	case <-s.stop:
		return false
	default:
	}
	select {
	case s.periodic <- run:
		return true
	case <-s.stop:
		return false
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case t := <-s.cancels:
			s.cancel(t)
			continue
		default:
		}

		select {
		case <-s.stop:
			return
		case t := <-s.cancels:
			s.cancel(t)
			continue
		case t := <-s.ready:
			s.dispatchReady(t)
			continue
		default:
		}

		select {
		case <-s.stop:
			return
		case t := <-s.cancels:
			s.cancel(t)
		case t := <-s.ready:
			s.dispatchReady(t)
		case r := <-s.periodic:
			s.runSerialized(r)
		}
	}
}

// dispatchReady runs a transaction the trigger condition has handed
// off, unless the condition itself resolved to Cancel, in which case it
// never reaches register_io and is finalized the same way an explicit
// cancel is.
func (s *Scheduler) dispatchReady(t *txn.Transaction) {
	if t.State() == txn.Cancelled {
		if s.OnExecuted != nil {
			s.OnExecuted(t, nil)
		}
		return
	}
	s.execute(t)
}

func (s *Scheduler) cancel(t *txn.Transaction) {
	if t.Cancel() && s.OnExecuted != nil {
		s.OnExecuted(t, nil)
	}
}

func (s *Scheduler) execute(t *txn.Transaction) {
	err := s.runSerialized(func() {
		err := t.Execute(s.rio, func() bool { return t.State() == txn.Cancelled })
		if s.OnExecuted != nil {
			s.OnExecuted(t, err)
		}
	})
	if err != nil && s.OnExecuted != nil {
		s.OnExecuted(t, err)
	}
}

// runSerialized runs one unit of work against the device, routed
// through the shared bus when one is attached so it never interleaves
// with work from other clients on that bus. The returned error is
// non-nil only when the bus refused the dispatch (shutdown); run has
// not been called in that case.
func (s *Scheduler) runSerialized(run func()) error {
	if s.bus == nil {
		run()
		return nil
	}
	done := make(chan struct{})
	if err := s.bus.Dispatch(s.ClientID, func() { run(); close(done) }); err != nil {
		return err
	}
	select {
	case <-done:
	case <-time.After(constants.DefaultBusDispatchTimeout):
		logging.Default().Warnf("client %d: bus %s dispatch stalled past %s",
			s.ClientID, s.bus.Name, constants.DefaultBusDispatchTimeout)
		<-done
	}
	return nil
}
