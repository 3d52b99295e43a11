// Package periodic implements the periodic I/O engine: a per-client
// table of recurring IoEntry programs, each driven by its own interval
// timer. A tick never executes the program itself; it hands the work
// to the owning client's worker, so periodic I/O is serialized with
// the client's transactions and with the device's shared bus.
package periodic

import (
	"sync"
	"time"

	"github.com/lwisd/lwis/internal/constants"
	"github.com/lwisd/lwis/internal/ioentry"
	"github.com/lwisd/lwis/internal/logging"
)

// Runner queues one tick's IoEntry program on the owning client's
// worker and reports whether the work was accepted (false once the
// client is shutting down). onDone is invoked with the execution
// result after the worker has run the program.
type Runner func(entries []ioentry.Entry, onDone func(error)) bool

// Job is one periodic-I/O submission: a recurring IoEntry program run
// every Interval on the owning client's worker.
type Job struct {
	ID       uint64
	ClientID uint64
	DeviceID uint32
	Interval time.Duration
	Entries  []ioentry.Entry

	mu      sync.Mutex
	ticker  *time.Ticker
	stop    chan struct{}
	running bool
	run     Runner

	// OnTick is invoked on every fire, including the final flush fire
	// issued by Cancel, with the error (if any) from executing Entries.
	OnTick func(job *Job, err error)
}

// Engine owns the set of active periodic jobs for one device/client
// pair and drives each on its own goroutine.
type Engine struct {
	mu     sync.Mutex
	jobs   map[uint64]*Job
	logger *logging.Logger
}

// NewEngine creates an empty periodic-I/O engine.
func NewEngine() *Engine {
	return &Engine{
		jobs:   make(map[uint64]*Job),
		logger: logging.Default(),
	}
}

// Submit registers and starts a periodic job whose ticks are queued
// through run. interval is clamped up to constants.MinPeriodicInterval
// to bound worst-case timer load.
func (e *Engine) Submit(id, clientID uint64, deviceID uint32, interval time.Duration, entries []ioentry.Entry, run Runner, onTick func(*Job, error)) *Job {
	if interval < constants.MinPeriodicInterval {
		interval = constants.MinPeriodicInterval
	}

	j := &Job{
		ID:       id,
		ClientID: clientID,
		DeviceID: deviceID,
		Interval: interval,
		Entries:  entries,
		stop:     make(chan struct{}),
		run:      run,
		OnTick:   onTick,
	}

	e.mu.Lock()
	e.jobs[id] = j
	e.mu.Unlock()

	j.start(e.logger)
	return j
}

func (j *Job) start(logger *logging.Logger) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return
	}
	j.running = true
	j.ticker = time.NewTicker(j.Interval)
	j.mu.Unlock()

	go func() {
		for {
			select {
			case <-j.ticker.C:
				j.fire(false, logger)
			case <-j.stop:
				return
			}
		}
	}()
}

// fire queues one execution of the job's entries on the owning
// client's worker. With wait set it blocks until the worker has run
// them (the Cancel flush), bounded by the dispatch-stall timeout so a
// client torn down mid-flush cannot hang the caller.
func (j *Job) fire(wait bool, logger *logging.Logger) {
	j.mu.Lock()
	entries := j.Entries
	j.mu.Unlock()

	done := make(chan struct{})
	queued := j.run(entries, func(err error) {
		if j.OnTick != nil {
			j.OnTick(j, err)
		}
		close(done)
	})
	if !queued || !wait {
		return
	}
	select {
	case <-done:
	case <-time.After(constants.DefaultBusDispatchTimeout):
		if logger != nil {
			logger.Warnf("periodic job %d: flush stalled past %s", j.ID, constants.DefaultBusDispatchTimeout)
		}
	}
}

// Replace swaps the entries executed on each future fire, without
// disrupting the running ticker.
func (j *Job) Replace(entries []ioentry.Entry) {
	j.mu.Lock()
	j.Entries = entries
	j.mu.Unlock()
}

// Cancel stops a job's ticker and, per flush-on-disable, queues one
// final fire and waits for the client worker to run it before
// returning so any batched state the device expects flushed is not
// lost.
func (e *Engine) Cancel(id uint64) bool {
	e.mu.Lock()
	j, ok := e.jobs[id]
	if ok {
		delete(e.jobs, id)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}

	j.mu.Lock()
	if j.running {
		j.ticker.Stop()
		close(j.stop)
		j.running = false
	}
	j.mu.Unlock()

	j.fire(true, e.logger)
	return true
}

// CancelAll stops and flushes every job, used when a client
// disconnects or a device is disabled.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	ids := make([]uint64, 0, len(e.jobs))
	for id := range e.jobs {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.Cancel(id)
	}
}

// Lookup returns the job with the given ID, if active.
func (e *Engine) Lookup(id uint64) (*Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[id]
	return j, ok
}

// Count returns the number of active periodic jobs.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}
