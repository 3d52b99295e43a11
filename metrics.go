package lwis

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for a LWIS
// device: transaction executions, fence signals, event emissions, and
// bus-manager dispatch activity.
type Metrics struct {
	// Transaction counters
	TransactionsExecuted  atomic.Uint64
	TransactionsCancelled atomic.Uint64
	TransactionsFailed    atomic.Uint64
	PeriodicTicks         atomic.Uint64

	// Event counters
	EventsEmitted atomic.Uint64
	EventsDropped atomic.Uint64 // emitted while no client had the event enabled

	// Fence counters
	FencesCreated  atomic.Uint64
	FencesSignaled atomic.Uint64

	// Bus manager counters
	BusDispatches atomic.Uint64 // client drains performed by a bus worker
	BusFIFODepth  atomic.Uint32 // last observed FIFO depth

	// Performance tracking
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Device lifecycle
	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// TransactionOutcome classifies a transaction's terminal state for metrics.
type TransactionOutcome int

const (
	OutcomeExecuted TransactionOutcome = iota
	OutcomeCancelled
	OutcomeFailed
)

// RecordTransaction records a transaction's terminal outcome and the
// latency of its executor run (0 for transactions that never ran, e.g.
// cancelled before execute).
func (m *Metrics) RecordTransaction(outcome TransactionOutcome, latencyNs uint64) {
	switch outcome {
	case OutcomeExecuted:
		m.TransactionsExecuted.Add(1)
	case OutcomeCancelled:
		m.TransactionsCancelled.Add(1)
	case OutcomeFailed:
		m.TransactionsFailed.Add(1)
	}
	if latencyNs > 0 {
		m.recordLatency(latencyNs)
	}
}

// RecordPeriodicTick records one periodic-I/O execution.
func (m *Metrics) RecordPeriodicTick() {
	m.PeriodicTicks.Add(1)
}

// RecordEvent records an event emission; dropped=true means it was
// emitted while no client had the event enabled.
func (m *Metrics) RecordEvent(dropped bool) {
	if dropped {
		m.EventsDropped.Add(1)
		return
	}
	m.EventsEmitted.Add(1)
}

// RecordFenceCreated records a new fence allocation.
func (m *Metrics) RecordFenceCreated() {
	m.FencesCreated.Add(1)
}

// RecordFenceSignaled records a fence transitioning out of UNSIGNALED.
func (m *Metrics) RecordFenceSignaled() {
	m.FencesSignaled.Add(1)
}

// RecordBusDispatch records one client-drain cycle performed by a bus
// worker, and the FIFO depth observed immediately before the dispatch.
func (m *Metrics) RecordBusDispatch(fifoDepthBefore uint32) {
	m.BusDispatches.Add(1)
	m.BusFIFODepth.Store(fifoDepthBefore)
}

// recordLatency records operation latency and updates the histogram.
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the device as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of metrics.
type MetricsSnapshot struct {
	TransactionsExecuted  uint64
	TransactionsCancelled uint64
	TransactionsFailed    uint64
	PeriodicTicks         uint64

	EventsEmitted uint64
	EventsDropped uint64

	FencesCreated  uint64
	FencesSignaled uint64

	BusDispatches uint64
	BusFIFODepth  uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TotalOps  uint64
	ErrorRate float64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		TransactionsExecuted:  m.TransactionsExecuted.Load(),
		TransactionsCancelled: m.TransactionsCancelled.Load(),
		TransactionsFailed:    m.TransactionsFailed.Load(),
		PeriodicTicks:         m.PeriodicTicks.Load(),
		EventsEmitted:         m.EventsEmitted.Load(),
		EventsDropped:         m.EventsDropped.Load(),
		FencesCreated:         m.FencesCreated.Load(),
		FencesSignaled:        m.FencesSignaled.Load(),
		BusDispatches:         m.BusDispatches.Load(),
		BusFIFODepth:          m.BusFIFODepth.Load(),
	}

	snap.TotalOps = snap.TransactionsExecuted + snap.TransactionsCancelled + snap.TransactionsFailed

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(snap.TransactionsFailed) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	return snap
}

// Reset resets all metrics counters (useful for testing).
func (m *Metrics) Reset() {
	m.TransactionsExecuted.Store(0)
	m.TransactionsCancelled.Store(0)
	m.TransactionsFailed.Store(0)
	m.PeriodicTicks.Store(0)
	m.EventsEmitted.Store(0)
	m.EventsDropped.Store(0)
	m.FencesCreated.Store(0)
	m.FencesSignaled.Store(0)
	m.BusDispatches.Store(0)
	m.BusFIFODepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection: the component doing
// the work calls Observe*, the listener decides what to do with it.
type Observer interface {
	ObserveTransaction(outcome TransactionOutcome, latencyNs uint64)
	ObservePeriodicTick()
	ObserveEvent(dropped bool)
	ObserveFenceCreated()
	ObserveFenceSignaled()
	ObserveBusDispatch(fifoDepthBefore uint32)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveTransaction(TransactionOutcome, uint64) {}
func (NoOpObserver) ObservePeriodicTick()                          {}
func (NoOpObserver) ObserveEvent(bool)                             {}
func (NoOpObserver) ObserveFenceCreated()                          {}
func (NoOpObserver) ObserveFenceSignaled()                         {}
func (NoOpObserver) ObserveBusDispatch(uint32)                     {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveTransaction(outcome TransactionOutcome, latencyNs uint64) {
	o.metrics.RecordTransaction(outcome, latencyNs)
}
func (o *MetricsObserver) ObservePeriodicTick()      { o.metrics.RecordPeriodicTick() }
func (o *MetricsObserver) ObserveEvent(dropped bool) { o.metrics.RecordEvent(dropped) }
func (o *MetricsObserver) ObserveFenceCreated()      { o.metrics.RecordFenceCreated() }
func (o *MetricsObserver) ObserveFenceSignaled()     { o.metrics.RecordFenceSignaled() }
func (o *MetricsObserver) ObserveBusDispatch(fifoDepthBefore uint32) {
	o.metrics.RecordBusDispatch(fifoDepthBefore)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
