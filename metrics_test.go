package lwis

import (
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("Expected 0 initial ops, got %d", snap.TotalOps)
	}

	m.RecordTransaction(OutcomeExecuted, 1_000_000)
	m.RecordTransaction(OutcomeExecuted, 2_000_000)
	m.RecordTransaction(OutcomeFailed, 500_000)

	snap = m.Snapshot()

	if snap.TransactionsExecuted != 2 {
		t.Errorf("Expected 2 executed transactions, got %d", snap.TransactionsExecuted)
	}
	if snap.TransactionsFailed != 1 {
		t.Errorf("Expected 1 failed transaction, got %d", snap.TransactionsFailed)
	}

	expectedErrorRate := float64(1) / float64(3) * 100.0
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("Expected error rate ~%.1f%%, got %.1f%%", expectedErrorRate, snap.ErrorRate)
	}
}

func TestMetricsBusDispatch(t *testing.T) {
	m := NewMetrics()

	m.RecordBusDispatch(3)
	m.RecordBusDispatch(7)

	snap := m.Snapshot()
	if snap.BusDispatches != 2 {
		t.Errorf("Expected 2 bus dispatches, got %d", snap.BusDispatches)
	}
	if snap.BusFIFODepth != 7 {
		t.Errorf("Expected last FIFO depth 7, got %d", snap.BusFIFODepth)
	}
}

func TestMetricsFenceAndEvent(t *testing.T) {
	m := NewMetrics()

	m.RecordFenceCreated()
	m.RecordFenceCreated()
	m.RecordFenceSignaled()
	m.RecordEvent(false)
	m.RecordEvent(true)
	m.RecordPeriodicTick()

	snap := m.Snapshot()
	if snap.FencesCreated != 2 {
		t.Errorf("expected 2 fences created, got %d", snap.FencesCreated)
	}
	if snap.FencesSignaled != 1 {
		t.Errorf("expected 1 fence signaled, got %d", snap.FencesSignaled)
	}
	if snap.EventsEmitted != 1 {
		t.Errorf("expected 1 event emitted, got %d", snap.EventsEmitted)
	}
	if snap.EventsDropped != 1 {
		t.Errorf("expected 1 event dropped, got %d", snap.EventsDropped)
	}
	if snap.PeriodicTicks != 1 {
		t.Errorf("expected 1 periodic tick, got %d", snap.PeriodicTicks)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordTransaction(OutcomeExecuted, 1_000_000)
	m.RecordTransaction(OutcomeExecuted, 2_000_000)

	snap := m.Snapshot()

	expectedAvgNs := uint64(1_500_000)
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("Expected avg latency %d ns, got %d ns", expectedAvgNs, snap.AvgLatencyNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	if snap.UptimeNs < 10*1_000_000 {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()
	if snap2.UptimeNs > snap.UptimeNs+2*1_000_000 {
		t.Errorf("Uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordTransaction(OutcomeExecuted, 1_000_000)
	m.RecordBusDispatch(4)

	snap := m.Snapshot()
	if snap.TotalOps == 0 {
		t.Error("Expected some operations before reset")
	}

	m.Reset()

	snap = m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("Expected 0 ops after reset, got %d", snap.TotalOps)
	}
	if snap.BusFIFODepth != 0 {
		t.Errorf("Expected 0 fifo depth after reset, got %d", snap.BusFIFODepth)
	}
}

func TestObserver(t *testing.T) {
	observer := &NoOpObserver{}
	observer.ObserveTransaction(OutcomeExecuted, 1_000_000)
	observer.ObservePeriodicTick()
	observer.ObserveEvent(false)
	observer.ObserveFenceCreated()
	observer.ObserveFenceSignaled()
	observer.ObserveBusDispatch(1)

	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveTransaction(OutcomeExecuted, 1_000_000)
	metricsObserver.ObserveTransaction(OutcomeCancelled, 0)

	snap := m.Snapshot()
	if snap.TransactionsExecuted != 1 {
		t.Errorf("Expected 1 executed txn from observer, got %d", snap.TransactionsExecuted)
	}
	if snap.TransactionsCancelled != 1 {
		t.Errorf("Expected 1 cancelled txn from observer, got %d", snap.TransactionsCancelled)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 50; i++ {
		m.RecordTransaction(OutcomeExecuted, 500_000)
	}
	for i := 0; i < 49; i++ {
		m.RecordTransaction(OutcomeExecuted, 5_000_000)
	}
	m.RecordTransaction(OutcomeExecuted, 50_000_000)

	snap := m.Snapshot()

	if snap.TotalOps != 100 {
		t.Errorf("Expected 100 total ops, got %d", snap.TotalOps)
	}

	totalInBuckets := uint64(0)
	for i := 0; i < len(snap.LatencyHistogram); i++ {
		totalInBuckets += snap.LatencyHistogram[i]
	}
	if totalInBuckets == 0 {
		t.Error("Expected histogram buckets to be populated")
	}
}
