package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	messagesReceived atomic.Uint64
	decodeErrors     atomic.Uint64
	deltasApplied    atomic.Uint64
	levelsSkipped    atomic.Uint64
	sequenceGaps     atomic.Uint64
	reconnects       atomic.Uint64
	reconcilePasses  atomic.Uint64
	reconcileErrors  atomic.Uint64

	// Latency tracking
	passSumNs atomic.Int64

	// Gauges
	activeConnections atomic.Int32
	runningWorkers    atomic.Int32
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordMessage records one inbound message.
func (m *Metrics) RecordMessage() {
	m.messagesReceived.Add(1)
}

// RecordDecodeError records a dropped message.
func (m *Metrics) RecordDecodeError() {
	m.decodeErrors.Add(1)
}

// RecordDeltas records applied book changes and skipped tuples.
func (m *Metrics) RecordDeltas(applied, skipped int) {
	m.deltasApplied.Add(uint64(applied))
	m.levelsSkipped.Add(uint64(skipped))
}

// RecordSequenceGap records a detected gap in a book's sequence.
func (m *Metrics) RecordSequenceGap() {
	m.sequenceGaps.Add(1)
}

// RecordReconnect records a reconnect attempt.
func (m *Metrics) RecordReconnect() {
	m.reconnects.Add(1)
}

// RecordPass records a reconciliation pass with its duration and error count.
func (m *Metrics) RecordPass(d time.Duration, errs int) {
	m.reconcilePasses.Add(1)
	m.passSumNs.Add(d.Nanoseconds())
	m.reconcileErrors.Add(uint64(errs))
}

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() {
	m.activeConnections.Add(1)
}

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() {
	m.activeConnections.Add(-1)
}

// SetRunningWorkers sets the running worker gauge.
func (m *Metrics) SetRunningWorkers(n int) {
	m.runningWorkers.Store(int32(n))
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	MessagesReceived  uint64
	DecodeErrors      uint64
	DeltasApplied     uint64
	LevelsSkipped     uint64
	SequenceGaps      uint64
	Reconnects        uint64
	ReconcilePasses   uint64
	ReconcileErrors   uint64
	AvgPassNs         int64
	ActiveConnections int32
	RunningWorkers    int32
	Timestamp         time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgPass int64
	passes := m.reconcilePasses.Load()
	if passes > 0 {
		avgPass = m.passSumNs.Load() / int64(passes)
	}

	return MetricsSnapshot{
		MessagesReceived:  m.messagesReceived.Load(),
		DecodeErrors:      m.decodeErrors.Load(),
		DeltasApplied:     m.deltasApplied.Load(),
		LevelsSkipped:     m.levelsSkipped.Load(),
		SequenceGaps:      m.sequenceGaps.Load(),
		Reconnects:        m.reconnects.Load(),
		ReconcilePasses:   passes,
		ReconcileErrors:   m.reconcileErrors.Load(),
		AvgPassNs:         avgPass,
		ActiveConnections: m.activeConnections.Load(),
		RunningWorkers:    m.runningWorkers.Load(),
		Timestamp:         time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.messagesReceived.Store(0)
	m.decodeErrors.Store(0)
	m.deltasApplied.Store(0)
	m.levelsSkipped.Store(0)
	m.sequenceGaps.Store(0)
	m.reconnects.Store(0)
	m.reconcilePasses.Store(0)
	m.reconcileErrors.Store(0)
	m.passSumNs.Store(0)
	m.activeConnections.Store(0)
	m.runningWorkers.Store(0)
}
