package infra

import (
	"testing"
	"time"
)

func TestMetrics_RecordPass(t *testing.T) {
	m := &Metrics{}

	m.RecordPass(1000*time.Nanosecond, 0)
	m.RecordPass(2000*time.Nanosecond, 1)
	m.RecordPass(3000*time.Nanosecond, 2)

	snap := m.Snapshot()

	if snap.ReconcilePasses != 3 {
		t.Errorf("Expected 3 passes, got %d", snap.ReconcilePasses)
	}
	if snap.ReconcileErrors != 3 {
		t.Errorf("Expected 3 errors, got %d", snap.ReconcileErrors)
	}

	// Average: (1000 + 2000 + 3000) / 3 = 2000
	if snap.AvgPassNs != 2000 {
		t.Errorf("Expected avg pass 2000, got %d", snap.AvgPassNs)
	}
}

func TestMetrics_Connections(t *testing.T) {
	m := &Metrics{}

	m.IncrementConnections()
	m.IncrementConnections()
	m.IncrementConnections()

	snap := m.Snapshot()
	if snap.ActiveConnections != 3 {
		t.Errorf("Expected 3 connections, got %d", snap.ActiveConnections)
	}

	m.DecrementConnections()
	snap = m.Snapshot()
	if snap.ActiveConnections != 2 {
		t.Errorf("Expected 2 connections, got %d", snap.ActiveConnections)
	}
}

func TestMetrics_Deltas(t *testing.T) {
	m := &Metrics{}

	m.RecordMessage()
	m.RecordDeltas(5, 2)
	m.RecordDeltas(1, 0)
	m.RecordSequenceGap()
	m.RecordDecodeError()

	snap := m.Snapshot()
	if snap.MessagesReceived != 1 {
		t.Errorf("Expected 1 message, got %d", snap.MessagesReceived)
	}
	if snap.DeltasApplied != 6 || snap.LevelsSkipped != 2 {
		t.Errorf("Expected 6 applied / 2 skipped, got %d / %d", snap.DeltasApplied, snap.LevelsSkipped)
	}
	if snap.SequenceGaps != 1 || snap.DecodeErrors != 1 {
		t.Errorf("Expected 1 gap and 1 decode error, got %d / %d", snap.SequenceGaps, snap.DecodeErrors)
	}
}

func TestMetrics_Reset(t *testing.T) {
	m := &Metrics{}

	m.RecordPass(time.Millisecond, 1)
	m.RecordReconnect()
	m.IncrementConnections()
	m.SetRunningWorkers(4)

	m.Reset()
	snap := m.Snapshot()

	if snap.ReconcilePasses != 0 {
		t.Error("Expected 0 passes after reset")
	}
	if snap.Reconnects != 0 {
		t.Error("Expected 0 reconnects after reset")
	}
	if snap.ActiveConnections != 0 {
		t.Error("Expected 0 connections after reset")
	}
	if snap.RunningWorkers != 0 {
		t.Error("Expected 0 running workers after reset")
	}
}
