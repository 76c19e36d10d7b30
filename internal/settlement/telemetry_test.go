package settlement

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestTelemetry_CountersAndPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	tel := NewTelemetry(reg)
	tel.IncChecked()
	tel.IncChecked()
	tel.IncExecuted()
	tel.IncOrphansBound()
	finished := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tel.ObserveCycle(finished, 1500*time.Millisecond)

	snap := tel.Snapshot()
	if snap.Checked != 2 || snap.Executed != 1 || snap.OrphansBound != 1 || snap.Cycles != 1 {
		t.Fatalf("snapshot=%+v", snap)
	}
	if snap.LastScanAt == nil || !snap.LastScanAt.Equal(finished) {
		t.Fatalf("last_scan_at=%v", snap.LastScanAt)
	}
	if snap.LastCycleDurationMs != 1500 {
		t.Fatalf("duration=%d", snap.LastCycleDurationMs)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := map[string]bool{}
	for _, mf := range families {
		switch mf.GetName() {
		case "settlement_events_total":
			for _, m := range mf.GetMetric() {
				for _, lp := range m.GetLabel() {
					if lp.GetValue() == "checked" && m.GetCounter().GetValue() != 2 {
						t.Fatalf("prom checked=%v", m.GetCounter().GetValue())
					}
				}
			}
			found[mf.GetName()] = true
		case "settlement_last_cycle_duration_seconds":
			if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 1.5 {
				t.Fatalf("prom duration=%v", got)
			}
			found[mf.GetName()] = true
		}
	}
	if !found["settlement_events_total"] || !found["settlement_last_cycle_duration_seconds"] {
		t.Fatalf("missing families: %v", found)
	}
}

func TestTelemetry_NilIsSafe(t *testing.T) {
	var tel *Telemetry
	tel.IncChecked()
	tel.ObserveCycle(time.Now(), time.Second)
	tel.LogSummary(zap.NewNop())
	if snap := tel.Snapshot(); snap.Checked != 0 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestTelemetry_LogSummary(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	tel := NewTelemetry(nil)
	tel.IncExecutionErrors()
	tel.LogSummary(zap.New(core))

	entries := logs.FilterMessage("settlement telemetry").All()
	if len(entries) != 1 {
		t.Fatalf("entries=%d want 1", len(entries))
	}
	if got := entries[0].ContextMap()["execution_errors"]; got != uint64(1) {
		t.Fatalf("execution_errors=%v", got)
	}
}
