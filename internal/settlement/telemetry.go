package settlement

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Telemetry is observational only; nothing in the engine reads it back to
// make a decision.
type Telemetry struct {
	checked                 atomic.Uint64
	executed                atomic.Uint64
	skippedAwaitingApproval atomic.Uint64
	skippedAnomalous        atomic.Uint64
	alreadyExecuted         atomic.Uint64
	executionErrors         atomic.Uint64
	executionExhausted      atomic.Uint64
	orphansSeen             atomic.Uint64
	orphansBound            atomic.Uint64
	vaultErrors             atomic.Uint64
	cycles                  atomic.Uint64

	lastScanAt        atomic.Int64
	lastCycleDuration atomic.Int64

	events        *prometheus.CounterVec
	lastScanGauge prometheus.Gauge
	durationGauge prometheus.Gauge
	attemptsGauge prometheus.Gauge
}

type TelemetrySnapshot struct {
	Checked                 uint64     `json:"checked"`
	Executed                uint64     `json:"executed"`
	SkippedAwaitingApproval uint64     `json:"skipped_awaiting_approval"`
	SkippedAnomalous        uint64     `json:"skipped_anomalous"`
	AlreadyExecuted         uint64     `json:"already_executed"`
	ExecutionErrors         uint64     `json:"execution_errors"`
	ExecutionExhausted      uint64     `json:"execution_exhausted"`
	OrphansSeen             uint64     `json:"orphans_seen"`
	OrphansBound            uint64     `json:"orphans_bound"`
	VaultErrors             uint64     `json:"vault_errors"`
	Cycles                  uint64     `json:"cycles"`
	LastScanAt              *time.Time `json:"last_scan_at,omitempty"`
	LastCycleDurationMs     int64      `json:"last_cycle_duration_ms"`
}

// NewTelemetry registers the prometheus mirrors on reg. A nil reg keeps the
// counters in-process only.
func NewTelemetry(reg prometheus.Registerer) *Telemetry {
	t := &Telemetry{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "events_total",
			Help:      "Reconciliation and execution outcomes by event.",
		}, []string{"event"}),
		lastScanGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "settlement",
			Name:      "last_scan_timestamp_seconds",
			Help:      "Unix time of the last completed scan cycle.",
		}),
		durationGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "settlement",
			Name:      "last_cycle_duration_seconds",
			Help:      "Wall time of the last completed scan cycle.",
		}),
		attemptsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "settlement",
			Name:      "retry_ledger_entries",
			Help:      "Execution attempt entries currently tracked.",
		}),
	}
	if reg != nil {
		reg.MustRegister(t.events, t.lastScanGauge, t.durationGauge, t.attemptsGauge)
	}
	return t
}

func (t *Telemetry) inc(c *atomic.Uint64, event string) {
	if t == nil {
		return
	}
	c.Add(1)
	t.events.WithLabelValues(event).Inc()
}

func (t *Telemetry) IncChecked() {
	if t != nil {
		t.inc(&t.checked, "checked")
	}
}

func (t *Telemetry) IncExecuted() {
	if t != nil {
		t.inc(&t.executed, "executed")
	}
}

func (t *Telemetry) IncSkippedAwaitingApproval() {
	if t != nil {
		t.inc(&t.skippedAwaitingApproval, "skipped_awaiting_approval")
	}
}

func (t *Telemetry) IncSkippedAnomalous() {
	if t != nil {
		t.inc(&t.skippedAnomalous, "skipped_anomalous")
	}
}

func (t *Telemetry) IncAlreadyExecuted() {
	if t != nil {
		t.inc(&t.alreadyExecuted, "already_executed")
	}
}

func (t *Telemetry) IncExecutionErrors() {
	if t != nil {
		t.inc(&t.executionErrors, "execution_errors")
	}
}

func (t *Telemetry) IncExecutionExhausted() {
	if t != nil {
		t.inc(&t.executionExhausted, "execution_exhausted")
	}
}

func (t *Telemetry) IncOrphansSeen() {
	if t != nil {
		t.inc(&t.orphansSeen, "orphans_seen")
	}
}

func (t *Telemetry) IncOrphansBound() {
	if t != nil {
		t.inc(&t.orphansBound, "orphans_bound")
	}
}

func (t *Telemetry) IncVaultErrors() {
	if t != nil {
		t.inc(&t.vaultErrors, "vault_errors")
	}
}

// ObserveCycle records a finished scan cycle.
func (t *Telemetry) ObserveCycle(finishedAt time.Time, duration time.Duration) {
	if t == nil {
		return
	}
	t.inc(&t.cycles, "cycles")
	t.lastScanAt.Store(finishedAt.UnixNano())
	t.lastCycleDuration.Store(int64(duration))
	t.lastScanGauge.Set(float64(finishedAt.UnixNano()) / 1e9)
	t.durationGauge.Set(duration.Seconds())
}

func (t *Telemetry) SetAttemptEntries(n int) {
	if t == nil {
		return
	}
	t.attemptsGauge.Set(float64(n))
}

func (t *Telemetry) Snapshot() TelemetrySnapshot {
	if t == nil {
		return TelemetrySnapshot{}
	}
	out := TelemetrySnapshot{
		Checked:                 t.checked.Load(),
		Executed:                t.executed.Load(),
		SkippedAwaitingApproval: t.skippedAwaitingApproval.Load(),
		SkippedAnomalous:        t.skippedAnomalous.Load(),
		AlreadyExecuted:         t.alreadyExecuted.Load(),
		ExecutionErrors:         t.executionErrors.Load(),
		ExecutionExhausted:      t.executionExhausted.Load(),
		OrphansSeen:             t.orphansSeen.Load(),
		OrphansBound:            t.orphansBound.Load(),
		VaultErrors:             t.vaultErrors.Load(),
		Cycles:                  t.cycles.Load(),
		LastCycleDurationMs:     time.Duration(t.lastCycleDuration.Load()).Milliseconds(),
	}
	if ns := t.lastScanAt.Load(); ns > 0 {
		ts := time.Unix(0, ns).UTC()
		out.LastScanAt = &ts
	}
	return out
}

// LogSummary emits the current counters as one structured line.
func (t *Telemetry) LogSummary(logger *zap.Logger) {
	if t == nil || logger == nil {
		return
	}
	s := t.Snapshot()
	fields := []zap.Field{
		zap.Uint64("checked", s.Checked),
		zap.Uint64("executed", s.Executed),
		zap.Uint64("skipped_awaiting_approval", s.SkippedAwaitingApproval),
		zap.Uint64("skipped_anomalous", s.SkippedAnomalous),
		zap.Uint64("already_executed", s.AlreadyExecuted),
		zap.Uint64("execution_errors", s.ExecutionErrors),
		zap.Uint64("execution_exhausted", s.ExecutionExhausted),
		zap.Uint64("orphans_seen", s.OrphansSeen),
		zap.Uint64("orphans_bound", s.OrphansBound),
		zap.Uint64("vault_errors", s.VaultErrors),
		zap.Uint64("cycles", s.Cycles),
		zap.Int64("last_cycle_duration_ms", s.LastCycleDurationMs),
	}
	if s.LastScanAt != nil {
		fields = append(fields, zap.Time("last_scan_at", *s.LastScanAt))
	}
	logger.Info("settlement telemetry", fields...)
}
