// Package settlement keeps match settlement records in sync with vault
// proposals on the ledger and drives approved proposals to execution.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vaultsettle/internal/config"
	"vaultsettle/internal/ledger"
	"vaultsettle/internal/repository"
	"vaultsettle/internal/service"
)

var (
	ErrCycleInProgress    = errors.New("scan cycle already in progress")
	ErrSettlementNotFound = errors.New("settlement not found")

	ErrReconciliationDisabled = errors.New("reconciliation is disabled")
)

// FeatureFlags is satisfied by service.SystemSettingsService.
type FeatureFlags interface {
	IsEnabled(ctx context.Context, key string, fallback bool) bool
}

type Deps struct {
	Repo      repository.SettlementRepository
	Oracle    ledger.Oracle
	Flags     FeatureFlags
	Notifier  Notifier
	Publisher UpdatePublisher
	Telemetry *Telemetry
	Attempts  *RetryLedger
	Payout    config.PayoutConfig
	Authority string
	Logger    *zap.Logger
	Now       func() time.Time
}

// CycleReport summarizes one scan cycle.
type CycleReport struct {
	ID               string    `json:"id"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	DurationMs       int64     `json:"duration_ms"`
	Vaults           int       `json:"vaults"`
	VaultErrors      int       `json:"vault_errors"`
	Checked          int       `json:"checked"`
	Executed         int       `json:"executed"`
	Healed           int       `json:"healed"`
	Promoted         int       `json:"promoted"`
	AwaitingApproval int       `json:"awaiting_approval"`
	Anomalies        int       `json:"anomalies"`
	Skipped          int       `json:"skipped"`
	ExecutionErrors  int       `json:"execution_errors"`
	Exhausted        int       `json:"exhausted"`
	OrphansSeen      int       `json:"orphans_seen"`
	OrphansBound     int       `json:"orphans_bound"`
	OrphansUnbound   int       `json:"orphans_unbound"`
}

// ResetResult is returned by ResetAttempts.
type ResetResult struct {
	MatchID         string `json:"match_id"`
	ClearedAttempts int    `json:"cleared_attempts"`
	StatusReset     bool   `json:"status_reset"`
	Status          string `json:"status"`
}

type Engine struct {
	deps   Deps
	cfg    config.ReconcilerConfig
	logger *zap.Logger
	now    func() time.Time

	running atomic.Bool
	nudge   chan struct{}

	mismatchMu   sync.Mutex
	mismatchSeen map[string]struct{}
}

func NewEngine(deps Deps, cfg config.ReconcilerConfig) *Engine {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 30 * time.Second
	}
	if cfg.ScanDepth <= 0 {
		cfg.ScanDepth = 20
	}
	if cfg.MaxVaultConcurrency <= 0 {
		cfg.MaxVaultConcurrency = 1
	}
	if cfg.OrphanCandidateLimit <= 0 {
		cfg.OrphanCandidateLimit = 20
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Telemetry == nil {
		deps.Telemetry = NewTelemetry(nil)
	}
	if deps.Attempts == nil {
		deps.Attempts = NewRetryLedger(RetryLedgerOptions{
			MaxAttempts: cfg.MaxRetryAttempts,
			Backoff:     cfg.RetryBackoff,
			MaxAge:      cfg.AttemptMaxAge,
		})
	}
	if deps.Notifier == nil {
		deps.Notifier = LogNotifier{Logger: deps.Logger.Named("admin")}
	}
	return &Engine{
		deps:         deps,
		cfg:          cfg,
		logger:       deps.Logger,
		now:          deps.Now,
		nudge:        make(chan struct{}, 1),
		mismatchSeen: map[string]struct{}{},
	}
}

// Run scans on a fixed interval and whenever Nudge is called. It returns once
// ctx is done; a cycle already running is allowed to finish first.
func (e *Engine) Run(ctx context.Context) error {
	if e == nil || e.deps.Repo == nil || e.deps.Oracle == nil {
		return nil
	}
	_ = e.runOnceIfEnabled(ctx)

	t := time.NewTicker(e.cfg.ScanInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			_ = e.runOnceIfEnabled(ctx)
		case <-e.nudge:
			_ = e.runOnceIfEnabled(ctx)
		}
	}
}

func (e *Engine) runOnceIfEnabled(ctx context.Context) error {
	_, err := e.ScanNow(ctx)
	if errors.Is(err, ErrReconciliationDisabled) {
		return nil
	}
	if err != nil && !errors.Is(err, ErrCycleInProgress) {
		e.logger.Warn("settlement cycle failed", zap.Error(err))
	}
	return err
}

// ScanNow runs a cycle unless the reconciliation switch is off.
func (e *Engine) ScanNow(ctx context.Context) (CycleReport, error) {
	if e == nil {
		return CycleReport{}, fmt.Errorf("settlement engine is not configured")
	}
	if !e.flag(ctx, service.FeatureReconciliation) {
		return CycleReport{}, ErrReconciliationDisabled
	}
	return e.RunCycle(ctx)
}

// Nudge requests an early cycle. Extra nudges while one is pending are dropped.
func (e *Engine) Nudge() {
	if e == nil {
		return
	}
	select {
	case e.nudge <- struct{}{}:
	default:
	}
}

// Running reports whether a cycle is in progress.
func (e *Engine) Running() bool {
	return e != nil && e.running.Load()
}

// RunCycle performs one full scan. Only one cycle runs at a time; a concurrent
// call gets ErrCycleInProgress without doing any work.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	if e == nil || e.deps.Repo == nil || e.deps.Oracle == nil {
		return CycleReport{}, fmt.Errorf("settlement engine is not configured")
	}
	if !e.running.CompareAndSwap(false, true) {
		return CycleReport{}, ErrCycleInProgress
	}
	defer e.running.Store(false)

	// Callers going away must not cut a cycle in half.
	ctx = context.WithoutCancel(ctx)

	cyc := &cycle{
		report:  CycleReport{ID: uuid.NewString(), StartedAt: e.now()},
		claimed: map[string]struct{}{},
	}
	cyc.executionEnabled = e.flag(ctx, service.FeatureExecution)
	cyc.bindingEnabled = e.flag(ctx, service.FeatureOrphanBinding)
	logger := e.logger.With(zap.String("cycle_id", cyc.report.ID))

	since := cyc.report.StartedAt.Add(-e.cfg.LookbackWindow())
	vaults, err := e.deps.Repo.ListRecentVaults(ctx, since)
	if err != nil {
		return cyc.report, fmt.Errorf("list recent vaults: %w", err)
	}
	cyc.report.Vaults = len(vaults)

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxVaultConcurrency)
	for _, vault := range vaults {
		vault := vault
		g.Go(func() error {
			if err := e.scanVaultSafe(ctx, cyc, vault, since); err != nil {
				e.deps.Telemetry.IncVaultErrors()
				cyc.add(func(r *CycleReport) { r.VaultErrors++ })
				logger.Warn("vault scan failed", zap.String("vault", vault), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	finished := e.now()
	report := cyc.snapshot()
	report.FinishedAt = finished
	report.DurationMs = finished.Sub(report.StartedAt).Milliseconds()
	e.deps.Telemetry.ObserveCycle(finished, finished.Sub(report.StartedAt))
	e.deps.Telemetry.SetAttemptEntries(e.deps.Attempts.Len())

	if threshold := e.cfg.OrphanAlertThreshold; threshold > 0 && report.OrphansUnbound >= threshold {
		e.notify(ctx, newAdminEvent(EventOrphansDetected,
			"Unbound orphan proposals",
			fmt.Sprintf("%d approved proposals have no settlement record", report.OrphansUnbound),
			finished,
			map[string]any{"cycle_id": report.ID, "orphans_unbound": report.OrphansUnbound, "orphans_seen": report.OrphansSeen},
		))
	}

	logger.Info("settlement cycle done",
		zap.Int("vaults", report.Vaults),
		zap.Int("vault_errors", report.VaultErrors),
		zap.Int("checked", report.Checked),
		zap.Int("executed", report.Executed),
		zap.Int("healed", report.Healed),
		zap.Int("awaiting_approval", report.AwaitingApproval),
		zap.Int("anomalies", report.Anomalies),
		zap.Int("orphans_bound", report.OrphansBound),
		zap.Int64("duration_ms", report.DurationMs),
	)
	return report, nil
}

func (e *Engine) scanVaultSafe(ctx context.Context, cyc *cycle, vault string, since time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.scanVault(ctx, cyc, vault, since)
}

func (e *Engine) flag(ctx context.Context, key string) bool {
	if e.deps.Flags == nil {
		return true
	}
	return e.deps.Flags.IsEnabled(ctx, key, true)
}

// ResetAttempts is the administrative reset for an exhausted settlement: it
// forgets all attempts of the match and reopens a FAILED record.
func (e *Engine) ResetAttempts(ctx context.Context, matchID string) (ResetResult, error) {
	matchID = strings.TrimSpace(matchID)
	out := ResetResult{MatchID: matchID}
	if e == nil || e.deps.Repo == nil {
		return out, fmt.Errorf("settlement engine is not configured")
	}
	rec, err := e.deps.Repo.GetMatchSettlement(ctx, matchID)
	if err != nil {
		return out, err
	}
	if rec == nil {
		return out, ErrSettlementNotFound
	}
	out.ClearedAttempts = e.deps.Attempts.ClearMatch(matchID)
	out.Status = rec.Status
	reset, err := e.deps.Repo.ResetSettlementFailure(ctx, matchID)
	if err != nil {
		return out, err
	}
	if reset {
		out.StatusReset = true
		if fresh, err := e.deps.Repo.GetMatchSettlement(ctx, matchID); err == nil && fresh != nil {
			out.Status = fresh.Status
		}
	}
	e.logger.Info("settlement attempts reset",
		zap.String("match_id", matchID),
		zap.Int("cleared_attempts", out.ClearedAttempts),
		zap.Bool("status_reset", out.StatusReset),
	)
	return out, nil
}

// PurgeAttempts drops attempt entries older than the configured age.
func (e *Engine) PurgeAttempts() int {
	if e == nil {
		return 0
	}
	n := e.deps.Attempts.Purge(e.now())
	e.deps.Telemetry.SetAttemptEntries(e.deps.Attempts.Len())
	if n > 0 {
		e.logger.Debug("attempt entries purged", zap.Int("count", n))
	}
	return n
}

func (e *Engine) Telemetry() *Telemetry {
	if e == nil {
		return nil
	}
	return e.deps.Telemetry
}

func (e *Engine) Attempts() []Attempt {
	if e == nil {
		return nil
	}
	return e.deps.Attempts.Snapshot()
}

// TrackedVaults lists the vaults the next cycle would scan.
func (e *Engine) TrackedVaults(ctx context.Context) ([]string, error) {
	if e == nil || e.deps.Repo == nil {
		return nil, nil
	}
	vaults, err := e.deps.Repo.ListRecentVaults(ctx, e.now().Add(-e.cfg.LookbackWindow()))
	if err != nil {
		return nil, err
	}
	sort.Strings(vaults)
	return vaults, nil
}

// Close tears down engine-owned state.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.deps.Attempts.Close()
}

func (e *Engine) notify(ctx context.Context, event AdminEvent) {
	if e.deps.Notifier == nil {
		return
	}
	e.deps.Notifier.Notify(ctx, event)
}

func (e *Engine) publish(ctx context.Context, update ExecutionUpdate) {
	if e.deps.Publisher == nil {
		return
	}
	if err := e.deps.Publisher.PublishExecution(ctx, update); err != nil {
		e.logger.Warn("execution update publish failed",
			zap.String("match_id", update.MatchID),
			zap.Error(err),
		)
	}
}

// cycle is the per-cycle state shared by the vault workers.
type cycle struct {
	executionEnabled bool
	bindingEnabled   bool

	mu      sync.Mutex
	report  CycleReport
	claimed map[string]struct{}
}

func (c *cycle) add(fn func(r *CycleReport)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.report)
}

func (c *cycle) snapshot() CycleReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.report
}

// claim marks a match as bound in this cycle. It returns false if another
// orphan already took it.
func (c *cycle) claim(matchID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.claimed[matchID]; ok {
		return false
	}
	c.claimed[matchID] = struct{}{}
	return true
}

func (c *cycle) unclaim(matchID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claimed, matchID)
}
