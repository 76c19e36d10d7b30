package settlement

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"vaultsettle/internal/ledger"
	"vaultsettle/internal/models"
	"vaultsettle/internal/repository"
)

// execute drives one approved proposal toward execution. Per key the flow is
// gate -> re-check -> submit -> {clear | count failure}; the RetryLedger holds
// the key in flight for the whole flow so no second submission can overlap.
func (e *Engine) execute(ctx context.Context, cyc *cycle, rec models.MatchSettlement, snap ledger.Snapshot) {
	key := AttemptKey{MatchID: rec.MatchID, ProposalID: snap.Index}
	logger := e.logger.Named("monitor").With(
		zap.String("match_id", rec.MatchID),
		zap.String("vault", snap.Vault),
		zap.Uint64("proposal_index", snap.Index),
	)

	now := e.now()
	switch decision := e.deps.Attempts.Begin(key, now); decision {
	case GateAllowed:
	case GateExhausted:
		cyc.add(func(r *CycleReport) { r.Skipped++ })
		logger.Debug("skip: retries exhausted")
		if rec.Status != models.SettlementFailed {
			if _, err := e.deps.Repo.MarkSettlementFailed(ctx, rec.MatchID, exhaustedReason(e.deps.Attempts.MaxAttempts())); err != nil {
				logger.Warn("mark failed", zap.Error(err))
			}
		}
		return
	case GateClosed:
		cyc.add(func(r *CycleReport) { r.Skipped++ })
		logger.Debug("skip: attempt tracking closed")
		return
	default:
		cyc.add(func(r *CycleReport) { r.Skipped++ })
		attempt, _ := e.deps.Attempts.Get(key)
		logger.Debug("skip: attempt gated",
			zap.Stringer("gate", decision),
			zap.Int("attempts", attempt.Count),
			zap.Time("next_eligible_at", attempt.NextEligibleAt),
		)
		return
	}

	// The proposal may have been executed by someone else since the scan read it.
	fresh, err := e.deps.Oracle.GetProposalSnapshot(ctx, snap.Vault, snap.Index)
	if err != nil {
		e.deps.Attempts.Release(key)
		logger.Warn("pre-submit re-check failed", zap.Error(err))
		return
	}
	fresh.Vault = snap.Vault
	fresh.Index = snap.Index
	fresh.Threshold = snap.Threshold

	if fresh.Status == ledger.StatusExecuted {
		e.deps.Attempts.Clear(key)
		e.heal(ctx, cyc, rec, fresh)
		return
	}
	if !fresh.Executable() {
		e.deps.Attempts.Release(key)
		e.deps.Telemetry.IncSkippedAwaitingApproval()
		cyc.add(func(r *CycleReport) { r.AwaitingApproval++ })
		logger.Debug("skip: no longer executable on re-check", zap.Stringer("status", fresh.Status))
		return
	}
	if !cyc.executionEnabled {
		e.deps.Attempts.Release(key)
		cyc.add(func(r *CycleReport) { r.Skipped++ })
		logger.Info("execution disabled, proposal ready", zap.Stringer("status", fresh.Status))
		return
	}

	res, err := e.deps.Oracle.SubmitExecution(ctx, snap.Vault, snap.Index, e.deps.Authority)
	if err != nil {
		e.recordFailure(ctx, cyc, rec, key, err)
		return
	}
	e.deps.Attempts.Clear(key)
	if res.AlreadyExecuted {
		e.deps.Telemetry.IncAlreadyExecuted()
		e.markExecuted(ctx, cyc, rec, snap, "", true)
		return
	}
	e.deps.Telemetry.IncExecuted()
	cyc.add(func(r *CycleReport) { r.Executed++ })
	e.markExecuted(ctx, cyc, rec, snap, res.TxID, false)
}

func (e *Engine) recordFailure(ctx context.Context, cyc *cycle, rec models.MatchSettlement, key AttemptKey, cause error) {
	logger := e.logger.Named("monitor").With(
		zap.String("match_id", rec.MatchID),
		zap.Uint64("proposal_index", key.ProposalID),
	)
	now := e.now()
	count, exhausted := e.deps.Attempts.RecordFailure(key, now)
	e.deps.Telemetry.IncExecutionErrors()
	cyc.add(func(r *CycleReport) { r.ExecutionErrors++ })

	if !exhausted {
		attempt, _ := e.deps.Attempts.Get(key)
		logger.Warn("execution attempt failed",
			zap.Int("attempt", count),
			zap.Int("max_attempts", e.deps.Attempts.MaxAttempts()),
			zap.Time("next_eligible_at", attempt.NextEligibleAt),
			zap.Bool("transient", ledger.IsTransient(cause)),
			zap.Error(cause),
		)
		return
	}

	e.deps.Telemetry.IncExecutionExhausted()
	cyc.add(func(r *CycleReport) { r.Exhausted++ })
	reason := exhaustedReason(count) + ": " + truncate(cause.Error(), 200)
	if _, err := e.deps.Repo.MarkSettlementFailed(ctx, rec.MatchID, reason); err != nil {
		logger.Warn("mark failed", zap.Error(err))
	}
	logger.Error("execution retries exhausted",
		zap.Int("attempts", count),
		zap.Error(cause),
	)
	e.notify(ctx, newAdminEvent(EventRetryExhausted,
		"Settlement execution exhausted",
		fmt.Sprintf("match %s: %d execution attempts failed", rec.MatchID, count),
		now,
		map[string]any{
			"match_id":       rec.MatchID,
			"vault":          rec.VaultAddress,
			"proposal_index": key.ProposalID,
			"attempts":       count,
			"error":          cause.Error(),
		},
	))
}

// heal records an execution that the ledger shows but the store lacks. No
// submission is made.
func (e *Engine) heal(ctx context.Context, cyc *cycle, rec models.MatchSettlement, snap ledger.Snapshot) {
	e.deps.Telemetry.IncAlreadyExecuted()
	e.markExecuted(ctx, cyc, rec, snap, "", true)
}

// markExecuted persists execution metadata and publishes the update. A store
// failure here is logged only: the ledger already shows the execution, so the
// next scan heals the record.
func (e *Engine) markExecuted(ctx context.Context, cyc *cycle, rec models.MatchSettlement, snap ledger.Snapshot, txID string, healed bool) {
	logger := e.logger.Named("monitor").With(
		zap.String("match_id", rec.MatchID),
		zap.String("vault", snap.Vault),
		zap.Uint64("proposal_index", snap.Index),
	)
	now := e.now()
	kind := ClassifySettlement(rec)
	payout := ComputePayout(kind, rec.EntryFee, e.deps.Payout)
	total := payout.Total()
	fee := payout.Fee
	mark := repository.ExecutionMark{
		ExecutedAt:   now,
		Kind:         kind,
		PayoutAmount: &total,
		FeeAmount:    &fee,
	}
	if txID = strings.TrimSpace(txID); txID != "" {
		mark.TxID = &txID
	}
	changed, err := e.deps.Repo.MarkSettlementExecuted(ctx, rec.MatchID, mark)
	if err != nil {
		logger.Error("persist execution failed", zap.String("tx_id", txID), zap.Error(err))
		return
	}
	if !changed {
		return
	}
	if healed {
		cyc.add(func(r *CycleReport) { r.Healed++ })
		logger.Info("settlement healed from ledger", zap.String("kind", kind))
	} else {
		logger.Info("settlement executed", zap.String("tx_id", txID), zap.String("kind", kind))
	}
	e.publish(ctx, ExecutionUpdate{
		MatchID:      rec.MatchID,
		VaultAddress: snap.Vault,
		ProposalID:   snap.Index,
		ExecutedAt:   now,
		TxID:         txID,
		Kind:         kind,
		Refund:       IsRefund(kind),
		PayoutAmount: &total,
		FeeAmount:    &fee,
		Healed:       healed,
	})
}

func exhaustedReason(attempts int) string {
	return fmt.Sprintf("execution retries exhausted after %d attempts", attempts)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
