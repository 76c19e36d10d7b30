package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"vaultsettle/internal/ledger"
	"vaultsettle/internal/models"
)

// scanVault walks the bounded index range of one vault plus every proposal its
// in-window records point at, and classifies each snapshot against the store.
// The vault threshold is read once and applied to every snapshot of the cycle.
func (e *Engine) scanVault(ctx context.Context, cyc *cycle, vault string, since time.Time) error {
	logger := e.logger.Named("scanner").With(zap.String("vault", vault))

	records, err := e.deps.Repo.ListMatchSettlementsByVault(ctx, vault, since)
	if err != nil {
		return fmt.Errorf("list settlements: %w", err)
	}
	threshold, err := e.deps.Oracle.GetVaultThreshold(ctx, vault)
	if err != nil {
		return fmt.Errorf("vault threshold: %w", err)
	}
	latest, err := e.deps.Oracle.LatestTransactionIndex(ctx, vault)
	if err != nil {
		return fmt.Errorf("latest transaction index: %w", err)
	}

	tracked := map[uint64]models.MatchSettlement{}
	for _, rec := range records {
		if rec.ProposalID == nil {
			continue
		}
		idx := *rec.ProposalID
		if prev, ok := tracked[idx]; ok {
			// Records come newest first; the newer binding wins.
			logger.Warn("proposal bound to several settlements",
				zap.Uint64("proposal_index", idx),
				zap.String("match_id", prev.MatchID),
				zap.String("ignored_match_id", rec.MatchID),
			)
			continue
		}
		tracked[idx] = rec
	}

	var readErrs int
	for _, idx := range scanIndices(latest, e.cfg.ScanDepth, tracked) {
		snap, err := e.deps.Oracle.GetProposalSnapshot(ctx, vault, idx)
		if errors.Is(err, ledger.ErrProposalNotFound) {
			continue
		}
		if err != nil {
			readErrs++
			logger.Warn("proposal read failed", zap.Uint64("proposal_index", idx), zap.Error(err))
			continue
		}
		snap.Vault = vault
		snap.Index = idx
		snap.Threshold = threshold

		e.deps.Telemetry.IncChecked()
		cyc.add(func(r *CycleReport) { r.Checked++ })

		rec, ok := tracked[idx]
		if !ok {
			e.reconcileUntracked(ctx, cyc, snap)
			continue
		}
		e.reconcileTracked(ctx, cyc, rec, snap)
	}
	if readErrs > 0 {
		return fmt.Errorf("%d proposal reads failed", readErrs)
	}
	return nil
}

// scanIndices returns [max(1, latest-depth+1), latest] plus every tracked index,
// ascending and without duplicates.
func scanIndices(latest uint64, depth int, tracked map[uint64]models.MatchSettlement) []uint64 {
	set := map[uint64]struct{}{}
	if latest > 0 && depth > 0 {
		start := uint64(1)
		if latest >= uint64(depth) {
			start = latest - uint64(depth) + 1
		}
		for i := start; i <= latest; i++ {
			set[i] = struct{}{}
		}
	}
	for idx := range tracked {
		set[idx] = struct{}{}
	}
	out := make([]uint64, 0, len(set))
	for idx := range set {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (e *Engine) reconcileUntracked(ctx context.Context, cyc *cycle, snap ledger.Snapshot) {
	logger := e.logger.Named("scanner")
	switch {
	case snap.Status.IsTerminal():
		logger.Debug("untracked terminal proposal ignored",
			zap.String("vault", snap.Vault),
			zap.Uint64("proposal_index", snap.Index),
			zap.Stringer("status", snap.Status),
		)
	case snap.Executable() && snap.ThresholdMet():
		e.resolveOrphan(ctx, cyc, snap)
	default:
		logger.Debug("untracked proposal not ready",
			zap.String("vault", snap.Vault),
			zap.Uint64("proposal_index", snap.Index),
			zap.Stringer("status", snap.Status),
			zap.Int("approvals", snap.ApprovalCount()),
			zap.Int("threshold", snap.Threshold),
		)
	}
}

// reconcileTracked applies one snapshot to the record bound to it. The store is
// only ever moved toward what the ledger shows; disagreements that cannot be
// explained by lag are reported, not corrected.
func (e *Engine) reconcileTracked(ctx context.Context, cyc *cycle, rec models.MatchSettlement, snap ledger.Snapshot) {
	logger := e.logger.Named("scanner").With(
		zap.String("match_id", rec.MatchID),
		zap.String("vault", snap.Vault),
		zap.Uint64("proposal_index", snap.Index),
	)

	if snap.Status == ledger.StatusExecuted {
		if rec.HasExecutionMarker() {
			return
		}
		e.deps.Attempts.Clear(AttemptKey{MatchID: rec.MatchID, ProposalID: snap.Index})
		e.heal(ctx, cyc, rec, snap)
		return
	}

	switch {
	case rec.Status == models.SettlementExecuted:
		e.anomaly(ctx, cyc, rec, snap, "record executed but proposal is not")
		return
	case rec.Status == models.SettlementFailed:
		cyc.add(func(r *CycleReport) { r.Skipped++ })
		logger.Debug("skip: retries exhausted, awaiting reset", zap.String("failure_reason", rec.FailureReason))
		return
	}

	switch snap.Status {
	case ledger.StatusCancelled, ledger.StatusRejected:
		e.anomaly(ctx, cyc, rec, snap, "proposal closed without execution")
	case ledger.StatusApproved, ledger.StatusExecuteReady:
		// APPROVED is only reachable with the threshold met, even when the
		// ledger already reports the proposal as ready.
		pendingBelowThreshold := rec.Status == models.SettlementPending && !snap.ThresholdMet()
		if !snap.Executable() || pendingBelowThreshold {
			e.deps.Telemetry.IncSkippedAwaitingApproval()
			cyc.add(func(r *CycleReport) { r.AwaitingApproval++ })
			logger.Debug("skip: awaiting approvals",
				zap.Int("approvals", snap.ApprovalCount()),
				zap.Int("threshold", snap.Threshold),
			)
			return
		}
		if rec.Status == models.SettlementPending {
			changed, err := e.deps.Repo.PromoteSettlementApproved(ctx, rec.MatchID, snap.Approvers)
			if err != nil {
				logger.Warn("promote to approved failed", zap.Error(err))
				return
			}
			if changed {
				rec.Status = models.SettlementApproved
				cyc.add(func(r *CycleReport) { r.Promoted++ })
				logger.Info("settlement promoted to approved", zap.Int("approvals", snap.ApprovalCount()))
			}
		}
		e.execute(ctx, cyc, rec, snap)
	case ledger.StatusActive:
		if rec.Status == models.SettlementApproved {
			e.anomaly(ctx, cyc, rec, snap, "record approved but proposal is still active")
			return
		}
		e.deps.Telemetry.IncSkippedAwaitingApproval()
		cyc.add(func(r *CycleReport) { r.AwaitingApproval++ })
		logger.Debug("skip: proposal active",
			zap.Int("approvals", snap.ApprovalCount()),
			zap.Int("threshold", snap.Threshold),
		)
	default:
		cyc.add(func(r *CycleReport) { r.Skipped++ })
		logger.Debug("skip: unknown proposal status")
	}
}

// anomaly logs a state mismatch and raises an admin event the first time this
// (vault, index, status) combination is seen by the process.
func (e *Engine) anomaly(ctx context.Context, cyc *cycle, rec models.MatchSettlement, snap ledger.Snapshot, reason string) {
	e.deps.Telemetry.IncSkippedAnomalous()
	cyc.add(func(r *CycleReport) { r.Anomalies++ })
	e.logger.Named("scanner").Warn("settlement status mismatch",
		zap.String("reason", reason),
		zap.String("match_id", rec.MatchID),
		zap.String("vault", snap.Vault),
		zap.Uint64("proposal_index", snap.Index),
		zap.String("record_status", rec.Status),
		zap.Stringer("ledger_status", snap.Status),
		zap.Int("approvals", snap.ApprovalCount()),
		zap.Int("threshold", snap.Threshold),
	)

	key := fmt.Sprintf("%s#%d:%s:%s", snap.Vault, snap.Index, snap.Status, rec.Status)
	e.mismatchMu.Lock()
	_, seen := e.mismatchSeen[key]
	if !seen {
		e.mismatchSeen[key] = struct{}{}
	}
	e.mismatchMu.Unlock()
	if seen {
		return
	}
	e.notify(ctx, newAdminEvent(EventStatusMismatch,
		"Settlement status mismatch",
		reason,
		e.now(),
		map[string]any{
			"match_id":       rec.MatchID,
			"vault":          snap.Vault,
			"proposal_index": snap.Index,
			"record_status":  rec.Status,
			"ledger_status":  snap.Status.String(),
		},
	))
}
