package settlement

import (
	"context"

	"go.uber.org/zap"

	"vaultsettle/internal/ledger"
	"vaultsettle/internal/models"
)

// resolveOrphan binds an approved proposal that no in-window record references
// to the most recently updated completed-but-unassigned settlement of the same
// vault. A match is bound at most once per cycle; EXECUTED matches are never
// candidates. Without a candidate the proposal is left for the next cycle.
func (e *Engine) resolveOrphan(ctx context.Context, cyc *cycle, snap ledger.Snapshot) {
	logger := e.logger.Named("orphans").With(
		zap.String("vault", snap.Vault),
		zap.Uint64("proposal_index", snap.Index),
	)

	// The binding may exist but have aged out of the lookback window.
	existing, err := e.deps.Repo.GetMatchSettlementByProposal(ctx, snap.Vault, snap.Index)
	if err != nil {
		logger.Warn("orphan lookup failed", zap.Error(err))
		return
	}
	if existing != nil {
		logger.Debug("proposal tracked outside lookback window", zap.String("match_id", existing.MatchID))
		e.reconcileTracked(ctx, cyc, *existing, snap)
		return
	}

	e.deps.Telemetry.IncOrphansSeen()
	cyc.add(func(r *CycleReport) { r.OrphansSeen++ })

	if !cyc.bindingEnabled {
		cyc.add(func(r *CycleReport) { r.OrphansUnbound++ })
		logger.Info("orphan binding disabled, proposal left untouched")
		return
	}

	candidates, err := e.deps.Repo.ListOrphanCandidates(ctx, snap.Vault, e.cfg.OrphanCandidateLimit)
	if err != nil {
		cyc.add(func(r *CycleReport) { r.OrphansUnbound++ })
		logger.Warn("orphan candidates lookup failed", zap.Error(err))
		return
	}
	for _, cand := range candidates {
		if cand.Status == models.SettlementExecuted || cand.ExecutedAt != nil {
			continue
		}
		if !cyc.claim(cand.MatchID) {
			continue
		}
		changed, err := e.deps.Repo.BindSettlementProposal(ctx, cand.MatchID, snap.Index, snap.Approvers)
		if err != nil {
			cyc.unclaim(cand.MatchID)
			cyc.add(func(r *CycleReport) { r.OrphansUnbound++ })
			logger.Warn("orphan bind failed", zap.String("match_id", cand.MatchID), zap.Error(err))
			return
		}
		if !changed {
			// Lost a race with another writer; the row is no longer eligible.
			continue
		}
		e.deps.Telemetry.IncOrphansBound()
		cyc.add(func(r *CycleReport) { r.OrphansBound++ })
		logger.Info("orphan proposal bound",
			zap.String("match_id", cand.MatchID),
			zap.Stringer("status", snap.Status),
			zap.Int("approvals", snap.ApprovalCount()),
			zap.Int("threshold", snap.Threshold),
		)
		// Execution happens on the following cycle, once the row is tracked.
		e.Nudge()
		return
	}
	cyc.add(func(r *CycleReport) { r.OrphansUnbound++ })
	logger.Debug("no eligible settlement for orphan", zap.Int("candidates", len(candidates)))
}
