package settlement

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"vaultsettle/internal/ledger"
	"vaultsettle/internal/models"
	"vaultsettle/internal/repository"
)

type stubRepo struct {
	mu   sync.Mutex
	rows map[string]*models.MatchSettlement
	now  func() time.Time

	failVaultList error
}

func newStubRepo(now func() time.Time) *stubRepo {
	return &stubRepo{rows: map[string]*models.MatchSettlement{}, now: now}
}

func (r *stubRepo) put(rec models.MatchSettlement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = r.now()
	}
	cp := rec
	r.rows[rec.MatchID] = &cp
}

func (r *stubRepo) get(matchID string) models.MatchSettlement {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[matchID]; ok {
		return *row
	}
	return models.MatchSettlement{}
}

func (r *stubRepo) GetMatchSettlement(_ context.Context, matchID string) (*models.MatchSettlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[matchID]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (r *stubRepo) ListMatchSettlements(_ context.Context, params repository.ListMatchSettlementsParams) ([]models.MatchSettlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.MatchSettlement
	for _, row := range r.rows {
		if params.VaultAddress != nil && row.VaultAddress != *params.VaultAddress {
			continue
		}
		if params.Status != nil && row.Status != *params.Status {
			continue
		}
		out = append(out, *row)
	}
	sortNewestFirst(out)
	return out, nil
}

func (r *stubRepo) CountMatchSettlements(ctx context.Context, params repository.ListMatchSettlementsParams) (int64, error) {
	items, err := r.ListMatchSettlements(ctx, params)
	return int64(len(items)), err
}

func (r *stubRepo) ListRecentVaults(_ context.Context, since time.Time) ([]string, error) {
	if r.failVaultList != nil {
		return nil, r.failVaultList
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]struct{}{}
	var out []string
	for _, row := range r.rows {
		if row.UpdatedAt.Before(since) || row.VaultAddress == "" {
			continue
		}
		if _, ok := seen[row.VaultAddress]; ok {
			continue
		}
		seen[row.VaultAddress] = struct{}{}
		out = append(out, row.VaultAddress)
	}
	sort.Strings(out)
	return out, nil
}

func (r *stubRepo) ListMatchSettlementsByVault(_ context.Context, vault string, since time.Time) ([]models.MatchSettlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.MatchSettlement
	for _, row := range r.rows {
		if row.VaultAddress == vault && !row.UpdatedAt.Before(since) {
			out = append(out, *row)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (r *stubRepo) GetMatchSettlementByProposal(_ context.Context, vault string, proposalID uint64) (*models.MatchSettlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.VaultAddress == vault && row.ProposalID != nil && *row.ProposalID == proposalID {
			cp := *row
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *stubRepo) ListOrphanCandidates(_ context.Context, vault string, limit int) ([]models.MatchSettlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.MatchSettlement
	for _, row := range r.rows {
		if row.VaultAddress != vault || row.CompletedAt == nil || row.Status == models.SettlementExecuted {
			continue
		}
		if row.ProposalID != nil && row.Status != models.SettlementFailed {
			continue
		}
		out = append(out, *row)
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *stubRepo) UpdateMatchSettlement(_ context.Context, matchID string, updates map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[matchID]
	if !ok {
		return nil
	}
	if v, ok := updates["status"].(string); ok {
		row.Status = v
	}
	row.UpdatedAt = r.now()
	return nil
}

func (r *stubRepo) guarded(matchID string, guard func(*models.MatchSettlement) bool, apply func(*models.MatchSettlement)) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[matchID]
	if !ok || !guard(row) {
		return false, nil
	}
	apply(row)
	row.UpdatedAt = r.now()
	return true, nil
}

func (r *stubRepo) PromoteSettlementApproved(_ context.Context, matchID string, approvers []string) (bool, error) {
	return r.guarded(matchID, func(m *models.MatchSettlement) bool {
		return m.Status == models.SettlementPending
	}, func(m *models.MatchSettlement) {
		m.Status = models.SettlementApproved
		m.Approvers = models.EncodeApprovers(approvers)
	})
}

func (r *stubRepo) MarkSettlementExecuted(_ context.Context, matchID string, mark repository.ExecutionMark) (bool, error) {
	return r.guarded(matchID, func(m *models.MatchSettlement) bool {
		return m.Status != models.SettlementExecuted || m.ExecutedAt == nil
	}, func(m *models.MatchSettlement) {
		at := mark.ExecutedAt
		m.Status = models.SettlementExecuted
		m.ExecutedAt = &at
		m.FailureReason = ""
		if mark.TxID != nil {
			tx := *mark.TxID
			m.ExecutionTxID = &tx
		}
		if mark.Kind != "" {
			m.Kind = mark.Kind
		}
		m.PayoutAmount = mark.PayoutAmount
		m.FeeAmount = mark.FeeAmount
	})
}

func (r *stubRepo) MarkSettlementFailed(_ context.Context, matchID string, reason string) (bool, error) {
	return r.guarded(matchID, func(m *models.MatchSettlement) bool {
		return m.Status == models.SettlementPending || m.Status == models.SettlementApproved
	}, func(m *models.MatchSettlement) {
		m.Status = models.SettlementFailed
		m.FailureReason = reason
	})
}

func (r *stubRepo) BindSettlementProposal(_ context.Context, matchID string, proposalID uint64, approvers []string) (bool, error) {
	return r.guarded(matchID, func(m *models.MatchSettlement) bool {
		return m.Status != models.SettlementExecuted && (m.ProposalID == nil || m.Status == models.SettlementFailed)
	}, func(m *models.MatchSettlement) {
		id := proposalID
		m.ProposalID = &id
		m.Approvers = models.EncodeApprovers(approvers)
		m.Status = models.SettlementApproved
		m.FailureReason = ""
	})
}

func (r *stubRepo) ResetSettlementFailure(_ context.Context, matchID string) (bool, error) {
	return r.guarded(matchID, func(m *models.MatchSettlement) bool {
		return m.Status == models.SettlementFailed && m.ProposalID != nil
	}, func(m *models.MatchSettlement) {
		m.Status = models.SettlementApproved
		m.FailureReason = ""
	})
}

func sortNewestFirst(items []models.MatchSettlement) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.After(items[j].UpdatedAt)
		}
		return items[i].MatchID < items[j].MatchID
	})
}

type proposalKey struct {
	vault string
	index uint64
}

type stubOracle struct {
	mu sync.Mutex

	thresholds   map[string]int
	latest       map[string]uint64
	snaps        map[proposalKey]ledger.Snapshot
	queued       map[proposalKey][]ledger.Snapshot
	thresholdErr map[string]error

	submitErr      error
	alreadyOnChain bool
	submits        []proposalKey
	reads          int

	// blockThreshold, when set, parks GetVaultThreshold until closed.
	entered        chan struct{}
	blockThreshold chan struct{}
}

func newStubOracle() *stubOracle {
	return &stubOracle{
		thresholds:   map[string]int{},
		latest:       map[string]uint64{},
		snaps:        map[proposalKey]ledger.Snapshot{},
		queued:       map[proposalKey][]ledger.Snapshot{},
		thresholdErr: map[string]error{},
	}
}

func (o *stubOracle) setVault(vault string, threshold int, latest uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.thresholds[vault] = threshold
	o.latest[vault] = latest
}

func (o *stubOracle) setSnapshot(vault string, index uint64, status ledger.ProposalStatus, approvers ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.snaps[proposalKey{vault, index}] = ledger.Snapshot{Vault: vault, Index: index, Status: status, Approvers: approvers}
}

// queueSnapshot makes the next read of (vault, index) return snap before
// falling back to the steady-state snapshot.
func (o *stubOracle) queueSnapshot(vault string, index uint64, snap ledger.Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	k := proposalKey{vault, index}
	o.queued[k] = append(o.queued[k], snap)
}

func (o *stubOracle) submitCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.submits)
}

func (o *stubOracle) GetProposalSnapshot(_ context.Context, vault string, index uint64) (ledger.Snapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reads++
	k := proposalKey{vault, index}
	if q := o.queued[k]; len(q) > 0 {
		o.queued[k] = q[1:]
		return q[0], nil
	}
	snap, ok := o.snaps[k]
	if !ok {
		return ledger.Snapshot{}, ledger.ErrProposalNotFound
	}
	return snap, nil
}

func (o *stubOracle) GetVaultThreshold(_ context.Context, vault string) (int, error) {
	if o.entered != nil {
		close(o.entered)
		o.entered = nil
	}
	if o.blockThreshold != nil {
		<-o.blockThreshold
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.thresholdErr[vault]; err != nil {
		return 0, err
	}
	t, ok := o.thresholds[vault]
	if !ok {
		return 0, ledger.ErrVaultNotFound
	}
	return t, nil
}

func (o *stubOracle) LatestTransactionIndex(_ context.Context, vault string) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.latest[vault], nil
}

func (o *stubOracle) SubmitExecution(_ context.Context, vault string, index uint64, _ string) (ledger.ExecutionResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	k := proposalKey{vault, index}
	o.submits = append(o.submits, k)
	if o.submitErr != nil {
		return ledger.ExecutionResult{}, o.submitErr
	}
	snap := o.snaps[k]
	snap.Status = ledger.StatusExecuted
	o.snaps[k] = snap
	if o.alreadyOnChain {
		return ledger.ExecutionResult{AlreadyExecuted: true}, nil
	}
	return ledger.ExecutionResult{TxID: "sig-" + vault}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []AdminEvent
}

func (n *recordingNotifier) Notify(_ context.Context, event AdminEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Kind)
	}
	return out
}

type recordingPublisher struct {
	mu      sync.Mutex
	updates []ExecutionUpdate
}

func (p *recordingPublisher) PublishExecution(_ context.Context, update ExecutionUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, update)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.updates)
}

type staticFlags map[string]bool

func (f staticFlags) IsEnabled(_ context.Context, key string, fallback bool) bool {
	if v, ok := f[key]; ok {
		return v
	}
	return fallback
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var errSubmit = errors.New("simulated execution failure")

func u64(v uint64) *uint64 { return &v }
