package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"vaultsettle/internal/models"
)

// SettlementRepository is the settlement record store consumed by the engine.
//
// Guarded mutations report whether a row actually changed so callers can tell a
// no-op (already healed, already bound, lost a race) from a real transition.
type SettlementRepository interface {
	GetMatchSettlement(ctx context.Context, matchID string) (*models.MatchSettlement, error)
	ListMatchSettlements(ctx context.Context, params ListMatchSettlementsParams) ([]models.MatchSettlement, error)
	CountMatchSettlements(ctx context.Context, params ListMatchSettlementsParams) (int64, error)

	// ListRecentVaults returns the distinct vaults referenced by rows updated at or after since.
	ListRecentVaults(ctx context.Context, since time.Time) ([]string, error)
	ListMatchSettlementsByVault(ctx context.Context, vault string, since time.Time) ([]models.MatchSettlement, error)
	// GetMatchSettlementByProposal finds the row bound to a proposal regardless of age.
	GetMatchSettlementByProposal(ctx context.Context, vault string, proposalID uint64) (*models.MatchSettlement, error)
	// ListOrphanCandidates returns completed rows of a vault that may take an untracked
	// proposal: not EXECUTED and either unassigned or FAILED, newest first.
	ListOrphanCandidates(ctx context.Context, vault string, limit int) ([]models.MatchSettlement, error)

	UpdateMatchSettlement(ctx context.Context, matchID string, updates map[string]any) error
	PromoteSettlementApproved(ctx context.Context, matchID string, approvers []string) (bool, error)
	MarkSettlementExecuted(ctx context.Context, matchID string, mark ExecutionMark) (bool, error)
	MarkSettlementFailed(ctx context.Context, matchID string, reason string) (bool, error)
	BindSettlementProposal(ctx context.Context, matchID string, proposalID uint64, approvers []string) (bool, error)
	ResetSettlementFailure(ctx context.Context, matchID string) (bool, error)
}

// SettingsRepository backs the runtime feature switches.
type SettingsRepository interface {
	UpsertSystemSetting(ctx context.Context, item *models.SystemSetting) error
	GetSystemSettingByKey(ctx context.Context, key string) (*models.SystemSetting, error)
	ListSystemSettings(ctx context.Context, params ListSystemSettingsParams) ([]models.SystemSetting, error)
}

type Repository interface {
	SettlementRepository
	SettingsRepository
}

// ExecutionMark is the field set written when a settlement is observed or made executed.
type ExecutionMark struct {
	ExecutedAt   time.Time
	TxID         *string
	Kind         string
	PayoutAmount *decimal.Decimal
	FeeAmount    *decimal.Decimal
}

type ListMatchSettlementsParams struct {
	Limit        int
	Offset       int
	VaultAddress *string
	Status       *string
	Since        *time.Time
	OrderBy      string
	Asc          *bool
}

type ListSystemSettingsParams struct {
	Limit   int
	Offset  int
	Prefix  *string
	OrderBy string
	Asc     *bool
}
