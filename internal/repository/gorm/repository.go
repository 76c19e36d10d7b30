package gormrepository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vaultsettle/internal/models"
	"vaultsettle/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// --- match settlements ------------------------------------------------------

func (s *Store) GetMatchSettlement(ctx context.Context, matchID string) (*models.MatchSettlement, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	matchID = strings.TrimSpace(matchID)
	if matchID == "" {
		return nil, nil
	}
	var item models.MatchSettlement
	err := s.db.WithContext(ctx).Model(&models.MatchSettlement{}).Where("match_id = ?", matchID).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListMatchSettlements(ctx context.Context, params repository.ListMatchSettlementsParams) ([]models.MatchSettlement, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := applySettlementFilters(s.db.WithContext(ctx).Model(&models.MatchSettlement{}), params)
	query = applyOrder(query, params.OrderBy, params.Asc, "updated_at")
	limit := normalizeLimit(params.Limit, 100)
	offset := normalizeOffset(params.Offset)
	var items []models.MatchSettlement
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountMatchSettlements(ctx context.Context, params repository.ListMatchSettlementsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	err := applySettlementFilters(s.db.WithContext(ctx).Model(&models.MatchSettlement{}), params).Count(&total).Error
	return total, err
}

func applySettlementFilters(query *gorm.DB, params repository.ListMatchSettlementsParams) *gorm.DB {
	if params.VaultAddress != nil && strings.TrimSpace(*params.VaultAddress) != "" {
		query = query.Where("vault_address = ?", strings.TrimSpace(*params.VaultAddress))
	}
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.ToUpper(strings.TrimSpace(*params.Status)))
	}
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("updated_at >= ?", *params.Since)
	}
	return query
}

func (s *Store) ListRecentVaults(ctx context.Context, since time.Time) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var vaults []string
	if err := s.db.WithContext(ctx).
		Model(&models.MatchSettlement{}).
		Where("updated_at >= ?", since).
		Where("vault_address <> ''").
		Distinct("vault_address").
		Order("vault_address asc").
		Pluck("vault_address", &vaults).Error; err != nil {
		return nil, err
	}
	return cleanStrings(vaults), nil
}

func (s *Store) ListMatchSettlementsByVault(ctx context.Context, vault string, since time.Time) ([]models.MatchSettlement, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	vault = strings.TrimSpace(vault)
	if vault == "" {
		return nil, nil
	}
	var items []models.MatchSettlement
	if err := s.db.WithContext(ctx).
		Model(&models.MatchSettlement{}).
		Where("vault_address = ?", vault).
		Where("updated_at >= ?", since).
		Order("updated_at desc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) GetMatchSettlementByProposal(ctx context.Context, vault string, proposalID uint64) (*models.MatchSettlement, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	vault = strings.TrimSpace(vault)
	if vault == "" {
		return nil, nil
	}
	var item models.MatchSettlement
	err := s.db.WithContext(ctx).
		Model(&models.MatchSettlement{}).
		Where("vault_address = ? AND proposal_id = ?", vault, proposalID).
		Order("updated_at desc").
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListOrphanCandidates(ctx context.Context, vault string, limit int) ([]models.MatchSettlement, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	vault = strings.TrimSpace(vault)
	if vault == "" {
		return nil, nil
	}
	limit = normalizeLimit(limit, 20)
	var items []models.MatchSettlement
	if err := s.db.WithContext(ctx).
		Model(&models.MatchSettlement{}).
		Where("vault_address = ?", vault).
		Where("completed_at IS NOT NULL").
		Where("status <> ?", models.SettlementExecuted).
		Where("(proposal_id IS NULL OR status = ?)", models.SettlementFailed).
		Order("updated_at desc").
		Limit(limit).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) UpdateMatchSettlement(ctx context.Context, matchID string, updates map[string]any) error {
	if s == nil || s.db == nil {
		return nil
	}
	matchID = strings.TrimSpace(matchID)
	if matchID == "" || len(updates) == 0 {
		return nil
	}
	next := map[string]any{"updated_at": time.Now().UTC()}
	for k, v := range updates {
		next[k] = v
	}
	return s.db.WithContext(ctx).Model(&models.MatchSettlement{}).Where("match_id = ?", matchID).Updates(next).Error
}

func (s *Store) PromoteSettlementApproved(ctx context.Context, matchID string, approvers []string) (bool, error) {
	return s.guardedUpdate(ctx, matchID, func(q *gorm.DB) *gorm.DB {
		return q.Where("status = ?", models.SettlementPending)
	}, map[string]any{
		"status":    models.SettlementApproved,
		"approvers": models.EncodeApprovers(approvers),
	})
}

func (s *Store) MarkSettlementExecuted(ctx context.Context, matchID string, mark repository.ExecutionMark) (bool, error) {
	executedAt := mark.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now().UTC()
	}
	updates := map[string]any{
		"status":         models.SettlementExecuted,
		"executed_at":    executedAt,
		"failure_reason": "",
	}
	if mark.TxID != nil && strings.TrimSpace(*mark.TxID) != "" {
		updates["execution_tx_id"] = strings.TrimSpace(*mark.TxID)
	}
	if strings.TrimSpace(mark.Kind) != "" {
		updates["kind"] = strings.TrimSpace(mark.Kind)
	}
	if mark.PayoutAmount != nil {
		updates["payout_amount"] = *mark.PayoutAmount
	}
	if mark.FeeAmount != nil {
		updates["fee_amount"] = *mark.FeeAmount
	}
	return s.guardedUpdate(ctx, matchID, func(q *gorm.DB) *gorm.DB {
		return q.Where("(status <> ? OR executed_at IS NULL)", models.SettlementExecuted)
	}, updates)
}

func (s *Store) MarkSettlementFailed(ctx context.Context, matchID string, reason string) (bool, error) {
	return s.guardedUpdate(ctx, matchID, func(q *gorm.DB) *gorm.DB {
		return q.Where("status IN ?", []string{models.SettlementPending, models.SettlementApproved})
	}, map[string]any{
		"status":         models.SettlementFailed,
		"failure_reason": strings.TrimSpace(reason),
	})
}

func (s *Store) BindSettlementProposal(ctx context.Context, matchID string, proposalID uint64, approvers []string) (bool, error) {
	return s.guardedUpdate(ctx, matchID, func(q *gorm.DB) *gorm.DB {
		return q.Where("status <> ?", models.SettlementExecuted).
			Where("(proposal_id IS NULL OR status = ?)", models.SettlementFailed)
	}, map[string]any{
		"proposal_id":    proposalID,
		"approvers":      models.EncodeApprovers(approvers),
		"status":         models.SettlementApproved,
		"failure_reason": "",
	})
}

func (s *Store) ResetSettlementFailure(ctx context.Context, matchID string) (bool, error) {
	return s.guardedUpdate(ctx, matchID, func(q *gorm.DB) *gorm.DB {
		return q.Where("status = ?", models.SettlementFailed).Where("proposal_id IS NOT NULL")
	}, map[string]any{
		"status":         models.SettlementApproved,
		"failure_reason": "",
	})
}

func (s *Store) guardedUpdate(ctx context.Context, matchID string, guard func(*gorm.DB) *gorm.DB, updates map[string]any) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	matchID = strings.TrimSpace(matchID)
	if matchID == "" {
		return false, nil
	}
	updates["updated_at"] = time.Now().UTC()
	query := s.db.WithContext(ctx).Model(&models.MatchSettlement{}).Where("match_id = ?", matchID)
	res := guard(query).Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// --- system settings --------------------------------------------------------

func (s *Store) UpsertSystemSetting(ctx context.Context, item *models.SystemSetting) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if strings.TrimSpace(item.Key) == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "description", "updated_by", "updated_at"}),
	}).Create(item).Error
}

func (s *Store) GetSystemSettingByKey(ctx context.Context, key string) (*models.SystemSetting, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	var item models.SystemSetting
	err := s.db.WithContext(ctx).Model(&models.SystemSetting{}).Where("key = ?", key).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListSystemSettings(ctx context.Context, params repository.ListSystemSettingsParams) ([]models.SystemSetting, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.SystemSetting{})
	if params.Prefix != nil && strings.TrimSpace(*params.Prefix) != "" {
		query = query.Where("key LIKE ?", strings.TrimSpace(*params.Prefix)+"%")
	}
	query = applyOrder(query, params.OrderBy, params.Asc, "key")
	var items []models.SystemSetting
	if err := query.Limit(normalizeLimit(params.Limit, 200)).Offset(normalizeOffset(params.Offset)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func applyOrder(query *gorm.DB, orderBy string, asc *bool, fallback string) *gorm.DB {
	column := strings.TrimSpace(orderBy)
	switch column {
	case "updated_at", "created_at", "executed_at", "match_id", "vault_address", "status", "key":
	default:
		column = fallback
	}
	direction := "desc"
	if asc != nil && *asc {
		direction = "asc"
	}
	return query.Order(column + " " + direction)
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	seen := map[string]struct{}{}
	for _, raw := range items {
		val := strings.TrimSpace(raw)
		if val == "" {
			continue
		}
		if _, ok := seen[val]; ok {
			continue
		}
		seen[val] = struct{}{}
		out = append(out, val)
	}
	return out
}

var _ repository.Repository = (*Store)(nil)
