package service

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"

	"vaultsettle/internal/models"
	"vaultsettle/internal/repository"
)

const (
	FeatureReconciliation = "feature.reconciliation"
	FeatureExecution      = "feature.execution"
	FeatureOrphanBinding  = "feature.orphan_binding"
)

func DefaultFeatureSwitches() map[string]bool {
	return map[string]bool{
		FeatureReconciliation: true,
		FeatureExecution:      true,
		FeatureOrphanBinding:  true,
	}
}

type SystemSettingsService struct {
	Repo repository.SettingsRepository
}

// FeatureSwitch is the rendered state of one switch.
type FeatureSwitch struct {
	Key       string    `json:"key"`
	Enabled   bool      `json:"enabled"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EnsureDefaultSwitches creates missing switches with their defaults. Existing
// values are never changed, so an operator's OFF survives restarts.
func (s *SystemSettingsService) EnsureDefaultSwitches(ctx context.Context) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	now := time.Now().UTC()
	for key, enabled := range DefaultFeatureSwitches() {
		existing, err := s.Repo.GetSystemSettingByKey(ctx, key)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		raw, _ := json.Marshal(enabled)
		item := &models.SystemSetting{
			Key:         key,
			Value:       datatypes.JSON(raw),
			Description: "feature switch",
			UpdatedBy:   "bootstrap",
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.Repo.UpsertSystemSetting(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func (s *SystemSettingsService) IsEnabled(ctx context.Context, key string, fallback bool) bool {
	if s == nil || s.Repo == nil {
		return fallback
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fallback
	}
	item, err := s.Repo.GetSystemSettingByKey(ctx, key)
	if err != nil || item == nil || len(item.Value) == 0 {
		return fallback
	}
	var enabled bool
	if err := json.Unmarshal(item.Value, &enabled); err != nil {
		return fallback
	}
	return enabled
}

func (s *SystemSettingsService) SetEnabled(ctx context.Context, key string, enabled bool, updatedBy string) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	raw, _ := json.Marshal(enabled)
	item := &models.SystemSetting{
		Key:         key,
		Value:       datatypes.JSON(raw),
		Description: "feature switch",
		UpdatedBy:   strings.TrimSpace(updatedBy),
		UpdatedAt:   time.Now().UTC(),
	}
	return s.Repo.UpsertSystemSetting(ctx, item)
}

// ListSwitches renders every known switch, falling back to its default when the
// row is missing or unreadable.
func (s *SystemSettingsService) ListSwitches(ctx context.Context) ([]FeatureSwitch, error) {
	defaults := DefaultFeatureSwitches()
	out := make([]FeatureSwitch, 0, len(defaults))
	stored := map[string]models.SystemSetting{}
	if s != nil && s.Repo != nil {
		prefix := "feature."
		items, err := s.Repo.ListSystemSettings(ctx, repository.ListSystemSettingsParams{Prefix: &prefix})
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			stored[item.Key] = item
		}
	}
	for key, fallback := range defaults {
		sw := FeatureSwitch{Key: key, Enabled: fallback}
		if item, ok := stored[key]; ok {
			var enabled bool
			if err := json.Unmarshal(item.Value, &enabled); err == nil {
				sw.Enabled = enabled
			}
			sw.UpdatedBy = item.UpdatedBy
			sw.UpdatedAt = item.UpdatedAt
		}
		out = append(out, sw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// IsKnownSwitch reports whether key is one of the managed feature switches.
func IsKnownSwitch(key string) bool {
	_, ok := DefaultFeatureSwitches()[strings.TrimSpace(key)]
	return ok
}
