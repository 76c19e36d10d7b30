package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"vaultsettle/internal/paas"
	"vaultsettle/internal/service"
)

type SystemSettingsHandler struct {
	Settings *service.SystemSettingsService
}

func (h *SystemSettingsHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/system-settings")
	g.GET("/switches", h.listSwitches)
	g.PUT("/switches/:key", h.putSwitch)
}

// @Summary List feature switches
// @Tags system-settings
// @Success 200 {object} apiResponse
// @Router /api/v1/system-settings/switches [get]
func (h *SystemSettingsHandler) listSwitches(c *gin.Context) {
	if h.Settings == nil {
		Error(c, http.StatusInternalServerError, "settings service unavailable", nil)
		return
	}
	items, err := h.Settings.ListSwitches(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, nil)
}

type putSwitchRequest struct {
	Enabled   *bool  `json:"enabled"`
	UpdatedBy string `json:"updated_by"`
}

// @Summary Toggle a feature switch
// @Tags system-settings
// @Param key path string true "switch key, e.g. feature.execution"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/v1/system-settings/switches/{key} [put]
func (h *SystemSettingsHandler) putSwitch(c *gin.Context) {
	if h.Settings == nil {
		Error(c, http.StatusInternalServerError, "settings service unavailable", nil)
		return
	}
	key := strings.TrimSpace(c.Param("key"))
	if !strings.HasPrefix(key, "feature.") {
		key = "feature." + key
	}
	if !service.IsKnownSwitch(key) {
		Error(c, http.StatusNotFound, "unknown switch", nil)
		return
	}
	var req putSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		Error(c, http.StatusBadRequest, "enabled required", nil)
		return
	}
	updatedBy := strings.TrimSpace(req.UpdatedBy)
	if updatedBy == "" {
		updatedBy = strings.TrimSpace(c.GetHeader("X-Easyweb3-Role"))
	}
	if updatedBy == "" {
		updatedBy = "api"
	}
	if err := h.Settings.SetEnabled(c.Request.Context(), key, *req.Enabled, updatedBy); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	paas.LogBestEffort(c, "feature_switch_changed", "info", map[string]any{
		"key":        key,
		"enabled":    *req.Enabled,
		"updated_by": updatedBy,
	})
	Ok(c, map[string]any{"key": key, "enabled": *req.Enabled, "updated_by": updatedBy}, nil)
}
