package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"vaultsettle/internal/db"
)

// HealthHandler serves liveness and readiness. Readiness needs a reachable
// database; Reconciler only adds detail to the payload.
type HealthHandler struct {
	DB         *db.DB
	Reconciler interface{ Running() bool }
}

func (h *HealthHandler) Register(r *gin.Engine) {
	r.GET("/healthz", h.health)
	r.GET("/readyz", h.ready)
}

// @Summary Health check
// @Tags health
// @Success 200 {object} map[string]string
// @Router /healthz [get]
func (h *HealthHandler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// @Summary Readiness check
// @Tags health
// @Success 200 {object} map[string]any
// @Failure 503 {object} map[string]any
// @Router /readyz [get]
func (h *HealthHandler) ready(c *gin.Context) {
	if status := h.dbStatus(c.Request.Context()); status != "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": status})
		return
	}
	out := gin.H{"status": "ready"}
	if h.Reconciler != nil {
		out["scan_running"] = h.Reconciler.Running()
	}
	c.JSON(http.StatusOK, out)
}

func (h *HealthHandler) dbStatus(ctx context.Context) string {
	if h.DB == nil || h.DB.SQL == nil {
		return "db_missing"
	}
	if err := db.Ping(ctx, h.DB); err != nil {
		return "db_unreachable"
	}
	return ""
}
