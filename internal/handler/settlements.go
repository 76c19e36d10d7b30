package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"vaultsettle/internal/models"
	"vaultsettle/internal/paas"
	"vaultsettle/internal/repository"
	"vaultsettle/internal/settlement"
)

type SettlementHandler struct {
	Repo   repository.SettlementRepository
	Engine *settlement.Engine
}

func (h *SettlementHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/settlements")
	g.GET("", h.list)
	g.GET("/:match_id", h.get)
	g.POST("/:match_id/reset", h.reset)

	rec := r.Group("/api/v1/reconciler")
	rec.POST("/scan", h.scan)
	rec.GET("/telemetry", h.telemetry)
	rec.GET("/attempts", h.attempts)
	rec.GET("/vaults", h.vaults)
}

type settlementView struct {
	MatchID       string           `json:"match_id"`
	VaultAddress  string           `json:"vault_address"`
	ProposalID    *uint64          `json:"proposal_id,omitempty"`
	Status        string           `json:"status"`
	Kind          string           `json:"kind,omitempty"`
	Player1       string           `json:"player1,omitempty"`
	Player2       string           `json:"player2,omitempty"`
	Winner        string           `json:"winner,omitempty"`
	EntryFee      decimal.Decimal  `json:"entry_fee"`
	Approvers     []string         `json:"approvers"`
	ExecutionTxID *string          `json:"execution_tx_id,omitempty"`
	ExecutedAt    *time.Time       `json:"executed_at,omitempty"`
	PayoutAmount  *decimal.Decimal `json:"payout_amount,omitempty"`
	FeeAmount     *decimal.Decimal `json:"fee_amount,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

func toSettlementView(m models.MatchSettlement) settlementView {
	approvers := m.ApproverList()
	if approvers == nil {
		approvers = []string{}
	}
	return settlementView{
		MatchID:       m.MatchID,
		VaultAddress:  m.VaultAddress,
		ProposalID:    m.ProposalID,
		Status:        m.Status,
		Kind:          m.Kind,
		Player1:       m.Player1,
		Player2:       m.Player2,
		Winner:        m.Winner,
		EntryFee:      m.EntryFee,
		Approvers:     approvers,
		ExecutionTxID: m.ExecutionTxID,
		ExecutedAt:    m.ExecutedAt,
		PayoutAmount:  m.PayoutAmount,
		FeeAmount:     m.FeeAmount,
		FailureReason: m.FailureReason,
		CompletedAt:   m.CompletedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

// @Summary List settlements
// @Tags settlements
// @Param vault query string false "vault address"
// @Param status query string false "PENDING|APPROVED|EXECUTED|FAILED"
// @Param limit query int false "limit" default(50)
// @Param offset query int false "offset" default(0)
// @Param asc query bool false "oldest first"
// @Success 200 {object} apiResponse
// @Router /api/v1/settlements [get]
func (h *SettlementHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	status := strQueryPtr(c, "status")
	if status != nil {
		upper := strings.ToUpper(*status)
		if !validSettlementStatus(upper) {
			Error(c, http.StatusBadRequest, "invalid status", nil)
			return
		}
		status = &upper
	}
	params := repository.ListMatchSettlementsParams{
		Limit:        limit,
		Offset:       offset,
		VaultAddress: strQueryPtr(c, "vault"),
		Status:       status,
		OrderBy:      "updated_at",
		Asc:          boolQueryPtr(c, "asc"),
	}
	items, err := h.Repo.ListMatchSettlements(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountMatchSettlements(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	out := make([]settlementView, 0, len(items))
	for _, it := range items {
		out = append(out, toSettlementView(it))
	}
	Ok(c, out, paginationMeta(limit, offset, total))
}

// @Summary Get settlement
// @Tags settlements
// @Param match_id path string true "match id"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/v1/settlements/{match_id} [get]
func (h *SettlementHandler) get(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	matchID := strings.TrimSpace(c.Param("match_id"))
	if matchID == "" {
		Error(c, http.StatusBadRequest, "invalid match_id", nil)
		return
	}
	item, err := h.Repo.GetMatchSettlement(c.Request.Context(), matchID)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "settlement not found", nil)
		return
	}
	Ok(c, toSettlementView(*item), nil)
}

// @Summary Reset exhausted settlement
// @Description Forgets execution attempts of the match and reopens a FAILED record.
// @Tags settlements
// @Param match_id path string true "match id"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/v1/settlements/{match_id}/reset [post]
func (h *SettlementHandler) reset(c *gin.Context) {
	if h.Engine == nil {
		Error(c, http.StatusServiceUnavailable, "reconciler unavailable", nil)
		return
	}
	matchID := strings.TrimSpace(c.Param("match_id"))
	if matchID == "" {
		Error(c, http.StatusBadRequest, "invalid match_id", nil)
		return
	}
	res, err := h.Engine.ResetAttempts(c.Request.Context(), matchID)
	if errors.Is(err, settlement.ErrSettlementNotFound) {
		Error(c, http.StatusNotFound, "settlement not found", nil)
		return
	}
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	paas.SetAuditField(c, "cleared_attempts", res.ClearedAttempts)
	paas.SetAuditField(c, "status_reset", res.StatusReset)
	paas.LogBestEffort(c, "settlement_reset", "info", map[string]any{
		"match_id":         res.MatchID,
		"cleared_attempts": res.ClearedAttempts,
		"status_reset":     res.StatusReset,
	})
	if res.StatusReset {
		h.Engine.Nudge()
	}
	Ok(c, res, nil)
}

// @Summary Run a scan cycle now
// @Description Rejected with 409 while feature.reconciliation is off or a cycle is running.
// @Tags reconciler
// @Success 200 {object} apiResponse
// @Failure 409 {object} apiResponse
// @Router /api/v1/reconciler/scan [post]
func (h *SettlementHandler) scan(c *gin.Context) {
	if h.Engine == nil {
		Error(c, http.StatusServiceUnavailable, "reconciler unavailable", nil)
		return
	}
	report, err := h.Engine.ScanNow(c.Request.Context())
	if errors.Is(err, settlement.ErrReconciliationDisabled) || errors.Is(err, settlement.ErrCycleInProgress) {
		Error(c, http.StatusConflict, err.Error(), nil)
		return
	}
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	paas.SetAuditField(c, "cycle_id", report.ID)
	Ok(c, report, nil)
}

// @Summary Reconciler counters
// @Tags reconciler
// @Success 200 {object} apiResponse
// @Router /api/v1/reconciler/telemetry [get]
func (h *SettlementHandler) telemetry(c *gin.Context) {
	if h.Engine == nil {
		Error(c, http.StatusServiceUnavailable, "reconciler unavailable", nil)
		return
	}
	Ok(c, h.Engine.Telemetry().Snapshot(), map[string]any{
		"scan_running": h.Engine.Running(),
	})
}

// @Summary Tracked execution attempts
// @Tags reconciler
// @Param exhausted query bool false "only exhausted entries"
// @Success 200 {object} apiResponse
// @Router /api/v1/reconciler/attempts [get]
func (h *SettlementHandler) attempts(c *gin.Context) {
	if h.Engine == nil {
		Error(c, http.StatusServiceUnavailable, "reconciler unavailable", nil)
		return
	}
	onlyExhausted := boolQueryPtr(c, "exhausted")
	items := h.Engine.Attempts()
	out := make([]settlement.Attempt, 0, len(items))
	for _, it := range items {
		if onlyExhausted != nil && it.Exhausted != *onlyExhausted {
			continue
		}
		out = append(out, it)
	}
	Ok(c, out, map[string]any{"total": len(out)})
}

// @Summary Vaults in the current scan window
// @Tags reconciler
// @Success 200 {object} apiResponse
// @Router /api/v1/reconciler/vaults [get]
func (h *SettlementHandler) vaults(c *gin.Context) {
	if h.Engine == nil {
		Error(c, http.StatusServiceUnavailable, "reconciler unavailable", nil)
		return
	}
	vaults, err := h.Engine.TrackedVaults(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if vaults == nil {
		vaults = []string{}
	}
	Ok(c, vaults, map[string]any{"total": len(vaults)})
}

func validSettlementStatus(s string) bool {
	switch s {
	case models.SettlementPending, models.SettlementApproved, models.SettlementExecuted, models.SettlementFailed:
		return true
	}
	return false
}
