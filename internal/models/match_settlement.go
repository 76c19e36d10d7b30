package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	SettlementPending  = "PENDING"
	SettlementApproved = "APPROVED"
	SettlementExecuted = "EXECUTED"
	SettlementFailed   = "FAILED"
)

const (
	KindWinnerPayout  = "winner_payout"
	KindPartialRefund = "partial_refund"
	KindFullRefund    = "full_refund"
	KindTimeoutRefund = "timeout_refund"
)

// MatchSettlement tracks the payout/refund lifecycle of one wagered match against
// a proposal in its escrow vault. Rows are created by the match-completion flow;
// the settlement engine only reads and partially updates them.
type MatchSettlement struct {
	ID           uint64  `gorm:"primaryKey;autoIncrement"`
	MatchID      string  `gorm:"type:varchar(100);not null;uniqueIndex"`
	VaultAddress string  `gorm:"type:varchar(64);not null;index"`
	ProposalID   *uint64 `gorm:"index"`

	Status string `gorm:"type:varchar(20);not null;default:'PENDING';index"`
	Kind   string `gorm:"type:varchar(30)"`

	Player1  string          `gorm:"type:varchar(64)"`
	Player2  string          `gorm:"type:varchar(64)"`
	Winner   string          `gorm:"type:varchar(64)"`
	EntryFee decimal.Decimal `gorm:"type:numeric(30,9);not null;default:0"`

	Approvers datatypes.JSON `gorm:"type:jsonb"`

	ExecutionTxID *string          `gorm:"type:varchar(128)"`
	ExecutedAt    *time.Time       `gorm:"type:timestamptz;index"`
	PayoutAmount  *decimal.Decimal `gorm:"type:numeric(30,9)"`
	FeeAmount     *decimal.Decimal `gorm:"type:numeric(30,9)"`
	FailureReason string           `gorm:"type:text"`

	CompletedAt *time.Time `gorm:"type:timestamptz"`
	CreatedAt   time.Time  `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt   time.Time  `gorm:"type:timestamptz;autoUpdateTime;index"`
}

func (MatchSettlement) TableName() string {
	return "match_settlements"
}

// HasExecutionMarker reports whether the row already records a completed execution.
func (m MatchSettlement) HasExecutionMarker() bool {
	return m.Status == SettlementExecuted && m.ExecutedAt != nil
}

// ApproverList decodes the stored approver set. Malformed JSON yields nil.
func (m MatchSettlement) ApproverList() []string {
	if len(m.Approvers) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(m.Approvers, &out); err != nil {
		return nil
	}
	return out
}

// EncodeApprovers renders an approver set for the Approvers column, dropping blanks.
func EncodeApprovers(approvers []string) datatypes.JSON {
	clean := make([]string, 0, len(approvers))
	for _, a := range approvers {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		clean = append(clean, a)
	}
	raw, err := json.Marshal(clean)
	if err != nil {
		return datatypes.JSON([]byte(`[]`))
	}
	return datatypes.JSON(raw)
}
