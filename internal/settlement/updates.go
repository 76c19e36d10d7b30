package settlement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionUpdate is what the owning match lifecycle merges once a settlement
// is known to be executed on-chain.
type ExecutionUpdate struct {
	MatchID      string           `json:"match_id"`
	VaultAddress string           `json:"vault_address"`
	ProposalID   uint64           `json:"proposal_id"`
	ExecutedAt   time.Time        `json:"executed_at"`
	TxID         string           `json:"tx_id,omitempty"`
	Kind         string           `json:"kind"`
	Refund       bool             `json:"refund"`
	PayoutAmount *decimal.Decimal `json:"payout_amount,omitempty"`
	FeeAmount    *decimal.Decimal `json:"fee_amount,omitempty"`
	Healed       bool             `json:"healed"`
}

type UpdatePublisher interface {
	PublishExecution(ctx context.Context, update ExecutionUpdate) error
}
