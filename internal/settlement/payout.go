package settlement

import (
	"strings"

	"github.com/shopspring/decimal"

	"vaultsettle/internal/config"
	"vaultsettle/internal/models"
)

// amountScale is the smallest unit the vault moves (9 decimals).
const amountScale = 9

var bpsDenominator = decimal.NewFromInt(10_000)

type Payout struct {
	Kind         string          `json:"kind"`
	Pot          decimal.Decimal `json:"pot"`
	Fee          decimal.Decimal `json:"fee"`
	PerRecipient decimal.Decimal `json:"per_recipient"`
	Recipients   int             `json:"recipients"`
}

// Total is what leaves the vault toward players.
func (p Payout) Total() decimal.Decimal {
	return p.PerRecipient.Mul(decimal.NewFromInt(int64(p.Recipients)))
}

// ClassifySettlement decides the settlement kind of a record. An explicit Kind
// wins; otherwise the Winner field carries the match outcome.
func ClassifySettlement(rec models.MatchSettlement) string {
	switch strings.TrimSpace(rec.Kind) {
	case models.KindWinnerPayout, models.KindPartialRefund, models.KindFullRefund, models.KindTimeoutRefund:
		return strings.TrimSpace(rec.Kind)
	}
	switch strings.ToLower(strings.TrimSpace(rec.Winner)) {
	case "", "tie":
		return models.KindFullRefund
	case "timeout":
		return models.KindTimeoutRefund
	case "losing_tie":
		return models.KindPartialRefund
	default:
		return models.KindWinnerPayout
	}
}

func IsRefund(kind string) bool {
	switch kind {
	case models.KindPartialRefund, models.KindFullRefund, models.KindTimeoutRefund:
		return true
	default:
		return false
	}
}

func feeBps(kind string, cfg config.PayoutConfig) int64 {
	switch kind {
	case models.KindWinnerPayout:
		return cfg.WinnerFeeBps
	case models.KindPartialRefund:
		return cfg.PartialRefundFeeBps
	case models.KindFullRefund:
		return cfg.FullRefundFeeBps
	case models.KindTimeoutRefund:
		return cfg.TimeoutFeeBps
	default:
		return 0
	}
}

// ComputePayout splits a two-player pot. The fee is taken from the whole pot and
// rounded down; refunds split the remainder evenly between both players.
func ComputePayout(kind string, entryFee decimal.Decimal, cfg config.PayoutConfig) Payout {
	out := Payout{Kind: kind, Recipients: 1}
	if entryFee.IsNegative() {
		entryFee = decimal.Zero
	}
	out.Pot = entryFee.Mul(decimal.NewFromInt(2))
	bps := feeBps(kind, cfg)
	if bps < 0 {
		bps = 0
	}
	if bps > 10_000 {
		bps = 10_000
	}
	out.Fee = out.Pot.Mul(decimal.NewFromInt(bps)).Div(bpsDenominator).RoundDown(amountScale)
	net := out.Pot.Sub(out.Fee)
	if IsRefund(kind) {
		out.Recipients = 2
		out.PerRecipient = net.Div(decimal.NewFromInt(2)).RoundDown(amountScale)
		return out
	}
	out.PerRecipient = net
	return out
}
