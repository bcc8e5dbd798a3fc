package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// BpsDenominator is the basis-point scale (100% == 10000).
const BpsDenominator = 10000

// MaxRedemptionFeeBps is the hard ceiling on the redemption fee (1%).
const MaxRedemptionFeeBps = 100

// ProcessingThresholds gate when a batch of one direction may be processed.
type ProcessingThresholds struct {
	Cooldown       time.Duration   `json:"cooldown"`        // minimum age of the batch
	EarlyThreshold decimal.Decimal `json:"early_threshold"` // supplied amount that allows processing before cooldown
}

// Slippage is the maximum tolerated shortfall of conversion output, in basis points.
type Slippage struct {
	Bps uint32 `json:"bps"`
}

// FeeState is the redemption fee configuration and its accumulator.
// Corresponds to fee_state table in PostgreSQL.
type FeeState struct {
	RateBps     uint32          `json:"rate_bps"`
	Recipient   common.Address  `json:"recipient"`
	Accumulated decimal.Decimal `json:"accumulated"`
}

// Clone returns a copy.
func (f *FeeState) Clone() *FeeState {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

// Configured reports whether a non-zero fee applies.
func (f *FeeState) Configured() bool {
	return f != nil && f.RateBps > 0
}

// EngineSettings are the processing parameters and pause flag of one product.
// Every process serving the product reads them from the ledger, so a pause or
// reconfiguration applies to all of them at once.
// Corresponds to engine_settings table in PostgreSQL.
type EngineSettings struct {
	Paused           bool                 `json:"paused"`
	MintThresholds   ProcessingThresholds `json:"mint_thresholds"`
	RedeemThresholds ProcessingThresholds `json:"redeem_thresholds"`
	MintSlippage     Slippage             `json:"mint_slippage"`
	RedeemSlippage   Slippage             `json:"redeem_slippage"`
}

// Clone returns a copy.
func (s *EngineSettings) Clone() *EngineSettings {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
