package api

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"batch-engine/internal/domain"
	"batch-engine/internal/orchestrator"
)

// BatchResponse is the wire form of a batch.
type BatchResponse struct {
	ID                   domain.BatchID   `json:"id"`
	Kind                 domain.BatchKind `json:"kind"`
	Sequence             uint64           `json:"sequence"`
	SourceToken          common.Address   `json:"source_token"`
	TargetToken          common.Address   `json:"target_token"`
	SuppliedTotal        decimal.Decimal  `json:"supplied_total"`
	UnclaimedShares      decimal.Decimal  `json:"unclaimed_shares"`
	ClaimableOutputTotal decimal.Decimal  `json:"claimable_output_total"`
	Claimable            bool             `json:"claimable"`
	CreatedAt            int64            `json:"created_at"`
	ProcessedAt          int64            `json:"processed_at,omitempty"`
}

func toBatchResponse(b *domain.Batch) BatchResponse {
	return BatchResponse{
		ID:                   b.ID,
		Kind:                 b.Kind,
		Sequence:             b.Sequence,
		SourceToken:          b.SourceToken,
		TargetToken:          b.TargetToken,
		SuppliedTotal:        b.SuppliedTotal,
		UnclaimedShares:      b.UnclaimedShares,
		ClaimableOutputTotal: b.ClaimableOutputTotal,
		Claimable:            b.Claimable,
		CreatedAt:            b.CreatedAt,
		ProcessedAt:          b.ProcessedAt,
	}
}

type DepositRequest struct {
	Kind       string          `json:"kind" binding:"required"`
	Amount     decimal.Decimal `json:"amount"`
	OnBehalfOf *common.Address `json:"on_behalf_of,omitempty"`
}

// WithdrawRequest withdraws the caller's own shares, or Owner's when set.
type WithdrawRequest struct {
	BatchID   domain.BatchID  `json:"batch_id"`
	Amount    decimal.Decimal `json:"amount"`
	Recipient *common.Address `json:"recipient,omitempty"`
	Owner     *common.Address `json:"owner,omitempty"`
}

// ProcessRequest processes the current batch of Kind, or BatchID when set.
type ProcessRequest struct {
	Kind    string          `json:"kind"`
	BatchID *domain.BatchID `json:"batch_id,omitempty"`
}

type ClaimRequest struct {
	BatchID   domain.BatchID  `json:"batch_id"`
	Recipient *common.Address `json:"recipient,omitempty"`
	Stake     bool            `json:"stake"`
}

type HotSwapRequest struct {
	BatchIDs []domain.BatchID  `json:"batch_ids"`
	Shares   []decimal.Decimal `json:"shares"`
	IntoMint bool              `json:"into_mint"`
}

// HotSwapPlanRequest asks for the batches and shares that move Target into
// the mint queue (IntoMint) or the redeem queue.
type HotSwapPlanRequest struct {
	Target   decimal.Decimal `json:"target"`
	IntoMint bool            `json:"into_mint"`
}

// KindConfigDTO carries one direction's processing parameters.
type KindConfigDTO struct {
	CooldownSeconds int64           `json:"cooldown_seconds"`
	EarlyThreshold  decimal.Decimal `json:"early_threshold"`
	SlippageBps     uint32          `json:"slippage_bps"`
}

type ConfigDTO struct {
	Mint   KindConfigDTO `json:"mint"`
	Redeem KindConfigDTO `json:"redeem"`
	Paused bool          `json:"paused"`
}

func toConfigDTO(cfg orchestrator.Config, paused bool) ConfigDTO {
	return ConfigDTO{
		Mint: KindConfigDTO{
			CooldownSeconds: int64(cfg.MintThresholds.Cooldown / time.Second),
			EarlyThreshold:  cfg.MintThresholds.EarlyThreshold,
			SlippageBps:     cfg.MintSlippage.Bps,
		},
		Redeem: KindConfigDTO{
			CooldownSeconds: int64(cfg.RedeemThresholds.Cooldown / time.Second),
			EarlyThreshold:  cfg.RedeemThresholds.EarlyThreshold,
			SlippageBps:     cfg.RedeemSlippage.Bps,
		},
		Paused: paused,
	}
}

func (d ConfigDTO) toConfig() orchestrator.Config {
	return orchestrator.Config{
		MintThresholds: domain.ProcessingThresholds{
			Cooldown:       time.Duration(d.Mint.CooldownSeconds) * time.Second,
			EarlyThreshold: d.Mint.EarlyThreshold,
		},
		RedeemThresholds: domain.ProcessingThresholds{
			Cooldown:       time.Duration(d.Redeem.CooldownSeconds) * time.Second,
			EarlyThreshold: d.Redeem.EarlyThreshold,
		},
		MintSlippage:   domain.Slippage{Bps: d.Mint.SlippageBps},
		RedeemSlippage: domain.Slippage{Bps: d.Redeem.SlippageBps},
	}
}

type FeeRequest struct {
	RateBps   uint32         `json:"rate_bps"`
	Recipient common.Address `json:"recipient"`
}

type PositionResponse struct {
	BatchID domain.BatchID  `json:"batch_id"`
	Account common.Address  `json:"account"`
	Shares  decimal.Decimal `json:"shares"`
}

type EligibilityResponse struct {
	BatchID        domain.BatchID  `json:"batch_id"`
	Supplied       decimal.Decimal `json:"supplied"`
	ElapsedSeconds int64           `json:"elapsed_seconds"`
	Eligible       bool            `json:"eligible"`
}

func addressOrZero(a *common.Address) common.Address {
	if a == nil {
		return common.Address{}
	}
	return *a
}
