package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"batch-engine/internal/domain"
	"batch-engine/internal/ledger"
	"batch-engine/internal/observability"
	"batch-engine/internal/storage"
)

// PayoutPolicy decides where a claim's net payout goes.
type PayoutPolicy int

const (
	// PayoutTransfer pushes the payout to the recipient.
	PayoutTransfer PayoutPolicy = iota
	// PayoutStake stakes the payout for the recipient. Mint batches only.
	PayoutStake
)

func (p PayoutPolicy) String() string {
	if p == PayoutStake {
		return "stake"
	}
	return "transfer"
}

// ClaimResult describes a settled claim.
type ClaimResult struct {
	BatchID   domain.BatchID   `json:"batch_id"`
	Kind      domain.BatchKind `json:"kind"`
	Shares    decimal.Decimal  `json:"shares"`
	Payout    decimal.Decimal  `json:"payout"` // before fee
	Fee       decimal.Decimal  `json:"fee"`
	Net       decimal.Decimal  `json:"net"`
	Recipient common.Address   `json:"recipient"`
}

// HotSwapResult describes a hot-swap.
type HotSwapResult struct {
	BatchID domain.BatchID   `json:"batch_id"` // destination batch
	Kind    domain.BatchKind `json:"kind"`
	Amount  decimal.Decimal  `json:"amount"`
}

// Claim settles all of the caller's shares in a processed batch and pushes
// the target token to recipient (the caller if zero). Redeem batch payouts
// carry the redemption fee. Claims are allowed while paused.
func (o *Orchestrator) Claim(ctx context.Context, caller common.Address, id domain.BatchID, recipient common.Address) (*ClaimResult, error) {
	return o.claim(ctx, caller, id, recipient, PayoutTransfer)
}

// ClaimAndStake is Claim with the payout staked for recipient. Only mint
// batches can be staked.
func (o *Orchestrator) ClaimAndStake(ctx context.Context, caller common.Address, id domain.BatchID, recipient common.Address) (*ClaimResult, error) {
	return o.claim(ctx, caller, id, recipient, PayoutStake)
}

func (o *Orchestrator) claim(ctx context.Context, caller common.Address, id domain.BatchID, recipient common.Address, policy PayoutPolicy) (*ClaimResult, error) {
	if recipient == (common.Address{}) {
		recipient = caller
	}
	if policy == PayoutStake && o.staking == nil {
		return nil, o.fail("claim", fmt.Errorf("no staking sink: %w", domain.ErrInvalidConfig))
	}

	var result *ClaimResult
	err := o.store.Atomic(ctx, func(tx storage.LedgerTx) error {
		b, err := loadBatch(ctx, tx, id)
		if err != nil {
			return err
		}
		if policy == PayoutStake && b.Kind != domain.BatchKindMint {
			return fmt.Errorf("stake from %s batch: %w", b.Kind, domain.ErrWrongBatchType)
		}
		if !b.Claimable {
			return fmt.Errorf("claim %s: %w", id.Hex(), domain.ErrNotYetClaimable)
		}

		shares, err := tx.GetPosition(ctx, id, caller)
		if err != nil {
			return fmt.Errorf("get position: %w", err)
		}
		if !shares.IsPositive() {
			return fmt.Errorf("claim %s: no shares: %w", id.Hex(), domain.ErrInsufficientBalance)
		}

		payout, b, err := o.ledger.Settle(ctx, tx, o.self, id, caller, shares)
		if err != nil {
			return err
		}

		fee, net := decimal.Zero, payout
		if b.Kind == domain.BatchKindRedeem {
			fee, net, err = o.fee.Deduct(ctx, tx, payout)
			if err != nil {
				return err
			}
		}

		result = &ClaimResult{
			BatchID:   id,
			Kind:      b.Kind,
			Shares:    shares,
			Payout:    payout,
			Fee:       fee,
			Net:       net,
			Recipient: recipient,
		}
		if !net.IsPositive() {
			return nil
		}
		if policy == PayoutStake {
			return o.staking.Stake(ctx, recipient, net)
		}
		return o.custody.Push(ctx, b.TargetToken, recipient, net)
	})
	if err != nil {
		return nil, o.fail("claim", err)
	}

	observability.RecordClaim(o.product.Name, result.Kind.String(), policy.String(), result.Net)
	if result.Fee.IsPositive() {
		observability.RecordFeeAccrued(o.product.Name, result.Fee)
	}
	o.logger.Info("claim",
		zap.String("batch_id", id.Hex()),
		zap.String("account", caller.Hex()),
		zap.String("policy", policy.String()),
		zap.String("payout", result.Payout.String()),
		zap.String("fee", result.Fee.String()))
	o.publish(ctx, &domain.Event{
		Type:      domain.EventBatchClaimed,
		BatchID:   id,
		Kind:      result.Kind,
		Account:   caller,
		Recipient: recipient,
		Amount:    result.Shares,
		Payout:    result.Net,
		Fee:       result.Fee,
	})
	return result, nil
}

// MoveUnclaimedIntoCurrentBatch settles shares[i] of batchIDs[i] for the
// caller and deposits the summed payout into the current batch of the
// opposite queue: the mint queue if intoMint, else the redeem queue. Source
// batches must be of the other kind. No fee is charged.
func (o *Orchestrator) MoveUnclaimedIntoCurrentBatch(ctx context.Context, caller common.Address, batchIDs []domain.BatchID, shares []decimal.Decimal, intoMint bool) (*HotSwapResult, error) {
	if len(batchIDs) != len(shares) {
		return nil, o.fail("hotswap", fmt.Errorf("%d batches, %d share amounts: %w", len(batchIDs), len(shares), domain.ErrLengthMismatch))
	}
	if len(batchIDs) == 0 {
		return nil, o.fail("hotswap", fmt.Errorf("no batches: %w", domain.ErrInvalidAmount))
	}
	if len(batchIDs) > MaxHotSwapBatches {
		return nil, o.fail("hotswap", fmt.Errorf("%d batches: %w", len(batchIDs), domain.ErrTooManyBatches))
	}
	for _, sh := range shares {
		if err := ledger.CheckAmount("move shares", sh); err != nil {
			return nil, o.fail("hotswap", err)
		}
	}

	dest := domain.BatchKindRedeem
	if intoMint {
		dest = domain.BatchKindMint
	}
	sourceKind := dest.Opposite()

	var result *HotSwapResult
	err := o.store.Atomic(ctx, func(tx storage.LedgerTx) error {
		if err := o.requireNotPaused(ctx, tx); err != nil {
			return err
		}
		// Sources are locked in id order, then the destination pointer, then
		// the destination batch.
		for _, id := range sortedUnique(batchIDs) {
			b, err := loadBatch(ctx, tx, id)
			if err != nil {
				return err
			}
			if b.Kind != sourceKind {
				return fmt.Errorf("move %s batch into %s: %w", b.Kind, dest, domain.ErrWrongBatchType)
			}
		}

		total := decimal.Zero
		for i, id := range batchIDs {
			payout, _, err := o.ledger.Settle(ctx, tx, o.self, id, caller, shares[i])
			if err != nil {
				return err
			}
			total = total.Add(payout)
		}

		current, err := tx.GetCurrentBatchID(ctx, dest)
		if err != nil {
			return fmt.Errorf("current %s batch: %w", dest, err)
		}
		if _, err := o.ledger.Deposit(ctx, tx, o.self, current, caller, total); err != nil {
			return err
		}
		if err := o.recordHistory(ctx, tx, caller, current); err != nil {
			return err
		}

		result = &HotSwapResult{BatchID: current, Kind: dest, Amount: total}
		return nil
	})
	if err != nil {
		return nil, o.fail("hotswap", err)
	}

	observability.RecordHotSwap(o.product.Name, dest.String())
	o.logger.Info("hot-swap",
		zap.String("account", caller.Hex()),
		zap.String("batch_id", result.BatchID.Hex()),
		zap.Int("sources", len(batchIDs)),
		zap.String("amount", result.Amount.String()))

	ids := make([]domain.BatchID, len(batchIDs))
	copy(ids, batchIDs)
	o.publish(ctx, &domain.Event{
		Type:     domain.EventUnclaimedMoved,
		BatchID:  result.BatchID,
		Kind:     dest,
		Account:  caller,
		Amount:   result.Amount,
		BatchIDs: ids,
	})
	return result, nil
}

func sortedUnique(ids []domain.BatchID) []domain.BatchID {
	out := make([]domain.BatchID, 0, len(ids))
	seen := make(map[domain.BatchID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}
