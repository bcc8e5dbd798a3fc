package orchestrator

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"batch-engine/internal/access"
	"batch-engine/internal/domain"
	"batch-engine/internal/ledger"
	"batch-engine/internal/observability"
	"batch-engine/internal/storage"
)

// DepositForMint deposits amount of the stable token into the current mint
// batch on behalf of onBehalfOf (the caller if zero).
func (o *Orchestrator) DepositForMint(ctx context.Context, caller common.Address, amount decimal.Decimal, onBehalfOf common.Address) (*domain.Batch, error) {
	return o.deposit(ctx, caller, domain.BatchKindMint, amount, onBehalfOf)
}

// DepositForRedeem deposits amount of the index token into the current
// redeem batch on behalf of onBehalfOf (the caller if zero).
func (o *Orchestrator) DepositForRedeem(ctx context.Context, caller common.Address, amount decimal.Decimal, onBehalfOf common.Address) (*domain.Batch, error) {
	return o.deposit(ctx, caller, domain.BatchKindRedeem, amount, onBehalfOf)
}

func (o *Orchestrator) deposit(ctx context.Context, caller common.Address, kind domain.BatchKind, amount decimal.Decimal, onBehalfOf common.Address) (*domain.Batch, error) {
	if err := ledger.CheckAmount("deposit", amount); err != nil {
		return nil, o.fail("deposit", err)
	}
	if onBehalfOf == (common.Address{}) {
		onBehalfOf = caller
	}

	var batch *domain.Batch
	err := o.store.Atomic(ctx, func(tx storage.LedgerTx) error {
		if err := o.requireNotPaused(ctx, tx); err != nil {
			return err
		}
		id, err := tx.GetCurrentBatchID(ctx, kind)
		if err != nil {
			return fmt.Errorf("current %s batch: %w", kind, err)
		}
		batch, err = o.ledger.Deposit(ctx, tx, o.self, id, onBehalfOf, amount)
		if err != nil {
			return err
		}
		if err := o.recordHistory(ctx, tx, onBehalfOf, id); err != nil {
			return err
		}
		return o.custody.Pull(ctx, batch.SourceToken, caller, amount)
	})
	if err != nil {
		return nil, o.fail("deposit", err)
	}

	observability.RecordDeposit(o.product.Name, kind.String(), amount)
	observability.UpdateOpenBatch(o.product.Name, kind.String(), batch.SuppliedTotal)
	o.logger.Info("deposit",
		zap.String("batch_id", batch.ID.Hex()),
		zap.String("kind", kind.String()),
		zap.String("account", onBehalfOf.Hex()),
		zap.String("amount", amount.String()))
	o.publish(ctx, &domain.Event{
		Type:    domain.EventBatchDeposited,
		BatchID: batch.ID,
		Kind:    kind,
		Account: onBehalfOf,
		Amount:  amount,
	})
	return batch, nil
}

// WithdrawFromBatch returns amount of the caller's shares in an open batch
// as source token to recipient (the caller if zero).
func (o *Orchestrator) WithdrawFromBatch(ctx context.Context, caller common.Address, id domain.BatchID, amount decimal.Decimal, recipient common.Address) (*domain.Batch, error) {
	return o.WithdrawFromBatchFor(ctx, caller, id, amount, recipient, caller)
}

// WithdrawFromBatchFor withdraws from owner's position. The caller must be
// the owner or hold access.RoleZapper, and recipient must be the caller or
// the owner. Withdrawals are allowed while paused.
func (o *Orchestrator) WithdrawFromBatchFor(ctx context.Context, caller common.Address, id domain.BatchID, amount decimal.Decimal, recipient, owner common.Address) (*domain.Batch, error) {
	if err := ledger.CheckAmount("withdraw", amount); err != nil {
		return nil, o.fail("withdraw", err)
	}
	if recipient == (common.Address{}) {
		recipient = caller
	}
	if caller != owner && !o.authorizer.HasRole(ctx, access.RoleZapper, caller) {
		return nil, o.fail("withdraw", fmt.Errorf("%s withdrawing for %s: %w", caller.Hex(), owner.Hex(), domain.ErrNotAllowed))
	}
	if recipient != caller && recipient != owner {
		return nil, o.fail("withdraw", fmt.Errorf("recipient %s: %w", recipient.Hex(), domain.ErrNotAllowed))
	}

	var batch *domain.Batch
	err := o.store.Atomic(ctx, func(tx storage.LedgerTx) error {
		var err error
		batch, err = o.ledger.Withdraw(ctx, tx, o.self, id, owner, amount)
		if err != nil {
			return err
		}
		return o.custody.Push(ctx, batch.SourceToken, recipient, amount)
	})
	if err != nil {
		return nil, o.fail("withdraw", err)
	}

	observability.RecordWithdrawal(o.product.Name, batch.Kind.String())
	o.logger.Info("withdraw",
		zap.String("batch_id", id.Hex()),
		zap.String("owner", owner.Hex()),
		zap.String("recipient", recipient.Hex()),
		zap.String("amount", amount.String()))
	o.publish(ctx, &domain.Event{
		Type:      domain.EventBatchWithdrawn,
		BatchID:   id,
		Kind:      batch.Kind,
		Account:   owner,
		Recipient: recipient,
		Amount:    amount,
	})
	return batch, nil
}
