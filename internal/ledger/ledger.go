// Package ledger keeps the share accounting of batches: deposits, withdrawals,
// processing and pro-rata settlement. It performs no token movement and no
// venue calls; every operation runs inside a storage.LedgerTx supplied by the caller.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"batch-engine/internal/domain"
	"batch-engine/internal/storage"
)

// Ledger is the batch ledger of one product. Only the controller may mutate it.
type Ledger struct {
	controller common.Address
}

// New creates a Ledger mutable only by controller.
func New(controller common.Address) *Ledger {
	return &Ledger{controller: controller}
}

// Controller returns the single address allowed to mutate the ledger.
func (l *Ledger) Controller() common.Address {
	return l.controller
}

func (l *Ledger) authorize(caller common.Address) error {
	if caller != l.controller {
		return fmt.Errorf("ledger caller %s: %w", caller.Hex(), domain.ErrUnauthorized)
	}
	return nil
}

// loadBatch maps storage.ErrNotFound to domain.ErrInvalidBatch.
func loadBatch(ctx context.Context, tx storage.LedgerTx, id domain.BatchID) (*domain.Batch, error) {
	b, err := tx.GetBatch(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("batch %s: %w", id.Hex(), domain.ErrInvalidBatch)
		}
		return nil, fmt.Errorf("load batch %s: %w", id.Hex(), err)
	}
	return b, nil
}

// OpenBatch inserts a fresh, empty batch.
func (l *Ledger) OpenBatch(ctx context.Context, tx storage.LedgerTx, caller common.Address, b *domain.Batch) error {
	if err := l.authorize(caller); err != nil {
		return err
	}
	if b == nil || !b.Kind.IsValid() {
		return storage.ErrInvalidInput
	}

	fresh := b.Clone()
	fresh.SuppliedTotal = decimal.Zero
	fresh.UnclaimedShares = decimal.Zero
	fresh.ClaimableOutputTotal = decimal.Zero
	fresh.Claimable = false
	fresh.ProcessedAt = 0

	if err := tx.InsertBatch(ctx, fresh); err != nil {
		return fmt.Errorf("open batch %s: %w", b.ID.Hex(), err)
	}
	return nil
}

// Deposit credits amount of shares to account in an open batch.
func (l *Ledger) Deposit(ctx context.Context, tx storage.LedgerTx, caller common.Address, id domain.BatchID, account common.Address, amount decimal.Decimal) (*domain.Batch, error) {
	if err := l.authorize(caller); err != nil {
		return nil, err
	}
	if err := CheckAmount("deposit", amount); err != nil {
		return nil, err
	}

	b, err := loadBatch(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if b.Claimable {
		return nil, fmt.Errorf("deposit into %s: %w", id.Hex(), domain.ErrBatchClosed)
	}

	pos, err := tx.GetPosition(ctx, id, account)
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}

	b.SuppliedTotal = b.SuppliedTotal.Add(amount)
	b.UnclaimedShares = b.UnclaimedShares.Add(amount)

	if err := tx.UpdateBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("update batch: %w", err)
	}
	if err := tx.SetPosition(ctx, id, account, pos.Add(amount)); err != nil {
		return nil, fmt.Errorf("set position: %w", err)
	}
	return b, nil
}

// Withdraw removes amount of shares from account in an open batch. The caller
// returns amount of the batch SourceToken to the recipient.
func (l *Ledger) Withdraw(ctx context.Context, tx storage.LedgerTx, caller common.Address, id domain.BatchID, account common.Address, amount decimal.Decimal) (*domain.Batch, error) {
	if err := l.authorize(caller); err != nil {
		return nil, err
	}
	if err := CheckAmount("withdraw", amount); err != nil {
		return nil, err
	}

	b, err := loadBatch(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if b.Claimable {
		return nil, fmt.Errorf("withdraw from %s: %w", id.Hex(), domain.ErrBatchClosed)
	}

	pos, err := tx.GetPosition(ctx, id, account)
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	if amount.GreaterThan(pos) {
		return nil, fmt.Errorf("withdraw %s of %s: %w", amount, pos, domain.ErrInsufficientBalance)
	}

	b.SuppliedTotal = b.SuppliedTotal.Sub(amount)
	b.UnclaimedShares = b.UnclaimedShares.Sub(amount)

	if err := tx.UpdateBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("update batch: %w", err)
	}
	if err := tx.SetPosition(ctx, id, account, pos.Sub(amount)); err != nil {
		return nil, fmt.Errorf("set position: %w", err)
	}
	return b, nil
}

// MarkProcessed records the conversion output and makes the batch claimable.
// It never succeeds twice for the same batch.
func (l *Ledger) MarkProcessed(ctx context.Context, tx storage.LedgerTx, caller common.Address, id domain.BatchID, output decimal.Decimal, processedAt int64) (*domain.Batch, error) {
	if err := l.authorize(caller); err != nil {
		return nil, err
	}
	if output.IsNegative() || !output.IsInteger() {
		return nil, fmt.Errorf("output %s: %w", output, domain.ErrInvalidAmount)
	}

	b, err := loadBatch(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if b.Claimable {
		return nil, fmt.Errorf("process %s: %w", id.Hex(), domain.ErrAlreadyProcessed)
	}

	b.ClaimableOutputTotal = output
	b.Claimable = true
	b.ProcessedAt = processedAt

	if err := tx.UpdateBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("update batch: %w", err)
	}
	return b, nil
}

// Settle redeems shares of account from a claimable batch and returns the payout
// floor(C * shares / U), computed from the state before mutation.
func (l *Ledger) Settle(ctx context.Context, tx storage.LedgerTx, caller common.Address, id domain.BatchID, account common.Address, shares decimal.Decimal) (decimal.Decimal, *domain.Batch, error) {
	if err := l.authorize(caller); err != nil {
		return decimal.Zero, nil, err
	}
	if err := CheckAmount("settle", shares); err != nil {
		return decimal.Zero, nil, err
	}

	b, err := loadBatch(ctx, tx, id)
	if err != nil {
		return decimal.Zero, nil, err
	}
	if !b.Claimable {
		return decimal.Zero, nil, fmt.Errorf("settle %s: %w", id.Hex(), domain.ErrNotYetClaimable)
	}

	pos, err := tx.GetPosition(ctx, id, account)
	if err != nil {
		return decimal.Zero, nil, fmt.Errorf("get position: %w", err)
	}
	if shares.GreaterThan(pos) {
		return decimal.Zero, nil, fmt.Errorf("settle %s of %s: %w", shares, pos, domain.ErrInsufficientBalance)
	}

	// shares <= pos <= UnclaimedShares, so the divisor is positive
	payout := ProRata(b.ClaimableOutputTotal, shares, b.UnclaimedShares)

	b.UnclaimedShares = b.UnclaimedShares.Sub(shares)
	b.ClaimableOutputTotal = b.ClaimableOutputTotal.Sub(payout)

	if err := tx.UpdateBatch(ctx, b); err != nil {
		return decimal.Zero, nil, fmt.Errorf("update batch: %w", err)
	}
	if err := tx.SetPosition(ctx, id, account, pos.Sub(shares)); err != nil {
		return decimal.Zero, nil, fmt.Errorf("set position: %w", err)
	}
	return payout, b, nil
}

// CheckAmount fails with domain.ErrInvalidAmount unless amount is a positive
// whole number of base units.
func CheckAmount(op string, amount decimal.Decimal) error {
	if !amount.IsPositive() || !amount.IsInteger() {
		return fmt.Errorf("%s %s: %w", op, amount, domain.ErrInvalidAmount)
	}
	return nil
}

// ProRata returns floor(total * part / whole) in integer base units.
// whole must be positive.
func ProRata(total, part, whole decimal.Decimal) decimal.Decimal {
	q, _ := total.Mul(part).QuoRem(whole, 0)
	return q
}
