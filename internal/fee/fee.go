// Package fee implements the basis-point redemption fee: it is withheld from
// claim payouts into an accumulator that can be swept to the fee recipient.
package fee

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"batch-engine/internal/access"
	"batch-engine/internal/custody"
	"batch-engine/internal/domain"
	"batch-engine/internal/events"
	"batch-engine/internal/observability"
	"batch-engine/internal/storage"
)

// Options configures a Module.
type Options struct {
	Product    string
	Token      common.Address // token fees are withheld in
	Store      storage.LedgerStore
	Custody    custody.Custody
	Authorizer access.Authorizer
	Publisher  events.Publisher
	Logger     *zap.Logger
	Now        func() time.Time
}

// Module manages the fee configuration and accumulator of one product.
type Module struct {
	opts   Options
	logger *zap.Logger
}

// New creates a fee Module.
func New(opts Options) *Module {
	if opts.Publisher == nil {
		opts.Publisher = events.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Module{opts: opts, logger: opts.Logger.Named("fee")}
}

// Token returns the token fees are withheld in.
func (m *Module) Token() common.Address {
	return m.opts.Token
}

// State returns the fee configuration and accumulator.
func (m *Module) State(ctx context.Context) (*domain.FeeState, error) {
	var st *domain.FeeState
	err := m.opts.Store.View(ctx, func(tx storage.LedgerTx) error {
		var err error
		st, err = tx.GetFeeState(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get fee state: %w", err)
	}
	return st, nil
}

// SetRedemptionFee replaces rate and recipient. The accumulator is kept.
func (m *Module) SetRedemptionFee(ctx context.Context, caller common.Address, rateBps uint32, recipient common.Address) (*domain.FeeState, error) {
	if !m.opts.Authorizer.HasRole(ctx, access.RoleAdmin, caller) {
		return nil, fmt.Errorf("set fee by %s: %w", caller.Hex(), domain.ErrUnauthorized)
	}
	if rateBps > domain.MaxRedemptionFeeBps {
		return nil, fmt.Errorf("fee %d bps: %w", rateBps, domain.ErrFeeTooHigh)
	}
	if rateBps > 0 && recipient == (common.Address{}) {
		return nil, fmt.Errorf("fee recipient unset: %w", domain.ErrInvalidConfig)
	}

	var st *domain.FeeState
	err := m.opts.Store.Atomic(ctx, func(tx storage.LedgerTx) error {
		cur, err := tx.GetFeeState(ctx)
		if err != nil {
			return err
		}
		cur.RateBps = rateBps
		cur.Recipient = recipient
		st = cur
		return tx.SetFeeState(ctx, cur)
	})
	if err != nil {
		return nil, fmt.Errorf("set fee state: %w", err)
	}

	m.logger.Info("redemption fee updated",
		zap.Uint32("rate_bps", rateBps),
		zap.String("recipient", recipient.Hex()))
	m.publish(ctx, &domain.Event{
		Type:      domain.EventFeeUpdated,
		Account:   caller,
		Recipient: recipient,
		Amount:    decimal.NewFromInt(int64(rateBps)),
	})
	return st, nil
}

// Bootstrap sets rate and recipient only if no fee has ever been configured.
// It reports whether the state was written. Used to seed the fee from
// startup configuration without an admin caller.
func (m *Module) Bootstrap(ctx context.Context, rateBps uint32, recipient common.Address) (bool, error) {
	if rateBps > domain.MaxRedemptionFeeBps {
		return false, fmt.Errorf("fee %d bps: %w", rateBps, domain.ErrFeeTooHigh)
	}
	if rateBps > 0 && recipient == (common.Address{}) {
		return false, fmt.Errorf("fee recipient unset: %w", domain.ErrInvalidConfig)
	}

	written := false
	err := m.opts.Store.Atomic(ctx, func(tx storage.LedgerTx) error {
		cur, err := tx.GetFeeState(ctx)
		if err != nil {
			return err
		}
		if cur.RateBps != 0 || cur.Recipient != (common.Address{}) {
			return nil
		}
		cur.RateBps = rateBps
		cur.Recipient = recipient
		written = true
		return tx.SetFeeState(ctx, cur)
	})
	if err != nil {
		return false, fmt.Errorf("bootstrap fee state: %w", err)
	}
	if written {
		m.logger.Info("redemption fee bootstrapped", zap.Uint32("rate_bps", rateBps), zap.String("recipient", recipient.Hex()))
	}
	return written, nil
}

// Deduct withholds floor(payout * rate / 10000) from payout into the
// accumulator and returns fee and net. It must run inside the claim's
// transaction. An unconfigured fee returns (0, payout).
func (m *Module) Deduct(ctx context.Context, tx storage.LedgerTx, payout decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	st, err := tx.GetFeeState(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("get fee state: %w", err)
	}
	if !st.Configured() || !payout.IsPositive() {
		return decimal.Zero, payout, nil
	}

	fee := Compute(payout, st.RateBps)
	if fee.IsZero() {
		return decimal.Zero, payout, nil
	}

	st.Accumulated = st.Accumulated.Add(fee)
	if err := tx.SetFeeState(ctx, st); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("set fee state: %w", err)
	}
	return fee, payout.Sub(fee), nil
}

// Sweep pushes the accumulator to the fee recipient and zeroes it. The
// payout always goes to the configured recipient, so any caller may sweep.
// A zero accumulator is a no-op.
func (m *Module) Sweep(ctx context.Context, caller common.Address) (decimal.Decimal, error) {
	var (
		swept     decimal.Decimal
		recipient common.Address
	)
	err := m.opts.Store.Atomic(ctx, func(tx storage.LedgerTx) error {
		st, err := tx.GetFeeState(ctx)
		if err != nil {
			return err
		}
		if !st.Accumulated.IsPositive() {
			return nil
		}
		if st.Recipient == (common.Address{}) {
			return fmt.Errorf("fee recipient unset: %w", domain.ErrInvalidConfig)
		}

		swept = st.Accumulated
		recipient = st.Recipient
		st.Accumulated = decimal.Zero
		if err := tx.SetFeeState(ctx, st); err != nil {
			return err
		}
		return m.opts.Custody.Push(ctx, m.opts.Token, recipient, swept)
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("sweep fee: %w", err)
	}
	if swept.IsZero() {
		return decimal.Zero, nil
	}

	observability.RecordFeeSwept(m.opts.Product, swept)
	m.logger.Info("fee swept",
		zap.String("amount", swept.String()),
		zap.String("recipient", recipient.Hex()))
	m.publish(ctx, &domain.Event{
		Type:      domain.EventFeeSwept,
		Account:   caller,
		Recipient: recipient,
		Amount:    swept,
	})
	return swept, nil
}

// Compute returns floor(amount * rateBps / 10000).
func Compute(amount decimal.Decimal, rateBps uint32) decimal.Decimal {
	q, _ := amount.Mul(decimal.NewFromInt(int64(rateBps))).QuoRem(decimal.NewFromInt(domain.BpsDenominator), 0)
	return q
}

func (m *Module) publish(ctx context.Context, e *domain.Event) {
	e.Product = m.opts.Product
	e.Timestamp = m.opts.Now().UnixMilli()
	events.Stamp(e)
	if err := m.opts.Publisher.Publish(ctx, e); err != nil {
		observability.RecordEventPublishError(m.opts.Product)
		m.logger.Warn("publish event", zap.String("type", string(e.Type)), zap.Error(err))
		return
	}
	observability.RecordEventsPublished(string(e.Type))
}
