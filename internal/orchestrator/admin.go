package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"batch-engine/internal/access"
	"batch-engine/internal/domain"
	"batch-engine/internal/storage"
)

// Reconfigure replaces the processing thresholds and slippage tolerances of
// every engine sharing the store. The pause flag is left as is.
// Requires access.RoleAdmin.
func (o *Orchestrator) Reconfigure(ctx context.Context, caller common.Address, cfg Config) error {
	if err := o.requireRole(ctx, access.RoleAdmin, caller); err != nil {
		return o.fail("reconfigure", err)
	}
	if err := cfg.Validate(); err != nil {
		return o.fail("reconfigure", err)
	}

	err := o.store.Atomic(ctx, func(tx storage.LedgerTx) error {
		paused, err := o.lockPaused(ctx, tx)
		if err != nil {
			return err
		}
		return tx.SetEngineSettings(ctx, cfg.settings(paused))
	})
	if err != nil {
		return o.fail("reconfigure", err)
	}

	o.logger.Info("config updated",
		zap.Duration("mint_cooldown", cfg.MintThresholds.Cooldown),
		zap.String("mint_threshold", cfg.MintThresholds.EarlyThreshold.String()),
		zap.Uint32("mint_slippage_bps", cfg.MintSlippage.Bps),
		zap.Duration("redeem_cooldown", cfg.RedeemThresholds.Cooldown),
		zap.String("redeem_threshold", cfg.RedeemThresholds.EarlyThreshold.String()),
		zap.Uint32("redeem_slippage_bps", cfg.RedeemSlippage.Bps))
	o.publish(ctx, &domain.Event{Type: domain.EventConfigUpdated, Account: caller})
	return nil
}

// Pause halts deposits, processing and hot-swaps on every engine sharing the
// store. Requires access.RoleAdmin.
func (o *Orchestrator) Pause(ctx context.Context, caller common.Address) error {
	return o.setPaused(ctx, caller, true)
}

// Unpause lifts Pause. Requires access.RoleAdmin.
func (o *Orchestrator) Unpause(ctx context.Context, caller common.Address) error {
	return o.setPaused(ctx, caller, false)
}

func (o *Orchestrator) setPaused(ctx context.Context, caller common.Address, paused bool) error {
	if err := o.requireRole(ctx, access.RoleAdmin, caller); err != nil {
		return o.fail("pause", err)
	}

	var changed bool
	err := o.store.Atomic(ctx, func(tx storage.LedgerTx) error {
		s, err := tx.LockEngineSettings(ctx)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("get engine settings: %w", err)
			}
			s = o.defaults.settings(false)
		}
		changed = s.Paused != paused
		if !changed {
			return nil
		}
		s.Paused = paused
		return tx.SetEngineSettings(ctx, s)
	})
	if err != nil {
		return o.fail("pause", err)
	}
	if !changed {
		return nil
	}

	typ := domain.EventUnpaused
	if paused {
		typ = domain.EventPaused
	}
	o.logger.Warn("pause state changed", zap.Bool("paused", paused), zap.String("by", caller.Hex()))
	o.publish(ctx, &domain.Event{Type: typ, Account: caller})
	return nil
}

// lockPaused locks the settings row and returns the stored pause flag.
func (o *Orchestrator) lockPaused(ctx context.Context, tx storage.LedgerTx) (bool, error) {
	s, err := tx.LockEngineSettings(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get engine settings: %w", err)
	}
	return s.Paused, nil
}
