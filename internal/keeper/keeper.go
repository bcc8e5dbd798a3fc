// Package keeper processes batches on a schedule once they become eligible.
// Failed attempts are not retried within a tick; the next tick tries again.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"batch-engine/internal/domain"
	"batch-engine/internal/lock"
	"batch-engine/internal/observability"
	"batch-engine/internal/orchestrator"
)

// Processor is the part of the orchestrator the keeper drives.
type Processor interface {
	Product() orchestrator.Product
	Eligibility(ctx context.Context, kind domain.BatchKind) (*orchestrator.Eligibility, error)
	Process(ctx context.Context, caller common.Address, kind domain.BatchKind) (*orchestrator.ProcessResult, error)
}

// Options for creating Keeper.
type Options struct {
	Processor Processor
	Locker    lock.Locker
	Caller    common.Address // must hold access.RoleKeeper
	Interval  time.Duration
	LockTTL   time.Duration
	Kinds     []domain.BatchKind // defaults to both kinds
	Logger    *zap.Logger
}

// Keeper runs process attempts for one product.
type Keeper struct {
	processor Processor
	locker    lock.Locker
	caller    common.Address
	interval  time.Duration
	lockTTL   time.Duration
	kinds     []domain.BatchKind
	logger    *zap.Logger
}

// New creates a new Keeper.
func New(opts Options) *Keeper {
	if opts.Locker == nil {
		opts.Locker = lock.NewLocal()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * opts.Interval
	}
	if len(opts.Kinds) == 0 {
		opts.Kinds = []domain.BatchKind{domain.BatchKindMint, domain.BatchKindRedeem}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Keeper{
		processor: opts.Processor,
		locker:    opts.Locker,
		caller:    opts.Caller,
		interval:  opts.Interval,
		lockTTL:   opts.LockTTL,
		kinds:     opts.Kinds,
		logger:    opts.Logger.Named("keeper"),
	}
}

// TickResult summarizes one tick.
type TickResult struct {
	Processed []*orchestrator.ProcessResult
	Skipped   []domain.BatchKind // not eligible or locked by another replica
	Errors    []string
}

// Run ticks until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	k.logger.Info("keeper started", zap.Duration("interval", k.interval))
	for {
		select {
		case <-ctx.Done():
			k.logger.Info("keeper stopped")
			return nil
		case <-ticker.C:
			k.Tick(ctx)
		}
	}
}

// Tick attempts to process the current batch of every configured kind.
func (k *Keeper) Tick(ctx context.Context) *TickResult {
	observability.RecordKeeperTick()
	result := &TickResult{}

	for _, kind := range k.kinds {
		res, err := k.processKind(ctx, kind)
		switch {
		case err != nil:
			k.logger.Warn("process attempt failed", zap.String("kind", kind.String()), zap.Error(err))
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", kind, err))
		case res == nil:
			result.Skipped = append(result.Skipped, kind)
		default:
			result.Processed = append(result.Processed, res)
		}
	}
	return result
}

// processKind returns (nil, nil) when there is nothing to do.
func (k *Keeper) processKind(ctx context.Context, kind domain.BatchKind) (*orchestrator.ProcessResult, error) {
	key := fmt.Sprintf("process:%s:%s", k.processor.Product().Name, kind)

	var res *orchestrator.ProcessResult
	err := lock.WithLock(ctx, k.locker, key, k.lockTTL, func(ctx context.Context) error {
		el, err := k.processor.Eligibility(ctx, kind)
		if err != nil {
			return err
		}
		if !el.Eligible {
			k.logger.Debug("not eligible",
				zap.String("kind", kind.String()),
				zap.String("supplied", el.Supplied.String()),
				zap.Duration("elapsed", el.Elapsed))
			return nil
		}

		res, err = k.processor.Process(ctx, k.caller, kind)
		return err
	})
	switch {
	case errors.Is(err, lock.ErrNotAcquired):
		return nil, nil
	case errors.Is(err, domain.ErrTooEarly), errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, domain.ErrPaused):
		// raced with a withdrawal or a pause since the eligibility check
		return nil, nil
	case err != nil:
		return nil, err
	}
	return res, nil
}
