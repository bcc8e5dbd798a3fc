package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"batch-engine/internal/access"
	"batch-engine/internal/domain"
	"batch-engine/internal/observability"
	"batch-engine/internal/storage"
)

// ProcessResult describes a processed batch.
type ProcessResult struct {
	BatchID     domain.BatchID   `json:"batch_id"`
	Kind        domain.BatchKind `json:"kind"`
	Supplied    decimal.Decimal  `json:"supplied"`
	Expected    decimal.Decimal  `json:"expected"`
	Output      decimal.Decimal  `json:"output"`
	NextBatchID domain.BatchID   `json:"next_batch_id"`
}

// Eligibility reports whether the current batch of a kind may be processed.
type Eligibility struct {
	BatchID  domain.BatchID  `json:"batch_id"`
	Supplied decimal.Decimal `json:"supplied"`
	Elapsed  time.Duration   `json:"elapsed"`
	Eligible bool            `json:"eligible"`
}

// eligible is elapsed >= cooldown or supplied >= early threshold.
func eligible(b *domain.Batch, th domain.ProcessingThresholds, nowMs int64) bool {
	elapsed := time.Duration(nowMs-b.CreatedAt) * time.Millisecond
	return elapsed >= th.Cooldown || b.SuppliedTotal.GreaterThanOrEqual(th.EarlyThreshold)
}

// minOutput is floor(expected * (10000 - bps) / 10000).
func minOutput(expected decimal.Decimal, bps uint32) decimal.Decimal {
	keep := decimal.NewFromInt(int64(domain.BpsDenominator) - int64(bps))
	q, _ := expected.Mul(keep).QuoRem(decimal.NewFromInt(domain.BpsDenominator), 0)
	return q
}

// Eligibility checks the current batch of kind without processing it. Empty
// batches are never eligible.
func (o *Orchestrator) Eligibility(ctx context.Context, kind domain.BatchKind) (*Eligibility, error) {
	nowMs := o.now().UnixMilli()

	var el *Eligibility
	err := o.store.View(ctx, func(tx storage.LedgerTx) error {
		s, err := o.settings(ctx, tx)
		if err != nil {
			return err
		}
		id, err := tx.GetCurrentBatchID(ctx, kind)
		if err != nil {
			return fmt.Errorf("current %s batch: %w", kind, err)
		}
		b, err := loadBatch(ctx, tx, id)
		if err != nil {
			return err
		}
		el = &Eligibility{
			BatchID:  id,
			Supplied: b.SuppliedTotal,
			Elapsed:  time.Duration(nowMs-b.CreatedAt) * time.Millisecond,
			Eligible: b.SuppliedTotal.IsPositive() && eligible(b, configOf(s).Thresholds(kind), nowMs),
		}
		return nil
	})
	return el, err
}

// Process converts the current batch of kind. Requires access.RoleKeeper.
func (o *Orchestrator) Process(ctx context.Context, caller common.Address, kind domain.BatchKind) (*ProcessResult, error) {
	if !kind.IsValid() {
		return nil, o.fail("process", fmt.Errorf("kind %q: %w", kind, domain.ErrWrongBatchType))
	}
	return o.process(ctx, caller, kind, nil)
}

// ProcessBatch converts batch id, which must still be the current batch of
// its kind; otherwise it fails with domain.ErrAlreadyProcessed. The venue is
// called with the batch locked and before any ledger write, so a venue error
// or slippage violation leaves the ledger untouched. On success the batch
// becomes claimable and a fresh batch of the same kind becomes current.
func (o *Orchestrator) ProcessBatch(ctx context.Context, caller common.Address, id domain.BatchID) (*ProcessResult, error) {
	if err := o.requireRole(ctx, access.RoleKeeper, caller); err != nil {
		return nil, o.fail("process", err)
	}
	b, err := o.GetBatch(ctx, id)
	if err != nil {
		return nil, o.fail("process", err)
	}
	return o.process(ctx, caller, b.Kind, &id)
}

// process converts the current batch of kind, or fails if want is set and is
// no longer current. The pointer of kind is locked before the batch row, the
// order deposits and hot-swaps take them in.
func (o *Orchestrator) process(ctx context.Context, caller common.Address, kind domain.BatchKind, want *domain.BatchID) (*ProcessResult, error) {
	if err := o.requireRole(ctx, access.RoleKeeper, caller); err != nil {
		return nil, o.fail("process", err)
	}

	var (
		id     domain.BatchID
		result *ProcessResult
		next   *domain.Batch
	)
	if want != nil {
		id = *want
	}
	err := o.store.Atomic(ctx, func(tx storage.LedgerTx) error {
		s, err := o.settings(ctx, tx)
		if err != nil {
			return err
		}
		if s.Paused {
			return domain.ErrPaused
		}
		cfg := configOf(s)

		current, err := tx.GetCurrentBatchID(ctx, kind)
		if err != nil {
			return fmt.Errorf("current %s batch: %w", kind, err)
		}
		if want != nil && current != *want {
			return fmt.Errorf("process %s, current is %s: %w", want.Hex(), current.Hex(), domain.ErrAlreadyProcessed)
		}
		id = current

		b, err := loadBatch(ctx, tx, id)
		if err != nil {
			return err
		}
		if b.Claimable {
			return fmt.Errorf("process %s: %w", id.Hex(), domain.ErrAlreadyProcessed)
		}
		if !b.SuppliedTotal.IsPositive() {
			return fmt.Errorf("process empty batch %s: %w", id.Hex(), domain.ErrInvalidAmount)
		}

		nowMs := o.now().UnixMilli()
		if !eligible(b, cfg.Thresholds(b.Kind), nowMs) {
			return fmt.Errorf("process %s: %w", id.Hex(), domain.ErrTooEarly)
		}

		expected, err := o.oracle.ExpectedOutput(ctx, b.SourceToken, b.TargetToken, b.SuppliedTotal)
		if err != nil {
			return fmt.Errorf("expected output: %w", err)
		}

		start := time.Now()
		actual, err := o.adapter.Convert(ctx, b.SourceToken, b.TargetToken, b.SuppliedTotal)
		observability.RecordConversionLatency(o.product.Name, b.Kind.String(), time.Since(start).Seconds())
		if err != nil {
			return fmt.Errorf("convert: %w", err)
		}

		floor := minOutput(expected, cfg.Slippage(b.Kind).Bps)
		if actual.LessThan(floor) {
			return fmt.Errorf("output %s below %s (expected %s): %w", actual, floor, expected, domain.ErrSlippageExceeded)
		}

		if _, err := o.ledger.MarkProcessed(ctx, tx, o.self, id, actual, nowMs); err != nil {
			return err
		}
		next, err = o.openBatch(ctx, tx, b.Kind)
		if err != nil {
			return err
		}

		result = &ProcessResult{
			BatchID:     id,
			Kind:        b.Kind,
			Supplied:    b.SuppliedTotal,
			Expected:    expected,
			Output:      actual,
			NextBatchID: next.ID,
		}
		return nil
	})
	if err != nil {
		o.recordProcessFailure(id, kind, err)
		return nil, o.fail("process", err)
	}

	observability.RecordProcess(o.product.Name, kind.String(), "success")
	observability.RecordProcessSuccess(o.product.Name, kind.String(), o.now().Unix())
	observability.UpdateOpenBatch(o.product.Name, kind.String(), decimal.Zero)
	o.logger.Info("batch processed",
		zap.String("batch_id", id.Hex()),
		zap.String("kind", kind.String()),
		zap.String("supplied", result.Supplied.String()),
		zap.String("expected", result.Expected.String()),
		zap.String("output", result.Output.String()),
		zap.String("next_batch_id", next.ID.Hex()))
	o.publish(ctx,
		&domain.Event{
			Type:    domain.EventBatchProcessed,
			BatchID: id,
			Kind:    result.Kind,
			Account: caller,
			Amount:  result.Supplied,
			Payout:  result.Output,
		},
		&domain.Event{Type: domain.EventBatchOpened, BatchID: next.ID, Kind: next.Kind},
	)
	return result, nil
}

func (o *Orchestrator) recordProcessFailure(id domain.BatchID, kind domain.BatchKind, err error) {
	status := "error"
	switch {
	case errors.Is(err, domain.ErrTooEarly):
		status = "too_early"
	case errors.Is(err, domain.ErrSlippageExceeded):
		status = "slippage"
	case errors.Is(err, domain.ErrAlreadyProcessed):
		status = "already_processed"
	case errors.Is(err, domain.ErrInvalidAmount):
		status = "empty"
	case errors.Is(err, domain.ErrPaused):
		status = "paused"
	}
	observability.RecordProcess(o.product.Name, kind.String(), status)
	if status == "error" || status == "slippage" {
		o.logger.Warn("process failed", zap.String("batch_id", id.Hex()), zap.Error(err))
	}
}
