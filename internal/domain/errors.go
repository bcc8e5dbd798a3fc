package domain

import "errors"

// Ledger and orchestrator errors. Every one aborts the enclosing operation without partial mutation.
var (
	// ErrInvalidBatch is returned when a batch id is unknown.
	ErrInvalidBatch = errors.New("invalid batch")

	// ErrBatchClosed is returned when mutating a claimable batch as if it were open.
	ErrBatchClosed = errors.New("batch closed")

	// ErrAlreadyProcessed is returned when processing a batch that is already claimable.
	ErrAlreadyProcessed = errors.New("batch already processed")

	// ErrNotYetClaimable is returned when settling a batch that has not been processed.
	ErrNotYetClaimable = errors.New("batch not yet claimable")

	// ErrInsufficientBalance is returned when an account position is smaller than requested.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrTooEarly is returned when neither cooldown nor early threshold has been reached.
	ErrTooEarly = errors.New("batch cannot be processed yet")

	// ErrSlippageExceeded is returned when conversion output is below the slippage bound.
	ErrSlippageExceeded = errors.New("slippage exceeded")

	// ErrWrongBatchType is returned when a batch has the wrong direction for the operation.
	ErrWrongBatchType = errors.New("wrong batch type")

	// ErrLengthMismatch is returned when parallel arrays differ in length.
	ErrLengthMismatch = errors.New("length mismatch")

	// ErrFeeTooHigh is returned when a fee rate exceeds MaxRedemptionFeeBps.
	ErrFeeTooHigh = errors.New("fee too high")

	// ErrNotAllowed is returned on delegated withdrawal to a third-party recipient.
	ErrNotAllowed = errors.New("not allowed")

	// ErrUnauthorized is returned when the caller lacks the required role.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrPaused is returned by deposit, process and hot-swap while paused.
	ErrPaused = errors.New("paused")

	// ErrInvalidAmount is returned for non-positive amounts and empty batches.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrTooManyBatches is returned when a hot-swap names more batches than allowed.
	ErrTooManyBatches = errors.New("too many batches")

	// ErrInvalidConfig is returned by reconfiguration with out-of-range values.
	ErrInvalidConfig = errors.New("invalid config")
)
