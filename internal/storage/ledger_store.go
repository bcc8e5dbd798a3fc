package storage

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"batch-engine/internal/domain"
)

// LedgerTx is a unit of work over batches, positions, orchestrator pointers
// and engine settings.
// Reads observe the transaction's own writes. Nothing is visible to other
// transactions until the enclosing Atomic call returns nil.
type LedgerTx interface {
	// InsertBatch adds a new batch. Returns ErrDuplicateKey if the id exists.
	InsertBatch(ctx context.Context, b *domain.Batch) error

	// GetBatch retrieves a batch. Returns ErrNotFound if not exists.
	// Inside Atomic the batch is locked until commit.
	GetBatch(ctx context.Context, id domain.BatchID) (*domain.Batch, error)

	// UpdateBatch overwrites the mutable totals and flags of an existing batch.
	UpdateBatch(ctx context.Context, b *domain.Batch) error

	// ListBatches retrieves all batches of a kind ordered by sequence ASC.
	ListBatches(ctx context.Context, kind domain.BatchKind) ([]*domain.Batch, error)

	// GetPosition returns the account's shares in a batch, zero if none.
	GetPosition(ctx context.Context, id domain.BatchID, account common.Address) (decimal.Decimal, error)

	// SetPosition stores the account's shares in a batch.
	SetPosition(ctx context.Context, id domain.BatchID, account common.Address, amount decimal.Decimal) error

	// GetPositions returns every non-zero position of a batch.
	GetPositions(ctx context.Context, id domain.BatchID) ([]domain.Position, error)

	// GetCurrentBatchID returns the open batch of a kind. Returns ErrNotFound before initialization.
	GetCurrentBatchID(ctx context.Context, kind domain.BatchKind) (domain.BatchID, error)

	// SetCurrentBatchID advances the open batch pointer of a kind.
	SetCurrentBatchID(ctx context.Context, kind domain.BatchKind, id domain.BatchID) error

	// NextSequence returns the next unused sequence number of a kind and reserves it.
	NextSequence(ctx context.Context, kind domain.BatchKind) (uint64, error)

	// AddAccountBatch records a batch in the account history. Repeats are ignored.
	AddAccountBatch(ctx context.Context, account common.Address, id domain.BatchID) error

	// GetAccountBatchIDs returns the account history, oldest first.
	GetAccountBatchIDs(ctx context.Context, account common.Address) ([]domain.BatchID, error)

	// TrimAccountBatches keeps only the newest keep entries of the account history.
	TrimAccountBatches(ctx context.Context, account common.Address, keep int) error

	// GetFeeState returns the fee configuration. A zero FeeState is returned if never set.
	GetFeeState(ctx context.Context) (*domain.FeeState, error)

	// SetFeeState stores the fee configuration and accumulator.
	SetFeeState(ctx context.Context, f *domain.FeeState) error

	// GetEngineSettings returns the pause flag and processing parameters.
	// Returns ErrNotFound if never stored. The row is read without a lock.
	GetEngineSettings(ctx context.Context) (*domain.EngineSettings, error)

	// LockEngineSettings is GetEngineSettings for a read-modify-write: inside
	// Atomic the row stays locked until commit.
	LockEngineSettings(ctx context.Context) (*domain.EngineSettings, error)

	// SetEngineSettings stores the pause flag and processing parameters.
	SetEngineSettings(ctx context.Context, s *domain.EngineSettings) error
}

// LedgerStore provides transactional access to one product's ledger.
type LedgerStore interface {
	// Atomic runs fn in a read-write transaction. fn returning an error discards every write.
	Atomic(ctx context.Context, fn func(tx LedgerTx) error) error

	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx LedgerTx) error) error
}

// EventStore provides access to the batch_events history.
type EventStore interface {
	// InsertBulk appends events. Events are keyed by id; duplicates fail the whole batch.
	InsertBulk(ctx context.Context, events []*domain.Event) error

	// GetByBatchID retrieves all events touching a batch, ordered by timestamp ASC.
	GetByBatchID(ctx context.Context, batchID domain.BatchID) ([]*domain.Event, error)

	// GetByAccount retrieves all events for an account, ordered by timestamp ASC.
	GetByAccount(ctx context.Context, account common.Address) ([]*domain.Event, error)
}
