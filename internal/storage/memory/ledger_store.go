package memory

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"batch-engine/internal/domain"
	"batch-engine/internal/storage"
)

// errReadOnly is returned by writes attempted inside View.
var errReadOnly = errors.New("write in read-only transaction")

type positionKey struct {
	batchID domain.BatchID
	account common.Address
}

// ledgerState is the committed state of one product ledger.
type ledgerState struct {
	batches        map[domain.BatchID]*domain.Batch
	positions      map[positionKey]decimal.Decimal
	current        map[domain.BatchKind]domain.BatchID
	sequences      map[domain.BatchKind]uint64
	accountBatches map[common.Address][]domain.BatchID
	fee            *domain.FeeState
	settings       *domain.EngineSettings
}

// LedgerStore is an in-memory implementation of storage.LedgerStore.
// Transactions are serialized by a single writer lock; writes are staged
// in the transaction and applied only when fn succeeds.
type LedgerStore struct {
	mu    sync.RWMutex
	state *ledgerState
}

// NewLedgerStore creates a new in-memory ledger store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		state: &ledgerState{
			batches:        make(map[domain.BatchID]*domain.Batch),
			positions:      make(map[positionKey]decimal.Decimal),
			current:        make(map[domain.BatchKind]domain.BatchID),
			sequences:      make(map[domain.BatchKind]uint64),
			accountBatches: make(map[common.Address][]domain.BatchID),
			fee:            &domain.FeeState{Accumulated: decimal.Zero},
		},
	}
}

// Atomic runs fn in a read-write transaction.
func (s *LedgerStore) Atomic(ctx context.Context, fn func(tx storage.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newLedgerTx(s.state, false)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// View runs fn in a read-only transaction.
func (s *LedgerStore) View(ctx context.Context, fn func(tx storage.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(newLedgerTx(s.state, true))
}

// ledgerTx overlays staged writes on the committed state.
type ledgerTx struct {
	base     *ledgerState
	readOnly bool

	batches        map[domain.BatchID]*domain.Batch
	positions      map[positionKey]decimal.Decimal
	current        map[domain.BatchKind]domain.BatchID
	sequences      map[domain.BatchKind]uint64
	accountBatches map[common.Address][]domain.BatchID
	fee            *domain.FeeState
	settings       *domain.EngineSettings
}

func newLedgerTx(base *ledgerState, readOnly bool) *ledgerTx {
	return &ledgerTx{
		base:           base,
		readOnly:       readOnly,
		batches:        make(map[domain.BatchID]*domain.Batch),
		positions:      make(map[positionKey]decimal.Decimal),
		current:        make(map[domain.BatchKind]domain.BatchID),
		sequences:      make(map[domain.BatchKind]uint64),
		accountBatches: make(map[common.Address][]domain.BatchID),
	}
}

func (t *ledgerTx) commit() {
	for id, b := range t.batches {
		t.base.batches[id] = b
	}
	for k, v := range t.positions {
		if v.IsZero() {
			delete(t.base.positions, k)
			continue
		}
		t.base.positions[k] = v
	}
	for k, v := range t.current {
		t.base.current[k] = v
	}
	for k, v := range t.sequences {
		t.base.sequences[k] = v
	}
	for k, v := range t.accountBatches {
		t.base.accountBatches[k] = v
	}
	if t.fee != nil {
		t.base.fee = t.fee
	}
	if t.settings != nil {
		t.base.settings = t.settings
	}
}

func (t *ledgerTx) lookupBatch(id domain.BatchID) (*domain.Batch, bool) {
	if b, ok := t.batches[id]; ok {
		return b, true
	}
	b, ok := t.base.batches[id]
	return b, ok
}

// InsertBatch adds a new batch. Returns ErrDuplicateKey if the id exists.
func (t *ledgerTx) InsertBatch(_ context.Context, b *domain.Batch) error {
	if t.readOnly {
		return errReadOnly
	}
	if b == nil || !b.Kind.IsValid() {
		return storage.ErrInvalidInput
	}
	if _, exists := t.lookupBatch(b.ID); exists {
		return storage.ErrDuplicateKey
	}
	t.batches[b.ID] = b.Clone()
	return nil
}

// GetBatch retrieves a batch. Returns ErrNotFound if not exists.
func (t *ledgerTx) GetBatch(_ context.Context, id domain.BatchID) (*domain.Batch, error) {
	b, ok := t.lookupBatch(id)
	if !ok {
		return nil, storage.ErrNotFound
	}
	return b.Clone(), nil
}

// UpdateBatch overwrites an existing batch.
func (t *ledgerTx) UpdateBatch(_ context.Context, b *domain.Batch) error {
	if t.readOnly {
		return errReadOnly
	}
	if b == nil {
		return storage.ErrInvalidInput
	}
	if _, exists := t.lookupBatch(b.ID); !exists {
		return storage.ErrNotFound
	}
	t.batches[b.ID] = b.Clone()
	return nil
}

// ListBatches retrieves all batches of a kind ordered by sequence ASC.
func (t *ledgerTx) ListBatches(_ context.Context, kind domain.BatchKind) ([]*domain.Batch, error) {
	seen := make(map[domain.BatchID]struct{})
	var result []*domain.Batch
	for id, b := range t.batches {
		seen[id] = struct{}{}
		if b.Kind == kind {
			result = append(result, b.Clone())
		}
	}
	for id, b := range t.base.batches {
		if _, ok := seen[id]; ok {
			continue
		}
		if b.Kind == kind {
			result = append(result, b.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Sequence < result[j].Sequence
	})
	return result, nil
}

// GetPosition returns the account's shares in a batch, zero if none.
func (t *ledgerTx) GetPosition(_ context.Context, id domain.BatchID, account common.Address) (decimal.Decimal, error) {
	key := positionKey{batchID: id, account: account}
	if v, ok := t.positions[key]; ok {
		return v, nil
	}
	if v, ok := t.base.positions[key]; ok {
		return v, nil
	}
	return decimal.Zero, nil
}

// SetPosition stores the account's shares in a batch.
func (t *ledgerTx) SetPosition(_ context.Context, id domain.BatchID, account common.Address, amount decimal.Decimal) error {
	if t.readOnly {
		return errReadOnly
	}
	if amount.IsNegative() {
		return storage.ErrInvalidInput
	}
	t.positions[positionKey{batchID: id, account: account}] = amount
	return nil
}

// GetPositions returns every non-zero position of a batch, ordered by account.
func (t *ledgerTx) GetPositions(_ context.Context, id domain.BatchID) ([]domain.Position, error) {
	merged := make(map[common.Address]decimal.Decimal)
	for k, v := range t.base.positions {
		if k.batchID == id {
			merged[k.account] = v
		}
	}
	for k, v := range t.positions {
		if k.batchID == id {
			merged[k.account] = v
		}
	}

	result := make([]domain.Position, 0, len(merged))
	for account, amount := range merged {
		if amount.IsZero() {
			continue
		}
		result = append(result, domain.Position{BatchID: id, Account: account, SuppliedAmount: amount})
	}
	sort.Slice(result, func(i, j int) bool {
		return bytes.Compare(result[i].Account.Bytes(), result[j].Account.Bytes()) < 0
	})
	return result, nil
}

// GetCurrentBatchID returns the open batch of a kind.
func (t *ledgerTx) GetCurrentBatchID(_ context.Context, kind domain.BatchKind) (domain.BatchID, error) {
	if id, ok := t.current[kind]; ok {
		return id, nil
	}
	if id, ok := t.base.current[kind]; ok {
		return id, nil
	}
	return domain.BatchID{}, storage.ErrNotFound
}

// SetCurrentBatchID advances the open batch pointer of a kind.
func (t *ledgerTx) SetCurrentBatchID(_ context.Context, kind domain.BatchKind, id domain.BatchID) error {
	if t.readOnly {
		return errReadOnly
	}
	if _, exists := t.lookupBatch(id); !exists {
		return storage.ErrNotFound
	}
	t.current[kind] = id
	return nil
}

// NextSequence returns the next unused sequence number of a kind and reserves it.
func (t *ledgerTx) NextSequence(_ context.Context, kind domain.BatchKind) (uint64, error) {
	if t.readOnly {
		return 0, errReadOnly
	}
	seq, ok := t.sequences[kind]
	if !ok {
		seq = t.base.sequences[kind]
	}
	t.sequences[kind] = seq + 1
	return seq, nil
}

func (t *ledgerTx) history(account common.Address) []domain.BatchID {
	if ids, ok := t.accountBatches[account]; ok {
		return ids
	}
	return t.base.accountBatches[account]
}

// AddAccountBatch records a batch in the account history. Repeats are ignored.
func (t *ledgerTx) AddAccountBatch(_ context.Context, account common.Address, id domain.BatchID) error {
	if t.readOnly {
		return errReadOnly
	}
	ids := t.history(account)
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	// Copy so the committed slice is never aliased by an aborted transaction
	next := make([]domain.BatchID, len(ids), len(ids)+1)
	copy(next, ids)
	t.accountBatches[account] = append(next, id)
	return nil
}

// GetAccountBatchIDs returns the account history, oldest first.
func (t *ledgerTx) GetAccountBatchIDs(_ context.Context, account common.Address) ([]domain.BatchID, error) {
	ids := t.history(account)
	result := make([]domain.BatchID, len(ids))
	copy(result, ids)
	return result, nil
}

// TrimAccountBatches keeps only the newest keep entries of the account history.
func (t *ledgerTx) TrimAccountBatches(_ context.Context, account common.Address, keep int) error {
	if t.readOnly {
		return errReadOnly
	}
	ids := t.history(account)
	if keep <= 0 || len(ids) <= keep {
		return nil
	}
	next := make([]domain.BatchID, keep)
	copy(next, ids[len(ids)-keep:])
	t.accountBatches[account] = next
	return nil
}

// GetFeeState returns the fee configuration.
func (t *ledgerTx) GetFeeState(_ context.Context) (*domain.FeeState, error) {
	if t.fee != nil {
		return t.fee.Clone(), nil
	}
	return t.base.fee.Clone(), nil
}

// SetFeeState stores the fee configuration and accumulator.
func (t *ledgerTx) SetFeeState(_ context.Context, f *domain.FeeState) error {
	if t.readOnly {
		return errReadOnly
	}
	if f == nil || f.Accumulated.IsNegative() {
		return storage.ErrInvalidInput
	}
	t.fee = f.Clone()
	return nil
}

// GetEngineSettings returns the pause flag and processing parameters.
func (t *ledgerTx) GetEngineSettings(_ context.Context) (*domain.EngineSettings, error) {
	if t.settings != nil {
		return t.settings.Clone(), nil
	}
	if t.base.settings == nil {
		return nil, storage.ErrNotFound
	}
	return t.base.settings.Clone(), nil
}

// LockEngineSettings is GetEngineSettings; Atomic already holds the writer lock.
func (t *ledgerTx) LockEngineSettings(ctx context.Context) (*domain.EngineSettings, error) {
	return t.GetEngineSettings(ctx)
}

// SetEngineSettings stores the pause flag and processing parameters.
func (t *ledgerTx) SetEngineSettings(_ context.Context, s *domain.EngineSettings) error {
	if t.readOnly {
		return errReadOnly
	}
	if s == nil {
		return storage.ErrInvalidInput
	}
	t.settings = s.Clone()
	return nil
}

// Verify interface compliance at compile time.
var (
	_ storage.LedgerStore = (*LedgerStore)(nil)
	_ storage.LedgerTx    = (*ledgerTx)(nil)
)
