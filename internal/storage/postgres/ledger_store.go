package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"batch-engine/internal/domain"
	"batch-engine/internal/observability"
	"batch-engine/internal/storage"
)

// LedgerStore implements storage.LedgerStore for one product using PostgreSQL.
// Read-write transactions lock every batch, pointer and fee row they read
// with SELECT ... FOR UPDATE, so concurrent operations on the same rows serialize.
// Operations lock the pointer of a kind before any batch of that kind.
type LedgerStore struct {
	pool    *Pool
	product string
}

// NewLedgerStore creates a new LedgerStore scoped to product.
func NewLedgerStore(pool *Pool, product string) *LedgerStore {
	return &LedgerStore{pool: pool, product: product}
}

// Compile-time interface check.
var (
	_ storage.LedgerStore = (*LedgerStore)(nil)
	_ storage.LedgerTx    = (*ledgerTx)(nil)
)

// Atomic runs fn in a read-write transaction. The transaction commits only if fn returns nil.
func (s *LedgerStore) Atomic(ctx context.Context, fn func(tx storage.LedgerTx) error) (err error) {
	start := time.Now()
	defer func() { observability.RecordDBQuery("postgres", "atomic", time.Since(start).Seconds(), err) }()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&ledgerTx{tx: tx, product: s.product, forUpdate: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// View runs fn in a read-only transaction.
func (s *LedgerStore) View(ctx context.Context, fn func(tx storage.LedgerTx) error) (err error) {
	start := time.Now()
	defer func() { observability.RecordDBQuery("postgres", "view", time.Since(start).Seconds(), err) }()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly, IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return fn(&ledgerTx{tx: tx, product: s.product})
}

type ledgerTx struct {
	tx        pgx.Tx
	product   string
	forUpdate bool
}

func (t *ledgerTx) lockClause() string {
	if t.forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

const batchColumns = `batch_id, kind, sequence, source_token, target_token,
	supplied_total::text, unclaimed_shares::text, claimable_output_total::text,
	claimable, created_at, processed_at`

// InsertBatch adds a new batch. Returns ErrDuplicateKey if the id exists.
func (t *ledgerTx) InsertBatch(ctx context.Context, b *domain.Batch) error {
	if b == nil || !b.Kind.IsValid() {
		return storage.ErrInvalidInput
	}

	_, err := t.tx.Exec(ctx, `
		INSERT INTO batches (
			product, batch_id, kind, sequence, source_token, target_token,
			supplied_total, unclaimed_shares, claimable_output_total,
			claimable, created_at, processed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9::numeric, $10, $11, $12)
	`,
		t.product,
		b.ID.Hex(),
		string(b.Kind),
		int64(b.Sequence),
		b.SourceToken.Hex(),
		b.TargetToken.Hex(),
		b.SuppliedTotal.String(),
		b.UnclaimedShares.String(),
		b.ClaimableOutputTotal.String(),
		b.Claimable,
		b.CreatedAt,
		b.ProcessedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// GetBatch retrieves a batch. Returns ErrNotFound if not exists.
func (t *ledgerTx) GetBatch(ctx context.Context, id domain.BatchID) (*domain.Batch, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+batchColumns+`
		FROM batches
		WHERE product = $1 AND batch_id = $2`+t.lockClause(),
		t.product, id.Hex(),
	)

	b, err := scanBatch(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

// UpdateBatch overwrites the mutable totals and flags of an existing batch.
func (t *ledgerTx) UpdateBatch(ctx context.Context, b *domain.Batch) error {
	if b == nil {
		return storage.ErrInvalidInput
	}

	tag, err := t.tx.Exec(ctx, `
		UPDATE batches
		SET supplied_total = $3::numeric,
		    unclaimed_shares = $4::numeric,
		    claimable_output_total = $5::numeric,
		    claimable = $6,
		    processed_at = $7
		WHERE product = $1 AND batch_id = $2
	`,
		t.product,
		b.ID.Hex(),
		b.SuppliedTotal.String(),
		b.UnclaimedShares.String(),
		b.ClaimableOutputTotal.String(),
		b.Claimable,
		b.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("update batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListBatches retrieves all batches of a kind ordered by sequence ASC.
func (t *ledgerTx) ListBatches(ctx context.Context, kind domain.BatchKind) ([]*domain.Batch, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+batchColumns+`
		FROM batches
		WHERE product = $1 AND kind = $2
		ORDER BY sequence ASC
	`, t.product, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var result []*domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

// GetPosition returns the account's shares in a batch, zero if none.
func (t *ledgerTx) GetPosition(ctx context.Context, id domain.BatchID, account common.Address) (decimal.Decimal, error) {
	var raw string
	err := t.tx.QueryRow(ctx, `
		SELECT supplied_amount::text
		FROM batch_positions
		WHERE product = $1 AND batch_id = $2 AND account = $3
	`, t.product, id.Hex(), account.Hex()).Scan(&raw)
	if err != nil {
		if isNotFoundError(err) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("get position: %w", err)
	}
	return decimal.NewFromString(raw)
}

// SetPosition stores the account's shares in a batch. Zero deletes the row.
func (t *ledgerTx) SetPosition(ctx context.Context, id domain.BatchID, account common.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return storage.ErrInvalidInput
	}

	if amount.IsZero() {
		_, err := t.tx.Exec(ctx, `
			DELETE FROM batch_positions
			WHERE product = $1 AND batch_id = $2 AND account = $3
		`, t.product, id.Hex(), account.Hex())
		if err != nil {
			return fmt.Errorf("delete position: %w", err)
		}
		return nil
	}

	_, err := t.tx.Exec(ctx, `
		INSERT INTO batch_positions (product, batch_id, account, supplied_amount)
		VALUES ($1, $2, $3, $4::numeric)
		ON CONFLICT (product, batch_id, account) DO UPDATE
		SET supplied_amount = EXCLUDED.supplied_amount
	`, t.product, id.Hex(), account.Hex(), amount.String())
	if err != nil {
		if isForeignKeyError(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("set position: %w", err)
	}
	return nil
}

// GetPositions returns every non-zero position of a batch, ordered by account.
func (t *ledgerTx) GetPositions(ctx context.Context, id domain.BatchID) ([]domain.Position, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT account, supplied_amount::text
		FROM batch_positions
		WHERE product = $1 AND batch_id = $2
		ORDER BY account ASC
	`, t.product, id.Hex())
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	defer rows.Close()

	var result []domain.Position
	for rows.Next() {
		var account, raw string
		if err := rows.Scan(&account, &raw); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("parse position amount: %w", err)
		}
		result = append(result, domain.Position{
			BatchID:        id,
			Account:        common.HexToAddress(account),
			SuppliedAmount: amount,
		})
	}
	return result, rows.Err()
}

// GetCurrentBatchID returns the open batch of a kind. Returns ErrNotFound before initialization.
func (t *ledgerTx) GetCurrentBatchID(ctx context.Context, kind domain.BatchKind) (domain.BatchID, error) {
	var current *string
	err := t.tx.QueryRow(ctx, `
		SELECT current_batch_id
		FROM batch_pointers
		WHERE product = $1 AND kind = $2`+t.lockClause(),
		t.product, string(kind),
	).Scan(&current)
	if err != nil {
		if isNotFoundError(err) {
			return domain.BatchID{}, storage.ErrNotFound
		}
		return domain.BatchID{}, fmt.Errorf("get current batch: %w", err)
	}
	if current == nil {
		return domain.BatchID{}, storage.ErrNotFound
	}
	return common.HexToHash(*current), nil
}

// SetCurrentBatchID advances the open batch pointer of a kind.
func (t *ledgerTx) SetCurrentBatchID(ctx context.Context, kind domain.BatchKind, id domain.BatchID) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO batch_pointers (product, kind, current_batch_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (product, kind) DO UPDATE
		SET current_batch_id = EXCLUDED.current_batch_id
	`, t.product, string(kind), id.Hex())
	if err != nil {
		if isForeignKeyError(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("set current batch: %w", err)
	}
	return nil
}

// NextSequence returns the next unused sequence number of a kind and reserves it.
func (t *ledgerTx) NextSequence(ctx context.Context, kind domain.BatchKind) (uint64, error) {
	var seq int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO batch_pointers (product, kind, next_sequence)
		VALUES ($1, $2, 1)
		ON CONFLICT (product, kind) DO UPDATE
		SET next_sequence = batch_pointers.next_sequence + 1
		RETURNING next_sequence - 1
	`, t.product, string(kind)).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	return uint64(seq), nil
}

// AddAccountBatch records a batch in the account history. Repeats are ignored.
func (t *ledgerTx) AddAccountBatch(ctx context.Context, account common.Address, id domain.BatchID) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO account_batches (product, account, batch_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (product, account, batch_id) DO NOTHING
	`, t.product, account.Hex(), id.Hex())
	if err != nil {
		return fmt.Errorf("add account batch: %w", err)
	}
	return nil
}

// GetAccountBatchIDs returns the account history, oldest first.
func (t *ledgerTx) GetAccountBatchIDs(ctx context.Context, account common.Address) ([]domain.BatchID, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT batch_id
		FROM account_batches
		WHERE product = $1 AND account = $2
		ORDER BY id ASC
	`, t.product, account.Hex())
	if err != nil {
		return nil, fmt.Errorf("get account batches: %w", err)
	}
	defer rows.Close()

	result := []domain.BatchID{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan account batch: %w", err)
		}
		result = append(result, common.HexToHash(id))
	}
	return result, rows.Err()
}

// TrimAccountBatches keeps only the newest keep entries of the account history.
func (t *ledgerTx) TrimAccountBatches(ctx context.Context, account common.Address, keep int) error {
	if keep <= 0 {
		return nil
	}

	_, err := t.tx.Exec(ctx, `
		DELETE FROM account_batches
		WHERE product = $1 AND account = $2
		  AND id NOT IN (
			SELECT id FROM account_batches
			WHERE product = $1 AND account = $2
			ORDER BY id DESC
			LIMIT $3
		  )
	`, t.product, account.Hex(), keep)
	if err != nil {
		return fmt.Errorf("trim account batches: %w", err)
	}
	return nil
}

// GetFeeState returns the fee configuration. A zero FeeState is returned if never set.
func (t *ledgerTx) GetFeeState(ctx context.Context) (*domain.FeeState, error) {
	var (
		rate      int32
		recipient string
		raw       string
	)
	err := t.tx.QueryRow(ctx, `
		SELECT rate_bps, recipient, accumulated::text
		FROM fee_state
		WHERE product = $1`+t.lockClause(),
		t.product,
	).Scan(&rate, &recipient, &raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &domain.FeeState{Accumulated: decimal.Zero}, nil
		}
		return nil, fmt.Errorf("get fee state: %w", err)
	}

	accumulated, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("parse fee accumulator: %w", err)
	}
	f := &domain.FeeState{RateBps: uint32(rate), Accumulated: accumulated}
	if recipient != "" {
		f.Recipient = common.HexToAddress(recipient)
	}
	return f, nil
}

// SetFeeState stores the fee configuration and accumulator.
func (t *ledgerTx) SetFeeState(ctx context.Context, f *domain.FeeState) error {
	if f == nil || f.Accumulated.IsNegative() {
		return storage.ErrInvalidInput
	}

	recipient := ""
	if f.Recipient != (common.Address{}) {
		recipient = f.Recipient.Hex()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO fee_state (product, rate_bps, recipient, accumulated, updated_at)
		VALUES ($1, $2, $3, $4::numeric, NOW())
		ON CONFLICT (product) DO UPDATE
		SET rate_bps = EXCLUDED.rate_bps,
		    recipient = EXCLUDED.recipient,
		    accumulated = EXCLUDED.accumulated,
		    updated_at = NOW()
	`, t.product, int32(f.RateBps), recipient, f.Accumulated.String())
	if err != nil {
		return fmt.Errorf("set fee state: %w", err)
	}
	return nil
}

const settingsColumns = `paused,
	mint_cooldown_ns, mint_early_threshold::text, mint_slippage_bps,
	redeem_cooldown_ns, redeem_early_threshold::text, redeem_slippage_bps`

// GetEngineSettings returns the pause flag and processing parameters.
// Returns ErrNotFound if never stored.
func (t *ledgerTx) GetEngineSettings(ctx context.Context) (*domain.EngineSettings, error) {
	return t.engineSettings(ctx, "")
}

// LockEngineSettings reads the settings row FOR UPDATE inside Atomic.
func (t *ledgerTx) LockEngineSettings(ctx context.Context) (*domain.EngineSettings, error) {
	return t.engineSettings(ctx, t.lockClause())
}

func (t *ledgerTx) engineSettings(ctx context.Context, lock string) (*domain.EngineSettings, error) {
	var (
		s                              domain.EngineSettings
		mintCooldown, redeemCooldown   int64
		mintThreshold, redeemThreshold string
		mintSlippage, redeemSlippage   int32
	)
	err := t.tx.QueryRow(ctx, `
		SELECT `+settingsColumns+`
		FROM engine_settings
		WHERE product = $1`+lock,
		t.product,
	).Scan(
		&s.Paused,
		&mintCooldown, &mintThreshold, &mintSlippage,
		&redeemCooldown, &redeemThreshold, &redeemSlippage,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get engine settings: %w", err)
	}

	s.MintThresholds.Cooldown = time.Duration(mintCooldown)
	s.RedeemThresholds.Cooldown = time.Duration(redeemCooldown)
	if s.MintThresholds.EarlyThreshold, err = decimal.NewFromString(mintThreshold); err != nil {
		return nil, fmt.Errorf("parse mint_early_threshold: %w", err)
	}
	if s.RedeemThresholds.EarlyThreshold, err = decimal.NewFromString(redeemThreshold); err != nil {
		return nil, fmt.Errorf("parse redeem_early_threshold: %w", err)
	}
	s.MintSlippage.Bps = uint32(mintSlippage)
	s.RedeemSlippage.Bps = uint32(redeemSlippage)
	return &s, nil
}

// SetEngineSettings stores the pause flag and processing parameters.
func (t *ledgerTx) SetEngineSettings(ctx context.Context, s *domain.EngineSettings) error {
	if s == nil {
		return storage.ErrInvalidInput
	}

	_, err := t.tx.Exec(ctx, `
		INSERT INTO engine_settings (
			product, paused,
			mint_cooldown_ns, mint_early_threshold, mint_slippage_bps,
			redeem_cooldown_ns, redeem_early_threshold, redeem_slippage_bps,
			updated_at
		) VALUES ($1, $2, $3, $4::numeric, $5, $6, $7::numeric, $8, NOW())
		ON CONFLICT (product) DO UPDATE
		SET paused = EXCLUDED.paused,
		    mint_cooldown_ns = EXCLUDED.mint_cooldown_ns,
		    mint_early_threshold = EXCLUDED.mint_early_threshold,
		    mint_slippage_bps = EXCLUDED.mint_slippage_bps,
		    redeem_cooldown_ns = EXCLUDED.redeem_cooldown_ns,
		    redeem_early_threshold = EXCLUDED.redeem_early_threshold,
		    redeem_slippage_bps = EXCLUDED.redeem_slippage_bps,
		    updated_at = NOW()
	`,
		t.product,
		s.Paused,
		int64(s.MintThresholds.Cooldown),
		s.MintThresholds.EarlyThreshold.String(),
		int32(s.MintSlippage.Bps),
		int64(s.RedeemThresholds.Cooldown),
		s.RedeemThresholds.EarlyThreshold.String(),
		int32(s.RedeemSlippage.Bps),
	)
	if err != nil {
		return fmt.Errorf("set engine settings: %w", err)
	}
	return nil
}

func scanBatch(row pgx.Row) (*domain.Batch, error) {
	var (
		id, kind, source, target     string
		seq                          int64
		supplied, unclaimed, payable string
		b                            domain.Batch
	)
	err := row.Scan(
		&id, &kind, &seq, &source, &target,
		&supplied, &unclaimed, &payable,
		&b.Claimable, &b.CreatedAt, &b.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}

	b.ID = common.HexToHash(id)
	b.Kind = domain.BatchKind(kind)
	b.Sequence = uint64(seq)
	b.SourceToken = common.HexToAddress(source)
	b.TargetToken = common.HexToAddress(target)
	if b.SuppliedTotal, err = decimal.NewFromString(supplied); err != nil {
		return nil, fmt.Errorf("parse supplied_total: %w", err)
	}
	if b.UnclaimedShares, err = decimal.NewFromString(unclaimed); err != nil {
		return nil, fmt.Errorf("parse unclaimed_shares: %w", err)
	}
	if b.ClaimableOutputTotal, err = decimal.NewFromString(payable); err != nil {
		return nil, fmt.Errorf("parse claimable_output_total: %w", err)
	}
	return &b, nil
}
