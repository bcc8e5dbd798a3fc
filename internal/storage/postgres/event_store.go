package postgres

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"batch-engine/internal/domain"
	"batch-engine/internal/storage"
)

// EventStore implements storage.EventStore using the batch_events table.
type EventStore struct {
	pool *Pool
}

// NewEventStore creates a new EventStore.
func NewEventStore(pool *Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Compile-time interface check.
var _ storage.EventStore = (*EventStore)(nil)

// InsertBulk adds multiple events atomically. Fails entire batch on any duplicate.
func (s *EventStore) InsertBulk(ctx context.Context, events []*domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO batch_events (
			event_id, product, event_type, batch_id, kind, account, recipient,
			amount, payout, fee, batch_ids, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10::numeric, $11, $12)
	`

	for _, e := range events {
		if e == nil || e.ID == "" {
			return storage.ErrInvalidInput
		}
		ids := make([]string, len(e.BatchIDs))
		for i, id := range e.BatchIDs {
			ids[i] = id.Hex()
		}

		_, err := tx.Exec(ctx, query,
			e.ID,
			e.Product,
			string(e.Type),
			e.BatchID.Hex(),
			string(e.Kind),
			e.Account.Hex(),
			e.Recipient.Hex(),
			e.Amount.String(),
			e.Payout.String(),
			e.Fee.String(),
			ids,
			e.Timestamp,
		)
		if err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("insert event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const eventColumns = `event_id, product, event_type, batch_id, kind, account, recipient,
	amount::text, payout::text, fee::text, batch_ids, timestamp`

// GetByBatchID retrieves all events touching a batch, ordered by timestamp ASC.
func (s *EventStore) GetByBatchID(ctx context.Context, batchID domain.BatchID) ([]*domain.Event, error) {
	id := batchID.Hex()
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM batch_events
		WHERE batch_id = $1 OR $1 = ANY(batch_ids)
		ORDER BY timestamp ASC, event_id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query events by batch: %w", err)
	}
	return collectEvents(rows)
}

// GetByAccount retrieves all events for an account, ordered by timestamp ASC.
func (s *EventStore) GetByAccount(ctx context.Context, account common.Address) ([]*domain.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM batch_events
		WHERE account = $1
		ORDER BY timestamp ASC, event_id ASC
	`, account.Hex())
	if err != nil {
		return nil, fmt.Errorf("query events by account: %w", err)
	}
	return collectEvents(rows)
}

func collectEvents(rows pgx.Rows) ([]*domain.Event, error) {
	defer rows.Close()

	var result []*domain.Event
	for rows.Next() {
		var (
			e                   domain.Event
			typ, batchID, kind  string
			account, recipient  string
			amount, payout, fee string
			batchIDs            []string
		)
		err := rows.Scan(
			&e.ID, &e.Product, &typ, &batchID, &kind, &account, &recipient,
			&amount, &payout, &fee, &batchIDs, &e.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		e.Type = domain.EventType(typ)
		e.BatchID = common.HexToHash(batchID)
		e.Kind = domain.BatchKind(kind)
		e.Account = common.HexToAddress(account)
		e.Recipient = common.HexToAddress(recipient)
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		if e.Payout, err = decimal.NewFromString(payout); err != nil {
			return nil, fmt.Errorf("parse payout: %w", err)
		}
		if e.Fee, err = decimal.NewFromString(fee); err != nil {
			return nil, fmt.Errorf("parse fee: %w", err)
		}
		for _, id := range batchIDs {
			e.BatchIDs = append(e.BatchIDs, common.HexToHash(id))
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}
