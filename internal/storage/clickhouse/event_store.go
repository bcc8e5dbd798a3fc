package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"batch-engine/internal/domain"
	"batch-engine/internal/observability"
	"batch-engine/internal/storage"
)

// EventStore implements storage.EventStore using ClickHouse.
// MergeTree does not enforce uniqueness, so ids are checked before insert.
type EventStore struct {
	conn *Conn
}

// NewEventStore creates a new EventStore.
func NewEventStore(conn *Conn) *EventStore {
	return &EventStore{conn: conn}
}

// Compile-time interface check.
var _ storage.EventStore = (*EventStore)(nil)

// InsertBulk appends events. Fails entire batch on a duplicate id.
func (s *EventStore) InsertBulk(ctx context.Context, events []*domain.Event) (err error) {
	if len(events) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { observability.RecordDBQuery("clickhouse", "insert_events", time.Since(start).Seconds(), err) }()

	ids := make([]string, 0, len(events))
	seen := make(map[string]struct{}, len(events))
	for _, e := range events {
		if e == nil || e.ID == "" {
			return storage.ErrInvalidInput
		}
		if _, exists := seen[e.ID]; exists {
			return storage.ErrDuplicateKey
		}
		seen[e.ID] = struct{}{}
		ids = append(ids, e.ID)
	}

	var count uint64
	if err := s.conn.QueryRow(ctx, `SELECT count() FROM batch_events WHERE event_id IN (?)`, ids).Scan(&count); err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if count > 0 {
		return storage.ErrDuplicateKey
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO batch_events (
			event_id, product, event_type, batch_id, kind, account, recipient,
			amount, payout, fee, batch_ids, timestamp
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, e := range events {
		batchIDs := make([]string, len(e.BatchIDs))
		for i, id := range e.BatchIDs {
			batchIDs[i] = id.Hex()
		}
		err = batch.Append(
			e.ID, e.Product, string(e.Type), e.BatchID.Hex(), string(e.Kind),
			e.Account.Hex(), e.Recipient.Hex(),
			e.Amount, e.Payout, e.Fee,
			batchIDs, uint64(e.Timestamp),
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

const eventColumns = `event_id, product, event_type, batch_id, kind, account, recipient,
	amount, payout, fee, batch_ids, timestamp`

// GetByBatchID retrieves all events touching a batch, ordered by timestamp ASC.
func (s *EventStore) GetByBatchID(ctx context.Context, batchID domain.BatchID) ([]*domain.Event, error) {
	id := batchID.Hex()
	rows, err := s.conn.Query(ctx, `
		SELECT `+eventColumns+`
		FROM batch_events FINAL
		WHERE batch_id = ? OR has(batch_ids, ?)
		ORDER BY timestamp ASC, event_id ASC
	`, id, id)
	if err != nil {
		return nil, fmt.Errorf("query by batch id: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetByAccount retrieves all events for an account, ordered by timestamp ASC.
func (s *EventStore) GetByAccount(ctx context.Context, account common.Address) ([]*domain.Event, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT `+eventColumns+`
		FROM batch_events FINAL
		WHERE account = ?
		ORDER BY timestamp ASC, event_id ASC
	`, account.Hex())
	if err != nil {
		return nil, fmt.Errorf("query by account: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows chRows) ([]*domain.Event, error) {
	var result []*domain.Event

	for rows.Next() {
		var (
			e                   domain.Event
			typ, batchID, kind  string
			account, recipient  string
			amount, payout, fee decimal.Decimal
			batchIDs            []string
			timestamp           uint64
		)
		err := rows.Scan(
			&e.ID, &e.Product, &typ, &batchID, &kind, &account, &recipient,
			&amount, &payout, &fee, &batchIDs, &timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		e.Type = domain.EventType(typ)
		e.BatchID = common.HexToHash(batchID)
		e.Kind = domain.BatchKind(kind)
		e.Account = common.HexToAddress(account)
		e.Recipient = common.HexToAddress(recipient)
		e.Amount, e.Payout, e.Fee = amount, payout, fee
		for _, id := range batchIDs {
			e.BatchIDs = append(e.BatchIDs, common.HexToHash(id))
		}
		e.Timestamp = int64(timestamp)
		result = append(result, &e)
	}

	return result, rows.Err()
}
