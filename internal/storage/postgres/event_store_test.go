package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batch-engine/internal/domain"
	"batch-engine/internal/storage"
)

func TestEventStore(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewEventStore(pool)
	alice := common.HexToAddress("0xa1")
	batchA := common.HexToHash("0xaa")
	batchB := common.HexToHash("0xbb")

	events := []*domain.Event{
		{
			ID: "e1", Product: "butter", Type: domain.EventBatchDeposited, BatchID: batchA,
			Kind: domain.BatchKindMint, Account: alice, Amount: decimal.NewFromInt(10000), Timestamp: 1000,
		},
		{
			ID: "e2", Product: "butter", Type: domain.EventUnclaimedMoved, BatchID: batchB,
			Kind: domain.BatchKindRedeem, Account: alice, Amount: decimal.NewFromInt(5),
			Payout: decimal.NewFromInt(4), BatchIDs: []domain.BatchID{batchA}, Timestamp: 2000,
		},
	}
	require.NoError(t, store.InsertBulk(ctx, events))

	byBatch, err := store.GetByBatchID(ctx, batchA)
	require.NoError(t, err)
	require.Len(t, byBatch, 2, "hot-swap event references batchA through batch_ids")
	assert.Equal(t, "e1", byBatch[0].ID)
	assert.Equal(t, []domain.BatchID{batchA}, byBatch[1].BatchIDs)
	assert.True(t, byBatch[1].Payout.Equal(decimal.NewFromInt(4)))

	byAccount, err := store.GetByAccount(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, byAccount, 2)

	// Whole batch fails on a duplicate
	err = store.InsertBulk(ctx, []*domain.Event{
		{ID: "e3", Product: "butter", Type: domain.EventPaused, Timestamp: 3000},
		{ID: "e1", Product: "butter", Type: domain.EventPaused, Timestamp: 3000},
	})
	assert.True(t, errors.Is(err, storage.ErrDuplicateKey))

	byAccount, err = store.GetByAccount(ctx, common.Address{})
	require.NoError(t, err)
	assert.Empty(t, byAccount)
}
