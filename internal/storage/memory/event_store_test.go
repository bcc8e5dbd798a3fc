package memory

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batch-engine/internal/domain"
	"batch-engine/internal/storage"
)

func TestEventStore(t *testing.T) {
	ctx := context.Background()
	store := NewEventStore()

	b1 := common.HexToHash("0x01")
	b2 := common.HexToHash("0x02")
	alice := common.HexToAddress("0xa1")

	events := []*domain.Event{
		{ID: "e2", Type: domain.EventUnclaimedMoved, BatchID: b2, Account: alice, BatchIDs: []domain.BatchID{b1}, Timestamp: 200},
		{ID: "e1", Type: domain.EventBatchDeposited, BatchID: b1, Account: alice, Timestamp: 100},
	}
	require.NoError(t, store.InsertBulk(ctx, events))

	got, err := store.GetByBatchID(ctx, b1)
	require.NoError(t, err)
	require.Len(t, got, 2, "hot-swap sources match too")
	assert.Equal(t, "e1", got[0].ID)
	assert.Equal(t, "e2", got[1].ID)

	got, err = store.GetByBatchID(ctx, b2)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = store.GetByAccount(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	err = store.InsertBulk(ctx, []*domain.Event{{ID: "e3"}, {ID: "e1"}})
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)
	got, _ = store.GetByAccount(ctx, common.Address{})
	assert.Empty(t, got, "failed batch inserts nothing")

	assert.ErrorIs(t, store.InsertBulk(ctx, []*domain.Event{{}}), storage.ErrInvalidInput)
}
