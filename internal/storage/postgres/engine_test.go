package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batch-engine/internal/access"
	"batch-engine/internal/conversion/stub"
	"batch-engine/internal/custody"
	"batch-engine/internal/domain"
	"batch-engine/internal/orchestrator"
	"batch-engine/internal/storage"
)

// TestEngine_DepositsRaceProcessing drives deposits and keeper runs at the
// same batch rows. Lock waits are fine; a deadlock abort is not.
func TestEngine_DepositsRaceProcessing(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	stable := common.HexToAddress("0x5a")
	index := common.HexToAddress("0x1d")
	vault := common.HexToAddress("0x10")
	keeper := common.HexToAddress("0x4e")
	depositors := []common.Address{
		common.HexToAddress("0xa1"),
		common.HexToAddress("0xb0"),
		common.HexToAddress("0xca"),
		common.HexToAddress("0xd0"),
	}

	book := custody.NewBook(vault)
	venue := stub.NewVenue(book, vault)
	venue.SetRate(stable, index, decimal.NewFromInt(1))
	for _, acc := range depositors {
		book.Mint(stable, acc, decimal.NewFromInt(1_000_000))
	}

	// zero thresholds make every non-empty batch eligible at once
	zero := domain.ProcessingThresholds{EarlyThreshold: decimal.Zero}
	store := NewLedgerStore(pool, "race")
	o, err := orchestrator.New(orchestrator.Options{
		Product:    orchestrator.Product{Name: "race", Stable: stable, Index: index},
		Controller: common.HexToAddress("0xc0"),
		Store:      store,
		Adapter:    venue,
		Oracle:     venue,
		Custody:    book,
		Authorizer: access.NewStaticAuthorizer(map[access.Role][]common.Address{
			access.RoleKeeper: {keeper},
		}),
		Config: orchestrator.Config{MintThresholds: zero, RedeemThresholds: zero},
	})
	require.NoError(t, err)
	require.NoError(t, o.Init(ctx))

	const perDepositor = 25
	var (
		wg        sync.WaitGroup
		done      = make(chan struct{})
		processed int
	)
	for _, acc := range depositors {
		wg.Add(1)
		go func(acc common.Address) {
			defer wg.Done()
			for i := 0; i < perDepositor; i++ {
				_, err := o.DepositForMint(ctx, acc, decimal.NewFromInt(10), common.Address{})
				assert.NoError(t, err)
			}
		}(acc)
	}

	var kwg sync.WaitGroup
	kwg.Add(1)
	go func() {
		defer kwg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			id, err := o.CurrentBatchID(ctx, domain.BatchKindMint)
			if !assert.NoError(t, err) {
				return
			}
			_, err = o.ProcessBatch(ctx, keeper, id)
			switch {
			case err == nil:
				processed++
			case errors.Is(err, domain.ErrAlreadyProcessed), errors.Is(err, domain.ErrInvalidAmount):
			default:
				assert.NoError(t, err, "process %s", id.Hex())
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	wg.Wait()
	close(done)
	kwg.Wait()
	t.Logf("processed %d batches while depositing", processed)

	require.NoError(t, store.View(ctx, func(tx storage.LedgerTx) error {
		batches, err := tx.ListBatches(ctx, domain.BatchKindMint)
		require.NoError(t, err)
		total := decimal.Zero
		for _, b := range batches {
			total = total.Add(b.SuppliedTotal)
		}
		want := decimal.NewFromInt(int64(10 * perDepositor * len(depositors)))
		assert.True(t, total.Equal(want), "supplied %s, deposited %s", total, want)
		return nil
	}))
}
