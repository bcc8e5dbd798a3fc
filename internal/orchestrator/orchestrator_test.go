package orchestrator

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
	"batch-engine/internal/events"
	"batch-engine/internal/hotswap"
	"batch-engine/internal/storage"
	"batch-engine/internal/storage/memory"
)

var (
	stable     = common.HexToAddress("0x5a")
	index      = common.HexToAddress("0x1d")
	vault      = common.HexToAddress("0x10")
	stakePool  = common.HexToAddress("0x20")
	controller = common.HexToAddress("0xc0")
	admin      = common.HexToAddress("0xad")
	keeper     = common.HexToAddress("0x4e")
	zapper     = common.HexToAddress("0x2a")
	alice      = common.HexToAddress("0xa1")
	bob        = common.HexToAddress("0xb0")
	treasury   = common.HexToAddress("0x7e")
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(dur)
}

type fixture struct {
	o       *Orchestrator
	store   *memory.LedgerStore
	events  *memory.EventStore
	book    *custody.Book
	staking *custody.StakingPool
	venue   *stub.Venue
	clock   *clock
}

func defaultConfig() Config {
	th := domain.ProcessingThresholds{Cooldown: 1800 * time.Second, EarlyThreshold: d(20000)}
	return Config{
		MintThresholds:   th,
		RedeemThresholds: th,
		MintSlippage:     domain.Slippage{Bps: 100},
		RedeemSlippage:   domain.Slippage{Bps: 100},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.NewLedgerStore()
	evs := memory.NewEventStore()
	book := custody.NewBook(vault)
	venue := stub.NewVenue(book, vault)
	venue.SetRate(stable, index, decimal.RequireFromString("0.9699"))
	venue.SetRate(index, stable, d(1))
	staking := custody.NewStakingPool(book, index, stakePool)
	clk := &clock{t: time.Unix(1_700_000_000, 0)}

	o, err := New(Options{
		Product:    Product{Name: "Butter", Stable: stable, Index: index},
		Controller: controller,
		Store:      store,
		Adapter:    venue,
		Oracle:     venue,
		Custody:    book,
		Staking:    staking,
		Authorizer: access.NewStaticAuthorizer(map[access.Role][]common.Address{
			access.RoleAdmin:  {admin},
			access.RoleKeeper: {keeper},
			access.RoleZapper: {zapper},
		}),
		Publisher: events.NewRecorder(evs),
		Config:    defaultConfig(),
		Now:       clk.now,
	})
	require.NoError(t, err)
	require.NoError(t, o.Init(context.Background()))

	for _, acc := range []common.Address{alice, bob, zapper} {
		book.Mint(stable, acc, d(1_000_000))
		book.Mint(index, acc, d(1_000_000))
	}

	return &fixture{o: o, store: store, events: evs, book: book, staking: staking, venue: venue, clock: clk}
}

func (f *fixture) batch(t *testing.T, id domain.BatchID) *domain.Batch {
	t.Helper()
	b, err := f.o.GetBatch(context.Background(), id)
	require.NoError(t, err)
	return b
}

func (f *fixture) current(t *testing.T, kind domain.BatchKind) domain.BatchID {
	t.Helper()
	id, err := f.o.CurrentBatchID(context.Background(), kind)
	require.NoError(t, err)
	return id
}

// assertConservation checks that positions sum to UnclaimedShares for every batch.
func (f *fixture) assertConservation(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.View(ctx, func(tx storage.LedgerTx) error {
		for _, kind := range []domain.BatchKind{domain.BatchKindMint, domain.BatchKindRedeem} {
			batches, err := tx.ListBatches(ctx, kind)
			require.NoError(t, err)
			for _, b := range batches {
				positions, err := tx.GetPositions(ctx, b.ID)
				require.NoError(t, err)
				sum := decimal.Zero
				for _, p := range positions {
					sum = sum.Add(p.SuppliedAmount)
				}
				assert.True(t, sum.Equal(b.UnclaimedShares), "batch %s: positions %s, unclaimed %s", b.ID.Hex(), sum, b.UnclaimedShares)
				assert.False(t, b.ClaimableOutputTotal.IsNegative())
				if !b.Claimable {
					assert.True(t, b.ClaimableOutputTotal.IsZero())
				}
			}
		}
		return nil
	}))
}

func TestInit_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mint := f.current(t, domain.BatchKindMint)
	redeem := f.current(t, domain.BatchKindRedeem)
	assert.NotEqual(t, mint, redeem)

	require.NoError(t, f.o.Init(ctx))
	assert.Equal(t, mint, f.current(t, domain.BatchKindMint))

	b := f.batch(t, mint)
	assert.Equal(t, stable, b.SourceToken)
	assert.Equal(t, index, b.TargetToken)
	assert.Equal(t, uint64(0), b.Sequence)
}

func TestMintScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batch, err := f.o.DepositForMint(ctx, alice, d(10000), common.Address{})
	require.NoError(t, err)
	id := batch.ID

	_, err = f.o.Process(ctx, keeper, domain.BatchKindMint)
	require.ErrorIs(t, err, domain.ErrTooEarly)

	f.clock.advance(1800 * time.Second)
	res, err := f.o.Process(ctx, keeper, domain.BatchKindMint)
	require.NoError(t, err)
	assert.True(t, res.Output.Equal(d(9699)), "output %s", res.Output)
	assert.NotEqual(t, id, res.NextBatchID)
	assert.Equal(t, res.NextBatchID, f.current(t, domain.BatchKindMint))

	claim, err := f.o.Claim(ctx, alice, id, common.Address{})
	require.NoError(t, err)
	assert.True(t, claim.Net.Equal(d(9699)))
	assert.True(t, claim.Fee.IsZero(), "mint claims carry no fee")

	b := f.batch(t, id)
	assert.True(t, b.UnclaimedShares.IsZero())
	assert.True(t, b.ClaimableOutputTotal.IsZero())
	assert.True(t, f.book.BalanceOf(index, alice).Equal(d(1_000_000+9699)))

	f.assertConservation(t)
}

func TestEarlyThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.o.DepositForMint(ctx, alice, d(10000), common.Address{})
	require.NoError(t, err)

	el, err := f.o.Eligibility(ctx, domain.BatchKindMint)
	require.NoError(t, err)
	assert.False(t, el.Eligible)

	_, err = f.o.DepositForMint(ctx, bob, d(10000), common.Address{})
	require.NoError(t, err)

	el, err = f.o.Eligibility(ctx, domain.BatchKindMint)
	require.NoError(t, err)
	assert.True(t, el.Eligible)

	res, err := f.o.Process(ctx, keeper, domain.BatchKindMint)
	require.NoError(t, err, "threshold reached before cooldown")
	assert.True(t, res.Supplied.Equal(d(20000)))
	assert.True(t, res.Output.Equal(d(19398)))

	a, err := f.o.Claim(ctx, alice, res.BatchID, common.Address{})
	require.NoError(t, err)
	b, err := f.o.Claim(ctx, bob, res.BatchID, common.Address{})
	require.NoError(t, err)
	assert.True(t, a.Net.Add(b.Net).Equal(d(19398)))
}

func TestHotSwapScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.venue.SetRate(stable, index, decimal.RequireFromString("969.9"))

	batch, err := f.o.DepositForMint(ctx, alice, d(10), common.Address{})
	require.NoError(t, err)
	f.clock.advance(time.Hour)
	res, err := f.o.Process(ctx, keeper, domain.BatchKindMint)
	require.NoError(t, err)
	require.True(t, res.Output.Equal(d(9699)))

	redeemID := f.current(t, domain.BatchKindRedeem)
	swap, err := f.o.MoveUnclaimedIntoCurrentBatch(ctx, alice, []domain.BatchID{batch.ID}, []decimal.Decimal{d(10)}, false)
	require.NoError(t, err)
	assert.Equal(t, redeemID, swap.BatchID)
	assert.True(t, swap.Amount.Equal(d(9699)))

	redeem := f.batch(t, redeemID)
	assert.True(t, redeem.SuppliedTotal.Equal(d(9699)))

	mint := f.batch(t, batch.ID)
	assert.True(t, mint.UnclaimedShares.IsZero())
	assert.True(t, mint.ClaimableOutputTotal.IsZero())

	pos, err := f.o.GetPosition(ctx, redeemID, alice)
	require.NoError(t, err)
	assert.True(t, pos.Equal(d(9699)))

	history, err := f.o.GetAccountBatchIDs(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []domain.BatchID{batch.ID, redeemID}, history)

	// index never left the vault
	assert.True(t, f.book.BalanceOf(index, alice).Equal(d(1_000_000)))

	f.assertConservation(t)
}

func TestHotSwapRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batch, err := f.o.DepositForMint(ctx, alice, d(100), common.Address{})
	require.NoError(t, err)
	f.clock.advance(time.Hour)
	_, err = f.o.Process(ctx, keeper, domain.BatchKindMint)
	require.NoError(t, err)

	_, err = f.o.MoveUnclaimedIntoCurrentBatch(ctx, alice, []domain.BatchID{batch.ID}, nil, false)
	require.ErrorIs(t, err, domain.ErrLengthMismatch)

	_, err = f.o.MoveUnclaimedIntoCurrentBatch(ctx, alice, []domain.BatchID{batch.ID}, []decimal.Decimal{d(100)}, true)
	require.ErrorIs(t, err, domain.ErrWrongBatchType, "mint output cannot feed the mint queue")

	ids := make([]domain.BatchID, MaxHotSwapBatches+1)
	shares := make([]decimal.Decimal, MaxHotSwapBatches+1)
	_, err = f.o.MoveUnclaimedIntoCurrentBatch(ctx, alice, ids, shares, false)
	require.ErrorIs(t, err, domain.ErrTooManyBatches)

	_, err = f.o.MoveUnclaimedIntoCurrentBatch(ctx, alice, []domain.BatchID{batch.ID}, []decimal.Decimal{d(101)}, false)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	// open batch cannot be moved
	open := f.current(t, domain.BatchKindMint)
	_, err = f.o.DepositForMint(ctx, alice, d(5), common.Address{})
	require.NoError(t, err)
	_, err = f.o.MoveUnclaimedIntoCurrentBatch(ctx, alice, []domain.BatchID{batch.ID, open}, []decimal.Decimal{d(50), d(5)}, false)
	require.ErrorIs(t, err, domain.ErrNotYetClaimable)

	// the failed call above settled nothing
	pos, err := f.o.GetPosition(ctx, batch.ID, alice)
	require.NoError(t, err)
	assert.True(t, pos.Equal(d(100)))
}

func TestClaimableBatchesFeedPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.o.DepositForMint(ctx, alice, d(3000), common.Address{})
	require.NoError(t, err)
	_, err = f.o.DepositForMint(ctx, bob, d(7000), common.Address{})
	require.NoError(t, err)
	f.clock.advance(time.Hour)
	_, err = f.o.Process(ctx, keeper, domain.BatchKindMint)
	require.NoError(t, err)

	second, err := f.o.DepositForMint(ctx, alice, d(5000), common.Address{})
	require.NoError(t, err)
	f.clock.advance(time.Hour)
	_, err = f.o.Process(ctx, keeper, domain.BatchKindMint)
	require.NoError(t, err)

	candidates, err := f.o.ClaimableBatches(ctx, alice, domain.BatchKindMint)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, first.ID, candidates[0].BatchID)
	assert.True(t, candidates[0].ClaimableAmount.Equal(d(2909)))
	assert.Equal(t, second.ID, candidates[1].BatchID)
	assert.True(t, candidates[1].ClaimableAmount.Equal(d(4849)))

	plan := hotswap.Prepare(d(4000), candidates)
	require.Len(t, plan.BatchIDs, 2)
	assert.True(t, plan.Amount.Equal(d(3999)))

	swap, err := f.o.MoveUnclaimedIntoCurrentBatch(ctx, alice, plan.BatchIDs, plan.Shares, false)
	require.NoError(t, err)
	assert.True(t, swap.Amount.Equal(plan.Amount))
	assert.True(t, swap.Amount.LessThanOrEqual(d(4000)))

	f.assertConservation(t)
}

func TestRedemptionFeeScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.o.Fee().SetRedemptionFee(ctx, admin, 100, treasury)
	require.NoError(t, err)

	batch, err := f.o.DepositForRedeem(ctx, alice, d(100), common.Address{})
	require.NoError(t, err)
	f.clock.advance(time.Hour)
	res, err := f.o.Process(ctx, keeper, domain.BatchKindRedeem)
	require.NoError(t, err)
	require.True(t, res.Output.Equal(d(100)))

	claim, err := f.o.Claim(ctx, alice, batch.ID, common.Address{})
	require.NoError(t, err)
	assert.True(t, claim.Payout.Equal(d(100)))
	assert.True(t, claim.Net.Equal(d(99)))
	assert.True(t, claim.Fee.Equal(d(1)))
	assert.True(t, f.book.BalanceOf(stable, alice).Equal(d(1_000_000+99)))

	st, err := f.o.RedemptionFee(ctx)
	require.NoError(t, err)
	assert.True(t, st.Accumulated.Equal(d(1)))

	swept, err := f.o.Fee().Sweep(ctx, bob)
	require.NoError(t, err)
	assert.True(t, swept.Equal(d(1)))
	assert.True(t, f.book.BalanceOf(stable, treasury).Equal(d(1)))
}

func TestFeeTakenAfterSettle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.o.Fee().SetRedemptionFee(ctx, admin, 100, treasury)
	require.NoError(t, err)

	batch, err := f.o.DepositForRedeem(ctx, alice, d(500), common.Address{})
	require.NoError(t, err)
	_, err = f.o.DepositForRedeem(ctx, bob, d(500), common.Address{})
	require.NoError(t, err)
	f.clock.advance(time.Hour)
	_, err = f.o.Process(ctx, keeper, domain.BatchKindRedeem)
	require.NoError(t, err)

	a, err := f.o.Claim(ctx, alice, batch.ID, common.Address{})
	require.NoError(t, err)
	assert.True(t, a.Payout.Equal(d(500)))
	assert.True(t, a.Net.Equal(d(495)))

	// the pool was debited by the pre-fee payout, so bob's share is unaffected
	b := f.batch(t, batch.ID)
	assert.True(t, b.ClaimableOutputTotal.Equal(d(500)))
	bb, err := f.o.Claim(ctx, bob, batch.ID, common.Address{})
	require.NoError(t, err)
	assert.True(t, bb.Payout.Equal(d(500)))
}

func TestSlippageAbort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg := defaultConfig()
	cfg.MintSlippage = domain.Slippage{Bps: 0}
	require.NoError(t, f.o.Reconfigure(ctx, admin, cfg))

	batch, err := f.o.DepositForMint(ctx, alice, d(10000), common.Address{})
	require.NoError(t, err)
	f.clock.advance(time.Hour)

	f.venue.SetShortfall(10)
	_, err = f.o.Process(ctx, keeper, domain.BatchKindMint)
	require.ErrorIs(t, err, domain.ErrSlippageExceeded)

	b := f.batch(t, batch.ID)
	assert.False(t, b.Claimable)
	assert.True(t, b.ClaimableOutputTotal.IsZero())
	assert.Equal(t, batch.ID, f.current(t, domain.BatchKindMint))

	// the keeper retries once conditions improve
	f.venue.SetShortfall(0)
	_, err = f.o.Process(ctx, keeper, domain.BatchKindMint)
	require.NoError(t, err)
	assert.True(t, f.batch(t, batch.ID).Claimable)
}

func TestVenueFailureLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batch, err := f.o.DepositForMint(ctx, alice, d(10000), common.Address{})
	require.NoError(t, err)
	f.clock.advance(time.Hour)

	boom := errors.New("venue reverted")
	f.venue.FailWith(boom)
	_, err = f.o.Process(ctx, keeper, domain.BatchKindMint)
	require.ErrorIs(t, err, boom)

	b := f.batch(t, batch.ID)
	assert.False(t, b.Claimable)
	assert.True(t, b.SuppliedTotal.Equal(d(10000)))
	assert.Equal(t, batch.ID, f.current(t, domain.BatchKindMint))
}

func TestProcessTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batch, err := f.o.DepositForMint(ctx, alice, d(10000), common.Address{})
	require.NoError(t, err)
	f.clock.advance(time.Hour)

	_, err = f.o.ProcessBatch(ctx, keeper, batch.ID)
	require.NoError(t, err)

	_, err = f.o.ProcessBatch(ctx, keeper, batch.ID)
	require.ErrorIs(t, err, domain.ErrAlreadyProcessed)

	_, err = f.o.Process(ctx, keeper, domain.BatchKindMint)
	require.ErrorIs(t, err, domain.ErrInvalidAmount, "the fresh batch is empty")
}

func TestProcessRequiresKeeper(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.o.DepositForMint(ctx, alice, d(30000), common.Address{})
	require.NoError(t, err)

	_, err = f.o.Process(ctx, alice, domain.BatchKindMint)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = f.o.Process(ctx, keeper, domain.BatchKind("SIDEWAYS"))
	require.ErrorIs(t, err, domain.ErrWrongBatchType)
}

func TestWithdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batch, err := f.o.DepositForMint(ctx, alice, d(1000), common.Address{})
	require.NoError(t, err)

	_, err = f.o.WithdrawFromBatch(ctx, alice, batch.ID, d(1001), common.Address{})
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	_, err = f.o.WithdrawFromBatch(ctx, alice, batch.ID, d(400), common.Address{})
	require.NoError(t, err)
	assert.True(t, f.book.BalanceOf(stable, alice).Equal(d(1_000_000-600)))
	assert.True(t, f.batch(t, batch.ID).SuppliedTotal.Equal(d(600)))

	f.clock.advance(time.Hour)
	_, err = f.o.Process(ctx, keeper, domain.BatchKindMint)
	require.NoError(t, err)

	_, err = f.o.WithdrawFromBatch(ctx, alice, batch.ID, d(1), common.Address{})
	require.ErrorIs(t, err, domain.ErrBatchClosed)

	_, err = f.o.WithdrawFromBatch(ctx, alice, common.HexToHash("0xdead"), d(1), common.Address{})
	require.ErrorIs(t, err, domain.ErrInvalidBatch)

	f.assertConservation(t)
}

func TestDelegatedWithdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batch, err := f.o.DepositForMint(ctx, alice, d(1000), common.Address{})
	require.NoError(t, err)

	tests := []struct {
		name      string
		caller    common.Address
		recipient common.Address
		wantErr   error
	}{
		{"stranger for owner", bob, bob, domain.ErrNotAllowed},
		{"stranger to owner", bob, alice, domain.ErrNotAllowed},
		{"zapper to third party", zapper, bob, domain.ErrNotAllowed},
		{"zapper to itself", zapper, zapper, nil},
		{"zapper to owner", zapper, alice, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.o.WithdrawFromBatchFor(ctx, tt.caller, batch.ID, d(10), tt.recipient, alice)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}

	assert.True(t, f.book.BalanceOf(stable, zapper).Equal(d(1_000_000+10)))
	assert.True(t, f.book.BalanceOf(stable, alice).Equal(d(1_000_000-1000+10)))
	assert.True(t, f.batch(t, batch.ID).SuppliedTotal.Equal(d(980)))
}

func TestPause(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batch, err := f.o.DepositForMint(ctx, alice, d(1000), common.Address{})
	require.NoError(t, err)
	_, err = f.o.DepositForMint(ctx, bob, d(1000), common.Address{})
	require.NoError(t, err)
	f.clock.advance(time.Hour)
	_, err = f.o.Process(ctx, keeper, domain.BatchKindMint)
	require.NoError(t, err)
	open, err := f.o.DepositForMint(ctx, alice, d(500), common.Address{})
	require.NoError(t, err)

	require.ErrorIs(t, f.o.Pause(ctx, alice), domain.ErrUnauthorized)
	require.NoError(t, f.o.Pause(ctx, admin))
	paused, err := f.o.Paused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)

	_, err = f.o.DepositForMint(ctx, alice, d(1), common.Address{})
	require.ErrorIs(t, err, domain.ErrPaused)
	_, err = f.o.Process(ctx, keeper, domain.BatchKindMint)
	require.ErrorIs(t, err, domain.ErrPaused)
	_, err = f.o.MoveUnclaimedIntoCurrentBatch(ctx, bob, []domain.BatchID{batch.ID}, []decimal.Decimal{d(1000)}, false)
	require.ErrorIs(t, err, domain.ErrPaused)

	// exits stay open
	_, err = f.o.WithdrawFromBatch(ctx, alice, open.ID, d(500), common.Address{})
	require.NoError(t, err)
	_, err = f.o.Claim(ctx, alice, batch.ID, common.Address{})
	require.NoError(t, err)

	require.NoError(t, f.o.Unpause(ctx, admin))
	_, err = f.o.DepositForMint(ctx, alice, d(1), common.Address{})
	require.NoError(t, err)
}

func TestClaimAndStake(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mint, err := f.o.DepositForMint(ctx, alice, d(10000), common.Address{})
	require.NoError(t, err)
	redeem, err := f.o.DepositForRedeem(ctx, alice, d(100), common.Address{})
	require.NoError(t, err)
	f.clock.advance(time.Hour)
	_, err = f.o.Process(ctx, keeper, domain.BatchKindMint)
	require.NoError(t, err)
	_, err = f.o.Process(ctx, keeper, domain.BatchKindRedeem)
	require.NoError(t, err)

	_, err = f.o.ClaimAndStake(ctx, alice, redeem.ID, common.Address{})
	require.ErrorIs(t, err, domain.ErrWrongBatchType)

	res, err := f.o.ClaimAndStake(ctx, alice, mint.ID, bob)
	require.NoError(t, err)
	assert.True(t, res.Net.Equal(d(9699)))
	assert.True(t, f.staking.StakeOf(bob).Equal(d(9699)))
	assert.True(t, f.book.BalanceOf(index, alice).Equal(d(1_000_000-100)), "staked, not transferred")

	_, err = f.o.Claim(ctx, alice, mint.ID, common.Address{})
	require.ErrorIs(t, err, domain.ErrInsufficientBalance, "nothing left to claim")
}

func TestClaimBeforeProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batch, err := f.o.DepositForMint(ctx, alice, d(10), common.Address{})
	require.NoError(t, err)

	_, err = f.o.Claim(ctx, alice, batch.ID, common.Address{})
	require.ErrorIs(t, err, domain.ErrNotYetClaimable)
}

func TestDepositRollsBackOnCustodyFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pauper := common.HexToAddress("0x0b")

	_, err := f.o.DepositForMint(ctx, pauper, d(10), common.Address{})
	require.ErrorIs(t, err, custody.ErrInsufficientFunds)

	b := f.batch(t, f.current(t, domain.BatchKindMint))
	assert.True(t, b.SuppliedTotal.IsZero())
	history, err := f.o.GetAccountBatchIDs(ctx, pauper)
	require.NoError(t, err)
	assert.Empty(t, history)

	_, err = f.o.DepositForMint(ctx, alice, d(0), common.Address{})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestDepositOnBehalfOf(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batch, err := f.o.DepositForMint(ctx, zapper, d(250), alice)
	require.NoError(t, err)

	pos, err := f.o.GetPosition(ctx, batch.ID, alice)
	require.NoError(t, err)
	assert.True(t, pos.Equal(d(250)))
	assert.True(t, f.book.BalanceOf(stable, zapper).Equal(d(1_000_000-250)), "tokens pulled from the caller")

	pos, err = f.o.GetPosition(ctx, batch.ID, zapper)
	require.NoError(t, err)
	assert.True(t, pos.IsZero())
}

func TestReconfigure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg := defaultConfig()
	cfg.RedeemSlippage = domain.Slippage{Bps: 10001}
	require.ErrorIs(t, f.o.Reconfigure(ctx, admin, cfg), domain.ErrInvalidConfig)

	cfg = defaultConfig()
	cfg.MintThresholds.Cooldown = time.Minute
	require.ErrorIs(t, f.o.Reconfigure(ctx, keeper, cfg), domain.ErrUnauthorized)
	require.NoError(t, f.o.Reconfigure(ctx, admin, cfg))

	mintTh, err := f.o.ProcessingThresholds(ctx, domain.BatchKindMint)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mintTh.Cooldown)
	redeemTh, err := f.o.ProcessingThresholds(ctx, domain.BatchKindRedeem)
	require.NoError(t, err)
	assert.Equal(t, 1800*time.Second, redeemTh.Cooldown)
	slippage, err := f.o.Slippage(ctx, domain.BatchKindMint)
	require.NoError(t, err)
	assert.Equal(t, uint32(100), slippage.Bps)

	cfg.RedeemThresholds.EarlyThreshold = decimal.RequireFromString("20000.5")
	require.ErrorIs(t, f.o.Reconfigure(ctx, admin, cfg), domain.ErrInvalidConfig)
}

// newPeer starts a second engine over the fixture's store, as another
// replica of the same product would.
func (f *fixture) newPeer(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	o, err := New(Options{
		Product:    Product{Name: "Butter", Stable: stable, Index: index},
		Controller: controller,
		Store:      f.store,
		Adapter:    f.venue,
		Oracle:     f.venue,
		Custody:    f.book,
		Staking:    f.staking,
		Authorizer: access.NewStaticAuthorizer(map[access.Role][]common.Address{
			access.RoleAdmin:  {admin},
			access.RoleKeeper: {keeper},
			access.RoleZapper: {zapper},
		}),
		Publisher: events.NewRecorder(f.events),
		Config:    cfg,
		Now:       f.clock.now,
	})
	require.NoError(t, err)
	require.NoError(t, o.Init(context.Background()))
	return o
}

func TestSettingsSharedAcrossEngines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	own := defaultConfig()
	own.MintThresholds.Cooldown = time.Second
	peer := f.newPeer(t, own)

	got, err := peer.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1800*time.Second, got.MintThresholds.Cooldown, "stored settings win over the local config")

	_, err = f.o.DepositForMint(ctx, alice, d(10000), common.Address{})
	require.NoError(t, err)
	f.clock.advance(time.Hour)

	require.NoError(t, f.o.Pause(ctx, admin))
	_, err = peer.Process(ctx, keeper, domain.BatchKindMint)
	require.ErrorIs(t, err, domain.ErrPaused)
	_, err = peer.DepositForMint(ctx, bob, d(1), common.Address{})
	require.ErrorIs(t, err, domain.ErrPaused)

	require.NoError(t, peer.Unpause(ctx, admin))
	paused, err := f.o.Paused(ctx)
	require.NoError(t, err)
	assert.False(t, paused)

	cfg := defaultConfig()
	cfg.MintThresholds = domain.ProcessingThresholds{Cooldown: 2 * time.Hour, EarlyThreshold: d(1_000_000)}
	require.NoError(t, f.o.Reconfigure(ctx, admin, cfg))
	_, err = peer.Process(ctx, keeper, domain.BatchKindMint)
	require.ErrorIs(t, err, domain.ErrTooEarly)

	// pause survives both reconfiguration and a restart
	require.NoError(t, f.o.Pause(ctx, admin))
	require.NoError(t, peer.Reconfigure(ctx, admin, cfg))
	restarted := f.newPeer(t, defaultConfig())
	stored, paused, err := restarted.Settings(ctx)
	require.NoError(t, err)
	assert.True(t, paused)
	assert.Equal(t, 2*time.Hour, stored.MintThresholds.Cooldown)
}

func TestFractionalAmountsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	half := decimal.RequireFromString("0.5")

	_, err := f.o.DepositForMint(ctx, alice, decimal.RequireFromString("0.9"), common.Address{})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	assert.True(t, f.book.BalanceOf(stable, alice).Equal(d(1_000_000)))
	assert.True(t, f.batch(t, f.current(t, domain.BatchKindMint)).SuppliedTotal.IsZero())

	batch, err := f.o.DepositForMint(ctx, alice, d(10000), common.Address{})
	require.NoError(t, err)
	_, err = f.o.WithdrawFromBatch(ctx, alice, batch.ID, half, common.Address{})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	f.clock.advance(time.Hour)
	_, err = f.o.Process(ctx, keeper, domain.BatchKindMint)
	require.NoError(t, err)

	_, err = f.o.MoveUnclaimedIntoCurrentBatch(ctx, alice, []domain.BatchID{batch.ID}, []decimal.Decimal{half}, false)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	assert.True(t, f.batch(t, batch.ID).UnclaimedShares.Equal(d(10000)))

	f.assertConservation(t)
}

func TestProcessBatchStaleID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.o.DepositForRedeem(ctx, alice, d(100), common.Address{})
	require.NoError(t, err)
	f.clock.advance(time.Hour)
	_, err = f.o.Process(ctx, keeper, domain.BatchKindRedeem)
	require.NoError(t, err)

	_, err = f.o.DepositForRedeem(ctx, bob, d(100), common.Address{})
	require.NoError(t, err)
	f.clock.advance(time.Hour)

	// the old id names a processed batch, not the current one
	_, err = f.o.ProcessBatch(ctx, keeper, first.ID)
	require.ErrorIs(t, err, domain.ErrAlreadyProcessed)
	next := f.current(t, domain.BatchKindRedeem)
	assert.False(t, f.batch(t, next).Claimable)

	_, err = f.o.ProcessBatch(ctx, keeper, next)
	require.NoError(t, err)
}

func TestEventsPublishedAfterCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batch, err := f.o.DepositForMint(ctx, alice, d(10000), common.Address{})
	require.NoError(t, err)
	f.clock.advance(time.Hour)
	_, err = f.o.Process(ctx, keeper, domain.BatchKindMint)
	require.NoError(t, err)
	_, err = f.o.Claim(ctx, alice, batch.ID, common.Address{})
	require.NoError(t, err)

	// a rejected call publishes nothing
	_, err = f.o.Claim(ctx, alice, batch.ID, common.Address{})
	require.Error(t, err)

	evs, err := f.events.GetByBatchID(ctx, batch.ID)
	require.NoError(t, err)
	var types []domain.EventType
	for _, e := range evs {
		types = append(types, e.Type)
		assert.Equal(t, "Butter", e.Product)
		assert.NotEmpty(t, e.ID)
	}
	assert.Equal(t, []domain.EventType{
		domain.EventBatchOpened,
		domain.EventBatchDeposited,
		domain.EventBatchProcessed,
		domain.EventBatchClaimed,
	}, types)
}

func TestAccountHistoryCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.o.historyCap = 2

	var ids []domain.BatchID
	for i := 0; i < 3; i++ {
		b, err := f.o.DepositForMint(ctx, alice, d(30000), common.Address{})
		require.NoError(t, err)
		ids = append(ids, b.ID)
		_, err = f.o.Process(ctx, keeper, domain.BatchKindMint)
		require.NoError(t, err)
	}

	history, err := f.o.GetAccountBatchIDs(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, ids[1:], history)
}

func TestConcurrentDeposits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const workers, perWorker = 8, 25
	accounts := make([]common.Address, workers)
	for i := range accounts {
		accounts[i] = common.BytesToAddress([]byte{0xee, byte(i)})
		f.book.Mint(stable, accounts[i], d(perWorker))
	}

	var wg sync.WaitGroup
	for _, acc := range accounts {
		wg.Add(1)
		go func(acc common.Address) {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, err := f.o.DepositForMint(ctx, acc, d(1), common.Address{})
				assert.NoError(t, err)
			}
		}(acc)
	}
	wg.Wait()

	b := f.batch(t, f.current(t, domain.BatchKindMint))
	assert.True(t, b.SuppliedTotal.Equal(d(workers*perWorker)))
	f.assertConservation(t)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	require.ErrorIs(t, err, domain.ErrInvalidConfig)
}
