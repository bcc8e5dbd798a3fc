// Package orchestrator runs the batch lifecycle of one product: deposits and
// withdrawals into the open batches, processing through the conversion venue,
// claims and hot-swaps of processed output.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"batch-engine/internal/access"
	"batch-engine/internal/conversion"
	"batch-engine/internal/custody"
	"batch-engine/internal/domain"
	"batch-engine/internal/events"
	"batch-engine/internal/fee"
	"batch-engine/internal/hotswap"
	"batch-engine/internal/idhash"
	"batch-engine/internal/ledger"
	"batch-engine/internal/observability"
	"batch-engine/internal/storage"
)

const (
	// MaxHotSwapBatches bounds the batches settled by one hot-swap.
	MaxHotSwapBatches = 20

	// DefaultAccountHistoryCap is the number of batch ids kept per account.
	DefaultAccountHistoryCap = 500
)

// Product identifies an engine instance and its token pair. Mint batches
// convert Stable into Index; redeem batches convert Index back into Stable.
type Product struct {
	Name   string
	Stable common.Address
	Index  common.Address
}

// Tokens returns the source and target token of a batch kind.
func (p Product) Tokens(kind domain.BatchKind) (source, target common.Address) {
	if kind == domain.BatchKindMint {
		return p.Stable, p.Index
	}
	return p.Index, p.Stable
}

// Config holds the processing parameters changed through Reconfigure.
type Config struct {
	MintThresholds   domain.ProcessingThresholds `json:"mint_thresholds"`
	RedeemThresholds domain.ProcessingThresholds `json:"redeem_thresholds"`
	MintSlippage     domain.Slippage             `json:"mint_slippage"`
	RedeemSlippage   domain.Slippage             `json:"redeem_slippage"`
}

// Thresholds returns the processing thresholds of kind.
func (c Config) Thresholds(kind domain.BatchKind) domain.ProcessingThresholds {
	if kind == domain.BatchKindMint {
		return c.MintThresholds
	}
	return c.RedeemThresholds
}

// Slippage returns the slippage tolerance of kind.
func (c Config) Slippage(kind domain.BatchKind) domain.Slippage {
	if kind == domain.BatchKindMint {
		return c.MintSlippage
	}
	return c.RedeemSlippage
}

// Validate rejects negative durations, negative or fractional thresholds and
// slippage above 100%.
func (c Config) Validate() error {
	for _, kind := range []domain.BatchKind{domain.BatchKindMint, domain.BatchKindRedeem} {
		th := c.Thresholds(kind)
		if th.Cooldown < 0 || th.EarlyThreshold.IsNegative() || !th.EarlyThreshold.IsInteger() {
			return fmt.Errorf("%s thresholds: %w", kind, domain.ErrInvalidConfig)
		}
		if c.Slippage(kind).Bps > domain.BpsDenominator {
			return fmt.Errorf("%s slippage %d bps: %w", kind, c.Slippage(kind).Bps, domain.ErrInvalidConfig)
		}
	}
	return nil
}

func (c Config) settings(paused bool) *domain.EngineSettings {
	return &domain.EngineSettings{
		Paused:           paused,
		MintThresholds:   c.MintThresholds,
		RedeemThresholds: c.RedeemThresholds,
		MintSlippage:     c.MintSlippage,
		RedeemSlippage:   c.RedeemSlippage,
	}
}

func configOf(s *domain.EngineSettings) Config {
	return Config{
		MintThresholds:   s.MintThresholds,
		RedeemThresholds: s.RedeemThresholds,
		MintSlippage:     s.MintSlippage,
		RedeemSlippage:   s.RedeemSlippage,
	}
}

// Orchestrator is the batch engine of one product. The pause flag and Config
// live in the ledger store, so every Orchestrator over the same store sees
// the same values.
type Orchestrator struct {
	product    Product
	self       common.Address
	store      storage.LedgerStore
	ledger     *ledger.Ledger
	fee        *fee.Module
	adapter    conversion.Adapter
	oracle     conversion.RateOracle
	custody    custody.Custody
	staking    custody.StakingSink
	authorizer access.Authorizer
	publisher  events.Publisher
	historyCap int
	logger     *zap.Logger
	now        func() time.Time
	defaults   Config
}

// Options for creating Orchestrator.
type Options struct {
	Product Product

	// Controller is the identity the orchestrator presents to the ledger.
	Controller common.Address

	// Required collaborators
	Store      storage.LedgerStore
	Adapter    conversion.Adapter
	Oracle     conversion.RateOracle
	Custody    custody.Custody
	Authorizer access.Authorizer

	// Optional collaborators
	Staking   custody.StakingSink // required by ClaimAndStake only
	Fee       *fee.Module         // built from the other options if nil
	Publisher events.Publisher

	// Config seeds the stored settings on the first Init against a store.
	// Later changes go through Reconfigure.
	Config            Config
	AccountHistoryCap int // 0 means DefaultAccountHistoryCap, negative disables trimming
	Logger            *zap.Logger
	Now               func() time.Time
}

// New creates a new Orchestrator. Init must be called before use.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Adapter == nil || opts.Oracle == nil || opts.Custody == nil || opts.Authorizer == nil {
		return nil, fmt.Errorf("orchestrator: missing collaborator: %w", domain.ErrInvalidConfig)
	}
	if opts.Product.Name == "" {
		return nil, fmt.Errorf("orchestrator: empty product name: %w", domain.ErrInvalidConfig)
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AccountHistoryCap == 0 {
		opts.AccountHistoryCap = DefaultAccountHistoryCap
	}
	if opts.Fee == nil {
		opts.Fee = fee.New(fee.Options{
			Product:    opts.Product.Name,
			Token:      opts.Product.Stable,
			Store:      opts.Store,
			Custody:    opts.Custody,
			Authorizer: opts.Authorizer,
			Publisher:  opts.Publisher,
			Logger:     opts.Logger,
			Now:        opts.Now,
		})
	}

	return &Orchestrator{
		product:    opts.Product,
		self:       opts.Controller,
		store:      opts.Store,
		ledger:     ledger.New(opts.Controller),
		fee:        opts.Fee,
		adapter:    opts.Adapter,
		oracle:     opts.Oracle,
		custody:    opts.Custody,
		staking:    opts.Staking,
		authorizer: opts.Authorizer,
		publisher:  opts.Publisher,
		historyCap: opts.AccountHistoryCap,
		logger:     opts.Logger.Named("orchestrator").With(zap.String("product", opts.Product.Name)),
		now:        opts.Now,
		defaults:   opts.Config,
	}, nil
}

// Init stores the default settings if the store has none and opens the
// first batch of each kind. It is a no-op for kinds that already have a
// current batch.
func (o *Orchestrator) Init(ctx context.Context) error {
	var (
		opened []*domain.Batch
		seeded bool
	)
	err := o.store.Atomic(ctx, func(tx storage.LedgerTx) error {
		opened = opened[:0]
		seeded = false
		_, err := tx.LockEngineSettings(ctx)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			if err := tx.SetEngineSettings(ctx, o.defaults.settings(false)); err != nil {
				return fmt.Errorf("seed engine settings: %w", err)
			}
			seeded = true
		case err != nil:
			return fmt.Errorf("get engine settings: %w", err)
		}

		for _, kind := range []domain.BatchKind{domain.BatchKindMint, domain.BatchKindRedeem} {
			_, err := tx.GetCurrentBatchID(ctx, kind)
			if err == nil {
				continue
			}
			if !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("get current %s batch: %w", kind, err)
			}
			b, err := o.openBatch(ctx, tx, kind)
			if err != nil {
				return err
			}
			opened = append(opened, b)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	if seeded {
		o.logger.Info("engine settings seeded")
	}
	for _, b := range opened {
		o.logger.Info("batch opened", zap.String("batch_id", b.ID.Hex()), zap.String("kind", b.Kind.String()))
		o.publish(ctx, &domain.Event{Type: domain.EventBatchOpened, BatchID: b.ID, Kind: b.Kind})
	}
	return nil
}

// openBatch opens the next batch of kind and makes it current.
func (o *Orchestrator) openBatch(ctx context.Context, tx storage.LedgerTx, kind domain.BatchKind) (*domain.Batch, error) {
	seq, err := tx.NextSequence(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("next %s sequence: %w", kind, err)
	}

	createdAt := o.now().UnixMilli()
	source, target := o.product.Tokens(kind)
	b := &domain.Batch{
		ID:          idhash.ComputeBatchID(o.product.Name, kind, seq, createdAt),
		Kind:        kind,
		Sequence:    seq,
		SourceToken: source,
		TargetToken: target,
		CreatedAt:   createdAt,
	}
	if err := o.ledger.OpenBatch(ctx, tx, o.self, b); err != nil {
		return nil, err
	}
	if err := tx.SetCurrentBatchID(ctx, kind, b.ID); err != nil {
		return nil, fmt.Errorf("set current %s batch: %w", kind, err)
	}
	return b, nil
}

// recordHistory adds id to the account history and trims it to the cap.
func (o *Orchestrator) recordHistory(ctx context.Context, tx storage.LedgerTx, account common.Address, id domain.BatchID) error {
	if err := tx.AddAccountBatch(ctx, account, id); err != nil {
		return fmt.Errorf("add account batch: %w", err)
	}
	if o.historyCap > 0 {
		if err := tx.TrimAccountBatches(ctx, account, o.historyCap); err != nil {
			return fmt.Errorf("trim account batches: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) requireRole(ctx context.Context, role access.Role, caller common.Address) error {
	if !o.authorizer.HasRole(ctx, role, caller) {
		return fmt.Errorf("%s requires %s: %w", caller.Hex(), role, domain.ErrUnauthorized)
	}
	return nil
}

// settings reads the stored settings, falling back to the defaults before Init.
func (o *Orchestrator) settings(ctx context.Context, tx storage.LedgerTx) (*domain.EngineSettings, error) {
	s, err := tx.GetEngineSettings(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return o.defaults.settings(false), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get engine settings: %w", err)
	}
	return s, nil
}

// requireNotPaused fails with domain.ErrPaused while the product is paused.
// It reads inside the caller's transaction.
func (o *Orchestrator) requireNotPaused(ctx context.Context, tx storage.LedgerTx) error {
	s, err := o.settings(ctx, tx)
	if err != nil {
		return err
	}
	if s.Paused {
		return domain.ErrPaused
	}
	return nil
}

// loadBatch maps storage.ErrNotFound to domain.ErrInvalidBatch.
func loadBatch(ctx context.Context, tx storage.LedgerTx, id domain.BatchID) (*domain.Batch, error) {
	b, err := tx.GetBatch(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("batch %s: %w", id.Hex(), domain.ErrInvalidBatch)
		}
		return nil, fmt.Errorf("load batch %s: %w", id.Hex(), err)
	}
	return b, nil
}

// publish stamps and delivers an event. Delivery failures are logged and
// counted; the state change they describe has already committed.
func (o *Orchestrator) publish(ctx context.Context, evs ...*domain.Event) {
	now := o.now().UnixMilli()
	for _, e := range evs {
		e.Product = o.product.Name
		if e.Timestamp == 0 {
			e.Timestamp = now
		}
	}
	events.Stamp(evs...)

	if err := o.publisher.Publish(ctx, evs...); err != nil {
		observability.RecordEventPublishError(o.product.Name)
		o.logger.Warn("publish events", zap.Int("count", len(evs)), zap.Error(err))
		return
	}
	for _, e := range evs {
		observability.RecordEventsPublished(string(e.Type))
	}
}

// fail counts a rejected operation and returns err.
func (o *Orchestrator) fail(operation string, err error) error {
	observability.RecordOperationError(o.product.Name, operation)
	o.logger.Debug("operation rejected", zap.String("operation", operation), zap.Error(err))
	return err
}

// Product returns the product this orchestrator runs.
func (o *Orchestrator) Product() Product {
	return o.product
}

// Fee returns the fee module.
func (o *Orchestrator) Fee() *fee.Module {
	return o.fee
}

// Store returns the ledger store.
func (o *Orchestrator) Store() storage.LedgerStore {
	return o.store
}

// Settings returns the current processing parameters and pause flag.
func (o *Orchestrator) Settings(ctx context.Context) (Config, bool, error) {
	var s *domain.EngineSettings
	err := o.store.View(ctx, func(tx storage.LedgerTx) error {
		var err error
		s, err = o.settings(ctx, tx)
		return err
	})
	if err != nil {
		return Config{}, false, err
	}
	return configOf(s), s.Paused, nil
}

// Config returns the current processing parameters.
func (o *Orchestrator) Config(ctx context.Context) (Config, error) {
	cfg, _, err := o.Settings(ctx)
	return cfg, err
}

// Paused reports whether deposits, processing and hot-swaps are halted.
func (o *Orchestrator) Paused(ctx context.Context) (bool, error) {
	_, paused, err := o.Settings(ctx)
	return paused, err
}

// ProcessingThresholds returns the thresholds of kind.
func (o *Orchestrator) ProcessingThresholds(ctx context.Context, kind domain.BatchKind) (domain.ProcessingThresholds, error) {
	cfg, err := o.Config(ctx)
	return cfg.Thresholds(kind), err
}

// Slippage returns the slippage tolerance of kind.
func (o *Orchestrator) Slippage(ctx context.Context, kind domain.BatchKind) (domain.Slippage, error) {
	cfg, err := o.Config(ctx)
	return cfg.Slippage(kind), err
}

// RedemptionFee returns the fee configuration and accumulator.
func (o *Orchestrator) RedemptionFee(ctx context.Context) (*domain.FeeState, error) {
	return o.fee.State(ctx)
}

// GetBatch returns a batch. Unknown ids fail with domain.ErrInvalidBatch.
func (o *Orchestrator) GetBatch(ctx context.Context, id domain.BatchID) (*domain.Batch, error) {
	var b *domain.Batch
	err := o.store.View(ctx, func(tx storage.LedgerTx) error {
		var err error
		b, err = loadBatch(ctx, tx, id)
		return err
	})
	return b, err
}

// GetPosition returns the shares account holds in a batch.
func (o *Orchestrator) GetPosition(ctx context.Context, id domain.BatchID, account common.Address) (decimal.Decimal, error) {
	var pos decimal.Decimal
	err := o.store.View(ctx, func(tx storage.LedgerTx) error {
		if _, err := loadBatch(ctx, tx, id); err != nil {
			return err
		}
		var err error
		pos, err = tx.GetPosition(ctx, id, account)
		return err
	})
	return pos, err
}

// GetAccountBatchIDs returns the batches account has deposited into, oldest first.
func (o *Orchestrator) GetAccountBatchIDs(ctx context.Context, account common.Address) ([]domain.BatchID, error) {
	var ids []domain.BatchID
	err := o.store.View(ctx, func(tx storage.LedgerTx) error {
		var err error
		ids, err = tx.GetAccountBatchIDs(ctx, account)
		return err
	})
	return ids, err
}

// CurrentBatchID returns the open batch of kind.
func (o *Orchestrator) CurrentBatchID(ctx context.Context, kind domain.BatchKind) (domain.BatchID, error) {
	var id domain.BatchID
	err := o.store.View(ctx, func(tx storage.LedgerTx) error {
		var err error
		id, err = tx.GetCurrentBatchID(ctx, kind)
		return err
	})
	if err != nil {
		return domain.BatchID{}, fmt.Errorf("current %s batch: %w", kind, err)
	}
	return id, nil
}

// ClaimableBatches lists the processed batches of kind in which account
// still holds shares, in history order, with what settling them would pay.
func (o *Orchestrator) ClaimableBatches(ctx context.Context, account common.Address, kind domain.BatchKind) ([]hotswap.Candidate, error) {
	var out []hotswap.Candidate
	err := o.store.View(ctx, func(tx storage.LedgerTx) error {
		ids, err := tx.GetAccountBatchIDs(ctx, account)
		if err != nil {
			return err
		}
		for _, id := range ids {
			b, err := loadBatch(ctx, tx, id)
			if err != nil {
				return err
			}
			if b.Kind != kind || !b.Claimable || !b.UnclaimedShares.IsPositive() {
				continue
			}
			pos, err := tx.GetPosition(ctx, id, account)
			if err != nil {
				return err
			}
			if !pos.IsPositive() {
				continue
			}
			out = append(out, hotswap.Candidate{
				BatchID:         id,
				SuppliedAmount:  pos,
				ClaimableAmount: ledger.ProRata(b.ClaimableOutputTotal, pos, b.UnclaimedShares),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claimable batches: %w", err)
	}
	return out, nil
}
