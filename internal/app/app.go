// Package app assembles engines, stores and publishers from configuration.
// It is shared by the server, keeper and report commands.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"batch-engine/internal/access"
	"batch-engine/internal/chain"
	"batch-engine/internal/config"
	"batch-engine/internal/conversion"
	"batch-engine/internal/conversion/evm"
	"batch-engine/internal/conversion/stub"
	"batch-engine/internal/custody"
	"batch-engine/internal/domain"
	"batch-engine/internal/events"
	"batch-engine/internal/keeper"
	"batch-engine/internal/lock"
	"batch-engine/internal/orchestrator"
	"batch-engine/internal/storage"
	chstore "batch-engine/internal/storage/clickhouse"
	"batch-engine/internal/storage/memory"
	"batch-engine/internal/storage/migrations"
	pgstore "batch-engine/internal/storage/postgres"
)

// memoryVault holds deposits when no chain is configured.
var memoryVault = common.HexToAddress("0x000000000000000000000000000000000000ba7c")

// Options for New.
type Options struct {
	Config *config.Config
	Logger *zap.Logger

	// Migrate applies the embedded migrations before opening stores.
	Migrate bool

	// WithHub adds a websocket hub to the publishers.
	WithHub bool
}

// App holds the assembled components. Close releases them in reverse order.
type App struct {
	Config     *config.Config
	Engines    []*orchestrator.Orchestrator
	Stores     map[string]storage.LedgerStore
	EventStore storage.EventStore
	Publisher  events.Publisher
	Hub        *events.Hub
	Locker     lock.Locker
	Book       *custody.Book // nil when custody is on chain

	logger  *zap.Logger
	closers []func() error
}

// New builds every configured product engine and runs Init on each.
func New(ctx context.Context, opts Options) (a *App, err error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	a = &App{
		Config: opts.Config,
		Stores: make(map[string]storage.LedgerStore),
		logger: opts.Logger,
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	newLedger, err := a.openStores(ctx, opts.Migrate)
	if err != nil {
		return nil, err
	}
	if err := a.openPublishers(opts.WithHub); err != nil {
		return nil, err
	}
	a.openLocker()

	backend, err := a.openBackend(ctx)
	if err != nil {
		return nil, err
	}

	authorizer := newAuthorizer(opts.Config.Roles)
	for _, pc := range opts.Config.Products {
		engine, err := a.buildEngine(ctx, pc, newLedger(pc.Name), backend, authorizer)
		if err != nil {
			return nil, fmt.Errorf("product %s: %w", pc.Name, err)
		}
		a.Engines = append(a.Engines, engine)
	}
	return a, nil
}

// Close releases connections. Errors are logged.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close", zap.Error(err))
		}
	}
	a.closers = nil
}

// Keepers builds one keeper per engine from the keeper configuration.
func (a *App) Keepers() []*keeper.Keeper {
	caller := common.HexToAddress(a.Config.Keeper.Address)
	out := make([]*keeper.Keeper, 0, len(a.Engines))
	for _, e := range a.Engines {
		out = append(out, keeper.New(keeper.Options{
			Processor: e,
			Locker:    a.Locker,
			Caller:    caller,
			Interval:  a.Config.Keeper.Interval,
			LockTTL:   a.Config.Keeper.LockTTL,
			Logger:    a.logger,
		}))
	}
	return out
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// openStores connects the configured backend and returns a ledger store
// factory keyed by product name.
func (a *App) openStores(ctx context.Context, migrate bool) (func(product string) storage.LedgerStore, error) {
	cfg := a.Config.Storage
	if cfg.Backend == "memory" {
		a.EventStore = memory.NewEventStore()
		return func(string) storage.LedgerStore { return memory.NewLedgerStore() }, nil
	}

	pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	a.onClose(func() error { pool.Close(); return nil })

	if migrate {
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			return nil, err
		}
		a.logger.Info("postgres migrations applied")
	}

	a.EventStore = pgstore.NewEventStore(pool)
	if cfg.ClickHouseDSN != "" {
		var conn *chstore.Conn
		if migrate {
			conn, err = migrations.RunClickhouseMigrations(ctx, cfg.ClickHouseDSN)
		} else {
			conn, err = chstore.NewConn(ctx, cfg.ClickHouseDSN)
		}
		if err != nil {
			return nil, err
		}
		a.onClose(conn.Close)
		a.EventStore = chstore.NewEventStore(conn)
	}

	return func(product string) storage.LedgerStore { return pgstore.NewLedgerStore(pool, product) }, nil
}

// openPublishers fans events out to the event store and every configured
// broker.
func (a *App) openPublishers(withHub bool) error {
	pubs := events.Multi{events.NewRecorder(a.EventStore)}

	if a.Config.NATS.URL != "" {
		p, err := events.NewNATSPublisher(events.NATSConfig{
			URL:           a.Config.NATS.URL,
			Name:          "batch-engine",
			SubjectPrefix: a.Config.NATS.SubjectPrefix,
			ReconnectWait: a.Config.NATS.ReconnectWait,
			MaxReconnects: a.Config.NATS.MaxReconnects,
		}, a.logger)
		if err != nil {
			return err
		}
		pubs = append(pubs, p)
	}
	if len(a.Config.Kafka.Brokers) > 0 {
		pubs = append(pubs, events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: a.Config.Kafka.Brokers,
			Topic:   a.Config.Kafka.Topic,
		}))
	}
	if withHub {
		a.Hub = events.NewHub(a.logger)
		pubs = append(pubs, a.Hub)
	}

	a.Publisher = pubs
	a.onClose(pubs.Close)
	return nil
}

func (a *App) openLocker() {
	if a.Config.Redis.Addr == "" {
		a.Locker = lock.NewLocal()
		return
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	a.onClose(client.Close)
	a.Locker = lock.NewRedisLocker(client, a.Config.Redis.KeyPrefix, a.logger)
}

// backend is where tokens live and conversions run.
type backend struct {
	vault   common.Address
	custody custody.Custody
	adapter conversion.Adapter
	oracle  conversion.RateOracle
	staking func(index, pool common.Address) custody.StakingSink
	rates   *stub.Venue // nil on chain
}

func (a *App) openBackend(ctx context.Context) (*backend, error) {
	cfg := a.Config.Chain
	if cfg.RPCURL == "" {
		a.Book = custody.NewBook(memoryVault)
		venue := stub.NewVenue(a.Book, memoryVault)
		a.logger.Warn("no chain configured, using in-memory custody and fixed-rate venue")
		return &backend{
			vault:   memoryVault,
			custody: a.Book,
			adapter: venue,
			oracle:  venue,
			staking: func(index, pool common.Address) custody.StakingSink {
				return custody.NewStakingPool(a.Book, index, pool)
			},
			rates: venue,
		}, nil
	}

	client, err := chain.Dial(ctx, cfg.RPCURL, chain.Config{
		ChainID:        cfg.ChainID,
		KeyHex:         cfg.VaultKey,
		ConfirmTimeout: cfg.ConfirmTimeout,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	venue := evm.NewVenue(client, common.HexToAddress(cfg.Venue), a.logger)
	a.logger.Info("chain connected", zap.Int64("chain_id", cfg.ChainID), zap.String("vault", client.Address().Hex()))
	return &backend{
		vault:   client.Address(),
		custody: custody.NewERC20(client, a.logger),
		adapter: venue,
		oracle:  venue,
		staking: func(index, pool common.Address) custody.StakingSink {
			return custody.NewStaking(client, index, pool)
		},
	}, nil
}

func (a *App) buildEngine(ctx context.Context, pc config.ProductConfig, store storage.LedgerStore, b *backend, authorizer access.Authorizer) (*orchestrator.Orchestrator, error) {
	product := orchestrator.Product{
		Name:   pc.Name,
		Stable: common.HexToAddress(pc.Stable),
		Index:  common.HexToAddress(pc.Index),
	}

	cfg, err := engineConfig(pc)
	if err != nil {
		return nil, err
	}

	if b.rates != nil {
		if err := setRates(b.rates, product, pc.Rates); err != nil {
			return nil, err
		}
	}

	var staking custody.StakingSink
	if pc.Staking != "" {
		staking = b.staking(product.Index, common.HexToAddress(pc.Staking))
	}

	engine, err := orchestrator.New(orchestrator.Options{
		Product:           product,
		Controller:        b.vault,
		Store:             store,
		Adapter:           b.adapter,
		Oracle:            b.oracle,
		Custody:           b.custody,
		Authorizer:        authorizer,
		Staking:           staking,
		Publisher:         a.Publisher,
		Config:            cfg,
		AccountHistoryCap: pc.AccountHistoryCap,
		Logger:            a.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := engine.Init(ctx); err != nil {
		return nil, err
	}
	if _, err := engine.Fee().Bootstrap(ctx, pc.Fee.RateBps, common.HexToAddress(pc.Fee.Recipient)); err != nil {
		return nil, err
	}

	a.Stores[pc.Name] = store
	a.logger.Info("engine ready", zap.String("product", pc.Name))
	return engine, nil
}

func engineConfig(pc config.ProductConfig) (orchestrator.Config, error) {
	mint, err := pc.Mint.Thresholds()
	if err != nil {
		return orchestrator.Config{}, fmt.Errorf("mint: %w", err)
	}
	redeem, err := pc.Redeem.Thresholds()
	if err != nil {
		return orchestrator.Config{}, fmt.Errorf("redeem: %w", err)
	}
	return orchestrator.Config{
		MintThresholds:   mint,
		RedeemThresholds: redeem,
		MintSlippage:     domain.Slippage{Bps: pc.Mint.SlippageBps},
		RedeemSlippage:   domain.Slippage{Bps: pc.Redeem.SlippageBps},
	}, nil
}

// setRates configures the fixed-rate venue. A missing rate is 1:1.
func setRates(venue *stub.Venue, p orchestrator.Product, rates config.RatesConfig) error {
	parse := func(raw string) (decimal.Decimal, error) {
		if raw == "" {
			return decimal.NewFromInt(1), nil
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, err
		}
		if !d.IsPositive() {
			return decimal.Zero, errors.New("rate must be positive")
		}
		return d, nil
	}

	mint, err := parse(rates.Mint)
	if err != nil {
		return fmt.Errorf("mint rate %q: %w", rates.Mint, err)
	}
	redeem, err := parse(rates.Redeem)
	if err != nil {
		return fmt.Errorf("redeem rate %q: %w", rates.Redeem, err)
	}
	venue.SetRate(p.Stable, p.Index, mint)
	venue.SetRate(p.Index, p.Stable, redeem)
	return nil
}

func newAuthorizer(roles config.RolesConfig) *access.StaticAuthorizer {
	return access.NewStaticAuthorizer(map[access.Role][]common.Address{
		access.RoleAdmin:  config.Addresses(roles.Admins),
		access.RoleKeeper: config.Addresses(roles.Keepers),
		access.RoleZapper: config.Addresses(roles.Zappers),
	})
}
