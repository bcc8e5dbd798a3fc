// Package config loads engine configuration from a YAML file and BATCH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"batch-engine/internal/domain"
)

// EnvPrefix prefixes every environment override, e.g. BATCH_HTTP_ADDR.
const EnvPrefix = "BATCH"

// Config is the root configuration.
type Config struct {
	Log      LogConfig       `mapstructure:"log"`
	Products []ProductConfig `mapstructure:"products"`
	Roles    RolesConfig     `mapstructure:"roles"`
	Storage  StorageConfig   `mapstructure:"storage"`
	Redis    RedisConfig     `mapstructure:"redis"`
	NATS     NATSConfig      `mapstructure:"nats"`
	Kafka    KafkaConfig     `mapstructure:"kafka"`
	Chain    ChainConfig     `mapstructure:"chain"`
	HTTP     HTTPConfig      `mapstructure:"http"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	Keeper   KeeperConfig    `mapstructure:"keeper"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ProductConfig describes one engine instance and its token pair.
type ProductConfig struct {
	Name              string     `mapstructure:"name"`
	Stable            string     `mapstructure:"stable"`
	Index             string     `mapstructure:"index"`
	Mint              KindConfig `mapstructure:"mint"`
	Redeem            KindConfig `mapstructure:"redeem"`
	Fee               FeeConfig  `mapstructure:"fee"`
	AccountHistoryCap int        `mapstructure:"account_history_cap"`

	// Staking is the staking contract claimed output is forwarded to. Empty disables ClaimAndStake.
	Staking string `mapstructure:"staking"`

	// Rates are the fixed venue rates used when no chain is configured.
	Rates RatesConfig `mapstructure:"rates"`
}

// KindConfig holds the processing parameters of one direction.
type KindConfig struct {
	Cooldown       time.Duration `mapstructure:"cooldown"`
	EarlyThreshold string        `mapstructure:"early_threshold"`
	SlippageBps    uint32        `mapstructure:"slippage_bps"`
}

// FeeConfig is applied on first start, while the stored fee is unset.
type FeeConfig struct {
	RateBps   uint32 `mapstructure:"rate_bps"`
	Recipient string `mapstructure:"recipient"`
}

type RatesConfig struct {
	Mint   string `mapstructure:"mint"`
	Redeem string `mapstructure:"redeem"`
}

// RolesConfig lists the addresses granted each role at startup.
type RolesConfig struct {
	Admins  []string `mapstructure:"admins"`
	Keepers []string `mapstructure:"keepers"`
	Zappers []string `mapstructure:"zappers"`
}

type StorageConfig struct {
	// Backend is "memory" or "postgres".
	Backend       string `mapstructure:"backend"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	ClickHouseDSN string `mapstructure:"clickhouse_dsn"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// ChainConfig connects custody and conversion to an EVM chain. An empty RPCURL
// selects the in-memory book and the fixed-rate venue.
type ChainConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	ChainID        int64         `mapstructure:"chain_id"`
	VaultKey       string        `mapstructure:"vault_key"`
	Venue          string        `mapstructure:"venue"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type KeeperConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`

	// Address is the identity the keeper processes as; it must hold the keeper role.
	Address string `mapstructure:"address"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("redis.key_prefix", "batch-engine:")
	v.SetDefault("nats.subject_prefix", "batch")
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("kafka.topic", "batch-events")
	v.SetDefault("chain.confirm_timeout", 2*time.Minute)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 15*time.Second)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("keeper.enabled", false)
	v.SetDefault("keeper.interval", 30*time.Second)
	v.SetDefault("keeper.lock_ttl", 2*time.Minute)
}

// Load reads .env (if present), then path (if non-empty), then BATCH_* overrides.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside development
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// AutomaticEnv only resolves keys viper already knows; lists need splitting by hand
	if brokers := os.Getenv(EnvPrefix + "_KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks addresses, amounts and backend requirements.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Products) == 0 {
		errs = append(errs, errors.New("no products configured"))
	}
	seen := make(map[string]struct{})
	for i, p := range c.Products {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("products[%d]: empty name", i))
		}
		if _, dup := seen[p.Name]; dup {
			errs = append(errs, fmt.Errorf("products[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = struct{}{}

		for field, addr := range map[string]string{"stable": p.Stable, "index": p.Index} {
			if !common.IsHexAddress(addr) {
				errs = append(errs, fmt.Errorf("product %s: invalid %s address %q", p.Name, field, addr))
			}
		}
		if p.Staking != "" && !common.IsHexAddress(p.Staking) {
			errs = append(errs, fmt.Errorf("product %s: invalid staking address %q", p.Name, p.Staking))
		}
		if p.Fee.RateBps > domain.MaxRedemptionFeeBps {
			errs = append(errs, fmt.Errorf("product %s: fee %d bps above %d", p.Name, p.Fee.RateBps, domain.MaxRedemptionFeeBps))
		}
		if p.Fee.Recipient != "" && !common.IsHexAddress(p.Fee.Recipient) {
			errs = append(errs, fmt.Errorf("product %s: invalid fee recipient %q", p.Name, p.Fee.Recipient))
		}
		for kind, k := range map[domain.BatchKind]KindConfig{domain.BatchKindMint: p.Mint, domain.BatchKindRedeem: p.Redeem} {
			if _, err := k.Thresholds(); err != nil {
				errs = append(errs, fmt.Errorf("product %s %s: %w", p.Name, kind, err))
			}
			if k.SlippageBps > domain.BpsDenominator {
				errs = append(errs, fmt.Errorf("product %s %s: slippage %d bps above %d", p.Name, kind, k.SlippageBps, domain.BpsDenominator))
			}
		}
	}

	for _, addr := range c.Roles.all() {
		if !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Errorf("roles: invalid address %q", addr))
		}
	}

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage: postgres backend requires postgres_dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage: unknown backend %q", c.Storage.Backend))
	}

	if c.Chain.RPCURL != "" {
		if c.Chain.VaultKey == "" {
			errs = append(errs, errors.New("chain: rpc_url requires vault_key"))
		}
		if !common.IsHexAddress(c.Chain.Venue) {
			errs = append(errs, fmt.Errorf("chain: invalid venue address %q", c.Chain.Venue))
		}
	}

	if c.Keeper.Enabled && !common.IsHexAddress(c.Keeper.Address) {
		errs = append(errs, fmt.Errorf("keeper: invalid address %q", c.Keeper.Address))
	}

	return errors.Join(errs...)
}

func (r RolesConfig) all() []string {
	out := make([]string, 0, len(r.Admins)+len(r.Keepers)+len(r.Zappers))
	out = append(out, r.Admins...)
	out = append(out, r.Keepers...)
	return append(out, r.Zappers...)
}

// Thresholds parses the processing thresholds. An empty early threshold is zero.
func (k KindConfig) Thresholds() (domain.ProcessingThresholds, error) {
	if k.Cooldown < 0 {
		return domain.ProcessingThresholds{}, fmt.Errorf("negative cooldown %s", k.Cooldown)
	}
	threshold := decimal.Zero
	if k.EarlyThreshold != "" {
		d, err := decimal.NewFromString(k.EarlyThreshold)
		if err != nil {
			return domain.ProcessingThresholds{}, fmt.Errorf("early_threshold %q: %w", k.EarlyThreshold, err)
		}
		if d.IsNegative() {
			return domain.ProcessingThresholds{}, fmt.Errorf("negative early_threshold %s", d)
		}
		threshold = d
	}
	return domain.ProcessingThresholds{Cooldown: k.Cooldown, EarlyThreshold: threshold}, nil
}

// Product returns the named product. ok is false when absent.
func (c *Config) Product(name string) (ProductConfig, bool) {
	for _, p := range c.Products {
		if p.Name == name {
			return p, true
		}
	}
	return ProductConfig{}, false
}

// Addresses converts validated hex strings.
func Addresses(hexes []string) []common.Address {
	out := make([]common.Address, 0, len(hexes))
	for _, h := range hexes {
		out = append(out, common.HexToAddress(h))
	}
	return out
}
