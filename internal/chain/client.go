// Package chain signs and submits contract calls from the engine's vault key.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrReverted is returned when a mined transaction has a failed status.
var ErrReverted = errors.New("transaction reverted")

// Backend is the subset of ethclient.Client the engine needs.
type Backend interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Config for Client.
type Config struct {
	ChainID        int64
	KeyHex         string        // vault private key, with or without 0x
	ConfirmTimeout time.Duration // wait for a receipt at most this long; 0 waits on ctx only
}

// Client sends transactions one at a time so nonces never collide.
type Client struct {
	backend        Backend
	key            *ecdsa.PrivateKey
	from           common.Address
	signer         types.Signer
	confirmTimeout time.Duration
	logger         *zap.Logger

	mu sync.Mutex
}

// Dial connects to rpcURL and returns a Client signing with cfg.KeyHex.
func Dial(ctx context.Context, rpcURL string, cfg Config, logger *zap.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	return New(eth, cfg, logger)
}

// New creates a Client over backend.
func New(backend Backend, cfg Config, logger *zap.Logger) (*Client, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.KeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid vault key: %w", err)
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("invalid chain id %d", cfg.ChainID)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	from := crypto.PubkeyToAddress(key.PublicKey)
	return &Client{
		backend:        backend,
		key:            key,
		from:           from,
		signer:         types.LatestSignerForChainID(big.NewInt(cfg.ChainID)),
		confirmTimeout: cfg.ConfirmTimeout,
		logger:         logger.Named("chain").With(zap.String("from", from.Hex())),
	}, nil
}

// Address returns the vault address transactions are sent from.
func (c *Client) Address() common.Address {
	return c.from
}

// Call runs a read-only contract method and unpacks its outputs.
func (c *Client) Call(ctx context.Context, contract common.Address, parsed abi.ABI, method string, args ...any) ([]any, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, contract.Hex(), err)
	}
	values, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return values, nil
}

// Transact signs and sends a contract method call and waits for it to be mined.
// A reverted transaction returns ErrReverted together with its receipt.
func (c *Client) Transact(ctx context.Context, contract common.Address, parsed abi.ABI, method string, args ...any) (*types.Receipt, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	tx, err := c.send(ctx, contract, data)
	if err != nil {
		return nil, fmt.Errorf("send %s on %s: %w", method, contract.Hex(), err)
	}

	waitCtx := ctx
	if c.confirmTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.confirmTimeout)
		defer cancel()
	}
	receipt, err := bind.WaitMined(waitCtx, c.backend, tx)
	if err != nil {
		return nil, fmt.Errorf("wait %s %s: %w", method, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		c.logger.Warn("transaction reverted",
			zap.String("method", method),
			zap.String("tx", tx.Hash().Hex()),
			zap.Uint64("block", receipt.BlockNumber.Uint64()))
		return receipt, fmt.Errorf("%s %s: %w", method, tx.Hash().Hex(), ErrReverted)
	}

	c.logger.Debug("transaction mined",
		zap.String("method", method),
		zap.String("tx", tx.Hash().Hex()),
		zap.Uint64("gas_used", receipt.GasUsed))
	return receipt, nil
}

func (c *Client) send(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gas * 12 / 10,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, c.signer, c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}
	return signed, nil
}

// ToBig converts an integral base-unit amount.
func ToBig(d decimal.Decimal) *big.Int {
	return d.Floor().BigInt()
}

// FromBig converts a base-unit amount.
func FromBig(b *big.Int) decimal.Decimal {
	if b == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(b, 0)
}

// MustParseABI parses a JSON ABI known at compile time.
func MustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid abi: %v", err))
	}
	return parsed
}
