package custody

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"batch-engine/internal/chain"
)

const erc20ABI = `[
	{"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

const stakingABI = `[
	{"inputs":[{"name":"amount","type":"uint256"},{"name":"account","type":"address"}],"name":"stakeFor","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

// ERC20ABI is the token interface custody and venues rely on.
var ERC20ABI = chain.MustParseABI(erc20ABI)

var stakingContractABI = chain.MustParseABI(stakingABI)

// ERC20 is a Custody over ERC-20 tokens held by the chain client's address.
// Depositors must have approved the vault for the amounts pulled.
type ERC20 struct {
	client *chain.Client
	logger *zap.Logger
}

// NewERC20 creates an ERC20 custody whose vault is client.Address().
func NewERC20(client *chain.Client, logger *zap.Logger) *ERC20 {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ERC20{client: client, logger: logger.Named("custody")}
}

// Vault returns the address holding pooled funds.
func (e *ERC20) Vault() common.Address {
	return e.client.Address()
}

// Pull calls token.transferFrom(from, vault, amount).
func (e *ERC20) Pull(ctx context.Context, token, from common.Address, amount decimal.Decimal) error {
	if _, err := e.client.Transact(ctx, token, ERC20ABI, "transferFrom", from, e.Vault(), chain.ToBig(amount)); err != nil {
		return fmt.Errorf("pull %s from %s: %w", amount, from.Hex(), err)
	}
	e.logger.Debug("pulled", zap.String("token", token.Hex()), zap.String("from", from.Hex()), zap.String("amount", amount.String()))
	return nil
}

// Push calls token.transfer(to, amount).
func (e *ERC20) Push(ctx context.Context, token, to common.Address, amount decimal.Decimal) error {
	if _, err := e.client.Transact(ctx, token, ERC20ABI, "transfer", to, chain.ToBig(amount)); err != nil {
		return fmt.Errorf("push %s to %s: %w", amount, to.Hex(), err)
	}
	e.logger.Debug("pushed", zap.String("token", token.Hex()), zap.String("to", to.Hex()), zap.String("amount", amount.String()))
	return nil
}

// BalanceOf returns token.balanceOf(account).
func (e *ERC20) BalanceOf(ctx context.Context, token, account common.Address) (decimal.Decimal, error) {
	return BalanceOf(ctx, e.client, token, account)
}

// BalanceOf reads an ERC-20 balance through client.
func BalanceOf(ctx context.Context, client *chain.Client, token, account common.Address) (decimal.Decimal, error) {
	out, err := client.Call(ctx, token, ERC20ABI, "balanceOf", account)
	if err != nil {
		return decimal.Zero, err
	}
	if len(out) != 1 {
		return decimal.Zero, fmt.Errorf("balanceOf: unexpected %d outputs", len(out))
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("balanceOf: unexpected output type %T", out[0])
	}
	return chain.FromBig(balance), nil
}

// Staking forwards claimed tokens into a staking contract for the account.
type Staking struct {
	client  *chain.Client
	token   common.Address
	staking common.Address
}

// NewStaking creates a StakingSink depositing token into the staking contract.
func NewStaking(client *chain.Client, token, staking common.Address) *Staking {
	return &Staking{client: client, token: token, staking: staking}
}

// Stake approves the staking contract and calls stakeFor(amount, account).
func (s *Staking) Stake(ctx context.Context, account common.Address, amount decimal.Decimal) error {
	value := chain.ToBig(amount)
	if _, err := s.client.Transact(ctx, s.token, ERC20ABI, "approve", s.staking, value); err != nil {
		return fmt.Errorf("approve staking: %w", err)
	}
	if _, err := s.client.Transact(ctx, s.staking, stakingContractABI, "stakeFor", value, account); err != nil {
		return fmt.Errorf("stake for %s: %w", account.Hex(), err)
	}
	return nil
}

var (
	_ Custody     = (*ERC20)(nil)
	_ StakingSink = (*Staking)(nil)
)
