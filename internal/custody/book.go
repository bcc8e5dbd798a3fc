package custody

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Book is an in-memory token balance book. It implements Custody with the
// vault as one more account in the book.
type Book struct {
	mu       sync.Mutex
	vault    common.Address
	balances map[common.Address]map[common.Address]decimal.Decimal // token -> account -> balance
}

// NewBook creates an empty book whose vault account is vault.
func NewBook(vault common.Address) *Book {
	return &Book{
		vault:    vault,
		balances: make(map[common.Address]map[common.Address]decimal.Decimal),
	}
}

// Vault returns the vault account.
func (b *Book) Vault() common.Address {
	return b.vault
}

// Mint credits amount of token to account out of thin air.
func (b *Book) Mint(token, account common.Address, amount decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(token, account, amount)
}

// BalanceOf returns the balance of account in token.
func (b *Book) BalanceOf(token, account common.Address) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[token][account]
}

// Transfer moves amount of token between two accounts.
func (b *Book) Transfer(_ context.Context, token, from, to common.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("transfer %s: negative amount", amount)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	have := b.balances[token][from]
	if have.LessThan(amount) {
		return fmt.Errorf("transfer %s of %s from %s: %w", amount, token.Hex(), from.Hex(), ErrInsufficientFunds)
	}
	b.balances[token][from] = have.Sub(amount)
	b.credit(token, to, amount)
	return nil
}

// Pull transfers amount of token from an account into the vault.
func (b *Book) Pull(ctx context.Context, token, from common.Address, amount decimal.Decimal) error {
	return b.Transfer(ctx, token, from, b.vault, amount)
}

// Push transfers amount of token from the vault to an account.
func (b *Book) Push(ctx context.Context, token, to common.Address, amount decimal.Decimal) error {
	return b.Transfer(ctx, token, b.vault, to, amount)
}

func (b *Book) credit(token, account common.Address, amount decimal.Decimal) {
	if b.balances[token] == nil {
		b.balances[token] = make(map[common.Address]decimal.Decimal)
	}
	b.balances[token][account] = b.balances[token][account].Add(amount)
}

var _ Custody = (*Book)(nil)

// StakingPool is an in-memory StakingSink. Staked tokens leave the vault for
// the pool account and are recorded per staker.
type StakingPool struct {
	book  *Book
	token common.Address
	pool  common.Address

	mu     sync.Mutex
	stakes map[common.Address]decimal.Decimal
}

// NewStakingPool creates a pool staking token held in book.
func NewStakingPool(book *Book, token, pool common.Address) *StakingPool {
	return &StakingPool{
		book:   book,
		token:  token,
		pool:   pool,
		stakes: make(map[common.Address]decimal.Decimal),
	}
}

// Stake moves amount from the vault into the pool and credits account.
func (p *StakingPool) Stake(ctx context.Context, account common.Address, amount decimal.Decimal) error {
	if err := p.book.Transfer(ctx, p.token, p.book.Vault(), p.pool, amount); err != nil {
		return fmt.Errorf("stake: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stakes[account] = p.stakes[account].Add(amount)
	return nil
}

// StakeOf returns the amount staked for account.
func (p *StakingPool) StakeOf(account common.Address) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stakes[account]
}

var _ StakingSink = (*StakingPool)(nil)
