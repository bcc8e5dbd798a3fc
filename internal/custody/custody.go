// Package custody moves tokens in and out of the engine's vault.
package custody

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ErrInsufficientFunds is returned when a balance cannot cover a transfer.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Custody pulls deposits into the vault and pushes payouts out of it.
type Custody interface {
	// Pull transfers amount of token from an account into the vault.
	Pull(ctx context.Context, token, from common.Address, amount decimal.Decimal) error

	// Push transfers amount of token from the vault to an account.
	Push(ctx context.Context, token, to common.Address, amount decimal.Decimal) error
}

// StakingSink receives claimed tokens on behalf of an account.
type StakingSink interface {
	Stake(ctx context.Context, account common.Address, amount decimal.Decimal) error
}
