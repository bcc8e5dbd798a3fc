// Package evm converts batches through an on-chain venue contract.
package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"batch-engine/internal/chain"
	"batch-engine/internal/conversion"
	"batch-engine/internal/custody"
)

const venueABI = `[
	{"inputs":[{"name":"source","type":"address"},{"name":"target","type":"address"},{"name":"amountIn","type":"uint256"}],"name":"quote","outputs":[{"name":"amountOut","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"source","type":"address"},{"name":"target","type":"address"},{"name":"amountIn","type":"uint256"},{"name":"recipient","type":"address"}],"name":"convert","outputs":[{"name":"amountOut","type":"uint256"}],"stateMutability":"nonpayable","type":"function"}
]`

// VenueABI is the venue contract interface.
var VenueABI = chain.MustParseABI(venueABI)

// Venue is both Adapter and RateOracle for a venue contract. The executed
// output is measured as the vault's target balance change, so it holds
// whatever the contract reports.
type Venue struct {
	client  *chain.Client
	address common.Address
	logger  *zap.Logger
}

// NewVenue creates a Venue for the contract at address.
func NewVenue(client *chain.Client, address common.Address, logger *zap.Logger) *Venue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Venue{client: client, address: address, logger: logger.Named("venue")}
}

// ExpectedOutput calls quote(source, target, amountIn).
func (v *Venue) ExpectedOutput(ctx context.Context, source, target common.Address, amountIn decimal.Decimal) (decimal.Decimal, error) {
	out, err := v.client.Call(ctx, v.address, VenueABI, "quote", source, target, chain.ToBig(amountIn))
	if err != nil {
		return decimal.Zero, err
	}
	quoted, ok := out[0].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("quote: unexpected output type %T", out[0])
	}
	return chain.FromBig(quoted), nil
}

// Convert approves the venue for amountIn, calls convert with the vault as
// recipient and returns the vault's target balance increase.
func (v *Venue) Convert(ctx context.Context, source, target common.Address, amountIn decimal.Decimal) (decimal.Decimal, error) {
	vault := v.client.Address()

	before, err := custody.BalanceOf(ctx, v.client, target, vault)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read balance before convert: %w", err)
	}

	if _, err := v.client.Transact(ctx, source, custody.ERC20ABI, "approve", v.address, chain.ToBig(amountIn)); err != nil {
		return decimal.Zero, fmt.Errorf("approve venue: %w", err)
	}
	if _, err := v.client.Transact(ctx, v.address, VenueABI, "convert", source, target, chain.ToBig(amountIn), vault); err != nil {
		return decimal.Zero, fmt.Errorf("convert: %w", err)
	}

	after, err := custody.BalanceOf(ctx, v.client, target, vault)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read balance after convert: %w", err)
	}

	out := after.Sub(before)
	v.logger.Info("converted",
		zap.String("source", source.Hex()),
		zap.String("target", target.Hex()),
		zap.String("amount_in", amountIn.String()),
		zap.String("amount_out", out.String()))
	return out, nil
}

var (
	_ conversion.Adapter    = (*Venue)(nil)
	_ conversion.RateOracle = (*Venue)(nil)
)
