// Package stub provides a fixed-rate venue and oracle.
package stub

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"batch-engine/internal/conversion"
)

// Minter credits converted output to the vault.
type Minter interface {
	Mint(token, account common.Address, amount decimal.Decimal)
}

// Venue converts at fixed rates. The quoted rate is what RateOracle returns;
// the executed output is reduced by ShortfallBps to simulate slippage.
type Venue struct {
	mu           sync.RWMutex
	rates        map[pair]decimal.Decimal
	shortfallBps int64
	err          error

	minter Minter
	vault  common.Address
	calls  int
}

type pair struct {
	source, target common.Address
}

// NewVenue creates a venue that credits outputs through minter to vault.
// minter may be nil.
func NewVenue(minter Minter, vault common.Address) *Venue {
	return &Venue{
		rates:  make(map[pair]decimal.Decimal),
		minter: minter,
		vault:  vault,
	}
}

// SetRate sets the output per unit of input for source → target.
func (v *Venue) SetRate(source, target common.Address, rate decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rates[pair{source, target}] = rate
}

// SetShortfall makes executed outputs bps below quotes.
func (v *Venue) SetShortfall(bps int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.shortfallBps = bps
}

// FailWith makes every conversion fail with err. nil restores normal operation.
func (v *Venue) FailWith(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.err = err
}

// Calls returns the number of executed conversions.
func (v *Venue) Calls() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.calls
}

// ExpectedOutput returns floor(amountIn * rate).
func (v *Venue) ExpectedOutput(_ context.Context, source, target common.Address, amountIn decimal.Decimal) (decimal.Decimal, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.quote(source, target, amountIn)
}

// Convert returns the quote reduced by the configured shortfall.
func (v *Venue) Convert(_ context.Context, source, target common.Address, amountIn decimal.Decimal) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.err != nil {
		return decimal.Zero, v.err
	}
	out, err := v.quote(source, target, amountIn)
	if err != nil {
		return decimal.Zero, err
	}
	if v.shortfallBps > 0 {
		out = out.Mul(decimal.NewFromInt(10000 - v.shortfallBps)).Div(decimal.NewFromInt(10000)).Floor()
	}

	v.calls++
	if v.minter != nil {
		v.minter.Mint(target, v.vault, out)
	}
	return out, nil
}

func (v *Venue) quote(source, target common.Address, amountIn decimal.Decimal) (decimal.Decimal, error) {
	rate, ok := v.rates[pair{source, target}]
	if !ok {
		return decimal.Zero, fmt.Errorf("no rate for %s -> %s", source.Hex(), target.Hex())
	}
	return amountIn.Mul(rate).Floor(), nil
}

var (
	_ conversion.Adapter    = (*Venue)(nil)
	_ conversion.RateOracle = (*Venue)(nil)
)
