// Package conversion defines the venue the orchestrator converts batches through.
package conversion

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Adapter converts amountIn of source into target. A call either delivers
// amountOut to the engine's vault or fails without effect.
type Adapter interface {
	Convert(ctx context.Context, source, target common.Address, amountIn decimal.Decimal) (decimal.Decimal, error)
}

// RateOracle quotes the output a conversion is expected to yield. The
// orchestrator bounds the actual output against it.
type RateOracle interface {
	ExpectedOutput(ctx context.Context, source, target common.Address, amountIn decimal.Decimal) (decimal.Decimal, error)
}

// AdapterFunc adapts a function to Adapter.
type AdapterFunc func(ctx context.Context, source, target common.Address, amountIn decimal.Decimal) (decimal.Decimal, error)

func (f AdapterFunc) Convert(ctx context.Context, source, target common.Address, amountIn decimal.Decimal) (decimal.Decimal, error) {
	return f(ctx, source, target, amountIn)
}
