package stub

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batch-engine/internal/custody"
)

func TestVenue_ConvertCreditsVault(t *testing.T) {
	ctx := context.Background()
	usdc := common.HexToAddress("0x01")
	idx := common.HexToAddress("0x02")
	vault := common.HexToAddress("0x10")

	book := custody.NewBook(vault)
	v := NewVenue(book, vault)
	v.SetRate(usdc, idx, decimal.RequireFromString("0.009699"))

	expected, err := v.ExpectedOutput(ctx, usdc, idx, decimal.NewFromInt(10000))
	require.NoError(t, err)
	assert.True(t, expected.Equal(decimal.NewFromInt(96)), "got %s", expected)

	out, err := v.Convert(ctx, usdc, idx, decimal.NewFromInt(10000))
	require.NoError(t, err)
	assert.True(t, out.Equal(expected))
	assert.True(t, book.BalanceOf(idx, vault).Equal(out))
	assert.Equal(t, 1, v.Calls())
}

func TestVenue_ShortfallAndFailure(t *testing.T) {
	ctx := context.Background()
	a := common.HexToAddress("0x01")
	b := common.HexToAddress("0x02")

	v := NewVenue(nil, common.Address{})
	v.SetRate(a, b, decimal.NewFromInt(1))
	v.SetShortfall(100)

	out, err := v.Convert(ctx, a, b, decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.True(t, out.Equal(decimal.NewFromInt(990)), "got %s", out)

	boom := errors.New("venue down")
	v.FailWith(boom)
	_, err = v.Convert(ctx, a, b, decimal.NewFromInt(1))
	require.ErrorIs(t, err, boom)

	_, err = v.ExpectedOutput(ctx, b, a, decimal.NewFromInt(1))
	require.Error(t, err, "missing rate")
}
