package hotswap

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func id(n byte) common.Hash { return common.BytesToHash([]byte{n}) }

func TestPrepare(t *testing.T) {
	candidates := []Candidate{
		{BatchID: id(1), SuppliedAmount: d(1000), ClaimableAmount: d(50)},
		{BatchID: id(2), SuppliedAmount: d(0), ClaimableAmount: d(0)},
		{BatchID: id(3), SuppliedAmount: d(3000), ClaimableAmount: d(120)},
		{BatchID: id(4), SuppliedAmount: d(500), ClaimableAmount: d(25)},
	}

	tests := []struct {
		name       string
		target     int64
		wantIDs    []common.Hash
		wantShares []int64
		wantAmount int64
	}{
		{"zero target", 0, nil, nil, 0},
		{"within first batch", 20, []common.Hash{id(1)}, []int64{400}, 20},
		{"exactly first batch", 50, []common.Hash{id(1)}, []int64{1000}, 50},
		{"spans batches", 110, []common.Hash{id(1), id(3)}, []int64{1000, 1500}, 110},
		{"rounding residual", 51, []common.Hash{id(1), id(3)}, []int64{1000, 25}, 51},
		{"more than available", 1000, []common.Hash{id(1), id(3), id(4)}, []int64{1000, 3000, 500}, 195},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Prepare(d(tt.target), candidates)

			require.Equal(t, len(tt.wantIDs), len(plan.BatchIDs))
			require.Equal(t, len(plan.BatchIDs), len(plan.Shares))
			for i := range tt.wantIDs {
				assert.Equal(t, tt.wantIDs[i], plan.BatchIDs[i])
				assert.True(t, plan.Shares[i].Equal(d(tt.wantShares[i])), "shares[%d] = %s", i, plan.Shares[i])
			}
			assert.True(t, plan.Amount.Equal(d(tt.wantAmount)), "amount = %s", plan.Amount)
			assert.True(t, plan.Amount.LessThanOrEqual(d(tt.target)) || tt.target == 0)
		})
	}
}

func TestPrepare_NeverOvershoots(t *testing.T) {
	candidates := []Candidate{
		{BatchID: id(1), SuppliedAmount: d(7), ClaimableAmount: d(3)},
		{BatchID: id(2), SuppliedAmount: d(9999), ClaimableAmount: d(97)},
		{BatchID: id(3), SuppliedAmount: d(13), ClaimableAmount: d(1000)},
	}
	for target := int64(1); target <= 1100; target++ {
		plan := Prepare(d(target), candidates)
		require.True(t, plan.Amount.LessThanOrEqual(d(target)), "target %d planned %s", target, plan.Amount)

		again := Prepare(d(target), candidates)
		require.Equal(t, plan, again, "deterministic")
	}
}
