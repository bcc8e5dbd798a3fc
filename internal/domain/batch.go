package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// BatchID identifies a batch. Derived by idhash.ComputeBatchID.
type BatchID = common.Hash

// Batch is a cohort of deposits of one direction awaiting a single pooled conversion.
// Corresponds to batches table in PostgreSQL.
type Batch struct {
	ID                   BatchID
	Kind                 BatchKind
	Sequence             uint64          // per-kind counter within a product
	SourceToken          common.Address  // token deposited
	TargetToken          common.Address  // token paid out after processing
	SuppliedTotal        decimal.Decimal // source deposited and not withdrawn
	UnclaimedShares      decimal.Decimal // shares not yet claimed or hot-swapped
	ClaimableOutputTotal decimal.Decimal // target left to pay out; zero until processed
	Claimable            bool
	CreatedAt            int64 // unix ms
	ProcessedAt          int64 // unix ms, 0 until processed
}

// Clone returns a deep copy safe to mutate.
func (b *Batch) Clone() *Batch {
	if b == nil {
		return nil
	}
	c := *b
	return &c
}

// Position is an account's unredeemed share count in a batch.
type Position struct {
	BatchID        BatchID
	Account        common.Address
	SuppliedAmount decimal.Decimal
}
