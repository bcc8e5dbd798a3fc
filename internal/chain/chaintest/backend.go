// Package chaintest provides an in-process chain.Backend for tests.
package chaintest

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"batch-engine/internal/chain"
)

// TestKey is a throwaway private key.
const TestKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

// Backend mines every sent transaction immediately. OnCall answers
// CallContract; OnSend decides the receipt status of each transaction.
type Backend struct {
	mu       sync.Mutex
	nonce    uint64
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt

	OnCall func(call ethereum.CallMsg) ([]byte, error)
	OnSend func(tx *types.Transaction) (status uint64)
}

// NewBackend creates a Backend whose transactions all succeed.
func NewBackend() *Backend {
	return &Backend{receipts: make(map[common.Hash]*types.Receipt)}
}

// Sent returns the transactions sent so far.
func (b *Backend) Sent() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*types.Transaction, len(b.sent))
	copy(out, b.sent)
	return out
}

func (b *Backend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x1}, nil
}

func (b *Backend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if b.OnCall == nil {
		return nil, nil
	}
	return b.OnCall(call)
}

func (b *Backend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (b *Backend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonce, nil
}

func (b *Backend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *Backend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 50_000, nil
}

func (b *Backend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	status := types.ReceiptStatusSuccessful
	if b.OnSend != nil {
		status = b.OnSend(tx)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonce++
	b.sent = append(b.sent, tx)
	b.receipts[tx.Hash()] = &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		BlockNumber: big.NewInt(int64(len(b.sent))),
		GasUsed:     tx.Gas(),
	}
	return nil
}

var _ chain.Backend = (*Backend)(nil)
