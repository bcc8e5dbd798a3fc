package idhash

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"batch-engine/internal/domain"
)

// ComputeBatchID computes a deterministic batch_id using Keccak256.
// Formula: KECCAK256(product|kind|sequence|created_at)
// Sequence is unique per (product, kind), so ids never collide within or across products.
func ComputeBatchID(
	product string,
	kind domain.BatchKind,
	sequence uint64,
	createdAt int64,
) domain.BatchID {
	data := fmt.Sprintf("%s|%s|%d|%d",
		product,
		string(kind),
		sequence,
		createdAt,
	)

	return crypto.Keccak256Hash([]byte(data))
}
