package domain

import "strings"

// BatchKind is the direction of a batch conversion.
type BatchKind string

const (
	BatchKindMint   BatchKind = "MINT"
	BatchKindRedeem BatchKind = "REDEEM"
)

// String returns the string representation of BatchKind.
func (k BatchKind) String() string {
	return string(k)
}

// IsValid checks if the kind is a valid value.
func (k BatchKind) IsValid() bool {
	return k == BatchKindMint || k == BatchKindRedeem
}

// Opposite returns the other direction. A mint batch's output feeds a redeem deposit and vice versa.
func (k BatchKind) Opposite() BatchKind {
	if k == BatchKindMint {
		return BatchKindRedeem
	}
	return BatchKindMint
}

// ParseBatchKind accepts "mint"/"redeem" in any case.
func ParseBatchKind(s string) (BatchKind, bool) {
	k := BatchKind(strings.ToUpper(strings.TrimSpace(s)))
	return k, k.IsValid()
}
