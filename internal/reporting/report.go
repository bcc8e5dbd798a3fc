package reporting

import "time"

// Report is the ledger report of one product.
type Report struct {
	// Metadata
	GeneratedAt time.Time
	Product     string

	Summary Summary

	// Batches sorted by kind, then sequence
	Batches []BatchRow

	Fee FeeSection

	// Activity counts by event type, empty without an event store
	Activity []ActivityRow

	// Integrity checks over positions and totals
	IntegrityErrors []string
}

// Summary aggregates batch totals.
type Summary struct {
	MintBatches          int
	RedeemBatches        int
	OpenSupplied         map[string]string // kind -> supplied in the current batch
	ClaimableOutstanding map[string]string // kind -> output not yet claimed
}

// BatchRow is one batch.
type BatchRow struct {
	BatchID              string
	Kind                 string
	Sequence             uint64
	Claimable            bool
	Current              bool
	Depositors           int
	SuppliedTotal        string
	UnclaimedShares      string
	ClaimableOutputTotal string
	CreatedAt            int64 // Unix ms
	ProcessedAt          int64 // Unix ms, 0 while open
}

// FeeSection describes the redemption fee.
type FeeSection struct {
	RateBps     uint32
	Recipient   string
	Accumulated string
}

// ActivityRow counts events of one type.
type ActivityRow struct {
	Type  string
	Count int
}
