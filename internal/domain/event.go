package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// EventType names an orchestrator event.
type EventType string

const (
	EventBatchDeposited EventType = "BATCH_DEPOSITED"
	EventBatchWithdrawn EventType = "BATCH_WITHDRAWN"
	EventBatchProcessed EventType = "BATCH_PROCESSED"
	EventBatchOpened    EventType = "BATCH_OPENED"
	EventBatchClaimed   EventType = "BATCH_CLAIMED"
	EventUnclaimedMoved EventType = "UNCLAIMED_MOVED"
	EventFeeUpdated     EventType = "FEE_UPDATED"
	EventFeeSwept       EventType = "FEE_SWEPT"
	EventConfigUpdated  EventType = "CONFIG_UPDATED"
	EventPaused         EventType = "PAUSED"
	EventUnpaused       EventType = "UNPAUSED"
)

// Event is emitted after a state change commits.
// Fields not relevant to a type are left zero.
type Event struct {
	ID        string          `json:"id"`
	Product   string          `json:"product"`
	Type      EventType       `json:"type"`
	BatchID   BatchID         `json:"batch_id"`
	Kind      BatchKind       `json:"kind,omitempty"`
	Account   common.Address  `json:"account"`
	Recipient common.Address  `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"` // source amount or shares
	Payout    decimal.Decimal `json:"payout"` // target amount paid or converted
	Fee       decimal.Decimal `json:"fee"`    // fee withheld
	BatchIDs  []BatchID       `json:"batch_ids,omitempty"`
	Timestamp int64           `json:"timestamp"` // unix ms
}
