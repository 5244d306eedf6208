package models

import "math/big"

// EventType identifies the state change an event records.
type EventType string

const (
	EventAccrualStarted      EventType = "accrual_started"
	EventRemovalReported     EventType = "removal_reported"
	EventTransfer            EventType = "transfer"
	EventBurn                EventType = "burn"
	EventDelegationCreated   EventType = "delegation_created"
	EventDelegationWithdrawn EventType = "delegation_withdrawn"
	EventDelegationCancelled EventType = "delegation_cancelled"
)

// Event is an append-only record of a completed state change, enough for an
// external indexer to reconstruct ledger state without replaying the math.
type Event struct {
	Seq          uint64    `json:"seq"`
	Type         EventType `json:"type"`
	DelegationID uint64    `json:"delegation_id,omitempty"`
	Sender       string    `json:"sender,omitempty"`
	Recipient    string    `json:"recipient,omitempty"`
	Amount       *big.Int  `json:"amount,omitempty"`
	Rate         *big.Int  `json:"rate,omitempty"`
	Start        int64     `json:"start,omitempty"`
	Stop         int64     `json:"stop,omitempty"`
	Timestamp    int64     `json:"timestamp"`
}
