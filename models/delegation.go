package models

import "math/big"

// DelegationKind selects the delegation flavor at creation time. The set is
// closed: a stream has both window endpoints fixed, a flow has no stop bound.
type DelegationKind string

const (
	KindStream DelegationKind = "stream"
	KindFlow   DelegationKind = "flow"
)

// DelegationStatus makes the tombstone state explicit. Records are never
// deleted; settlement or cancellation flips the status and removes the id
// from the active indices, so a lookup always yields a definite answer.
type DelegationStatus string

const (
	StatusActive    DelegationStatus = "active"
	StatusSettled   DelegationStatus = "settled"
	StatusCancelled DelegationStatus = "cancelled"
)

// Delegation redirects part of the sender's accrual rate to a recipient for
// a time window. Ids are allocated from a monotonic counter and never reused.
type Delegation struct {
	ID            uint64           `json:"id"`
	Sender        string           `json:"sender"`
	Recipient     string           `json:"recipient"`
	RatePerSecond *big.Int         `json:"rate_per_second"`
	Start         int64            `json:"start"`
	Stop          int64            `json:"stop"` // 0 for flows (no fixed stop)
	Withdrawn     *big.Int         `json:"withdrawn"`
	Cancellable   bool             `json:"cancellable"`
	Kind          DelegationKind   `json:"kind"`
	Status        DelegationStatus `json:"status"`
	CreatedAt     int64            `json:"created_at"`
}

// Bounded reports whether the delegation has a fixed stop time.
func (d *Delegation) Bounded() bool {
	return d.Kind != KindFlow
}

// StopOr returns the stop time, or fallback for an open-ended flow.
func (d *Delegation) StopOr(fallback int64) int64 {
	if !d.Bounded() {
		return fallback
	}
	return d.Stop
}
