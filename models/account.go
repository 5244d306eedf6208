package models

import "math/big"

// Account holds the persisted part of an address's ledger state. Balance is
// the consolidated (settled) value; anything earned since AccrualStart is
// computed lazily by the engine and only folded in when a mutation needs an
// exact number.
type Account struct {
	Address      string   `json:"address"`
	Balance      *big.Int `json:"balance"`
	AccrualStart int64    `json:"accrual_start"` // unix seconds, 0 = not accruing
}

// NewAccount returns a zeroed account for an address the ledger has not seen.
func NewAccount(address string) *Account {
	return &Account{Address: address, Balance: big.NewInt(0)}
}

// Accruing reports whether the account has an open accrual window.
func (a *Account) Accruing() bool {
	return a.AccrualStart != 0
}
