// Package ledger owns per-user collateral balances in the single settlement
// asset. It is pure state: no I/O, no locking. The stream dispatcher is the
// only writer.
package ledger

import (
	"errors"
	"time"
)

var (
	// ErrInvalidAmount is returned when a credit amount is not positive
	ErrInvalidAmount = errors.New("amount must be greater than 0")

	// ErrInsufficientBalance is returned when a reservation cannot be
	// covered by the available balance (or the account does not exist)
	ErrInsufficientBalance = errors.New("insufficient available balance")

	// ErrAccountNotFound is returned when releasing against an unknown user
	ErrAccountNotFound = errors.New("account not found")
)

// Balance is a user's collateral position in the settlement asset.
// Invariant: Total == Available + Locked after every mutation.
type Balance struct {
	UserID    string  `json:"userId"`
	Asset     string  `json:"asset"`
	Available float64 `json:"available"`
	Locked    float64 `json:"locked"`
	Total     float64 `json:"total"`
	UpdatedAt int64   `json:"updatedAt"`
}

// Ledger holds all balances keyed by user
type Ledger struct {
	asset    string
	balances map[string]*Balance
}

// New creates an empty ledger for the given settlement asset
func New(asset string) *Ledger {
	return &Ledger{
		asset:    asset,
		balances: make(map[string]*Balance),
	}
}

// Credit increases a user's available balance, creating the account on
// first deposit. Amount must be positive.
func (l *Ledger) Credit(userID string, amount float64) (Balance, error) {
	if amount <= 0 {
		return Balance{}, ErrInvalidAmount
	}

	b, ok := l.balances[userID]
	if !ok {
		b = &Balance{UserID: userID, Asset: l.asset}
		l.balances[userID] = b
	}

	b.Available += amount
	b.Total = b.Available + b.Locked
	b.UpdatedAt = time.Now().UnixMilli()

	return *b, nil
}

// Reserve moves amount from available to locked. There are no partial
// reservations: either the full amount is covered or nothing moves.
func (l *Ledger) Reserve(userID string, amount float64) (Balance, error) {
	b, ok := l.balances[userID]
	if !ok || b.Available < amount {
		return Balance{}, ErrInsufficientBalance
	}

	b.Available -= amount
	b.Locked += amount
	b.Total = b.Available + b.Locked
	b.UpdatedAt = time.Now().UnixMilli()

	return *b, nil
}

// Release unwinds a reservation and settles pnl: locked decreases by at
// most amount (never below zero), available receives amount + pnl. A
// negative pnl can push available below its pre-trade value; losses are not
// capped at posted margin because there is no liquidation engine.
func (l *Ledger) Release(userID string, amount, pnl float64) (Balance, error) {
	b, ok := l.balances[userID]
	if !ok {
		return Balance{}, ErrAccountNotFound
	}

	release := amount
	if release > b.Locked {
		release = b.Locked
	}
	b.Locked -= release
	b.Available += amount + pnl
	b.Total = b.Available + b.Locked
	b.UpdatedAt = time.Now().UnixMilli()

	return *b, nil
}

// Get returns a copy of the user's balance
func (l *Ledger) Get(userID string) (Balance, bool) {
	b, ok := l.balances[userID]
	if !ok {
		return Balance{}, false
	}
	return *b, true
}

// Snapshot returns a copy of every balance for serialization
func (l *Ledger) Snapshot() []Balance {
	out := make([]Balance, 0, len(l.balances))
	for _, b := range l.balances {
		out = append(out, *b)
	}
	return out
}

// Restore replaces the ledger contents from a snapshot
func (l *Ledger) Restore(balances []Balance) {
	l.balances = make(map[string]*Balance, len(balances))
	for i := range balances {
		b := balances[i]
		l.balances[b.UserID] = &b
	}
}
