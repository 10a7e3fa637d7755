package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/perpsim/margin-engine/internal/book"
	"github.com/perpsim/margin-engine/internal/ledger"
)

// PriceQuote is the cached last price for a symbol, last-write-wins
type PriceQuote struct {
	Symbol     string  `json:"symbol"`
	Mid        float64 `json:"mid"`
	Volume     float64 `json:"volume"`
	ObservedAt int64   `json:"observedAt"`
}

// State aggregates everything the engine owns: the ledger, the position
// book, the price cache and the log cursor. Only the dispatcher goroutine
// mutates it, so no locking is needed; that single-writer discipline is
// also what makes replay from a snapshot deterministic.
type State struct {
	Ledger *ledger.Ledger
	Book   *book.Book
	Prices map[string]PriceQuote

	// Cursor is the offset of the last applied event, -1 before any
	Cursor int64
}

// NewState creates an empty engine state for the given settlement asset
func NewState(asset string) *State {
	return &State{
		Ledger: ledger.New(asset),
		Book:   book.New(),
		Prices: make(map[string]PriceQuote),
		Cursor: -1,
	}
}

// snapshotBlob is the serialized form of State. The price cache is not
// included: prices are refreshed by the live feed immediately after
// restart and a stale quote is worse than none.
type snapshotBlob struct {
	Balances     []ledger.Balance    `json:"balances"`
	Orders       []book.Order        `json:"orders"`
	OrdersByUser map[string][]string `json:"ordersByUser"`
	Cursor       int64               `json:"cursor"`
	TakenAt      int64               `json:"takenAt"`
}

// MarshalSnapshot serializes the full state for persistence
func (s *State) MarshalSnapshot() ([]byte, error) {
	orders, byUser := s.Book.Snapshot()
	blob := snapshotBlob{
		Balances:     s.Ledger.Snapshot(),
		Orders:       orders,
		OrdersByUser: byUser,
		Cursor:       s.Cursor,
		TakenAt:      time.Now().UnixMilli(),
	}

	data, err := json.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// RestoreSnapshot replaces the state from a serialized snapshot. The
// cursor tells the caller where log consumption must resume.
func (s *State) RestoreSnapshot(data []byte) error {
	var blob snapshotBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	s.Ledger.Restore(blob.Balances)
	s.Book.Restore(blob.Orders, blob.OrdersByUser)
	s.Cursor = blob.Cursor
	return nil
}
