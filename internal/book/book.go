// Package book owns open positions and the per-user index of order IDs.
// Like the ledger it is pure state with a single writer.
package book

import (
	"errors"
	"sort"
	"time"
)

var (
	// ErrOrderNotFound is returned when the order ID is unknown
	ErrOrderNotFound = errors.New("order not found")

	// ErrAlreadyClosed is returned when closing an order that is not OPEN
	ErrAlreadyClosed = errors.New("order already closed")

	// ErrDuplicateOrder is returned when opening an order ID that already
	// exists; reachable only through at-least-once log replay
	ErrDuplicateOrder = errors.New("duplicate order id")
)

// Status is an order's lifecycle state
type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusClosed    Status = "CLOSED"
	StatusCancelled Status = "CANCELLED"
)

// Order is an open (or closed) leveraged position. Once CLOSED it is
// immutable; CANCELLED requests never produce an Order at all.
type Order struct {
	OrderID    string  `json:"orderId"`
	UserID     string  `json:"userId"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Amount     float64 `json:"amount"`
	EntryPrice float64 `json:"entryPrice"`
	Leverage   float64 `json:"leverage"`
	Status     Status  `json:"status"`
	CreatedAt  int64   `json:"createdAt"`
	UpdatedAt  int64   `json:"updatedAt"`
}

// Book indexes orders by ID and by user
type Book struct {
	orders map[string]*Order
	byUser map[string]map[string]struct{}
}

// New creates an empty position book
func New() *Book {
	return &Book{
		orders: make(map[string]*Order),
		byUser: make(map[string]map[string]struct{}),
	}
}

// Open inserts an order with status OPEN and indexes it under its user
func (b *Book) Open(o Order) error {
	if _, exists := b.orders[o.OrderID]; exists {
		return ErrDuplicateOrder
	}

	now := time.Now().UnixMilli()
	o.Status = StatusOpen
	o.CreatedAt = now
	o.UpdatedAt = now
	b.orders[o.OrderID] = &o

	if _, ok := b.byUser[o.UserID]; !ok {
		b.byUser[o.UserID] = make(map[string]struct{})
	}
	b.byUser[o.UserID][o.OrderID] = struct{}{}

	return nil
}

// Close transitions an order OPEN -> CLOSED. A second close is rejected
// with ErrAlreadyClosed, not treated as a no-op.
func (b *Book) Close(orderID string) (Order, error) {
	o, ok := b.orders[orderID]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	if o.Status != StatusOpen {
		return Order{}, ErrAlreadyClosed
	}

	o.Status = StatusClosed
	o.UpdatedAt = time.Now().UnixMilli()

	return *o, nil
}

// Get returns a copy of the order
func (b *Book) Get(orderID string) (Order, bool) {
	o, ok := b.orders[orderID]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// ListForUser returns the user's orders sorted by creation time
func (b *Book) ListForUser(userID string) []Order {
	ids, ok := b.byUser[userID]
	if !ok {
		return nil
	}

	out := make([]Order, 0, len(ids))
	for id := range ids {
		out = append(out, *b.orders[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].OrderID < out[j].OrderID
	})
	return out
}

// Snapshot returns copies of all orders and the user index
func (b *Book) Snapshot() ([]Order, map[string][]string) {
	orders := make([]Order, 0, len(b.orders))
	for _, o := range b.orders {
		orders = append(orders, *o)
	}
	byUser := make(map[string][]string, len(b.byUser))
	for user, ids := range b.byUser {
		list := make([]string, 0, len(ids))
		for id := range ids {
			list = append(list, id)
		}
		sort.Strings(list)
		byUser[user] = list
	}
	return orders, byUser
}

// Restore replaces the book contents from a snapshot
func (b *Book) Restore(orders []Order, byUser map[string][]string) {
	b.orders = make(map[string]*Order, len(orders))
	for i := range orders {
		o := orders[i]
		b.orders[o.OrderID] = &o
	}
	b.byUser = make(map[string]map[string]struct{}, len(byUser))
	for user, ids := range byUser {
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		b.byUser[user] = set
	}
}
