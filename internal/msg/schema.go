package msg

import "encoding/json"

// Request event types on the request log
const (
	TypePriceUpdate    = "price_update"
	TypeOrderRequest   = "order_request"
	TypeCloseRequest   = "close_request"
	TypeDepositRequest = "deposit_request"
)

// Confirmation statuses on the confirmation log
const (
	StatusSuccessful = "SUCCESSFUL"
	StatusCancelled  = "CANCELLED"
	StatusClosed     = "CLOSED"
	StatusDeposited  = "DEPOSITED"
	StatusNotFound   = "not_found"
)

// Envelope wraps every request-log event. OrderID carries the caller's
// correlation ID for order/close/deposit requests and is empty for prices.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	OrderID   string          `json:"orderId,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// PriceUpdateMsg is a normalized exchange tick
type PriceUpdateMsg struct {
	Symbol    string  `json:"symbol"`
	BidPrice  float64 `json:"bidPrice"`
	AskPrice  float64 `json:"askPrice"`
	BidVolume float64 `json:"bidVolume"`
	AskVolume float64 `json:"askVolume"`
	Timestamp int64   `json:"timestamp"`
}

// OrderRequestMsg asks the engine to open a leveraged position
type OrderRequestMsg struct {
	UserID   string  `json:"userId"`
	Symbol   string  `json:"symbol"`
	Amount   float64 `json:"amount"`
	Leverage float64 `json:"leverage"`
	Side     string  `json:"side"` // "BUY" or "SELL"
}

// CloseRequestMsg asks the engine to close an open position
type CloseRequestMsg struct {
	UserID  string `json:"userId"`
	OrderID string `json:"orderId"`
}

// DepositRequestMsg credits a user's collateral balance
type DepositRequestMsg struct {
	UserID string  `json:"userId"`
	Amount float64 `json:"amount"`
}

// ConfirmationMsg is the engine's reply to a request, published on the
// confirmation log and matched to the request by OrderID.
type ConfirmationMsg struct {
	OrderID          string  `json:"orderId"`
	UserID           string  `json:"userId"`
	Symbol           string  `json:"symbol,omitempty"`
	Side             string  `json:"side,omitempty"`
	Amount           float64 `json:"amount"`
	Price            float64 `json:"price"`
	Status           string  `json:"status"`
	Timestamp        int64   `json:"timestamp"`
	RequiredMargin   float64 `json:"requiredMargin"`
	AvailableBalance float64 `json:"availableBalance"`

	// Close-only fields
	EntryPrice     float64 `json:"entryPrice,omitempty"`
	ClosePrice     float64 `json:"closePrice,omitempty"`
	Pnl            float64 `json:"pnl,omitempty"`
	ReleasedMargin float64 `json:"releasedMargin,omitempty"`

	// Reason is set on CANCELLED confirmations
	Reason string `json:"reason,omitempty"`
}
