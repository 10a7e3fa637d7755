// Package engine contains the margin/PnL state machine and the stream
// dispatcher that drives it from the request log.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/perpsim/margin-engine/internal/book"
	"github.com/perpsim/margin-engine/internal/ledger"
	"github.com/perpsim/margin-engine/internal/msg"
	"go.uber.org/zap"
)

// Publisher publishes confirmation events onto the confirmation log
type Publisher interface {
	ProduceJSON(ctx context.Context, topic string, key string, v any) error
}

// Options tune engine behavior
type Options struct {
	// ConfirmationTopic is where confirmations are published
	ConfirmationTopic string

	// AutoSeedBalance credits unknown users with AutoSeedAmount on their
	// first order instead of rejecting for insufficient balance
	AutoSeedBalance bool
	AutoSeedAmount  float64
}

// Engine applies order, close and deposit requests against the state and
// emits exactly one confirmation per request. Business-rule failures are
// never errors: the only observer sits across the log boundary, so they
// are encoded as CANCELLED / not_found confirmations.
type Engine struct {
	state     *State
	publisher Publisher
	logger    *zap.Logger
	opts      Options
}

// New creates an engine over the given state
func New(state *State, publisher Publisher, opts Options, logger *zap.Logger) *Engine {
	return &Engine{
		state:     state,
		publisher: publisher,
		logger:    logger,
		opts:      opts,
	}
}

// UpdatePrice folds a normalized tick into the price cache
func (e *Engine) UpdatePrice(p msg.PriceUpdateMsg) {
	e.state.Prices[p.Symbol] = PriceQuote{
		Symbol:     p.Symbol,
		Mid:        (p.BidPrice + p.AskPrice) / 2,
		Volume:     p.BidVolume + p.AskVolume,
		ObservedAt: p.Timestamp,
	}
}

// currentPrice returns the cached mid price, 0 when unknown or unusable
func (e *Engine) currentPrice(symbol string) float64 {
	q, ok := e.state.Prices[symbol]
	if !ok || q.Mid <= 0 {
		return 0
	}
	return q.Mid
}

// PlaceOrder opens a leveraged position. The ledger reservation completes
// before the order is recorded, and both complete before the confirmation
// is published: a caller that observes the confirmation can rely on the
// mutation having happened.
func (e *Engine) PlaceOrder(ctx context.Context, req msg.OrderRequestMsg, correlationID string) {
	price := e.currentPrice(req.Symbol)
	if price == 0 {
		e.logger.Info("no price data for symbol, cancelling order",
			zap.String("symbol", req.Symbol),
			zap.String("order_id", correlationID),
		)
		e.emitCancelled(ctx, req, correlationID, "no price data")
		return
	}

	if req.Leverage < 1 {
		e.emitCancelled(ctx, req, correlationID, "invalid leverage")
		return
	}
	if req.Amount <= 0 {
		e.emitCancelled(ctx, req, correlationID, "invalid amount")
		return
	}

	// At-least-once replay can redeliver a request whose position already
	// exists; the first placement stands and no second confirmation goes out
	if _, exists := e.state.Book.Get(correlationID); exists {
		e.logger.Warn("replayed order request ignored", zap.String("order_id", correlationID))
		return
	}

	orderValue := req.Amount * price
	requiredMargin := orderValue / req.Leverage

	if e.opts.AutoSeedBalance {
		if _, ok := e.state.Ledger.Get(req.UserID); !ok {
			if _, err := e.state.Ledger.Credit(req.UserID, e.opts.AutoSeedAmount); err != nil {
				e.logger.Error("failed to seed balance", zap.String("user_id", req.UserID), zap.Error(err))
			} else {
				e.logger.Info("seeded new user balance",
					zap.String("user_id", req.UserID),
					zap.Float64("amount", e.opts.AutoSeedAmount),
				)
			}
		}
	}

	bal, err := e.state.Ledger.Reserve(req.UserID, requiredMargin)
	if err != nil {
		e.logger.Info("insufficient margin, cancelling order",
			zap.String("user_id", req.UserID),
			zap.Float64("required_margin", requiredMargin),
		)
		e.emitCancelled(ctx, req, correlationID, "insufficient balance")
		return
	}

	if err := e.state.Book.Open(book.Order{
		OrderID:    correlationID,
		UserID:     req.UserID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Amount:     req.Amount,
		EntryPrice: price,
		Leverage:   req.Leverage,
	}); err != nil {
		// Unreachable after the replay pre-check; do not leave margin locked
		e.logger.Error("failed to record order", zap.String("order_id", correlationID), zap.Error(err))
		if _, relErr := e.state.Ledger.Release(req.UserID, requiredMargin, 0); relErr != nil {
			e.logger.Error("failed to unwind reservation", zap.Error(relErr))
		}
		return
	}

	e.emit(ctx, msg.ConfirmationMsg{
		OrderID:          correlationID,
		UserID:           req.UserID,
		Symbol:           req.Symbol,
		Side:             req.Side,
		Amount:           req.Amount,
		Price:            price,
		Status:           msg.StatusSuccessful,
		Timestamp:        time.Now().UnixMilli(),
		RequiredMargin:   requiredMargin,
		AvailableBalance: bal.Available,
	})

	e.logger.Info("order opened",
		zap.String("order_id", correlationID),
		zap.String("user_id", req.UserID),
		zap.String("symbol", req.Symbol),
		zap.String("side", req.Side),
		zap.Float64("entry_price", price),
		zap.Float64("required_margin", requiredMargin),
	)
}

// CloseOrder closes an open position and settles its PnL
func (e *Engine) CloseOrder(ctx context.Context, req msg.CloseRequestMsg, correlationID string) {
	order, ok := e.state.Book.Get(req.OrderID)
	if !ok {
		e.logger.Info("close requested for unknown order",
			zap.String("order_id", req.OrderID),
			zap.String("user_id", req.UserID),
		)
		e.emit(ctx, msg.ConfirmationMsg{
			OrderID:          correlationID,
			UserID:           req.UserID,
			Status:           msg.StatusNotFound,
			Timestamp:        time.Now().UnixMilli(),
			AvailableBalance: e.availableFor(req.UserID),
		})
		return
	}

	if order.Status != book.StatusOpen {
		e.logger.Info("close requested for non-open order",
			zap.String("order_id", req.OrderID),
			zap.String("status", string(order.Status)),
		)
		e.emit(ctx, msg.ConfirmationMsg{
			OrderID:          correlationID,
			UserID:           req.UserID,
			Symbol:           order.Symbol,
			Side:             order.Side,
			Amount:           order.Amount,
			Status:           msg.StatusCancelled,
			Reason:           "order already closed",
			Timestamp:        time.Now().UnixMilli(),
			AvailableBalance: e.availableFor(req.UserID),
		})
		return
	}

	// The close never blocks on a missing quote; a zero close price
	// realizes the position as a full loss or gain of the notional
	closePrice := e.currentPrice(order.Symbol)

	leverage := order.Leverage
	if leverage < 1 {
		leverage = 1
	}
	releasedMargin := (order.EntryPrice * order.Amount) / leverage

	direction := 1.0
	if order.Side == "SELL" {
		direction = -1.0
	}
	pnl := (closePrice - order.EntryPrice) * order.Amount * direction

	bal, err := e.state.Ledger.Release(order.UserID, releasedMargin, pnl)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			e.logger.Warn("closing order for user with no ledger account",
				zap.String("order_id", req.OrderID),
				zap.String("user_id", order.UserID),
			)
		} else {
			e.logger.Error("failed to release margin", zap.Error(err))
		}
	}

	if _, err := e.state.Book.Close(req.OrderID); err != nil {
		e.logger.Error("failed to close order", zap.String("order_id", req.OrderID), zap.Error(err))
		return
	}

	e.emit(ctx, msg.ConfirmationMsg{
		OrderID:          correlationID,
		UserID:           order.UserID,
		Symbol:           order.Symbol,
		Side:             order.Side,
		Amount:           order.Amount,
		Status:           msg.StatusClosed,
		Timestamp:        time.Now().UnixMilli(),
		EntryPrice:       order.EntryPrice,
		ClosePrice:       closePrice,
		Pnl:              pnl,
		ReleasedMargin:   releasedMargin,
		AvailableBalance: bal.Available,
	})

	e.logger.Info("order closed",
		zap.String("order_id", req.OrderID),
		zap.String("user_id", order.UserID),
		zap.Float64("entry_price", order.EntryPrice),
		zap.Float64("close_price", closePrice),
		zap.Float64("pnl", pnl),
	)
}

// Deposit credits a user's collateral balance
func (e *Engine) Deposit(ctx context.Context, req msg.DepositRequestMsg, correlationID string) {
	bal, err := e.state.Ledger.Credit(req.UserID, req.Amount)
	if err != nil {
		e.emit(ctx, msg.ConfirmationMsg{
			OrderID:          correlationID,
			UserID:           req.UserID,
			Amount:           req.Amount,
			Status:           msg.StatusCancelled,
			Reason:           "invalid amount",
			Timestamp:        time.Now().UnixMilli(),
			AvailableBalance: e.availableFor(req.UserID),
		})
		return
	}

	e.emit(ctx, msg.ConfirmationMsg{
		OrderID:          correlationID,
		UserID:           req.UserID,
		Amount:           req.Amount,
		Status:           msg.StatusDeposited,
		Timestamp:        time.Now().UnixMilli(),
		AvailableBalance: bal.Available,
	})

	e.logger.Info("deposit credited",
		zap.String("user_id", req.UserID),
		zap.Float64("amount", req.Amount),
		zap.Float64("available", bal.Available),
	)
}

func (e *Engine) availableFor(userID string) float64 {
	if bal, ok := e.state.Ledger.Get(userID); ok {
		return bal.Available
	}
	return 0
}

func (e *Engine) emitCancelled(ctx context.Context, req msg.OrderRequestMsg, correlationID, reason string) {
	e.emit(ctx, msg.ConfirmationMsg{
		OrderID:          correlationID,
		UserID:           req.UserID,
		Symbol:           req.Symbol,
		Side:             req.Side,
		Amount:           req.Amount,
		Price:            0,
		Status:           msg.StatusCancelled,
		Reason:           reason,
		Timestamp:        time.Now().UnixMilli(),
		RequiredMargin:   0,
		AvailableBalance: e.availableFor(req.UserID),
	})
}

// emit publishes a confirmation; a publish failure is logged but never
// unwinds the state mutation that preceded it
func (e *Engine) emit(ctx context.Context, conf msg.ConfirmationMsg) {
	if err := e.publisher.ProduceJSON(ctx, e.opts.ConfirmationTopic, conf.OrderID, conf); err != nil {
		e.logger.Error("failed to publish confirmation",
			zap.String("order_id", conf.OrderID),
			zap.String("status", conf.Status),
			zap.Error(err),
		)
	}
}
