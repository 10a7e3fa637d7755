// Package correlation implements the request/confirmation protocol used by
// API handlers: publish a request carrying a fresh correlation ID, then
// poll the confirmation log until the matching confirmation appears.
package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/perpsim/margin-engine/internal/msg"
	"go.uber.org/zap"
)

// ErrTimeout means no confirmation was observed within the budget. It does
// not mean the request failed: the engine may still have applied it, and a
// reconciling read is the caller's responsibility.
var ErrTimeout = errors.New("timed out waiting for confirmation")

// Publisher appends request events to the request log
type Publisher interface {
	ProduceJSON(ctx context.Context, topic string, key string, v any) error
}

// EventStream is a bounded blocking reader over the confirmation log
type EventStream interface {
	Poll(ctx context.Context, wait time.Duration, max int) ([]msg.Record, error)
	Close()
}

// OpenTailFunc opens a fresh stream positioned at the confirmation log's
// current end
type OpenTailFunc func(ctx context.Context) (EventStream, error)

// Client submits requests and awaits their confirmations. Every
// AwaitConfirmation call opens its own cursor, so concurrent callers never
// interfere; the flip side is that a confirmation published before the
// cursor opened is permanently invisible to that call. Submit first, await
// second, and keep the window in mind.
type Client struct {
	publisher    Publisher
	openTail     OpenTailFunc
	requestTopic string
	logger       *zap.Logger
	pollWait     time.Duration
}

// NewClient creates a correlation client
func NewClient(publisher Publisher, openTail OpenTailFunc, requestTopic string, logger *zap.Logger) *Client {
	return &Client{
		publisher:    publisher,
		openTail:     openTail,
		requestTopic: requestTopic,
		logger:       logger,
		pollWait:     time.Second,
	}
}

// SubmitOrder publishes an order request and returns its correlation ID
func (c *Client) SubmitOrder(ctx context.Context, req msg.OrderRequestMsg) (string, error) {
	return c.submit(ctx, msg.TypeOrderRequest, req)
}

// SubmitClose publishes a close request and returns its correlation ID
// (distinct from the order being closed)
func (c *Client) SubmitClose(ctx context.Context, req msg.CloseRequestMsg) (string, error) {
	return c.submit(ctx, msg.TypeCloseRequest, req)
}

// SubmitDeposit publishes a deposit request and returns its correlation ID
func (c *Client) SubmitDeposit(ctx context.Context, req msg.DepositRequestMsg) (string, error) {
	return c.submit(ctx, msg.TypeDepositRequest, req)
}

func (c *Client) submit(ctx context.Context, eventType string, data any) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", err
	}

	correlationID := uuid.New().String()
	env := msg.Envelope{
		Type:      eventType,
		Data:      payload,
		OrderID:   correlationID,
		Timestamp: time.Now().UnixMilli(),
	}

	if err := c.publisher.ProduceJSON(ctx, c.requestTopic, correlationID, env); err != nil {
		return "", err
	}

	c.logger.Debug("request submitted",
		zap.String("type", eventType),
		zap.String("order_id", correlationID),
	)
	return correlationID, nil
}

// AwaitConfirmation polls the confirmation log until an event carrying
// correlationID appears or timeout elapses
func (c *Client) AwaitConfirmation(ctx context.Context, correlationID string, timeout time.Duration) (*msg.ConfirmationMsg, error) {
	stream, err := c.openTail(ctx)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}

		wait := c.pollWait
		if remaining < wait {
			wait = remaining
		}

		records, err := stream.Poll(ctx, wait, 10)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("confirmation poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		for _, rec := range records {
			var conf msg.ConfirmationMsg
			if err := json.Unmarshal(rec.Value, &conf); err != nil {
				c.logger.Warn("skipping malformed confirmation", zap.Int64("offset", rec.Offset), zap.Error(err))
				continue
			}
			if conf.OrderID == correlationID {
				return &conf, nil
			}
		}
	}
}
