package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/perpsim/margin-engine/internal/msg"
	"github.com/perpsim/margin-engine/internal/snapshot"
	"go.uber.org/zap"
)

// Phase is the dispatcher lifecycle state
type Phase int32

const (
	PhaseInitializing Phase = iota
	PhaseConsuming
	PhaseErrorBackoff
	PhaseShuttingDown
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "INITIALIZING"
	case PhaseConsuming:
		return "CONSUMING"
	case PhaseErrorBackoff:
		return "ERROR_BACKOFF"
	case PhaseShuttingDown:
		return "SHUTTING_DOWN"
	case PhaseStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// EventSource is a bounded blocking reader over the request log
type EventSource interface {
	Poll(ctx context.Context, wait time.Duration, max int) ([]msg.Record, error)
}

// DispatcherConfig tunes the consumption loop
type DispatcherConfig struct {
	// StaleOrderThreshold is the maximum age, relative to engine start,
	// of an order/close/deposit request before it is dropped unprocessed
	StaleOrderThreshold time.Duration

	// SnapshotInterval is how often a periodic snapshot is captured
	SnapshotInterval time.Duration

	// PollWait bounds each blocking log read
	PollWait time.Duration

	// MaxReadFailures is the consecutive-failure budget before the loop
	// takes an emergency snapshot and exits fatally
	MaxReadFailures int

	// MaxBatch caps records per poll
	MaxBatch int
}

// Dispatcher owns the read cursor into the request log. It classifies
// events, applies the staleness filter and routes to the engine; it is the
// single writer of the engine state, and snapshots are captured strictly
// between events.
type Dispatcher struct {
	engine    *Engine
	state     *State
	source    EventSource
	snapshots *snapshot.Manager
	logger    *zap.Logger
	cfg       DispatcherConfig

	startTime time.Time
	phase     atomic.Int32
	failures  int
}

// NewDispatcher creates a dispatcher; Run starts consumption
func NewDispatcher(eng *Engine, state *State, source EventSource, snapshots *snapshot.Manager, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.PollWait <= 0 {
		cfg.PollWait = 2 * time.Second
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 100
	}
	if cfg.MaxReadFailures <= 0 {
		cfg.MaxReadFailures = 5
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 30 * time.Second
	}
	if cfg.StaleOrderThreshold <= 0 {
		cfg.StaleOrderThreshold = 5 * time.Second
	}

	d := &Dispatcher{
		engine:    eng,
		state:     state,
		source:    source,
		snapshots: snapshots,
		logger:    logger,
		cfg:       cfg,
		startTime: time.Now(),
	}
	d.phase.Store(int32(PhaseInitializing))
	return d
}

// Phase returns the current lifecycle phase
func (d *Dispatcher) Phase() Phase {
	return Phase(d.phase.Load())
}

func (d *Dispatcher) setPhase(p Phase) {
	d.phase.Store(int32(p))
}

// Run consumes the request log until the context is cancelled or the read
// failure budget is exhausted. On cancellation it captures a final
// snapshot and returns nil; on budget exhaustion it captures an emergency
// snapshot and returns the read error.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.setPhase(PhaseConsuming)
	d.logger.Info("dispatcher consuming",
		zap.Int64("cursor", d.state.Cursor),
		zap.Duration("stale_order_threshold", d.cfg.StaleOrderThreshold),
	)

	ticker := time.NewTicker(d.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return d.shutdown()
		default:
		}

		// Periodic snapshot, only ever between event applications
		select {
		case <-ticker.C:
			if err := d.captureSnapshot(); err != nil {
				d.logger.Warn("periodic snapshot failed", zap.Error(err))
			}
		default:
		}

		records, err := d.source.Poll(ctx, d.cfg.PollWait, d.cfg.MaxBatch)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if fatal := d.handleReadFailure(ctx, err); fatal != nil {
				return fatal
			}
			continue
		}

		d.failures = 0
		for _, rec := range records {
			d.apply(ctx, rec)
		}
	}
}

// apply routes a single record. The cursor advances unconditionally so a
// malformed event can never stall replay.
func (d *Dispatcher) apply(ctx context.Context, rec msg.Record) {
	d.state.Cursor = rec.Offset

	var env msg.Envelope
	if err := json.Unmarshal(rec.Value, &env); err != nil {
		d.logger.Warn("dropping malformed event",
			zap.Int64("offset", rec.Offset),
			zap.Error(err),
		)
		return
	}

	switch env.Type {
	case msg.TypePriceUpdate:
		// The latest price is always wanted, no matter how old the event
		var p msg.PriceUpdateMsg
		if err := json.Unmarshal(env.Data, &p); err != nil {
			d.logger.Warn("dropping malformed price update", zap.Int64("offset", rec.Offset), zap.Error(err))
			return
		}
		d.engine.UpdatePrice(p)

	case msg.TypeOrderRequest:
		if d.dropIfStale(rec, env.OrderID) {
			return
		}
		var req msg.OrderRequestMsg
		if err := json.Unmarshal(env.Data, &req); err != nil {
			d.logger.Warn("dropping malformed order request", zap.Int64("offset", rec.Offset), zap.Error(err))
			return
		}
		d.engine.PlaceOrder(ctx, req, env.OrderID)

	case msg.TypeCloseRequest:
		if d.dropIfStale(rec, env.OrderID) {
			return
		}
		var req msg.CloseRequestMsg
		if err := json.Unmarshal(env.Data, &req); err != nil {
			d.logger.Warn("dropping malformed close request", zap.Int64("offset", rec.Offset), zap.Error(err))
			return
		}
		d.engine.CloseOrder(ctx, req, env.OrderID)

	case msg.TypeDepositRequest:
		if d.dropIfStale(rec, env.OrderID) {
			return
		}
		var req msg.DepositRequestMsg
		if err := json.Unmarshal(env.Data, &req); err != nil {
			d.logger.Warn("dropping malformed deposit request", zap.Int64("offset", rec.Offset), zap.Error(err))
			return
		}
		d.engine.Deposit(ctx, req, env.OrderID)

	default:
		d.logger.Warn("unknown event type",
			zap.String("type", env.Type),
			zap.Int64("offset", rec.Offset),
		)
	}
}

// dropIfStale drops request events queued while the engine was down and
// too old to honor: no processing, no confirmation
func (d *Dispatcher) dropIfStale(rec msg.Record, correlationID string) bool {
	cutoff := d.startTime.Add(-d.cfg.StaleOrderThreshold).UnixMilli()
	if rec.Timestamp >= cutoff {
		return false
	}

	d.logger.Warn("dropping stale request",
		zap.String("order_id", correlationID),
		zap.Int64("offset", rec.Offset),
		zap.Int64("event_ts", rec.Timestamp),
		zap.Int64("cutoff_ts", cutoff),
	)
	return true
}

// handleReadFailure applies exponential backoff; once the budget is
// exhausted it takes an emergency snapshot and returns a fatal error
func (d *Dispatcher) handleReadFailure(ctx context.Context, err error) error {
	d.failures++

	if d.failures >= d.cfg.MaxReadFailures {
		d.logger.Error("log read failure budget exhausted, taking emergency snapshot",
			zap.Int("consecutive_failures", d.failures),
			zap.Error(err),
		)
		if snapErr := d.captureSnapshot(); snapErr != nil {
			d.logger.Error("emergency snapshot failed", zap.Error(snapErr))
		}
		d.setPhase(PhaseStopped)
		return fmt.Errorf("log reads failed %d times in a row: %w", d.failures, err)
	}

	backoff := backoffFor(d.failures)
	d.setPhase(PhaseErrorBackoff)
	d.logger.Warn("log read failed, backing off",
		zap.Int("consecutive_failures", d.failures),
		zap.Duration("backoff", backoff),
		zap.Error(err),
	)

	select {
	case <-ctx.Done():
	case <-time.After(backoff):
	}
	d.setPhase(PhaseConsuming)
	return nil
}

// backoffFor returns min(1000 * 2^(n-1), 10000) milliseconds
func backoffFor(n int) time.Duration {
	ms := int64(1000) << (n - 1)
	if ms > 10000 || ms <= 0 {
		ms = 10000
	}
	return time.Duration(ms) * time.Millisecond
}

func (d *Dispatcher) shutdown() error {
	d.setPhase(PhaseShuttingDown)
	d.logger.Info("dispatcher stopping, capturing final snapshot", zap.Int64("cursor", d.state.Cursor))
	if err := d.captureSnapshot(); err != nil {
		d.logger.Error("final snapshot failed", zap.Error(err))
	}
	d.setPhase(PhaseStopped)
	return nil
}

// captureSnapshot serializes the state and persists it. It runs on the
// dispatcher goroutine between events, so it always sees a consistent
// state, and uses its own context so shutdown snapshots still complete.
func (d *Dispatcher) captureSnapshot() error {
	blob, err := d.state.MarshalSnapshot()
	if err != nil {
		return err
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return d.snapshots.Save(saveCtx, blob)
}
