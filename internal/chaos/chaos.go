// Package chaos injects failures into the engine's log reads so the
// backoff and emergency-snapshot paths can be exercised deliberately.
package chaos

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/perpsim/margin-engine/internal/msg"
	"go.uber.org/zap"
)

// ErrInjected is the synthetic read failure returned by a flaky source
var ErrInjected = errors.New("chaos: injected log read failure")

// Chaos provides deterministic failure injection
type Chaos struct {
	cfg    *Config
	logger *zap.Logger
	rng    *rand.Rand
	mu     sync.Mutex
	start  time.Time
}

// New creates a new Chaos instance
func New(cfg *Config, logger *zap.Logger) *Chaos {
	return &Chaos{
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		start:  time.Now(),
	}
}

// Enabled reports whether injection is currently active
func (c *Chaos) Enabled() bool {
	if !c.cfg.Enabled {
		return false
	}

	// Check if window expired
	if c.cfg.WindowMs > 0 {
		elapsed := time.Since(c.start).Milliseconds()
		if elapsed > int64(c.cfg.WindowMs) {
			return false
		}
	}

	return true
}

// MaybeDelay injects a random delay if chaos is enabled
func (c *Chaos) MaybeDelay(ctx context.Context, op string) error {
	if !c.Enabled() {
		return nil
	}
	if c.cfg.DelayMsMin == 0 && c.cfg.DelayMsMax == 0 {
		return nil
	}

	c.mu.Lock()
	var delayMs int
	if c.cfg.DelayMsMin == c.cfg.DelayMsMax {
		delayMs = c.cfg.DelayMsMin
	} else {
		delayMs = c.cfg.DelayMsMin + c.rng.Intn(c.cfg.DelayMsMax-c.cfg.DelayMsMin+1)
	}
	c.mu.Unlock()

	if delayMs > 0 {
		c.logger.Info("chaos delay injected",
			zap.String("op", op),
			zap.Int("delay_ms", delayMs),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(delayMs) * time.Millisecond):
			return nil
		}
	}

	return nil
}

// MaybeFail returns true if the operation should fail
func (c *Chaos) MaybeFail(op string) bool {
	if !c.Enabled() || c.cfg.FailPct == 0 {
		return false
	}

	c.mu.Lock()
	fail := c.rng.Intn(100) < c.cfg.FailPct
	c.mu.Unlock()

	if fail {
		c.logger.Info("chaos failure injected", zap.String("op", op))
	}

	return fail
}

// Source is the reader a FlakySource wraps
type Source interface {
	Poll(ctx context.Context, wait time.Duration, max int) ([]msg.Record, error)
}

// FlakySource wraps an event source and injects delays and read failures
type FlakySource struct {
	Inner Source
	Chaos *Chaos
}

// Poll delegates to the inner source unless a failure is injected
func (f *FlakySource) Poll(ctx context.Context, wait time.Duration, max int) ([]msg.Record, error) {
	if err := f.Chaos.MaybeDelay(ctx, "log_read"); err != nil {
		return nil, err
	}
	if f.Chaos.MaybeFail("log_read") {
		return nil, ErrInjected
	}
	return f.Inner.Poll(ctx, wait, max)
}
