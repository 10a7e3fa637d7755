package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/perpsim/margin-engine/internal/book"
	"github.com/perpsim/margin-engine/internal/msg"
	"github.com/perpsim/margin-engine/internal/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memStore is an in-memory snapshot.Store
type memStore struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{m: make(map[string][]byte)}
}

func (s *memStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.m[key]; ok {
		return v, nil
	}
	return nil, snapshot.ErrNotFound
}

func (s *memStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

type pollResult struct {
	recs []msg.Record
	err  error
}

// fakeSource replays a script of poll results, then behaves like an idle log
type fakeSource struct {
	mu     sync.Mutex
	script []pollResult
}

func (f *fakeSource) Poll(ctx context.Context, wait time.Duration, max int) ([]msg.Record, error) {
	f.mu.Lock()
	if len(f.script) > 0 {
		r := f.script[0]
		f.script = f.script[1:]
		f.mu.Unlock()
		return r.recs, r.err
	}
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Millisecond):
		return nil, nil
	}
}

func envRecord(t *testing.T, offset, ts int64, eventType, correlationID string, data any) msg.Record {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	val, err := json.Marshal(msg.Envelope{
		Type:      eventType,
		Data:      payload,
		OrderID:   correlationID,
		Timestamp: ts,
	})
	require.NoError(t, err)
	return msg.Record{Topic: "engine.requests", Offset: offset, Timestamp: ts, Value: val}
}

func newTestDispatcher(source EventSource, store snapshot.Store) (*Dispatcher, *State, *fakePublisher) {
	state := NewState("USDC")
	pub := &fakePublisher{}
	eng := New(state, pub, Options{ConfirmationTopic: "engine.confirmations"}, zap.NewNop())
	mgr := snapshot.NewManager(store, 5*time.Minute, zap.NewNop())
	d := NewDispatcher(eng, state, source, mgr, DispatcherConfig{
		StaleOrderThreshold: 5 * time.Second,
		SnapshotInterval:    time.Hour,
		PollWait:            10 * time.Millisecond,
		MaxReadFailures:     5,
	}, zap.NewNop())
	return d, state, pub
}

func TestApply_RoutesEventsAndAdvancesCursor(t *testing.T) {
	d, state, pub := newTestDispatcher(&fakeSource{}, newMemStore())
	ctx := context.Background()
	now := time.Now().UnixMilli()

	d.apply(ctx, envRecord(t, 0, now, msg.TypeDepositRequest, "d1", msg.DepositRequestMsg{UserID: "u1", Amount: 10000}))
	d.apply(ctx, envRecord(t, 1, now, msg.TypePriceUpdate, "", msg.PriceUpdateMsg{Symbol: "SYM", BidPrice: 99, AskPrice: 101}))

	// Malformed payloads advance the cursor without stalling replay
	d.apply(ctx, msg.Record{Offset: 2, Timestamp: now, Value: []byte("not json")})

	d.apply(ctx, envRecord(t, 3, now, msg.TypeOrderRequest, "o1", msg.OrderRequestMsg{
		UserID: "u1", Symbol: "SYM", Amount: 1, Leverage: 10, Side: "BUY",
	}))
	d.apply(ctx, envRecord(t, 4, now, msg.TypeCloseRequest, "cl1", msg.CloseRequestMsg{UserID: "u1", OrderID: "o1"}))
	d.apply(ctx, envRecord(t, 5, now, "mystery_event", "", struct{}{}))

	assert.Equal(t, int64(5), state.Cursor)
	assert.Equal(t, 100.0, state.Prices["SYM"].Mid)

	o, found := state.Book.Get("o1")
	require.True(t, found)
	assert.Equal(t, book.StatusClosed, o.Status)

	// deposit + open + close confirmations
	assert.Len(t, pub.confs, 3)
}

func TestApply_StaleOrdersDroppedPricesApplied(t *testing.T) {
	d, state, pub := newTestDispatcher(&fakeSource{}, newMemStore())
	ctx := context.Background()

	// Timestamps well before engineStart - threshold
	stale := d.startTime.Add(-time.Minute).UnixMilli()

	d.apply(ctx, envRecord(t, 0, stale, msg.TypePriceUpdate, "", msg.PriceUpdateMsg{Symbol: "SYM", BidPrice: 99, AskPrice: 101}))
	d.apply(ctx, envRecord(t, 1, stale, msg.TypeDepositRequest, "d1", msg.DepositRequestMsg{UserID: "u1", Amount: 10000}))
	d.apply(ctx, envRecord(t, 2, stale, msg.TypeOrderRequest, "o1", msg.OrderRequestMsg{
		UserID: "u1", Symbol: "SYM", Amount: 1, Leverage: 10, Side: "BUY",
	}))
	d.apply(ctx, envRecord(t, 3, stale, msg.TypeCloseRequest, "cl1", msg.CloseRequestMsg{UserID: "u1", OrderID: "o1"}))

	// The price survives the filter, everything else is dropped silently
	assert.Equal(t, 100.0, state.Prices["SYM"].Mid)
	assert.Empty(t, pub.confs, "stale requests produce no confirmations")

	_, found := state.Ledger.Get("u1")
	assert.False(t, found)
	_, found = state.Book.Get("o1")
	assert.False(t, found)

	assert.Equal(t, int64(3), state.Cursor, "cursor advances past dropped events")
}

func TestApply_FreshOrderWithinThreshold(t *testing.T) {
	d, state, _ := newTestDispatcher(&fakeSource{}, newMemStore())
	ctx := context.Background()

	// Two seconds old: inside the 5s window
	ts := d.startTime.Add(-2 * time.Second).UnixMilli()
	d.apply(ctx, envRecord(t, 0, ts, msg.TypeDepositRequest, "d1", msg.DepositRequestMsg{UserID: "u1", Amount: 100}))

	bal, found := state.Ledger.Get("u1")
	require.True(t, found)
	assert.Equal(t, 100.0, bal.Available)
}

func TestRun_FatalAfterReadBudgetWithEmergencySnapshot(t *testing.T) {
	store := newMemStore()
	source := &fakeSource{script: []pollResult{
		{recs: []msg.Record{envRecord(t, 7, time.Now().UnixMilli(), msg.TypeDepositRequest, "d1", msg.DepositRequestMsg{UserID: "u1", Amount: 100})}},
		{err: assert.AnError},
	}}

	state := NewState("USDC")
	pub := &fakePublisher{}
	eng := New(state, pub, Options{ConfirmationTopic: "engine.confirmations"}, zap.NewNop())
	mgr := snapshot.NewManager(store, 5*time.Minute, zap.NewNop())
	d := NewDispatcher(eng, state, source, mgr, DispatcherConfig{
		PollWait:        10 * time.Millisecond,
		MaxReadFailures: 1,
		SnapshotInterval: time.Hour,
	}, zap.NewNop())

	err := d.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, PhaseStopped, d.Phase())

	// The emergency snapshot carries the last applied cursor
	blob, err := store.Get(context.Background(), snapshot.PrimaryKey)
	require.NoError(t, err)

	restored := NewState("USDC")
	require.NoError(t, restored.RestoreSnapshot(blob))
	assert.Equal(t, int64(7), restored.Cursor)

	bal, found := restored.Ledger.Get("u1")
	require.True(t, found)
	assert.Equal(t, 100.0, bal.Available)
}

func TestRun_FinalSnapshotOnShutdown(t *testing.T) {
	store := newMemStore()
	d, state, _ := newTestDispatcher(&fakeSource{script: []pollResult{
		{recs: []msg.Record{envRecord(t, 3, time.Now().UnixMilli(), msg.TypeDepositRequest, "d1", msg.DepositRequestMsg{UserID: "u1", Amount: 42})}},
	}}, store)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	require.NoError(t, <-errCh)
	assert.Equal(t, PhaseStopped, d.Phase())
	assert.Equal(t, int64(3), state.Cursor)

	blob, err := store.Get(context.Background(), snapshot.PrimaryKey)
	require.NoError(t, err)

	restored := NewState("USDC")
	require.NoError(t, restored.RestoreSnapshot(blob))
	assert.Equal(t, int64(3), restored.Cursor)
}

func TestRun_ShutdownDuringBackoff(t *testing.T) {
	d, _, _ := newTestDispatcher(&fakeSource{script: []pollResult{
		{err: assert.AnError},
	}}, newMemStore())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	// Cancel while the loop sits in its first 1s backoff window
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop during backoff")
	}
}

func TestBackoffFor(t *testing.T) {
	cases := []struct {
		n    int
		want time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{6, 10 * time.Second},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, backoffFor(c.n), "n=%d", c.n)
	}
}

// Replaying events after a snapshot's cursor must reproduce the exact
// state of an uninterrupted run
func TestRecovery_ReplayDeterminism(t *testing.T) {
	now := time.Now().UnixMilli()
	events := []msg.Record{
		envRecord(t, 0, now, msg.TypeDepositRequest, "d1", msg.DepositRequestMsg{UserID: "u1", Amount: 10000}),
		envRecord(t, 1, now, msg.TypePriceUpdate, "", msg.PriceUpdateMsg{Symbol: "SYM", BidPrice: 99, AskPrice: 101}),
		envRecord(t, 2, now, msg.TypeOrderRequest, "o1", msg.OrderRequestMsg{UserID: "u1", Symbol: "SYM", Amount: 1, Leverage: 10, Side: "BUY"}),
		envRecord(t, 3, now, msg.TypePriceUpdate, "", msg.PriceUpdateMsg{Symbol: "SYM", BidPrice: 109, AskPrice: 111}),
		envRecord(t, 4, now, msg.TypeCloseRequest, "cl1", msg.CloseRequestMsg{UserID: "u1", OrderID: "o1"}),
	}

	// Uninterrupted run
	full, fullState, _ := newTestDispatcher(&fakeSource{}, newMemStore())
	for _, rec := range events {
		full.apply(context.Background(), rec)
	}

	// Interrupted run: snapshot after offset 2, restore, replay the rest.
	// Prices are not snapshotted, so the replay must re-deliver the
	// price_update events after the cursor (offset 3 onward here).
	partial, partialState, _ := newTestDispatcher(&fakeSource{}, newMemStore())
	for _, rec := range events[:3] {
		partial.apply(context.Background(), rec)
	}
	blob, err := partialState.MarshalSnapshot()
	require.NoError(t, err)

	resumed, resumedState, _ := newTestDispatcher(&fakeSource{}, newMemStore())
	require.NoError(t, resumedState.RestoreSnapshot(blob))
	assert.Equal(t, int64(2), resumedState.Cursor)
	for _, rec := range events {
		if rec.Offset > resumedState.Cursor {
			resumed.apply(context.Background(), rec)
		}
	}

	assert.Equal(t, fullState.Cursor, resumedState.Cursor)

	wantBal, _ := fullState.Ledger.Get("u1")
	gotBal, _ := resumedState.Ledger.Get("u1")
	assert.Equal(t, wantBal.Available, gotBal.Available)
	assert.Equal(t, wantBal.Locked, gotBal.Locked)
	assert.Equal(t, wantBal.Total, gotBal.Total)

	wantOrder, _ := fullState.Book.Get("o1")
	gotOrder, _ := resumedState.Book.Get("o1")
	assert.Equal(t, wantOrder.Status, gotOrder.Status)
	assert.Equal(t, wantOrder.EntryPrice, gotOrder.EntryPrice)
}
