package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) (*Manager, *SQLiteStore) {
	t.Helper()
	store := newTestStore(t)
	return NewManager(store, 5*time.Minute, zap.NewNop()), store
}

func TestManager_LoadWithoutSnapshot(t *testing.T) {
	mgr, _ := newTestManager(t)

	_, err := mgr.Load(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_SaveThenLoad(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.Save(ctx, []byte("state-v1")))

	blob, err := mgr.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("state-v1"), blob)
}

func TestManager_SaveRotatesPreviousIntoBackup(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.Save(ctx, []byte("state-v1")))

	// No backup yet: there was nothing to rotate
	_, err := store.Get(ctx, BackupKey)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, mgr.Save(ctx, []byte("state-v2")))

	primary, err := store.Get(ctx, PrimaryKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("state-v2"), primary)

	backup, err := store.Get(ctx, BackupKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("state-v1"), backup)
}

func TestManager_BackupExpires(t *testing.T) {
	store := newTestStore(t)
	mgr := NewManager(store, 10*time.Millisecond, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, mgr.Save(ctx, []byte("state-v1")))
	require.NoError(t, mgr.Save(ctx, []byte("state-v2")))

	time.Sleep(25 * time.Millisecond)

	// Backup expired, primary stays
	_, err := store.Get(ctx, BackupKey)
	assert.ErrorIs(t, err, ErrNotFound)

	blob, err := mgr.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("state-v2"), blob)
}
