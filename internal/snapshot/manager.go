package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Snapshot keys. The backup holds the previous primary and carries a short
// TTL: it is a disaster fallback, never read on the happy path.
const (
	PrimaryKey = "engine:snapshot:latest"
	BackupKey  = "engine:snapshot:backup"
)

// Manager persists opaque engine-state blobs with primary/backup rotation
type Manager struct {
	store     Store
	logger    *zap.Logger
	backupTTL time.Duration
}

// NewManager creates a snapshot manager on top of a Store
func NewManager(store Store, backupTTL time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		store:     store,
		logger:    logger,
		backupTTL: backupTTL,
	}
}

// Save rotates the current primary into the backup key, then writes blob as
// the new primary. Rotation failure is logged and does not block the write.
func (m *Manager) Save(ctx context.Context, blob []byte) error {
	prev, err := m.store.Get(ctx, PrimaryKey)
	if err == nil && len(prev) > 0 {
		if err := m.store.Set(ctx, BackupKey, prev, m.backupTTL); err != nil {
			m.logger.Warn("failed to rotate snapshot backup", zap.Error(err))
		}
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		m.logger.Warn("failed to read previous snapshot for rotation", zap.Error(err))
	}

	if err := m.store.Set(ctx, PrimaryKey, blob, 0); err != nil {
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}

	m.logger.Info("snapshot persisted", zap.Int("bytes", len(blob)))
	return nil
}

// Load returns the primary snapshot blob, or ErrNotFound when none exists
func (m *Manager) Load(ctx context.Context) ([]byte, error) {
	blob, err := m.store.Get(ctx, PrimaryKey)
	if err != nil {
		return nil, err
	}
	return blob, nil
}
