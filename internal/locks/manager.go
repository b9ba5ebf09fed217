package locks

import (
	"context"
	"errors"
	"time"

	"github.com/basecache/basecache/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingVersioned = errors.New("locks: versioned store is required")
	errMissingName      = errors.New("locks: lock name is required")
)

// ManagerConfig describes the dependencies for the lock manager.
type ManagerConfig struct {
	Versioned *store.VersionedStore
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Manager provides named, TTL-bound advisory locks backed by a table in the
// active bank. Expired rows are purged lazily on each acquire.
type Manager struct {
	versioned *store.VersionedStore
	clock     func() time.Time
	logger    *zap.Logger
}

// NewManager validates the configuration and builds the lock manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Versioned == nil {
		return nil, errMissingVersioned
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{versioned: cfg.Versioned, clock: clock, logger: logger}, nil
}

// Acquire takes the named lock for ttl. It returns ok=false when a live lock
// already exists; callers treat that as "skip, someone else is running this"
// rather than an error.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	if name == "" {
		return "", false, errMissingName
	}
	now := m.clock().UTC()
	token := uuid.NewString()
	row := store.LockRow{
		Name:             name,
		OwnerToken:       token,
		ExpiresAtSeconds: now.Add(ttl).Unix(),
	}

	acquired := false
	err := m.versioned.Active().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("expires_at_s <= ?", now.Unix()).
			Delete(&store.LockRow{}).Error; err != nil {
			return err
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if result.Error != nil {
			return result.Error
		}
		acquired = result.RowsAffected == 1
		return nil
	})
	if err != nil {
		return "", false, &store.StorageError{Op: "acquire_lock", Err: err}
	}
	if !acquired {
		m.logger.Debug("lock held elsewhere", zap.String("lock", name))
		return "", false, nil
	}
	return token, true, nil
}

// Release drops the named lock when the token matches. A missing row, for
// example after TTL expiry, is not an error.
func (m *Manager) Release(ctx context.Context, name, ownerToken string) error {
	if name == "" {
		return errMissingName
	}
	err := m.versioned.Active().WithContext(ctx).
		Where("name = ? AND owner_token = ?", name, ownerToken).
		Delete(&store.LockRow{}).Error
	if err != nil {
		return &store.StorageError{Op: "release_lock", Err: err}
	}
	return nil
}
