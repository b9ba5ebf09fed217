package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// BankLabel names one of the two interchangeable storage banks.
type BankLabel string

const (
	// BankA is the bank promoted on first connect.
	BankA BankLabel = "a"
	// BankB is the second bank.
	BankB BankLabel = "b"
)

var (
	// ErrUnknownBank indicates a label outside {a, b}.
	ErrUnknownBank = errors.New("store: unknown bank label")

	errMissingDataDir = errors.New("store: data directory is required")
)

// StorageError wraps a failure to reach or mutate the underlying banks.
// Callers treat it as fatal for the affected call and surface it in health.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Config describes how to open the versioned store.
type Config struct {
	DataDir string
	Logger  *zap.Logger
}

// VersionedStore owns two interchangeable relational banks plus the durable
// marker naming the active one. All "active"/"inactive" resolution happens
// per call so no caller holds a stale bank reference across a flip.
type VersionedStore struct {
	mu     sync.RWMutex
	banks  map[BankLabel]*gorm.DB
	meta   *gorm.DB
	active BankLabel
	logger *zap.Logger
}

// Open connects the meta store and both banks, migrating schemas and
// re-reading the active marker so restarts resume a consistent assignment.
func Open(cfg Config) (*VersionedStore, error) {
	if cfg.DataDir == "" {
		return nil, errMissingDataDir
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	meta, err := openSQLite(filepath.Join(cfg.DataDir, "meta.db"))
	if err != nil {
		return nil, &StorageError{Op: "open_meta", Err: err}
	}
	if err := meta.AutoMigrate(&versionMarker{}); err != nil {
		return nil, &StorageError{Op: "migrate_meta", Err: err}
	}

	marker, err := loadOrCreateMarker(meta)
	if err != nil {
		return nil, err
	}

	banks := make(map[BankLabel]*gorm.DB, 2)
	for _, label := range []BankLabel{BankA, BankB} {
		bank, err := openSQLite(filepath.Join(cfg.DataDir, fmt.Sprintf("bank_%s.db", label)))
		if err != nil {
			return nil, &StorageError{Op: fmt.Sprintf("open_bank_%s", label), Err: err}
		}
		if err := bank.AutoMigrate(&Record{}, &Attachment{}, &LockRow{}, &ProcessedWebhook{}, &TableMapping{}); err != nil {
			return nil, &StorageError{Op: fmt.Sprintf("migrate_bank_%s", label), Err: err}
		}
		banks[label] = bank
	}

	active := BankLabel(marker.ActiveLabel)
	if active != BankA && active != BankB {
		active = BankA
	}

	logger.Info("versioned store opened",
		zap.String("data_dir", cfg.DataDir),
		zap.String("active_bank", string(active)))

	return &VersionedStore{
		banks:  banks,
		meta:   meta,
		active: active,
		logger: logger,
	}, nil
}

// NewFromBanks assembles a store over pre-opened handles. Intended for tests
// that run against in-memory databases.
func NewFromBanks(bankA, bankB, meta *gorm.DB, logger *zap.Logger) (*VersionedStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := meta.AutoMigrate(&versionMarker{}); err != nil {
		return nil, &StorageError{Op: "migrate_meta", Err: err}
	}
	marker, err := loadOrCreateMarker(meta)
	if err != nil {
		return nil, err
	}
	for label, bank := range map[BankLabel]*gorm.DB{BankA: bankA, BankB: bankB} {
		if err := bank.AutoMigrate(&Record{}, &Attachment{}, &LockRow{}, &ProcessedWebhook{}, &TableMapping{}); err != nil {
			return nil, &StorageError{Op: fmt.Sprintf("migrate_bank_%s", label), Err: err}
		}
	}
	active := BankLabel(marker.ActiveLabel)
	if active != BankA && active != BankB {
		active = BankA
	}
	return &VersionedStore{
		banks:  map[BankLabel]*gorm.DB{BankA: bankA, BankB: bankB},
		meta:   meta,
		active: active,
		logger: logger,
	}, nil
}

func openSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func loadOrCreateMarker(meta *gorm.DB) (versionMarker, error) {
	var marker versionMarker
	err := meta.Where("id = ?", markerRowID).Take(&marker).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		marker = versionMarker{ID: markerRowID, ActiveLabel: string(BankA)}
		if err := meta.Create(&marker).Error; err != nil {
			return versionMarker{}, &StorageError{Op: "create_marker", Err: err}
		}
		return marker, nil
	}
	if err != nil {
		return versionMarker{}, &StorageError{Op: "read_marker", Err: err}
	}
	return marker, nil
}

// ActiveLabel reports which bank currently serves reads.
func (s *VersionedStore) ActiveLabel() BankLabel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// InactiveLabel reports the refresh target bank.
func (s *VersionedStore) InactiveLabel() BankLabel {
	return otherLabel(s.ActiveLabel())
}

// Active resolves the current active bank handle. Resolved per call.
func (s *VersionedStore) Active() *gorm.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.banks[s.active]
}

// Inactive resolves the current refresh target handle. Resolved per call.
func (s *VersionedStore) Inactive() *gorm.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.banks[otherLabel(s.active)]
}

// Bank returns the handle for an explicit label.
func (s *VersionedStore) Bank(label BankLabel) (*gorm.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bank, ok := s.banks[label]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBank, label)
	}
	return bank, nil
}

// Flip promotes the inactive bank. The durable marker is written first; the
// in-memory swap only happens after the write is confirmed, so a crash in
// between is repaired by re-reading the marker on the next Open.
func (s *VersionedStore) Flip(ctx context.Context) (BankLabel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := otherLabel(s.active)
	err := s.meta.WithContext(ctx).
		Model(&versionMarker{}).
		Where("id = ?", markerRowID).
		Update("active_label", string(next)).Error
	if err != nil {
		return "", &StorageError{Op: "persist_marker", Err: err}
	}

	s.active = next
	s.logger.Info("bank flipped", zap.String("active_bank", string(next)))
	return next, nil
}

// Clear empties every table in the named bank. Used to prepare the inactive
// bank before a full refresh.
func (s *VersionedStore) Clear(ctx context.Context, label BankLabel) error {
	bank, err := s.Bank(label)
	if err != nil {
		return err
	}
	return bank.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []interface{}{&Record{}, &Attachment{}, &LockRow{}, &ProcessedWebhook{}, &TableMapping{}} {
			if err := tx.Where("1 = 1").Delete(model).Error; err != nil {
				return &StorageError{Op: fmt.Sprintf("clear_bank_%s", label), Err: err}
			}
		}
		return nil
	})
}

// Stats summarizes the active bank for the stats endpoint and health checks.
type Stats struct {
	ActiveLabel   BankLabel        `json:"active_label"`
	TotalRecords  int64            `json:"total_records"`
	TableCounts   map[string]int64 `json:"table_counts"`
	Attachments   int64            `json:"attachments"`
	Downloaded    int64            `json:"downloaded_attachments"`
	TableMappings int64            `json:"table_mappings"`
}

// Stats counts records per table in the active bank.
func (s *VersionedStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{ActiveLabel: s.ActiveLabel(), TableCounts: map[string]int64{}}
	bank := s.Active().WithContext(ctx)

	type tableCount struct {
		Table string `gorm:"column:table_name"`
		Count int64  `gorm:"column:record_count"`
	}
	var counts []tableCount
	err := bank.Model(&Record{}).
		Select("table_name, COUNT(*) AS record_count").
		Group("table_name").
		Scan(&counts).Error
	if err != nil {
		return Stats{}, &StorageError{Op: "stats_records", Err: err}
	}
	for _, c := range counts {
		stats.TableCounts[c.Table] = c.Count
		stats.TotalRecords += c.Count
	}

	if err := bank.Model(&Attachment{}).Count(&stats.Attachments).Error; err != nil {
		return Stats{}, &StorageError{Op: "stats_attachments", Err: err}
	}
	if err := bank.Model(&Attachment{}).Where("local_path <> ''").Count(&stats.Downloaded).Error; err != nil {
		return Stats{}, &StorageError{Op: "stats_downloaded", Err: err}
	}
	if err := bank.Model(&TableMapping{}).Count(&stats.TableMappings).Error; err != nil {
		return Stats{}, &StorageError{Op: "stats_mappings", Err: err}
	}
	return stats, nil
}

// UpstreamSourceID reads the stored upstream source identifier from meta.
func (s *VersionedStore) UpstreamSourceID(ctx context.Context) (string, error) {
	var marker versionMarker
	err := s.meta.WithContext(ctx).Where("id = ?", markerRowID).Take(&marker).Error
	if err != nil {
		return "", &StorageError{Op: "read_marker", Err: err}
	}
	return marker.UpstreamSourceID, nil
}

// SetUpstreamSourceID persists the upstream source identifier in meta.
func (s *VersionedStore) SetUpstreamSourceID(ctx context.Context, sourceID string) error {
	err := s.meta.WithContext(ctx).
		Model(&versionMarker{}).
		Where("id = ?", markerRowID).
		Update("upstream_source_id", sourceID).Error
	if err != nil {
		return &StorageError{Op: "persist_source_id", Err: err}
	}
	return nil
}

// Ping verifies both banks and the meta store are reachable.
func (s *VersionedStore) Ping(ctx context.Context) error {
	handles := map[string]*gorm.DB{"meta": s.meta}
	s.mu.RLock()
	for label, bank := range s.banks {
		handles["bank_"+string(label)] = bank
	}
	s.mu.RUnlock()
	for name, handle := range handles {
		sqlDB, err := handle.DB()
		if err != nil {
			return &StorageError{Op: "ping_" + name, Err: err}
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return &StorageError{Op: "ping_" + name, Err: err}
		}
	}
	return nil
}

// Close releases both banks and the meta store.
func (s *VersionedStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, handle := range []*gorm.DB{s.banks[BankA], s.banks[BankB], s.meta} {
		sqlDB, err := handle.DB()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := sqlDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func otherLabel(label BankLabel) BankLabel {
	if label == BankA {
		return BankB
	}
	return BankA
}
