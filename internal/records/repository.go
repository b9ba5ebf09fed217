package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basecache/basecache/internal/attachments"
	"github.com/basecache/basecache/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrRecordNotFound indicates an unknown (table, record id) pair.
	ErrRecordNotFound = errors.New("records: record not found")

	errMissingVersioned   = errors.New("records: versioned store is required")
	errMissingAttachments = errors.New("records: attachment store is required")
	errMissingTable       = errors.New("records: table name is required")
	errMissingRecordID    = errors.New("records: record id is required")
)

// RepositoryConfig describes the dependencies for the record repository.
type RepositoryConfig struct {
	Versioned   *store.VersionedStore
	Attachments *attachments.Store
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Repository persists JSON-valued records keyed by (table, record id) within
// a bank and keeps the extracted attachment rows in step with each payload.
type Repository struct {
	versioned   *store.VersionedStore
	attachments *attachments.Store
	clock       func() time.Time
	logger      *zap.Logger
}

// NewRepository validates the configuration and builds the repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Versioned == nil {
		return nil, errMissingVersioned
	}
	if cfg.Attachments == nil {
		return nil, errMissingAttachments
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		versioned:   cfg.Versioned,
		attachments: cfg.Attachments,
		clock:       clock,
		logger:      logger,
	}, nil
}

// RecordKey builds the composite primary key for a record row.
func RecordKey(table, recordID string) string {
	return table + ":" + recordID
}

// SetRecord upserts the record row in the given bank and regenerates its
// attachment rows from the payload. Download state for a URL already verified
// on disk is carried forward into the regenerated row, so an unchanged URL is
// never re-downloaded across refresh cycles.
func (r *Repository) SetRecord(ctx context.Context, bank *gorm.DB, table, recordID string, payload json.RawMessage) error {
	if table == "" {
		return errMissingTable
	}
	if recordID == "" {
		return errMissingRecordID
	}

	refs := extractAttachmentRefs(payload)

	// Carry-forward lookups run before the transaction: each bank holds a
	// single connection, so querying it mid-transaction would self-block.
	rows := make([]store.Attachment, 0, len(refs))
	for _, ref := range refs {
		row := store.Attachment{
			ID:          attachmentID(table, recordID, ref.FieldName, ref.URL),
			Table:       table,
			RecordID:    recordID,
			FieldName:   ref.FieldName,
			OriginalURL: ref.URL,
			Filename:    ref.Filename,
			Size:        ref.Size,
			ContentType: ref.ContentType,
		}
		if carried, ok := r.attachments.CarryForward(ctx, ref.URL); ok {
			row.LocalPath = carried.LocalPath
			row.DownloadedAtSeconds = carried.DownloadedAtSeconds
			if carried.Size > 0 {
				row.Size = carried.Size
			}
		}
		rows = append(rows, row)
	}

	record := store.Record{
		ID:               RecordKey(table, recordID),
		Table:            table,
		RecordID:         recordID,
		PayloadJSON:      string(payload),
		UpdatedAtSeconds: r.clock().UTC().Unix(),
	}

	err := bank.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(&record).Error; err != nil {
			return err
		}
		if err := tx.Where("table_name = ? AND record_id = ?", table, recordID).
			Delete(&store.Attachment{}).Error; err != nil {
			return err
		}
		for i := range rows {
			if err := tx.Create(&rows[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &store.StorageError{Op: "set_record", Err: err}
	}
	return nil
}

// DeleteRecord removes a record and its attachment rows from the given bank.
// Deleting an absent record is not an error.
func (r *Repository) DeleteRecord(ctx context.Context, bank *gorm.DB, table, recordID string) error {
	err := bank.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", RecordKey(table, recordID)).
			Delete(&store.Record{}).Error; err != nil {
			return err
		}
		return tx.Where("table_name = ? AND record_id = ?", table, recordID).
			Delete(&store.Attachment{}).Error
	})
	if err != nil {
		return &store.StorageError{Op: "delete_record", Err: err}
	}
	return nil
}

// GetRecord reads one record from the active bank.
func (r *Repository) GetRecord(ctx context.Context, table, recordID string) (store.Record, error) {
	var record store.Record
	err := r.versioned.Active().WithContext(ctx).
		Where("id = ?", RecordKey(table, recordID)).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.Record{}, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, table, recordID)
	}
	if err != nil {
		return store.Record{}, &store.StorageError{Op: "get_record", Err: err}
	}
	return record, nil
}

// GetTableRecords reads a page of records for one table from the active bank.
func (r *Repository) GetTableRecords(ctx context.Context, table string, limit, offset int) ([]store.Record, error) {
	query := r.versioned.Active().WithContext(ctx).
		Where("table_name = ?", table).
		Order("record_id")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []store.Record
	if err := query.Offset(offset).Find(&rows).Error; err != nil {
		return nil, &store.StorageError{Op: "get_table_records", Err: err}
	}
	return rows, nil
}

// CountTableRecords counts the records of one table in the active bank.
func (r *Repository) CountTableRecords(ctx context.Context, table string) (int64, error) {
	var count int64
	err := r.versioned.Active().WithContext(ctx).
		Model(&store.Record{}).
		Where("table_name = ?", table).
		Count(&count).Error
	if err != nil {
		return 0, &store.StorageError{Op: "count_table_records", Err: err}
	}
	return count, nil
}

// GetTables lists the distinct table names present in the active bank.
func (r *Repository) GetTables(ctx context.Context) ([]string, error) {
	var tables []string
	err := r.versioned.Active().WithContext(ctx).
		Model(&store.Record{}).
		Distinct("table_name").
		Order("table_name").
		Pluck("table_name", &tables).Error
	if err != nil {
		return nil, &store.StorageError{Op: "get_tables", Err: err}
	}
	return tables, nil
}

func attachmentID(table, recordID, fieldName, url string) string {
	return fmt.Sprintf("%s:%s:%s:%s", table, recordID, fieldName, attachments.URLFingerprint(url))
}
