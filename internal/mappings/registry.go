package mappings

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"github.com/basecache/basecache/internal/store"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingVersioned = errors.New("mappings: versioned store is required")

// Registry resolves upstream table identifiers to normalized storage names.
type Registry interface {
	NormalizedTableName(ctx context.Context, tableID, originalName string) string
	List(ctx context.Context) ([]store.TableMapping, error)
}

// NormalizeName converts an upstream display name into a storage-safe name:
// lowercase, non-alphanumeric runs collapsed to single underscores.
func NormalizeName(name string) string {
	var builder strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			builder.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			builder.WriteByte('_')
			lastUnderscore = true
		}
	}
	normalized := strings.TrimSuffix(builder.String(), "_")
	if normalized == "" {
		return "table"
	}
	return normalized
}

// GormRegistry reads and writes table mappings in the versioned store.
type GormRegistry struct {
	versioned *store.VersionedStore
}

// NewGormRegistry builds a registry over the versioned store.
func NewGormRegistry(versioned *store.VersionedStore) (*GormRegistry, error) {
	if versioned == nil {
		return nil, errMissingVersioned
	}
	return &GormRegistry{versioned: versioned}, nil
}

// NormalizedTableName prefers a stored mapping for the table id and falls
// back to normalizing the original name when none exists.
func (r *GormRegistry) NormalizedTableName(ctx context.Context, tableID, originalName string) string {
	var mapping store.TableMapping
	err := r.versioned.Active().WithContext(ctx).
		Where("table_id = ?", tableID).
		Take(&mapping).Error
	if err == nil && mapping.NormalizedName != "" {
		return mapping.NormalizedName
	}
	return NormalizeName(originalName)
}

// List returns every stored mapping from the active bank.
func (r *GormRegistry) List(ctx context.Context) ([]store.TableMapping, error) {
	var rows []store.TableMapping
	err := r.versioned.Active().WithContext(ctx).
		Order("normalized_name").
		Find(&rows).Error
	if err != nil {
		return nil, &store.StorageError{Op: "list_mappings", Err: err}
	}
	return rows, nil
}

// Upsert writes a mapping row into the given bank. Used during full refresh
// so the promoted bank carries the mappings observed upstream.
func (r *GormRegistry) Upsert(ctx context.Context, bank *gorm.DB, mapping store.TableMapping) error {
	err := bank.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "table_id"}},
		UpdateAll: true,
	}).Create(&mapping).Error
	if err != nil {
		return &store.StorageError{Op: "upsert_mapping", Err: err}
	}
	return nil
}
