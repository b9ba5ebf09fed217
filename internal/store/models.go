package store

// Record is one cached upstream record. The primary key is the composite
// "table:recordId" string so that a single indexed lookup serves point reads.
type Record struct {
	ID               string `gorm:"column:id;primaryKey;size:380;not null"`
	Table            string `gorm:"column:table_name;size:190;not null;index:idx_records_table,priority:1"`
	RecordID         string `gorm:"column:record_id;size:190;not null;index:idx_records_table,priority:2"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "records"
}

// Attachment is one attachment reference extracted from a record payload.
// LocalPath and DownloadedAtSeconds stay zero until the file is on disk.
type Attachment struct {
	ID                  string `gorm:"column:id;primaryKey;size:190;not null"`
	Table               string `gorm:"column:table_name;size:190;not null;index:idx_attachments_record,priority:1"`
	RecordID            string `gorm:"column:record_id;size:190;not null;index:idx_attachments_record,priority:2"`
	FieldName           string `gorm:"column:field_name;size:190;not null"`
	OriginalURL         string `gorm:"column:original_url;type:text;not null;index:idx_attachments_url"`
	LocalPath           string `gorm:"column:local_path;type:text;not null;default:''"`
	Filename            string `gorm:"column:filename;size:380;not null"`
	Size                int64  `gorm:"column:size_bytes;not null;default:0"`
	ContentType         string `gorm:"column:content_type;size:190;not null;default:''"`
	DownloadedAtSeconds int64  `gorm:"column:downloaded_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Attachment) TableName() string {
	return "attachments"
}

// LockRow backs the advisory lock manager. At most one live row per name.
type LockRow struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	OwnerToken       string `gorm:"column:owner_token;size:190;not null"`
	ExpiresAtSeconds int64  `gorm:"column:expires_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LockRow) TableName() string {
	return "locks"
}

// ProcessedWebhook records an accepted delivery so duplicates short-circuit.
type ProcessedWebhook struct {
	IdempotencyKey     string `gorm:"column:idempotency_key;primaryKey;size:380;not null"`
	ProcessedAtSeconds int64  `gorm:"column:processed_at_s;not null"`
	RefreshType        string `gorm:"column:refresh_type;size:64;not null"`
	StatsJSON          string `gorm:"column:stats_json;type:text;not null;default:''"`
	ExpiresAtSeconds   int64  `gorm:"column:expires_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ProcessedWebhook) TableName() string {
	return "processed_webhooks"
}

// TableMapping resolves upstream table/field identifiers to normalized
// storage names. Refreshed alongside records, read-only everywhere else.
type TableMapping struct {
	TableID           string `gorm:"column:table_id;primaryKey;size:190;not null"`
	OriginalName      string `gorm:"column:original_name;size:380;not null"`
	NormalizedName    string `gorm:"column:normalized_name;size:190;not null;index:idx_mappings_normalized"`
	PrimaryFieldID    string `gorm:"column:primary_field_id;size:190;not null;default:''"`
	FieldsMappingJSON string `gorm:"column:fields_mapping_json;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (TableMapping) TableName() string {
	return "table_mappings"
}

const markerRowID = 1

// versionMarker is the single durable row naming the active bank. It is the
// sole source of truth across restarts; in-memory labels are a cache of it.
type versionMarker struct {
	ID               int    `gorm:"column:id;primaryKey"`
	ActiveLabel      string `gorm:"column:active_label;size:8;not null"`
	UpstreamSourceID string `gorm:"column:upstream_source_id;size:190;not null;default:''"`
}

func (versionMarker) TableName() string {
	return "version_marker"
}
