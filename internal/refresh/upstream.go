package refresh

import (
	"context"
	"encoding/json"
	"fmt"
)

// Table describes one upstream table.
type Table struct {
	ID             string
	Name           string
	PrimaryFieldID string
	FieldNamesByID map[string]string
}

// UpstreamRecord is one record as returned by the upstream platform. Fields
// is the raw JSON field map; the repository stores it verbatim.
type UpstreamRecord struct {
	ID     string
	Fields json.RawMessage
}

// RecordPage is one page of an upstream record listing.
type RecordPage struct {
	Records       []UpstreamRecord
	NextPageToken string
}

// Change names the records touched in one table since a cursor.
type Change struct {
	TableID            string
	TableName          string
	ChangedRecordIDs   []string
	DestroyedRecordIDs []string
}

// ChangePage is one page of an upstream change listing.
type ChangePage struct {
	Changes    []Change
	NextCursor string
	HasMore    bool
}

// Subscription identifies a webhook subscription and its MAC secret.
type Subscription struct {
	ID     string
	Secret string
}

// Upstream is the platform client consumed by the orchestrator. It is an
// external collaborator; this module never implements it beyond test fakes.
type Upstream interface {
	ListTables(ctx context.Context) ([]Table, error)
	ListRecords(ctx context.Context, tableID, pageToken string) (RecordPage, error)
	GetRecord(ctx context.Context, tableID, recordID string) (UpstreamRecord, error)
	ListChangesSince(ctx context.Context, webhookID, cursor string) (ChangePage, error)
	CreateWebhookSubscription(ctx context.Context, notifyURL string) (Subscription, error)
	DeleteWebhookSubscription(ctx context.Context, webhookID string) error
	EnableNotifications(ctx context.Context, webhookID string) error
}

// UpstreamFetchError wraps a failed upstream call. During an incremental
// refresh it triggers the fallback to a full refresh.
type UpstreamFetchError struct {
	Op  string
	Err error
}

func (e *UpstreamFetchError) Error() string {
	return fmt.Sprintf("refresh: upstream %s: %v", e.Op, e.Err)
}

func (e *UpstreamFetchError) Unwrap() error {
	return e.Err
}
