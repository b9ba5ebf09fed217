package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/basecache/basecache/internal/attachments"
	"github.com/basecache/basecache/internal/locks"
	"github.com/basecache/basecache/internal/mappings"
	"github.com/basecache/basecache/internal/records"
	"github.com/basecache/basecache/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// TypeFull replaces all data in the inactive bank, then flips.
	TypeFull = "full"
	// TypeIncremental mutates the active bank in place, no flip.
	TypeIncremental = "incremental"

	refreshLockName = "refresh"
	defaultLockTTL  = 15 * time.Minute
)

var (
	errMissingVersioned   = errors.New("refresh: versioned store is required")
	errMissingRecords     = errors.New("refresh: record repository is required")
	errMissingAttachments = errors.New("refresh: attachment store is required")
	errMissingLocks       = errors.New("refresh: lock manager is required")
	errMissingMappings    = errors.New("refresh: mapping writer is required")
	errMissingUpstream    = errors.New("refresh: upstream client is required")
)

// MappingWriter resolves normalized table names and persists mapping rows.
type MappingWriter interface {
	NormalizedTableName(ctx context.Context, tableID, originalName string) string
	Upsert(ctx context.Context, bank *gorm.DB, mapping store.TableMapping) error
}

// Request asks for one refresh run. Inline changes (or a webhook id to fetch
// changes for) select an incremental refresh; otherwise the run is full.
type Request struct {
	Reason    string
	WebhookID string
	Cursor    string
	Changes   []Change
}

// RunStats summarizes one refresh run.
type RunStats struct {
	RunID          string                      `json:"run_id"`
	Type           string                      `json:"type"`
	Reason         string                      `json:"reason"`
	Skipped        bool                        `json:"skipped"`
	Tables         int                         `json:"tables"`
	Records        int                         `json:"records"`
	Deleted        int                         `json:"deleted"`
	RecordErrors   int                         `json:"record_errors"`
	Attachments    attachments.ReconcileResult `json:"attachments"`
	ActiveLabel    store.BankLabel             `json:"active_label"`
	StartedAt      time.Time                   `json:"started_at"`
	DurationMillis int64                       `json:"duration_ms"`
}

// OrchestratorConfig describes the dependencies for the orchestrator.
type OrchestratorConfig struct {
	Versioned   *store.VersionedStore
	Records     *records.Repository
	Attachments *attachments.Store
	Locks       *locks.Manager
	Mappings    MappingWriter
	Upstream    Upstream
	LockTTL     time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Orchestrator chooses between full and incremental refresh, drives writes
// through the repositories and flips the banks after a completed full run.
type Orchestrator struct {
	versioned   *store.VersionedStore
	records     *records.Repository
	attachments *attachments.Store
	locks       *locks.Manager
	mappings    MappingWriter
	upstream    Upstream
	lockTTL     time.Duration
	clock       func() time.Time
	logger      *zap.Logger
}

// NewOrchestrator validates the configuration and builds the orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Versioned == nil {
		return nil, errMissingVersioned
	}
	if cfg.Records == nil {
		return nil, errMissingRecords
	}
	if cfg.Attachments == nil {
		return nil, errMissingAttachments
	}
	if cfg.Locks == nil {
		return nil, errMissingLocks
	}
	if cfg.Mappings == nil {
		return nil, errMissingMappings
	}
	if cfg.Upstream == nil {
		return nil, errMissingUpstream
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		versioned:   cfg.Versioned,
		records:     cfg.Records,
		attachments: cfg.Attachments,
		locks:       cfg.Locks,
		mappings:    cfg.Mappings,
		upstream:    cfg.Upstream,
		lockTTL:     lockTTL,
		clock:       clock,
		logger:      logger,
	}, nil
}

// Run executes one refresh. A held lock yields a benign skip, not an error.
// Once started, a run proceeds to completion or failure; there is no abort.
func (o *Orchestrator) Run(ctx context.Context, request Request) (RunStats, error) {
	stats := RunStats{
		RunID:     uuid.NewString(),
		Reason:    request.Reason,
		StartedAt: o.clock().UTC(),
	}

	token, acquired, err := o.locks.Acquire(ctx, refreshLockName, o.lockTTL)
	if err != nil {
		return stats, err
	}
	if !acquired {
		stats.Skipped = true
		o.logger.Info("refresh skipped, lock held elsewhere", zap.String("reason", request.Reason))
		return stats, nil
	}
	defer func() {
		if err := o.locks.Release(context.WithoutCancel(ctx), refreshLockName, token); err != nil {
			o.logger.Warn("lock release failed", zap.Error(err))
		}
	}()

	changes, fellBack := o.resolveChanges(ctx, request)
	runErr := error(nil)
	if len(changes) > 0 && !fellBack {
		stats.Type = TypeIncremental
		runErr = o.runIncremental(ctx, changes, &stats)
	} else {
		stats.Type = TypeFull
		runErr = o.runFull(ctx, &stats)
	}

	stats.ActiveLabel = o.versioned.ActiveLabel()
	stats.DurationMillis = o.clock().UTC().Sub(stats.StartedAt).Milliseconds()
	if runErr != nil {
		o.logger.Error("refresh run failed",
			zap.String("run_id", stats.RunID),
			zap.String("type", stats.Type),
			zap.Error(runErr))
		return stats, runErr
	}
	o.logger.Info("refresh run finished",
		zap.String("run_id", stats.RunID),
		zap.String("type", stats.Type),
		zap.String("reason", stats.Reason),
		zap.Int("tables", stats.Tables),
		zap.Int("records", stats.Records),
		zap.Int("deleted", stats.Deleted),
		zap.Int64("duration_ms", stats.DurationMillis))
	return stats, nil
}

// resolveChanges collects the concrete changed identifiers for a request.
// A failed change-list fetch falls back to a full refresh: fellBack=true with
// no changes forces the full path, the safer default for a poisoned delivery.
func (o *Orchestrator) resolveChanges(ctx context.Context, request Request) ([]Change, bool) {
	if len(request.Changes) > 0 {
		return request.Changes, false
	}
	if request.WebhookID == "" {
		return nil, false
	}

	var collected []Change
	cursor := request.Cursor
	for {
		page, err := o.upstream.ListChangesSince(ctx, request.WebhookID, cursor)
		if err != nil {
			o.logger.Warn("change list fetch failed, falling back to full refresh",
				zap.String("webhook_id", request.WebhookID),
				zap.Error(&UpstreamFetchError{Op: "list_changes", Err: err}))
			return nil, true
		}
		collected = append(collected, page.Changes...)
		if !page.HasMore {
			return collected, false
		}
		cursor = page.NextCursor
	}
}

func (o *Orchestrator) runFull(ctx context.Context, stats *RunStats) error {
	inactiveLabel := o.versioned.InactiveLabel()
	if err := o.versioned.Clear(ctx, inactiveLabel); err != nil {
		return err
	}
	bank := o.versioned.Inactive()

	tables, err := o.upstream.ListTables(ctx)
	if err != nil {
		return &UpstreamFetchError{Op: "list_tables", Err: err}
	}

	for _, table := range tables {
		normalized := mappings.NormalizeName(table.Name)
		mapping := store.TableMapping{
			TableID:        table.ID,
			OriginalName:   table.Name,
			NormalizedName: normalized,
			PrimaryFieldID: table.PrimaryFieldID,
		}
		if encoded, ok := encodeFieldMapping(table.FieldNamesByID); ok {
			mapping.FieldsMappingJSON = encoded
		}
		if err := o.mappings.Upsert(ctx, bank, mapping); err != nil {
			return err
		}

		pageToken := ""
		for {
			page, err := o.upstream.ListRecords(ctx, table.ID, pageToken)
			if err != nil {
				return &UpstreamFetchError{Op: "list_records", Err: err}
			}
			for _, record := range page.Records {
				if err := o.records.SetRecord(ctx, bank, normalized, record.ID, record.Fields); err != nil {
					return err
				}
				stats.Records++
			}
			if page.NextPageToken == "" {
				break
			}
			pageToken = page.NextPageToken
		}
		stats.Tables++
	}

	if _, err := o.versioned.Flip(ctx); err != nil {
		return err
	}

	reconciled, err := o.attachments.Reconcile(ctx, o.versioned.Active())
	if err != nil {
		return err
	}
	stats.Attachments = reconciled
	return nil
}

func (o *Orchestrator) runIncremental(ctx context.Context, changes []Change, stats *RunStats) error {
	for _, change := range mergeChanges(changes) {
		tableName := o.mappings.NormalizedTableName(ctx, change.TableID, change.TableName)
		stats.Tables++

		for _, recordID := range change.ChangedRecordIDs {
			record, err := o.upstream.GetRecord(ctx, change.TableID, recordID)
			if err != nil {
				o.logger.Warn("record fetch failed during incremental refresh",
					zap.String("table", tableName),
					zap.String("record_id", recordID),
					zap.Error(&UpstreamFetchError{Op: "get_record", Err: err}))
				stats.RecordErrors++
				continue
			}
			if err := o.records.SetRecord(ctx, o.versioned.Active(), tableName, record.ID, record.Fields); err != nil {
				return err
			}
			stats.Records++
		}

		for _, recordID := range change.DestroyedRecordIDs {
			if err := o.records.DeleteRecord(ctx, o.versioned.Active(), tableName, recordID); err != nil {
				return err
			}
			stats.Deleted++
		}
	}

	reconciled, err := o.attachments.Reconcile(ctx, o.versioned.Active())
	if err != nil {
		return err
	}
	stats.Attachments = reconciled
	return nil
}

// mergeChanges collapses multiple change pages so a record touched twice in
// one delivery is applied once. A destroy wins over a change for the same id.
func mergeChanges(changes []Change) []Change {
	type tableChanges struct {
		change    Change
		changed   map[string]bool
		destroyed map[string]bool
	}
	byTable := make(map[string]*tableChanges)
	order := make([]string, 0, len(changes))

	for _, change := range changes {
		entry, ok := byTable[change.TableID]
		if !ok {
			entry = &tableChanges{
				change:    Change{TableID: change.TableID, TableName: change.TableName},
				changed:   map[string]bool{},
				destroyed: map[string]bool{},
			}
			byTable[change.TableID] = entry
			order = append(order, change.TableID)
		}
		if entry.change.TableName == "" {
			entry.change.TableName = change.TableName
		}
		for _, id := range change.ChangedRecordIDs {
			entry.changed[id] = true
		}
		for _, id := range change.DestroyedRecordIDs {
			entry.destroyed[id] = true
		}
	}

	merged := make([]Change, 0, len(order))
	for _, tableID := range order {
		entry := byTable[tableID]
		for id := range entry.changed {
			if !entry.destroyed[id] {
				entry.change.ChangedRecordIDs = append(entry.change.ChangedRecordIDs, id)
			}
		}
		for id := range entry.destroyed {
			entry.change.DestroyedRecordIDs = append(entry.change.DestroyedRecordIDs, id)
		}
		sort.Strings(entry.change.ChangedRecordIDs)
		sort.Strings(entry.change.DestroyedRecordIDs)
		merged = append(merged, entry.change)
	}
	return merged
}

func encodeFieldMapping(fieldsByID map[string]string) (string, bool) {
	if len(fieldsByID) == 0 {
		return "", false
	}
	encoded, err := json.Marshal(fieldsByID)
	if err != nil {
		return "", false
	}
	return string(encoded), true
}
