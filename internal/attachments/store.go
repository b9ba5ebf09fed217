package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/basecache/basecache/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingVersionedStore = errors.New("attachments: versioned store is required")
	errMissingBaseDir        = errors.New("attachments: base directory is required")

	// ErrAttachmentNotFound indicates an unknown attachment identifier.
	ErrAttachmentNotFound = errors.New("attachments: attachment not found")
)

// Fetcher retrieves a single attachment body. Implementations stream to the
// destination path and report the byte count written.
type Fetcher interface {
	Fetch(ctx context.Context, url, destPath string) (int64, string, error)
}

// StoreConfig describes the dependencies for the attachment store.
type StoreConfig struct {
	Versioned *store.VersionedStore
	BaseDir   string
	Fetcher   Fetcher
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Store persists attachment metadata, resolves deterministic local paths and
// downloads files that are not yet on disk.
type Store struct {
	versioned *store.VersionedStore
	baseDir   string
	fetcher   Fetcher
	clock     func() time.Time
	logger    *zap.Logger
}

// NewStore validates the configuration and builds the attachment store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Versioned == nil {
		return nil, errMissingVersionedStore
	}
	if cfg.BaseDir == "" {
		return nil, errMissingBaseDir
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = NewHTTPFetcher(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		versioned: cfg.Versioned,
		baseDir:   cfg.BaseDir,
		fetcher:   fetcher,
		clock:     clock,
		logger:    logger,
	}, nil
}

// AbsolutePath joins the configured base directory with a stored local path.
func (s *Store) AbsolutePath(localPath string) string {
	return filepath.Join(s.baseDir, localPath)
}

// CarryForward looks for a previously downloaded row for the URL in either
// bank and, when its file still exists on disk, returns the download state so
// a regenerated row inherits it instead of triggering a re-download.
func (s *Store) CarryForward(ctx context.Context, originalURL string) (store.Attachment, bool) {
	for _, label := range []store.BankLabel{s.versioned.ActiveLabel(), s.versioned.InactiveLabel()} {
		bank, err := s.versioned.Bank(label)
		if err != nil {
			continue
		}
		var existing store.Attachment
		err = bank.WithContext(ctx).
			Where("original_url = ? AND local_path <> ''", originalURL).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			s.logger.Warn("carry-forward lookup failed",
				zap.String("bank", string(label)), zap.Error(err))
			continue
		}
		info, statErr := os.Stat(s.AbsolutePath(existing.LocalPath))
		if statErr != nil || info.IsDir() {
			continue
		}
		return existing, true
	}
	return store.Attachment{}, false
}

// ItemError pairs a failed attachment with its cause.
type ItemError struct {
	AttachmentID string `json:"attachment_id"`
	URL          string `json:"url"`
	Message      string `json:"message"`
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Downloaded int         `json:"downloaded"`
	Skipped    int         `json:"skipped"`
	Errors     []ItemError `json:"errors"`
}

// Reconcile downloads every attachment in the given bank that has no local
// path yet. A file already present at the deterministic path with exactly the
// expected size is marked downloaded without fetching. Item failures are
// accumulated; one failure never aborts the batch.
func (s *Store) Reconcile(ctx context.Context, bank *gorm.DB) (ReconcileResult, error) {
	var pending []store.Attachment
	if err := bank.WithContext(ctx).Where("local_path = ''").Find(&pending).Error; err != nil {
		return ReconcileResult{}, &store.StorageError{Op: "list_pending_attachments", Err: err}
	}

	result := ReconcileResult{}
	for _, attachment := range pending {
		relPath := LocalPath(attachment.Table, attachment.RecordID, attachment.FieldName, attachment.Filename, attachment.OriginalURL)
		absPath := s.AbsolutePath(relPath)

		if info, err := os.Stat(absPath); err == nil && !info.IsDir() && attachment.Size > 0 && info.Size() == attachment.Size {
			if err := s.markDownloaded(ctx, bank, attachment.ID, relPath, attachment.Size, attachment.ContentType); err != nil {
				result.Errors = append(result.Errors, itemError(attachment, err))
				continue
			}
			result.Skipped++
			continue
		}

		size, contentType, err := s.fetcher.Fetch(ctx, attachment.OriginalURL, absPath)
		if err != nil {
			s.logger.Warn("attachment download failed",
				zap.String("attachment_id", attachment.ID),
				zap.String("url", attachment.OriginalURL),
				zap.Error(err))
			result.Errors = append(result.Errors, itemError(attachment, err))
			continue
		}
		if attachment.ContentType != "" {
			contentType = attachment.ContentType
		}
		if err := s.markDownloaded(ctx, bank, attachment.ID, relPath, size, contentType); err != nil {
			result.Errors = append(result.Errors, itemError(attachment, err))
			continue
		}
		result.Downloaded++
	}

	s.logger.Info("attachment reconciliation finished",
		zap.Int("downloaded", result.Downloaded),
		zap.Int("skipped", result.Skipped),
		zap.Int("errors", len(result.Errors)))
	return result, nil
}

func (s *Store) markDownloaded(ctx context.Context, bank *gorm.DB, attachmentID, localPath string, size int64, contentType string) error {
	updates := map[string]interface{}{
		"local_path":      localPath,
		"size_bytes":      size,
		"content_type":    contentType,
		"downloaded_at_s": s.clock().UTC().Unix(),
	}
	err := bank.WithContext(ctx).
		Model(&store.Attachment{}).
		Where("id = ?", attachmentID).
		Updates(updates).Error
	if err != nil {
		return &store.StorageError{Op: "mark_downloaded", Err: err}
	}
	return nil
}

func itemError(attachment store.Attachment, err error) ItemError {
	return ItemError{
		AttachmentID: attachment.ID,
		URL:          attachment.OriginalURL,
		Message:      err.Error(),
	}
}

// List returns attachment rows from the active bank, optionally filtered by
// table, newest download first.
func (s *Store) List(ctx context.Context, table string, limit, offset int) ([]store.Attachment, error) {
	query := s.versioned.Active().WithContext(ctx).Model(&store.Attachment{})
	if table != "" {
		query = query.Where("table_name = ?", table)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []store.Attachment
	err := query.Offset(offset).
		Order("table_name, record_id, field_name").
		Find(&rows).Error
	if err != nil {
		return nil, &store.StorageError{Op: "list_attachments", Err: err}
	}
	return rows, nil
}

// Get returns one attachment row from the active bank.
func (s *Store) Get(ctx context.Context, attachmentID string) (store.Attachment, error) {
	var row store.Attachment
	err := s.versioned.Active().WithContext(ctx).
		Where("id = ?", attachmentID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.Attachment{}, fmt.Errorf("%w: %s", ErrAttachmentNotFound, attachmentID)
	}
	if err != nil {
		return store.Attachment{}, &store.StorageError{Op: "get_attachment", Err: err}
	}
	return row, nil
}

// HTTPFetcher downloads attachment bodies over HTTP.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher builds a fetcher, defaulting to a 60 second client timeout.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPFetcher{client: client}
}

// Fetch streams the URL body to destPath, creating parent directories.
func (f *HTTPFetcher) Fetch(ctx context.Context, url, destPath string) (int64, string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", err
	}
	response, err := f.client.Do(request)
	if err != nil {
		return 0, "", err
	}
	defer response.Body.Close() //nolint:errcheck

	if response.StatusCode != http.StatusOK {
		return 0, "", fmt.Errorf("attachments: unexpected status %d fetching %s", response.StatusCode, url)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, "", err
	}
	file, err := os.Create(destPath)
	if err != nil {
		return 0, "", err
	}
	written, copyErr := io.Copy(file, response.Body)
	closeErr := file.Close()
	if copyErr != nil {
		os.Remove(destPath) //nolint:errcheck
		return 0, "", copyErr
	}
	if closeErr != nil {
		return 0, "", closeErr
	}
	return written, response.Header.Get("Content-Type"), nil
}
