package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/basecache/basecache/internal/refresh"
	"github.com/basecache/basecache/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultFreshnessWindow = 5 * time.Minute
	defaultRateLimitWindow = 30 * time.Second
	defaultIdempotencyTTL  = 24 * time.Hour
)

// macPrefixes are the two recognized signature header encodings.
var macPrefixes = []string{"hmac-sha256=", "sha256="}

var (
	errMissingVersioned  = errors.New("webhooks: versioned store is required")
	errMissingDispatcher = errors.New("webhooks: refresh dispatcher is required")
	errInvalidSecret     = errors.New("webhooks: signing secret must be base64")
)

// Dispatcher hands an accepted delivery to the refresh worker without
// blocking the HTTP response.
type Dispatcher interface {
	Trigger(request refresh.Request) bool
}

// Response is the JSON body the HTTP layer writes for an ingestion outcome.
type Response struct {
	Status      string  `json:"status,omitempty"`
	RefreshType string  `json:"refreshType,omitempty"`
	Message     string  `json:"message,omitempty"`
	Error       string  `json:"error,omitempty"`
	RetryAfter  float64 `json:"retryAfter,omitempty"`
}

// Outcome pairs an HTTP status code with its response body.
type Outcome struct {
	StatusCode int
	Response   Response
}

// ServiceConfig describes the dependencies for webhook ingestion.
type ServiceConfig struct {
	Versioned       *store.VersionedStore
	Dispatcher      Dispatcher
	SecretBase64    string
	FreshnessWindow time.Duration
	RateLimitWindow time.Duration
	IdempotencyTTL  time.Duration
	Clock           func() time.Time
	Logger          *zap.Logger
}

// Service validates, deduplicates and rate limits inbound deliveries, then
// dispatches the refresh. Validation runs synchronously; the refresh itself
// is fire-and-forget relative to the HTTP response.
type Service struct {
	versioned       *store.VersionedStore
	dispatcher      Dispatcher
	secret          []byte
	freshnessWindow time.Duration
	rateLimitWindow time.Duration
	idempotencyTTL  time.Duration
	clock           func() time.Time
	logger          *zap.Logger

	// lastAccepted gates acceptance frequency across all deliveries. It is
	// process-local; a multi-instance deployment needs a shared counter.
	mu           sync.Mutex
	lastAccepted time.Time
}

// NewService validates the configuration and builds the ingestion service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Versioned == nil {
		return nil, errMissingVersioned
	}
	if cfg.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	secret, err := base64.StdEncoding.DecodeString(cfg.SecretBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidSecret, err)
	}
	freshness := cfg.FreshnessWindow
	if freshness <= 0 {
		freshness = defaultFreshnessWindow
	}
	rateLimit := cfg.RateLimitWindow
	if rateLimit <= 0 {
		rateLimit = defaultRateLimitWindow
	}
	idempotencyTTL := cfg.IdempotencyTTL
	if idempotencyTTL <= 0 {
		idempotencyTTL = defaultIdempotencyTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		versioned:       cfg.Versioned,
		dispatcher:      cfg.Dispatcher,
		secret:          secret,
		freshnessWindow: freshness,
		rateLimitWindow: rateLimit,
		idempotencyTTL:  idempotencyTTL,
		clock:           clock,
		logger:          logger,
	}, nil
}

// Ingest runs the delivery state machine over a raw body and MAC header.
func (s *Service) Ingest(ctx context.Context, rawBody []byte, macHeader string) Outcome {
	delivery, err := DecodeDelivery(rawBody)
	if err != nil {
		return Outcome{StatusCode: http.StatusBadRequest, Response: Response{Error: "invalid_json"}}
	}

	// Pings are accepted before any signature check so endpoint verification
	// probes succeed while the subscription secret is still being exchanged.
	if delivery.Kind == KindPing {
		return Outcome{StatusCode: http.StatusOK, Response: Response{Status: "success", Message: "pong"}}
	}

	digest, ok := parseMACHeader(macHeader)
	if !ok {
		return Outcome{StatusCode: http.StatusUnauthorized, Response: Response{Error: "missing_signature"}}
	}
	if !s.signatureValid(rawBody, digest) {
		s.logger.Warn("webhook signature mismatch", zap.String("webhook_id", delivery.WebhookID))
		return Outcome{StatusCode: http.StatusUnauthorized, Response: Response{Error: "invalid_signature"}}
	}

	now := s.clock().UTC()
	if delivery.Timestamp.IsZero() {
		return Outcome{StatusCode: http.StatusUnauthorized, Response: Response{Error: "missing_timestamp"}}
	}
	if drift := absDuration(now.Sub(delivery.Timestamp)); drift > s.freshnessWindow {
		s.logger.Warn("stale webhook delivery",
			zap.String("webhook_id", delivery.WebhookID),
			zap.Duration("drift", drift))
		return Outcome{StatusCode: http.StatusUnauthorized, Response: Response{Error: "stale_timestamp"}}
	}

	key := idempotencyKey(delivery, rawBody)
	processed, err := s.alreadyProcessed(ctx, key, now)
	if err != nil {
		s.logger.Error("idempotency lookup failed", zap.Error(err))
		return Outcome{StatusCode: http.StatusInternalServerError, Response: Response{Error: "storage_unavailable"}}
	}
	if processed {
		return Outcome{StatusCode: http.StatusOK, Response: Response{Status: "skipped", Message: "duplicate delivery"}}
	}

	if retryAfter, limited := s.rateLimited(now); limited {
		return Outcome{
			StatusCode: http.StatusTooManyRequests,
			Response:   Response{Error: "rate_limited", RetryAfter: retryAfter.Seconds()},
		}
	}

	refreshType := refresh.TypeFull
	if delivery.WebhookID != "" || len(delivery.Changes) > 0 {
		refreshType = refresh.TypeIncremental
	}

	// The processed row is written before the refresh starts so a retry
	// racing the in-flight run is already treated as a duplicate.
	if err := s.markProcessed(ctx, key, refreshType, now); err != nil {
		s.logger.Error("failed to record processed webhook", zap.Error(err))
		return Outcome{StatusCode: http.StatusInternalServerError, Response: Response{Error: "storage_unavailable"}}
	}

	s.dispatcher.Trigger(refresh.Request{
		Reason:    "webhook",
		WebhookID: delivery.WebhookID,
		Changes:   delivery.Changes,
	})

	return Outcome{
		StatusCode: http.StatusOK,
		Response:   Response{Status: "success", RefreshType: refreshType},
	}
}

func parseMACHeader(header string) (string, bool) {
	trimmed := strings.TrimSpace(header)
	for _, prefix := range macPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			digest := strings.TrimPrefix(trimmed, prefix)
			if digest != "" {
				return digest, true
			}
		}
	}
	return "", false
}

func (s *Service) signatureValid(rawBody []byte, digest string) bool {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(rawBody) //nolint:errcheck
	expected := hex.EncodeToString(mac.Sum(nil))
	if len(expected) != len(digest) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(digest))) == 1
}

// idempotencyKey combines the webhook id with the delivery timestamp so
// retries of one notification dedupe while later notifications from the same
// subscription pass. Deliveries without a webhook id key off a body digest.
func idempotencyKey(delivery Delivery, rawBody []byte) string {
	if delivery.WebhookID != "" {
		return delivery.WebhookID + ":" + delivery.RawTimestamp
	}
	sum := sha256.Sum256(rawBody)
	return "body:" + hex.EncodeToString(sum[:])
}

func (s *Service) alreadyProcessed(ctx context.Context, key string, now time.Time) (bool, error) {
	var row store.ProcessedWebhook
	err := s.versioned.Active().WithContext(ctx).
		Where("idempotency_key = ? AND expires_at_s > ?", key, now.Unix()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, &store.StorageError{Op: "lookup_processed_webhook", Err: err}
	}
	return true, nil
}

func (s *Service) markProcessed(ctx context.Context, key, refreshType string, now time.Time) error {
	bank := s.versioned.Active().WithContext(ctx)
	// Expired rows for other keys are purged lazily on each write.
	if err := bank.Where("expires_at_s <= ?", now.Unix()).
		Delete(&store.ProcessedWebhook{}).Error; err != nil {
		return &store.StorageError{Op: "purge_processed_webhooks", Err: err}
	}
	row := store.ProcessedWebhook{
		IdempotencyKey:     key,
		ProcessedAtSeconds: now.Unix(),
		RefreshType:        refreshType,
		ExpiresAtSeconds:   now.Add(s.idempotencyTTL).Unix(),
	}
	if err := bank.Create(&row).Error; err != nil {
		return &store.StorageError{Op: "record_processed_webhook", Err: err}
	}
	return nil
}

func (s *Service) rateLimited(now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastAccepted.IsZero() {
		elapsed := now.Sub(s.lastAccepted)
		if elapsed < s.rateLimitWindow {
			return s.rateLimitWindow - elapsed, true
		}
	}
	s.lastAccepted = now
	return 0, false
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
