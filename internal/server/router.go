package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basecache/basecache/internal/attachments"
	"github.com/basecache/basecache/internal/records"
	"github.com/basecache/basecache/internal/refresh"
	"github.com/basecache/basecache/internal/store"
	"github.com/basecache/basecache/internal/webhooks"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	adminSubjectContextKey = "basecache_admin_subject"
	signatureHeader        = "X-Webhook-Signature"

	defaultPageLimit = 100
	maxPageLimit     = 1000
	maxWebhookBody   = 1 << 20
)

var (
	errMissingVersioned     = errors.New("versioned store dependency required")
	errMissingRecords       = errors.New("record repository dependency required")
	errMissingAttachments   = errors.New("attachment store dependency required")
	errMissingWebhooks      = errors.New("webhook ingestor dependency required")
	errMissingRefresh       = errors.New("refresh trigger dependency required")
	errMissingTokens        = errors.New("token validator dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// WebhookIngestor runs the delivery state machine for a raw body.
type WebhookIngestor interface {
	Ingest(ctx context.Context, rawBody []byte, macHeader string) webhooks.Outcome
}

// RefreshTrigger queues refresh runs and reports the most recent one.
type RefreshTrigger interface {
	Trigger(request refresh.Request) bool
	LastRun() (refresh.RunStats, bool)
}

// AdminTokenValidator checks control-API bearer tokens.
type AdminTokenValidator interface {
	ValidateToken(token string) (string, error)
}

// MappingLister exposes stored table mappings.
type MappingLister interface {
	List(ctx context.Context) ([]store.TableMapping, error)
}

// Dependencies wires the HTTP layer to the core components.
type Dependencies struct {
	Versioned   *store.VersionedStore
	Records     *records.Repository
	Attachments *attachments.Store
	Mappings    MappingLister
	Webhooks    WebhookIngestor
	Refresh     RefreshTrigger
	Tokens      AdminTokenValidator
	Events      *EventBus
	Logger      *zap.Logger
}

// NewHTTPHandler assembles the gin router over the core components.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Versioned == nil {
		return nil, errMissingVersioned
	}
	if deps.Records == nil {
		return nil, errMissingRecords
	}
	if deps.Attachments == nil {
		return nil, errMissingAttachments
	}
	if deps.Webhooks == nil {
		return nil, errMissingWebhooks
	}
	if deps.Refresh == nil {
		return nil, errMissingRefresh
	}
	if deps.Tokens == nil {
		return nil, errMissingTokens
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = NewEventBus()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", signatureHeader},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		versioned:   deps.Versioned,
		records:     deps.Records,
		attachments: deps.Attachments,
		mappings:    deps.Mappings,
		webhooks:    deps.Webhooks,
		refresh:     deps.Refresh,
		tokens:      deps.Tokens,
		events:      events,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/webhooks/incoming", handler.handleWebhook)

	api := router.Group("/api")
	api.GET("/tables", handler.handleListTables)
	api.GET("/tables/:table/records", handler.handleListRecords)
	api.GET("/tables/:table/records/:id", handler.handleGetRecord)
	api.GET("/stats", handler.handleStats)
	api.GET("/attachments", handler.handleListAttachments)
	api.GET("/attachments/:id/file", handler.handleAttachmentFile)
	api.GET("/mappings", handler.handleListMappings)
	api.GET("/refresh/events", handler.handleRefreshEvents)

	admin := api.Group("/")
	admin.Use(handler.authorizeRequest)
	admin.POST("/refresh", handler.handleManualRefresh)

	return router, nil
}

type httpHandler struct {
	versioned   *store.VersionedStore
	records     *records.Repository
	attachments *attachments.Store
	mappings    MappingLister
	webhooks    WebhookIngestor
	refresh     RefreshTrigger
	tokens      AdminTokenValidator
	events      *EventBus
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if err := h.versioned.Ping(c.Request.Context()); err != nil {
		h.logger.Error("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"active_bank": string(h.versioned.ActiveLabel()),
	})
}

func (h *httpHandler) handleWebhook(c *gin.Context) {
	rawBody, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
		return
	}
	outcome := h.webhooks.Ingest(c.Request.Context(), rawBody, c.GetHeader(signatureHeader))
	c.JSON(outcome.StatusCode, outcome.Response)
}

func (h *httpHandler) handleListTables(c *gin.Context) {
	tables, err := h.records.GetTables(c.Request.Context())
	if err != nil {
		h.logger.Error("table listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tables": tables})
}

type recordPayload struct {
	ID               string          `json:"id"`
	Table            string          `json:"table"`
	RecordID         string          `json:"record_id"`
	Fields           json.RawMessage `json:"fields"`
	UpdatedAtSeconds int64           `json:"updated_at_s"`
}

func (h *httpHandler) handleListRecords(c *gin.Context) {
	table := c.Param("table")
	limit := parseBoundedInt(c.Query("limit"), defaultPageLimit, maxPageLimit)
	offset := parseBoundedInt(c.Query("offset"), 0, 1<<30)
	projection := parseProjection(c.Query("fields"))

	ctx := c.Request.Context()
	rows, err := h.records.GetTableRecords(ctx, table, limit, offset)
	if err != nil {
		h.logger.Error("record listing failed", zap.String("table", table), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_unavailable"})
		return
	}
	total, err := h.records.CountTableRecords(ctx, table)
	if err != nil {
		h.logger.Error("record count failed", zap.String("table", table), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_unavailable"})
		return
	}

	payloads := make([]recordPayload, 0, len(rows))
	for _, row := range rows {
		payloads = append(payloads, toRecordPayload(row, projection))
	}
	c.JSON(http.StatusOK, gin.H{
		"records": payloads,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

func (h *httpHandler) handleGetRecord(c *gin.Context) {
	record, err := h.records.GetRecord(c.Request.Context(), c.Param("table"), c.Param("id"))
	if errors.Is(err, records.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "record_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("record read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_unavailable"})
		return
	}
	c.JSON(http.StatusOK, toRecordPayload(record, parseProjection(c.Query("fields"))))
}

func (h *httpHandler) handleStats(c *gin.Context) {
	stats, err := h.versioned.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("stats query failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage_unavailable"})
		return
	}
	response := gin.H{"stats": stats}
	if lastRun, ok := h.refresh.LastRun(); ok {
		response["last_refresh"] = lastRun
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleListAttachments(c *gin.Context) {
	limit := parseBoundedInt(c.Query("limit"), defaultPageLimit, maxPageLimit)
	offset := parseBoundedInt(c.Query("offset"), 0, 1<<30)
	rows, err := h.attachments.List(c.Request.Context(), c.Query("table"), limit, offset)
	if err != nil {
		h.logger.Error("attachment listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"attachments": rows})
}

func (h *httpHandler) handleAttachmentFile(c *gin.Context) {
	attachment, err := h.attachments.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, attachments.ErrAttachmentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "attachment_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("attachment read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_unavailable"})
		return
	}
	if attachment.LocalPath == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "attachment_not_downloaded"})
		return
	}
	c.FileAttachment(h.attachments.AbsolutePath(attachment.LocalPath), attachment.Filename)
}

func (h *httpHandler) handleListMappings(c *gin.Context) {
	if h.mappings == nil {
		c.JSON(http.StatusOK, gin.H{"mappings": []store.TableMapping{}})
		return
	}
	rows, err := h.mappings.List(c.Request.Context())
	if err != nil {
		h.logger.Error("mapping listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mappings": rows})
}

func (h *httpHandler) handleManualRefresh(c *gin.Context) {
	queued := h.refresh.Trigger(refresh.Request{Reason: "manual"})
	if !queued {
		c.JSON(http.StatusConflict, gin.H{"error": "refresh_pending"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (h *httpHandler) handleRefreshEvents(c *gin.Context) {
	stream, cancel := h.events.Subscribe(c.Request.Context())
	defer cancel()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent("refresh", event)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(adminSubjectContextKey, subject)
	c.Next()
}

func toRecordPayload(record store.Record, projection []string) recordPayload {
	return recordPayload{
		ID:               record.ID,
		Table:            record.Table,
		RecordID:         record.RecordID,
		Fields:           projectFields(record.PayloadJSON, projection),
		UpdatedAtSeconds: record.UpdatedAtSeconds,
	}
}

// projectFields keeps only the requested top-level keys of the payload.
// An empty projection returns the payload untouched.
func projectFields(payloadJSON string, projection []string) json.RawMessage {
	if payloadJSON == "" {
		return nil
	}
	if len(projection) == 0 {
		return json.RawMessage(payloadJSON)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payloadJSON), &fields); err != nil {
		return json.RawMessage(payloadJSON)
	}
	projected := make(map[string]json.RawMessage, len(projection))
	for _, key := range projection {
		if value, ok := fields[key]; ok {
			projected[key] = value
		}
	}
	encoded, err := json.Marshal(projected)
	if err != nil {
		return json.RawMessage(payloadJSON)
	}
	return encoded
}

func parseProjection(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	fields := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			fields = append(fields, trimmed)
		}
	}
	return fields
}

func parseBoundedInt(raw string, fallback, ceiling int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	if value > ceiling {
		return ceiling
	}
	return value
}
