package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basecache/basecache/internal/attachments"
	"github.com/basecache/basecache/internal/records"
	"github.com/basecache/basecache/internal/refresh"
	"github.com/basecache/basecache/internal/store"
	"github.com/basecache/basecache/internal/webhooks"
	"github.com/gin-gonic/gin"
)

type stubIngestor struct {
	lastBody   []byte
	lastHeader string
	outcome    webhooks.Outcome
}

func (s *stubIngestor) Ingest(_ context.Context, rawBody []byte, macHeader string) webhooks.Outcome {
	s.lastBody = append([]byte(nil), rawBody...)
	s.lastHeader = macHeader
	return s.outcome
}

type stubRefresh struct {
	queued   bool
	triggers []refresh.Request
	lastRun  *refresh.RunStats
}

func (s *stubRefresh) Trigger(request refresh.Request) bool {
	s.triggers = append(s.triggers, request)
	return s.queued
}

func (s *stubRefresh) LastRun() (refresh.RunStats, bool) {
	if s.lastRun == nil {
		return refresh.RunStats{}, false
	}
	return *s.lastRun, true
}

type stubValidator struct {
	subject string
	err     error
}

func (s *stubValidator) ValidateToken(string) (string, error) {
	return s.subject, s.err
}

type routerFixture struct {
	handler     http.Handler
	versioned   *store.VersionedStore
	repository  *records.Repository
	attachments *attachments.Store
	ingestor    *stubIngestor
	refresh     *stubRefresh
	validator   *stubValidator
}

type nopFetcher struct{}

func (nopFetcher) Fetch(_ context.Context, _, destPath string) (int64, string, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, "", err
	}
	if err := os.WriteFile(destPath, []byte("x"), 0o644); err != nil {
		return 0, "", err
	}
	return 1, "application/octet-stream", nil
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	versioned, err := store.Open(store.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to open versioned store: %v", err)
	}
	t.Cleanup(func() {
		versioned.Close() //nolint:errcheck
	})
	attachmentStore, err := attachments.NewStore(attachments.StoreConfig{
		Versioned: versioned,
		BaseDir:   t.TempDir(),
		Fetcher:   nopFetcher{},
	})
	if err != nil {
		t.Fatalf("failed to build attachment store: %v", err)
	}
	repository, err := records.NewRepository(records.RepositoryConfig{
		Versioned:   versioned,
		Attachments: attachmentStore,
	})
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}

	fixture := &routerFixture{
		versioned:   versioned,
		repository:  repository,
		attachments: attachmentStore,
		ingestor:    &stubIngestor{outcome: webhooks.Outcome{StatusCode: http.StatusOK, Response: webhooks.Response{Status: "success"}}},
		refresh:     &stubRefresh{queued: true},
		validator:   &stubValidator{subject: "admin"},
	}

	handler, err := NewHTTPHandler(Dependencies{
		Versioned:   versioned,
		Records:     repository,
		Attachments: attachmentStore,
		Webhooks:    fixture.ingestor,
		Refresh:     fixture.refresh,
		Tokens:      fixture.validator,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	fixture.handler = handler
	return fixture
}

func (f *routerFixture) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, path, reader)
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var decoded map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("response body not JSON: %v (%s)", err, recorder.Body.String())
	}
	return decoded
}

func TestHealthEndpointReportsActiveBank(t *testing.T) {
	fixture := newRouterFixture(t)

	recorder := fixture.do(t, http.MethodGet, "/healthz", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := decodeBody(t, recorder)
	if body["status"] != "ok" || body["active_bank"] != "a" {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestWebhookEndpointPassesBodyAndSignatureThrough(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.ingestor.outcome = webhooks.Outcome{
		StatusCode: http.StatusUnauthorized,
		Response:   webhooks.Response{Error: "invalid_signature"},
	}

	recorder := fixture.do(t, http.MethodPost, "/webhooks/incoming", `{"webhookId":"wh1"}`, map[string]string{
		"X-Webhook-Signature": "hmac-sha256=deadbeef",
	})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected ingestor outcome forwarded, got %d", recorder.Code)
	}
	if string(fixture.ingestor.lastBody) != `{"webhookId":"wh1"}` {
		t.Fatalf("unexpected body forwarded: %s", fixture.ingestor.lastBody)
	}
	if fixture.ingestor.lastHeader != "hmac-sha256=deadbeef" {
		t.Fatalf("unexpected signature forwarded: %q", fixture.ingestor.lastHeader)
	}
}

func TestListRecordsProjectsRequestedFields(t *testing.T) {
	fixture := newRouterFixture(t)
	ctx := context.Background()

	payload := json.RawMessage(`{"Name":"Widget","Count":3,"Secret":"hidden"}`)
	if err := fixture.repository.SetRecord(ctx, fixture.versioned.Active(), "tasks", "rec1", payload); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	recorder := fixture.do(t, http.MethodGet, "/api/tables/tasks/records?fields=Name,Count", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := decodeBody(t, recorder)
	recordsList, ok := body["records"].([]interface{})
	if !ok || len(recordsList) != 1 {
		t.Fatalf("unexpected records list: %v", body)
	}
	fields, ok := recordsList[0].(map[string]interface{})["fields"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing fields object: %v", recordsList[0])
	}
	if fields["Name"] != "Widget" || fields["Count"] != float64(3) {
		t.Fatalf("expected projected fields present, got %v", fields)
	}
	if _, present := fields["Secret"]; present {
		t.Fatalf("expected unprojected field omitted, got %v", fields)
	}
}

func TestGetRecordReturnsNotFound(t *testing.T) {
	fixture := newRouterFixture(t)

	recorder := fixture.do(t, http.MethodGet, "/api/tables/tasks/records/missing", "", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
	if body := decodeBody(t, recorder); body["error"] != "record_not_found" {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestManualRefreshRequiresBearerToken(t *testing.T) {
	fixture := newRouterFixture(t)

	recorder := fixture.do(t, http.MethodPost, "/api/refresh", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without authorization, got %d", recorder.Code)
	}

	fixture.validator.err = errors.New("expired")
	recorder = fixture.do(t, http.MethodPost, "/api/refresh", "", map[string]string{
		"Authorization": "Bearer bad-token",
	})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for rejected token, got %d", recorder.Code)
	}
	if len(fixture.refresh.triggers) != 0 {
		t.Fatalf("unauthorized requests must not trigger refreshes")
	}
}

func TestManualRefreshQueuesRun(t *testing.T) {
	fixture := newRouterFixture(t)

	recorder := fixture.do(t, http.MethodPost, "/api/refresh", "", map[string]string{
		"Authorization": "Bearer good-token",
	})
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", recorder.Code)
	}
	if len(fixture.refresh.triggers) != 1 || fixture.refresh.triggers[0].Reason != "manual" {
		t.Fatalf("unexpected triggers: %+v", fixture.refresh.triggers)
	}
}

func TestManualRefreshReportsPendingWhenQueueFull(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.refresh.queued = false

	recorder := fixture.do(t, http.MethodPost, "/api/refresh", "", map[string]string{
		"Authorization": "Bearer good-token",
	})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", recorder.Code)
	}
	if body := decodeBody(t, recorder); body["error"] != "refresh_pending" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestStatsIncludesLastRefreshWhenAvailable(t *testing.T) {
	fixture := newRouterFixture(t)

	recorder := fixture.do(t, http.MethodGet, "/api/stats", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if _, present := decodeBody(t, recorder)["last_refresh"]; present {
		t.Fatalf("expected no last_refresh before any run")
	}

	fixture.refresh.lastRun = &refresh.RunStats{RunID: "run1", Type: refresh.TypeFull}
	recorder = fixture.do(t, http.MethodGet, "/api/stats", "", nil)
	body := decodeBody(t, recorder)
	lastRun, ok := body["last_refresh"].(map[string]interface{})
	if !ok || lastRun["run_id"] != "run1" {
		t.Fatalf("expected last_refresh in stats, got %v", body)
	}
}

func TestAttachmentFileReportsNotDownloaded(t *testing.T) {
	fixture := newRouterFixture(t)

	row := store.Attachment{
		ID: "tasks:rec1:Files:x", Table: "tasks", RecordID: "rec1",
		FieldName: "Files", OriginalURL: "https://files.example.com/a.bin", Filename: "a.bin",
	}
	if err := fixture.versioned.Active().Create(&row).Error; err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	recorder := fixture.do(t, http.MethodGet, "/api/attachments/tasks:rec1:Files:x/file", "", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for pending download, got %d", recorder.Code)
	}
	if body := decodeBody(t, recorder); body["error"] != "attachment_not_downloaded" {
		t.Fatalf("unexpected body: %v", body)
	}

	recorder = fixture.do(t, http.MethodGet, "/api/attachments/unknown/file", "", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown attachment, got %d", recorder.Code)
	}
}
