// Package upstream is a thin REST adapter for the tabular data platform. It
// covers only the operations the refresh pipeline consumes; the platform's
// full client library stays out of scope.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/basecache/basecache/internal/refresh"
)

var (
	errMissingBaseURL  = errors.New("upstream: base url is required")
	errMissingSourceID = errors.New("upstream: source id is required")
)

// ClientConfig describes the upstream endpoint.
type ClientConfig struct {
	BaseURL    string
	Token      string
	SourceID   string
	HTTPClient *http.Client
}

// Client implements refresh.Upstream over the platform's REST API.
type Client struct {
	baseURL  string
	token    string
	sourceID string
	client   *http.Client
}

// NewClient validates the configuration and builds the adapter.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	if strings.TrimSpace(cfg.SourceID) == "" {
		return nil, errMissingSourceID
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		token:    cfg.Token,
		sourceID: cfg.SourceID,
		client:   httpClient,
	}, nil
}

type tableListBody struct {
	Tables []struct {
		ID             string `json:"id"`
		Name           string `json:"name"`
		PrimaryFieldID string `json:"primaryFieldId"`
		Fields         []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"fields"`
	} `json:"tables"`
}

// ListTables fetches the table metadata for the configured source.
func (c *Client) ListTables(ctx context.Context) ([]refresh.Table, error) {
	var body tableListBody
	path := fmt.Sprintf("/meta/%s/tables", url.PathEscape(c.sourceID))
	if err := c.getJSON(ctx, path, nil, &body); err != nil {
		return nil, err
	}
	tables := make([]refresh.Table, 0, len(body.Tables))
	for _, table := range body.Tables {
		converted := refresh.Table{
			ID:             table.ID,
			Name:           table.Name,
			PrimaryFieldID: table.PrimaryFieldID,
		}
		if len(table.Fields) > 0 {
			converted.FieldNamesByID = make(map[string]string, len(table.Fields))
			for _, field := range table.Fields {
				converted.FieldNamesByID[field.ID] = field.Name
			}
		}
		tables = append(tables, converted)
	}
	return tables, nil
}

type recordBody struct {
	ID     string          `json:"id"`
	Fields json.RawMessage `json:"fields"`
}

type recordPageBody struct {
	Records       []recordBody `json:"records"`
	NextPageToken string       `json:"offset"`
}

// ListRecords fetches one page of records for a table.
func (c *Client) ListRecords(ctx context.Context, tableID, pageToken string) (refresh.RecordPage, error) {
	query := url.Values{}
	if pageToken != "" {
		query.Set("offset", pageToken)
	}
	var body recordPageBody
	path := fmt.Sprintf("/%s/%s", url.PathEscape(c.sourceID), url.PathEscape(tableID))
	if err := c.getJSON(ctx, path, query, &body); err != nil {
		return refresh.RecordPage{}, err
	}
	page := refresh.RecordPage{NextPageToken: body.NextPageToken}
	for _, record := range body.Records {
		page.Records = append(page.Records, refresh.UpstreamRecord{ID: record.ID, Fields: record.Fields})
	}
	return page, nil
}

// GetRecord fetches a single record.
func (c *Client) GetRecord(ctx context.Context, tableID, recordID string) (refresh.UpstreamRecord, error) {
	var body recordBody
	path := fmt.Sprintf("/%s/%s/%s", url.PathEscape(c.sourceID), url.PathEscape(tableID), url.PathEscape(recordID))
	if err := c.getJSON(ctx, path, nil, &body); err != nil {
		return refresh.UpstreamRecord{}, err
	}
	return refresh.UpstreamRecord{ID: body.ID, Fields: body.Fields}, nil
}

type changePageBody struct {
	Payloads []struct {
		ChangedTablesByID map[string]struct {
			TableName          string                     `json:"tableName"`
			ChangedRecordsByID map[string]json.RawMessage `json:"changedRecordsById"`
			DestroyedRecordIDs []string                   `json:"destroyedRecordIds"`
		} `json:"changedTablesById"`
	} `json:"payloads"`
	Cursor        string `json:"cursor"`
	MightHaveMore bool   `json:"mightHaveMore"`
}

// ListChangesSince drains the webhook payload cursor one page at a time.
func (c *Client) ListChangesSince(ctx context.Context, webhookID, cursor string) (refresh.ChangePage, error) {
	query := url.Values{}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	var body changePageBody
	path := fmt.Sprintf("/%s/webhooks/%s/payloads", url.PathEscape(c.sourceID), url.PathEscape(webhookID))
	if err := c.getJSON(ctx, path, query, &body); err != nil {
		return refresh.ChangePage{}, err
	}

	page := refresh.ChangePage{NextCursor: body.Cursor, HasMore: body.MightHaveMore}
	for _, payload := range body.Payloads {
		for tableID, entry := range payload.ChangedTablesByID {
			change := refresh.Change{
				TableID:            tableID,
				TableName:          entry.TableName,
				DestroyedRecordIDs: entry.DestroyedRecordIDs,
			}
			for recordID := range entry.ChangedRecordsByID {
				change.ChangedRecordIDs = append(change.ChangedRecordIDs, recordID)
			}
			page.Changes = append(page.Changes, change)
		}
	}
	return page, nil
}

// CreateWebhookSubscription registers a notification URL with the platform.
func (c *Client) CreateWebhookSubscription(ctx context.Context, notifyURL string) (refresh.Subscription, error) {
	request := map[string]string{"notificationUrl": notifyURL}
	var body struct {
		ID     string `json:"id"`
		Secret string `json:"macSecretBase64"`
	}
	path := fmt.Sprintf("/%s/webhooks", url.PathEscape(c.sourceID))
	if err := c.doJSON(ctx, http.MethodPost, path, request, &body); err != nil {
		return refresh.Subscription{}, err
	}
	return refresh.Subscription{ID: body.ID, Secret: body.Secret}, nil
}

// DeleteWebhookSubscription removes a subscription.
func (c *Client) DeleteWebhookSubscription(ctx context.Context, webhookID string) error {
	path := fmt.Sprintf("/%s/webhooks/%s", url.PathEscape(c.sourceID), url.PathEscape(webhookID))
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// EnableNotifications switches a subscription to push deliveries.
func (c *Client) EnableNotifications(ctx context.Context, webhookID string) error {
	path := fmt.Sprintf("/%s/webhooks/%s/enableNotifications", url.PathEscape(c.sourceID), url.PathEscape(webhookID))
	return c.doJSON(ctx, http.MethodPost, path, map[string]bool{"enable": true}, nil)
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	return c.send(request, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var reader io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return err
		}
		reader = strings.NewReader(string(encoded))
	}
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if in != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	return c.send(request, out)
}

func (c *Client) send(request *http.Request, out interface{}) error {
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}
	response, err := c.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close() //nolint:errcheck

	if response.StatusCode < 200 || response.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return fmt.Errorf("upstream: %s %s returned %d: %s",
			request.Method, request.URL.Path, response.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(out)
}
