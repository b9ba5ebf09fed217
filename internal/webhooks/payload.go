package webhooks

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/basecache/basecache/internal/refresh"
)

// DeliveryKind tags the decoded payload shape.
type DeliveryKind string

const (
	// KindPing is the upstream endpoint-verification probe.
	KindPing DeliveryKind = "ping"
	// KindNotification is the pointer-style payload naming a webhook id; the
	// changed records are fetched separately via the change cursor.
	KindNotification DeliveryKind = "notification"
	// KindInlineChanges carries the changed record ids in the body itself.
	KindInlineChanges DeliveryKind = "inline_changes"
)

// ErrMalformedPayload indicates a body that is not valid delivery JSON.
var ErrMalformedPayload = errors.New("webhooks: malformed payload")

// Delivery is the single tagged union both historical payload shapes decode
// into. Every later stage of ingestion works off this struct only.
type Delivery struct {
	Kind         DeliveryKind
	WebhookID    string
	SourceID     string
	Timestamp    time.Time
	RawTimestamp string
	Changes      []refresh.Change
}

type notificationPayload struct {
	Base      *idHolder       `json:"base"`
	Webhook   *idHolder       `json:"webhook"`
	WebhookID string          `json:"webhookId"`
	Timestamp json.RawMessage `json:"timestamp"`
	Changed   map[string]inlineTableChanges `json:"changedTablesById"`
}

type idHolder struct {
	ID string `json:"id"`
}

type inlineTableChanges struct {
	TableName          string                     `json:"tableName"`
	ChangedRecordsByID map[string]json.RawMessage `json:"changedRecordsById"`
	DestroyedRecordIDs []string                   `json:"destroyedRecordIds"`
}

// DecodeDelivery parses a raw body into the Delivery union. Malformed JSON is
// ErrMalformedPayload; an empty object or a lone "ping" key decodes as a ping.
func DecodeDelivery(rawBody []byte) (Delivery, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(rawBody, &probe); err != nil {
		return Delivery{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(probe) == 0 {
		return Delivery{Kind: KindPing}, nil
	}
	if _, ok := probe["ping"]; ok && len(probe) == 1 {
		return Delivery{Kind: KindPing}, nil
	}

	var payload notificationPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return Delivery{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	delivery := Delivery{Kind: KindNotification}
	if payload.Webhook != nil {
		delivery.WebhookID = payload.Webhook.ID
	}
	if delivery.WebhookID == "" {
		delivery.WebhookID = payload.WebhookID
	}
	if payload.Base != nil {
		delivery.SourceID = payload.Base.ID
	}

	if timestamp, raw, ok := parseTimestamp(payload.Timestamp); ok {
		delivery.Timestamp = timestamp
		delivery.RawTimestamp = raw
	}

	if len(payload.Changed) > 0 {
		delivery.Kind = KindInlineChanges
		delivery.Changes = decodeInlineChanges(payload.Changed)
	}
	return delivery, nil
}

func decodeInlineChanges(changed map[string]inlineTableChanges) []refresh.Change {
	tableIDs := make([]string, 0, len(changed))
	for tableID := range changed {
		tableIDs = append(tableIDs, tableID)
	}
	sort.Strings(tableIDs)

	changes := make([]refresh.Change, 0, len(tableIDs))
	for _, tableID := range tableIDs {
		entry := changed[tableID]
		change := refresh.Change{
			TableID:            tableID,
			TableName:          entry.TableName,
			DestroyedRecordIDs: entry.DestroyedRecordIDs,
		}
		for recordID := range entry.ChangedRecordsByID {
			change.ChangedRecordIDs = append(change.ChangedRecordIDs, recordID)
		}
		sort.Strings(change.ChangedRecordIDs)
		changes = append(changes, change)
	}
	return changes
}

// parseTimestamp accepts the two timestamp encodings seen upstream: an
// RFC3339 string or unix seconds as a JSON number.
func parseTimestamp(raw json.RawMessage) (time.Time, string, bool) {
	if len(raw) == 0 {
		return time.Time{}, "", false
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		parsed, err := time.Parse(time.RFC3339, asString)
		if err != nil {
			return time.Time{}, "", false
		}
		return parsed, asString, true
	}
	var asNumber float64
	if err := json.Unmarshal(raw, &asNumber); err == nil && asNumber > 0 {
		seconds := int64(asNumber)
		return time.Unix(seconds, 0).UTC(), strconv.FormatInt(seconds, 10), true
	}
	return time.Time{}, "", false
}
