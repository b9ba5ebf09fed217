package records

import "encoding/json"

// attachmentRef is one attachment reference found inside a record payload.
type attachmentRef struct {
	FieldName   string
	URL         string
	Filename    string
	Size        int64
	ContentType string
}

// extractAttachmentRefs scans a record payload for array-valued fields whose
// elements carry a url and filename, the shape the upstream platform uses for
// attachment cells. Anything else is left untouched in the payload.
func extractAttachmentRefs(payload []byte) []attachmentRef {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil
	}

	var refs []attachmentRef
	for fieldName, raw := range fields {
		var elements []map[string]json.RawMessage
		if err := json.Unmarshal(raw, &elements); err != nil {
			continue
		}
		for _, element := range elements {
			url, okURL := stringValue(element["url"])
			filename, okName := stringValue(element["filename"])
			if !okURL || !okName || url == "" || filename == "" {
				continue
			}
			ref := attachmentRef{FieldName: fieldName, URL: url, Filename: filename}
			if size, ok := intValue(element["size"]); ok {
				ref.Size = size
			}
			if contentType, ok := stringValue(element["type"]); ok {
				ref.ContentType = contentType
			}
			refs = append(refs, ref)
		}
	}
	return refs
}

func stringValue(raw json.RawMessage) (string, bool) {
	if raw == nil {
		return "", false
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", false
	}
	return value, true
}

func intValue(raw json.RawMessage) (int64, bool) {
	if raw == nil {
		return 0, false
	}
	var value float64
	if err := json.Unmarshal(raw, &value); err != nil {
		return 0, false
	}
	return int64(value), true
}
