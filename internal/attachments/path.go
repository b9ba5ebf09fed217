package attachments

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"path/filepath"
	"strings"
)

// LocalPath computes the deterministic relative path for an attachment file:
// table/recordId/fieldName/{basename(filename)}_{hash8(url)}{ext}. The path
// depends only on its inputs, so repeated refreshes address the same file
// without consulting a prior download record.
func LocalPath(table, recordID, fieldName, filename, url string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" || stem == "." || stem == "/" {
		stem = "attachment"
	}
	return filepath.Join(
		sanitizeSegment(table),
		sanitizeSegment(recordID),
		sanitizeSegment(fieldName),
		stem+"_"+URLFingerprint(url)+ext,
	)
}

// URLFingerprint returns the first 8 hex characters of the SHA-256 of the
// URL. It disambiguates files and rows that share a filename.
func URLFingerprint(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])[:8]
}

func sanitizeSegment(segment string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, segment)
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" || cleaned == "." || cleaned == ".." {
		return "_"
	}
	return cleaned
}
