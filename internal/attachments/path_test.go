package attachments

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalPathIsDeterministic(t *testing.T) {
	first := LocalPath("tasks", "rec1", "Documents", "report.pdf", "https://files.example.com/a/report.pdf")
	second := LocalPath("tasks", "rec1", "Documents", "report.pdf", "https://files.example.com/a/report.pdf")
	if first != second {
		t.Fatalf("expected identical paths, got %q and %q", first, second)
	}

	expectedDir := filepath.Join("tasks", "rec1", "Documents")
	if filepath.Dir(first) != expectedDir {
		t.Fatalf("unexpected directory %q", filepath.Dir(first))
	}
	base := filepath.Base(first)
	if !strings.HasPrefix(base, "report_") || !strings.HasSuffix(base, ".pdf") {
		t.Fatalf("unexpected basename %q", base)
	}
}

func TestLocalPathDisambiguatesByURL(t *testing.T) {
	first := LocalPath("tasks", "rec1", "Documents", "report.pdf", "https://files.example.com/a/report.pdf")
	second := LocalPath("tasks", "rec1", "Documents", "report.pdf", "https://files.example.com/b/report.pdf")
	if first == second {
		t.Fatalf("expected different paths for different urls, both %q", first)
	}
}

func TestLocalPathSanitizesSegments(t *testing.T) {
	path := LocalPath("ta/sks", "re:c1", "..", "notes.txt", "https://example.com/n")
	for _, segment := range strings.Split(filepath.ToSlash(filepath.Dir(path)), "/") {
		if strings.ContainsAny(segment, `/\:*?"<>|`) || segment == ".." {
			t.Fatalf("unsanitized segment %q in %q", segment, path)
		}
	}
}

func TestLocalPathHandlesMissingExtension(t *testing.T) {
	path := LocalPath("tasks", "rec1", "Files", "README", "https://example.com/readme")
	base := filepath.Base(path)
	if !strings.HasPrefix(base, "README_") {
		t.Fatalf("unexpected basename %q", base)
	}
	if strings.Contains(base, ".") {
		t.Fatalf("expected no extension, got %q", base)
	}
}

func TestURLFingerprintLength(t *testing.T) {
	fingerprint := URLFingerprint("https://example.com/file")
	if len(fingerprint) != 8 {
		t.Fatalf("expected 8 hex characters, got %q", fingerprint)
	}
	if fingerprint == URLFingerprint("https://example.com/other") {
		t.Fatalf("expected distinct fingerprints for distinct urls")
	}
}
