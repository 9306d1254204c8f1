package engine

import (
	"strings"
	"testing"

	"github.com/relaybot/relay/pkg/models"
)

// base64Blob builds a high-entropy run of the given length from the full
// base64 alphabet.
func base64Blob(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
	var b strings.Builder
	for b.Len() < n {
		b.WriteString(alphabet)
	}
	return b.String()[:n]
}

func TestSanitizeRedactsHighEntropyRuns(t *testing.T) {
	s := NewSanitizer(nil)
	blob := base64Blob(300)
	content := "token dump:\n" + blob + "\ndone"

	out := s.Sanitize(content)
	if strings.Contains(out, blob) {
		t.Fatal("high-entropy blob survived sanitization")
	}
	if !strings.Contains(out, "[redacted 300 bytes]") {
		t.Errorf("missing redaction marker in %q", out)
	}
	if !strings.Contains(out, "token dump:") || !strings.Contains(out, "done") {
		t.Error("surrounding text was lost")
	}
}

func TestSanitizePreservesLowEntropyRuns(t *testing.T) {
	s := NewSanitizer(nil)
	// Long but trivially compressible: entropy near zero.
	run := strings.Repeat("a", 300)

	out := s.Sanitize(run)
	if out != run {
		t.Errorf("low-entropy run was modified: %q", truncateForLog(out))
	}
}

func TestSanitizePreservesShortSecretsAndProse(t *testing.T) {
	s := NewSanitizer(nil)
	content := "the api key is sk-abc123 and the answer is 42"
	if out := s.Sanitize(content); out != content {
		t.Errorf("short content modified: %q", out)
	}
}

func TestSanitizeTruncatesOversized(t *testing.T) {
	s := NewSanitizer(&SanitizerConfig{MaxBytes: 100})
	content := strings.Repeat("word ", 100)

	out := s.Sanitize(content)
	if !strings.HasSuffix(out, "...[truncated]") {
		t.Fatalf("missing truncation suffix: %q", truncateForLog(out))
	}
	if len(out) > 100+len("...[truncated]") {
		t.Errorf("truncated length = %d", len(out))
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	s := NewSanitizer(&SanitizerConfig{MaxBytes: 200})
	content := "prefix " + base64Blob(300) + " " + strings.Repeat("x", 400)

	once := s.Sanitize(content)
	twice := s.Sanitize(once)
	if once != twice {
		t.Errorf("second pass changed content:\n once: %q\ntwice: %q", truncateForLog(once), truncateForLog(twice))
	}
}

func TestSanitizeTruncationAvoidsSplittingRune(t *testing.T) {
	s := NewSanitizer(&SanitizerConfig{MaxBytes: 101})
	// 100 ASCII bytes then a multi-byte rune straddling the cut.
	content := strings.Repeat("a", 100) + "é" + strings.Repeat("b", 50)

	out := s.Sanitize(content)
	trimmed := strings.TrimSuffix(out, "...[truncated]")
	if strings.ContainsRune(trimmed, '�') {
		t.Error("truncation split a UTF-8 sequence")
	}
	for _, r := range trimmed {
		_ = r
	}
}

func TestSanitizerApplyAllPreservesOrder(t *testing.T) {
	s := NewSanitizer(nil)
	results := []models.ToolResult{
		{ToolCallID: "a", Content: "one"},
		{ToolCallID: "b", Content: base64Blob(300)},
		{ToolCallID: "c", Content: "three"},
	}

	out := s.ApplyAll(results)
	if out[0].ToolCallID != "a" || out[1].ToolCallID != "b" || out[2].ToolCallID != "c" {
		t.Fatal("result order changed")
	}
	if out[0].Content != "one" || out[2].Content != "three" {
		t.Error("untouched results modified")
	}
	if strings.Contains(out[1].Content, "ABCDEFGH") {
		t.Error("blob not redacted")
	}
}

func truncateForLog(s string) string {
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}
