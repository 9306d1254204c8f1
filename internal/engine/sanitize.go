package engine

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/relaybot/relay/pkg/models"
)

// SanitizerConfig controls how tool results are reduced before being fed
// back to the model.
type SanitizerConfig struct {
	// MaxBytes truncates result content above this size.
	// Default: 50KB.
	MaxBytes int

	// MinBlobLength is the minimum run length considered for entropy
	// redaction. Default: 256.
	MinBlobLength int

	// MinEntropy is the Shannon entropy (bits per byte) above which a
	// candidate run is redacted. Default: 4.0.
	MinEntropy float64

	// TruncateSuffix marks truncated content. Default: "...[truncated]".
	TruncateSuffix string
}

// DefaultSanitizerConfig returns the default sanitizer configuration.
func DefaultSanitizerConfig() *SanitizerConfig {
	return &SanitizerConfig{
		MaxBytes:       50 << 10,
		MinBlobLength:  256,
		MinEntropy:     4.0,
		TruncateSuffix: "...[truncated]",
	}
}

// Sanitizer reduces oversized payloads and redacts high-entropy blobs
// (base64/hex dumps, likely secrets or binary data) from tool results.
// Applied uniformly regardless of which tool produced the result.
// Apply is idempotent: re-sanitizing an already-sanitized result produces
// no further changes.
type Sanitizer struct {
	config    *SanitizerConfig
	base64Run *regexp.Regexp
	hexRun    *regexp.Regexp
}

// NewSanitizer creates a sanitizer. If config is nil, defaults are used.
func NewSanitizer(config *SanitizerConfig) *Sanitizer {
	if config == nil {
		config = DefaultSanitizerConfig()
	}
	cfg := *config
	defaults := DefaultSanitizerConfig()
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaults.MaxBytes
	}
	if cfg.MinBlobLength <= 0 {
		cfg.MinBlobLength = defaults.MinBlobLength
	}
	if cfg.MinEntropy <= 0 {
		cfg.MinEntropy = defaults.MinEntropy
	}
	if strings.TrimSpace(cfg.TruncateSuffix) == "" {
		cfg.TruncateSuffix = defaults.TruncateSuffix
	}
	return &Sanitizer{
		config:    &cfg,
		base64Run: regexp.MustCompile(fmt.Sprintf(`[A-Za-z0-9+/=_-]{%d,}`, cfg.MinBlobLength)),
		hexRun:    regexp.MustCompile(fmt.Sprintf(`[0-9a-fA-F]{%d,}`, cfg.MinBlobLength)),
	}
}

// Apply sanitizes one tool result.
func (s *Sanitizer) Apply(result models.ToolResult) models.ToolResult {
	result.Content = s.Sanitize(result.Content)
	return result
}

// ApplyAll sanitizes a slice of results in place, preserving order.
func (s *Sanitizer) ApplyAll(results []models.ToolResult) []models.ToolResult {
	for i := range results {
		results[i] = s.Apply(results[i])
	}
	return results
}

// Sanitize redacts high-entropy runs and then truncates oversized content.
func (s *Sanitizer) Sanitize(content string) string {
	if content == "" {
		return content
	}

	content = s.redactRuns(content, s.hexRun)
	content = s.redactRuns(content, s.base64Run)

	if len(content) > s.config.MaxBytes && !strings.HasSuffix(content, s.config.TruncateSuffix) {
		cut := s.config.MaxBytes
		// Avoid splitting a UTF-8 sequence mid-rune.
		for cut > 0 && content[cut]&0xC0 == 0x80 {
			cut--
		}
		content = content[:cut] + s.config.TruncateSuffix
	}
	return content
}

func (s *Sanitizer) redactRuns(content string, re *regexp.Regexp) string {
	return re.ReplaceAllStringFunc(content, func(run string) string {
		if shannonEntropy(run) < s.config.MinEntropy {
			return run
		}
		return fmt.Sprintf("[redacted %d bytes]", len(run))
	})
}

// shannonEntropy returns bits of entropy per byte of the input.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	var counts [256]int
	for i := 0; i < len(s); i++ {
		counts[s[i]]++
	}
	entropy := 0.0
	length := float64(len(s))
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / length
		entropy -= p * math.Log2(p)
	}
	return entropy
}
