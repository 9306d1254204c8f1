package engine

import (
	"errors"
	"fmt"
	"strings"
)

// FailoverReason categorizes why a provider request failed, driving retry
// and turn-level recovery decisions.
type FailoverReason string

const (
	// FailoverRateLimit indicates rate limiting (HTTP 429)
	FailoverRateLimit FailoverReason = "rate_limit"

	// FailoverAuth indicates authentication failure (HTTP 401, 403)
	FailoverAuth FailoverReason = "auth"

	// FailoverTimeout indicates request timeout
	FailoverTimeout FailoverReason = "timeout"

	// FailoverServerError indicates server-side issues (HTTP 5xx)
	FailoverServerError FailoverReason = "server_error"

	// FailoverInvalidRequest indicates client-side issues (HTTP 400)
	FailoverInvalidRequest FailoverReason = "invalid_request"

	// FailoverContextExceeded indicates the request overflowed the
	// model's context window. The only turn-level retryable class:
	// the runner compacts history and retries the turn once.
	FailoverContextExceeded FailoverReason = "context_exceeded"

	// FailoverUnknown indicates an unclassified error
	FailoverUnknown FailoverReason = "unknown"
)

// IsTransportRetryable reports whether an adapter-level retry (same
// request, backoff) may succeed.
func (r FailoverReason) IsTransportRetryable() bool {
	switch r {
	case FailoverRateLimit, FailoverTimeout, FailoverServerError:
		return true
	default:
		return false
	}
}

// ProviderError is a structured error from an LLM provider with the context
// needed for retry and recovery decisions.
type ProviderError struct {
	Reason    FailoverReason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a ProviderError classified from the cause.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   FailoverUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = classifyProviderError(cause.Error())
	}
	return err
}

// WithStatus sets the HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	switch {
	case status == 429:
		e.Reason = FailoverRateLimit
	case status == 401 || status == 403:
		e.Reason = FailoverAuth
	case status >= 500:
		e.Reason = FailoverServerError
	case status == 400:
		// 400 covers both malformed requests and context overflow;
		// keep a context-exceeded classification if already set.
		if e.Reason != FailoverContextExceeded {
			e.Reason = FailoverInvalidRequest
		}
	}
	return e
}

// WithCode sets the provider-specific error code and reclassifies
// context-window overflows from it.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if matchesAny(strings.ToLower(code), defaultContextExceededPatterns) {
		e.Reason = FailoverContextExceeded
	}
	return e
}

// WithMessage sets the human-readable message and reclassifies
// context-window overflows from it.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	if matchesAny(strings.ToLower(msg), defaultContextExceededPatterns) {
		e.Reason = FailoverContextExceeded
	}
	return e
}

// WithRequestID sets the provider request ID for debugging.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// GetProviderError extracts a ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// defaultContextExceededPatterns are the phrasings providers use for
// context-window overflow. The set is deliberately extensible via
// RetryClassifier: new providers phrase this differently.
var defaultContextExceededPatterns = []string{
	"context_length_exceeded",
	"context length",
	"maximum context length",
	"prompt is too long",
	"input is too long",
	"context window",
}

func matchesAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func classifyProviderError(msg string) FailoverReason {
	lower := strings.ToLower(msg)
	if matchesAny(lower, defaultContextExceededPatterns) {
		return FailoverContextExceeded
	}
	if strings.Contains(lower, "rate limit") || strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "429") || strings.Contains(lower, "too many requests") {
		return FailoverRateLimit
	}
	if strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded") {
		return FailoverTimeout
	}
	if strings.Contains(lower, "unauthorized") || strings.Contains(lower, "forbidden") ||
		strings.Contains(lower, "invalid api key") || strings.Contains(lower, "authentication") {
		return FailoverAuth
	}
	if strings.Contains(lower, "internal server error") || strings.Contains(lower, "bad gateway") ||
		strings.Contains(lower, "service unavailable") || strings.Contains(lower, "overloaded") {
		return FailoverServerError
	}
	return FailoverUnknown
}

// RetryClassifier decides whether a provider error is eligible for the
// turn-level compaction-and-retry. Detection is heuristic (pattern-matched
// from provider error text), so deployments can extend the pattern set
// without code changes.
type RetryClassifier struct {
	// ExtraPatterns supplements the built-in context-exceeded patterns.
	// Matched case-insensitively as substrings.
	ExtraPatterns []string
}

// IsContextExceeded reports whether err represents a context-window
// overflow eligible for compaction-and-retry.
func (c *RetryClassifier) IsContextExceeded(err error) bool {
	if err == nil {
		return false
	}
	if providerErr, ok := GetProviderError(err); ok && providerErr.Reason == FailoverContextExceeded {
		return true
	}
	lower := strings.ToLower(err.Error())
	if matchesAny(lower, defaultContextExceededPatterns) {
		return true
	}
	if c != nil {
		for _, p := range c.ExtraPatterns {
			if p != "" && strings.Contains(lower, strings.ToLower(p)) {
				return true
			}
		}
	}
	return false
}
