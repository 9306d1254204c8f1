package engine

import (
	"errors"
	"fmt"
	"testing"
)

func TestProviderErrorStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   FailoverReason
	}{
		{429, FailoverRateLimit},
		{401, FailoverAuth},
		{403, FailoverAuth},
		{500, FailoverServerError},
		{503, FailoverServerError},
		{400, FailoverInvalidRequest},
	}
	for _, tt := range tests {
		err := NewProviderError("anthropic", "m", errors.New("boom")).WithStatus(tt.status)
		if err.Reason != tt.want {
			t.Errorf("status %d: reason = %s, want %s", tt.status, err.Reason, tt.want)
		}
	}
}

// Context overflow arrives as HTTP 400. The message-based classification
// must survive the status defaulting.
func TestProviderErrorContextExceededSurvives400(t *testing.T) {
	err := NewProviderError("anthropic", "m", errors.New("request failed")).
		WithMessage("prompt is too long: 210000 tokens > 200000 maximum").
		WithStatus(400)
	if err.Reason != FailoverContextExceeded {
		t.Errorf("reason = %s, want context_exceeded", err.Reason)
	}

	err = NewProviderError("openai", "m", errors.New("request failed")).
		WithCode("context_length_exceeded").
		WithStatus(400)
	if err.Reason != FailoverContextExceeded {
		t.Errorf("reason from code = %s, want context_exceeded", err.Reason)
	}
}

func TestFailoverReasonTransportRetryable(t *testing.T) {
	retryable := []FailoverReason{FailoverRateLimit, FailoverTimeout, FailoverServerError}
	for _, r := range retryable {
		if !r.IsTransportRetryable() {
			t.Errorf("%s should be transport retryable", r)
		}
	}
	terminal := []FailoverReason{FailoverAuth, FailoverInvalidRequest, FailoverContextExceeded, FailoverUnknown}
	for _, r := range terminal {
		if r.IsTransportRetryable() {
			t.Errorf("%s should not be transport retryable", r)
		}
	}
}

func TestRetryClassifierBuiltinPatterns(t *testing.T) {
	c := &RetryClassifier{}
	if !c.IsContextExceeded(errors.New("this model's maximum context length is 200000 tokens")) {
		t.Error("built-in pattern not matched")
	}
	if c.IsContextExceeded(errors.New("rate limit exceeded")) {
		t.Error("rate limit misclassified as context exceeded")
	}
	if c.IsContextExceeded(nil) {
		t.Error("nil error classified")
	}
}

func TestRetryClassifierExtraPatterns(t *testing.T) {
	c := &RetryClassifier{ExtraPatterns: []string{"token budget exhausted"}}
	if !c.IsContextExceeded(errors.New("Token Budget Exhausted for this request")) {
		t.Error("extra pattern not matched case-insensitively")
	}
}

func TestRetryClassifierStructuredError(t *testing.T) {
	c := &RetryClassifier{}
	inner := NewProviderError("anthropic", "m", errors.New("x"))
	inner.Reason = FailoverContextExceeded
	wrapped := fmt.Errorf("stream failed: %w", inner)
	if !c.IsContextExceeded(wrapped) {
		t.Error("wrapped structured classification not detected")
	}
}
