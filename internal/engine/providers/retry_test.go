package providers

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/relaybot/relay/internal/engine"
)

func TestRetryAfterStreamError(t *testing.T) {
	overloaded := engine.NewProviderError("anthropic", "m", errors.New("overloaded")).WithStatus(529)
	rateLimited := engine.NewProviderError("anthropic", "m", errors.New("slow down")).WithStatus(429)
	badRequest := engine.NewProviderError("anthropic", "m", errors.New("bad tool schema")).WithStatus(400)

	tests := []struct {
		name    string
		emitted bool
		err     error
		want    bool
	}{
		{"server error before any event", false, overloaded, true},
		{"rate limit before any event", false, rateLimited, true},
		{"server error after events flowed", true, overloaded, false},
		{"rate limit after events flowed", true, rateLimited, false},
		{"invalid request", false, badRequest, false},
		{"unclassified error", false, errors.New("plain failure"), false},
		{"wrapped provider error", false, fmt.Errorf("call: %w", overloaded), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryAfterStreamError(tt.emitted, tt.err); got != tt.want {
				t.Errorf("retryAfterStreamError(%v, %v) = %v, want %v", tt.emitted, tt.err, got, tt.want)
			}
		})
	}
}

// The terminal error send must not block when the consumer abandoned the
// stream; both adapters route it through the ctx-guarded emit.
func TestTerminalEmitReturnsWhenConsumerGone(t *testing.T) {
	anthropicProvider, err := NewAnthropicProvider(AnthropicConfig{APIKey: "k"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}
	openaiProvider, err := NewOpenAIProvider(OpenAIConfig{APIKey: "k"})
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	emits := map[string]func(chan engine.StreamEvent){
		"anthropic": func(ch chan engine.StreamEvent) {
			anthropicProvider.emit(ctx, ch, engine.ErrorEvent(errors.New("boom")))
		},
		"openai": func(ch chan engine.StreamEvent) {
			openaiProvider.emit(ctx, ch, engine.ErrorEvent(errors.New("boom")))
		},
	}
	for name, emit := range emits {
		t.Run(name, func(t *testing.T) {
			// Unbuffered channel with no reader: only the context guard
			// lets the send return.
			ch := make(chan engine.StreamEvent)
			done := make(chan struct{})
			go func() {
				emit(ch)
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("terminal emit blocked with no consumer")
			}
		})
	}
}
