package engine

import (
	"context"
	"encoding/json"

	"github.com/relaybot/relay/pkg/models"
)

// Provider defines the capability boundary for Large Language Model backends.
//
// Implementations handle the specifics of a vendor API (SSE, chunked JSON,
// non-streaming) and present the canonical StreamEvent vocabulary to the
// runner. Protocol details must never leak past this interface.
//
// Implementations must be safe for concurrent use; multiple goroutines may
// call Stream simultaneously for different turns.
type Provider interface {
	// Stream sends a request and returns a lazy sequence of canonical
	// events terminated by exactly one Done or Error event. The returned
	// error covers request construction only; transport failures surface
	// as Error events.
	Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error)

	// Name returns the stable lowercase provider identifier.
	Name() string

	// SupportsTools reports whether the backend supports native tool
	// calling. Providers that do not are wrapped so that callers are
	// never aware which mode is active (see providers.PromptToolAdapter).
	SupportsTools() bool

	// Models returns available models.
	Models() []ModelInfo
}

// Request contains all parameters for one model call.
type Request struct {
	// Model specifies which model to use. If empty, the provider's
	// default model is used.
	Model string `json:"model"`

	// System is the system prompt, handled separately from messages.
	System string `json:"system,omitempty"`

	// Messages is the conversation history in chronological order.
	Messages []models.Message `json:"messages"`

	// Tools defines the tool schemas the model may call.
	Tools []ToolSchema `json:"tools,omitempty"`

	// MaxTokens limits the generated response length. 0 means the
	// provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// ToolSchema describes one callable tool to a provider.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// ModelInfo describes an available model and its capabilities.
type ModelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContextSize int    `json:"context_size"`
}
