// Package providers implements the engine.Provider interface for concrete
// LLM backends. Each adapter translates its vendor streaming protocol into
// the canonical StreamEvent vocabulary; protocol details never leak past
// the Provider boundary.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/relaybot/relay/internal/engine"
	"github.com/relaybot/relay/pkg/models"
)

// AnthropicConfig holds configuration for the Anthropic adapter.
type AnthropicConfig struct {
	// APIKey is the Anthropic API authentication key (required).
	APIKey string

	// BaseURL overrides the default API base URL.
	BaseURL string

	// MaxRetries sets transport retry attempts for transient failures.
	// Default: 3.
	MaxRetries int

	// RetryDelay is the base delay between retries, doubled per attempt.
	// Default: 1s.
	RetryDelay time.Duration

	// DefaultModel is used when a request does not specify one.
	DefaultModel string
}

// AnthropicProvider adapts the Anthropic Messages API to the canonical
// stream model. Content blocks arrive indexed by provider position; the
// adapter forwards that index untouched so the accumulator owns the
// stream-index to logical-position mapping.
//
// Safe for concurrent use; each Stream call owns an independent goroutine.
type AnthropicProvider struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// NewAnthropicProvider creates an Anthropic adapter.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
	}, nil
}

// Name returns the stable provider identifier.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// SupportsTools reports native tool calling support.
func (p *AnthropicProvider) SupportsTools() bool {
	return true
}

// Models returns available Claude models.
func (p *AnthropicProvider) Models() []engine.ModelInfo {
	return []engine.ModelInfo{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextSize: 200000},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", ContextSize: 200000},
	}
}

// Stream sends a request and returns the canonical event stream.
func (p *AnthropicProvider) Stream(ctx context.Context, req *engine.Request) (<-chan engine.StreamEvent, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	events := make(chan engine.StreamEvent)
	go func() {
		defer close(events)

		model := p.getModel(req.Model)
		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		var lastErr error
		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					p.emit(ctx, events, engine.ErrorEvent(ctx.Err()))
					return
				case <-time.After(p.retryDelay * time.Duration(1<<uint(attempt-1))):
				}
			}

			stream = p.client.Messages.NewStreaming(ctx, params)
			emitted, err := p.processStream(ctx, stream, events, model)
			if err == nil {
				return
			}
			lastErr = err
			if !retryAfterStreamError(emitted, err) {
				break
			}
		}
		p.emit(ctx, events, engine.ErrorEvent(lastErr))
	}()

	return events, nil
}

// processStream consumes one SSE stream, emitting canonical events. A nil
// error means the stream terminated with Done. On failure it reports
// whether any event already reached the consumer: once one has, the caller
// must not retry, since replaying the response would duplicate deltas the
// runner already accumulated.
func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- engine.StreamEvent, model string) (bool, error) {
	var usage models.Usage
	emitted := false
	send := func(e engine.StreamEvent) {
		emitted = true
		p.emit(ctx, events, e)
	}
	toolBlocks := make(map[int]bool)

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			usage.InputTokens = int(messageStart.Message.Usage.InputTokens)

		case "content_block_start":
			blockStart := event.AsContentBlockStart()
			if blockStart.ContentBlock.Type == "tool_use" {
				toolUse := blockStart.ContentBlock.AsToolUse()
				index := int(blockStart.Index)
				toolBlocks[index] = true
				send(engine.ToolCallStart(toolUse.ID, toolUse.Name, index))
			}

		case "content_block_delta":
			blockDelta := event.AsContentBlockDelta()
			switch blockDelta.Delta.Type {
			case "text_delta":
				if blockDelta.Delta.Text != "" {
					send(engine.TextDelta(blockDelta.Delta.Text))
				}
			case "thinking_delta":
				if blockDelta.Delta.Thinking != "" {
					send(engine.ThinkingDelta(blockDelta.Delta.Thinking))
				}
			case "input_json_delta":
				if blockDelta.Delta.PartialJSON != "" {
					send(engine.ToolCallDelta(int(blockDelta.Index), blockDelta.Delta.PartialJSON))
				}
			}

		case "content_block_stop":
			blockStop := event.AsContentBlockStop()
			index := int(blockStop.Index)
			if toolBlocks[index] {
				send(engine.ToolCallComplete(index))
				delete(toolBlocks, index)
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(messageDelta.Usage.OutputTokens)
			}

		case "message_stop":
			send(engine.Done(usage))
			return emitted, nil
		}
	}

	if err := stream.Err(); err != nil {
		return emitted, p.wrapError(err, model)
	}
	// Stream ended without message_stop; treat as done with what we have.
	send(engine.Done(usage))
	return emitted, nil
}

func (p *AnthropicProvider) emit(ctx context.Context, events chan<- engine.StreamEvent, e engine.StreamEvent) {
	select {
	case events <- e:
	case <-ctx.Done():
	}
}

func (p *AnthropicProvider) buildParams(req *engine.Request) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.getModel(req.Model)),
		Messages:  messages,
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}

	return params, nil
}

// convertAnthropicMessages maps history to the Anthropic content-block
// format. System messages are skipped (carried via params.System); tool
// role messages fold into user messages carrying tool_result blocks.
func convertAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, toolResult := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(
				toolResult.ToolCallID,
				toolResult.Content,
				toolResult.IsError,
			))
		}
		for _, toolCall := range msg.ToolCalls {
			var input map[string]interface{}
			if err := json.Unmarshal(toolCall.Input, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(toolCall.ID, input, toolCall.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertAnthropicTools(tools []engine.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func maxTokensOrDefault(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := engine.GetProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr := engine.NewProviderError("anthropic", model, err).
			WithRequestID(apiErr.RequestID)

		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					providerErr = providerErr.WithMessage(payload.Error.Message)
				}
				if payload.Error.Type != "" {
					providerErr = providerErr.WithCode(payload.Error.Type)
				}
				if payload.RequestID != "" {
					providerErr = providerErr.WithRequestID(payload.RequestID)
				}
			}
		}
		// Message and code run first: a context overflow arrives as a 400
		// whose classification must survive the status defaulting.
		return providerErr.WithStatus(apiErr.StatusCode)
	}

	return engine.NewProviderError("anthropic", model, err)
}
