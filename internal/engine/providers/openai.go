package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/relaybot/relay/internal/engine"
	"github.com/relaybot/relay/pkg/models"
)

// OpenAIConfig holds configuration for the OpenAI adapter.
type OpenAIConfig struct {
	// APIKey is the OpenAI API key (required).
	APIKey string

	// BaseURL overrides the API base URL (Azure, proxies, local servers).
	BaseURL string

	// MaxRetries sets transport retry attempts. Default: 3.
	MaxRetries int

	// RetryDelay is the base delay between retries. Default: 1s.
	RetryDelay time.Duration

	// DefaultModel is used when a request does not specify one.
	DefaultModel string
}

// OpenAIProvider adapts the OpenAI chat-completions API to the canonical
// stream model. Tool-call fragments arrive keyed by the API's own index
// field, which the adapter forwards untouched.
type OpenAIProvider struct {
	client       *openai.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// NewOpenAIProvider creates an OpenAI adapter.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-4o"
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
	}, nil
}

// Name returns the stable provider identifier.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// SupportsTools reports native tool calling support.
func (p *OpenAIProvider) SupportsTools() bool {
	return true
}

// Models returns available models.
func (p *OpenAIProvider) Models() []engine.ModelInfo {
	return []engine.ModelInfo{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000},
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextSize: 128000},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextSize: 128000},
	}
}

// Stream sends a request and returns the canonical event stream.
func (p *OpenAIProvider) Stream(ctx context.Context, req *engine.Request) (<-chan engine.StreamEvent, error) {
	model := p.getModel(req.Model)
	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	events := make(chan engine.StreamEvent)
	go func() {
		defer close(events)

		var stream *openai.ChatCompletionStream
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

			// Only stream creation is retried. Once processStream starts,
			// events are flowing to the consumer and the response runs to
			// whatever end it has.
			stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
			if lastErr == nil {
				p.processStream(ctx, stream, events)
				return
			}

			lastErr = p.wrapError(lastErr, model)
			if !retryAfterStreamError(false, lastErr) {
				break
			}
		}
		p.emit(ctx, events, engine.ErrorEvent(lastErr))
	}()

	return events, nil
}

// processStream consumes the chat-completion stream, emitting canonical
// events. Fragments are forwarded as they arrive; the accumulator
// downstream reassembles them.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, events chan<- engine.StreamEvent) {
	defer stream.Close()

	var usage models.Usage
	started := make(map[int]bool)

	completeAll := func() {
		for index := range started {
			p.emit(ctx, events, engine.ToolCallComplete(index))
		}
		started = make(map[int]bool)
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				completeAll()
				p.emit(ctx, events, engine.Done(usage))
				return
			}
			p.emit(ctx, events, engine.ErrorEvent(p.wrapError(err, "")))
			return
		}

		if response.Usage != nil {
			usage.InputTokens = response.Usage.PromptTokens
			usage.OutputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			p.emit(ctx, events, engine.TextDelta(choice.Delta.Content))
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if !started[index] {
				started[index] = true
				p.emit(ctx, events, engine.ToolCallStart(tc.ID, tc.Function.Name, index))
			}
			if tc.Function.Arguments != "" {
				p.emit(ctx, events, engine.ToolCallDelta(index, tc.Function.Arguments))
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			completeAll()
		}
	}
}

func (p *OpenAIProvider) emit(ctx context.Context, events chan<- engine.StreamEvent, e engine.StreamEvent) {
	select {
	case events <- e:
	case <-ctx.Done():
	}
}

// convertOpenAIMessages maps history to the chat-completion format. The
// system prompt becomes the leading system message; each tool result
// becomes its own tool-role message.
func convertOpenAIMessages(messages []models.Message, system string) []openai.ChatCompletionMessage {
	var result []openai.ChatCompletionMessage
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleTool:
			for _, toolResult := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    toolResult.Content,
					ToolCallID: toolResult.ToolCallID,
				})
			}
		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			result = append(result, oaiMsg)
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return result
}

func convertOpenAITools(tools []engine.ToolSchema) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Schema,
			},
		}
	}
	return result
}

func (p *OpenAIProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := engine.GetProviderError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := engine.NewProviderError("openai", model, err).
			WithMessage(apiErr.Message)
		if code, ok := apiErr.Code.(string); ok {
			providerErr = providerErr.WithCode(code)
		}
		return providerErr.WithStatus(apiErr.HTTPStatusCode)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return engine.NewProviderError("openai", model, err).
			WithMessage(fmt.Sprintf("request failed: %v", reqErr.Err)).
			WithStatus(reqErr.HTTPStatusCode)
	}

	return engine.NewProviderError("openai", model, err)
}
