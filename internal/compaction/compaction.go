// Package compaction shortens conversation history when it overflows the
// model's context window. The primary strategy summarizes the head of the
// conversation with a model call; when that fails, a deterministic
// head-drop keeps the turn alive.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/relaybot/relay/internal/engine"
	"github.com/relaybot/relay/pkg/models"
)

// Config configures the compactor.
type Config struct {
	// KeepTail is how many trailing messages survive verbatim.
	// Default: 8.
	KeepTail int

	// SummaryModel is the model used for summarization. Empty means the
	// provider default.
	SummaryModel string

	// SummaryMaxTokens bounds the summary length. Default: 1024.
	SummaryMaxTokens int

	// SummaryPrompt overrides the default summarization instruction.
	SummaryPrompt string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		KeepTail:         8,
		SummaryMaxTokens: 1024,
	}
}

const defaultSummaryPrompt = "Summarize the conversation so far for an AI " +
	"assistant resuming it. Preserve decisions, open tasks, facts, and tool " +
	"outcomes the assistant will need. Be concise."

// Compactor implements engine.Compactor: summarize the head of the history
// with a model call, keep the tail verbatim. When the summarizer provider
// is unset or fails, fall back to deterministically dropping the head.
type Compactor struct {
	provider engine.Provider
	config   *Config
	logger   *slog.Logger
}

// New creates a compactor. Provider may be nil, in which case only the
// head-drop fallback is used.
func New(provider engine.Provider, config *Config) *Compactor {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	defaults := DefaultConfig()
	if cfg.KeepTail <= 0 {
		cfg.KeepTail = defaults.KeepTail
	}
	if cfg.SummaryMaxTokens <= 0 {
		cfg.SummaryMaxTokens = defaults.SummaryMaxTokens
	}
	if strings.TrimSpace(cfg.SummaryPrompt) == "" {
		cfg.SummaryPrompt = defaultSummaryPrompt
	}
	return &Compactor{
		provider: provider,
		config:   &cfg,
		logger:   slog.Default().With("component", "compaction"),
	}
}

// Compact returns a shorter history. The result is always strictly shorter
// than the input when the input exceeds the tail size; otherwise the input
// is returned unchanged.
func (c *Compactor) Compact(ctx context.Context, history []*models.Message) ([]*models.Message, error) {
	if len(history) <= c.config.KeepTail {
		return history, nil
	}

	head := history[:len(history)-c.config.KeepTail]
	tail := history[len(history)-c.config.KeepTail:]

	summary, err := c.summarize(ctx, head)
	if err != nil {
		c.logger.Warn("summarization failed, dropping head instead", "error", err)
		return c.dropHead(history), nil
	}

	out := make([]*models.Message, 0, len(tail)+1)
	out = append(out, summary)
	out = append(out, tail...)
	return out, nil
}

// summarize produces one system message condensing the head messages.
func (c *Compactor) summarize(ctx context.Context, head []*models.Message) (*models.Message, error) {
	if c.provider == nil {
		return nil, errors.New("no summarizer provider")
	}

	transcript := renderTranscript(head)
	req := &engine.Request{
		Model:  c.config.SummaryModel,
		System: c.config.SummaryPrompt,
		Messages: []models.Message{{
			Role:    models.RoleUser,
			Content: transcript,
		}},
		MaxTokens: c.config.SummaryMaxTokens,
	}

	stream, err := c.provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for event := range stream {
		switch event.Type {
		case engine.EventTextDelta:
			text.WriteString(event.Text)
		case engine.EventError:
			return nil, event.Err
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return nil, errors.New("empty summary")
	}

	return &models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleSystem,
		Content:   "[Earlier conversation, summarized]\n" + text.String(),
		Metadata:  map[string]any{"compaction_summary": true},
		CreatedAt: time.Now(),
	}, nil
}

// dropHead removes the oldest half of the history, never cutting between
// an assistant tool-call message and its tool results.
func (c *Compactor) dropHead(history []*models.Message) []*models.Message {
	cut := len(history) / 2
	if cut < 1 {
		cut = 1
	}
	// A tool message must follow its requesting assistant message.
	for cut < len(history) && history[cut].Role == models.RoleTool {
		cut++
	}
	if cut >= len(history) {
		cut = len(history) - 1
	}
	return history[cut:]
}

func renderTranscript(msgs []*models.Message) string {
	var b strings.Builder
	for _, msg := range msgs {
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		if msg.Content != "" {
			b.WriteString(msg.Content)
		}
		for _, call := range msg.ToolCalls {
			fmt.Fprintf(&b, "[called tool %s]", call.Name)
		}
		for _, result := range msg.ToolResults {
			status := "ok"
			if result.IsError {
				status = "error"
			}
			fmt.Fprintf(&b, "[tool result %s: %s]", status, truncate(result.Content, 400))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
