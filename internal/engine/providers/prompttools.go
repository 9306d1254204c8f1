package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/relaybot/relay/internal/engine"
)

// PromptToolAdapter grafts tool calling onto a provider without native
// support. Tool schemas are injected into the system prompt and the model
// is instructed to emit fenced tool_call JSON blocks, which the adapter
// parses out of the text stream and re-emits as canonical tool-call
// events. Callers cannot tell which mode is active: the adapter reports
// SupportsTools true and produces the same event vocabulary as a native
// adapter.
type PromptToolAdapter struct {
	inner engine.Provider
}

// NewPromptToolAdapter wraps a provider. Wrapping a natively tool-capable
// provider is harmless but pointless; WrapProvider picks automatically.
func NewPromptToolAdapter(inner engine.Provider) *PromptToolAdapter {
	return &PromptToolAdapter{inner: inner}
}

// WrapProvider returns the provider itself when it supports tools natively,
// or a PromptToolAdapter around it when it does not.
func WrapProvider(p engine.Provider) engine.Provider {
	if p.SupportsTools() {
		return p
	}
	return NewPromptToolAdapter(p)
}

// Name returns the inner provider's identifier.
func (a *PromptToolAdapter) Name() string {
	return a.inner.Name()
}

// SupportsTools always reports true; that is the point of the adapter.
func (a *PromptToolAdapter) SupportsTools() bool {
	return true
}

// Models returns the inner provider's models.
func (a *PromptToolAdapter) Models() []engine.ModelInfo {
	return a.inner.Models()
}

const promptToolInstructions = `You can call tools. To call a tool, emit a fenced block exactly like:

` + "```tool_call" + `
{"name": "<tool name>", "arguments": {<json arguments>}}
` + "```" + `

Emit one block per call. Do not describe the call in prose; emit the block and stop.

Available tools:
`

// Stream injects tool instructions, then filters the text stream: fenced
// tool_call blocks become canonical tool-call events, everything else
// passes through as text deltas.
func (a *PromptToolAdapter) Stream(ctx context.Context, req *engine.Request) (<-chan engine.StreamEvent, error) {
	inner := *req
	if len(req.Tools) > 0 {
		inner.System = buildPromptToolSystem(req.System, req.Tools)
		inner.Tools = nil
	}

	upstream, err := a.inner.Stream(ctx, &inner)
	if err != nil {
		return nil, err
	}

	events := make(chan engine.StreamEvent)
	go func() {
		defer close(events)
		parser := newFenceParser(ctx, events)
		for event := range upstream {
			switch event.Type {
			case engine.EventTextDelta:
				parser.feed(event.Text)
			case engine.EventDone:
				parser.flush()
				parser.emit(engine.Done(event.Usage))
			default:
				events <- event
			}
		}
	}()

	return events, nil
}

func buildPromptToolSystem(system string, tools []engine.ToolSchema) string {
	var b strings.Builder
	if system != "" {
		b.WriteString(system)
		b.WriteString("\n\n")
	}
	b.WriteString(promptToolInstructions)
	for _, tool := range tools {
		fmt.Fprintf(&b, "- %s: %s\n  schema: %s\n", tool.Name, tool.Description, string(tool.Schema))
	}
	return b.String()
}

// promptCall is the JSON shape the model emits inside a tool_call fence.
type promptCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// fenceParser splits a text stream into passthrough text and fenced
// tool_call blocks. It buffers only the current line: text streams out
// line by line, so a fence opener is always seen as a complete line.
type fenceParser struct {
	ctx     context.Context
	events  chan<- engine.StreamEvent
	line    strings.Builder
	block   strings.Builder
	inBlock bool
	nextIdx int
}

func newFenceParser(ctx context.Context, events chan<- engine.StreamEvent) *fenceParser {
	return &fenceParser{ctx: ctx, events: events}
}

func (p *fenceParser) feed(text string) {
	for _, r := range text {
		p.line.WriteRune(r)
		if r == '\n' {
			p.consumeLine(p.line.String())
			p.line.Reset()
		}
	}
}

func (p *fenceParser) consumeLine(line string) {
	trimmed := strings.TrimSpace(line)
	switch {
	case !p.inBlock && trimmed == "```tool_call":
		p.inBlock = true
		p.block.Reset()
	case p.inBlock && trimmed == "```":
		p.inBlock = false
		p.emitCall(p.block.String())
	case p.inBlock:
		p.block.WriteString(line)
	default:
		p.emit(engine.TextDelta(line))
	}
}

// flush drains buffered state at end of stream. An unterminated block is
// passed through as text so nothing the model said is silently dropped.
func (p *fenceParser) flush() {
	if p.inBlock {
		p.emit(engine.TextDelta("```tool_call\n" + p.block.String()))
		p.inBlock = false
	}
	if p.line.Len() > 0 {
		if strings.TrimSpace(p.line.String()) != "" {
			p.emit(engine.TextDelta(p.line.String()))
		}
		p.line.Reset()
	}
}

// emitCall parses one fenced block and emits the canonical event triple.
// A malformed block becomes a tool call with unparseable arguments so the
// failure surfaces as a per-call result rather than a dropped block.
func (p *fenceParser) emitCall(body string) {
	index := p.nextIdx
	p.nextIdx++

	var call promptCall
	if err := json.Unmarshal([]byte(body), &call); err != nil || call.Name == "" {
		p.emit(engine.ToolCallStart(uuid.NewString(), "unknown", index))
		p.emit(engine.ToolCallDelta(index, strings.TrimSpace(body)))
		p.emit(engine.ToolCallComplete(index))
		return
	}

	p.emit(engine.ToolCallStart(uuid.NewString(), call.Name, index))
	if len(call.Arguments) > 0 {
		p.emit(engine.ToolCallDelta(index, string(call.Arguments)))
	}
	p.emit(engine.ToolCallComplete(index))
}

func (p *fenceParser) emit(e engine.StreamEvent) {
	select {
	case p.events <- e:
	case <-p.ctx.Done():
	}
}
