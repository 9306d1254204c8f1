// Package engine implements the agent execution engine: the runtime that
// drives one conversational turn from user message to final answer. It
// normalizes provider streaming protocols into a canonical event model,
// reassembles streamed tool calls, gates every call through the hook layer,
// executes approved calls concurrently, and delegates to sub-agents.
package engine

import "github.com/relaybot/relay/pkg/models"

// StreamEventType identifies a canonical stream event.
type StreamEventType string

const (
	// EventTextDelta carries a fragment of assistant text.
	EventTextDelta StreamEventType = "text_delta"

	// EventThinkingDelta carries a fragment of reasoning text.
	EventThinkingDelta StreamEventType = "thinking_delta"

	// EventToolCallStart announces a new tool call at a provider stream index.
	EventToolCallStart StreamEventType = "tool_call_start"

	// EventToolCallDelta carries an argument fragment for a started call.
	EventToolCallDelta StreamEventType = "tool_call_delta"

	// EventToolCallComplete freezes the call at the given stream index.
	EventToolCallComplete StreamEventType = "tool_call_complete"

	// EventDone terminates the stream with cumulative token usage.
	EventDone StreamEventType = "done"

	// EventError terminates the stream with an error.
	EventError StreamEventType = "error"
)

// StreamEvent is the vendor-neutral event every provider adapter produces.
// A well-formed stream is a sequence of events terminated by exactly one
// Done or Error.
//
// StreamIndex is the provider's own positional numbering of content blocks.
// It is NOT the logical position of the call within the turn's tool-call
// list: a text block may occupy index 0 while the turn's only tool call sits
// at index 1. The Accumulator owns the translation.
type StreamEvent struct {
	Type StreamEventType

	// Text is set for text and thinking deltas.
	Text string

	// ToolID and ToolName are set on ToolCallStart.
	ToolID   string
	ToolName string

	// StreamIndex correlates start/delta/complete events for one call.
	StreamIndex int

	// Fragment is an argument fragment, set on ToolCallDelta.
	Fragment string

	// Usage is set on Done with cumulative usage for the model call.
	Usage models.Usage

	// Err is set on Error.
	Err error
}

// TextDelta constructs a text delta event.
func TextDelta(text string) StreamEvent {
	return StreamEvent{Type: EventTextDelta, Text: text}
}

// ThinkingDelta constructs a thinking delta event.
func ThinkingDelta(text string) StreamEvent {
	return StreamEvent{Type: EventThinkingDelta, Text: text}
}

// ToolCallStart constructs a tool call start event.
func ToolCallStart(id, name string, streamIndex int) StreamEvent {
	return StreamEvent{Type: EventToolCallStart, ToolID: id, ToolName: name, StreamIndex: streamIndex}
}

// ToolCallDelta constructs an argument fragment event.
func ToolCallDelta(streamIndex int, fragment string) StreamEvent {
	return StreamEvent{Type: EventToolCallDelta, StreamIndex: streamIndex, Fragment: fragment}
}

// ToolCallComplete constructs a completion event for a stream index.
func ToolCallComplete(streamIndex int) StreamEvent {
	return StreamEvent{Type: EventToolCallComplete, StreamIndex: streamIndex}
}

// Done constructs a terminal event carrying usage.
func Done(usage models.Usage) StreamEvent {
	return StreamEvent{Type: EventDone, Usage: usage}
}

// ErrorEvent constructs a terminal error event.
func ErrorEvent(err error) StreamEvent {
	return StreamEvent{Type: EventError, Err: err}
}
