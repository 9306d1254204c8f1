package models

import "time"

// AgentEventType identifies the kind of agent event.
type AgentEventType string

const (
	// Turn lifecycle
	AgentEventTurnStarted  AgentEventType = "turn.started"
	AgentEventTurnFinished AgentEventType = "turn.finished"
	AgentEventTurnError    AgentEventType = "turn.error"
	AgentEventTurnLimit    AgentEventType = "turn.limit_reached"

	// Iteration lifecycle
	AgentEventIterStarted  AgentEventType = "iter.started"
	AgentEventIterFinished AgentEventType = "iter.finished"

	// Model streaming
	AgentEventTextDelta     AgentEventType = "model.text_delta"
	AgentEventThinkingDelta AgentEventType = "model.thinking_delta"
	AgentEventModelDone     AgentEventType = "model.done"

	// Tool execution
	AgentEventToolStarted  AgentEventType = "tool.started"
	AgentEventToolFinished AgentEventType = "tool.finished"
	AgentEventToolBlocked  AgentEventType = "tool.blocked"

	// History maintenance
	AgentEventCompaction AgentEventType = "history.compacted"
)

// AgentEvent is the unified event model emitted to sinks during a turn.
// The engine does not know whether the sink is a socket, a test harness,
// or a log.
//
// Exactly one payload field is set for a given Type. Sequence is monotonic
// within a turn so consumers can re-establish ordering.
type AgentEvent struct {
	Type      AgentEventType `json:"type"`
	Time      time.Time      `json:"time"`
	Sequence  uint64         `json:"seq"`
	SessionID string         `json:"session_id,omitempty"`
	Iteration int            `json:"iteration,omitempty"`

	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	Usage      *Usage      `json:"usage,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Err        string      `json:"error,omitempty"`
}
