// Package hooks provides the policy checkpoint layer for the agent engine.
// Every tool invocation and loop boundary passes through a Gate, which
// dispatches registered handlers and enforces per-handler circuit breaking.
package hooks

import (
	"context"

	"github.com/relaybot/relay/pkg/models"
)

// Checkpoint identifies a named point in the agent loop where external
// policy logic may observe, modify, or block.
type Checkpoint string

const (
	// Mutating checkpoints: handlers run sequentially, each seeing the
	// previous handler's (possibly modified) payload; Block halts the
	// chain.
	CheckpointBeforeAgentStart Checkpoint = "before_agent_start"
	CheckpointBeforeToolCall   Checkpoint = "before_tool_call"
	CheckpointBeforeCompaction Checkpoint = "before_compaction"
	CheckpointMessageSending   Checkpoint = "message_sending"

	// Read-only checkpoints: handlers run concurrently; outcomes are
	// observational and cannot alter control flow.
	CheckpointAfterToolCall Checkpoint = "after_tool_call"
	CheckpointAgentEnd      Checkpoint = "agent_end"
	CheckpointSessionStart  Checkpoint = "session_start"
	CheckpointSessionEnd    Checkpoint = "session_end"
)

// Mutating reports whether handlers at this checkpoint may modify or block.
func (c Checkpoint) Mutating() bool {
	switch c {
	case CheckpointBeforeAgentStart, CheckpointBeforeToolCall,
		CheckpointBeforeCompaction, CheckpointMessageSending:
		return true
	default:
		return false
	}
}

// Payload is the JSON-serializable snapshot handed to handlers. The engine
// owns the payload and passes a fresh snapshot each invocation; handlers
// never retain state across calls beyond their breaker counters.
type Payload struct {
	Checkpoint Checkpoint         `json:"checkpoint"`
	SessionID  string             `json:"session_id,omitempty"`
	AgentID    string             `json:"agent_id,omitempty"`
	ToolCall   *models.ToolCall   `json:"tool_call,omitempty"`
	ToolResult *models.ToolResult `json:"tool_result,omitempty"`
	Messages   []models.Message   `json:"messages,omitempty"`
	Context    map[string]any     `json:"context,omitempty"`
}

// Clone returns a shallow-copied payload with its own ToolCall so a
// handler's modification never aliases the caller's copy.
func (p *Payload) Clone() *Payload {
	if p == nil {
		return nil
	}
	cp := *p
	if p.ToolCall != nil {
		tc := *p.ToolCall
		cp.ToolCall = &tc
	}
	if p.ToolResult != nil {
		tr := *p.ToolResult
		cp.ToolResult = &tr
	}
	return &cp
}

// Decision is a handler's verdict at a checkpoint.
type Decision string

const (
	DecisionContinue Decision = "continue"
	DecisionModify   Decision = "modify"
	DecisionBlock    Decision = "block"
)

// Outcome is the result of dispatching a checkpoint.
type Outcome struct {
	Decision Decision

	// Payload carries the replacement payload for DecisionModify.
	Payload *Payload

	// Reason carries the block reason for DecisionBlock.
	Reason string
}

// Continue is the pass-through outcome.
func Continue() Outcome {
	return Outcome{Decision: DecisionContinue}
}

// Modify returns an outcome replacing the payload.
func Modify(p *Payload) Outcome {
	return Outcome{Decision: DecisionModify, Payload: p}
}

// Block returns an outcome halting the gated operation.
func Block(reason string) Outcome {
	return Outcome{Decision: DecisionBlock, Reason: reason}
}

// Handler processes a checkpoint payload within a timeout. Exceeding the
// timeout or returning an error counts toward the handler's circuit
// breaker and is treated as Continue for that invocation (fail-open).
type Handler interface {
	// ID returns a stable identity for breaker scoping and logging.
	ID() string

	// Handle evaluates the payload and returns an outcome.
	Handle(ctx context.Context, payload *Payload) (Outcome, error)
}

// HandlerFunc adapts a function into a Handler.
type HandlerFunc struct {
	Name string
	Fn   func(ctx context.Context, payload *Payload) (Outcome, error)
}

// ID returns the handler name.
func (h *HandlerFunc) ID() string { return h.Name }

// Handle calls the wrapped function.
func (h *HandlerFunc) Handle(ctx context.Context, payload *Payload) (Outcome, error) {
	return h.Fn(ctx, payload)
}

// Priority determines the order handlers are called at a checkpoint
// (lower runs earlier).
type Priority int

const (
	PriorityHighest Priority = 0
	PriorityHigh    Priority = 25
	PriorityNormal  Priority = 50
	PriorityLow     Priority = 75
	PriorityLowest  Priority = 100
)
