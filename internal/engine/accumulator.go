package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relaybot/relay/pkg/models"
)

// Accumulator reassembles fragmented streaming tool-call events into
// complete, parseable invocations.
//
// Providers index deltas by their own streaming position. That index is not
// the call's position in the turn's logical tool-call list: a text block can
// occupy stream index 0 while the only tool call of the turn sits at stream
// index 1 and logical position 0. The accumulator maintains the explicit
// streamIndex -> logical position mapping, established the first time each
// index is seen via a start event, and never assumes the index is a slice
// position.
//
// An Accumulator is used by a single goroutine per turn; it is not safe for
// concurrent use.
type Accumulator struct {
	byStreamIndex map[int]int
	calls         []*pendingCall
}

type pendingCall struct {
	id     string
	name   string
	args   strings.Builder
	frozen bool
}

// AccumulatedCall is one finalized tool call. If the accumulated argument
// string was not valid JSON, Err carries a structured parse failure and
// Call.Input is unset.
type AccumulatedCall struct {
	Call models.ToolCall
	Err  error
}

// NewAccumulator returns an empty accumulator for one model call.
func NewAccumulator() *Accumulator {
	return &Accumulator{byStreamIndex: make(map[int]int)}
}

// Start registers a new tool call at the given provider stream index.
// Starting the same index twice is a protocol violation.
func (a *Accumulator) Start(id, name string, streamIndex int) error {
	if _, ok := a.byStreamIndex[streamIndex]; ok {
		return fmt.Errorf("duplicate tool call start for stream index %d", streamIndex)
	}
	a.byStreamIndex[streamIndex] = len(a.calls)
	a.calls = append(a.calls, &pendingCall{id: id, name: name})
	return nil
}

// Append adds an argument fragment, in event arrival order, to the call at
// the given stream index.
func (a *Accumulator) Append(streamIndex int, fragment string) error {
	call, err := a.lookup(streamIndex)
	if err != nil {
		return err
	}
	if call.frozen {
		return fmt.Errorf("argument fragment after completion for stream index %d", streamIndex)
	}
	call.args.WriteString(fragment)
	return nil
}

// Complete freezes the call at the given stream index. Further fragments
// for the index are rejected.
func (a *Accumulator) Complete(streamIndex int) error {
	call, err := a.lookup(streamIndex)
	if err != nil {
		return err
	}
	call.frozen = true
	return nil
}

func (a *Accumulator) lookup(streamIndex int) (*pendingCall, error) {
	pos, ok := a.byStreamIndex[streamIndex]
	if !ok {
		return nil, fmt.Errorf("no tool call started at stream index %d", streamIndex)
	}
	return a.calls[pos], nil
}

// Len returns the number of logical tool calls seen so far.
func (a *Accumulator) Len() int {
	return len(a.calls)
}

// Finalize parses every accumulated call and returns them in logical order.
// Malformed argument JSON produces a per-call error, never a panic; an
// empty argument string parses as an empty object.
func (a *Accumulator) Finalize() []AccumulatedCall {
	if len(a.calls) == 0 {
		return nil
	}
	out := make([]AccumulatedCall, len(a.calls))
	for i, call := range a.calls {
		args := call.args.String()
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		acc := AccumulatedCall{Call: models.ToolCall{ID: call.id, Name: call.name}}
		if !json.Valid([]byte(args)) {
			acc.Err = &ArgumentParseError{
				ToolCallID: call.id,
				ToolName:   call.name,
				Raw:        args,
			}
		} else {
			acc.Call.Input = json.RawMessage(args)
		}
		out[i] = acc
	}
	return out
}

// ArgumentParseError reports that a tool call's accumulated arguments were
// not valid JSON. It is fed back to the model as a failed tool result, not
// treated as a fatal turn error.
type ArgumentParseError struct {
	ToolCallID string
	ToolName   string
	Raw        string
}

// Error implements the error interface.
func (e *ArgumentParseError) Error() string {
	raw := e.Raw
	if len(raw) > 200 {
		raw = raw[:200] + "..."
	}
	return fmt.Sprintf("tool %s: malformed argument JSON: %q", e.ToolName, raw)
}
