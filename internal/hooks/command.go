package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// commandOutput is the optional JSON an external handler may print on
// stdout when it exits 0. Absent or empty stdout means plain continue.
type commandOutput struct {
	Decision string   `json:"decision,omitempty"`
	Payload  *Payload `json:"payload,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// CommandHandler runs an external program as a hook handler. The payload is
// written to the process as JSON on stdin. Exit 0 means continue; if stdout
// holds a JSON object with a "payload" field, the outcome is a modify
// carrying that payload. Exit 1 means block, with the reason read from
// stderr (or stdout as a fallback). Any other exit code is a handler error
// and counts toward the breaker.
type CommandHandler struct {
	Name    string
	Command string
	Args    []string
	Env     []string
	Dir     string
}

// NewCommandHandler creates a handler running the given command.
func NewCommandHandler(name, command string, args ...string) *CommandHandler {
	return &CommandHandler{Name: name, Command: command, Args: args}
}

// ID returns the handler name, falling back to the command path.
func (h *CommandHandler) ID() string {
	if h.Name != "" {
		return h.Name
	}
	return h.Command
}

// Handle runs the command with the payload on stdin. The context carries
// the gate's per-invocation timeout; exec.CommandContext kills the process
// when it expires.
func (h *CommandHandler) Handle(ctx context.Context, payload *Payload) (Outcome, error) {
	input, err := json.Marshal(payload)
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal hook payload: %w", err)
	}

	cmd := exec.CommandContext(ctx, h.Command, h.Args...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Dir = h.Dir
	if len(h.Env) > 0 {
		cmd.Env = h.Env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runErr == nil {
		return h.parseContinue(stdout.Bytes())
	}

	if ctx.Err() != nil {
		return Outcome{}, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) && exitErr.ExitCode() == 1 {
		reason := strings.TrimSpace(stderr.String())
		if reason == "" {
			reason = strings.TrimSpace(stdout.String())
		}
		if reason == "" {
			reason = fmt.Sprintf("blocked by %s", h.ID())
		}
		return Block(reason), nil
	}

	return Outcome{}, fmt.Errorf("hook command %s: %w (stderr: %s)",
		h.ID(), runErr, strings.TrimSpace(stderr.String()))
}

// parseContinue interprets a zero-exit handler's stdout.
func (h *CommandHandler) parseContinue(stdout []byte) (Outcome, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return Continue(), nil
	}
	var out commandOutput
	if err := json.Unmarshal(trimmed, &out); err != nil {
		// Non-JSON stdout from a successful handler is informational.
		return Continue(), nil
	}
	switch out.Decision {
	case string(DecisionBlock):
		return Block(out.Reason), nil
	case string(DecisionModify):
		if out.Payload != nil {
			return Modify(out.Payload), nil
		}
		return Continue(), nil
	default:
		if out.Payload != nil {
			return Modify(out.Payload), nil
		}
		return Continue(), nil
	}
}
