package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaybot/relay/internal/hooks"
	"github.com/relaybot/relay/internal/observability"
	"github.com/relaybot/relay/internal/sessions"
	"github.com/relaybot/relay/pkg/models"
)

// RunnerConfig configures the turn state machine.
type RunnerConfig struct {
	// MaxIterations limits model calls per turn
	// Default: 25
	MaxIterations int

	// MaxWallTime limits total turn duration
	// Default: 600s
	MaxWallTime time.Duration

	// MaxTokens is the default max tokens for model responses
	// Default: 4096
	MaxTokens int

	// HistoryLimit caps messages loaded from the store per turn (0 = all)
	HistoryLimit int

	// QueueMode controls delivery of messages queued during a turn
	// Default: followup
	QueueMode QueueMode

	// ExecutorConfig configures the parallel tool executor
	ExecutorConfig *ExecutorConfig

	// SanitizerConfig configures tool result sanitization
	SanitizerConfig *SanitizerConfig

	// ContextExceededPatterns supplements the built-in provider error
	// phrasings that trigger compaction-and-retry.
	ContextExceededPatterns []string
}

// DefaultRunnerConfig returns the default runner configuration.
func DefaultRunnerConfig() *RunnerConfig {
	return &RunnerConfig{
		MaxIterations:  25,
		MaxWallTime:    600 * time.Second,
		MaxTokens:      4096,
		QueueMode:      QueueFollowup,
		ExecutorConfig: DefaultExecutorConfig(),
	}
}

func sanitizeRunnerConfig(config *RunnerConfig) *RunnerConfig {
	if config == nil {
		return DefaultRunnerConfig()
	}
	cfg := *config
	defaults := DefaultRunnerConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxWallTime <= 0 {
		cfg.MaxWallTime = defaults.MaxWallTime
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.QueueMode == "" {
		cfg.QueueMode = defaults.QueueMode
	}
	if cfg.ExecutorConfig == nil {
		cfg.ExecutorConfig = defaults.ExecutorConfig
	}
	return &cfg
}

// Compactor shortens conversation history when it overflows the model's
// context window. Implementations live in internal/compaction.
type Compactor interface {
	Compact(ctx context.Context, history []*models.Message) ([]*models.Message, error)
}

// TurnState is the terminal state of a turn.
type TurnState string

const (
	// TurnDone means the model produced a final answer.
	TurnDone TurnState = "done"

	// TurnLimitReached means the iteration cap or wall clock expired; the
	// partial answer is returned gracefully, not as an error.
	TurnLimitReached TurnState = "limit_reached"

	// TurnFailed means an unrecoverable error ended the turn.
	TurnFailed TurnState = "failed"
)

// TurnResult is the outcome of one turn.
type TurnResult struct {
	State      TurnState
	FinalText  string
	Iterations int
	Usage      models.Usage
	Err        error
}

// Runner drives one conversational turn from inbound user message to final
// answer: stream the model, gate and execute tool calls, append results,
// loop until the model stops calling tools or a limit trips.
//
// A Runner is shared across sessions; per-turn state lives on the stack of
// Run. A session runs at most one turn at a time (per-session lock);
// independent sessions proceed concurrently.
type Runner struct {
	provider   Provider
	registry   *Registry
	executor   *Executor
	sanitizer  *Sanitizer
	store      sessions.Store
	gate       *hooks.Gate
	compactor  Compactor
	classifier *RetryClassifier
	locker     *sessions.Locker
	queues     *queueSet
	config     *RunnerConfig
	logger     *slog.Logger

	defaultModel  string
	defaultSystem string
}

// NewRunner creates a runner. If config is nil, DefaultRunnerConfig is used.
// The gate and compactor may be nil; a nil gate means no hooks and a nil
// compactor disables the context-exceeded retry.
func NewRunner(provider Provider, registry *Registry, store sessions.Store, gate *hooks.Gate, config *RunnerConfig) *Runner {
	config = sanitizeRunnerConfig(config)
	if registry == nil {
		registry = NewRegistry()
	}
	return &Runner{
		provider:   provider,
		registry:   registry,
		executor:   NewExecutor(registry, config.ExecutorConfig),
		sanitizer:  NewSanitizer(config.SanitizerConfig),
		store:      store,
		gate:       gate,
		classifier: &RetryClassifier{ExtraPatterns: config.ContextExceededPatterns},
		locker:     sessions.NewLocker(),
		queues:     newQueueSet(config.QueueMode),
		config:     config,
		logger:     slog.Default().With("component", "runner"),
	}
}

// SetCompactor installs the history compactor used for context-exceeded
// recovery.
func (r *Runner) SetCompactor(c Compactor) {
	r.compactor = c
}

// SetDefaultModel sets the model used when requests do not specify one.
func (r *Runner) SetDefaultModel(model string) {
	r.defaultModel = model
}

// SetDefaultSystem sets the system prompt for turns.
func (r *Runner) SetDefaultSystem(system string) {
	r.defaultSystem = system
}

// ConfigureTool sets per-tool timeout and retry overrides.
func (r *Runner) ConfigureTool(name string, config *ToolConfig) {
	r.executor.ConfigureTool(name, config)
}

// Submit delivers a user message to a session. If the session has a turn in
// flight the message is queued and delivered per the configured queue mode
// once that turn and its follow-ups finish; queueing never preempts an
// in-flight iteration. Returns true when the message was queued rather than
// run.
func (r *Runner) Submit(ctx context.Context, session *models.Session, msg *models.Message, sink EventSink) (*TurnResult, bool, error) {
	if !r.locker.TryLock(session.ID) {
		r.queues.get(session.ID).Push(msg)
		return nil, true, nil
	}
	defer r.locker.Unlock(session.ID)
	result, err := r.runThenDrain(ctx, session, msg, sink)
	return result, false, err
}

// Run executes one turn for the session, blocking until any in-flight turn
// for the same session finishes first. Messages queued during the turn run
// afterwards, each as its own turn.
func (r *Runner) Run(ctx context.Context, session *models.Session, msg *models.Message, sink EventSink) (*TurnResult, error) {
	if err := r.locker.Lock(ctx, session.ID); err != nil {
		return nil, err
	}
	defer r.locker.Unlock(session.ID)
	return r.runThenDrain(ctx, session, msg, sink)
}

// runThenDrain executes the inbound message as one turn, then drains the
// session queue, running each drained message as its own subsequent turn
// with a fresh iteration budget and deadline. The caller holds the session
// lock for the whole sequence, so a message queued while any of these turns
// is in flight (including during finalization checkpoints) is picked up
// before the lock releases. Returns the last turn's result; a failed turn
// stops the drain and leaves the remainder queued.
func (r *Runner) runThenDrain(ctx context.Context, session *models.Session, msg *models.Message, sink EventSink) (*TurnResult, error) {
	result, err := r.run(ctx, session, msg, sink)
	for err == nil {
		next := r.queues.get(session.ID).Drain()
		if len(next) == 0 {
			break
		}
		for _, queued := range next {
			queued.Role = models.RoleUser
			result, err = r.run(ctx, session, queued, sink)
			if err != nil {
				break
			}
		}
	}
	return result, err
}

// turnState carries the mutable per-turn state through the phases.
type turnState struct {
	phase     TurnPhase
	iteration int
	messages  []models.Message
	text      strings.Builder
	usage     models.Usage
	compacted bool
}

func (r *Runner) run(ctx context.Context, session *models.Session, msg *models.Message, sink EventSink) (*TurnResult, error) {
	if r.provider == nil {
		return nil, ErrNoProvider
	}
	if session == nil {
		return nil, errors.New("session is nil")
	}
	if msg == nil {
		return nil, errors.New("message is nil")
	}
	if r.store == nil {
		return nil, errors.New("no session store configured")
	}

	runCtx, cancel := context.WithTimeout(ctx, r.config.MaxWallTime)
	defer cancel()

	em := newEmitter(sink, session.ID)
	em.emit(runCtx, models.AgentEvent{Type: models.AgentEventTurnStarted})

	result := r.runTurn(runCtx, session, msg, em)

	switch result.State {
	case TurnDone:
		em.emit(ctx, models.AgentEvent{Type: models.AgentEventTurnFinished, Text: result.FinalText, Usage: &result.Usage})
	case TurnLimitReached:
		em.emit(ctx, models.AgentEvent{Type: models.AgentEventTurnLimit, Text: result.FinalText, Reason: limitReason(result), Usage: &result.Usage})
	case TurnFailed:
		em.emit(ctx, models.AgentEvent{Type: models.AgentEventTurnError, Err: result.Err.Error()})
	}
	observability.Turns.WithLabelValues(string(result.State)).Inc()

	r.dispatchEnd(ctx, session, result)

	if result.State == TurnFailed {
		return result, result.Err
	}
	return result, nil
}

func limitReason(result *TurnResult) string {
	if result.Err != nil {
		return result.Err.Error()
	}
	return "iteration limit reached"
}

func (r *Runner) runTurn(ctx context.Context, session *models.Session, msg *models.Message, em *emitter) *TurnResult {
	state := &turnState{phase: PhaseIdle}

	// BeforeAgentStart may rewrite the inbound message or veto the turn.
	msg, blocked, reason := r.gateStart(ctx, session, msg)
	if blocked {
		return &TurnResult{State: TurnDone, FinalText: reason}
	}

	history, err := r.store.History(ctx, session.ID, r.config.HistoryLimit)
	if err != nil {
		return r.fail(state, fmt.Errorf("load history: %w", err))
	}
	for _, h := range history {
		state.messages = append(state.messages, *h)
	}

	if err := r.store.AppendMessage(ctx, session.ID, msg); err != nil {
		return r.fail(state, fmt.Errorf("persist inbound message: %w", err))
	}
	state.messages = append(state.messages, *msg)

	for state.iteration < r.config.MaxIterations {
		select {
		case <-ctx.Done():
			// Wall clock or caller cancellation: graceful partial answer.
			return &TurnResult{
				State:      TurnLimitReached,
				FinalText:  state.text.String(),
				Iterations: state.iteration,
				Usage:      state.usage,
				Err:        ctx.Err(),
			}
		default:
		}

		em.emit(ctx, models.AgentEvent{Type: models.AgentEventIterStarted, Iteration: state.iteration})
		observability.Iterations.Inc()

		// Streaming: one model call, text forwarded unbuffered.
		state.phase = PhaseStreaming
		calls, done := r.streamPhase(ctx, session, state, em)
		if done != nil {
			return done
		}

		if len(calls) == 0 {
			return r.finish(ctx, session, state, em)
		}

		// Gating: every call passes the BeforeToolCall checkpoint.
		state.phase = PhaseGating
		approved, preResults := r.gatePhase(ctx, session, calls, em)

		// Executing: approved calls run concurrently; results land in
		// input order.
		state.phase = PhaseExecuting
		results := r.executePhase(ctx, session, calls, approved, preResults, em)

		// Appending: persist the assistant message and the tool results,
		// then loop.
		state.phase = PhaseAppending
		if done := r.appendAssistant(ctx, session, state, calls); done != nil {
			return done
		}
		state.text.Reset()
		if done := r.appendResults(ctx, session, state, results); done != nil {
			return done
		}

		em.emit(ctx, models.AgentEvent{Type: models.AgentEventIterFinished, Iteration: state.iteration})
		state.iteration++
	}

	// Iteration cap: graceful partial answer, not an error.
	return &TurnResult{
		State:      TurnLimitReached,
		FinalText:  state.text.String(),
		Iterations: state.iteration,
		Usage:      state.usage,
	}
}

// streamPhase performs one model call, forwarding deltas and accumulating
// tool calls. On a context-exceeded provider error it compacts history and
// retries once per turn. Returns the finalized tool calls, or a terminal
// result when the turn must end here.
func (r *Runner) streamPhase(ctx context.Context, session *models.Session, state *turnState, em *emitter) ([]AccumulatedCall, *TurnResult) {
	for {
		calls, err := r.streamOnce(ctx, state, em)
		if err == nil {
			return calls, nil
		}

		if r.compactor != nil && !state.compacted && r.classifier.IsContextExceeded(err) {
			if compactErr := r.compactHistory(ctx, session, state, em); compactErr == nil {
				state.compacted = true
				continue
			} else {
				r.logger.Warn("compaction failed",
					"session_id", session.ID,
					"error", compactErr)
			}
		}
		return nil, r.fail(state, err)
	}
}

// streamOnce consumes one provider stream into the turn state.
func (r *Runner) streamOnce(ctx context.Context, state *turnState, em *emitter) ([]AccumulatedCall, error) {
	req := &Request{
		Model:     r.defaultModel,
		System:    r.defaultSystem,
		Messages:  state.messages,
		Tools:     r.registry.Schemas(),
		MaxTokens: r.config.MaxTokens,
	}

	stream, err := r.provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	acc := NewAccumulator()
	for event := range stream {
		switch event.Type {
		case EventTextDelta:
			state.text.WriteString(event.Text)
			em.emit(ctx, models.AgentEvent{Type: models.AgentEventTextDelta, Iteration: state.iteration, Text: event.Text})
		case EventThinkingDelta:
			em.emit(ctx, models.AgentEvent{Type: models.AgentEventThinkingDelta, Iteration: state.iteration, Text: event.Text})
		case EventToolCallStart:
			if err := acc.Start(event.ToolID, event.ToolName, event.StreamIndex); err != nil {
				return nil, fmt.Errorf("malformed stream: %w", err)
			}
		case EventToolCallDelta:
			if err := acc.Append(event.StreamIndex, event.Fragment); err != nil {
				return nil, fmt.Errorf("malformed stream: %w", err)
			}
		case EventToolCallComplete:
			if err := acc.Complete(event.StreamIndex); err != nil {
				return nil, fmt.Errorf("malformed stream: %w", err)
			}
		case EventDone:
			state.usage.Add(event.Usage)
			em.emit(ctx, models.AgentEvent{Type: models.AgentEventModelDone, Iteration: state.iteration, Usage: &event.Usage})
		case EventError:
			return nil, event.Err
		}
	}
	return acc.Finalize(), nil
}

// compactHistory runs the BeforeCompaction checkpoint and, unless blocked,
// replaces the session history with the compacted form.
func (r *Runner) compactHistory(ctx context.Context, session *models.Session, state *turnState, em *emitter) error {
	if r.gate != nil {
		outcome := r.gate.Dispatch(ctx, &hooks.Payload{
			Checkpoint: hooks.CheckpointBeforeCompaction,
			SessionID:  session.ID,
			AgentID:    session.AgentID,
			Messages:   state.messages,
		})
		if outcome.Decision == hooks.DecisionBlock {
			return fmt.Errorf("compaction blocked: %s", outcome.Reason)
		}
	}

	history := make([]*models.Message, len(state.messages))
	for i := range state.messages {
		history[i] = &state.messages[i]
	}
	compacted, err := r.compactor.Compact(ctx, history)
	if err != nil {
		return err
	}

	if err := r.store.ReplaceHistory(ctx, session.ID, compacted); err != nil {
		return fmt.Errorf("persist compacted history: %w", err)
	}
	state.messages = state.messages[:0]
	for _, m := range compacted {
		state.messages = append(state.messages, *m)
	}

	observability.Compactions.WithLabelValues("context_exceeded").Inc()
	em.emit(ctx, models.AgentEvent{Type: models.AgentEventCompaction, Iteration: state.iteration})
	r.logger.Info("history compacted after context overflow",
		"session_id", session.ID,
		"messages", len(compacted))
	return nil
}

// gateStart runs BeforeAgentStart. A modified payload can rewrite the
// inbound message content; a block ends the turn before any model call.
func (r *Runner) gateStart(ctx context.Context, session *models.Session, msg *models.Message) (*models.Message, bool, string) {
	if r.gate == nil {
		return msg, false, ""
	}
	outcome := r.gate.Dispatch(ctx, &hooks.Payload{
		Checkpoint: hooks.CheckpointBeforeAgentStart,
		SessionID:  session.ID,
		AgentID:    session.AgentID,
		Messages:   []models.Message{*msg},
	})
	switch outcome.Decision {
	case hooks.DecisionBlock:
		return msg, true, outcome.Reason
	case hooks.DecisionModify:
		if outcome.Payload != nil && len(outcome.Payload.Messages) > 0 {
			modified := outcome.Payload.Messages[0]
			msg.Content = modified.Content
			msg.Metadata = modified.Metadata
		}
	}
	return msg, false, ""
}

// gatePhase dispatches BeforeToolCall for each accumulated call, in order.
// Returns the calls approved for execution and pre-filled results for calls
// that never run: blocked calls carry the block reason verbatim and parse
// failures carry the parse error, both as failed tool results.
func (r *Runner) gatePhase(ctx context.Context, session *models.Session, calls []AccumulatedCall, em *emitter) ([]models.ToolCall, map[int]models.ToolResult) {
	approved := make([]models.ToolCall, 0, len(calls))
	preResults := make(map[int]models.ToolResult)

	for i, acc := range calls {
		if acc.Err != nil {
			preResults[i] = models.ToolResult{
				ToolCallID: acc.Call.ID,
				Content:    acc.Err.Error(),
				IsError:    true,
			}
			continue
		}
		call := acc.Call

		if r.gate != nil {
			outcome := r.gate.Dispatch(ctx, &hooks.Payload{
				Checkpoint: hooks.CheckpointBeforeToolCall,
				SessionID:  session.ID,
				AgentID:    session.AgentID,
				ToolCall:   &call,
			})
			switch outcome.Decision {
			case hooks.DecisionBlock:
				preResults[i] = models.ToolResult{
					ToolCallID: call.ID,
					Content:    outcome.Reason,
					IsError:    true,
				}
				em.emit(ctx, models.AgentEvent{Type: models.AgentEventToolBlocked, ToolCall: &call, Reason: outcome.Reason})
				continue
			case hooks.DecisionModify:
				if outcome.Payload != nil && outcome.Payload.ToolCall != nil {
					call = *outcome.Payload.ToolCall
				}
			}
		}
		approved = append(approved, call)
	}
	return approved, preResults
}

// executePhase runs the approved calls concurrently and merges their
// sanitized results with the pre-filled ones, preserving the logical call
// order of the iteration.
func (r *Runner) executePhase(ctx context.Context, session *models.Session, calls []AccumulatedCall, approved []models.ToolCall, preResults map[int]models.ToolResult, em *emitter) []models.ToolResult {
	for i := range approved {
		em.emit(ctx, models.AgentEvent{Type: models.AgentEventToolStarted, ToolCall: &approved[i]})
	}

	execResults := ToResults(r.executor.ExecuteAll(ctx, approved))
	execResults = r.sanitizer.ApplyAll(execResults)

	// Merge back into logical order: approved calls fill the slots not
	// already taken by blocked or unparseable ones.
	merged := make([]models.ToolResult, 0, len(calls))
	next := 0
	for i := range calls {
		if pre, ok := preResults[i]; ok {
			merged = append(merged, pre)
			continue
		}
		merged = append(merged, execResults[next])
		next++
	}

	for i := range merged {
		result := merged[i]
		em.emit(ctx, models.AgentEvent{Type: models.AgentEventToolFinished, ToolResult: &result})
		if r.gate != nil {
			r.gate.Dispatch(ctx, &hooks.Payload{
				Checkpoint: hooks.CheckpointAfterToolCall,
				SessionID:  session.ID,
				AgentID:    session.AgentID,
				ToolResult: &result,
			})
		}
	}
	return merged
}

// appendAssistant persists the iteration's assistant message (accumulated
// text plus any tool calls) and appends it to the in-turn history.
func (r *Runner) appendAssistant(ctx context.Context, session *models.Session, state *turnState, calls []AccumulatedCall) *TurnResult {
	toolCalls := make([]models.ToolCall, 0, len(calls))
	for _, acc := range calls {
		toolCalls = append(toolCalls, acc.Call)
	}
	assistant := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      models.RoleAssistant,
		Content:   state.text.String(),
		ToolCalls: toolCalls,
		CreatedAt: time.Now(),
	}
	if err := r.store.AppendMessage(ctx, session.ID, assistant); err != nil {
		return r.fail(state, fmt.Errorf("persist assistant message: %w", err))
	}
	state.messages = append(state.messages, *assistant)
	return nil
}

// appendResults persists the iteration's tool results as one tool message.
func (r *Runner) appendResults(ctx context.Context, session *models.Session, state *turnState, results []models.ToolResult) *TurnResult {
	toolMsg := &models.Message{
		ID:          uuid.NewString(),
		SessionID:   session.ID,
		Role:        models.RoleTool,
		ToolResults: results,
		CreatedAt:   time.Now(),
	}
	if err := r.store.AppendMessage(ctx, session.ID, toolMsg); err != nil {
		return r.fail(state, fmt.Errorf("persist tool results: %w", err))
	}
	state.messages = append(state.messages, *toolMsg)
	return nil
}

// finish runs the MessageSending checkpoint on the final answer, persists
// it, and records the turn's usage.
func (r *Runner) finish(ctx context.Context, session *models.Session, state *turnState, em *emitter) *TurnResult {
	finalText := state.text.String()

	if r.gate != nil {
		outcome := r.gate.Dispatch(ctx, &hooks.Payload{
			Checkpoint: hooks.CheckpointMessageSending,
			SessionID:  session.ID,
			AgentID:    session.AgentID,
			Messages: []models.Message{{
				Role:    models.RoleAssistant,
				Content: finalText,
			}},
		})
		switch outcome.Decision {
		case hooks.DecisionBlock:
			finalText = outcome.Reason
		case hooks.DecisionModify:
			if outcome.Payload != nil && len(outcome.Payload.Messages) > 0 {
				finalText = outcome.Payload.Messages[0].Content
			}
		}
	}

	final := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      models.RoleAssistant,
		Content:   finalText,
		CreatedAt: time.Now(),
	}
	if err := r.store.AppendMessage(ctx, session.ID, final); err != nil {
		return r.fail(state, fmt.Errorf("persist final answer: %w", err))
	}

	if err := r.store.SaveUsage(ctx, session.ID, state.usage); err != nil {
		r.logger.Warn("usage persistence failed",
			"session_id", session.ID,
			"error", err)
	}

	return &TurnResult{
		State:      TurnDone,
		FinalText:  finalText,
		Iterations: state.iteration + 1,
		Usage:      state.usage,
	}
}

// dispatchEnd fires the read-only AgentEnd checkpoint.
func (r *Runner) dispatchEnd(ctx context.Context, session *models.Session, result *TurnResult) {
	if r.gate == nil {
		return
	}
	r.gate.Dispatch(ctx, &hooks.Payload{
		Checkpoint: hooks.CheckpointAgentEnd,
		SessionID:  session.ID,
		AgentID:    session.AgentID,
		Context: map[string]any{
			"state":      string(result.State),
			"iterations": result.Iterations,
		},
	})
}

func (r *Runner) fail(state *turnState, err error) *TurnResult {
	turnErr := &TurnError{Phase: state.phase, Iteration: state.iteration, Cause: err}
	return &TurnResult{
		State:      TurnFailed,
		FinalText:  state.text.String(),
		Iterations: state.iteration,
		Usage:      state.usage,
		Err:        turnErr,
	}
}

// queueSet lazily allocates one message queue per session.
type queueSet struct {
	mode   QueueMode
	mu     sync.Mutex
	queues map[string]*MessageQueue
}

func newQueueSet(mode QueueMode) *queueSet {
	return &queueSet{mode: mode, queues: make(map[string]*MessageQueue)}
}

func (s *queueSet) get(sessionID string) *MessageQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[sessionID]
	if !ok {
		q = NewMessageQueue(s.mode)
		s.queues[sessionID] = q
	}
	return q
}
