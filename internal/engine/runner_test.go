package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaybot/relay/internal/hooks"
	"github.com/relaybot/relay/internal/sessions"
	"github.com/relaybot/relay/pkg/models"
)

// scriptedProvider replays one canned event stream per model call and
// records every request it receives.
type scriptedProvider struct {
	mu       sync.Mutex
	scripts  [][]StreamEvent
	requests []*Request
}

func (p *scriptedProvider) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	p.mu.Lock()
	reqCopy := *req
	reqCopy.Messages = append([]models.Message(nil), req.Messages...)
	p.requests = append(p.requests, &reqCopy)

	var script []StreamEvent
	if len(p.scripts) > 0 {
		script = p.scripts[0]
		p.scripts = p.scripts[1:]
	} else {
		script = []StreamEvent{Done(models.Usage{})}
	}
	p.mu.Unlock()

	ch := make(chan StreamEvent, len(script))
	for _, e := range script {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Name() string        { return "scripted" }
func (p *scriptedProvider) SupportsTools() bool { return true }
func (p *scriptedProvider) Models() []ModelInfo { return nil }

func (p *scriptedProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(i int) *Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func toolCallScript(id, name, args string, usage models.Usage) []StreamEvent {
	return []StreamEvent{
		ToolCallStart(id, name, 0),
		ToolCallDelta(0, args),
		ToolCallComplete(0),
		Done(usage),
	}
}

func textScript(text string, usage models.Usage) []StreamEvent {
	return []StreamEvent{TextDelta(text), Done(usage)}
}

func newTestSession(t *testing.T, store sessions.Store) *models.Session {
	t.Helper()
	session, err := store.GetOrCreate(context.Background(), "agent:tester", "agent")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	return session
}

func userMsg(session *models.Session, content string) *models.Message {
	return &models.Message{
		SessionID: session.ID,
		Role:      models.RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

func historyOf(t *testing.T, store sessions.Store, sessionID string) []*models.Message {
	t.Helper()
	history, err := store.History(context.Background(), sessionID, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	return history
}

func TestRunnerPlainAnswer(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]StreamEvent{
		{TextDelta("Hello"), TextDelta(" world"), Done(models.Usage{InputTokens: 10, OutputTokens: 5})},
	}}
	store := sessions.NewMemoryStore()
	runner := NewRunner(provider, NewRegistry(), store, nil, nil)
	session := newTestSession(t, store)

	result, err := runner.Run(context.Background(), session, userMsg(session, "hi"), NopSink{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.State != TurnDone {
		t.Errorf("state = %s", result.State)
	}
	if result.FinalText != "Hello world" {
		t.Errorf("final text = %q", result.FinalText)
	}
	if result.Iterations != 1 {
		t.Errorf("iterations = %d", result.Iterations)
	}
	if result.Usage.Total() != 15 {
		t.Errorf("usage = %+v", result.Usage)
	}

	history := historyOf(t, store, session.ID)
	if len(history) != 2 {
		t.Fatalf("history = %d messages", len(history))
	}
	if history[0].Role != models.RoleUser || history[1].Role != models.RoleAssistant {
		t.Errorf("roles = %s, %s", history[0].Role, history[1].Role)
	}

	usage, err := store.TotalUsage(context.Background(), session.ID)
	if err != nil || usage.Total() != 15 {
		t.Errorf("persisted usage = %+v (%v)", usage, err)
	}
}

func TestRunnerToolCallLoop(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]StreamEvent{
		toolCallScript("call_1", "echo", `{"msg":"hi"}`, models.Usage{InputTokens: 100, OutputTokens: 20}),
		textScript("the tool said hi", models.Usage{InputTokens: 150, OutputTokens: 10}),
	}}
	store := sessions.NewMemoryStore()
	registry := NewRegistry()
	registry.Register(echoTool("echo"))
	runner := NewRunner(provider, registry, store, nil, nil)
	session := newTestSession(t, store)

	result, err := runner.Run(context.Background(), session, userMsg(session, "use the tool"), NopSink{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.State != TurnDone || result.FinalText != "the tool said hi" {
		t.Errorf("result = %+v", result)
	}
	if result.Usage.InputTokens != 250 || result.Usage.OutputTokens != 30 {
		t.Errorf("usage not accumulated across iterations: %+v", result.Usage)
	}
	if provider.requestCount() != 2 {
		t.Fatalf("model calls = %d", provider.requestCount())
	}

	// The second request carries the tool exchange.
	second := provider.request(1)
	var sawCall, sawResult bool
	for _, m := range second.Messages {
		if m.Role == models.RoleAssistant && len(m.ToolCalls) == 1 && m.ToolCalls[0].ID == "call_1" {
			sawCall = true
		}
		if m.Role == models.RoleTool && len(m.ToolResults) == 1 {
			sawResult = true
			if m.ToolResults[0].ToolCallID != "call_1" {
				t.Errorf("result correlation = %q", m.ToolResults[0].ToolCallID)
			}
			if m.ToolResults[0].IsError {
				t.Errorf("unexpected error result: %q", m.ToolResults[0].Content)
			}
		}
	}
	if !sawCall || !sawResult {
		t.Errorf("tool exchange missing from second request (call=%v result=%v)", sawCall, sawResult)
	}

	// user, assistant+calls, tool results, final answer
	history := historyOf(t, store, session.ID)
	if len(history) != 4 {
		t.Errorf("history = %d messages", len(history))
	}
}

func TestRunnerIterationCapIsExact(t *testing.T) {
	scripts := make([][]StreamEvent, 0, 5)
	for i := 0; i < 5; i++ {
		scripts = append(scripts, toolCallScript("call_1", "echo", `{}`, models.Usage{}))
	}
	provider := &scriptedProvider{scripts: scripts}
	store := sessions.NewMemoryStore()
	registry := NewRegistry()
	registry.Register(echoTool("echo"))
	runner := NewRunner(provider, registry, store, nil, &RunnerConfig{MaxIterations: 3})
	session := newTestSession(t, store)

	result, err := runner.Run(context.Background(), session, userMsg(session, "loop"), NopSink{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.State != TurnLimitReached {
		t.Errorf("state = %s, want limit_reached", result.State)
	}
	if result.Iterations != 3 {
		t.Errorf("iterations = %d, want exactly 3", result.Iterations)
	}
	if provider.requestCount() != 3 {
		t.Errorf("model calls = %d, want exactly 3", provider.requestCount())
	}
}

func TestRunnerResultOrderSurvivesReversedCompletion(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]StreamEvent{
		{
			ToolCallStart("call_slow", "slow", 0),
			ToolCallDelta(0, `{}`),
			ToolCallComplete(0),
			ToolCallStart("call_fast", "fast", 1),
			ToolCallDelta(1, `{}`),
			ToolCallComplete(1),
			Done(models.Usage{}),
		},
		textScript("done", models.Usage{}),
	}}
	store := sessions.NewMemoryStore()
	registry := NewRegistry()
	registry.Register(&ToolFunc{
		ToolName:   "slow",
		ToolSchema: json.RawMessage(`{"type":"object"}`),
		Fn: func(ctx context.Context, params json.RawMessage) (*Result, error) {
			time.Sleep(50 * time.Millisecond)
			return &Result{Content: "slow finished"}, nil
		},
	})
	registry.Register(&ToolFunc{
		ToolName:   "fast",
		ToolSchema: json.RawMessage(`{"type":"object"}`),
		Fn: func(ctx context.Context, params json.RawMessage) (*Result, error) {
			return &Result{Content: "fast finished"}, nil
		},
	})
	runner := NewRunner(provider, registry, store, nil, nil)
	session := newTestSession(t, store)

	if _, err := runner.Run(context.Background(), session, userMsg(session, "go"), NopSink{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var toolMsg *models.Message
	for _, m := range historyOf(t, store, session.ID) {
		if m.Role == models.RoleTool {
			toolMsg = m
		}
	}
	if toolMsg == nil || len(toolMsg.ToolResults) != 2 {
		t.Fatalf("tool message = %+v", toolMsg)
	}
	// The fast call finished first; results stay in call order anyway.
	if toolMsg.ToolResults[0].ToolCallID != "call_slow" || toolMsg.ToolResults[1].ToolCallID != "call_fast" {
		t.Errorf("order = %s, %s", toolMsg.ToolResults[0].ToolCallID, toolMsg.ToolResults[1].ToolCallID)
	}
	if toolMsg.ToolResults[0].Content != "slow finished" {
		t.Errorf("slot 0 content = %q", toolMsg.ToolResults[0].Content)
	}
}

func TestRunnerUnparseableArgumentsFedBack(t *testing.T) {
	var executed atomic.Int32
	provider := &scriptedProvider{scripts: [][]StreamEvent{
		toolCallScript("call_1", "echo", `{"msg": "unclosed`, models.Usage{}),
		textScript("recovered", models.Usage{}),
	}}
	store := sessions.NewMemoryStore()
	registry := NewRegistry()
	registry.Register(&ToolFunc{
		ToolName:   "echo",
		ToolSchema: json.RawMessage(`{"type":"object"}`),
		Fn: func(ctx context.Context, params json.RawMessage) (*Result, error) {
			executed.Add(1)
			return &Result{Content: "ran"}, nil
		},
	})
	runner := NewRunner(provider, registry, store, nil, nil)
	session := newTestSession(t, store)

	result, err := runner.Run(context.Background(), session, userMsg(session, "go"), NopSink{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.State != TurnDone || result.FinalText != "recovered" {
		t.Errorf("result = %+v", result)
	}
	if executed.Load() != 0 {
		t.Error("tool ran despite unparseable arguments")
	}

	var toolMsg *models.Message
	for _, m := range historyOf(t, store, session.ID) {
		if m.Role == models.RoleTool {
			toolMsg = m
		}
	}
	if toolMsg == nil || len(toolMsg.ToolResults) != 1 {
		t.Fatalf("tool message = %+v", toolMsg)
	}
	res := toolMsg.ToolResults[0]
	if !res.IsError || res.ToolCallID != "call_1" {
		t.Errorf("parse failure result = %+v", res)
	}
	if !strings.Contains(res.Content, "echo") {
		t.Errorf("result does not name the tool: %q", res.Content)
	}
}

func TestRunnerBlockedToolCarriesReasonVerbatim(t *testing.T) {
	var executed atomic.Int32
	provider := &scriptedProvider{scripts: [][]StreamEvent{
		toolCallScript("call_1", "shell", `{"cmd":"rm -rf /"}`, models.Usage{}),
		textScript("understood", models.Usage{}),
	}}
	store := sessions.NewMemoryStore()
	registry := NewRegistry()
	registry.Register(&ToolFunc{
		ToolName:   "shell",
		ToolSchema: json.RawMessage(`{"type":"object"}`),
		Fn: func(ctx context.Context, params json.RawMessage) (*Result, error) {
			executed.Add(1)
			return &Result{Content: "ran"}, nil
		},
	})
	gate := hooks.NewGate(nil, nil)
	gate.Register(hooks.CheckpointBeforeToolCall, &hooks.HandlerFunc{
		Name: "policy",
		Fn: func(ctx context.Context, p *hooks.Payload) (hooks.Outcome, error) {
			return hooks.Block("destructive commands are not permitted"), nil
		},
	}, hooks.PriorityNormal)

	runner := NewRunner(provider, registry, store, gate, nil)
	session := newTestSession(t, store)

	result, err := runner.Run(context.Background(), session, userMsg(session, "wipe it"), NopSink{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.State != TurnDone {
		t.Errorf("state = %s", result.State)
	}
	if executed.Load() != 0 {
		t.Error("blocked tool was executed")
	}

	var toolMsg *models.Message
	for _, m := range historyOf(t, store, session.ID) {
		if m.Role == models.RoleTool {
			toolMsg = m
		}
	}
	if toolMsg == nil || len(toolMsg.ToolResults) != 1 {
		t.Fatalf("tool message = %+v", toolMsg)
	}
	res := toolMsg.ToolResults[0]
	if res.Content != "destructive commands are not permitted" {
		t.Errorf("block reason not verbatim: %q", res.Content)
	}
	if !res.IsError {
		t.Error("blocked result should be an error result")
	}
}

func TestRunnerGateModifiesToolArguments(t *testing.T) {
	var seen atomic.Value
	provider := &scriptedProvider{scripts: [][]StreamEvent{
		toolCallScript("call_1", "echo", `{"msg":"original"}`, models.Usage{}),
		textScript("done", models.Usage{}),
	}}
	store := sessions.NewMemoryStore()
	registry := NewRegistry()
	registry.Register(&ToolFunc{
		ToolName:   "echo",
		ToolSchema: json.RawMessage(`{"type":"object"}`),
		Fn: func(ctx context.Context, params json.RawMessage) (*Result, error) {
			seen.Store(string(params))
			return &Result{Content: "ok"}, nil
		},
	})
	gate := hooks.NewGate(nil, nil)
	gate.Register(hooks.CheckpointBeforeToolCall, &hooks.HandlerFunc{
		Name: "rewriter",
		Fn: func(ctx context.Context, p *hooks.Payload) (hooks.Outcome, error) {
			p.ToolCall.Input = json.RawMessage(`{"msg":"rewritten"}`)
			return hooks.Modify(p), nil
		},
	}, hooks.PriorityNormal)

	runner := NewRunner(provider, registry, store, gate, nil)
	session := newTestSession(t, store)

	if _, err := runner.Run(context.Background(), session, userMsg(session, "go"), NopSink{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, _ := seen.Load().(string); got != `{"msg":"rewritten"}` {
		t.Errorf("tool saw %q", got)
	}
}

func TestRunnerStartBlockedBeforeModelCall(t *testing.T) {
	provider := &scriptedProvider{}
	store := sessions.NewMemoryStore()
	gate := hooks.NewGate(nil, nil)
	gate.Register(hooks.CheckpointBeforeAgentStart, &hooks.HandlerFunc{
		Name: "curfew",
		Fn: func(ctx context.Context, p *hooks.Payload) (hooks.Outcome, error) {
			return hooks.Block("agent is paused"), nil
		},
	}, hooks.PriorityNormal)

	runner := NewRunner(provider, NewRegistry(), store, gate, nil)
	session := newTestSession(t, store)

	result, err := runner.Run(context.Background(), session, userMsg(session, "hi"), NopSink{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.State != TurnDone || result.FinalText != "agent is paused" {
		t.Errorf("result = %+v", result)
	}
	if provider.requestCount() != 0 {
		t.Error("model was called despite blocked start")
	}
}

func TestRunnerMessageSendingRewritesFinalAnswer(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]StreamEvent{
		textScript("raw answer with internal detail", models.Usage{}),
	}}
	store := sessions.NewMemoryStore()
	gate := hooks.NewGate(nil, nil)
	gate.Register(hooks.CheckpointMessageSending, &hooks.HandlerFunc{
		Name: "redactor",
		Fn: func(ctx context.Context, p *hooks.Payload) (hooks.Outcome, error) {
			p.Messages[0].Content = "redacted answer"
			return hooks.Modify(p), nil
		},
	}, hooks.PriorityNormal)

	runner := NewRunner(provider, NewRegistry(), store, gate, nil)
	session := newTestSession(t, store)

	result, err := runner.Run(context.Background(), session, userMsg(session, "hi"), NopSink{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FinalText != "redacted answer" {
		t.Errorf("final text = %q", result.FinalText)
	}
	history := historyOf(t, store, session.ID)
	if got := history[len(history)-1].Content; got != "redacted answer" {
		t.Errorf("persisted final = %q", got)
	}
}

type fakeCompactor struct {
	calls atomic.Int32
	err   error
}

func (c *fakeCompactor) Compact(ctx context.Context, history []*models.Message) ([]*models.Message, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	// Keep only the newest message.
	return history[len(history)-1:], nil
}

func contextExceededErr() error {
	return NewProviderError("scripted", "m", errors.New("prompt is too long: 210000 tokens"))
}

func TestRunnerCompactsAndRetriesOnContextExceeded(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]StreamEvent{
		{ErrorEvent(contextExceededErr())},
		textScript("fits now", models.Usage{}),
	}}
	store := sessions.NewMemoryStore()
	compactor := &fakeCompactor{}
	runner := NewRunner(provider, NewRegistry(), store, nil, nil)
	runner.SetCompactor(compactor)
	session := newTestSession(t, store)

	result, err := runner.Run(context.Background(), session, userMsg(session, "long history"), NopSink{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.State != TurnDone || result.FinalText != "fits now" {
		t.Errorf("result = %+v", result)
	}
	if compactor.calls.Load() != 1 {
		t.Errorf("compactor calls = %d", compactor.calls.Load())
	}
	if provider.requestCount() != 2 {
		t.Errorf("model calls = %d", provider.requestCount())
	}
	if got := len(provider.request(1).Messages); got != 1 {
		t.Errorf("retry request carries %d messages, want compacted 1", got)
	}
}

func TestRunnerCompactionRetryHappensOncePerTurn(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]StreamEvent{
		{ErrorEvent(contextExceededErr())},
		{ErrorEvent(contextExceededErr())},
	}}
	store := sessions.NewMemoryStore()
	compactor := &fakeCompactor{}
	runner := NewRunner(provider, NewRegistry(), store, nil, nil)
	runner.SetCompactor(compactor)
	session := newTestSession(t, store)

	result, err := runner.Run(context.Background(), session, userMsg(session, "still too long"), NopSink{})
	if err == nil {
		t.Fatal("expected turn failure after second overflow")
	}
	if result.State != TurnFailed {
		t.Errorf("state = %s", result.State)
	}
	if compactor.calls.Load() != 1 {
		t.Errorf("compactor calls = %d, want 1", compactor.calls.Load())
	}
	var turnErr *TurnError
	if !errors.As(err, &turnErr) || turnErr.Phase != PhaseStreaming {
		t.Errorf("error = %v", err)
	}
}

func TestRunnerWithoutCompactorFailsOnContextExceeded(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]StreamEvent{
		{ErrorEvent(contextExceededErr())},
	}}
	store := sessions.NewMemoryStore()
	runner := NewRunner(provider, NewRegistry(), store, nil, nil)
	session := newTestSession(t, store)

	result, err := runner.Run(context.Background(), session, userMsg(session, "hi"), NopSink{})
	if err == nil || result.State != TurnFailed {
		t.Errorf("result = %+v, err = %v", result, err)
	}
}

func TestRunnerDrainsQueuedFollowups(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]StreamEvent{
		textScript("first answer", models.Usage{}),
		textScript("second answer", models.Usage{}),
	}}
	store := sessions.NewMemoryStore()
	runner := NewRunner(provider, NewRegistry(), store, nil, nil)
	session := newTestSession(t, store)

	runner.queues.get(session.ID).Push(&models.Message{
		SessionID: session.ID,
		Content:   "one more thing",
	})

	result, err := runner.Run(context.Background(), session, userMsg(session, "hi"), NopSink{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FinalText != "second answer" {
		t.Errorf("final text = %q", result.FinalText)
	}
	if provider.requestCount() != 2 {
		t.Fatalf("model calls = %d", provider.requestCount())
	}

	second := provider.request(1)
	last := second.Messages[len(second.Messages)-1]
	if last.Role != models.RoleUser || last.Content != "one more thing" {
		t.Errorf("queued message not delivered: %+v", last)
	}

	// The first turn's answer is preserved as its own assistant message.
	var sawIntermediate bool
	for _, m := range historyOf(t, store, session.ID) {
		if m.Role == models.RoleAssistant && m.Content == "first answer" {
			sawIntermediate = true
		}
	}
	if !sawIntermediate {
		t.Error("first answer lost")
	}

	// The follow-up ran as its own turn with a fresh iteration budget.
	if result.Iterations != 1 {
		t.Errorf("follow-up turn iterations = %d", result.Iterations)
	}
}

func TestRunnerRunsMessageQueuedDuringFinalization(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]StreamEvent{
		textScript("first answer", models.Usage{}),
		textScript("follow-up answer", models.Usage{}),
	}}
	store := sessions.NewMemoryStore()
	gate := hooks.NewGate(nil, nil)
	runner := NewRunner(provider, NewRegistry(), store, gate, nil)
	session := newTestSession(t, store)

	// A message arriving while the turn finalizes lands after the in-turn
	// drain point. The session lock is held, so Submit queues it; the
	// runner must still run it before releasing the session.
	var once sync.Once
	gate.Register(hooks.CheckpointMessageSending, &hooks.HandlerFunc{
		Name: "late-arrival",
		Fn: func(ctx context.Context, p *hooks.Payload) (hooks.Outcome, error) {
			once.Do(func() {
				_, queued, err := runner.Submit(ctx, session, &models.Message{
					SessionID: session.ID,
					Content:   "one more thing",
				}, NopSink{})
				if err != nil {
					t.Errorf("Submit during finalization: %v", err)
				}
				if !queued {
					t.Error("Submit ran instead of queueing while the session was busy")
				}
			})
			return hooks.Continue(), nil
		},
	}, hooks.PriorityNormal)

	result, err := runner.Run(context.Background(), session, userMsg(session, "hi"), NopSink{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if provider.requestCount() != 2 {
		t.Fatalf("model calls = %d, queued message never ran", provider.requestCount())
	}
	if result.FinalText != "follow-up answer" {
		t.Errorf("final text = %q", result.FinalText)
	}
	if remaining := runner.queues.get(session.ID).Len(); remaining != 0 {
		t.Errorf("%d message(s) left in queue", remaining)
	}

	second := provider.request(1)
	last := second.Messages[len(second.Messages)-1]
	if last.Role != models.RoleUser || last.Content != "one more thing" {
		t.Errorf("queued message not delivered: %+v", last)
	}
}

func TestRunnerDrainsQueueAfterLimitReachedTurn(t *testing.T) {
	// The first turn spends its whole iteration budget on tool calls; the
	// queued message still gets its own turn afterwards.
	provider := &scriptedProvider{scripts: [][]StreamEvent{
		toolCallScript("call_1", "echo", `{"msg":"a"}`, models.Usage{}),
		textScript("late answer", models.Usage{}),
	}}
	store := sessions.NewMemoryStore()
	registry := NewRegistry()
	registry.Register(echoTool("echo"))
	runner := NewRunner(provider, registry, store, nil, &RunnerConfig{MaxIterations: 1})
	session := newTestSession(t, store)

	runner.queues.get(session.ID).Push(&models.Message{
		SessionID: session.ID,
		Content:   "still there?",
	})

	result, err := runner.Run(context.Background(), session, userMsg(session, "hi"), NopSink{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if provider.requestCount() != 2 {
		t.Fatalf("model calls = %d", provider.requestCount())
	}
	if result.State != TurnDone || result.FinalText != "late answer" {
		t.Errorf("result = %+v", result)
	}
}

func TestRunnerCollectModeMergesQueued(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]StreamEvent{
		textScript("first", models.Usage{}),
		textScript("merged reply", models.Usage{}),
	}}
	store := sessions.NewMemoryStore()
	runner := NewRunner(provider, NewRegistry(), store, nil, &RunnerConfig{QueueMode: QueueCollect})
	session := newTestSession(t, store)

	runner.queues.get(session.ID).Push(&models.Message{SessionID: session.ID, Content: "also this"})
	runner.queues.get(session.ID).Push(&models.Message{SessionID: session.ID, Content: "and this"})

	result, err := runner.Run(context.Background(), session, userMsg(session, "hi"), NopSink{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FinalText != "merged reply" {
		t.Errorf("final text = %q", result.FinalText)
	}
	if provider.requestCount() != 2 {
		t.Fatalf("model calls = %d", provider.requestCount())
	}

	second := provider.request(1)
	last := second.Messages[len(second.Messages)-1]
	if last.Content != "also this\n\nand this" {
		t.Errorf("merged content = %q", last.Content)
	}
}

func TestRunnerSubmitQueuesWhenSessionBusy(t *testing.T) {
	provider := &scriptedProvider{}
	store := sessions.NewMemoryStore()
	runner := NewRunner(provider, NewRegistry(), store, nil, nil)
	session := newTestSession(t, store)

	// Simulate an in-flight turn.
	if !runner.locker.TryLock(session.ID) {
		t.Fatal("could not take session lock")
	}
	defer runner.locker.Unlock(session.ID)

	result, queued, err := runner.Submit(context.Background(), session, userMsg(session, "later"), NopSink{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !queued || result != nil {
		t.Errorf("queued = %v, result = %+v", queued, result)
	}
	if runner.queues.get(session.ID).Len() != 1 {
		t.Errorf("queue len = %d", runner.queues.get(session.ID).Len())
	}
	if provider.requestCount() != 0 {
		t.Error("queued submit must not call the model")
	}
}

func TestRunnerWallClockExpiryIsGraceful(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]StreamEvent{
		toolCallScript("call_1", "echo", `{}`, models.Usage{}),
	}}
	store := sessions.NewMemoryStore()
	registry := NewRegistry()
	registry.Register(echoTool("echo"))
	runner := NewRunner(provider, registry, store, nil, &RunnerConfig{MaxWallTime: time.Nanosecond})
	session := newTestSession(t, store)

	result, err := runner.Run(context.Background(), session, userMsg(session, "hi"), NopSink{})
	if err != nil {
		t.Fatalf("expiry must not be an error: %v", err)
	}
	if result.State != TurnLimitReached {
		t.Errorf("state = %s", result.State)
	}
}

func TestRunnerMalformedStreamFailsTurn(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]StreamEvent{
		{ToolCallDelta(0, "fragment with no start"), Done(models.Usage{})},
	}}
	store := sessions.NewMemoryStore()
	runner := NewRunner(provider, NewRegistry(), store, nil, nil)
	session := newTestSession(t, store)

	result, err := runner.Run(context.Background(), session, userMsg(session, "hi"), NopSink{})
	if err == nil {
		t.Fatal("expected error for malformed stream")
	}
	var turnErr *TurnError
	if !errors.As(err, &turnErr) || turnErr.Phase != PhaseStreaming {
		t.Errorf("error = %v", err)
	}
	if result.State != TurnFailed {
		t.Errorf("state = %s", result.State)
	}
}

func TestRunnerEmitsOrderedEvents(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]StreamEvent{
		textScript("answer", models.Usage{}),
	}}
	store := sessions.NewMemoryStore()
	runner := NewRunner(provider, NewRegistry(), store, nil, nil)
	session := newTestSession(t, store)

	var mu sync.Mutex
	var events []models.AgentEvent
	sink := NewCallbackSink(func(ctx context.Context, e models.AgentEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	if _, err := runner.Run(context.Background(), session, userMsg(session, "hi"), sink); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(events) < 3 {
		t.Fatalf("only %d events", len(events))
	}
	if events[0].Type != models.AgentEventTurnStarted {
		t.Errorf("first event = %s", events[0].Type)
	}
	if events[len(events)-1].Type != models.AgentEventTurnFinished {
		t.Errorf("last event = %s", events[len(events)-1].Type)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Sequence <= events[i-1].Sequence {
			t.Fatalf("sequence not monotonic at %d: %d then %d", i, events[i-1].Sequence, events[i].Sequence)
		}
		if events[i].SessionID != session.ID {
			t.Errorf("event %d session = %q", i, events[i].SessionID)
		}
	}
}
