package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaybot/relay/internal/observability"
)

// DefaultHandlerTimeout bounds one handler invocation.
const DefaultHandlerTimeout = 5 * time.Second

// GateConfig configures dispatch behavior.
type GateConfig struct {
	// HandlerTimeout bounds each handler invocation. Default: 5s.
	HandlerTimeout time.Duration

	// BreakerThreshold trips a handler's breaker after this many
	// consecutive failures. Default: 5.
	BreakerThreshold int

	// BreakerCooldown is how long a tripped handler is skipped.
	// Default: 60s.
	BreakerCooldown time.Duration
}

// Registration ties a handler to a checkpoint with a priority.
type Registration struct {
	ID         string
	Checkpoint Checkpoint
	Handler    Handler
	Priority   Priority
}

// Gate is the policy checkpoint dispatcher. Mutating checkpoints run
// handlers sequentially in priority order, threading the payload through
// the chain; read-only checkpoints fan handlers out concurrently. Handler
// failures and timeouts fail open (Continue) but are logged, counted, and
// fed to the per-handler circuit breaker.
type Gate struct {
	mu       sync.RWMutex
	handlers map[Checkpoint][]*Registration
	byID     map[string]*Registration

	timeout  time.Duration
	breakers *breakerSet
	logger   *slog.Logger
}

// NewGate creates a gate with the given configuration.
func NewGate(config *GateConfig, logger *slog.Logger) *Gate {
	if config == nil {
		config = &GateConfig{}
	}
	timeout := config.HandlerTimeout
	if timeout <= 0 {
		timeout = DefaultHandlerTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		handlers: make(map[Checkpoint][]*Registration),
		byID:     make(map[string]*Registration),
		timeout:  timeout,
		breakers: newBreakerSet(config.BreakerThreshold, config.BreakerCooldown),
		logger:   logger.With("component", "hooks"),
	}
}

// Register adds a handler for a checkpoint and returns the registration ID.
func (g *Gate) Register(checkpoint Checkpoint, handler Handler, priority Priority) string {
	reg := &Registration{
		ID:         uuid.NewString(),
		Checkpoint: checkpoint,
		Handler:    handler,
		Priority:   priority,
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[checkpoint] = append(g.handlers[checkpoint], reg)
	sort.SliceStable(g.handlers[checkpoint], func(i, j int) bool {
		return g.handlers[checkpoint][i].Priority < g.handlers[checkpoint][j].Priority
	})
	g.byID[reg.ID] = reg

	g.logger.Debug("registered hook",
		"id", reg.ID,
		"checkpoint", checkpoint,
		"handler", handler.ID(),
		"priority", priority)
	return reg.ID
}

// Unregister removes a handler by registration ID.
func (g *Gate) Unregister(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	reg, ok := g.byID[id]
	if !ok {
		return false
	}
	delete(g.byID, id)
	regs := g.handlers[reg.Checkpoint]
	for i, r := range regs {
		if r.ID == id {
			g.handlers[reg.Checkpoint] = append(regs[:i], regs[i+1:]...)
			break
		}
	}
	return true
}

// HandlerCount returns the number of handlers at a checkpoint.
func (g *Gate) HandlerCount(checkpoint Checkpoint) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.handlers[checkpoint])
}

func (g *Gate) registrations(checkpoint Checkpoint) []*Registration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	regs := make([]*Registration, len(g.handlers[checkpoint]))
	copy(regs, g.handlers[checkpoint])
	return regs
}

// Dispatch runs the handlers for the payload's checkpoint and returns the
// aggregate outcome. For read-only checkpoints the outcome is always
// Continue.
func (g *Gate) Dispatch(ctx context.Context, payload *Payload) Outcome {
	regs := g.registrations(payload.Checkpoint)
	if len(regs) == 0 {
		return Continue()
	}

	var outcome Outcome
	if payload.Checkpoint.Mutating() {
		outcome = g.dispatchSequential(ctx, regs, payload)
	} else {
		outcome = g.dispatchConcurrent(ctx, regs, payload)
	}
	observability.HookOutcomes.WithLabelValues(string(payload.Checkpoint), string(outcome.Decision)).Inc()
	return outcome
}

// dispatchSequential threads the payload through each handler in priority
// order. A Block halts the chain immediately with that reason.
func (g *Gate) dispatchSequential(ctx context.Context, regs []*Registration, payload *Payload) Outcome {
	current := payload.Clone()
	modified := false

	for _, reg := range regs {
		outcome, ok := g.invoke(ctx, reg, current)
		if !ok {
			// Fail-open: skip this handler for this invocation.
			continue
		}
		switch outcome.Decision {
		case DecisionBlock:
			g.logger.Warn("hook blocked operation",
				"checkpoint", payload.Checkpoint,
				"handler", reg.Handler.ID(),
				"reason", outcome.Reason)
			return outcome
		case DecisionModify:
			if outcome.Payload != nil {
				current = outcome.Payload
				modified = true
			}
		}
	}

	if modified {
		return Modify(current)
	}
	return Continue()
}

// dispatchConcurrent fans out to all handlers; outcomes are observational.
func (g *Gate) dispatchConcurrent(ctx context.Context, regs []*Registration, payload *Payload) Outcome {
	var wg sync.WaitGroup
	for _, reg := range regs {
		wg.Add(1)
		go func(r *Registration) {
			defer wg.Done()
			g.invoke(ctx, r, payload.Clone())
		}(reg)
	}
	wg.Wait()
	return Continue()
}

// invoke runs one handler under the breaker and timeout. The second return
// is false when the invocation failed or was skipped, in which case the
// caller treats it as Continue.
func (g *Gate) invoke(ctx context.Context, reg *Registration, payload *Payload) (Outcome, bool) {
	handlerID := reg.Handler.ID()
	breaker := g.breakers.get(handlerID)

	if !breaker.Allow() {
		g.logger.Warn("hook handler in cooldown, skipping",
			"checkpoint", reg.Checkpoint,
			"handler", handlerID)
		observability.HookFailOpens.WithLabelValues(handlerID).Inc()
		return Outcome{}, false
	}

	invokeCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type handlerResult struct {
		outcome Outcome
		err     error
	}
	resultCh := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- handlerResult{err: fmt.Errorf("hook panic: %v", r)}
			}
		}()
		outcome, err := reg.Handler.Handle(invokeCtx, payload)
		resultCh <- handlerResult{outcome: outcome, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			g.failOpen(reg, handlerID, res.err)
			return Outcome{}, false
		}
		breaker.Success()
		return res.outcome, true
	case <-invokeCtx.Done():
		g.failOpen(reg, handlerID, fmt.Errorf("handler timed out after %s", g.timeout))
		return Outcome{}, false
	}
}

func (g *Gate) failOpen(reg *Registration, handlerID string, err error) {
	g.logger.Warn("hook handler failed, continuing (fail-open)",
		"checkpoint", reg.Checkpoint,
		"handler", handlerID,
		"error", err)
	observability.HookFailOpens.WithLabelValues(handlerID).Inc()
	g.breakers.recordFailure(handlerID)
}
