package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/relaybot/relay/pkg/models"
)

// EventSink receives agent events during a turn.
// Implementations must be safe to call from multiple goroutines and should
// be non-blocking or handle backpressure themselves.
type EventSink interface {
	Emit(ctx context.Context, e models.AgentEvent)
}

// ChanSink sends events to a channel, dropping when the channel is full
// rather than blocking the turn.
type ChanSink struct {
	ch chan<- models.AgentEvent
}

// NewChanSink creates a sink that sends to a channel.
// The channel should be buffered.
func NewChanSink(ch chan<- models.AgentEvent) *ChanSink {
	return &ChanSink{ch: ch}
}

// Emit sends the event to the channel (non-blocking if full or cancelled).
func (s *ChanSink) Emit(ctx context.Context, e models.AgentEvent) {
	select {
	case s.ch <- e:
	case <-ctx.Done():
	default:
	}
}

// MultiSink fans out events to multiple sinks.
type MultiSink struct {
	sinks []EventSink
}

// NewMultiSink creates a sink that dispatches to all given sinks.
// Nil sinks are filtered out.
func NewMultiSink(sinks ...EventSink) *MultiSink {
	filtered := make([]EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

// Emit dispatches the event to all sinks.
func (s *MultiSink) Emit(ctx context.Context, e models.AgentEvent) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, e)
	}
}

// CallbackSink wraps a function as an EventSink.
type CallbackSink struct {
	fn func(ctx context.Context, e models.AgentEvent)
}

// NewCallbackSink creates a sink that calls fn for each event.
func NewCallbackSink(fn func(ctx context.Context, e models.AgentEvent)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

// Emit calls the wrapped function.
func (s *CallbackSink) Emit(ctx context.Context, e models.AgentEvent) {
	if s.fn != nil {
		s.fn(ctx, e)
	}
}

// NopSink discards all events.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(ctx context.Context, e models.AgentEvent) {}

// emitter stamps events with a monotonic sequence and session identity
// before forwarding to the configured sink.
type emitter struct {
	sink      EventSink
	sessionID string
	seq       atomic.Uint64
}

func newEmitter(sink EventSink, sessionID string) *emitter {
	if sink == nil {
		sink = NopSink{}
	}
	return &emitter{sink: sink, sessionID: sessionID}
}

func (em *emitter) emit(ctx context.Context, e models.AgentEvent) {
	e.Time = time.Now()
	e.Sequence = em.seq.Add(1)
	e.SessionID = em.sessionID
	em.sink.Emit(ctx, e)
}
