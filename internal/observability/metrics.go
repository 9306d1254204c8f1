// Package observability exposes Prometheus metrics for the agent engine.
// Hook fail-opens are counted here deliberately: repeated silent fail-opens
// are a security concern and must stay visible.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Turns counts finished turns by terminal state.
	Turns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "turns_total",
		Help:      "Finished turns by terminal state.",
	}, []string{"state"})

	// Iterations counts model-call iterations across all turns.
	Iterations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "iterations_total",
		Help:      "Model-call iterations across all turns.",
	})

	// ToolExecutions counts tool executions by tool and outcome.
	ToolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "tool_executions_total",
		Help:      "Tool executions by tool name and outcome.",
	}, []string{"tool", "outcome"})

	// ToolDuration observes tool execution latency.
	ToolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relay",
		Name:      "tool_duration_seconds",
		Help:      "Tool execution duration.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"tool"})

	// HookOutcomes counts hook dispatch outcomes by checkpoint and decision.
	HookOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "hook_outcomes_total",
		Help:      "Hook dispatch outcomes by checkpoint and decision.",
	}, []string{"checkpoint", "decision"})

	// HookFailOpens counts handler failures treated as Continue.
	HookFailOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "hook_failopen_total",
		Help:      "Hook handler failures treated as Continue (fail-open).",
	}, []string{"handler"})

	// BreakerTrips counts circuit-breaker activations per handler.
	BreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "breaker_trips_total",
		Help:      "Hook circuit breaker activations per handler.",
	}, []string{"handler"})

	// Compactions counts history compactions by trigger.
	Compactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "compactions_total",
		Help:      "History compactions by trigger (threshold, context_exceeded).",
	}, []string{"trigger"})
)
