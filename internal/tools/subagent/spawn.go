// Package subagent provides the spawn_subagent tool: a focused child agent
// running the same turn machinery with a restricted tool set and a scoped
// session store. The parent sees the child's final answer as an ordinary
// tool result; recursion is bounded by depth.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/relaybot/relay/internal/engine"
	"github.com/relaybot/relay/internal/hooks"
	"github.com/relaybot/relay/internal/sessions"
	"github.com/relaybot/relay/pkg/models"
)

// Config configures sub-agent spawning.
type Config struct {
	// MaxDepth bounds nesting: the root runs at depth 0 and a spawn at
	// MaxDepth fails immediately. Default: 2.
	MaxDepth int

	// AllowedTools is the tool subset a child may use. The spawn tool
	// itself is always excluded unless listed explicitly; listing it
	// permits grandchildren up to MaxDepth.
	AllowedTools []string

	// MaxWallTime bounds a child turn. The effective deadline is the
	// minimum of this and the parent's remaining time. Default: 120s.
	MaxWallTime time.Duration

	// MaxIterations bounds child model calls. Default: 10.
	MaxIterations int

	// MetaKeys is the metadata allow-list for the child's scoped store.
	MetaKeys []string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxDepth:      2,
		MaxWallTime:   120 * time.Second,
		MaxIterations: 10,
	}
}

// Spawner is the spawn_subagent tool.
type Spawner struct {
	provider engine.Provider
	registry *engine.Registry
	store    sessions.Store
	gate     *hooks.Gate
	config   *Config
	logger   *slog.Logger
}

// New creates the spawn tool. The registry is the parent's full registry;
// children get the allow-listed restriction of it.
func New(provider engine.Provider, registry *engine.Registry, store sessions.Store, gate *hooks.Gate, config *Config) *Spawner {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	defaults := DefaultConfig()
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaults.MaxDepth
	}
	if cfg.MaxWallTime <= 0 {
		cfg.MaxWallTime = defaults.MaxWallTime
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	return &Spawner{
		provider: provider,
		registry: registry,
		store:    store,
		gate:     gate,
		config:   &cfg,
		logger:   slog.Default().With("component", "subagent"),
	}
}

// Name implements engine.Tool.
func (s *Spawner) Name() string {
	return "spawn_subagent"
}

// Description implements engine.Tool.
func (s *Spawner) Description() string {
	return "Delegate a focused task to a sub-agent with a restricted tool set. " +
		"Returns the sub-agent's final answer. Use for self-contained subtasks " +
		"that benefit from isolated context."
}

// Schema implements engine.Tool.
func (s *Spawner) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"task": {
				"type": "string",
				"description": "The task for the sub-agent, fully self-contained"
			},
			"system": {
				"type": "string",
				"description": "Optional system prompt framing the sub-agent's role"
			}
		},
		"required": ["task"]
	}`)
}

type spawnParams struct {
	Task   string `json:"task"`
	System string `json:"system"`
}

// Execute runs a child turn and returns its final answer. A spawn beyond
// the depth bound fails immediately with a structured error; no child
// runner is constructed.
func (s *Spawner) Execute(ctx context.Context, params json.RawMessage) (*engine.Result, error) {
	var p spawnParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid spawn parameters: %w", err)
	}
	if strings.TrimSpace(p.Task) == "" {
		return nil, fmt.Errorf("task is required")
	}

	depth := engine.DepthFromContext(ctx)
	if depth+1 > s.config.MaxDepth {
		return nil, fmt.Errorf("%w: depth %d, max %d", engine.ErrDepthExceeded, depth+1, s.config.MaxDepth)
	}

	childCtx := engine.WithDepth(ctx, depth+1)

	// Child deadline: min(parent remaining, child max). The context
	// already carries the parent deadline, so adding the child bound
	// yields the minimum.
	childCtx, cancel := context.WithTimeout(childCtx, s.config.MaxWallTime)
	defer cancel()

	childID := uuid.NewString()
	scopedStore := sessions.NewScopedStore(s.store, "subagent:"+childID+":", s.config.MetaKeys)

	session, err := scopedStore.GetOrCreate(childCtx, "task", "subagent")
	if err != nil {
		return nil, fmt.Errorf("create sub-agent session: %w", err)
	}

	runner := engine.NewRunner(
		s.provider,
		s.registry.Restricted(s.config.AllowedTools),
		scopedStore,
		s.gate,
		&engine.RunnerConfig{
			MaxIterations: s.config.MaxIterations,
			MaxWallTime:   s.config.MaxWallTime,
		},
	)
	if p.System != "" {
		runner.SetDefaultSystem(p.System)
	}

	s.logger.Debug("spawning sub-agent",
		"depth", depth+1,
		"session_id", session.ID,
		"tools", s.config.AllowedTools)

	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      models.RoleUser,
		Content:   p.Task,
		CreatedAt: time.Now(),
	}

	result, err := runner.Run(childCtx, session, msg, engine.NopSink{})
	if err != nil {
		return nil, fmt.Errorf("sub-agent turn failed: %w", err)
	}

	switch result.State {
	case engine.TurnLimitReached:
		content := result.FinalText
		if content == "" {
			content = "(sub-agent hit its limit with no answer)"
		}
		return &engine.Result{
			Content: content + "\n\n[sub-agent stopped at its iteration or time limit]",
		}, nil
	default:
		return &engine.Result{Content: result.FinalText}, nil
	}
}
