// Package main provides the relay CLI: a one-shot front end for the agent
// execution engine.
//
// Run a turn:
//
//	relay run "summarize the open issues" --config relay.yaml
//
// List provider models:
//
//	relay models
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/relaybot/relay/internal/compaction"
	"github.com/relaybot/relay/internal/engine"
	"github.com/relaybot/relay/internal/engine/providers"
	"github.com/relaybot/relay/internal/hooks"
	"github.com/relaybot/relay/internal/sessions"
	"github.com/relaybot/relay/internal/tools/subagent"
	"github.com/relaybot/relay/pkg/models"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "relay",
		Short:         "Relay agent execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "relay.yaml", "config file path")

	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newModelsCmd(&configPath))
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relay %s (%s)\n", version, commit)
		},
	}
}

func newModelsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models available from the configured provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(*configPath)
			if err != nil {
				return err
			}
			provider, err := buildProvider(cfg)
			if err != nil {
				return err
			}
			for _, m := range provider.Models() {
				fmt.Printf("%-32s %-24s %d tokens\n", m.ID, m.Name, m.ContextSize)
			}
			return nil
		},
	}
}

func newRunCmd(configPath *string) *cobra.Command {
	var sessionKey string

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run one agent turn and stream the answer to stdout",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(*configPath)
			if err != nil {
				return err
			}
			setupLogging(cfg.Logging)

			prompt := strings.Join(args, " ")
			if strings.TrimSpace(prompt) == "" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read prompt from stdin: %w", err)
				}
				prompt = string(data)
			}
			if strings.TrimSpace(prompt) == "" {
				return fmt.Errorf("no prompt given")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runTurn(ctx, cfg, sessionKey, prompt)
		},
	}
	cmd.Flags().StringVar(&sessionKey, "session", "cli", "session key for conversation continuity")
	return cmd
}

func setupLogging(cfg LoggingConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func buildProvider(cfg *Config) (engine.Provider, error) {
	apiKey := cfg.Provider.resolveAPIKey()
	switch cfg.Provider.Name {
	case "anthropic", "":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       apiKey,
			BaseURL:      cfg.Provider.BaseURL,
			MaxRetries:   cfg.Provider.MaxRetries,
			RetryDelay:   cfg.Provider.RetryDelay,
			DefaultModel: cfg.Provider.Model,
		})
	case "openai":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       apiKey,
			BaseURL:      cfg.Provider.BaseURL,
			MaxRetries:   cfg.Provider.MaxRetries,
			RetryDelay:   cfg.Provider.RetryDelay,
			DefaultModel: cfg.Provider.Model,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider.Name)
	}
}

func buildStore(cfg *Config) (sessions.Store, func(), error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.Path
		if path == "" {
			path = "relay.db"
		}
		store, err := sessions.NewSQLiteStore(path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	case "memory", "":
		return sessions.NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func buildGate(cfg *Config) *hooks.Gate {
	gate := hooks.NewGate(nil, slog.Default())
	for _, hc := range cfg.Hooks {
		handler := hooks.NewCommandHandler(hc.Name, hc.Command, hc.Args...)
		gate.Register(hooks.Checkpoint(hc.Checkpoint), handler, hooks.Priority(hc.Priority))
	}
	return gate
}

func runTurn(ctx context.Context, cfg *Config, sessionKey, prompt string) error {
	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}
	provider = providers.WrapProvider(provider)

	store, closeStore, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	gate := buildGate(cfg)
	registry := engine.NewRegistry()

	runner := engine.NewRunner(provider, registry, store, gate, &engine.RunnerConfig{
		MaxIterations:           cfg.Runner.MaxIterations,
		MaxWallTime:             cfg.Runner.MaxWallTime,
		MaxTokens:               cfg.Runner.MaxTokens,
		QueueMode:               engine.QueueMode(cfg.Runner.QueueMode),
		ContextExceededPatterns: cfg.Runner.ContextExceededPatterns,
	})
	runner.SetDefaultModel(cfg.Provider.Model)
	runner.SetDefaultSystem(cfg.Runner.SystemPrompt)
	runner.SetCompactor(compaction.New(provider, nil))

	if cfg.Subagent.Enabled {
		registry.Register(subagent.New(provider, registry, store, gate, &subagent.Config{
			MaxDepth:      cfg.Subagent.MaxDepth,
			AllowedTools:  cfg.Subagent.AllowedTools,
			MaxWallTime:   cfg.Subagent.MaxWallTime,
			MaxIterations: cfg.Subagent.MaxIterations,
		}))
	}

	session, err := store.GetOrCreate(ctx, sessionKey, "relay")
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	events := make(chan models.AgentEvent, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range events {
			if e.Type == models.AgentEventTextDelta {
				fmt.Print(e.Text)
			}
		}
	}()

	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      models.RoleUser,
		Content:   prompt,
		CreatedAt: time.Now(),
	}

	result, err := runner.Run(ctx, session, msg, engine.NewChanSink(events))
	close(events)
	<-done
	fmt.Println()

	if err != nil {
		return err
	}
	if result.State == engine.TurnLimitReached {
		fmt.Fprintln(os.Stderr, "note: turn stopped at its iteration or time limit")
	}
	slog.Debug("turn finished",
		"state", result.State,
		"iterations", result.Iterations,
		"tokens", result.Usage.Total())
	return nil
}
