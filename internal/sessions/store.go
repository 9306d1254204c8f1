// Package sessions provides conversation persistence for the agent engine.
// The engine talks to the Store interface only; in-memory and SQLite
// implementations ship here.
package sessions

import (
	"context"
	"errors"

	"github.com/relaybot/relay/pkg/models"
)

// ErrSessionNotFound is returned when a session ID or key has no record.
var ErrSessionNotFound = errors.New("session not found")

// Store is the interface for session persistence. The engine appends the
// messages produced by each turn and reads history back when building the
// next model request; it never mutates persisted messages.
type Store interface {
	// Session CRUD
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error
	Delete(ctx context.Context, id string) error

	// Session lookup
	GetByKey(ctx context.Context, key string) (*models.Session, error)
	GetOrCreate(ctx context.Context, key, agentID string) (*models.Session, error)

	// Message history
	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error
	History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)

	// ReplaceHistory swaps a session's message history, used after
	// compaction. The replacement is atomic with respect to readers.
	ReplaceHistory(ctx context.Context, sessionID string, msgs []*models.Message) error

	// Usage accounting
	SaveUsage(ctx context.Context, sessionID string, usage models.Usage) error
	TotalUsage(ctx context.Context, sessionID string) (models.Usage, error)

	// Metadata
	SetMeta(ctx context.Context, sessionID, key string, value any) error
	GetMeta(ctx context.Context, sessionID, key string) (any, bool, error)
}

// SessionKey builds a unique session key from agent and peer identity.
func SessionKey(agentID, peerID string) string {
	return agentID + ":" + peerID
}

func cloneSession(s *models.Session) *models.Session {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Metadata != nil {
		clone.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func cloneMessage(m *models.Message) *models.Message {
	if m == nil {
		return nil
	}
	clone := *m
	if m.ToolCalls != nil {
		clone.ToolCalls = append([]models.ToolCall(nil), m.ToolCalls...)
	}
	if m.ToolResults != nil {
		clone.ToolResults = append([]models.ToolResult(nil), m.ToolResults...)
	}
	if m.Metadata != nil {
		clone.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
