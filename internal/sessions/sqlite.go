package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/relaybot/relay/pkg/models"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL DEFAULT '',
	key TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_key ON sessions(key) WHERE key != '';

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	tool_calls TEXT NOT NULL DEFAULT '[]',
	tool_results TEXT NOT NULL DEFAULT '[]',
	metadata TEXT NOT NULL DEFAULT '{}',
	seq INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
`

// SQLiteStore is a durable Store backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) a SQLite database at path and
// applies the schema. Use ":memory:" for an in-process throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = session.CreatedAt

	meta, err := marshalMeta(session.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent_id, key, title, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.AgentID, session.Key, session.Title, meta,
		session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Session, error) {
	return s.scanSession(s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, key, title, metadata, created_at, updated_at
		 FROM sessions WHERE id = ?`, id))
}

func (s *SQLiteStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	return s.scanSession(s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, key, title, metadata, created_at, updated_at
		 FROM sessions WHERE key = ?`, key))
}

func (s *SQLiteStore) scanSession(row *sql.Row) (*models.Session, error) {
	var session models.Session
	var meta string
	err := row.Scan(&session.ID, &session.AgentID, &session.Key, &session.Title,
		&meta, &session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if err := unmarshalMeta(meta, &session.Metadata); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *SQLiteStore) GetOrCreate(ctx context.Context, key, agentID string) (*models.Session, error) {
	session, err := s.GetByKey(ctx, key)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}
	session = &models.Session{AgentID: agentID, Key: key}
	if err := s.Create(ctx, session); err != nil {
		// Lost the race: another writer created it first.
		if existing, getErr := s.GetByKey(ctx, key); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return session, nil
}

func (s *SQLiteStore) Update(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	meta, err := marshalMeta(session.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET agent_id = ?, key = ?, title = ?, metadata = ?, updated_at = ?
		 WHERE id = ?`,
		session.AgentID, session.Key, session.Title, meta, time.Now(), session.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id)
	return err
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.SessionID = sessionID

	calls, results, meta, err := marshalMessageBlobs(msg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, tool_calls, tool_results, metadata, seq, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?,
		   (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?), ?)`,
		msg.ID, sessionID, string(msg.Role), msg.Content, calls, results, meta,
		sessionID, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	query := `SELECT id, session_id, role, content, tool_calls, tool_results, metadata, created_at
		 FROM messages WHERE session_id = ? ORDER BY seq`
	args := []any{sessionID}
	if limit > 0 {
		// Last N messages, still in chronological order.
		query = `SELECT id, session_id, role, content, tool_calls, tool_results, metadata, created_at
			 FROM (SELECT * FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?)
			 ORDER BY seq`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		var msg models.Message
		var role, calls, results, meta string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content,
			&calls, &results, &meta, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = models.Role(role)
		if err := unmarshalMessageBlobs(&msg, calls, results, meta); err != nil {
			return nil, err
		}
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) ReplaceHistory(ctx context.Context, sessionID string, msgs []*models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	for i, msg := range msgs {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now()
		}
		calls, results, meta, err := marshalMessageBlobs(msg)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, session_id, role, content, tool_calls, tool_results, metadata, seq, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, sessionID, string(msg.Role), msg.Content, calls, results, meta,
			i+1, msg.CreatedAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) SaveUsage(ctx context.Context, sessionID string, usage models.Usage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ?, updated_at = ?
		 WHERE id = ?`,
		usage.InputTokens, usage.OutputTokens, time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("save usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) TotalUsage(ctx context.Context, sessionID string) (models.Usage, error) {
	var usage models.Usage
	err := s.db.QueryRowContext(ctx,
		`SELECT input_tokens, output_tokens FROM sessions WHERE id = ?`, sessionID).
		Scan(&usage.InputTokens, &usage.OutputTokens)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Usage{}, ErrSessionNotFound
	}
	if err != nil {
		return models.Usage{}, fmt.Errorf("query usage: %w", err)
	}
	return usage, nil
}

func (s *SQLiteStore) SetMeta(ctx context.Context, sessionID, key string, value any) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Metadata == nil {
		session.Metadata = map[string]any{}
	}
	session.Metadata[key] = value
	return s.Update(ctx, session)
}

func (s *SQLiteStore) GetMeta(ctx context.Context, sessionID, key string) (any, bool, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	value, ok := session.Metadata[key]
	return value, ok, nil
}

func marshalMeta(meta map[string]any) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(data), nil
}

func unmarshalMeta(data string, meta *map[string]any) error {
	if data == "" || data == "{}" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), meta); err != nil {
		return fmt.Errorf("unmarshal metadata: %w", err)
	}
	return nil
}

func marshalMessageBlobs(msg *models.Message) (calls, results, meta string, err error) {
	callData, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal tool calls: %w", err)
	}
	resultData, err := json.Marshal(msg.ToolResults)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal tool results: %w", err)
	}
	meta, err = marshalMeta(msg.Metadata)
	if err != nil {
		return "", "", "", err
	}
	return string(callData), string(resultData), meta, nil
}

func unmarshalMessageBlobs(msg *models.Message, calls, results, meta string) error {
	if calls != "" && calls != "null" && calls != "[]" {
		if err := json.Unmarshal([]byte(calls), &msg.ToolCalls); err != nil {
			return fmt.Errorf("unmarshal tool calls: %w", err)
		}
	}
	if results != "" && results != "null" && results != "[]" {
		if err := json.Unmarshal([]byte(results), &msg.ToolResults); err != nil {
			return fmt.Errorf("unmarshal tool results: %w", err)
		}
	}
	return unmarshalMeta(meta, &msg.Metadata)
}
