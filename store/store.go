// Package store persists sessions, messages, and tool calls in SQLite.
// It implements engine.Repository; every engine-side call is best-effort,
// so methods here return plain errors and leave the logging to the caller.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rparkins/convoke/engine"
	"github.com/rparkins/convoke/llm"
)

// Store is a SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

var _ engine.Repository = (*Store)(nil)

// Session is one persisted conversation.
type Session struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ToolCallRecord is one persisted tool invocation with its outcome.
type ToolCallRecord struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	CallID     string    `json:"call_id"`
	ToolName   string    `json:"tool_name"`
	Arguments  string    `json:"arguments"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// New opens (or creates) the database at path and runs migrations.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		model TEXT NOT NULL DEFAULT '',
		system_prompt TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '[]',
		name TEXT NOT NULL DEFAULT '',
		tool_call_id TEXT NOT NULL DEFAULT '',
		seq INTEGER NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		call_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		arguments TEXT NOT NULL DEFAULT '{}',
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- sessions ---

// CreateSession records a new session.
func (s *Store) CreateSession(ctx context.Context, id, model, systemPrompt string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, model, system_prompt, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, model, systemPrompt, now, now,
	)
	return err
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	sess := &Session{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, model, system_prompt, created_at, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.Model, &sess.SystemPrompt, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	return sess, err
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, model, system_prompt, created_at, updated_at FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Model, &sess.SystemPrompt, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and, via cascade, its messages and tool
// call records.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session not found: %s", id)
	}
	return nil
}

// --- messages (engine.Repository) ---

// SaveMessage appends one message to a session's record.
func (s *Store) SaveMessage(ctx context.Context, sessionID string, msg llm.Message) (int64, error) {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return 0, fmt.Errorf("encode message content: %w", err)
	}

	var maxSeq int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?`, sessionID,
	).Scan(&maxSeq); err != nil {
		return 0, err
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, name, tool_call_id, seq, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, string(msg.Role), string(content), msg.Name, msg.ToolCallID, maxSeq+1, time.Now().UTC(),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// SaveMessageBatch appends messages atomically, preserving order.
func (s *Store) SaveMessageBatch(ctx context.Context, sessionID string, msgs []llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var maxSeq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?`, sessionID,
	).Scan(&maxSeq); err != nil {
		return err
	}

	now := time.Now().UTC()
	for i, msg := range msgs {
		content, err := json.Marshal(msg.Content)
		if err != nil {
			return fmt.Errorf("encode message content: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, role, content, name, tool_call_id, seq, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sessionID, string(msg.Role), string(content), msg.Name, msg.ToolCallID, maxSeq+1+i, now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadMessages returns a session's messages in append order.
func (s *Store) LoadMessages(ctx context.Context, sessionID string) ([]llm.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, name, tool_call_id FROM messages WHERE session_id = ? ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []llm.Message
	for rows.Next() {
		var role, content, name, toolCallID string
		if err := rows.Scan(&role, &content, &name, &toolCallID); err != nil {
			return nil, err
		}
		msg := llm.Message{Role: llm.Role(role), Name: name, ToolCallID: toolCallID}
		if err := json.Unmarshal([]byte(content), &msg.Content); err != nil {
			return nil, fmt.Errorf("decode message content: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// --- tool calls (engine.Repository) ---

// SaveToolCall records a dispatched tool call before execution.
func (s *Store) SaveToolCall(ctx context.Context, sessionID, callID, toolName, arguments string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (session_id, call_id, tool_name, arguments, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, callID, toolName, arguments, time.Now().UTC(),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// UpdateToolCallResult fills in the outcome of a recorded tool call.
func (s *Store) UpdateToolCallResult(ctx context.Context, id int64, output, errText string, durationMs int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tool_calls SET output = ?, error = ?, duration_ms = ? WHERE id = ?`,
		output, errText, durationMs, id,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("tool call record not found: %d", id)
	}
	return nil
}

// ListToolCalls returns a session's tool call records in creation order.
func (s *Store) ListToolCalls(ctx context.Context, sessionID string) ([]ToolCallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, call_id, tool_name, arguments, output, error, duration_ms, created_at
		 FROM tool_calls WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []ToolCallRecord
	for rows.Next() {
		var r ToolCallRecord
		if err := rows.Scan(&r.ID, &r.SessionID, &r.CallID, &r.ToolName, &r.Arguments,
			&r.Output, &r.Error, &r.DurationMs, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
