// Package store persists sessions and their append-only message history in
// SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/latentforge/comfyagent/agentloop"
)

// ErrSessionNotFound is returned when a session id does not exist.
var ErrSessionNotFound = errors.New("session not found")

const schemaVersion = 2

// Store is a SQLite-backed session store. It implements agentloop.Store.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

// migrate brings the schema to the current version. Version 1 is the
// original sessions/messages layout; version 2 adds sub-agent linkage,
// summary checkpoints, token counters, and the message ordinal.
func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version < 1 {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'active',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				role TEXT NOT NULL,
				blocks TEXT NOT NULL,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id)`,
		}
		for _, stmt := range stmts {
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("migrate to v1: %w", err)
			}
		}
	}

	if version < 2 {
		stmts := []string{
			`ALTER TABLE sessions ADD COLUMN parent_session_id TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE sessions ADD COLUMN summary_message_id INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE sessions ADD COLUMN input_tokens INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE sessions ADD COLUMN output_tokens INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE messages ADD COLUMN ordinal INTEGER NOT NULL DEFAULT 0`,
			`UPDATE messages SET ordinal = id WHERE ordinal = 0`,
			`CREATE INDEX IF NOT EXISTS idx_messages_ordinal ON messages(session_id, ordinal)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_session_id)`,
		}
		for _, stmt := range stmts {
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("migrate to v2: %w", err)
			}
		}
	}

	if version < schemaVersion {
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
	}
	return nil
}

// CreateSession inserts a new session.
func (s *Store) CreateSession(ctx context.Context, meta agentloop.SessionMeta) error {
	if meta.Status == "" {
		meta.Status = agentloop.SessionActive
	}
	now := time.Now().UTC()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, status, parent_session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, meta.ID, meta.Title, string(meta.Status), meta.ParentSessionID,
		formatTime(meta.CreatedAt), formatTime(meta.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession fetches one session's metadata.
func (s *Store) GetSession(ctx context.Context, id string) (*agentloop.SessionMeta, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, status, parent_session_id, summary_message_id,
		       input_tokens, output_tokens, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)
	meta, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return meta, nil
}

// ListSessions returns top-level sessions (no parent) newest first. Child
// sessions are reachable through their parent but not listed.
func (s *Store) ListSessions(ctx context.Context) ([]agentloop.SessionMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, status, parent_session_id, summary_message_id,
		       input_tokens, output_tokens, created_at, updated_at
		FROM sessions
		WHERE parent_session_id = ''
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []agentloop.SessionMeta
	for rows.Next() {
		meta, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		sessions = append(sessions, *meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a session, its messages, and its child sessions.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE parent_session_id = ?`, id); err != nil {
		return fmt.Errorf("delete child sessions: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return tx.Commit()
}

// UpdateSessionStatus sets the session's lifecycle status.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status agentloop.SessionStatus) error {
	return s.updateSession(ctx, id, `status = ?`, string(status))
}

// UpdateSessionTitle renames a session.
func (s *Store) UpdateSessionTitle(ctx context.Context, id string, title string) error {
	return s.updateSession(ctx, id, `title = ?`, title)
}

// SetSummaryCheckpoint records the message id where the live context
// window starts.
func (s *Store) SetSummaryCheckpoint(ctx context.Context, id string, messageID int64) error {
	return s.updateSession(ctx, id, `summary_message_id = ?`, messageID)
}

func (s *Store) updateSession(ctx context.Context, id, set string, value interface{}) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET `+set+`, updated_at = ? WHERE id = ?`,
		value, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// AddUsage accumulates token counters on the session.
func (s *Store) AddUsage(ctx context.Context, id string, inputTokens, outputTokens int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET input_tokens = input_tokens + ?,
		    output_tokens = output_tokens + ?,
		    updated_at = ?
		WHERE id = ?
	`, inputTokens, outputTokens, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// AppendMessage persists one message at the next ordinal and returns its
// assigned id.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg agentloop.Message) (int64, error) {
	blocks, err := json.Marshal(msg.Blocks)
	if err != nil {
		return 0, fmt.Errorf("marshal blocks: %w", err)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	if exists == 0 {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	var ordinal int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(ordinal), 0) + 1 FROM messages WHERE session_id = ?`,
		sessionID).Scan(&ordinal); err != nil {
		return 0, fmt.Errorf("next ordinal: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (session_id, ordinal, role, blocks, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, sessionID, ordinal, string(msg.Role), string(blocks), formatTime(msg.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		formatTime(time.Now().UTC()), sessionID); err != nil {
		return 0, fmt.Errorf("touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	return id, nil
}

// Messages returns the session history in ordinal order, starting from the
// summary checkpoint when one is set.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]agentloop.Message, error) {
	var checkpoint int64
	err := s.db.QueryRowContext(ctx,
		`SELECT summary_message_id FROM sessions WHERE id = ?`, sessionID).Scan(&checkpoint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, blocks, created_at
		FROM messages
		WHERE session_id = ? AND id >= ?
		ORDER BY ordinal ASC
	`, sessionID, checkpoint)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var messages []agentloop.Message
	for rows.Next() {
		var (
			msg       agentloop.Message
			role      string
			blocksRaw string
			createdAt string
		)
		if err := rows.Scan(&msg.ID, &role, &blocksRaw, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(blocksRaw), &msg.Blocks); err != nil {
			return nil, fmt.Errorf("unmarshal blocks for message %d: %w", msg.ID, err)
		}
		msg.SessionID = sessionID
		msg.Role = agentloop.Role(role)
		msg.CreatedAt = parseTime(createdAt)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return messages, nil
}

// AllMessages returns the complete history ignoring the summary
// checkpoint, for export and the gateway's message listing.
func (s *Store) AllMessages(ctx context.Context, sessionID string) ([]agentloop.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, blocks, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY ordinal ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load all messages: %w", err)
	}
	defer rows.Close()

	var messages []agentloop.Message
	for rows.Next() {
		var (
			msg       agentloop.Message
			role      string
			blocksRaw string
			createdAt string
		)
		if err := rows.Scan(&msg.ID, &role, &blocksRaw, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(blocksRaw), &msg.Blocks); err != nil {
			return nil, fmt.Errorf("unmarshal blocks for message %d: %w", msg.ID, err)
		}
		msg.SessionID = sessionID
		msg.Role = agentloop.Role(role)
		msg.CreatedAt = parseTime(createdAt)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load all messages: %w", err)
	}
	return messages, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*agentloop.SessionMeta, error) {
	var (
		meta      agentloop.SessionMeta
		status    string
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&meta.ID, &meta.Title, &status, &meta.ParentSessionID,
		&meta.SummaryMessageID, &meta.InputTokens, &meta.OutputTokens,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	meta.Status = agentloop.SessionStatus(status)
	meta.CreatedAt = parseTime(createdAt)
	meta.UpdatedAt = parseTime(updatedAt)
	return &meta, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
