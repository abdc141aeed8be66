// Package store persists sessions and their messages in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bhandras/delight/workerd/internal/database"
)

var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidRole is returned for unknown message roles.
	ErrInvalidRole = errors.New("invalid role")
)

// SessionStatus is the persisted state of a session.
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionProcessing SessionStatus = "processing"
	SessionIdle       SessionStatus = "idle"
	SessionTerminated SessionStatus = "terminated"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ParseRole validates a role name. An empty name means RoleUser.
func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case "", RoleUser:
		return RoleUser, nil
	case RoleAssistant, RoleTool:
		return Role(raw), nil
	default:
		return "", fmt.Errorf("%w %q", ErrInvalidRole, raw)
	}
}

// Session is a persisted session.
type Session struct {
	ID        string         `json:"sessionId"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Status    SessionStatus  `json:"status"`
	WorkerID  *string        `json:"workerId"`
	VNCPort   *int           `json:"vncPort"`
	Metadata  map[string]any `json:"metadata"`
}

// Message is a persisted session message.
type Message struct {
	ID        string         `json:"messageId"`
	SessionID string         `json:"sessionId"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
}

// Store implements session and message persistence on a database.DB.
type Store struct {
	db  *database.DB
	now func() time.Time
}

func New(db *database.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func encodeMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

// CreateSession inserts a new active session.
func (s *Store) CreateSession(ctx context.Context, metadata map[string]any) (Session, error) {
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return Session{}, err
	}
	now := s.now()
	sess := Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		Status:    SessionActive,
		Metadata:  decodeMetadata(meta),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, updated_at, status, metadata) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.CreatedAt, sess.UpdatedAt, string(sess.Status), meta,
	)
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

const sessionColumns = `id, created_at, updated_at, status, worker_id, vnc_port, metadata`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		sess     Session
		status   string
		workerID sql.NullString
		vncPort  sql.NullInt64
		meta     string
	)
	if err := row.Scan(&sess.ID, &sess.CreatedAt, &sess.UpdatedAt, &status, &workerID, &vncPort, &meta); err != nil {
		return Session{}, err
	}
	sess.Status = SessionStatus(status)
	if workerID.Valid {
		sess.WorkerID = &workerID.String
	}
	if vncPort.Valid {
		port := int(vncPort.Int64)
		sess.VNCPort = &port
	}
	sess.Metadata = decodeMetadata(meta)
	return sess, nil
}

// GetSession loads a session by id. Terminated sessions are returned too.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns every session that is not terminated, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status != ? ORDER BY created_at DESC`,
		string(SessionTerminated),
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// updateSession applies set to a session that is not terminated. Terminated
// sessions are final and report ErrNotFound.
func (s *Store) updateSession(ctx context.Context, id, set string, args ...any) error {
	args = append([]any{s.now()}, args...)
	args = append(args, id, string(SessionTerminated))
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ?, `+set+` WHERE id = ? AND status != ?`, args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetSessionStatus updates the status of a session.
func (s *Store) SetSessionStatus(ctx context.Context, id string, status SessionStatus) error {
	return s.updateSession(ctx, id, `status = ?`, string(status))
}

// SetSessionWorker records the worker serving a session.
func (s *Store) SetSessionWorker(ctx context.Context, id, workerID string, vncPort *int) error {
	var port sql.NullInt64
	if vncPort != nil {
		port = sql.NullInt64{Int64: int64(*vncPort), Valid: true}
	}
	return s.updateSession(ctx, id, `worker_id = ?, vnc_port = ?`, workerID, port)
}

// TerminateSession marks a session terminated and clears its worker. It
// returns ErrNotFound for unknown or already terminated sessions.
func (s *Store) TerminateSession(ctx context.Context, id string) error {
	return s.updateSession(ctx, id, `status = ?, worker_id = NULL, vnc_port = NULL`, string(SessionTerminated))
}

// CreateMessage appends a message to a session.
func (s *Store) CreateMessage(ctx context.Context, sessionID string, role Role, content string, metadata map[string]any) (Message, error) {
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: s.now(),
		Metadata:  decodeMetadata(meta),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, timestamp, metadata) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, msg.Timestamp, meta,
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// ListMessages returns the messages of a session, oldest first.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, timestamp, metadata FROM messages WHERE session_id = ? ORDER BY timestamp ASC, rowid ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var (
			msg  Message
			role string
			meta string
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &msg.Timestamp, &meta); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = Role(role)
		msg.Metadata = decodeMetadata(meta)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
