package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/xiehust/owork/internal/common/errors"
)

// Session operations

// PutSession inserts or replaces a session. The id must be supplied: it is
// the identifier the model agent assigned on init.
func (s *Store) PutSession(ctx context.Context, session *Session) error {
	if session.ID == "" {
		return apperrors.ValidationError("session id is required")
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.LastAccessed.IsZero() {
		session.LastAccessed = now
	}
	session.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions (id, agent_id, title, work_dir, last_accessed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.AgentID, session.Title, session.WorkDir,
		session.LastAccessed, session.CreatedAt, session.UpdatedAt)
	return err
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	session := &Session{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, title, work_dir, last_accessed, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id).Scan(&session.ID, &session.AgentID, &session.Title, &session.WorkDir,
		&session.LastAccessed, &session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("session not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListSessions returns all sessions, newest first. Optional agentID filter.
func (s *Store) ListSessions(ctx context.Context, agentID string) ([]*Session, error) {
	query := `SELECT id, agent_id, title, work_dir, last_accessed, created_at, updated_at FROM sessions`
	args := []interface{}{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Session
	for rows.Next() {
		session := &Session{}
		err := rows.Scan(&session.ID, &session.AgentID, &session.Title, &session.WorkDir,
			&session.LastAccessed, &session.CreatedAt, &session.UpdatedAt)
		if err != nil {
			return nil, err
		}
		result = append(result, session)
	}
	return result, rows.Err()
}

// TouchSession bumps last_accessed.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_accessed = ?, updated_at = ? WHERE id = ?
	`, time.Now().UTC(), time.Now().UTC(), id)
	return err
}

// DeleteSession removes a session and its messages.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("session not found: %s", id)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id)
	return err
}

// Message operations

// PutMessage inserts a transcript message. Assigns id, created_at, and the
// TTL expiry when absent.
func (s *Store) PutMessage(ctx context.Context, msg *Message, ttl time.Duration) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.ExpiresAt == 0 {
		msg.ExpiresAt = msg.CreatedAt.Add(ttl).Unix()
	}

	contentJSON, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("failed to serialize message content: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO messages (id, session_id, role, content, model, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.SessionID, msg.Role, string(contentJSON), msg.Model, msg.CreatedAt, msg.ExpiresAt)
	return err
}

// ListMessages returns all messages for a session, oldest first.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, model, created_at, expires_at
		FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Message
	for rows.Next() {
		msg := &Message{}
		var contentJSON string
		err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &contentJSON, &msg.Model, &msg.CreatedAt, &msg.ExpiresAt)
		if err != nil {
			return nil, err
		}
		if contentJSON != "" && contentJSON != "[]" {
			if err := json.Unmarshal([]byte(contentJSON), &msg.Content); err != nil {
				return nil, fmt.Errorf("failed to deserialize message content: %w", err)
			}
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

// CleanupExpiredMessages deletes messages past their TTL.
// Returns the number of rows removed.
func (s *Store) CleanupExpiredMessages(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE expires_at > 0 AND expires_at < ?
	`, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// Permission request operations

// PutPermissionRequest inserts or replaces a permission request.
func (s *Store) PutPermissionRequest(ctx context.Context, req *PermissionRequest) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if req.Status == "" {
		req.Status = PermissionPending
	}

	inputJSON := "{}"
	if req.ToolInput != nil {
		b, err := json.Marshal(req.ToolInput)
		if err != nil {
			return fmt.Errorf("failed to serialize tool input: %w", err)
		}
		inputJSON = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO permission_requests
			(id, session_id, session_key, tool_name, tool_input, reason, status, user_feedback, created_at, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, req.ID, req.SessionID, req.SessionKey, req.ToolName, inputJSON,
		req.Reason, req.Status, req.UserFeedback, req.CreatedAt, req.DecidedAt)
	return err
}

// GetPermissionRequest retrieves a permission request by ID.
func (s *Store) GetPermissionRequest(ctx context.Context, id string) (*PermissionRequest, error) {
	req := &PermissionRequest{}
	var inputJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, session_key, tool_name, tool_input, reason, status, user_feedback, created_at, decided_at
		FROM permission_requests WHERE id = ?
	`, id).Scan(&req.ID, &req.SessionID, &req.SessionKey, &req.ToolName, &inputJSON,
		&req.Reason, &req.Status, &req.UserFeedback, &req.CreatedAt, &req.DecidedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("permission request not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	if inputJSON != "" && inputJSON != "{}" {
		if err := json.Unmarshal([]byte(inputJSON), &req.ToolInput); err != nil {
			return nil, fmt.Errorf("failed to deserialize tool input: %w", err)
		}
	}
	return req, nil
}

// UpdatePermissionStatus transitions a request to a terminal state.
// The transition is monotonic: only pending requests are updated.
func (s *Store) UpdatePermissionStatus(ctx context.Context, id, status, feedback string) (bool, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE permission_requests SET status = ?, user_feedback = ?, decided_at = ?
		WHERE id = ? AND status = 'pending'
	`, status, feedback, now, id)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// ListPendingPermissions returns pending requests, optionally scoped to a
// session, oldest first.
func (s *Store) ListPendingPermissions(ctx context.Context, sessionID string) ([]*PermissionRequest, error) {
	query := `
		SELECT id, session_id, session_key, tool_name, tool_input, reason, status, user_feedback, created_at, decided_at
		FROM permission_requests WHERE status = 'pending'`
	args := []interface{}{}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*PermissionRequest
	for rows.Next() {
		req := &PermissionRequest{}
		var inputJSON string
		err := rows.Scan(&req.ID, &req.SessionID, &req.SessionKey, &req.ToolName, &inputJSON,
			&req.Reason, &req.Status, &req.UserFeedback, &req.CreatedAt, &req.DecidedAt)
		if err != nil {
			return nil, err
		}
		if inputJSON != "" && inputJSON != "{}" {
			_ = json.Unmarshal([]byte(inputJSON), &req.ToolInput)
		}
		result = append(result, req)
	}
	return result, rows.Err()
}
