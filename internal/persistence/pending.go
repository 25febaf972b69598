package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Pending request kinds.
const (
	PendingKindPermission = "permission"
)

// PendingRequest is an agent-initiated request parked while the bridge
// waits for a browser client to answer. RequestID holds the agent's
// JSON-RPC id verbatim (raw JSON text) so the eventual reply echoes it
// byte for byte, number or string.
type PendingRequest struct {
	SessionID string          `json:"sessionId"`
	RequestID string          `json:"requestId"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// AddPending parks an agent request. A duplicate id for the same session
// is rejected, there can be at most one live request per agent id.
func (s *Store) AddPending(ctx context.Context, sessionID, requestID, kind string, payload json.RawMessage) error {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO pending_requests (session_id, request_id, kind, payload, created_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, sessionID, requestID, kind, string(payload))
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return fmt.Errorf("pending request %s already exists for session %s", requestID, sessionID)
			}
			return fmt.Errorf("insert pending request: %w", err)
		}
		return nil
	})
}

// DeletePending removes a parked request. Returns false when no such
// request existed, a second answer for the same id reports this instead
// of reaching the agent twice.
func (s *Store) DeletePending(ctx context.Context, sessionID, requestID string) (bool, error) {
	var deleted bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM pending_requests WHERE session_id = ? AND request_id = ?;
		`, sessionID, requestID)
		if err != nil {
			return fmt.Errorf("delete pending request: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("pending rows affected: %w", err)
		}
		deleted = affected > 0
		return nil
	})
	return deleted, err
}

// DeleteAllPending clears every parked request for a session and returns
// the removed rows so their waiters can be failed.
func (s *Store) DeleteAllPending(ctx context.Context, sessionID string) ([]PendingRequest, error) {
	pending, err := s.ListPending(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM pending_requests WHERE session_id = ?;
		`, sessionID)
		if err != nil {
			return fmt.Errorf("delete session pending requests: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

// ListPending returns the session's parked requests oldest first.
func (s *Store) ListPending(ctx context.Context, sessionID string) ([]PendingRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, request_id, kind, payload, created_at
		FROM pending_requests
		WHERE session_id = ?
		ORDER BY created_at ASC, request_id ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query pending requests: %w", err)
	}
	defer rows.Close()

	var out []PendingRequest
	for rows.Next() {
		var pr PendingRequest
		var payload string
		if err := rows.Scan(&pr.SessionID, &pr.RequestID, &pr.Kind, &payload, &pr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending request: %w", err)
		}
		pr.Payload = json.RawMessage(payload)
		out = append(out, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending rows: %w", err)
	}
	return out, nil
}

// CountPending reports the number of parked requests for a session.
func (s *Store) CountPending(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM pending_requests WHERE session_id = ?;
	`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending requests: %w", err)
	}
	return n, nil
}
