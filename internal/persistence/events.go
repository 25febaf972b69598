package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the bridge.
const (
	EventUserMessageChunk = "user_message_chunk"
	EventSessionUpdate    = "session_update"
	EventStatusChanged    = "status_changed"
	EventPermissionAsked  = "permission_requested"
	EventPermissionDone   = "permission_resolved"
)

type Event struct {
	SessionID string          `json:"sessionId"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// AppendEvent assigns the next sequence number for the session and inserts
// the event in the same transaction, so the log is gap-free and strictly
// ordered even under concurrent appenders. Returns the assigned seq.
func (s *Store) AppendEvent(ctx context.Context, sessionID, eventType string, payload json.RawMessage) (int64, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var seq int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE session_id = ?;
		`, sessionID).Scan(&seq); err != nil {
			return fmt.Errorf("next seq: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO events (session_id, seq, type, payload, created_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, sessionID, seq, eventType, string(payload)); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// ListEvents returns the session's events with seq > sinceSeq in ascending
// seq order. Pass 0 for the full log.
func (s *Store) ListEvents(ctx context.Context, sessionID string, sinceSeq int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, type, payload, created_at
		FROM events
		WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC;
	`, sessionID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var payload string
		if err := rows.Scan(&ev.SessionID, &ev.Seq, &ev.Type, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event rows: %w", err)
	}
	return out, nil
}

// LastSeq returns the highest sequence number appended for the session,
// or 0 when the log is empty.
func (s *Store) LastSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM events WHERE session_id = ?;
	`, sessionID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq.Int64, nil
}
