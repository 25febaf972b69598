package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusWaiting      Status = "waiting"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
	StatusExited       Status = "exited"
)

// Terminal statuses admit no further transitions. A subprocess exiting
// after completed or error leaves the row untouched.
func (st Status) Terminal() bool {
	switch st {
	case StatusCompleted, StatusError, StatusExited:
		return true
	}
	return false
}

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusInitializing: {
		StatusRunning: {},
		StatusError:   {},
		StatusExited:  {},
	},
	StatusRunning: {
		StatusWaiting:   {},
		StatusCompleted: {},
		StatusError:     {},
		StatusExited:    {},
	},
	StatusWaiting: {
		StatusRunning:   {},
		StatusCompleted: {},
		StatusError:     {},
		StatusExited:    {},
	},
}

func canTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// ExitReason values recorded alongside terminal statuses.
const (
	ExitReasonProcessExit   = "process_exit"
	ExitReasonIOError       = "io_error"
	ExitReasonSpawnFailed   = "spawn_failed"
	ExitReasonInitFailed    = "init_failed"
	ExitReasonShutdown      = "shutdown"
	ExitReasonBridgeRestart = "bridge_restart"
)

type Session struct {
	ID             string    `json:"sessionId"`
	AgentType      string    `json:"agentType"`
	Cwd            string    `json:"cwd"`
	Title          string    `json:"title"`
	AgentSessionID string    `json:"agentSessionId,omitempty"`
	Status         Status    `json:"status"`
	ExitReason     string    `json:"exitReason,omitempty"`
	Archived       bool      `json:"archived"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (s *Store) CreateSession(ctx context.Context, id, agentType, cwd, title string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, agent_type, cwd, title, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, agentType, cwd, title, StatusInitializing)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

const sessionColumns = `id, agent_type, cwd, title, agent_session_id, status, COALESCE(exit_reason, ''), archived, created_at, updated_at`

func scanSession(scanFn func(dest ...any) error, sess *Session) error {
	var agentSessionID sql.NullString
	if err := scanFn(
		&sess.ID,
		&sess.AgentType,
		&sess.Cwd,
		&sess.Title,
		&agentSessionID,
		&sess.Status,
		&sess.ExitReason,
		&sess.Archived,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	); err != nil {
		return err
	}
	if agentSessionID.Valid {
		sess.AgentSessionID = agentSessionID.String
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?;`, id)
	if err := scanSession(row.Scan, &sess); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns sessions newest first. Archived sessions are
// included only when includeArchived is set.
func (s *Store) ListSessions(ctx context.Context, includeArchived bool) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if !includeArchived {
		query += ` WHERE archived = 0`
	}
	query += ` ORDER BY created_at DESC, id DESC;`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := scanSession(rows.Scan, &sess); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows: %w", err)
	}
	return out, nil
}

// SetStatus moves a session along the lifecycle. Transitions out of a
// terminal status, or any edge the lifecycle does not define, return
// ErrIllegalTransition.
func (s *Store) SetStatus(ctx context.Context, id string, to Status) error {
	return s.setStatus(ctx, id, to, "")
}

// SetExited records a terminal status together with its reason. If the
// session is already terminal the call is a no-op so a late subprocess
// exit cannot overwrite a completed or error outcome.
func (s *Store) SetExited(ctx context.Context, id string, to Status, reason string) error {
	if !to.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrIllegalTransition, to)
	}
	err := s.setStatus(ctx, id, to, reason)
	if errors.Is(err, ErrIllegalTransition) {
		return nil
	}
	return err
}

func (s *Store) setStatus(ctx context.Context, id string, to Status, reason string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin status tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current Status
		if err := tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?;`, id).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select status: %w", err)
		}
		if current == to {
			return tx.Commit()
		}
		if !canTransition(current, to) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, to)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET status = ?, exit_reason = NULLIF(?, ''), updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, to, reason, id, current); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		return tx.Commit()
	})
}

// SetAgentSessionID records the agent's own session id. The binding is
// write-once: a second call with a different value is rejected.
func (s *Store) SetAgentSessionID(ctx context.Context, id, agentSessionID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions
			SET agent_session_id = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND (agent_session_id IS NULL OR agent_session_id = ?);
		`, agentSessionID, id, agentSessionID)
		if err != nil {
			return fmt.Errorf("set agent session id: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("agent session id rows affected: %w", err)
		}
		if affected != 1 {
			existing, getErr := s.GetSession(ctx, id)
			if getErr != nil {
				return getErr
			}
			return fmt.Errorf("agent session id already bound to %q", existing.AgentSessionID)
		}
		return nil
	})
}

func (s *Store) SetTitle(ctx context.Context, id, title string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET title = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, title, id)
		if err != nil {
			return fmt.Errorf("set title: %w", err)
		}
		if affected, err := res.RowsAffected(); err == nil && affected == 0 {
			return ErrNotFound
		}
		return err
	})
}

// ArchiveSession hides a session from default listings. The event log is
// retained.
func (s *Store) ArchiveSession(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET archived = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, id)
		if err != nil {
			return fmt.Errorf("archive session: %w", err)
		}
		if affected, err := res.RowsAffected(); err == nil && affected == 0 {
			return ErrNotFound
		}
		return err
	})
}

// CountActiveSessions reports sessions in a non-terminal status.
func (s *Store) CountActiveSessions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM sessions WHERE status IN ('initializing', 'running', 'waiting');
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}
