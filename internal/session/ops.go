package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/deepfates/haven/internal/acp"
	"github.com/deepfates/haven/internal/audit"
	"github.com/deepfates/haven/internal/bus"
	"github.com/deepfates/haven/internal/otel"
	"github.com/deepfates/haven/internal/persistence"
	"github.com/deepfates/haven/internal/shared"
)

// Prompt appends the user's content blocks to the event log and forwards
// the prompt to the agent. It blocks until the agent's terminal reply so
// the client's call settles with the outcome; every exit path is bounded
// by a timeout.
func (m *Manager) Prompt(ctx context.Context, sessionID string, prompt []json.RawMessage) error {
	ctx, span := otel.StartSpan(ctx, m.tracer, "session.prompt", otel.AttrSessionID.String(sessionID))
	defer span.End()

	if len(prompt) == 0 {
		return fmt.Errorf("%w: empty prompt", ErrNotReady)
	}

	ls := m.liveFor(sessionID)
	if ls == nil {
		if _, err := m.store.GetSession(ctx, sessionID); err != nil {
			return err
		}
		return ErrNotReady
	}

	// The handshake may still be in flight; wait for agent_session_id.
	timer := time.NewTimer(m.cfg.HandshakeTimeout)
	defer timer.Stop()
	select {
	case <-ls.ready:
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
	if ls.readyErr != nil {
		return fmt.Errorf("%w: %v", ErrNotReady, ls.readyErr)
	}

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != persistence.StatusRunning {
		return fmt.Errorf("%w: status %s", ErrNotReady, sess.Status)
	}

	// Record the user's turn first so reconnecting clients replay it.
	var lastSeq int64
	for _, block := range prompt {
		payload, err := json.Marshal(map[string]json.RawMessage{
			"sessionUpdate": json.RawMessage(`"user_message_chunk"`),
			"content":       block,
		})
		if err != nil {
			return fmt.Errorf("marshal prompt block: %w", err)
		}
		seq, err := m.appendEvent(ctx, sessionID, persistence.EventUserMessageChunk, payload)
		if err != nil {
			return err
		}
		lastSeq = seq
	}
	m.bus.Publish(bus.TopicSessionEvents, bus.EventsAppended{SessionID: sessionID, LastSeq: lastSeq})

	_, err = m.callAgent(ctx, ls, acp.MethodSessionPrompt, acp.PromptParams{
		SessionID: ls.agentSession(),
		Prompt:    prompt,
	}, m.cfg.PromptTimeout)
	return err
}

// Respond answers a parked permission request. The reply echoes the
// agent's id byte for byte; a second answer for the same id reports
// ErrNoPending instead of reaching the agent twice.
func (m *Manager) Respond(ctx context.Context, sessionID string, requestID, response json.RawMessage) error {
	ctx, span := otel.StartSpan(ctx, m.tracer, "session.respond", otel.AttrSessionID.String(sessionID))
	defer span.End()

	key, err := m.resolvePendingKey(ctx, sessionID, requestID)
	if err != nil {
		return err
	}
	deleted, err := m.store.DeletePending(ctx, sessionID, key)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNoPending
	}
	m.metrics.PermissionsPending.Add(ctx, -1)

	ls := m.liveFor(sessionID)
	if ls == nil {
		return ErrTerminated
	}
	if err := ls.proc.Send(acp.Message{
		JSONRPC: acp.JSONRPCVersion,
		ID:      acp.RawID(key),
		Result:  response,
	}); err != nil {
		return err
	}

	decision, optionID := probeOutcome(response)
	audit.Record(decision, sessionID, key, optionID, "", shared.TraceID(ctx))

	left, err := m.store.CountPending(ctx, sessionID)
	if err == nil && left == 0 {
		if err := m.store.SetStatus(ctx, sessionID, persistence.StatusRunning); err == nil {
			m.publishStatus(sessionID)
		}
	}
	return nil
}

// resolvePendingKey matches the client-supplied request id against the
// stored raw agent id. Browsers sometimes stringify numeric ids, so a
// quoted numeric form falls back to the bare number and vice versa.
func (m *Manager) resolvePendingKey(ctx context.Context, sessionID string, requestID json.RawMessage) (string, error) {
	key := strings.TrimSpace(string(requestID))
	if key == "" {
		return "", ErrNoPending
	}
	pending, err := m.store.ListPending(ctx, sessionID)
	if err != nil {
		return "", err
	}
	for _, pr := range pending {
		if pr.RequestID == key {
			return key, nil
		}
	}
	var alt string
	if inner, err := strconv.Unquote(key); err == nil {
		if _, numErr := strconv.ParseInt(inner, 10, 64); numErr == nil {
			alt = inner
		}
	} else if _, numErr := strconv.ParseInt(key, 10, 64); numErr == nil {
		alt = strconv.Quote(key)
	}
	if alt != "" {
		for _, pr := range pending {
			if pr.RequestID == alt {
				return alt, nil
			}
		}
	}
	return "", ErrNoPending
}

func probeOutcome(response json.RawMessage) (decision, optionID string) {
	var probe struct {
		Outcome struct {
			Outcome  string `json:"outcome"`
			OptionID string `json:"optionId"`
		} `json:"outcome"`
	}
	if err := json.Unmarshal(response, &probe); err != nil || probe.Outcome.Outcome == "" {
		return "cancelled", ""
	}
	return probe.Outcome.Outcome, probe.Outcome.OptionID
}

// Cancel stops a session on the client's behalf: the agent gets a cancel
// notification and a cancelled outcome for every parked permission, every
// blocked caller is released, and the subprocess is torn down.
func (m *Manager) Cancel(ctx context.Context, sessionID string) error {
	ctx, span := otel.StartSpan(ctx, m.tracer, "session.cancel", otel.AttrSessionID.String(sessionID))
	defer span.End()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	ls := m.liveFor(sessionID)
	if ls == nil {
		// Already torn down; cancel is idempotent on terminal sessions.
		if sess.Status.Terminal() {
			return nil
		}
		return ErrNotReady
	}

	if agentID := ls.agentSession(); agentID != "" {
		note, err := acp.NewNotification(acp.MethodSessionCancel, acp.CancelParams{SessionID: agentID})
		if err == nil {
			_ = ls.proc.Send(note)
		}
	}

	removed, err := m.store.DeleteAllPending(ctx, sessionID)
	if err == nil {
		for _, pr := range removed {
			reply, rerr := acp.NewResponse(acp.RawID(pr.RequestID), acp.CancelledOutcome())
			if rerr == nil {
				_ = ls.proc.Send(reply)
			}
			audit.Record("cancelled", sessionID, pr.RequestID, "", "session_cancelled", shared.TraceID(ctx))
		}
		if len(removed) > 0 {
			m.metrics.PermissionsPending.Add(ctx, -int64(len(removed)))
		}
	}

	if err := m.store.SetStatus(ctx, sessionID, persistence.StatusCompleted); err != nil {
		if errors.Is(err, persistence.ErrIllegalTransition) {
			// Cancelled before the handshake finished.
			_ = m.store.SetExited(ctx, sessionID, persistence.StatusExited, "cancelled")
		} else {
			return err
		}
	}
	m.publishStatus(sessionID)

	m.reg.FailSession(sessionID, ErrCancelled)
	ls.proc.Kill()
	m.log.Info("session cancelled", "session_id", sessionID)
	return nil
}

// Archive soft-deletes a session. A still-live session is cancelled first;
// afterwards no notifications for it reach any client.
func (m *Manager) Archive(ctx context.Context, sessionID string) error {
	ctx, span := otel.StartSpan(ctx, m.tracer, "session.archive", otel.AttrSessionID.String(sessionID))
	defer span.End()

	if ls := m.liveFor(sessionID); ls != nil {
		if err := m.Cancel(ctx, sessionID); err != nil && !errors.Is(err, ErrNotReady) {
			return err
		}
	}
	if err := m.store.ArchiveSession(ctx, sessionID); err != nil {
		return err
	}
	m.bus.Publish(bus.TopicSessionArchived, bus.SessionArchived{SessionID: sessionID})
	return nil
}

// Snapshot is the session/get result: the row, the requested slice of the
// log, and any unresolved permission requests.
type Snapshot struct {
	Session *persistence.Session
	Events  []persistence.Event
	Pending []persistence.PendingRequest
}

// Get reads a consistent snapshot for replay. since=0 returns the full log.
func (m *Manager) Get(ctx context.Context, sessionID string, since int64) (*Snapshot, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	events, err := m.store.ListEvents(ctx, sessionID, since)
	if err != nil {
		return nil, err
	}
	pending, err := m.store.ListPending(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Session: sess, Events: events, Pending: pending}, nil
}

// List returns sessions, optionally including archived ones and filtered
// to a status set.
func (m *Manager) List(ctx context.Context, includeArchived bool, statuses []string) ([]persistence.Session, error) {
	sessions, err := m.store.ListSessions(ctx, includeArchived)
	if err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return sessions, nil
	}
	want := map[string]bool{}
	for _, st := range statuses {
		want[st] = true
	}
	out := sessions[:0]
	for _, sess := range sessions {
		if want[string(sess.Status)] {
			out = append(out, sess)
		}
	}
	return out, nil
}

// Shutdown tears down every live session at process exit. Agents are
// killed, blocked callers released, and each session is marked exited
// with reason shutdown before its subprocess reaper can attribute the
// death to the process itself.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	live := make([]*liveSession, 0, len(m.live))
	for _, ls := range m.live {
		live = append(live, ls)
	}
	m.mu.Unlock()

	for _, ls := range live {
		m.reg.FailSession(ls.id, ErrTerminated)
		_ = m.store.SetExited(ctx, ls.id, persistence.StatusExited, persistence.ExitReasonShutdown)
		m.publishStatus(ls.id)
		ls.proc.Kill()
	}
	if len(live) > 0 {
		m.log.Info("shutdown: live sessions terminated", "count", len(live))
	}
}
