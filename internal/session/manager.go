// Package session owns the per-session state machine: spawning the agent
// subprocess, running the handshake, translating between bridge and agent
// session ids, appending events, and brokering permission requests.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/deepfates/haven/internal/acp"
	"github.com/deepfates/haven/internal/agentio"
	"github.com/deepfates/haven/internal/bus"
	"github.com/deepfates/haven/internal/otel"
	"github.com/deepfates/haven/internal/persistence"
	"github.com/deepfates/haven/internal/registry"
	"github.com/deepfates/haven/internal/shared"
)

var (
	// ErrNotFound mirrors the store's sentinel for unknown session ids.
	ErrNotFound = persistence.ErrNotFound
	// ErrNotReady is returned for operations that need a running session.
	ErrNotReady = errors.New("session not ready")
	// ErrTimeout is returned when the agent misses a deadline.
	ErrTimeout = errors.New("request timeout")
	// ErrSpawnFailed is returned when the subprocess could not start.
	ErrSpawnFailed = errors.New("agent spawn failed")
	// ErrNoPending is returned for replies to unknown permission requests.
	ErrNoPending = errors.New("no such pending request")
	// ErrCancelled resolves in-flight calls when the client cancels.
	ErrCancelled = errors.New("session cancelled")
	// ErrTerminated mirrors the registry's terminal sentinel.
	ErrTerminated = registry.ErrSessionTerminated
)

// Proc is the slice of agentio.Process the manager needs. Tests substitute
// an in-memory agent.
type Proc interface {
	Send(acp.Message) error
	Recv() (*acp.Message, error)
	Done() <-chan struct{}
	ExitErr() error
	Kill()
}

// Spawner starts an agent subprocess for a new session.
type Spawner func(command, cwd string, extraEnv []string, log *slog.Logger) (Proc, error)

// DefaultSpawner shells out through agentio.
func DefaultSpawner(command, cwd string, extraEnv []string, log *slog.Logger) (Proc, error) {
	return agentio.Spawn(command, cwd, extraEnv, log)
}

// Config carries the knobs the manager reads.
type Config struct {
	AgentCommand     string
	DefaultCwd       string
	HandshakeTimeout time.Duration
	PromptTimeout    time.Duration
}

type liveSession struct {
	id   string
	proc Proc

	// ready closes when the handshake finishes, successfully or not.
	ready    chan struct{}
	readyErr error

	mu             sync.Mutex
	agentSessionID string
	ioError        bool
}

func (ls *liveSession) setAgentSessionID(id string) {
	ls.mu.Lock()
	ls.agentSessionID = id
	ls.mu.Unlock()
}

func (ls *liveSession) agentSession() string {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.agentSessionID
}

func (ls *liveSession) markIOError() {
	ls.mu.Lock()
	ls.ioError = true
	ls.mu.Unlock()
}

func (ls *liveSession) hadIOError() bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.ioError
}

type Manager struct {
	cfg     Config
	store   *persistence.Store
	reg     *registry.Registry
	bus     *bus.Bus
	log     *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer
	spawn   Spawner

	mu   sync.Mutex
	live map[string]*liveSession
}

func NewManager(cfg Config, store *persistence.Store, reg *registry.Registry, eventBus *bus.Bus, log *slog.Logger, metrics *otel.Metrics, tracer trace.Tracer, spawn Spawner) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = otel.NopMetrics()
	}
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if spawn == nil {
		spawn = DefaultSpawner
	}
	return &Manager{
		cfg:     cfg,
		store:   store,
		reg:     reg,
		bus:     eventBus,
		log:     log,
		metrics: metrics,
		tracer:  tracer,
		spawn:   spawn,
		live:    map[string]*liveSession{},
	}
}

func (m *Manager) liveFor(id string) *liveSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[id]
}

// Create spawns the agent, registers the session, and starts the handshake
// in the background. The returned id is usable immediately; prompts block
// until the handshake settles.
func (m *Manager) Create(ctx context.Context, agentType, cwd, title string) (string, error) {
	ctx, span := otel.StartSpan(ctx, m.tracer, "session.create")
	defer span.End()

	if agentType == "" {
		agentType = m.cfg.AgentCommand
	}
	if cwd == "" {
		cwd = m.cfg.DefaultCwd
	}
	id := shared.NewSessionID()
	span.SetAttributes(otel.AttrSessionID.String(id))
	log := m.log.With("session_id", id, "trace_id", shared.TraceID(ctx))

	if err := m.store.CreateSession(ctx, id, agentType, cwd, title); err != nil {
		return "", err
	}

	proc, err := m.spawn(m.cfg.AgentCommand, cwd, nil, log)
	if err != nil {
		log.Error("agent spawn failed", "error", err)
		_ = m.store.SetExited(ctx, id, persistence.StatusError, persistence.ExitReasonSpawnFailed)
		m.publishStatus(id)
		return "", fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	ls := &liveSession{id: id, proc: proc, ready: make(chan struct{})}
	m.mu.Lock()
	m.live[id] = ls
	m.mu.Unlock()
	m.metrics.ActiveSessions.Add(ctx, 1)

	go m.readLoop(ls, log)
	go m.watchExit(ls, log)
	go m.handshake(ls, cwd, log)

	log.Info("session created", "cwd", cwd, "title", title)
	return id, nil
}

// handshake runs initialize then session/new, exactly once per session.
func (m *Manager) handshake(ls *liveSession, cwd string, log *slog.Logger) {
	start := time.Now()
	ctx := context.Background()

	fail := func(step string, err error) {
		log.Error("handshake failed", "step", step, "error", err)
		ls.readyErr = fmt.Errorf("%s: %w", step, err)
		close(ls.ready)
		_ = m.store.SetExited(ctx, ls.id, persistence.StatusError, persistence.ExitReasonInitFailed)
		m.publishStatus(ls.id)
		ls.proc.Kill()
	}

	if _, err := m.callAgent(ctx, ls, acp.MethodInitialize, acp.InitializeParams{
		ProtocolVersion: acp.ProtocolVersion,
		Capabilities:    map[string]any{},
	}, m.cfg.HandshakeTimeout); err != nil {
		fail("initialize", err)
		return
	}

	raw, err := m.callAgent(ctx, ls, acp.MethodSessionNew, acp.NewSessionParams{
		Cwd:        cwd,
		MCPServers: []any{},
	}, m.cfg.HandshakeTimeout)
	if err != nil {
		fail("session/new", err)
		return
	}
	var res acp.NewSessionResult
	if err := json.Unmarshal(raw, &res); err != nil || res.SessionID == "" {
		fail("session/new", fmt.Errorf("bad result %s", raw))
		return
	}

	if err := m.store.SetAgentSessionID(ctx, ls.id, res.SessionID); err != nil {
		fail("record", err)
		return
	}
	ls.setAgentSessionID(res.SessionID)
	if err := m.store.SetStatus(ctx, ls.id, persistence.StatusRunning); err != nil {
		fail("record", err)
		return
	}
	seq, err := m.appendEvent(ctx, ls.id, persistence.EventStatusChanged,
		json.RawMessage(`{"status":"running"}`))
	if err != nil {
		log.Error("append status event", "error", err)
	} else {
		m.bus.Publish(bus.TopicSessionEvents, bus.EventsAppended{SessionID: ls.id, LastSeq: seq})
	}
	m.publishStatus(ls.id)
	close(ls.ready)

	m.metrics.HandshakeDuration.Record(ctx, time.Since(start).Seconds())
	log.Info("handshake complete", "agent_session_id", res.SessionID, "elapsed", time.Since(start))
}

// callAgent forwards one request under a fresh bridge id and blocks for
// the reply or the deadline.
func (m *Manager) callAgent(ctx context.Context, ls *liveSession, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	ctx, span := otel.StartClientSpan(ctx, m.tracer, "agent."+method,
		otel.AttrSessionID.String(ls.id), otel.AttrMethod.String(method))
	defer span.End()

	id, ch := m.reg.Register(ls.id)
	req, err := acp.NewRequest(id, method, params)
	if err != nil {
		m.reg.Drop(id)
		return nil, err
	}
	if err := ls.proc.Send(req); err != nil {
		m.reg.Drop(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-ch:
		switch {
		case out.Err != nil:
			return nil, out.Err
		case out.RPCErr != nil:
			return nil, out.RPCErr
		default:
			return out.Result, nil
		}
	case <-timer.C:
		m.reg.Drop(id)
		return nil, ErrTimeout
	case <-ctx.Done():
		m.reg.Drop(id)
		return nil, ctx.Err()
	}
}

func (m *Manager) appendEvent(ctx context.Context, sessionID, eventType string, payload json.RawMessage) (int64, error) {
	seq, err := m.store.AppendEvent(ctx, sessionID, eventType, payload)
	if err == nil {
		m.metrics.EventsAppended.Add(ctx, 1, metric.WithAttributes(otel.AttrEventType.String(eventType)))
	}
	return seq, err
}

// publishStatus reads the current row and broadcasts it. Publishing after
// the store write keeps notifications consistent with what a session/get
// would return.
func (m *Manager) publishStatus(id string) {
	sess, err := m.store.GetSession(context.Background(), id)
	if err != nil {
		return
	}
	m.bus.Publish(bus.TopicSessionStatus, bus.StatusChanged{
		SessionID:  id,
		Status:     string(sess.Status),
		ExitReason: sess.ExitReason,
	})
}

// readLoop classifies every frame from the agent: replies resolve registry
// calls, session/update notifications become events, and permission
// requests are parked for a human.
func (m *Manager) readLoop(ls *liveSession, log *slog.Logger) {
	ctx := context.Background()
	for {
		msg, err := ls.proc.Recv()
		if err != nil {
			select {
			case <-ls.proc.Done():
				// Process exit closed the pipe; watchExit owns cleanup.
			default:
				if !errors.Is(err, io.EOF) {
					ls.markIOError()
				}
			}
			ls.proc.Kill()
			return
		}
		m.metrics.FramesReceived.Add(ctx, 1)

		switch {
		case msg.IsResponse():
			if !m.reg.Resolve(msg.ID, msg) {
				log.Debug("late agent reply dropped", "id", msg.ID.String())
			}
		case msg.IsNotification() && msg.Method == acp.MethodSessionUpdate:
			m.handleUpdate(ctx, ls, msg, log)
		case msg.IsRequest() && msg.Method == acp.MethodRequestPermission:
			m.handlePermission(ctx, ls, msg, log)
		case msg.IsRequest():
			log.Warn("unsupported agent request", "method", msg.Method)
			_ = ls.proc.Send(acp.Message{
				JSONRPC: acp.JSONRPCVersion,
				ID:      msg.ID,
				Error:   &acp.Error{Code: -32601, Message: "method not found"},
			})
		default:
			log.Debug("unhandled agent frame", "method", msg.Method)
			m.metrics.FramesDropped.Add(ctx, 1)
		}
	}
}

func (m *Manager) handleUpdate(ctx context.Context, ls *liveSession, msg *acp.Message, log *slog.Logger) {
	var params acp.UpdateParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		log.Warn("bad session/update params", "error", err)
		m.metrics.FramesDropped.Add(ctx, 1)
		return
	}
	if agentID := ls.agentSession(); agentID != "" && params.SessionID != "" && params.SessionID != agentID {
		log.Warn("session/update for foreign session", "got", params.SessionID, "want", agentID)
		m.metrics.FramesDropped.Add(ctx, 1)
		return
	}
	eventType := acp.UpdateType(params.Update)
	if eventType == "" {
		eventType = persistence.EventSessionUpdate
	}
	seq, err := m.appendEvent(ctx, ls.id, eventType, params.Update)
	if err != nil {
		log.Error("append event", "type", eventType, "error", err)
		return
	}
	m.bus.Publish(bus.TopicSessionEvents, bus.EventsAppended{SessionID: ls.id, LastSeq: seq})
}

func (m *Manager) handlePermission(ctx context.Context, ls *liveSession, msg *acp.Message, log *slog.Logger) {
	key := msg.ID.Key()
	if err := m.store.AddPending(ctx, ls.id, key, persistence.PendingKindPermission, msg.Params); err != nil {
		log.Error("park permission request", "request_id", key, "error", err)
		return
	}
	m.metrics.PermissionsOpened.Add(ctx, 1)
	m.metrics.PermissionsPending.Add(ctx, 1)

	if err := m.store.SetStatus(ctx, ls.id, persistence.StatusWaiting); err != nil {
		log.Warn("waiting transition", "error", err)
	} else {
		m.publishStatus(ls.id)
	}
	m.bus.Publish(bus.TopicSessionRequest, bus.PermissionRequested{
		SessionID: ls.id,
		RequestID: key,
		Request:   msg.Params,
	})
	log.Info("permission requested", "request_id", key)
}

// watchExit runs cleanup exactly once per subprocess.
func (m *Manager) watchExit(ls *liveSession, log *slog.Logger) {
	<-ls.proc.Done()
	ctx := context.Background()

	m.mu.Lock()
	delete(m.live, ls.id)
	m.mu.Unlock()
	m.metrics.ActiveSessions.Add(ctx, -1)

	m.reg.FailSession(ls.id, ErrTerminated)

	if removed, err := m.store.DeleteAllPending(ctx, ls.id); err == nil && len(removed) > 0 {
		m.metrics.PermissionsPending.Add(ctx, -int64(len(removed)))
	}

	reason := persistence.ExitReasonProcessExit
	if ls.hadIOError() {
		reason = persistence.ExitReasonIOError
	}
	before, err := m.store.GetSession(ctx, ls.id)
	if err != nil {
		log.Error("load session on exit", "error", err)
		return
	}
	if !before.Status.Terminal() {
		if err := m.store.SetExited(ctx, ls.id, persistence.StatusExited, reason); err != nil {
			log.Error("mark session exited", "error", err)
		}
		m.publishStatus(ls.id)
		log.Info("agent exited", "reason", reason, "exit_error", ls.proc.ExitErr())
	}
}
