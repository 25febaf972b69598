package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/deepfates/haven/internal/acp"
	"github.com/deepfates/haven/internal/audit"
	"github.com/deepfates/haven/internal/bus"
	"github.com/deepfates/haven/internal/otel"
	"github.com/deepfates/haven/internal/persistence"
	"github.com/deepfates/haven/internal/registry"
	"github.com/deepfates/haven/internal/session"
	"github.com/deepfates/haven/internal/shared"
)

type Config struct {
	Manager  *session.Manager
	Store    *persistence.Store
	Bus      *bus.Bus
	Registry *registry.Registry

	// StaticDir serves the browser UI at "/". Empty disables it.
	StaticDir string

	// AllowOrigins controls accepted Origin headers for cross-origin
	// WebSocket connections. Same-origin is always allowed.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the effective config, exposed in
	// /healthz so operators can tell which config a node runs.
	ConfigFingerprint string

	Log     *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

// Server is the browser-facing surface: the /ws JSON-RPC endpoint, the
// static UI, and /healthz. Each connected client gets a read loop plus a
// bus forwarder pushing events for the sessions it touched.
type Server struct {
	cfg     Config
	log     *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes

	// Subscription state. sessions maps a subscribed session id to the
	// highest seq already pushed to this client; pendingRoutes maps a
	// permission request id (raw JSON text) back to its session so bare
	// reply frames can be routed.
	subMu         sync.Mutex
	sessions      map[string]int64
	pendingRoutes map[string]string
	busSub        *bus.Subscription
	busCancel     context.CancelFunc
}

func New(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = otel.NopMetrics()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("gateway")
	}
	return &Server{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		tracer:  tracer,
		clients: map[*client]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	active, err := s.cfg.Store.CountActiveSessions(ctx)
	if err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"active_sessions":    active,
		"inflight_calls":     s.cfg.Registry.InFlight(),
		"permission_denials": audit.DenyCount(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{
		conn:          conn,
		sessions:      map[string]int64{},
		pendingRoutes: map[string]string{},
	}
	s.addClient(c)
	s.log.Info("ws: client connected")
	defer func() {
		s.removeClient(c)
		s.log.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req rpcRequest
		if err := json.Unmarshal(data, &req); err != nil {
			_ = c.write(ctx, rpcResponse{
				JSONRPC: acp.JSONRPCVersion,
				ID:      json.RawMessage("null"),
				Error:   &rpcError{Code: ErrCodeParse, Message: "parse error"},
			})
			continue
		}
		if req.isReply() {
			go s.handleClientReply(ctx, c, req)
			continue
		}
		if req.JSONRPC != acp.JSONRPCVersion || req.Method == "" {
			if len(req.ID) == 0 {
				continue
			}
			_ = c.write(ctx, rpcResponse{
				JSONRPC: acp.JSONRPCVersion,
				ID:      req.ID,
				Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"},
			})
			continue
		}
		// Each request runs on its own goroutine so a blocked prompt
		// never stalls this connection's read loop.
		go func(req rpcRequest) {
			resp := s.dispatch(ctx, c, req)
			if resp == nil {
				return
			}
			if err := c.write(ctx, *resp); err != nil {
				s.log.Error("ws: write response error", "method", req.Method, "error", err)
			}
		}(req)
	}
}

func (s *Server) dispatch(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx, span := otel.StartServerSpan(ctx, s.tracer, "rpc "+req.Method, otel.AttrMethod.String(req.Method))
	defer span.End()
	start := time.Now()
	defer func() {
		s.metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otel.AttrMethod.String(req.Method)))
	}()
	s.log.Info("ws: request", "method", req.Method, "id", string(req.ID), "trace_id", shared.TraceID(ctx))

	result, rpcErr := s.call(ctx, c, req.Method, req.Params)
	if len(req.ID) == 0 {
		// Notification; nothing goes back even on error.
		return nil
	}
	resp := &rpcResponse{JSONRPC: acp.JSONRPCVersion, ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
		return resp
	}
	resp.Result = result
	return resp
}

func (s *Server) call(ctx context.Context, c *client, method string, params json.RawMessage) (any, *rpcError) {
	switch method {
	case "session/list":
		var p listParams
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, &rpcError{Code: ErrCodeInvalidParams, Message: "invalid params"}
			}
		}
		sessions, err := s.cfg.Manager.List(ctx, p.Archived, p.Status)
		if err != nil {
			return nil, rpcErrorFor(err)
		}
		return map[string]any{"sessions": sessions}, nil

	case "session/new":
		var p newParams
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, &rpcError{Code: ErrCodeInvalidParams, Message: "invalid params"}
			}
		}
		id, err := s.cfg.Manager.Create(ctx, p.AgentType, p.Cwd, p.Title)
		if err != nil {
			return nil, rpcErrorFor(err)
		}
		s.subscribe(c, id, 0)
		return map[string]any{"sessionId": id}, nil

	case "session/get", "session/sync":
		var p getParams
		if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" {
			return nil, &rpcError{Code: ErrCodeInvalidParams, Message: "sessionId required"}
		}
		snap, err := s.cfg.Manager.Get(ctx, p.SessionID, p.Since)
		if err != nil {
			return nil, rpcErrorFor(err)
		}
		updates := make([]eventView, 0, len(snap.Events))
		mark := p.Since
		for _, ev := range snap.Events {
			updates = append(updates, eventView{Seq: ev.Seq, UpdateType: ev.Type, Payload: ev.Payload})
			if ev.Seq > mark {
				mark = ev.Seq
			}
		}
		pending := make([]pendingView, 0, len(snap.Pending))
		for _, pr := range snap.Pending {
			pending = append(pending, pendingView{
				RequestID: json.RawMessage(pr.RequestID),
				Kind:      pr.Kind,
				Request:   pr.Payload,
			})
			c.routePending(pr.RequestID, p.SessionID)
		}
		s.subscribe(c, p.SessionID, mark)
		return map[string]any{
			"session":         snap.Session,
			"updates":         updates,
			"pendingRequests": pending,
		}, nil

	case "session/prompt":
		var p promptParams
		if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" || len(p.Prompt) == 0 {
			return nil, &rpcError{Code: ErrCodeInvalidParams, Message: "sessionId and prompt required"}
		}
		// Subscribe before forwarding so the agent's streamed output
		// reaches this client while the call is in flight.
		mark, err := s.cfg.Store.LastSeq(ctx, p.SessionID)
		if err != nil {
			return nil, rpcErrorFor(err)
		}
		s.subscribe(c, p.SessionID, mark)
		if err := s.cfg.Manager.Prompt(ctx, p.SessionID, p.Prompt); err != nil {
			return nil, rpcErrorFor(err)
		}
		return successResult, nil

	case "session/respond":
		var p respondParams
		if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" || len(p.RequestID) == 0 {
			return nil, &rpcError{Code: ErrCodeInvalidParams, Message: "sessionId and requestId required"}
		}
		if err := s.cfg.Manager.Respond(ctx, p.SessionID, p.RequestID, p.Response); err != nil {
			return nil, rpcErrorFor(err)
		}
		return successResult, nil

	case "session/cancel":
		var p sessionIDParams
		if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" {
			return nil, &rpcError{Code: ErrCodeInvalidParams, Message: "sessionId required"}
		}
		if err := s.cfg.Manager.Cancel(ctx, p.SessionID); err != nil {
			return nil, rpcErrorFor(err)
		}
		return successResult, nil

	case "session/archive":
		var p sessionIDParams
		if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" {
			return nil, &rpcError{Code: ErrCodeInvalidParams, Message: "sessionId required"}
		}
		if err := s.cfg.Manager.Archive(ctx, p.SessionID); err != nil {
			return nil, rpcErrorFor(err)
		}
		return successResult, nil

	default:
		return nil, &rpcError{Code: ErrCodeMethodNotFound, Message: "unknown method " + method}
	}
}

// handleClientReply routes a bare response frame (id + result, no method)
// to the pending permission it answers. The route was recorded when the
// request was pushed to this client.
func (s *Server) handleClientReply(ctx context.Context, c *client, req rpcRequest) {
	key := string(compactRaw(req.ID))
	sessionID := c.takeRoute(key)
	if sessionID == "" {
		s.log.Warn("ws: reply for unknown request id", "id", key)
		return
	}
	response := req.Result
	if response == nil {
		// An error reply counts as declining the request.
		raw, err := json.Marshal(acp.CancelledOutcome())
		if err != nil {
			return
		}
		response = raw
	}
	if err := s.cfg.Manager.Respond(ctx, sessionID, req.ID, response); err != nil {
		s.log.Warn("ws: reply not deliverable", "session_id", sessionID, "id", key, "error", err)
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	c.subMu.Lock()
	if c.busCancel != nil {
		c.busCancel()
	}
	if c.busSub != nil && s.cfg.Bus != nil {
		s.cfg.Bus.Unsubscribe(c.busSub)
	}
	c.subMu.Unlock()

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (c *client) routePending(requestID, sessionID string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.pendingRoutes[requestID] = sessionID
}

func (c *client) takeRoute(requestID string) string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	sessionID, ok := c.pendingRoutes[requestID]
	if ok {
		delete(c.pendingRoutes, requestID)
	}
	return sessionID
}

// compactRaw strips insignificant whitespace from a raw JSON value so id
// keys compare byte for byte.
func compactRaw(raw json.RawMessage) json.RawMessage {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
