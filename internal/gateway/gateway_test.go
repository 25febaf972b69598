package gateway_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/deepfates/haven/internal/acp"
	"github.com/deepfates/haven/internal/agentio"
	"github.com/deepfates/haven/internal/bus"
	"github.com/deepfates/haven/internal/gateway"
	"github.com/deepfates/haven/internal/persistence"
	"github.com/deepfates/haven/internal/registry"
	"github.com/deepfates/haven/internal/session"
)

// scriptedProc is an in-memory agent subprocess. Each spawned session
// gets its own instance running the fixture's script.
type scriptedProc struct {
	sent chan acp.Message
	out  chan *acp.Message
	done chan struct{}
	once sync.Once

	// pendingPrompt holds the unanswered prompt while a permission
	// request is open.
	pendingPrompt acp.Message
}

func (p *scriptedProc) Send(msg acp.Message) error {
	select {
	case <-p.done:
		return agentio.ErrClosed
	default:
	}
	p.sent <- msg
	return nil
}

func (p *scriptedProc) Recv() (*acp.Message, error) {
	select {
	case msg := <-p.out:
		return msg, nil
	case <-p.done:
		return nil, io.EOF
	}
}

func (p *scriptedProc) Done() <-chan struct{} { return p.done }
func (p *scriptedProc) ExitErr() error        { return nil }
func (p *scriptedProc) Kill()                 { p.once.Do(func() { close(p.done) }) }

func (p *scriptedProc) respond(req acp.Message, result any) {
	msg, err := acp.NewResponse(req.ID, result)
	if err != nil {
		panic(err)
	}
	p.out <- &msg
}

func (p *scriptedProc) update(kind, text string) {
	params, _ := json.Marshal(acp.UpdateParams{
		SessionID: "agent-1",
		Update:    json.RawMessage(fmt.Sprintf(`{"sessionUpdate":%q,"content":{"type":"text","text":%q}}`, kind, text)),
	})
	p.out <- &acp.Message{JSONRPC: acp.JSONRPCVersion, Method: acp.MethodSessionUpdate, Params: params}
}

// defaultScript answers the handshake and dispatches prompts by the text
// of their first content block, mimicking the stub agent used in manual
// testing: "permission" asks before answering, "die" exits, "slow"
// never answers, anything else echoes a canned chunk.
func defaultScript(p *scriptedProc) {
	for {
		var req acp.Message
		select {
		case req = <-p.sent:
		case <-p.done:
			return
		}
		if req.IsResponse() {
			// Permission outcome; the pending prompt finishes below.
			p.update("agent_message_chunk", "permission granted")
			p.respond(p.pendingPrompt, acp.PromptResult{StopReason: "end_turn"})
			continue
		}
		switch req.Method {
		case acp.MethodInitialize:
			p.respond(req, map[string]any{})
		case acp.MethodSessionNew:
			p.respond(req, acp.NewSessionResult{SessionID: "agent-1"})
		case acp.MethodSessionPrompt:
			switch promptText(req.Params) {
			case "permission":
				p.pendingPrompt = req
				params, _ := json.Marshal(acp.RequestPermissionParams{
					SessionID: "agent-1",
					ToolCall:  json.RawMessage(`{"name":"write_file"}`),
					Options: []acp.PermissionOption{
						{OptionID: "allow", Kind: "allow_once"},
						{OptionID: "deny", Kind: "reject_once"},
					},
				})
				p.out <- &acp.Message{JSONRPC: acp.JSONRPCVersion, ID: acp.IntID(99), Method: acp.MethodRequestPermission, Params: params}
			case "die":
				p.Kill()
			case "slow":
				// never answer
			default:
				p.update("agent_message_chunk", "stubbed response")
				p.respond(req, acp.PromptResult{StopReason: "end_turn"})
			}
		}
	}
}

func promptText(params json.RawMessage) string {
	var p acp.PromptParams
	if err := json.Unmarshal(params, &p); err != nil || len(p.Prompt) == 0 {
		return ""
	}
	var block struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(p.Prompt[0], &block)
	return block.Text
}

type fixture struct {
	store *persistence.Store
	srv   *httptest.Server
	wsURL string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "haven.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	eventBus := bus.New()
	reg := registry.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	spawn := func(command, cwd string, extraEnv []string, l *slog.Logger) (session.Proc, error) {
		p := &scriptedProc{
			sent: make(chan acp.Message, 128),
			out:  make(chan *acp.Message, 128),
			done: make(chan struct{}),
		}
		go defaultScript(p)
		return p, nil
	}
	mgr := session.NewManager(session.Config{
		AgentCommand:     "acp-agent",
		DefaultCwd:       t.TempDir(),
		HandshakeTimeout: 2 * time.Second,
		PromptTimeout:    5 * time.Second,
	}, store, reg, eventBus, log, nil, nil, spawn)

	srv := httptest.NewServer(gateway.New(gateway.Config{
		Manager:           mgr,
		Store:             store,
		Bus:               eventBus,
		Registry:          reg,
		ConfigFingerprint: "test",
		Log:               log,
	}).Handler())
	t.Cleanup(srv.Close)

	return &fixture{
		store: store,
		srv:   srv,
		wsURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

// frame is any inbound WebSocket message: a reply or a notification.
type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// testClient demultiplexes replies and notifications off one connection.
type testClient struct {
	t      *testing.T
	conn   *websocket.Conn
	resps  chan frame
	notes  chan frame
	nextID int64
}

func dial(t *testing.T, url string) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	tc := &testClient{
		t:      t,
		conn:   conn,
		resps:  make(chan frame, 64),
		notes:  make(chan frame, 256),
		nextID: 9000,
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "done") })
	go func() {
		for {
			var f frame
			if err := wsjson.Read(context.Background(), conn, &f); err != nil {
				close(tc.notes)
				return
			}
			if f.Method != "" {
				tc.notes <- f
			} else {
				tc.resps <- f
			}
		}
	}()
	return tc
}

func (tc *testClient) send(raw string) {
	tc.t.Helper()
	err := tc.conn.Write(context.Background(), websocket.MessageText, []byte(raw))
	if err != nil {
		tc.t.Fatalf("write: %v", err)
	}
}

// call issues a request and waits for the reply with the same id.
func (tc *testClient) call(id int, method string, params any) frame {
	tc.t.Helper()
	raw, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		tc.t.Fatalf("marshal request: %v", err)
	}
	tc.send(string(raw))
	deadline := time.After(8 * time.Second)
	for {
		select {
		case f := <-tc.resps:
			if string(f.ID) == fmt.Sprintf("%d", id) {
				return f
			}
		case <-deadline:
			tc.t.Fatalf("no reply for %s id=%d", method, id)
		}
	}
}

func (tc *testClient) mustResult(f frame, v any) {
	tc.t.Helper()
	if f.Error != nil {
		tc.t.Fatalf("rpc error %d: %s", f.Error.Code, f.Error.Message)
	}
	if v != nil {
		if err := json.Unmarshal(f.Result, v); err != nil {
			tc.t.Fatalf("decode result: %v", err)
		}
	}
}

// waitNote blocks until a notification passes pred.
func (tc *testClient) waitNote(method string, pred func(params json.RawMessage) bool) frame {
	tc.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-tc.notes:
			if !ok {
				tc.t.Fatalf("connection closed while waiting for %s", method)
			}
			if f.Method == method && (pred == nil || pred(f.Params)) {
				return f
			}
		case <-deadline:
			tc.t.Fatalf("timeout waiting for notification %s", method)
		}
	}
}

func statusIs(want string) func(json.RawMessage) bool {
	return func(params json.RawMessage) bool {
		var p struct {
			Status string `json:"status"`
		}
		_ = json.Unmarshal(params, &p)
		return p.Status == want
	}
}

func (tc *testClient) newSession(title string) string {
	tc.t.Helper()
	var res struct {
		SessionID string `json:"sessionId"`
	}
	tc.mustResult(tc.call(1, "session/new", map[string]any{"title": title}), &res)
	if res.SessionID == "" {
		tc.t.Fatalf("empty session id")
	}
	return res.SessionID
}

type getResult struct {
	Session struct {
		SessionID string `json:"sessionId"`
		Status    string `json:"status"`
		Title     string `json:"title"`
	} `json:"session"`
	Updates []struct {
		Seq        int64           `json:"seq"`
		UpdateType string          `json:"updateType"`
		Payload    json.RawMessage `json:"payload"`
	} `json:"updates"`
	PendingRequests []struct {
		RequestID json.RawMessage `json:"requestId"`
		Kind      string          `json:"kind"`
		Request   json.RawMessage `json:"request"`
	} `json:"pendingRequests"`
}

func (tc *testClient) get(id int, sessionID string) getResult {
	tc.t.Helper()
	var res getResult
	tc.mustResult(tc.call(id, "session/get", map[string]any{"sessionId": sessionID}), &res)
	return res
}

// waitStatus polls session/get until the session reaches the wanted
// status. Polling rather than watching notifications keeps this safe to
// call right after session/new, when the handshake may already have won
// the race against this client's subscription.
func (tc *testClient) waitStatus(sessionID, want string) {
	tc.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		id := int(atomic.AddInt64(&tc.nextID, 1))
		if res := tc.get(id, sessionID); res.Session.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	tc.t.Fatalf("session %s never reached %s", sessionID, want)
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t)
	tc := dial(t, f.wsURL)

	id := tc.newSession("hello")
	tc.waitStatus(id, "running")

	var promptRes struct {
		Success bool `json:"success"`
	}
	tc.mustResult(tc.call(2, "session/prompt", map[string]any{
		"sessionId": id,
		"prompt":    []map[string]any{{"type": "text", "text": "hi"}},
	}), &promptRes)
	if !promptRes.Success {
		t.Fatalf("prompt did not report success")
	}

	res := tc.get(3, id)
	if res.Session.Status != "running" || res.Session.Title != "hello" {
		t.Fatalf("unexpected session: %+v", res.Session)
	}
	var kinds []string
	for _, u := range res.Updates {
		kinds = append(kinds, u.UpdateType)
	}
	// user turn then agent chunk, in seq order
	userAt, agentAt := -1, -1
	for i, k := range kinds {
		if k == "user_message_chunk" && userAt < 0 {
			userAt = i
		}
		if k == "agent_message_chunk" {
			agentAt = i
		}
	}
	if userAt < 0 || agentAt < 0 || agentAt < userAt {
		t.Fatalf("unexpected update order: %v", kinds)
	}
	for i, u := range res.Updates {
		if u.Seq != int64(i+1) {
			t.Fatalf("seq gap at %d: %+v", i, res.Updates)
		}
	}

	// The prompt's events were also pushed live.
	tc.waitNote("session/updated", func(params json.RawMessage) bool {
		var p struct {
			SessionID string `json:"sessionId"`
			Updates   []struct {
				UpdateType string `json:"updateType"`
			} `json:"updates"`
		}
		_ = json.Unmarshal(params, &p)
		if p.SessionID != id {
			return false
		}
		for _, u := range p.Updates {
			if u.UpdateType == "agent_message_chunk" {
				return true
			}
		}
		return false
	})
}

func TestPermissionFlow(t *testing.T) {
	f := newFixture(t)
	tc := dial(t, f.wsURL)

	id := tc.newSession("perm")
	tc.waitStatus(id, "running")

	promptDone := make(chan frame, 1)
	go func() {
		promptDone <- tc.call(2, "session/prompt", map[string]any{
			"sessionId": id,
			"prompt":    []map[string]any{{"type": "text", "text": "permission"}},
		})
	}()

	note := tc.waitNote("session/request", nil)
	var reqNote struct {
		SessionID string          `json:"sessionId"`
		RequestID json.RawMessage `json:"requestId"`
		Request   json.RawMessage `json:"request"`
	}
	if err := json.Unmarshal(note.Params, &reqNote); err != nil {
		t.Fatalf("decode request note: %v", err)
	}
	if reqNote.SessionID != id || string(reqNote.RequestID) != "99" {
		t.Fatalf("unexpected request note: %+v", reqNote)
	}
	tc.waitNote("session/status_changed", statusIs("waiting"))

	res := tc.get(3, id)
	if len(res.PendingRequests) != 1 || string(res.PendingRequests[0].RequestID) != "99" {
		t.Fatalf("pending not visible in session/get: %+v", res.PendingRequests)
	}

	tc.mustResult(tc.call(4, "session/respond", map[string]any{
		"sessionId": id,
		"requestId": 99,
		"response":  map[string]any{"outcome": map[string]any{"outcome": "selected", "optionId": "allow"}},
	}), nil)

	tc.waitNote("session/status_changed", statusIs("running"))
	reply := <-promptDone
	if reply.Error != nil {
		t.Fatalf("prompt failed: %+v", reply.Error)
	}

	after := tc.get(5, id)
	var sawGrant bool
	for _, u := range after.Updates {
		if u.UpdateType == "agent_message_chunk" && strings.Contains(string(u.Payload), "permission granted") {
			sawGrant = true
		}
	}
	if !sawGrant {
		t.Fatalf("agent chunk after permission missing: %+v", after.Updates)
	}
}

func TestBareReplyRoutesPermission(t *testing.T) {
	f := newFixture(t)
	tc := dial(t, f.wsURL)

	id := tc.newSession("perm")
	tc.waitStatus(id, "running")
	go tc.call(2, "session/prompt", map[string]any{
		"sessionId": id,
		"prompt":    []map[string]any{{"type": "text", "text": "permission"}},
	})
	tc.waitNote("session/request", nil)

	// Reply as a bare JSON-RPC response using the agent's request id.
	tc.send(`{"jsonrpc":"2.0","id":99,"result":{"outcome":{"outcome":"selected","optionId":"allow"}}}`)
	tc.waitNote("session/status_changed", statusIs("running"))
}

func TestPromptIDsStayPerConnection(t *testing.T) {
	f := newFixture(t)
	a := dial(t, f.wsURL)
	b := dial(t, f.wsURL)

	sidA := a.newSession("a")
	sidB := b.newSession("b")
	a.waitStatus(sidA, "running")
	b.waitStatus(sidB, "running")

	// Both clients reuse id 42; each must get exactly its own reply.
	done := make(chan struct{})
	go func() {
		defer close(done)
		fb := b.call(42, "session/prompt", map[string]any{
			"sessionId": sidB,
			"prompt":    []map[string]any{{"type": "text", "text": "hi"}},
		})
		if fb.Error != nil || string(fb.ID) != "42" {
			b.t.Errorf("client b got %+v", fb)
		}
	}()
	fa := a.call(42, "session/prompt", map[string]any{
		"sessionId": sidA,
		"prompt":    []map[string]any{{"type": "text", "text": "hi"}},
	})
	if fa.Error != nil || string(fa.ID) != "42" {
		t.Fatalf("client a got %+v", fa)
	}
	<-done
}

func TestCrashDuringPrompt(t *testing.T) {
	f := newFixture(t)
	tc := dial(t, f.wsURL)

	id := tc.newSession("crash")
	tc.waitStatus(id, "running")

	reply := tc.call(2, "session/prompt", map[string]any{
		"sessionId": id,
		"prompt":    []map[string]any{{"type": "text", "text": "die"}},
	})
	if reply.Error == nil || reply.Error.Code != gateway.ErrCodeInternal {
		t.Fatalf("expected internal error, got %+v", reply)
	}
	tc.waitNote("session/status_changed", statusIs("exited"))
}

func TestCancelSlowPrompt(t *testing.T) {
	f := newFixture(t)
	tc := dial(t, f.wsURL)

	id := tc.newSession("slow")
	tc.waitStatus(id, "running")

	promptDone := make(chan frame, 1)
	go func() {
		promptDone <- tc.call(2, "session/prompt", map[string]any{
			"sessionId": id,
			"prompt":    []map[string]any{{"type": "text", "text": "slow"}},
		})
	}()
	time.Sleep(100 * time.Millisecond)

	tc.mustResult(tc.call(3, "session/cancel", map[string]any{"sessionId": id}), nil)

	select {
	case reply := <-promptDone:
		if reply.Error == nil {
			t.Fatalf("slow prompt should resolve with an error, got %+v", reply)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("slow prompt never resolved after cancel")
	}
	tc.waitNote("session/status_changed", statusIs("completed"))
}

func TestArchiveSilencesPushes(t *testing.T) {
	f := newFixture(t)
	tc := dial(t, f.wsURL)

	id := tc.newSession("bye")
	tc.waitStatus(id, "running")
	tc.mustResult(tc.call(2, "session/archive", map[string]any{"sessionId": id}), nil)

	// Drain whatever was in flight before the unsubscribe landed, then
	// the line must stay quiet.
	time.Sleep(200 * time.Millisecond)
	for {
		select {
		case <-tc.notes:
			continue
		default:
		}
		break
	}
	select {
	case f, ok := <-tc.notes:
		if ok {
			t.Fatalf("notification after archive: %+v", f)
		}
	case <-time.After(400 * time.Millisecond):
	}

	listed := tc.call(3, "session/list", map[string]any{})
	var res struct {
		Sessions []json.RawMessage `json:"sessions"`
	}
	tc.mustResult(listed, &res)
	if len(res.Sessions) != 0 {
		t.Fatalf("archived session still listed: %v", res.Sessions)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	f := newFixture(t)
	tc := dial(t, f.wsURL)

	if f := tc.call(1, "session/teleport", nil); f.Error == nil || f.Error.Code != gateway.ErrCodeMethodNotFound {
		t.Fatalf("unknown method: %+v", f)
	}
	if f := tc.call(2, "session/get", map[string]any{"sessionId": "nope"}); f.Error == nil || f.Error.Code != gateway.ErrCodeInvalidParams {
		t.Fatalf("unknown session: %+v", f)
	}
	if f := tc.call(3, "session/prompt", map[string]any{"sessionId": ""}); f.Error == nil || f.Error.Code != gateway.ErrCodeInvalidParams {
		t.Fatalf("missing params: %+v", f)
	}

	tc.send(`{"jsonrpc":"2.0", id: broken`)
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f := <-tc.resps:
			if f.Error != nil && f.Error.Code == gateway.ErrCodeParse {
				return
			}
		case <-deadline:
			t.Fatalf("no parse error response")
		}
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
	var payload struct {
		Healthy           bool   `json:"healthy"`
		ConfigFingerprint string `json:"config_fingerprint"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if !payload.Healthy || payload.ConfigFingerprint != "test" {
		t.Fatalf("unexpected healthz payload: %+v", payload)
	}
}
