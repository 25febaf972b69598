package agentio

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/deepfates/haven/internal/acp"
)

// echoScript replies to every frame on stdin with a session/update
// notification carrying the received line.
const echoScript = `while IFS= read -r line; do
  printf '{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","update":{"sessionUpdate":"echo"}}}\n'
done`

func TestProcess_SendRecvRoundTrip(t *testing.T) {
	p, err := Spawn(echoScript, t.TempDir(), nil, discardLogger())
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer p.Kill()

	req, err := acp.NewRequest(acp.IntID(1), acp.MethodInitialize, acp.InitializeParams{ProtocolVersion: acp.ProtocolVersion})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if err := p.Send(req); err != nil {
		t.Fatalf("send: %v", err)
	}

	msg, err := p.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if msg.Method != acp.MethodSessionUpdate {
		t.Fatalf("unexpected method %q", msg.Method)
	}
	var params acp.UpdateParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if params.SessionID != "s1" {
		t.Fatalf("unexpected session id %q", params.SessionID)
	}
}

func TestProcess_DoneClosesOnExit(t *testing.T) {
	p, err := Spawn("exit 3", t.TempDir(), nil, discardLogger())
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("process never exited")
	}
	if p.ExitErr() == nil {
		t.Fatalf("expected non-zero exit to surface an error")
	}
	if err := p.Send(acp.Message{JSONRPC: acp.JSONRPCVersion, Method: acp.MethodSessionCancel}); err != ErrClosed {
		t.Fatalf("expected ErrClosed after exit, got %v", err)
	}
}

func TestProcess_KillTerminatesPromptly(t *testing.T) {
	p, err := Spawn("sleep 60", t.TempDir(), nil, discardLogger())
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	p.Kill()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("kill did not terminate the process")
	}
}

func TestProcess_SpawnRunsInCwd(t *testing.T) {
	dir := t.TempDir()
	p, err := Spawn(`printf '{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"'"$(basename "$PWD")"'"}}\n'`, dir, nil, discardLogger())
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer p.Kill()

	msg, err := p.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	var params acp.UpdateParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if params.SessionID != filepath.Base(dir) {
		t.Fatalf("expected cwd basename %q, got %q", filepath.Base(dir), params.SessionID)
	}
}
