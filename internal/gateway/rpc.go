package gateway

import (
	"encoding/json"
	"errors"

	"github.com/deepfates/haven/internal/session"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
)

// rpcRequest is one inbound WebSocket frame. Result and Error are present
// when the frame is the client's reply to a pushed permission request
// rather than a request of its own.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

func (r *rpcRequest) isReply() bool {
	return r.Method == "" && len(r.ID) > 0 && (r.Result != nil || r.Error != nil)
}

// rpcResponse is an outbound frame: a reply when ID is set, a pushed
// notification when Method is set. ID is echoed byte for byte so a
// numeric id never comes back as a string.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Request parameter shapes (spec'd camelCase field names).

type listParams struct {
	Archived bool     `json:"archived"`
	Status   []string `json:"status"`
}

type newParams struct {
	AgentType string `json:"agentType"`
	Cwd       string `json:"cwd"`
	Title     string `json:"title"`
}

type getParams struct {
	SessionID string `json:"sessionId"`
	Since     int64  `json:"since"`
}

type promptParams struct {
	SessionID string            `json:"sessionId"`
	Prompt    []json.RawMessage `json:"prompt"`
}

type respondParams struct {
	SessionID string          `json:"sessionId"`
	RequestID json.RawMessage `json:"requestId"`
	Response  json.RawMessage `json:"response"`
}

type sessionIDParams struct {
	SessionID string `json:"sessionId"`
}

// Notification payload shapes.

type eventView struct {
	Seq        int64           `json:"seq"`
	UpdateType string          `json:"updateType"`
	Payload    json.RawMessage `json:"payload"`
}

type pendingView struct {
	RequestID json.RawMessage `json:"requestId"`
	Kind      string          `json:"kind"`
	Request   json.RawMessage `json:"request"`
}

type updatedNote struct {
	SessionID string      `json:"sessionId"`
	Updates   []eventView `json:"updates"`
}

type statusNote struct {
	SessionID  string `json:"sessionId"`
	Status     string `json:"status"`
	ExitReason string `json:"exitReason,omitempty"`
}

type requestNote struct {
	SessionID string          `json:"sessionId"`
	RequestID json.RawMessage `json:"requestId"`
	Request   json.RawMessage `json:"request"`
}

var successResult = map[string]bool{"success": true}

// rpcErrorFor maps session-layer failures onto the wire taxonomy.
func rpcErrorFor(err error) *rpcError {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return &rpcError{Code: ErrCodeInvalidParams, Message: "unknown session"}
	case errors.Is(err, session.ErrNoPending):
		return &rpcError{Code: ErrCodeInvalidParams, Message: "no such pending request"}
	case errors.Is(err, session.ErrNotReady):
		return &rpcError{Code: ErrCodeInvalidParams, Message: err.Error()}
	case errors.Is(err, session.ErrSpawnFailed):
		return &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	case errors.Is(err, session.ErrTimeout):
		return &rpcError{Code: ErrCodeInternal, Message: "agent timed out"}
	case errors.Is(err, session.ErrCancelled):
		return &rpcError{Code: ErrCodeInternal, Message: "session cancelled"}
	case errors.Is(err, session.ErrTerminated):
		return &rpcError{Code: ErrCodeInternal, Message: "session terminated"}
	default:
		return &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
}
