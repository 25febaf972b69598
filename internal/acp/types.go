// Package acp defines the wire types for the agent protocol: newline-delimited
// JSON-RPC 2.0 spoken to agent subprocesses over their standard streams.
package acp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Methods the bridge sends to the agent.
const (
	MethodInitialize        = "initialize"
	MethodSessionNew        = "session/new"
	MethodSessionPrompt     = "session/prompt"
	MethodSessionCancel     = "session/cancel"
	MethodSessionUpdate     = "session/update"
	MethodRequestPermission = "session/request_permission"
)

// ProtocolVersion is the agent protocol version the bridge speaks.
const ProtocolVersion = 1

// JSONRPCVersion is the only JSON-RPC version accepted on either wire.
const JSONRPCVersion = "2.0"

// RequestID carries a JSON-RPC id without losing its original type.
// JSON-RPC allows numbers and strings; the agents in this ecosystem use
// numbers, and a reply must echo the id byte-for-byte. The zero value is
// "no id" (a notification).
type RequestID struct {
	raw json.RawMessage
}

// IntID returns a numeric RequestID.
func IntID(n int64) RequestID {
	return RequestID{raw: json.RawMessage(strconv.FormatInt(n, 10))}
}

// RawID wraps raw JSON id bytes, used to echo an agent's id verbatim.
func RawID(raw string) RequestID {
	return RequestID{raw: json.RawMessage(raw)}
}

// StringID returns a string RequestID.
func StringID(s string) RequestID {
	b, _ := json.Marshal(s)
	return RequestID{raw: b}
}

// Int64 returns the id as an integer when it is a plain JSON number.
func (id RequestID) Int64() (int64, bool) {
	n, err := strconv.ParseInt(string(id.raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// IsZero reports whether the id is absent.
func (id RequestID) IsZero() bool {
	return len(id.raw) == 0 || bytes.Equal(id.raw, []byte("null"))
}

// Key returns a stable map key: the raw JSON bytes. Distinct JSON
// representations ("42" vs 42) yield distinct keys, which is what the
// reply path needs.
func (id RequestID) Key() string {
	return string(id.raw)
}

func (id RequestID) String() string {
	if id.IsZero() {
		return "<none>"
	}
	return string(id.raw)
}

func (id RequestID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}
	return id.raw, nil
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	switch {
	case len(data) == 0, bytes.Equal(data, []byte("null")):
		id.raw = nil
		return nil
	case data[0] == '"', data[0] == '-', data[0] >= '0' && data[0] <= '9':
		id.raw = append(json.RawMessage(nil), data...)
		return nil
	default:
		return fmt.Errorf("request id must be a string or number, got %s", data)
	}
}

// Message is one JSON-RPC 2.0 frame in either direction.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      RequestID       `json:"id,omitzero"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsRequest reports whether m is a request expecting a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && !m.ID.IsZero()
}

// IsNotification reports whether m is a fire-and-forget notification.
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID.IsZero()
}

// IsResponse reports whether m is a reply to an earlier request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && !m.ID.IsZero() && (m.Result != nil || m.Error != nil)
}

// NewRequest builds a request frame.
func NewRequest(id RequestID, method string, params any) (Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification frame.
func NewNotification(method string, params any) (Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: JSONRPCVersion, Method: method, Params: raw}, nil
}

// NewResponse builds a success reply echoing the original id.
func NewResponse(id RequestID, result any) (Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Message{}, fmt.Errorf("marshal result: %w", err)
	}
	return Message{JSONRPC: JSONRPCVersion, ID: id, Result: raw}, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}

// InitializeParams is the first handshake request.
type InitializeParams struct {
	ProtocolVersion int            `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
}

// NewSessionParams is the second handshake request.
type NewSessionParams struct {
	Cwd        string `json:"cwd"`
	MCPServers []any  `json:"mcpServers"`
}

// NewSessionResult carries the agent's own session identifier.
type NewSessionResult struct {
	SessionID string `json:"sessionId"`
}

// PromptParams forwards a user prompt to the agent. Content blocks are
// preserved byte-for-byte; the bridge never interprets them.
type PromptParams struct {
	SessionID string            `json:"sessionId"`
	Prompt    []json.RawMessage `json:"prompt"`
}

// PromptResult is the agent's terminal reply to a prompt.
type PromptResult struct {
	StopReason string `json:"stopReason"`
}

// CancelParams asks the agent to stop work on a session.
type CancelParams struct {
	SessionID string `json:"sessionId"`
}

// UpdateParams is the agent's streaming notification. Update is an opaque
// object whose "sessionUpdate" field discriminates the kind.
type UpdateParams struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

// UpdateType extracts the sessionUpdate discriminator from an update object.
// Returns "" when absent or malformed.
func UpdateType(update json.RawMessage) string {
	var probe struct {
		SessionUpdate string `json:"sessionUpdate"`
	}
	if err := json.Unmarshal(update, &probe); err != nil {
		return ""
	}
	return probe.SessionUpdate
}

// PermissionOption is one choice offered to the human.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Kind     string `json:"kind"`
	Name     string `json:"name,omitempty"`
}

// RequestPermissionParams is the agent's blocking request for a human decision.
type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  json.RawMessage    `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// PermissionOutcome is the reply to a permission request.
type PermissionOutcome struct {
	Outcome OutcomeChoice `json:"outcome"`
}

// OutcomeChoice is either {"outcome":"selected","optionId":...} or
// {"outcome":"cancelled"}.
type OutcomeChoice struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// CancelledOutcome is the reply sent when a pending permission is torn down.
func CancelledOutcome() PermissionOutcome {
	return PermissionOutcome{Outcome: OutcomeChoice{Outcome: "cancelled"}}
}
