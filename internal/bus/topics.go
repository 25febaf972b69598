package bus

import "encoding/json"

// Session event topics. All carry a session id so WebSocket forwarders can
// filter for the sessions their client subscribed to.
const (
	// TopicSessionEvents signals that new rows were appended to a session's
	// event log; subscribers catch up from the store by seq.
	TopicSessionEvents = "session.events"

	// TopicSessionStatus signals a status transition.
	TopicSessionStatus = "session.status"

	// TopicSessionRequest signals a new agent→client permission request.
	TopicSessionRequest = "session.request"

	// TopicSessionArchived signals that a session was soft-deleted and
	// push delivery for it must stop.
	TopicSessionArchived = "session.archived"
)

// EventsAppended is published on TopicSessionEvents after one or more
// appends. LastSeq is the highest seq written by the publisher; forwarders
// treat it as a hint, not a bound.
type EventsAppended struct {
	SessionID string
	LastSeq   int64
}

// StatusChanged is published on TopicSessionStatus.
type StatusChanged struct {
	SessionID  string
	Status     string
	ExitReason string
}

// PermissionRequested is published on TopicSessionRequest. RequestID is the
// agent's id rendered as its raw JSON text; Request is the agent's params
// object, passed through untouched.
type PermissionRequested struct {
	SessionID string
	RequestID string
	Request   json.RawMessage
}

// SessionArchived is published on TopicSessionArchived.
type SessionArchived struct {
	SessionID string
}
