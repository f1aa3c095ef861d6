package types

import "time"

// ConnectionID identifies one live transport session. It is unique for the
// process lifetime of the socket and comes from the websocket handshake key
// or a generated identifier.
type ConnectionID string

// UserID is the identity resolved by the auth gate.
type UserID string

// ConversationID identifies a conversation between two or more users.
type ConversationID string

// MessageID identifies a persisted chat message.
type MessageID string

// NotificationID identifies a persisted notification record.
type NotificationID string

// ConnStatus is the lifecycle state of a connection.
type ConnStatus string

const (
	// StatusConnecting spans the auth gate check, before the registry admits
	// the connection.
	StatusConnecting ConnStatus = "connecting"
	// StatusConnected means the read loop is attached and frames flow.
	StatusConnected ConnStatus = "connected"
	// StatusIdle marks a connection whose last heartbeat ping has not been
	// answered yet; it flips back to connected on the next pong.
	StatusIdle ConnStatus = "idle"
	// StatusDisconnected is terminal.
	StatusDisconnected ConnStatus = "disconnected"
)

// CanTransition reports whether moving from s to next is a legal lifecycle
// transition. Disconnected is terminal and reachable from every state.
func (s ConnStatus) CanTransition(next ConnStatus) bool {
	if s == StatusDisconnected {
		return false
	}
	switch next {
	case StatusDisconnected:
		return true
	case StatusConnected:
		return s == StatusConnecting || s == StatusIdle
	case StatusIdle:
		return s == StatusConnected
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s ConnStatus) Terminal() bool { return s == StatusDisconnected }

// MessageDirection labels audit-log entries for wire traffic.
type MessageDirection string

const (
	DirectionIncoming MessageDirection = "incoming"
	DirectionOutgoing MessageDirection = "outgoing"
)

// ConnectionEvent is one persisted lifecycle transition for a connection.
type ConnectionEvent struct {
	Connection ConnectionID
	User       UserID
	Status     ConnStatus
	OccurredAt time.Time
}
