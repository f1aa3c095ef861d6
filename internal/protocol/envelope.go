package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/example/chat-hub/internal/types"
)

// Envelope type values understood by the dispatcher.
const (
	TypeMessage         = "message"
	TypeNotification    = "notification"
	TypeTyping          = "typing"
	TypeMessageAck      = "message_ack"
	TypeNotificationAck = "notification_ack"
	TypeTypingIndicator = "typing_indicator"
	TypeError           = "error"
)

// Error kinds carried inside error envelopes.
const (
	KindMalformedEnvelope      = "malformed_envelope"
	KindUnsupportedMessageType = "unsupported_message_type"
	KindMissingField           = "missing_field"
	KindHandlerTimeout         = "handler_timeout"
	KindHandlerFailed          = "handler_failed"
)

// Envelope is the unit of exchange over a connection. Type selects the
// handler, ID is an optional client-assigned correlation token echoed back in
// acknowledgements, and Payload is handler-specific and opaque to the
// dispatcher. Envelopes are immutable once decoded.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WireError is a typed decode or dispatch failure that can be reported back
// to the sender without tearing down the connection.
type WireError struct {
	Kind    string
	Message string
}

func (e *WireError) Error() string { return e.Kind + ": " + e.Message }

// Malformed builds the decode-failure error for a frame that is not a valid
// envelope.
func Malformed(reason string) *WireError {
	return &WireError{Kind: KindMalformedEnvelope, Message: reason}
}

// Decode parses a raw frame into an Envelope. All failures are returned as
// *WireError values; attacker-controlled input must never panic the owning
// read loop.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, Malformed(fmt.Sprintf("invalid json: %v", err))
	}
	if env.Type == "" {
		return Envelope{}, Malformed("missing type field")
	}
	return env, nil
}

// Encode serializes an envelope to its wire form. It is total for envelopes
// built in-process: the only field that could fail to marshal is Payload,
// which is already raw JSON.
func Encode(env Envelope) []byte {
	data, err := json.Marshal(env)
	if err != nil {
		// Unreachable for well-formed envelopes; fall back to a bare error
		// frame rather than propagating a marshal failure.
		data, _ = json.Marshal(Envelope{Type: TypeError})
	}
	return data
}

// NewEnvelope marshals payload and wraps it with the given type and
// correlation id.
func NewEnvelope(typ, id string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{Type: typ, ID: id, Payload: data}, nil
}

// ErrorPayload is the body of an error envelope sent back to the offending
// connection.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
	Ref     string `json:"ref,omitempty"`
}

// ErrorEnvelope builds the reply for a failed frame. ref carries the
// correlation id of the original envelope when it is known.
func ErrorEnvelope(kind, message, ref string) Envelope {
	payload, _ := json.Marshal(ErrorPayload{Kind: kind, Message: message, Ref: ref})
	return Envelope{Type: TypeError, Payload: payload}
}

// MessagePayload is the inbound body of a "message" envelope.
type MessagePayload struct {
	ConversationID types.ConversationID `json:"conversation_id"`
	Content        string               `json:"content"`
	Attachments    []string             `json:"attachments,omitempty"`
}

// MessageAckPayload acknowledges a persisted chat message to its sender.
type MessageAckPayload struct {
	MessageID      types.MessageID      `json:"message_id"`
	ConversationID types.ConversationID `json:"conversation_id"`
}

// NotificationPayload is exchanged both inbound (client-acknowledged
// notifications) and outbound (live pushes created by the message handler).
type NotificationPayload struct {
	NotificationID   types.NotificationID `json:"notification_id,omitempty"`
	NotificationType string               `json:"notification_type"`
	Data             json.RawMessage      `json:"data,omitempty"`
}

// TypingPayload is the ephemeral typing signal; it carries no persistence.
type TypingPayload struct {
	ConversationID types.ConversationID `json:"conversation_id"`
	User           types.UserID         `json:"user_id,omitempty"`
}
