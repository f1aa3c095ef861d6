package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/example/chat-hub/internal/protocol"
	"github.com/example/chat-hub/internal/storage"
	"github.com/example/chat-hub/internal/types"
	"github.com/example/chat-hub/internal/ws"
)

const attachmentLinkTTL = 15 * time.Minute

// Deliverer is the slice of the delivery service the handlers use.
type Deliverer interface {
	DeliverToUser(ctx context.Context, userID types.UserID, env protocol.Envelope) int
}

// AttachmentPresigner turns stored attachment paths into fetchable links for
// live pushes. Optional.
type AttachmentPresigner interface {
	PresignGet(ctx context.Context, path string, expiry time.Duration) (string, error)
}

// Handlers holds the typed envelope handlers and their collaborators.
type Handlers struct {
	chat          storage.ChatStore
	notifications storage.NotificationStore
	participants  storage.ParticipantDirectory
	deliverer     Deliverer
	attachments   AttachmentPresigner
	logger        zerolog.Logger
}

// NewHandlers wires the three handlers. attachments may be nil; attachment
// paths are then pushed as-is.
func NewHandlers(chat storage.ChatStore, notifications storage.NotificationStore, participants storage.ParticipantDirectory, deliverer Deliverer, attachments AttachmentPresigner, logger zerolog.Logger) *Handlers {
	return &Handlers{
		chat:          chat,
		notifications: notifications,
		participants:  participants,
		deliverer:     deliverer,
		attachments:   attachments,
		logger:        logger,
	}
}

type notificationData struct {
	MessageID      types.MessageID      `json:"message_id"`
	ConversationID types.ConversationID `json:"conversation_id"`
	Sender         types.UserID         `json:"sender_id"`
	Preview        string               `json:"preview,omitempty"`
	Attachments    []string             `json:"attachments,omitempty"`
}

// HandleMessage persists a chat message, moves the conversation pointer,
// acknowledges the sender, and pushes a notification to every other
// participant. The persisted records are the source of truth; a failed live
// push rolls nothing back.
func (h *Handlers) HandleMessage(ctx context.Context, sender *ws.Connection, env protocol.Envelope) error {
	var payload protocol.MessagePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return protocol.Malformed(fmt.Sprintf("invalid message payload: %v", err))
	}
	if payload.ConversationID == "" {
		return &protocol.WireError{Kind: protocol.KindMissingField, Message: "conversation_id is required"}
	}
	if payload.Content == "" && len(payload.Attachments) == 0 {
		return &protocol.WireError{Kind: protocol.KindMissingField, Message: "message needs content or attachments"}
	}

	messageID, err := h.chat.PersistChatMessage(ctx, sender.UserID(), payload.ConversationID, payload.Content, payload.Attachments)
	if err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	if err := h.chat.UpdateConversationLastMessage(ctx, payload.ConversationID, messageID, time.Now()); err != nil {
		h.logger.Warn().Err(err).Str("conversation", string(payload.ConversationID)).Msg("last-message pointer not updated")
	}

	ack, err := protocol.NewEnvelope(protocol.TypeMessageAck, env.ID, protocol.MessageAckPayload{
		MessageID:      messageID,
		ConversationID: payload.ConversationID,
	})
	if err != nil {
		return err
	}
	if err := sender.SendEnvelope(ack); err != nil {
		h.logger.Debug().Err(err).Msg("ack not delivered")
	}

	h.notifyParticipants(ctx, sender.UserID(), payload, messageID)
	return nil
}

// notifyParticipants creates one durable notification per recipient and
// best-effort pushes it live. Failures here are logged only: the sender has
// already been acked and the message record stands.
func (h *Handlers) notifyParticipants(ctx context.Context, sender types.UserID, payload protocol.MessagePayload, messageID types.MessageID) {
	recipients, err := h.participants.GetConversationParticipants(ctx, payload.ConversationID)
	if err != nil {
		h.logger.Error().Err(err).Str("conversation", string(payload.ConversationID)).Msg("participant lookup failed; notifications skipped")
		return
	}

	data, err := json.Marshal(notificationData{
		MessageID:      messageID,
		ConversationID: payload.ConversationID,
		Sender:         sender,
		Preview:        preview(payload.Content),
		Attachments:    h.presign(ctx, payload.Attachments),
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("encode notification data failed")
		return
	}

	for _, recipient := range recipients {
		if recipient == sender {
			continue
		}
		notificationID, err := h.notifications.CreateNotification(ctx, recipient, "message", data)
		if err != nil {
			h.logger.Error().Err(err).Str("user", string(recipient)).Msg("notification record not created")
			continue
		}
		push, err := protocol.NewEnvelope(protocol.TypeNotification, "", protocol.NotificationPayload{
			NotificationID:   notificationID,
			NotificationType: "message",
			Data:             data,
		})
		if err != nil {
			h.logger.Error().Err(err).Msg("encode notification push failed")
			continue
		}
		// Zero live connections is the expected steady state for offline
		// users; the persisted record stays queryable over REST.
		h.deliverer.DeliverToUser(ctx, recipient, push)
	}
}

// HandleNotification validates a client-submitted notification payload and
// acknowledges receipt.
func (h *Handlers) HandleNotification(_ context.Context, sender *ws.Connection, env protocol.Envelope) error {
	var payload protocol.NotificationPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return protocol.Malformed(fmt.Sprintf("invalid notification payload: %v", err))
	}
	if payload.NotificationType == "" {
		return &protocol.WireError{Kind: protocol.KindMissingField, Message: "notification_type is required"}
	}
	if len(payload.Data) == 0 {
		return &protocol.WireError{Kind: protocol.KindMissingField, Message: "data is required"}
	}

	ack, err := protocol.NewEnvelope(protocol.TypeNotificationAck, env.ID, map[string]string{"status": "received"})
	if err != nil {
		return err
	}
	return sender.SendEnvelope(ack)
}

// HandleTyping forwards a typing indicator to every participant of the
// conversation except the sender. Ephemeral: nothing is persisted and the
// sender never sees its own indicator back.
func (h *Handlers) HandleTyping(ctx context.Context, sender *ws.Connection, env protocol.Envelope) error {
	var payload protocol.TypingPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return protocol.Malformed(fmt.Sprintf("invalid typing payload: %v", err))
	}
	if payload.ConversationID == "" {
		return &protocol.WireError{Kind: protocol.KindMissingField, Message: "conversation_id is required"}
	}

	recipients, err := h.participants.GetConversationParticipants(ctx, payload.ConversationID)
	if err != nil {
		return fmt.Errorf("participant lookup: %w", err)
	}

	indicator, err := protocol.NewEnvelope(protocol.TypeTypingIndicator, "", protocol.TypingPayload{
		ConversationID: payload.ConversationID,
		User:           sender.UserID(),
	})
	if err != nil {
		return err
	}

	for _, recipient := range recipients {
		if recipient == sender.UserID() {
			continue
		}
		h.deliverer.DeliverToUser(ctx, recipient, indicator)
	}
	return nil
}

func (h *Handlers) presign(ctx context.Context, paths []string) []string {
	if h.attachments == nil || len(paths) == 0 {
		return paths
	}
	links := make([]string, 0, len(paths))
	for _, path := range paths {
		link, err := h.attachments.PresignGet(ctx, path, attachmentLinkTTL)
		if err != nil {
			h.logger.Warn().Err(err).Str("path", path).Msg("presign attachment failed")
			links = append(links, path)
			continue
		}
		links = append(links, link)
	}
	return links
}

func preview(content string) string {
	const max = 120
	if len(content) <= max {
		return content
	}
	// Back off to a rune boundary so the cut never splits a multi-byte
	// character.
	cut := max
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut]
}
