package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/chat-hub/internal/protocol"
	"github.com/example/chat-hub/internal/types"
)

// The hub consumes the persistence layer through these narrow seams. Each
// call is individually atomic and retryable; the hub never wraps several of
// them in one transaction.

// ConnectionTracker persists connection lifecycle transitions.
type ConnectionTracker interface {
	RecordConnectionTransition(ctx context.Context, connID types.ConnectionID, userID types.UserID, status types.ConnStatus, at time.Time) error
}

// MessageAuditLog is the append-only audit of wire traffic.
type MessageAuditLog interface {
	LogMessage(ctx context.Context, connID types.ConnectionID, direction types.MessageDirection, env protocol.Envelope) error
}

// ChatStore persists chat messages and conversation pointers.
type ChatStore interface {
	PersistChatMessage(ctx context.Context, sender types.UserID, conversation types.ConversationID, content string, attachments []string) (types.MessageID, error)
	UpdateConversationLastMessage(ctx context.Context, conversation types.ConversationID, message types.MessageID, at time.Time) error
}

// NotificationStore creates durable notification records.
type NotificationStore interface {
	CreateNotification(ctx context.Context, user types.UserID, notificationType string, data json.RawMessage) (types.NotificationID, error)
}

// ParticipantDirectory resolves conversation membership.
type ParticipantDirectory interface {
	GetConversationParticipants(ctx context.Context, conversation types.ConversationID) ([]types.UserID, error)
}

// Store implements all collaborator seams over a Postgres pool. Transient
// failures (serialization, deadlock, connect) are retried with capped
// backoff.
type Store struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

// StoreOption configures the store.
type StoreOption func(*Store)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) StoreOption {
	return func(s *Store) { s.maxRetries = n }
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) StoreOption {
	return func(s *Store) { s.retryDelay = d }
}

// NewStore constructs a Store using the provided Postgres pool.
func NewStore(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordConnectionTransition appends one lifecycle event for a connection.
func (s *Store) RecordConnectionTransition(ctx context.Context, connID types.ConnectionID, userID types.UserID, status types.ConnStatus, at time.Time) error {
	start := time.Now()
	defer func() { storeWriteLatency.WithLabelValues("connection_transition").Observe(time.Since(start).Seconds()) }()

	return s.retry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
INSERT INTO connection_events (connection_id, user_id, status, occurred_at)
VALUES ($1, $2, $3, $4)`,
			connID, userID, status, at)
		return err
	})
}

// LogMessage appends one wire-traffic audit entry.
func (s *Store) LogMessage(ctx context.Context, connID types.ConnectionID, direction types.MessageDirection, env protocol.Envelope) error {
	start := time.Now()
	defer func() { storeWriteLatency.WithLabelValues("message_audit").Observe(time.Since(start).Seconds()) }()

	return s.retry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
INSERT INTO message_audit (connection_id, direction, envelope, logged_at)
VALUES ($1, $2, $3, now())`,
			connID, direction, protocol.Encode(env))
		return err
	})
}

// PersistChatMessage stores a chat message and returns its identifier.
func (s *Store) PersistChatMessage(ctx context.Context, sender types.UserID, conversation types.ConversationID, content string, attachments []string) (types.MessageID, error) {
	start := time.Now()
	defer func() { storeWriteLatency.WithLabelValues("chat_message").Observe(time.Since(start).Seconds()) }()

	id := types.MessageID(uuid.NewString())
	err := s.retry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
INSERT INTO chat_messages (id, sender_id, conversation_id, content, attachments, created_at)
VALUES ($1, $2, $3, $4, $5, now())`,
			id, sender, conversation, content, attachments)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("persist chat message: %w", err)
	}
	return id, nil
}

// UpdateConversationLastMessage moves the conversation's last-message pointer.
func (s *Store) UpdateConversationLastMessage(ctx context.Context, conversation types.ConversationID, message types.MessageID, at time.Time) error {
	start := time.Now()
	defer func() { storeWriteLatency.WithLabelValues("conversation_pointer").Observe(time.Since(start).Seconds()) }()

	return s.retry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
UPDATE conversations
SET last_message_id = $2, last_message_at = $3
WHERE id = $1`,
			conversation, message, at)
		return err
	})
}

// CreateNotification stores a durable notification record. The persisted row
// stays queryable through the REST surface whether or not a live push lands.
func (s *Store) CreateNotification(ctx context.Context, user types.UserID, notificationType string, data json.RawMessage) (types.NotificationID, error) {
	start := time.Now()
	defer func() { storeWriteLatency.WithLabelValues("notification").Observe(time.Since(start).Seconds()) }()

	id := types.NotificationID(uuid.NewString())
	err := s.retry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
INSERT INTO notifications (id, user_id, notification_type, data, created_at)
VALUES ($1, $2, $3, $4, now())`,
			id, user, notificationType, data)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create notification: %w", err)
	}
	return id, nil
}

// GetConversationParticipants lists the user ids belonging to a conversation.
func (s *Store) GetConversationParticipants(ctx context.Context, conversation types.ConversationID) ([]types.UserID, error) {
	rows, err := s.pool.Query(ctx, `
SELECT user_id FROM conversation_participants WHERE conversation_id = $1`,
		conversation)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []types.UserID
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, err
		}
		participants = append(participants, types.UserID(user))
	}
	return participants, rows.Err()
}

func (s *Store) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := s.retryDelay
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isTransient(err) || attempt == s.maxRetries {
			return err
		}
		storeRetries.Inc()
		select {
		case <-time.After(delay):
			delay *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
