package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/chat-hub/internal/protocol"
	"github.com/example/chat-hub/internal/types"
)

const (
	defaultChannelPrefix = "deliver:user:"
	maxBackoffDelay      = 30 * time.Second
)

type relayMessage struct {
	UserID     string          `json:"user_id"`
	Origin     string          `json:"origin"`
	Envelope   json.RawMessage `json:"envelope"`
	EnqueuedAt int64           `json:"enqueued_at"`
}

// Relay spreads per-user deliveries across hub instances over Redis pub/sub.
// A user's connections may be scattered when the hub runs replicated; each
// instance publishes what it delivers locally and replays what the others
// publish, skipping its own messages.
type Relay struct {
	client        *redis.Client
	service       *Service
	instanceID    string
	channelPrefix string
	logger        zerolog.Logger
}

// NewRelay builds a relay bound to one hub instance.
func NewRelay(client *redis.Client, service *Service, instanceID string, logger zerolog.Logger) *Relay {
	return &Relay{
		client:        client,
		service:       service,
		instanceID:    instanceID,
		channelPrefix: defaultChannelPrefix,
		logger:        logger,
	}
}

// Publish forwards a delivered envelope to the user's channel. Best-effort:
// a publish failure is logged and counted, never surfaced to the delivery
// caller — the persisted record remains the source of truth.
func (r *Relay) Publish(ctx context.Context, userID types.UserID, env protocol.Envelope) {
	msg := relayMessage{
		UserID:     string(userID),
		Origin:     r.instanceID,
		Envelope:   protocol.Encode(env),
		EnqueuedAt: time.Now().UTC().UnixNano(),
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		r.logger.Warn().Err(err).Msg("encode relay message failed")
		return
	}
	if err := r.client.Publish(ctx, r.channel(userID), encoded).Err(); err != nil {
		relayPublishFailures.Inc()
		r.logger.Warn().Err(err).Str("user", string(userID)).Msg("relay publish failed")
	}
}

// Start consumes relayed deliveries in the background until the context is
// cancelled, reconnecting with capped exponential backoff.
func (r *Relay) Start(ctx context.Context) {
	go r.run(ctx)
}

func (r *Relay) run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := r.client.PSubscribe(ctx, fmt.Sprintf("%s*", r.channelPrefix))
		if err := r.consume(ctx, pubsub); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn().Err(err).Dur("backoff", backoff).Msg("relay subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			if backoff *= 2; backoff > maxBackoffDelay {
				backoff = maxBackoffDelay
			}
		}
	}
}

func (r *Relay) consume(ctx context.Context, pubsub *redis.PubSub) error {
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			if err := r.process(ctx, msg); err != nil {
				r.logger.Warn().Err(err).Msg("failed to process relayed delivery")
			}
		}
	}
}

func (r *Relay) process(ctx context.Context, msg *redis.Message) error {
	var payload relayMessage
	if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
		return fmt.Errorf("decode relay payload: %w", err)
	}
	if payload.UserID == "" {
		return errors.New("relay payload missing user id")
	}
	if payload.Origin == r.instanceID {
		return nil
	}

	env, err := protocol.Decode(payload.Envelope)
	if err != nil {
		return fmt.Errorf("decode relayed envelope: %w", err)
	}

	if payload.EnqueuedAt > 0 {
		relayLatency.Observe(float64(time.Since(time.Unix(0, payload.EnqueuedAt))) / float64(time.Second))
	}
	r.service.deliverLocal(ctx, types.UserID(payload.UserID), env)
	return nil
}

func (r *Relay) channel(userID types.UserID) string {
	return r.channelPrefix + string(userID)
}
