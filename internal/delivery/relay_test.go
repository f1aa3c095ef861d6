package delivery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/chat-hub/internal/protocol"
	"github.com/example/chat-hub/internal/types"
	"github.com/example/chat-hub/internal/ws"
)

func relayFrame(t *testing.T, origin string, user types.UserID, envelope []byte) *redis.Message {
	t.Helper()
	payload, err := json.Marshal(relayMessage{
		UserID:     string(user),
		Origin:     origin,
		Envelope:   envelope,
		EnqueuedAt: time.Now().UTC().UnixNano(),
	})
	if err != nil {
		t.Fatalf("encode relay message: %v", err)
	}
	return &redis.Message{Channel: defaultChannelPrefix + string(user), Payload: string(payload)}
}

func TestRelaySkipsItsOwnPublications(t *testing.T) {
	registry := ws.NewRegistry()
	audit := &recordingAudit{}
	svc := NewService(registry, audit, zerolog.Nop())
	relay := NewRelay(nil, svc, "hub-1", zerolog.Nop())

	admit(t, registry, "c-1", "user-a")

	msg := relayFrame(t, "hub-1", "user-a", protocol.Encode(testEnvelope(t)))
	if err := relay.process(context.Background(), msg); err != nil {
		t.Fatalf("own-origin message must be a silent no-op, got %v", err)
	}
	if len(audit.logged()) != 0 {
		t.Fatal("own-origin message was redelivered locally")
	}
}

func TestRelayRedeliversForeignOriginLocally(t *testing.T) {
	registry := ws.NewRegistry()
	audit := &recordingAudit{}
	svc := NewService(registry, audit, zerolog.Nop())
	relay := NewRelay(nil, svc, "hub-1", zerolog.Nop())

	admit(t, registry, "c-1", "user-a")
	admit(t, registry, "c-2", "user-b")

	msg := relayFrame(t, "hub-2", "user-a", protocol.Encode(testEnvelope(t)))
	if err := relay.process(context.Background(), msg); err != nil {
		t.Fatalf("process foreign-origin message: %v", err)
	}

	entries := audit.logged()
	if len(entries) != 1 || entries[0].conn != "c-1" {
		t.Fatalf("expected one local redelivery to c-1, got %v", entries)
	}
	if entries[0].direction != types.DirectionOutgoing {
		t.Fatalf("expected outgoing direction, got %s", entries[0].direction)
	}
}

func TestRelayRejectsBadPayloads(t *testing.T) {
	registry := ws.NewRegistry()
	audit := &recordingAudit{}
	svc := NewService(registry, audit, zerolog.Nop())
	relay := NewRelay(nil, svc, "hub-1", zerolog.Nop())

	admit(t, registry, "c-1", "user-a")

	cases := []struct {
		name string
		msg  *redis.Message
	}{
		{"not json", &redis.Message{Channel: "deliver:user:user-a", Payload: "not json"}},
		{"missing user id", relayFrame(t, "hub-2", "", protocol.Encode(testEnvelope(t)))},
		{"malformed envelope", relayFrame(t, "hub-2", "user-a", []byte(`{"no_type":true}`))},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := relay.process(context.Background(), tc.msg); err == nil {
				t.Fatal("expected an error for bad relay payload")
			}
		})
	}
	if len(audit.logged()) != 0 {
		t.Fatal("bad relay payload must not reach a local connection")
	}
}
