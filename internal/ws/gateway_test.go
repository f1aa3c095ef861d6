package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/chat-hub/internal/auth"
	"github.com/example/chat-hub/internal/protocol"
	"github.com/example/chat-hub/internal/types"
)

type fakeTracker struct {
	mu     sync.Mutex
	events []types.ConnectionEvent
}

func (f *fakeTracker) RecordConnectionTransition(_ context.Context, connID types.ConnectionID, userID types.UserID, status types.ConnStatus, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, types.ConnectionEvent{Connection: connID, User: userID, Status: status, OccurredAt: at})
	return nil
}

func (f *fakeTracker) byStatus(status types.ConnStatus) []types.ConnectionEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.ConnectionEvent
	for _, ev := range f.events {
		if ev.Status == status {
			out = append(out, ev)
		}
	}
	return out
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []types.MessageDirection
}

func (f *fakeAudit) LogMessage(_ context.Context, _ types.ConnectionID, direction types.MessageDirection, _ protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, direction)
	return nil
}

func (f *fakeAudit) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type recordingDispatcher struct {
	mu        sync.Mutex
	envelopes []protocol.Envelope
}

func (d *recordingDispatcher) Dispatch(_ context.Context, _ *Connection, env protocol.Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.envelopes = append(d.envelopes, env)
}

func (d *recordingDispatcher) dispatched() []protocol.Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.Envelope(nil), d.envelopes...)
}

func newTestGateway(t *testing.T) (*Gateway, *Registry, *fakeTracker, *fakeAudit, *recordingDispatcher) {
	t.Helper()
	registry := NewRegistry()
	tracker := &fakeTracker{}
	audit := &fakeAudit{}
	dispatcher := &recordingDispatcher{}

	gate, err := auth.NewGate(auth.VerifierFunc(func(_ context.Context, token string) (auth.Identity, error) {
		if token == "good" {
			return auth.Identity{UserID: "user-a"}, nil
		}
		return auth.Identity{}, auth.ErrInvalidCredential
	}))
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}

	gateway, err := NewGateway(gate, registry, dispatcher, tracker, audit, zerolog.Nop(), GatewayConfig{})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return gateway, registry, tracker, audit, dispatcher
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRejectedHandshakeLeavesRegistryUntouched(t *testing.T) {
	gateway, registry, tracker, _, _ := newTestGateway(t)

	for _, target := range []string{"/ws", "/ws?token=expired"} {
		w := httptest.NewRecorder()
		r := httptest.NewRequest("GET", target, nil)
		gateway.ServeHTTP(w, r)

		if w.Code != 401 {
			t.Fatalf("expected 401 for %s, got %d", target, w.Code)
		}
	}

	if registry.Len() != 0 {
		t.Fatalf("rejected handshakes must not touch the registry, got %d records", registry.Len())
	}
	if len(tracker.events) != 0 {
		t.Fatalf("rejected handshakes must not persist transitions, got %d", len(tracker.events))
	}
}

func TestMalformedFrameGetsErrorReplyAndConnectionStaysOpen(t *testing.T) {
	gateway, registry, _, audit, dispatcher := newTestGateway(t)
	sock := newFakeSocket()

	if err := gateway.Attach("conn-1", "user-a", sock); err != nil {
		t.Fatalf("attach: %v", err)
	}

	sock.inbound <- []byte("this is not json")

	waitFor(t, func() bool { return len(sock.sentFrames()) >= 1 }, "no error reply written")
	env, err := protocol.Decode(sock.sentFrames()[0])
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if env.Type != protocol.TypeError {
		t.Fatalf("expected error envelope, got %q", env.Type)
	}
	var payload protocol.ErrorPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload.Kind != protocol.KindMalformedEnvelope {
		t.Fatalf("expected malformed_envelope, got %q", payload.Kind)
	}

	if _, err := registry.Get("conn-1"); err != nil {
		t.Fatalf("connection should still be registered: %v", err)
	}

	// A valid frame after the failure still flows to the dispatcher.
	sock.inbound <- []byte(`{"type":"typing","payload":{"conversation_id":"conv-1"}}`)
	waitFor(t, func() bool { return len(dispatcher.dispatched()) == 1 }, "valid frame not dispatched")
	if audit.count() != 1 {
		t.Fatalf("expected one audited inbound frame, got %d", audit.count())
	}
}

func TestTeardownPersistsExactlyOneDisconnect(t *testing.T) {
	gateway, registry, tracker, _, _ := newTestGateway(t)
	sock := newFakeSocket()

	if err := gateway.Attach("conn-1", "user-a", sock); err != nil {
		t.Fatalf("attach: %v", err)
	}
	conn, err := registry.Get("conn-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	// Close event and an explicit teardown race each other.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); sock.Close() }()
	go func() { defer wg.Done(); gateway.Teardown(conn, "test trigger") }()
	wg.Wait()

	waitFor(t, func() bool { return registry.Len() == 0 }, "connection not removed")
	waitFor(t, func() bool { return len(tracker.byStatus(types.StatusDisconnected)) >= 1 }, "disconnect not persisted")
	// Give the losing path a moment to (incorrectly) add a second event.
	time.Sleep(50 * time.Millisecond)
	if got := len(tracker.byStatus(types.StatusDisconnected)); got != 1 {
		t.Fatalf("expected exactly one persisted disconnect, got %d", got)
	}
	if conn.Status() != types.StatusDisconnected {
		t.Fatalf("expected terminal status, got %s", conn.Status())
	}
}
