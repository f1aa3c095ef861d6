package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/chat-hub/internal/protocol"
	"github.com/example/chat-hub/internal/types"
	"github.com/example/chat-hub/internal/ws"
)

type fakeSocket struct {
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{done: make(chan struct{})}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	<-f.done
	return 0, nil, errors.New("socket closed")
}

func (f *fakeSocket) WriteMessage(int, []byte) error            { return nil }
func (f *fakeSocket) WriteControl(int, []byte, time.Time) error { return nil }
func (f *fakeSocket) SetWriteDeadline(time.Time) error          { return nil }
func (f *fakeSocket) SetPongHandler(func(appData string) error) {}
func (f *fakeSocket) SetReadLimit(int64)                        {}

func (f *fakeSocket) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

var _ ws.Socket = (*fakeSocket)(nil)

type auditEntry struct {
	conn      types.ConnectionID
	direction types.MessageDirection
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []auditEntry
}

func (r *recordingAudit) LogMessage(_ context.Context, connID types.ConnectionID, direction types.MessageDirection, _ protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, auditEntry{conn: connID, direction: direction})
	return nil
}

func (r *recordingAudit) logged() []auditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]auditEntry(nil), r.entries...)
}

func admit(t *testing.T, registry *ws.Registry, id types.ConnectionID, user types.UserID) *ws.Connection {
	t.Helper()
	conn, err := registry.Admit(id, user, newFakeSocket(), ws.ConnectionOptions{})
	if err != nil {
		t.Fatalf("admit %s: %v", id, err)
	}
	return conn
}

func testEnvelope(t *testing.T) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.TypeNotification, "", protocol.NotificationPayload{
		NotificationType: "message",
	})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	return env
}

func TestDeliverToUserFansOutToEveryConnection(t *testing.T) {
	registry := ws.NewRegistry()
	audit := &recordingAudit{}
	svc := NewService(registry, audit, zerolog.Nop())

	admit(t, registry, "c-1", "user-a")
	admit(t, registry, "c-2", "user-a")
	admit(t, registry, "c-3", "user-b")

	got := svc.DeliverToUser(context.Background(), "user-a", testEnvelope(t))
	if got != 2 {
		t.Fatalf("expected 2 accepted writes, got %d", got)
	}

	entries := audit.logged()
	if len(entries) != 2 {
		t.Fatalf("expected 2 outgoing audit entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.direction != types.DirectionOutgoing {
			t.Fatalf("expected outgoing direction, got %s", e.direction)
		}
		if e.conn == "c-3" {
			t.Fatal("frame audited against another user's connection")
		}
	}
}

func TestDeliverToOfflineUserReturnsZeroWithoutError(t *testing.T) {
	registry := ws.NewRegistry()
	audit := &recordingAudit{}
	svc := NewService(registry, audit, zerolog.Nop())

	if got := svc.DeliverToUser(context.Background(), "user-offline", testEnvelope(t)); got != 0 {
		t.Fatalf("expected 0 for offline user, got %d", got)
	}
	if len(audit.logged()) != 0 {
		t.Fatal("nothing should be audited for an offline user")
	}
}

func TestFanOutSurvivesOneFailedSocket(t *testing.T) {
	registry := ws.NewRegistry()
	audit := &recordingAudit{}
	svc := NewService(registry, audit, zerolog.Nop())

	broken := admit(t, registry, "c-1", "user-a")
	admit(t, registry, "c-2", "user-a")
	broken.Close()

	got := svc.DeliverToUser(context.Background(), "user-a", testEnvelope(t))
	if got != 1 {
		t.Fatalf("expected 1 accepted write past the failed socket, got %d", got)
	}
	entries := audit.logged()
	if len(entries) != 1 || entries[0].conn != "c-2" {
		t.Fatalf("expected one audit entry for c-2, got %v", entries)
	}
}

func TestDeliverToConnection(t *testing.T) {
	registry := ws.NewRegistry()
	svc := NewService(registry, &recordingAudit{}, zerolog.Nop())

	admit(t, registry, "c-1", "user-a")

	if err := svc.DeliverToConnection(context.Background(), "c-1", testEnvelope(t)); err != nil {
		t.Fatalf("deliver to live connection: %v", err)
	}
	if err := svc.DeliverToConnection(context.Background(), "c-missing", testEnvelope(t)); !errors.Is(err, ws.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown connection, got %v", err)
	}
}
