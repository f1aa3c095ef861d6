package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/example/chat-hub/internal/types"
)

var (
	// ErrDuplicateConnectionID is returned when Admit would overwrite a live
	// record.
	ErrDuplicateConnectionID = errors.New("duplicate connection id")
	// ErrNotFound is returned for lookups and updates against a connection
	// that was already removed. On Remove and UpdateStatus it is benign
	// idempotency under disconnect races, not a failure to escalate.
	ErrNotFound = errors.New("connection not found")
)

// Registry is the concurrent-safe store of all live connection records. It
// keeps a primary map keyed by connection id and a secondary index keyed by
// user id so per-user fan-out does not scan. Both indices are mutated only
// under the registry mutex, which is never held across socket or database
// I/O; no caller reaches into the maps directly.
type Registry struct {
	mu     sync.Mutex
	byID   map[types.ConnectionID]*Connection
	byUser map[types.UserID]map[types.ConnectionID]*Connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[types.ConnectionID]*Connection),
		byUser: make(map[types.UserID]map[types.ConnectionID]*Connection),
	}
}

// Admit creates a connection record and installs it in both indices. It
// fails with ErrDuplicateConnectionID instead of silently overwriting.
func (r *Registry) Admit(id types.ConnectionID, userID types.UserID, sock Socket, opts ConnectionOptions) (*Connection, error) {
	conn := newConnection(id, userID, sock, opts)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[id]; exists {
		return nil, ErrDuplicateConnectionID
	}
	r.byID[id] = conn
	userConns := r.byUser[userID]
	if userConns == nil {
		userConns = make(map[types.ConnectionID]*Connection)
		r.byUser[userID] = userConns
	}
	userConns[id] = conn

	hubConnections.Set(float64(len(r.byID)))
	hubUsersOnline.Set(float64(len(r.byUser)))
	return conn, nil
}

// Get looks up a live record by connection id.
func (r *Registry) Get(id types.ConnectionID) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return conn, nil
}

// GetByUser returns every live connection owned by the user; an empty slice
// when the user is offline.
func (r *Registry) GetByUser(userID types.UserID) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	userConns := r.byUser[userID]
	conns := make([]*Connection, 0, len(userConns))
	for _, conn := range userConns {
		conns = append(conns, conn)
	}
	return conns
}

// UpdateStatus applies a lifecycle transition to a live record. A record
// that was concurrently removed yields ErrNotFound, which callers on the
// disconnect path treat as a no-op.
func (r *Registry) UpdateStatus(id types.ConnectionID, status types.ConnStatus, at time.Time) error {
	r.mu.Lock()
	conn, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return conn.transition(status, at)
}

// Remove deletes the record from both indices atomically. Calling it twice
// is a no-op, not an error, so a close event and a heartbeat timeout racing
// each other stay harmless.
func (r *Registry) Remove(id types.ConnectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	if userConns := r.byUser[conn.userID]; userConns != nil {
		delete(userConns, id)
		if len(userConns) == 0 {
			delete(r.byUser, conn.userID)
		}
	}
	hubConnections.Set(float64(len(r.byID)))
	hubUsersOnline.Set(float64(len(r.byUser)))
	return true
}

// Len reports the number of live records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Snapshot copies the current record set so the heartbeat monitor can walk
// it without holding the registry lock across socket writes.
func (r *Registry) Snapshot() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := make([]*Connection, 0, len(r.byID))
	for _, conn := range r.byID {
		conns = append(conns, conn)
	}
	return conns
}
