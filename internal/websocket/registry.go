package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"minbar/pkg/interfaces"
	"minbar/pkg/types"
)

// Registry tracks live connections and the identity bound to each.
// ARCHITECTURAL DISCOVERY: Pure connection management without business logic;
// participant records live in the session store so a dropped socket never
// erases session state
type Registry struct {
	mu          sync.RWMutex // TECHNICAL DISCOVERY: RWMutex optimizes for read-heavy fan-out lookups
	connections map[string]*Connection
	verifier    interfaces.IdentityVerifier
	logger      *slog.Logger
}

// RegistryStats is a point-in-time view for health reporting.
type RegistryStats struct {
	Connections     int    `json:"connections"`
	Authenticated   int    `json:"authenticated"`
	DroppedMessages uint64 `json:"droppedMessages"`
}

// NewRegistry creates a registry that authenticates through verifier.
func NewRegistry(verifier interfaces.IdentityVerifier, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		connections: make(map[string]*Connection),
		verifier:    verifier,
		logger:      logger,
	}
}

// Register inserts an unauthenticated connection and returns its ID.
func (r *Registry) Register(conn *Connection) (string, error) {
	if conn == nil {
		return "", ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.ID()]; exists {
		return "", ErrDuplicateID
	}
	r.connections[conn.ID()] = conn
	return conn.ID(), nil
}

// Authenticate verifies credential and binds the resulting identity. Calling it
// again on the same connection rebinds, which is how clients refresh tokens.
// A failed call leaves any previous binding untouched.
func (r *Registry) Authenticate(ctx context.Context, connID, credential string) (types.Identity, error) {
	conn, ok := r.get(connID)
	if !ok {
		return types.Identity{}, ErrUnknownConnection
	}

	// The verifier may be slow; no registry lock is held across it.
	identity, err := r.verifier.Verify(ctx, credential)
	if err != nil {
		return types.Identity{}, err
	}

	if _, ok := r.get(connID); !ok {
		return types.Identity{}, ErrUnknownConnection
	}
	conn.SetIdentity(identity)
	return identity, nil
}

// Unregister removes and closes the connection. Participant records are left
// alone. Idempotent.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	conn, exists := r.connections[connID]
	delete(r.connections, connID)
	r.mu.Unlock()

	if exists {
		_ = conn.Close()
	}
}

// Identity returns the identity bound to connID.
func (r *Registry) Identity(connID string) (types.Identity, bool) {
	conn, ok := r.get(connID)
	if !ok {
		return types.Identity{}, false
	}
	return conn.Identity()
}

// Connection returns the registered connection.
func (r *Registry) Connection(connID string) (*Connection, bool) {
	return r.get(connID)
}

func (r *Registry) get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[connID]
	return conn, ok
}

// SendRaw queues a pre-encoded frame. Best effort: an unknown or closed
// connection is silently skipped so one dead peer never fails a fan-out.
func (r *Registry) SendRaw(connID string, data []byte) bool {
	conn, ok := r.get(connID)
	if !ok {
		return false
	}
	return r.enqueue(conn, data)
}

// SendJSON encodes v and queues it for connID.
func (r *Registry) SendJSON(connID string, v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("failed to encode outbound message", "conn_id", connID, "error", err)
		return false
	}
	return r.SendRaw(connID, data)
}

// BroadcastAuthenticated queues data for every authenticated connection and
// returns how many accepted it.
func (r *Registry) BroadcastAuthenticated(data []byte) int {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		if conn.IsAuthenticated() {
			targets = append(targets, conn)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range targets {
		if r.enqueue(conn, data) {
			sent++
		}
	}
	return sent
}

func (r *Registry) enqueue(conn *Connection, data []byte) bool {
	err := conn.Enqueue(data)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrQueueOverflow):
		// Logged at drop counts 1, 2, 4, 8... so a stalled listener cannot
		// flood the log; Stats carries the exact total.
		if n := conn.Dropped(); n&(n-1) == 0 {
			r.logger.Warn("outbound queue overflow",
				"conn_id", conn.ID(),
				"policy", string(conn.policy),
				"dropped_total", n)
		}
		return conn.policy == DropOldest
	default:
		return false
	}
}

// Stats reports connection counts and cumulative overflow drops.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{Connections: len(r.connections)}
	for _, conn := range r.connections {
		if conn.IsAuthenticated() {
			stats.Authenticated++
		}
		stats.DroppedMessages += conn.Dropped()
	}
	return stats
}

// CloseAll closes every connection, used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.connections
	r.connections = make(map[string]*Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}
