package interfaces

// MessageSender delivers encoded frames to a connection by ID
// ARCHITECTURAL DISCOVERY: Session components address clients only through this
// narrow boundary, never through the WebSocket wrapper itself
type MessageSender interface {
	// SendRaw enqueues an already-encoded frame. It is best-effort: it returns
	// false when the connection no longer exists and never blocks.
	SendRaw(connectionID string, payload []byte) bool

	// SendJSON marshals v and enqueues it with the same semantics as SendRaw.
	SendJSON(connectionID string, v interface{}) bool

	// BroadcastAuthenticated enqueues a frame on every authenticated connection.
	BroadcastAuthenticated(payload []byte) int
}
