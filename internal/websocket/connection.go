package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"minbar/pkg/types"
)

// OverflowPolicy picks which message is discarded when a connection's
// outbound queue is full.
type OverflowPolicy string

const (
	DropOldest OverflowPolicy = "drop_oldest"
	DropNewest OverflowPolicy = "drop_newest"
)

// Transport is the write side of a socket. *websocket.Conn satisfies it.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ConnectionOptions tunes the outbound side of a connection.
type ConnectionOptions struct {
	BufferSize   int
	WriteTimeout time.Duration
	Policy       OverflowPolicy
	RemoteAddr   string
}

// DefaultConnectionOptions mirrors the websocket section defaults in config.
func DefaultConnectionOptions() ConnectionOptions {
	return ConnectionOptions{
		BufferSize:   256,
		WriteTimeout: 10 * time.Second,
		Policy:       DropOldest,
	}
}

// Connection wraps one socket with a bounded outbound queue.
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions
// so exactly one writer goroutine owns the transport; everyone else enqueues
type Connection struct {
	id         string
	transport  Transport
	remoteAddr string
	queue      chan []byte
	queueMu    sync.Mutex // serializes producers so drop-oldest evicts exactly one
	policy     OverflowPolicy
	writeTO    time.Duration
	dropped    atomic.Uint64

	mu       sync.RWMutex
	identity *types.Identity

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConnection creates a connection with a fresh ULID and starts its writer.
func NewConnection(transport Transport, opts ConnectionOptions) *Connection {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultConnectionOptions().BufferSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultConnectionOptions().WriteTimeout
	}
	if opts.Policy != DropNewest {
		opts.Policy = DropOldest
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:         ulid.Make().String(),
		transport:  transport,
		remoteAddr: opts.RemoteAddr,
		queue:      make(chan []byte, opts.BufferSize),
		policy:     opts.Policy,
		writeTO:    opts.WriteTimeout,
		ctx:        ctx,
		cancel:     cancel,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) ID() string         { return c.id }
func (c *Connection) RemoteAddr() string { return c.remoteAddr }

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// Dropped returns how many outbound messages were discarded on overflow.
func (c *Connection) Dropped() uint64 { return c.dropped.Load() }

// ARCHITECTURAL DISCOVERY: Single writer goroutine pattern eliminates races
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.queue:
			if err := c.transport.SetWriteDeadline(time.Now().Add(c.writeTO)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.transport.WriteMessage(websocket.TextMessage, data); err != nil {
				// A failed write means the peer is gone; closing unblocks the read pump.
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Enqueue hands data to the writer without blocking. ErrQueueOverflow reports
// that a message was discarded: the oldest queued one under DropOldest (data
// itself is queued), or data under DropNewest.
func (c *Connection) Enqueue(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	select {
	case c.queue <- data:
		return nil
	default:
	}

	c.dropped.Add(1)
	if c.policy == DropNewest {
		return ErrQueueOverflow
	}

	select {
	case <-c.queue:
	default:
		// The writer drained a slot between the two selects.
	}
	select {
	case c.queue <- data:
	default:
		// Cannot happen while producers hold queueMu; treat as a drop of data.
	}
	return ErrQueueOverflow
}

// ARCHITECTURAL DISCOVERY: Clean shutdown requires careful goroutine coordination
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.transport != nil {
			err = c.transport.Close()
		}
	})
	return err
}

// SetIdentity binds (or rebinds) the authenticated identity.
func (c *Connection) SetIdentity(identity types.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = &identity
}

// Identity returns the bound identity, if any.
func (c *Connection) Identity() (types.Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.identity == nil {
		return types.Identity{}, false
	}
	return *c.identity, true
}

func (c *Connection) IsAuthenticated() bool {
	_, ok := c.Identity()
	return ok
}
