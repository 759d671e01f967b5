package dwp

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents an authenticated connection.
type Connection struct {
	// ID uniquely identifies this connection. It doubles as the broker
	// subscriber ID.
	ID string

	// Identity is the authenticated identity for this connection.
	Identity *Identity

	// Codec is the negotiated wire format.
	Codec Codec

	// ConnectedAt records when the connection was established.
	ConnectedAt time.Time

	lastActivity atomic.Int64

	// rw is the underlying socket. Nil for one-shot RPC connections.
	rw      io.ReadWriter
	writeMu sync.Mutex

	subscriptions map[string]struct{}
	mu            sync.RWMutex
}

// NewConnection creates a connection with the given ID and identity.
func NewConnection(id string, identity *Identity, codec Codec) *Connection {
	c := &Connection{
		ID:            id,
		Identity:      identity,
		Codec:         codec,
		ConnectedAt:   time.Now().UTC(),
		subscriptions: make(map[string]struct{}),
	}
	c.Touch()
	return c
}

// Touch updates the last activity timestamp.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns when the connection last received a frame.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load()).UTC()
}

// Write encodes frame with the connection codec and sends it. Writes are
// serialized; frames from concurrent handlers never interleave.
func (c *Connection) Write(frame *Frame) error {
	data, err := c.Codec.Encode(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.rw, c.Codec.OpCode(), data)
}

// Close sends a going-away close frame and closes the socket, which ends
// the connection's read loop.
func (c *Connection) Close(reason string) error {
	if c.rw == nil {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = wsutil.WriteServerMessage(c.rw, ws.OpClose, closeMessage(ws.StatusGoingAway, reason))
	if cl, ok := c.rw.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

// AddSubscription records a channel subscription.
func (c *Connection) AddSubscription(channel string) {
	c.mu.Lock()
	c.subscriptions[channel] = struct{}{}
	c.mu.Unlock()
}

// RemoveSubscription removes a channel subscription.
func (c *Connection) RemoveSubscription(channel string) {
	c.mu.Lock()
	delete(c.subscriptions, channel)
	c.mu.Unlock()
}

// Subscriptions returns a copy of active subscription channels.
func (c *Connection) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		out = append(out, ch)
	}
	return out
}

// ConnectionManager tracks active connections.
type ConnectionManager struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewConnectionManager creates an empty connection manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		conns: make(map[string]*Connection),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.conns[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove unregisters a connection.
func (cm *ConnectionManager) Remove(connID string) {
	cm.mu.Lock()
	delete(cm.conns, connID)
	cm.mu.Unlock()
}

// Get returns a connection by ID.
func (cm *ConnectionManager) Get(connID string) (*Connection, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	c, ok := cm.conns[connID]
	return c, ok
}

// Count returns the number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.conns)
}

// All returns a snapshot of all connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]*Connection, 0, len(cm.conns))
	for _, c := range cm.conns {
		out = append(out, c)
	}
	return out
}

// closeMessage is sent before the server drops a connection.
func closeMessage(code ws.StatusCode, reason string) []byte {
	return ws.NewCloseFrameBody(code, reason)
}
