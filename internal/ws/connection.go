package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one peer's WebSocket with a write mutex serializing outbound
// frames.
type Connection struct {
	ID         string   // connection ID (UUID)
	UserID     string   // peer identity from the upgrade request
	Conn       net.Conn // underlying TCP connection
	Fd         int      // file descriptor, -1 when epoll is emulated
	CreatedAt  time.Time
	lastSeen   atomic.Int64 // unix nanos of the last frame read
	writeMu    sync.Mutex
	processing int32 // atomic flag: 0 = idle, 1 = being read by handleConn
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last frame read.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// WriteMessage sends a text frame.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager indexes connections by ID, by user and by net.Conn. A
// user holds at most one connection.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byUser map[string]*Connection
	byConn map[net.Conn]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byUser: make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers conn and returns the connection it replaced for the same
// user, if any. The replaced connection is unregistered but not closed.
func (cm *ConnectionManager) Add(conn *Connection) (replaced *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if old, ok := cm.byUser[conn.UserID]; ok && old != conn {
		delete(cm.byID, old.ID)
		delete(cm.byConn, old.Conn)
		replaced = old
	}
	cm.byID[conn.ID] = conn
	cm.byUser[conn.UserID] = conn
	cm.byConn[conn.Conn] = conn
	return replaced
}

// Remove unregisters and closes the connection with the given ID. It
// reports false if the connection was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
		if cm.byUser[conn.UserID] == conn {
			delete(cm.byUser, conn.UserID)
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection with the given ID, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// GetByUser returns the user's current connection, or nil.
func (cm *ConnectionManager) GetByUser(userID string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byUser[userID]
}

// GetByConn returns the connection wrapping c, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byConn[c]
}

// Count returns the number of registered connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of all connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
