package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one upgraded WebSocket client. Its ID doubles as the handle
// the presence registry stores for the user the connection registers as.
type Connection struct {
	ID        string    // session ID (UUID)
	Conn      net.Conn  // underlying connection
	Fd        int       // readiness key used by Epoll and ConnectionManager
	CreatedAt time.Time // when the connection was established

	lastActive atomic.Int64 // unix nanos of the last frame or client ping
	userID     atomic.Value // string; empty until the connection registers
	writeMu    sync.Mutex   // serializes outbound frames
	processing atomic.Bool  // set while a worker is reading from the connection
}

// NewConnection wraps an upgraded net.Conn.
func NewConnection(id string, conn net.Conn, fd int) *Connection {
	c := &Connection{
		ID:        id,
		Conn:      conn,
		Fd:        fd,
		CreatedAt: time.Now(),
	}
	c.Touch()
	return c
}

// Touch records activity on the connection for the heartbeat.
func (c *Connection) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns when the connection last showed activity.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// SetUserID records the user this connection registered as.
func (c *Connection) SetUserID(userID string) {
	c.userID.Store(userID)
}

// UserID returns the registered user, or "" before register.
func (c *Connection) UserID() string {
	id, _ := c.userID.Load().(string)
	return id
}

// WriteMessage sends a text frame. Concurrent callers never interleave frame
// bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WriteMessageTimeout is WriteMessage bounded by a write deadline. A zero
// timeout means no deadline.
func (c *Connection) WriteMessageTimeout(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager indexes live connections by session ID and by fd.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
	byFd map[int]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add indexes conn. Connections without a real fd are only indexed by ID.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	if conn.Fd >= 0 {
		cm.byFd[conn.Fd] = conn
	}
	cm.mu.Unlock()
}

// Remove drops the connection with the given session ID and closes it. It
// returns the removed connection, or nil if it was already gone, so that
// exactly one caller performs the follow-up cleanup.
func (cm *ConnectionManager) Remove(id string) *Connection {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		if cm.byFd[conn.Fd] == conn {
			delete(cm.byFd, conn.Fd)
		}
	}
	cm.mu.Unlock()

	if !ok {
		return nil
	}
	conn.Close()
	return conn
}

// Get returns the connection for the given session ID, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given fd, or nil.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// Registered returns how many live connections have registered a user.
func (cm *ConnectionManager) Registered() int {
	n := 0
	for _, c := range cm.All() {
		if c.UserID() != "" {
			n++
		}
	}
	return n
}

// All returns a snapshot of the live connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
