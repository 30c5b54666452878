// Package hub wires together the admission pipeline, connection driver,
// room manager, and router into the running signaling service.
package hub

import (
	"sync"
	"time"

	"github.com/signalhub/hub/internal/v1/ratelimit"
	"github.com/signalhub/hub/internal/v1/walletauth"
	"github.com/gorilla/websocket"
)

// State is the connection driver's lifecycle stage.
type State int

const (
	StatePending State = iota
	StateAuthenticated
	StateClosed
)

// wsConnection is the subset of *websocket.Conn this package depends on,
// broken out as an interface so the driver can be exercised against a
// fake socket in tests.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Connection is the per-socket record described by the data model: it is
// owned exclusively by its own driver goroutine, except for the fields
// read through the hub's lock during fan-out and admission bookkeeping.
type Connection struct {
	ID            string
	IP            string
	conn          wsConnection
	send          chan []byte
	closeOnce     sync.Once
	pending       walletauth.Challenge
	hasPending    bool
	tracker       *ratelimit.Tracker

	mu            sync.RWMutex
	state         State
	authenticated bool
	userID        string
	walletAddress string
	clientID      string
	roomID        string
	messageCount  int64
	lastMessageAt time.Time
}

// NewConnection creates the record for a freshly upgraded socket. state is
// the connection's starting lifecycle stage: Authenticated when no
// handshake is required, Pending when one is.
func NewConnection(id, ip string, conn wsConnection, state State) *Connection {
	return &Connection{
		ID:      id,
		IP:      ip,
		conn:    conn,
		send:    make(chan []byte, 256),
		tracker: ratelimit.NewTracker(),
		state:   state,
	}
}

func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connection) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Connection) RoomID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}

func (c *Connection) setRoomID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = id
}

func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Connection) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// setClientID assigns the wire handle before a connection has authenticated,
// e.g. the pending_<epochMillis> placeholder issued at admission time.
func (c *Connection) setClientID(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientID = clientID
}

// authenticate transitions Pending -> Authenticated, assigning the
// connection's identity.
func (c *Connection) authenticate(userID, walletAddress, clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateAuthenticated
	c.authenticated = true
	c.userID = userID
	c.walletAddress = walletAddress
	c.clientID = clientID
}

func (c *Connection) setClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosed
}

// setPendingChallenge records the handshake challenge issued to this
// connection immediately after upgrade.
func (c *Connection) setPendingChallenge(challenge walletauth.Challenge) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = challenge
	c.hasPending = true
}

func (c *Connection) pendingChallenge() (walletauth.Challenge, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pending, c.hasPending
}

func (c *Connection) clearPendingChallenge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasPending = false
	c.pending = walletauth.Challenge{}
}

func (c *Connection) recordMessage(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageCount++
	c.lastMessageAt = now
}

// Send enqueues a raw frame for delivery. It never blocks: a full queue
// (a stuck peer) drops the frame for this send rather than stalling the
// caller's fan-out loop, per the "writes should be non-blocking" guidance
// of the concurrency model. The recipient's own driver will eventually
// observe the underlying socket error and clean up.
func (c *Connection) Send(frame []byte) {
	select {
	case c.send <- frame:
	default:
	}
}

// Close requests the connection's writePump to terminate, sending a close
// frame with the given code and reason first.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		close(c.send)
	})
}

const writeWait = 10 * time.Second
