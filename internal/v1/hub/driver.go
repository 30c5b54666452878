package hub

import (
	"context"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/signalhub/hub/internal/v1/logging"
	"github.com/signalhub/hub/internal/v1/metrics"
	"github.com/signalhub/hub/internal/v1/protocol"
	"github.com/signalhub/hub/internal/v1/walletauth"
	"go.uber.org/zap"
)

const pongWait = 60 * time.Second
const pingPeriod = (pongWait * 9) / 10

// Driver owns the read/write pumps for one connection and implements the
// Pending -> Authenticated -> Closed state machine against it.
type Driver struct {
	conn     *Connection
	registry *Registry
	router   *Router
	engine   *walletauth.Engine
	jwt      *walletauth.JWTValidator
}

// NewDriver builds a driver for an already-admitted connection. jwt may be
// nil when the configured auth method is not "jwt".
func NewDriver(conn *Connection, registry *Registry, router *Router, engine *walletauth.Engine, jwt *walletauth.JWTValidator) *Driver {
	return &Driver{conn: conn, registry: registry, router: router, engine: engine, jwt: jwt}
}

// Run starts the read and write pumps and blocks until the connection
// closes. Call it from its own goroutine per connection.
func (d *Driver) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		d.writePump()
		close(done)
	}()
	d.readPump(ctx)
	<-done
}

func (d *Driver) readPump(ctx context.Context) {
	defer d.teardown()

	for {
		_, data, err := d.conn.conn.ReadMessage()
		if err != nil {
			return
		}

		switch d.conn.State() {
		case StatePending:
			d.handlePending(data)
		case StateAuthenticated:
			d.router.Route(d.conn, data)
		case StateClosed:
			return
		}
	}
}

// handlePending implements §4.8's Pending-state handling: only an
// auth-response frame is accepted; anything else draws an auth-required
// error and leaves the connection pending, per §7's protocol-error rule.
func (d *Driver) handlePending(data []byte) {
	msgType, parsed, isJSON := protocol.MessageType(data)
	if !isJSON || msgType != "auth-response" {
		d.conn.Send(protocol.MustMarshal(protocol.NewError("Authentication required")))
		return
	}

	challenge, hasPending := d.conn.pendingChallenge()
	d.conn.clearPendingChallenge()
	address, reason := walletauth.Verify(hasPending, challenge, time.Now(), parsed.Signature, parsed.Address)
	if reason != "" {
		metrics.HandshakeOutcomes.WithLabelValues("failed").Inc()
		d.conn.Send(protocol.MustMarshal(protocol.NewAuthFailed(reason)))
		d.conn.Close(4001, reason)
		return
	}

	clientID := clientIDFor(address)
	d.conn.authenticate(address, address, clientID)
	metrics.HandshakeOutcomes.WithLabelValues("success").Inc()
	d.conn.Send(protocol.MustMarshal(protocol.NewAuthSuccess(address, clientID)))

	if defaultRoom, ok := d.registry.cfg.DefaultRoom(); ok {
		d.registry.Join(d.conn, defaultRoom.ID)
	}
}

// teardown runs once the read pump's socket read fails (the peer went away
// or we closed it ourselves). It closes the send channel — waking a
// blocked writePump immediately rather than leaving it parked until its
// next ping tick — then releases the connection's registry bookkeeping.
func (d *Driver) teardown() {
	d.conn.setClosed()
	d.conn.clearPendingChallenge()
	d.conn.Close(websocket.CloseNormalClosure, "")
	d.registry.Remove(d.conn)
	_ = d.conn.conn.Close()
	logging.Info(context.Background(), "connection closed", zap.String("connection_id", d.conn.ID))
}

func (d *Driver) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer d.conn.Close(websocket.CloseNormalClosure, "")

	for {
		select {
		case message, ok := <-d.conn.send:
			if !ok {
				_ = d.conn.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = d.conn.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := d.conn.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = d.conn.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := d.conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func msNow() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}
