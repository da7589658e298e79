package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/feedrelay/internal/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Clients only send keepalives.
	maxMessageSize = 4 * 1024

	// DefaultSendBuffer is the outbound queue depth per client.
	DefaultSendBuffer = 256
)

// State is a connection lifecycle stage.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is the subset of *websocket.Conn used by a client.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// closeReason selects how a teardown ends the transport.
type closeReason int

const (
	closePeer      closeReason = iota // read/write error or client close
	closeSlow                         // outbound queue overflow
	closeGoingAway                    // server shutdown
	closeAborted                      // handshake never completed
)

// Client is one live connection owned by a Hub.
type Client struct {
	hub      *Hub
	conn     Conn
	id       string
	addr     string
	identity *session.Identity
	send     chan []byte
	// done is closed on teardown; send is never closed
	done       chan struct{}
	state      atomic.Int32
	registered bool
	closeOnce  sync.Once
	logger     *zap.Logger
}

// NewClient creates a client in the Connecting state for an admitted address.
// The caller must either Open or Abort it.
func (h *Hub) NewClient(addr string, identity *session.Identity) *Client {
	c := &Client{
		hub:      h,
		id:       uuid.New().String(),
		addr:     addr,
		identity: identity,
		send:     make(chan []byte, h.sendBuffer),
		done:     make(chan struct{}),
		logger:   h.logger,
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Client) ID() string { return c.id }

func (c *Client) Addr() string { return c.addr }

func (c *Client) State() State { return State(c.state.Load()) }

// Done is closed once the client has been torn down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Open attaches the upgraded transport, registers with the hub and starts the
// pumps. On failure the client is torn down.
func (c *Client) Open(conn Conn) error {
	c.conn = conn
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		c.teardown(closeAborted)
		return ErrShuttingDown
	}
	if err := c.hub.Register(c); err != nil {
		c.teardown(closeGoingAway)
		return err
	}

	userID := ""
	if c.identity != nil {
		userID = c.identity.UserID
	}
	c.logger.Debug("client connected",
		zap.String("connID", c.id),
		zap.String("addr", c.addr),
		zap.String("user", userID),
	)

	go c.writePump()
	go c.readPump()
	return nil
}

// Abort ends a client whose handshake failed.
func (c *Client) Abort() {
	c.teardown(closeAborted)
}

// teardown runs exactly once per client, whichever path triggers it first:
// Closing, unregister, stop pumps, close transport, release admission, Closed.
func (c *Client) teardown(reason closeReason) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		c.hub.Unregister(c)
		close(c.done)

		if c.conn != nil {
			if reason == closeGoingAway {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
				_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			}
			_ = c.conn.Close()
		}

		if c.hub.admission != nil {
			c.hub.admission.Release(c.addr)
		}
		c.state.Store(int32(StateClosed))

		if c.registered {
			c.hub.live.Done()
		}
		c.logger.Debug("client closed",
			zap.String("connID", c.id),
			zap.Int("reason", int(reason)),
		)
	})
}

// readPump consumes keepalives until the peer goes away.
func (c *Client) readPump() {
	defer c.teardown(closePeer)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error",
					zap.String("connID", c.id),
					zap.Error(err),
				)
			}
			return
		}
		// clients have no application messages; anything else is ignored
	}
}

// writePump drains the outbound queue in order and sends pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write error",
					zap.String("connID", c.id),
					zap.Error(err),
				)
				c.teardown(closePeer)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.teardown(closePeer)
				return
			}
		}
	}
}
