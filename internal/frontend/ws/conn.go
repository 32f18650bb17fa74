package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn wraps an upgraded websocket connection with deadlines and keepalive.
// One goroutine may read while another writes; writes are serialized.
type Conn struct {
	raw        *websocket.Conn
	remoteAddr string

	readTimeout  time.Duration
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewConn wraps raw, capping inbound frames at maxMessageBytes and extending
// the read deadline whenever a pong arrives.
//
// Precondition: raw must be a freshly upgraded, open connection.
// Postcondition: Returns a Conn ready for reading and writing.
func NewConn(raw *websocket.Conn, readTimeout, writeTimeout time.Duration, maxMessageBytes int64) *Conn {
	c := &Conn{
		raw:          raw,
		remoteAddr:   raw.RemoteAddr().String(),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
	if maxMessageBytes > 0 {
		raw.SetReadLimit(maxMessageBytes)
	}
	c.extendReadDeadline()
	raw.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
	return c
}

func (c *Conn) extendReadDeadline() {
	if c.readTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
}

// ReadMessage blocks for the next data frame.
//
// Postcondition: Returns the frame type (websocket.TextMessage or
// websocket.BinaryMessage) and payload, or an error once the connection is unusable.
func (c *Conn) ReadMessage() (int, []byte, error) {
	mt, data, err := c.raw.ReadMessage()
	if err == nil {
		c.extendReadDeadline()
	}
	return mt, data, err
}

// WriteText sends one text frame.
func (c *Conn) WriteText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.raw.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a keepalive ping control frame.
func (c *Conn) Ping() error {
	return c.raw.WriteControl(websocket.PingMessage, nil, c.controlDeadline())
}

// CloseWithReason sends a close frame with the given code and reason, then
// closes the underlying connection. It is idempotent.
func (c *Conn) CloseWithReason(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(code, reason)
	werr := c.raw.WriteControl(websocket.CloseMessage, msg, c.controlDeadline())
	if errors.Is(werr, websocket.ErrCloseSent) {
		werr = nil
	}
	return errors.Join(werr, c.raw.Close())
}

// Close closes the underlying connection without a close handshake.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.raw.Close()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

func (c *Conn) controlDeadline() time.Time {
	if c.writeTimeout > 0 {
		return time.Now().Add(c.writeTimeout)
	}
	return time.Now().Add(time.Second)
}

// IsNormalClose reports whether err is the peer closing the connection
// deliberately rather than a transport failure.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
