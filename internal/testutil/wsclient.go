// Package testutil provides helpers for end-to-end chat server tests.
package testutil

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one decoded server-to-client frame.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the event payload into v or fails the test.
func (e Event) Decode(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(e.Data, v); err != nil {
		t.Fatalf("decoding %s payload %s: %v", e.Type, e.Data, err)
	}
}

// ChatClient is a websocket test client speaking the chat envelope protocol.
type ChatClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// NewChatClient dials the given websocket URL and returns a test client.
//
// Precondition: url must be a "ws://host:port/path" URL with a listening server.
// Postcondition: Returns a connected ChatClient or fails the test.
func NewChatClient(t *testing.T, url string) *ChatClient {
	t.Helper()
	start := time.Now()

	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := d.Dial(url, nil)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", url, err, time.Since(start))
	}

	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("chat client connected to %s [%s]", url, time.Since(start))
	return &ChatClient{conn: conn, t: t}
}

// ReadEvent reads the next event or fails the test on timeout.
func (c *ChatClient) ReadEvent(timeout time.Duration) Event {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("reading event: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		c.t.Fatalf("decoding event %q: %v", data, err)
	}
	return ev
}

// ReadUntil reads events until one of type eventType arrives and returns it.
// Events of other types are discarded.
//
// Precondition: eventType must be non-empty.
// Postcondition: Returns the matching event, or fails on timeout.
func (c *ChatClient) ReadUntil(eventType string, timeout time.Duration) Event {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.t.Fatalf("timed out waiting for %s", eventType)
		}
		ev := c.ReadEvent(remaining)
		if ev.Type == eventType {
			return ev
		}
	}
}

// ExpectSilence fails the test if any event arrives within wait.
// The connection is unusable for reads after a silence check times out,
// so call it last.
func (c *ChatClient) ExpectSilence(wait time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	if _, data, err := c.conn.ReadMessage(); err == nil {
		c.t.Fatalf("expected no event, got %s", data)
	}
}

// Send writes one command envelope. A nil data is sent as an empty object.
//
// Postcondition: {"type": cmdType, "data": data} is written to the connection.
func (c *ChatClient) Send(cmdType string, data any) {
	c.t.Helper()
	if data == nil {
		data = struct{}{}
	}
	c.sendJSON(map[string]any{"type": cmdType, "data": data})
}

// SendRaw writes one text frame verbatim.
func (c *ChatClient) SendRaw(frame string) {
	c.t.Helper()
	c.write(websocket.TextMessage, []byte(frame))
}

// SendBinary writes one binary frame.
func (c *ChatClient) SendBinary(frame []byte) {
	c.t.Helper()
	c.write(websocket.BinaryMessage, frame)
}

func (c *ChatClient) sendJSON(v any) {
	c.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		c.t.Fatalf("encoding command: %v", err)
	}
	c.write(websocket.TextMessage, data)
}

func (c *ChatClient) write(mt int, data []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(mt, data); err != nil {
		c.t.Fatalf("sending %q: %v", data, err)
	}
}

// Close sends a normal close frame and closes the underlying connection.
func (c *ChatClient) Close() {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.conn.Close()
}
