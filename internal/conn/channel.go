package conn

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"relaydrop/internal/model"
)

// Channel is the conn package's concrete implementation of model.Channel:
// a single WebSocket connection with a serializing write mutex, since
// gorilla/websocket connections may not be written to concurrently from
// multiple goroutines (heartbeat + handler replies both write).
type Channel struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
	closed  bool
}

// NewChannel wraps an upgraded WebSocket connection.
func NewChannel(id string, wsConn *websocket.Conn) *Channel {
	return &Channel{id: id, conn: wsConn}
}

// Send serializes v to JSON and writes it as a single text frame, per spec
// §6 ("all payloads are base64 within text frames" — binary frames unused).
func (c *Channel) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close control frame with the given code/reason and tears
// down the underlying connection.
func (c *Channel) Close(code int, reason string) error {
	c.writeMu.Lock()
	if c.closed {
		c.writeMu.Unlock()
		return nil
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, msg, deadlineNow())
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Channel) RemoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

var _ model.Channel = (*Channel)(nil)
