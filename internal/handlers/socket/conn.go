package socket

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/lthibault/jitterbug/v2"
)

type conn struct {
	handle string
	ws     *websocket.Conn
	send   chan []byte
}

func newConn(handle string, ws *websocket.Conn, bufferSize int) *conn {
	return &conn{
		handle: handle,
		ws:     ws,
		send:   make(chan []byte, bufferSize),
	}
}

// writePump is the only writer of the socket. It returns once the send queue
// is closed or a write fails, closing the socket on its way out.
func (c *conn) writePump(pingInterval, writeWait time.Duration) {
	ticker := jitterbug.New(pingInterval, &jitterbug.Norm{Stdev: pingInterval / 10, Mean: 0})
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
