package transport

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkeye/peerlink/internal/core"
)

// WSConn carries one control frame per websocket text message.
type WSConn struct {
	conn *websocket.Conn

	wmu sync.Mutex
}

func NewWSConn(conn *websocket.Conn) *WSConn {
	conn.SetReadLimit(MaxFrameSize)
	return &WSConn{conn: conn}
}

func (c *WSConn) ReadFrame() (core.Frame, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *WSConn) WriteFrame(f core.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, f)
}

func (c *WSConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }
func (c *WSConn) RemoteAddr() net.Addr              { return c.conn.RemoteAddr() }

func (c *WSConn) Close() error {
	c.wmu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.wmu.Unlock()
	return c.conn.Close()
}
