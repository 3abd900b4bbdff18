// Package transport holds the byte-level carriers: the reliable control
// connection to the rendezvous server and the datagram sockets of the data plane.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkeye/peerlink/internal/core"
)

const MaxFrameSize = 64 << 10

var ErrFrameTooLarge = errors.New("frame too large")

// ControlConn carries whole control frames. Reads happen from a single
// goroutine; writes are safe for concurrent use.
type ControlConn interface {
	ReadFrame() (core.Frame, error)
	WriteFrame(core.Frame) error
	SetReadDeadline(time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

// Dial opens a control connection. ws:// and wss:// addresses use a
// websocket, everything else is treated as a host:port TCP address.
func Dial(ctx context.Context, addr string) (ControlConn, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
		if err != nil {
			return nil, fmt.Errorf("dial websocket %s: %w", addr, err)
		}
		return NewWSConn(ws), nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", addr, err)
	}
	return NewStreamConn(conn), nil
}

// IsClosed reports errors that mean the peer or we closed the connection.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
