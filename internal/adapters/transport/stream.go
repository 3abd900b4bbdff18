package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dkeye/peerlink/internal/core"
)

// StreamConn frames a byte stream as a sequence of JSON values. Values may
// follow each other back to back or be newline-delimited. A value may not
// span lines: a newline before it closes ends the frame, which then fails to
// decode and costs only itself.
type StreamConn struct {
	conn net.Conn
	r    *bufio.Reader

	wmu sync.Mutex
}

func NewStreamConn(conn net.Conn) *StreamConn {
	return &StreamConn{conn: conn, r: bufio.NewReaderSize(conn, 4096)}
}

func (c *StreamConn) ReadFrame() (core.Frame, error) {
	for {
		frame, err := c.readValue()
		if err != nil {
			return nil, err
		}
		frame = bytes.TrimSpace(frame)
		if len(frame) == 0 {
			continue
		}
		return frame, nil
	}
}

// readValue scans one top-level value. Objects and arrays end at their
// closing bracket, anything else runs to the end of the line.
func (c *StreamConn) readValue() ([]byte, error) {
	var (
		buf      []byte
		depth    int
		inString bool
		escaped  bool
	)
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				// last frame without a delimiter
				return buf, nil
			}
			return nil, err
		}
		if b == '\n' {
			if len(buf) == 0 {
				continue
			}
			return buf, nil
		}
		if len(buf) == 0 && isSpace(b) {
			continue
		}
		if len(buf) >= MaxFrameSize {
			if err := c.discardLine(); err != nil {
				return nil, err
			}
			return nil, ErrFrameTooLarge
		}
		buf = append(buf, b)

		switch {
		case inString:
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
		case b == '"':
			inString = true
		case b == '{' || b == '[':
			depth++
		case b == '}' || b == ']':
			depth--
			if depth <= 0 {
				return buf, nil
			}
		}
	}
}

func (c *StreamConn) discardLine() error {
	for {
		_, err := c.r.ReadSlice('\n')
		if err == nil {
			return nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r'
}

func (c *StreamConn) WriteFrame(f core.Frame) error {
	if len(f) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	buf := make([]byte, 0, len(f)+1)
	buf = append(buf, f...)
	buf = append(buf, '\n')
	_, err := c.conn.Write(buf)
	return err
}

func (c *StreamConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }
func (c *StreamConn) RemoteAddr() net.Addr              { return c.conn.RemoteAddr() }
func (c *StreamConn) Close() error                      { return c.conn.Close() }
