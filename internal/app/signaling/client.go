// Package signaling is the client side of the rendezvous control channel.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/peerlink/internal/adapters/transport"
	"github.com/dkeye/peerlink/internal/core"
	"github.com/dkeye/peerlink/internal/domain"
)

const sendQueueSize = 100

var ErrDisconnected = errors.New("rendezvous disconnected")

// Client owns the control connection after registration. It runs exactly two
// goroutines: writePump drains the send queue, readPump dispatches inbound
// control events to the handler.
type Client struct {
	conn     transport.ControlConn
	identity domain.SessionIdentity
	send     chan core.Frame
	handler  core.ControlHandler
	logger   zerolog.Logger

	mu     sync.RWMutex
	closed bool
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// Register dials the rendezvous server and blocks until its registration
// frame arrives. The handshake is one-shot: it is never retried.
func Register(ctx context.Context, addr string, h core.ControlHandler) (*Client, error) {
	conn, err := transport.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	c, err := Handshake(ctx, conn, h)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// Handshake registers over an already open control connection.
func Handshake(ctx context.Context, conn transport.ControlConn, h core.ControlHandler) (*Client, error) {
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	frame, err := conn.ReadFrame()
	if !stop() {
		// the deadline callback has fired or is about to, the conn is unusable
		return nil, fmt.Errorf("registration: %w", ctx.Err())
	}
	if err != nil {
		return nil, fmt.Errorf("registration: read: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("registration: %w", err)
	}
	identity, err := core.DecodeRegistration(frame)
	if err != nil {
		return nil, fmt.Errorf("registration: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:     conn,
		identity: identity,
		send:     make(chan core.Frame, sendQueueSize),
		handler:  h,
		logger: log.With().
			Str("module", "signaling").
			Uint32("client_id", uint32(identity.ClientID)).
			Logger(),
		cancel: cancel,
	}
	c.logger.Info().Str("server", conn.RemoteAddr().String()).Msg("registered with rendezvous server")

	c.wg.Go(func() { c.writePump(pumpCtx) })
	c.wg.Go(func() { c.readPump(pumpCtx) })
	return c, nil
}

func (c *Client) Identity() domain.SessionIdentity { return c.identity }

// Send enqueues m without blocking.
func (c *Client) Send(m core.Message) error {
	frame, err := core.Encode(m)
	if err != nil {
		return err
	}
	return c.TrySend(frame)
}

func (c *Client) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrDisconnected
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

// Close tears the connection down. It does not wait for the pumps, see Wait.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancel()
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// Wait blocks until both pumps have returned.
func (c *Client) Wait() { c.wg.Wait() }
