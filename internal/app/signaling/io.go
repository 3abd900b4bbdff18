package signaling

import (
	"context"
	"errors"

	"github.com/dkeye/peerlink/internal/adapters/transport"
	"github.com/dkeye/peerlink/internal/core"
)

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug().Msg("writePump ctx done")
			return
		case frame, ok := <-c.send:
			if !ok {
				c.logger.Debug().Msg("writePump channel closed")
				return
			}
			if err := c.conn.WriteFrame(frame); err != nil {
				c.logger.Error().Err(err).Msg("writePump write error")
				c.Close()
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context) {
	var cause error
	defer func() {
		c.logger.Info().AnErr("cause", cause).Msg("readPump closing, rendezvous disconnected")
		c.Close()
		c.handler.HandleDisconnect(cause)
	}()

	for {
		frame, err := c.conn.ReadFrame()
		if err != nil {
			if errors.Is(err, transport.ErrFrameTooLarge) {
				c.logger.Warn().Err(err).Msg("oversized control frame skipped")
				continue
			}
			if ctx.Err() == nil && !transport.IsClosed(err) {
				c.logger.Error().Err(err).Msg("readPump read error")
			}
			cause = err
			return
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame core.Frame) {
	msg, err := core.Decode(frame)
	if err != nil {
		c.logger.Warn().Err(err).Bytes("frame", frame).Msg("bad control frame")
		return
	}
	ev, err := core.DecodeControl(msg)
	if err != nil {
		c.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("bad control payload")
		return
	}
	if u, ok := ev.(core.UnknownControl); ok {
		c.logger.Warn().Str("type", string(u.Raw.Type)).Msg("unknown control message")
		return
	}
	c.handler.HandleControl(ev)
}
