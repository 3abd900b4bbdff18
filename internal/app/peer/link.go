// Package peer performs NAT traversal towards room members and runs the
// per-peer delivery tasks on the shared datagram sockets.
package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/peerlink/internal/adapters/transport"
	"github.com/dkeye/peerlink/internal/app/fanout"
	"github.com/dkeye/peerlink/internal/core"
	"github.com/dkeye/peerlink/internal/domain"
)

const (
	DefaultKeepAlive   = 5 * time.Second
	DefaultQueueSize   = 100
	DefaultMaxDatagram = 4096
)

var ErrLinkClosed = errors.New("peer link closed")

type Config struct {
	KeepAlive   time.Duration
	QueueSize   int
	MaxDatagram int
}

func (c Config) withDefaults() Config {
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxDatagram <= 0 {
		c.MaxDatagram = DefaultMaxDatagram
	}
	return c
}

// Link is the data-plane relationship with one peer. Its keep-alive, send
// pump and fan-out forwarder live in one scope that Close cancels and waits for.
type Link struct {
	Peer domain.ClientData

	punchAddr netip.AddrPort // peer's send socket
	dataAddr  netip.AddrPort // peer's recv socket

	send  net.PacketConn
	recv  net.PacketConn
	queue chan core.Message
	cfg   Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
	logger zerolog.Logger
}

// NewLink prepares a link without touching the network; see Open.
func NewLink(ctx context.Context, p domain.ClientData, sockets *transport.Sockets, cfg Config) (*Link, error) {
	punch, err := p.NetworkData.SendAddr()
	if err != nil {
		return nil, fmt.Errorf("peer %s: %w", p.ClientID, err)
	}
	data, err := p.NetworkData.RecvAddr()
	if err != nil {
		return nil, fmt.Errorf("peer %s: %w", p.ClientID, err)
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	return &Link{
		Peer:      p,
		punchAddr: punch,
		dataAddr:  data,
		send:      sockets.Send,
		recv:      sockets.Recv,
		queue:     make(chan core.Message, cfg.QueueSize),
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		logger: log.With().
			Str("module", "peer").
			Uint32("client_id", uint32(p.ClientID)).
			Str("peer_addr", data.String()).
			Logger(),
	}, nil
}

// Open punches the NAT towards the peer and starts the keep-alive and send
// pump. The hole punch is written before either task exists, so it is always
// the first datagram this link puts on the wire.
func (l *Link) Open() error {
	if err := transport.WriteMessage(l.recv, core.Signal(core.TypeHolePunch), l.punchAddr); err != nil {
		l.cancel()
		return fmt.Errorf("hole punch %s: %w", l.punchAddr, err)
	}
	l.logger.Info().Str("punch_addr", l.punchAddr.String()).Msg("hole punch sent")

	l.wg.Go(l.keepAlive)
	l.wg.Go(l.sendPump)
	return nil
}

// Follow forwards broadcast messages from sub into this link's queue.
func (l *Link) Follow(sub *fanout.Subscription) {
	l.wg.Go(func() {
		for {
			select {
			case <-l.ctx.Done():
				return
			case m, ok := <-sub.C():
				if !ok {
					l.logger.Debug().Msg("fan-out subscription closed")
					return
				}
				if err := l.Send(l.ctx, m); err != nil {
					return
				}
			}
		}
	})
}

// TrySend enqueues m or fails with core.ErrBackpressure when the queue is full.
func (l *Link) TrySend(m core.Message) error {
	if l.ctx.Err() != nil {
		return ErrLinkClosed
	}
	select {
	case l.queue <- m:
		return nil
	default:
		return core.ErrBackpressure
	}
}

// Send enqueues m, blocking while the queue is full.
func (l *Link) Send(ctx context.Context, m core.Message) error {
	if l.ctx.Err() != nil {
		return ErrLinkClosed
	}
	select {
	case l.queue <- m:
		return nil
	case <-l.ctx.Done():
		return ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops every task of the link and waits for them. Queued messages are dropped.
func (l *Link) Close() {
	l.cancel()
	l.wg.Wait()
	l.logger.Info().Int("dropped", len(l.queue)).Msg("peer link closed")
}

func (l *Link) keepAlive() {
	ticker := time.NewTicker(l.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			err := transport.WriteMessage(l.recv, core.Signal(core.TypeKeepAlive), l.punchAddr)
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if err != nil {
				l.logger.Warn().Err(err).Msg("keep-alive send failed")
				continue
			}
			l.logger.Debug().Msg("keep-alive sent")
		}
	}
}

func (l *Link) sendPump() {
	for {
		select {
		case <-l.ctx.Done():
			return
		case m := <-l.queue:
			err := transport.WriteMessage(l.send, m, l.dataAddr)
			if errors.Is(err, net.ErrClosed) {
				l.logger.Warn().Msg("send socket closed, stopping send pump")
				return
			}
			if err != nil {
				l.logger.Error().Err(err).Str("type", string(m.Type)).Msg("datagram send failed")
			}
		}
	}
}
