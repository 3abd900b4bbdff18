// Package portal is the aggregate that ties the rendezvous connection, the
// room session and the data-plane sockets of one process together.
package portal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/peerlink/internal/adapters/discovery"
	"github.com/dkeye/peerlink/internal/adapters/transport"
	"github.com/dkeye/peerlink/internal/app/fanout"
	"github.com/dkeye/peerlink/internal/app/peer"
	"github.com/dkeye/peerlink/internal/app/signaling"
	"github.com/dkeye/peerlink/internal/core"
	"github.com/dkeye/peerlink/internal/domain"
)

var ErrPrecondition = errors.New("precondition violated")

var (
	ErrNotRegistered     = fmt.Errorf("%w: not registered with rendezvous", ErrPrecondition)
	ErrAlreadyRegistered = fmt.Errorf("%w: already registered", ErrPrecondition)
	ErrSocketsUnbound    = fmt.Errorf("%w: sockets not bound", ErrPrecondition)
	ErrAlreadyBound      = fmt.Errorf("%w: sockets already bound", ErrPrecondition)
	ErrRequestPending    = fmt.Errorf("%w: room request in flight", ErrPrecondition)
	ErrAlreadyInRoom     = fmt.Errorf("%w: already in a room", ErrPrecondition)
	ErrNoRoom            = fmt.Errorf("%w: not in a room", ErrPrecondition)
	ErrNotHost           = fmt.Errorf("%w: not hosting", ErrPrecondition)
)

var (
	ErrJoinRejected      = errors.New("join rejected")
	ErrCreateRejected    = errors.New("create rejected")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrUnknownPeer       = errors.New("unknown peer")
	ErrClosed            = errors.New("portal closed")
)

const (
	DefaultInboundSize  = 256
	DefaultOutboundSize = 256
)

type Config struct {
	// MaxClients is sent with room/create; zero lets the server decide.
	MaxClients   int
	Peer         peer.Config
	FanoutBuffer int
	Policy       fanout.Policy
	InboundSize  int
	OutboundSize int
	// STUNServer, when set, is asked for the externally mapped ports that are
	// advertised instead of the local ones.
	STUNServer string
}

// Portal owns the rendezvous client, the room session and the sockets.
// Each of them is set at most once; all room transitions happen under mu.
type Portal struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu         sync.Mutex
	closed     bool
	rendezvous *signaling.Client
	sockets    *transport.Sockets
	links      *peer.Manager
	sendPort   uint16
	recvPort   uint16
	state      core.SessionState
	room       *core.RoomSession
	joining    domain.RoomID
	pending    chan error
	fatal      error

	relay    *fanout.Relay
	inbound  chan core.Message
	outbound chan core.Message
	fatalCh  chan error

	closeOnce sync.Once
	wg        conc.WaitGroup
}

func New(ctx context.Context, cfg Config) *Portal {
	if cfg.InboundSize <= 0 {
		cfg.InboundSize = DefaultInboundSize
	}
	if cfg.OutboundSize <= 0 {
		cfg.OutboundSize = DefaultOutboundSize
	}
	if cfg.FanoutBuffer <= 0 {
		cfg.FanoutBuffer = fanout.DefaultBuffer
	}
	if cfg.Policy == nil {
		cfg.Policy = fanout.DropPolicy{}
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Portal{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With().Str("module", "portal").Logger(),
		relay:    fanout.NewRelay(cfg.FanoutBuffer, cfg.Policy),
		inbound:  make(chan core.Message, cfg.InboundSize),
		outbound: make(chan core.Message, cfg.OutboundSize),
		fatalCh:  make(chan error, 1),
	}
	p.wg.Go(p.outboundPump)
	return p
}

// Register connects to the rendezvous server and blocks until it assigns
// this process a client id.
func (p *Portal) Register(ctx context.Context, addr string) (domain.SessionIdentity, error) {
	p.mu.Lock()
	err := p.usableLocked()
	if err == nil && p.rendezvous != nil {
		err = ErrAlreadyRegistered
	}
	p.mu.Unlock()
	if err != nil {
		return domain.SessionIdentity{}, err
	}

	client, err := signaling.Register(ctx, addr, p)
	if err != nil {
		return domain.SessionIdentity{}, fmt.Errorf("register with %s: %w", addr, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usableLocked(); err != nil || p.rendezvous != nil {
		client.Close()
		if err == nil {
			err = ErrAlreadyRegistered
		}
		return domain.SessionIdentity{}, err
	}
	p.rendezvous = client
	p.logger.Info().Uint32("client_id", uint32(client.Identity().ClientID)).Str("server", addr).Msg("registered")
	return client.Identity(), nil
}

// BindSockets opens the data-plane sockets and starts the shared receive pump.
func (p *Portal) BindSockets(ctx context.Context, ip string, sendPort, recvPort uint16) error {
	p.mu.Lock()
	err := p.usableLocked()
	if err == nil && p.sockets != nil {
		err = ErrAlreadyBound
	}
	p.mu.Unlock()
	if err != nil {
		return err
	}

	sockets, err := transport.Bind(ip, sendPort, recvPort)
	if err != nil {
		return err
	}
	advSend, advRecv := sockets.Ports()
	if p.cfg.STUNServer != "" {
		advSend = p.discover(ctx, sockets.Send, advSend)
		advRecv = p.discover(ctx, sockets.Recv, advRecv)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usableLocked(); err != nil || p.sockets != nil {
		sockets.Close()
		if err == nil {
			err = ErrAlreadyBound
		}
		return err
	}
	p.sockets = sockets
	p.sendPort, p.recvPort = advSend, advRecv
	p.links = peer.NewManager(p.ctx, sockets, p.cfg.Peer, p.inbound)
	p.links.StartReceiving()
	p.logger.Info().
		Uint16("send_port", advSend).
		Uint16("recv_port", advRecv).
		Msg("data plane ready")
	return nil
}

// discover asks the STUN server for the mapping of pc, keeping the local port
// when there is no answer.
func (p *Portal) discover(ctx context.Context, pc net.PacketConn, local uint16) uint16 {
	mapped, err := discovery.Discover(ctx, pc, p.cfg.STUNServer)
	if err != nil {
		p.logger.Warn().Err(err).Str("local", pc.LocalAddr().String()).Msg("stun discovery failed, advertising local port")
		return local
	}
	p.logger.Info().Str("local", pc.LocalAddr().String()).Str("mapped", mapped.String()).Msg("stun mapping")
	return mapped.Port()
}

// Fatal delivers the first fatal protocol error, if any.
func (p *Portal) Fatal() <-chan error { return p.fatalCh }

func (p *Portal) Identity() (domain.SessionIdentity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rendezvous == nil {
		return domain.SessionIdentity{}, false
	}
	return p.rendezvous.Identity(), true
}

// AdvertisedPorts are the ports sent with room requests.
func (p *Portal) AdvertisedPorts() (send, recv uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sendPort, p.recvPort
}

func (p *Portal) State() core.SessionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Close stops every task and releases the connection and the sockets.
func (p *Portal) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.mu.Lock()
		p.closed = true
		rendezvous, links, sockets := p.rendezvous, p.links, p.sockets
		p.resolveLocked(ErrClosed)
		p.mu.Unlock()

		p.relay.Close()
		if rendezvous != nil {
			rendezvous.Close()
			rendezvous.Wait()
		}
		if links != nil {
			links.Close()
		}
		if sockets != nil {
			sockets.Close()
		}
		p.wg.Wait()
		p.logger.Info().Msg("portal closed")
	})
}

func (p *Portal) usableLocked() error {
	if p.closed {
		return ErrClosed
	}
	return p.fatal
}

// failLocked records a fatal error, aborts any pending request and drops the
// rendezvous connection.
func (p *Portal) failLocked(err error) {
	if p.fatal != nil {
		return
	}
	p.fatal = err
	p.logger.Error().Err(err).Str("state", p.state.String()).Msg("fatal rendezvous error")
	if !p.state.Bound() {
		p.state = core.StateUnbound
	}
	p.resolveLocked(err)
	select {
	case p.fatalCh <- err:
	default:
	}
	if p.rendezvous != nil {
		p.rendezvous.Close()
	}
}
