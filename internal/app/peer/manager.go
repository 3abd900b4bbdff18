package peer

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/peerlink/internal/adapters/transport"
	"github.com/dkeye/peerlink/internal/core"
	"github.com/dkeye/peerlink/internal/domain"
)

// Manager owns every Link of the process and the one receive pump that
// reads the shared receive socket. Inbound messages are not attributed to a
// peer; the application embeds identity in its payloads if it needs it.
type Manager struct {
	sockets *transport.Sockets
	cfg     Config
	inbound chan<- core.Message

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	links map[domain.ClientID]*Link

	recvOnce sync.Once
	wg       conc.WaitGroup
}

func NewManager(ctx context.Context, sockets *transport.Sockets, cfg Config, inbound chan<- core.Message) *Manager {
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		sockets: sockets,
		cfg:     cfg.withDefaults(),
		inbound: inbound,
		ctx:     ctx,
		cancel:  cancel,
		links:   make(map[domain.ClientID]*Link),
	}
}

// Connect performs NAT traversal towards p and returns its running link.
// Connecting twice to the same client returns the existing link.
func (m *Manager) Connect(p domain.ClientData) (*Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.links[p.ClientID]; ok {
		log.Warn().Str("module", "peer").Uint32("client_id", uint32(p.ClientID)).Msg("peer already linked")
		return l, nil
	}
	if m.ctx.Err() != nil {
		return nil, ErrLinkClosed
	}
	l, err := NewLink(m.ctx, p, m.sockets, m.cfg)
	if err != nil {
		return nil, err
	}
	if err := l.Open(); err != nil {
		return nil, err
	}
	m.links[p.ClientID] = l
	m.StartReceiving()
	return l, nil
}

func (m *Manager) Link(id domain.ClientID) (*Link, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.links[id]
	return l, ok
}

// Remove stops the tasks of one peer.
func (m *Manager) Remove(id domain.ClientID) bool {
	m.mu.Lock()
	l, ok := m.links[id]
	delete(m.links, id)
	m.mu.Unlock()
	if ok {
		l.Close()
	}
	return ok
}

// StartReceiving launches the shared receive pump once.
func (m *Manager) StartReceiving() {
	m.recvOnce.Do(func() { m.wg.Go(m.recvPump) })
}

// Close stops every link and the receive pump. The sockets stay open; they
// belong to the caller.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	links := m.links
	m.links = make(map[domain.ClientID]*Link)
	m.mu.Unlock()
	for _, l := range links {
		l.Close()
	}
	// unblock a pending ReadFrom
	_ = m.sockets.Recv.SetReadDeadline(time.Now())
	m.wg.Wait()
}

func (m *Manager) recvPump() {
	logger := log.With().Str("module", "peer").Str("recv", m.sockets.Recv.LocalAddr().String()).Logger()
	logger.Info().Msg("receive pump started")
	buf := make([]byte, m.cfg.MaxDatagram)
	for {
		n, from, err := m.sockets.Recv.ReadFrom(buf)
		if err != nil {
			if m.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logger.Info().Msg("receive pump stopped")
				return
			}
			logger.Warn().Err(err).Msg("datagram receive failed")
			continue
		}
		frame, err := core.DecodeDatagram(buf[:n])
		if err != nil {
			logger.Warn().Err(err).Str("from", from.String()).Int("size", n).Msg("malformed datagram dropped")
			continue
		}
		switch f := frame.(type) {
		case core.HolePunch:
			logger.Debug().Str("from", from.String()).Msg("hole punch received")
		case core.KeepAlive:
			logger.Debug().Str("from", from.String()).Msg("keep-alive received")
		case core.AppMessage:
			select {
			case m.inbound <- f.Message:
			default:
				logger.Warn().Str("type", string(f.Type)).Msg("inbound queue full, message dropped")
			}
		}
	}
}
