package lobby

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peerlink/internal/adapters/transport"
	"github.com/dkeye/peerlink/internal/core"
	"github.com/dkeye/peerlink/internal/domain"
)

const sessionQueueSize = 32

var ErrSessionClosed = errors.New("session closed")

// Session is the server side of one control connection.
type Session struct {
	id     domain.ClientID
	token  string
	conn   transport.ControlConn
	send   chan core.Frame
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	cancel context.CancelFunc
}

func newSession(conn transport.ControlConn, cancel context.CancelFunc) *Session {
	return &Session{
		token:  uuid.NewString(),
		conn:   conn,
		send:   make(chan core.Frame, sessionQueueSize),
		cancel: cancel,
		logger: log.With().Str("module", "lobby").Logger(),
	}
}

func (s *Session) ID() domain.ClientID { return s.id }

func (s *Session) TrySend(f core.Frame) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.send <- f:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (s *Session) SendMessage(m core.Message) {
	frame, err := core.Encode(m)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode reply")
		return
	}
	if err := s.TrySend(frame); err != nil {
		s.logger.Warn().Err(err).Str("type", string(m.Type)).Msg("reply dropped")
	}
}

func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	close(s.send)
	_ = s.conn.Close()
}

func (s *Session) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-s.send:
			if !ok {
				return
			}
			if err := s.conn.WriteFrame(frame); err != nil {
				s.logger.Error().Err(err).Msg("writePump write error")
				s.Close()
				return
			}
		}
	}
}

func (s *Session) readPump(ctx context.Context, handle func(*Session, core.Frame)) {
	defer func() {
		s.logger.Info().Msg("readPump closing")
		s.Close()
	}()

	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			if errors.Is(err, transport.ErrFrameTooLarge) {
				s.logger.Warn().Err(err).Msg("oversized request skipped")
				continue
			}
			if ctx.Err() == nil && !transport.IsClosed(err) {
				s.logger.Error().Err(err).Msg("readPump read error")
			}
			return
		}
		handle(s, frame)
	}
}
