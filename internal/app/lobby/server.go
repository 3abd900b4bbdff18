// Package lobby is the rendezvous server: it hands out client ids and
// matches joiners with room hosts over the control channel.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/peerlink/internal/adapters/transport"
	"github.com/dkeye/peerlink/internal/core"
	"github.com/dkeye/peerlink/internal/domain"
)

// Rejection messages as they appear in a failed room/join response.
const (
	MsgRoomNotFound  = "Room not found"
	MsgRoomFull      = "Room is full"
	MsgAlreadyInRoom = "Already in room"
	MsgRateLimited   = "Too many requests"
)

var ErrAlreadyMember = errors.New("already in room")

type Config struct {
	MaxClients   int
	RateLimit    int
	RateInterval time.Duration
	// NewRoomID overrides room id generation, mostly for tests.
	NewRoomID func() domain.RoomID
}

type Server struct {
	cfg      Config
	registry *Registry
	rooms    *RoomManager
	limiter  *RateLimiter
}

func NewServer(cfg Config) *Server {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = domain.DefaultMaxClients
	}
	if cfg.RateInterval <= 0 {
		cfg.RateInterval = time.Second
	}
	rooms := NewRoomManager()
	if cfg.NewRoomID != nil {
		rooms.newID = cfg.NewRoomID
	}
	return &Server{
		cfg:      cfg,
		registry: NewRegistry(),
		rooms:    rooms,
		limiter:  NewRateLimiter(cfg.RateLimit, cfg.RateInterval),
	}
}

func (s *Server) Rooms() []RoomInfo { return s.rooms.List() }
func (s *Server) Clients() int      { return s.registry.Count() }

// Room describes one hosted room along with its member ids.
func (s *Server) Room(id domain.RoomID) (RoomDetail, bool) {
	room, ok := s.rooms.Get(id)
	if !ok {
		return RoomDetail{}, false
	}
	return RoomDetail{RoomInfo: roomInfo(&room), Members: room.Members}, true
}

// Serve accepts stream control connections until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var wg conc.WaitGroup
	defer wg.Wait()

	log.Info().Str("module", "lobby").Str("addr", ln.Addr().String()).Msg("rendezvous listening")
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Go(func() { s.Attach(ctx, transport.NewStreamConn(c)) })
	}
}

// Attach registers conn as a new client and serves it until the connection
// closes or ctx is done.
func (s *Server) Attach(ctx context.Context, conn transport.ControlConn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ip := remoteIP(conn.RemoteAddr())
	sess := newSession(conn, cancel)
	id := s.registry.Bind(sess, ip)
	sess.logger = sess.logger.With().
		Uint32("client_id", uint32(id)).
		Str("token", sess.token).
		Logger()
	stop := context.AfterFunc(ctx, sess.Close)
	defer func() {
		stop()
		sess.Close()
		s.drop(id)
	}()

	reg, err := core.NewMessage(core.ResponseType(core.TypeConnect), domain.SessionIdentity{ClientID: id})
	if err != nil {
		sess.logger.Error().Err(err).Msg("build registration")
		return
	}
	sess.SendMessage(reg)
	sess.logger.Info().Str("ip", ip).Msg("client connected")

	var wg conc.WaitGroup
	wg.Go(func() { sess.writePump(ctx) })
	wg.Go(func() { sess.readPump(ctx, s.handle) })
	wg.Wait()
}

func (s *Server) drop(id domain.ClientID) {
	s.registry.Unbind(id)
	s.limiter.Forget(id)
	for _, room := range s.rooms.Drop(id) {
		log.Info().Str("module", "lobby").Str("room_id", string(room)).Msg("room closed, host left")
	}
}

func (s *Server) handle(sess *Session, frame core.Frame) {
	msg, err := core.Decode(frame)
	if err != nil {
		sess.logger.Warn().Err(err).Msg("bad request frame")
		return
	}
	req, err := core.DecodeRequest(msg)
	if err != nil {
		sess.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("bad request payload")
		return
	}
	if !s.limiter.Allow(sess.id) {
		sess.logger.Warn().Str("type", string(msg.Type)).Msg("rate limited")
		switch r := req.(type) {
		case core.JoinRoom:
			s.rejectJoin(sess, r.RoomID, MsgRateLimited)
		case core.CreateRoom:
			s.rejectCreate(sess, MsgRateLimited)
		}
		return
	}

	switch r := req.(type) {
	case core.CreateRoom:
		s.createRoom(sess, r.CreateRoomRequest)
	case core.JoinRoom:
		s.joinRoom(sess, r.JoinRoomRequest)
	case core.UnknownRequest:
		sess.logger.Warn().Str("type", string(r.Raw.Type)).Msg("unknown request")
	}
}

func (s *Server) createRoom(sess *Session, req core.CreateRoomRequest) {
	_, ip, ok := s.registry.Get(sess.id)
	if !ok {
		return
	}
	maxClients := req.MaxClients
	if maxClients <= 0 {
		maxClients = s.cfg.MaxClients
	}
	room := s.rooms.Create(domain.ClientData{
		ClientID: sess.id,
		NetworkData: domain.NetworkEndpoint{
			IP:       ip,
			SendPort: req.SendPort,
			RecvPort: req.RecvPort,
		},
	}, maxClients)
	sess.logger.Info().Str("room_id", string(room.ID)).Int("max_clients", maxClients).Msg("room created")

	resp, err := core.NewMessage(core.ResponseType(core.TypeRoomCreate), core.CreateRoomResponse{RoomID: room.ID})
	if err != nil {
		sess.logger.Error().Err(err).Msg("build room/create response")
		return
	}
	sess.SendMessage(resp)
}

func (s *Server) joinRoom(sess *Session, req core.JoinRoomRequest) {
	_, ip, ok := s.registry.Get(sess.id)
	if !ok {
		return
	}
	host, err := s.rooms.Join(req.RoomID, sess.id)
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		s.rejectJoin(sess, req.RoomID, MsgRoomNotFound)
		return
	case errors.Is(err, domain.ErrRoomFull):
		s.rejectJoin(sess, req.RoomID, MsgRoomFull)
		return
	case errors.Is(err, ErrAlreadyMember):
		s.rejectJoin(sess, req.RoomID, MsgAlreadyInRoom)
		return
	case err != nil:
		s.rejectJoin(sess, req.RoomID, err.Error())
		return
	}
	hostSess, _, ok := s.registry.Get(host.ClientID)
	if !ok {
		s.rejectJoin(sess, req.RoomID, MsgRoomNotFound)
		return
	}

	resp, err := core.NewMessage(core.ResponseType(core.TypeRoomJoin), core.JoinRoomResponse{
		Success:  true,
		RoomID:   req.RoomID,
		HostData: &host,
	})
	if err != nil {
		sess.logger.Error().Err(err).Msg("build room/join response")
		return
	}
	joiner := domain.ClientData{
		ClientID: sess.id,
		NetworkData: domain.NetworkEndpoint{
			IP:       ip,
			SendPort: req.SendPort,
			RecvPort: req.RecvPort,
		},
	}
	note, err := core.NewMessage(core.NotificationType(core.TypeRoomJoin), joiner)
	if err != nil {
		sess.logger.Error().Err(err).Msg("build room/join notification")
		return
	}
	sess.SendMessage(resp)
	hostSess.SendMessage(note)
	sess.logger.Info().
		Str("room_id", string(req.RoomID)).
		Uint32("host_id", uint32(host.ClientID)).
		Msg("client joined room")
}

func (s *Server) rejectCreate(sess *Session, msg string) {
	sess.logger.Info().Str("reason", msg).Msg("create rejected")
	resp, err := core.NewMessage(core.ResponseType(core.TypeRoomCreate), core.CreateRoomResponse{Msg: msg})
	if err != nil {
		sess.logger.Error().Err(err).Msg("build room/create rejection")
		return
	}
	sess.SendMessage(resp)
}

func (s *Server) rejectJoin(sess *Session, id domain.RoomID, msg string) {
	sess.logger.Info().Str("room_id", string(id)).Str("reason", msg).Msg("join rejected")
	resp, err := core.NewMessage(core.ResponseType(core.TypeRoomJoin), core.JoinRoomResponse{
		Success: false,
		RoomID:  id,
		Msg:     msg,
	})
	if err != nil {
		sess.logger.Error().Err(err).Msg("build room/join rejection")
		return
	}
	sess.SendMessage(resp)
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if ap, err := netip.ParseAddrPort(addr.String()); err == nil {
		return ap.Addr().Unmap().String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
