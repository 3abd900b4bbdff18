package portal

import (
	"context"
	"fmt"

	"github.com/dkeye/peerlink/internal/app/signaling"
	"github.com/dkeye/peerlink/internal/core"
	"github.com/dkeye/peerlink/internal/domain"
)

// CreateRoom asks the rendezvous server for a new room hosted by this
// process and blocks until the server answers.
func (p *Portal) CreateRoom(ctx context.Context) (domain.RoomID, error) {
	p.mu.Lock()
	if err := p.roomRequestLocked(); err != nil {
		p.mu.Unlock()
		return "", err
	}
	req, err := core.NewMessage(core.TypeRoomCreate, core.CreateRoomRequest{
		MaxClients: p.cfg.MaxClients,
		SendPort:   p.sendPort,
		RecvPort:   p.recvPort,
	})
	if err != nil {
		p.mu.Unlock()
		return "", err
	}
	pending, err := p.requestLocked(req, core.StateAwaitingCreate, "")
	p.mu.Unlock()
	if err != nil {
		return "", err
	}

	if err := p.await(ctx, pending); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.room.RoomID, nil
}

// JoinRoom asks to join id and blocks until the server answers. A rejected
// join is fatal and creates no room session.
func (p *Portal) JoinRoom(ctx context.Context, id domain.RoomID) error {
	p.mu.Lock()
	if err := p.roomRequestLocked(); err != nil {
		p.mu.Unlock()
		return err
	}
	req, err := core.NewMessage(core.TypeRoomJoin, core.JoinRoomRequest{
		RoomID:   id,
		SendPort: p.sendPort,
		RecvPort: p.recvPort,
	})
	if err != nil {
		p.mu.Unlock()
		return err
	}
	pending, err := p.requestLocked(req, core.StateAwaitingJoin, id)
	p.mu.Unlock()
	if err != nil {
		return err
	}
	return p.await(ctx, pending)
}

func (p *Portal) roomRequestLocked() error {
	if err := p.usableLocked(); err != nil {
		return err
	}
	switch {
	case p.rendezvous == nil:
		return ErrNotRegistered
	case p.sockets == nil:
		return ErrSocketsUnbound
	case p.pending != nil:
		return ErrRequestPending
	case p.state.Bound():
		return ErrAlreadyInRoom
	}
	return nil
}

func (p *Portal) requestLocked(req core.Message, awaiting core.SessionState, joining domain.RoomID) (chan error, error) {
	if err := p.rendezvous.Send(req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Type, err)
	}
	pending := make(chan error, 1)
	p.pending = pending
	p.state = awaiting
	p.joining = joining
	p.logger.Info().Str("type", string(req.Type)).Str("room_id", string(joining)).Msg("room request sent")
	return pending, nil
}

// await waits for the response to a room request. Giving up reverts the
// state so a late response is treated as unsolicited.
func (p *Portal) await(ctx context.Context, pending chan error) error {
	select {
	case err := <-pending:
		return err
	case <-ctx.Done():
	}
	p.mu.Lock()
	if p.pending == pending {
		p.pending = nil
		p.state = core.StateUnbound
		p.joining = ""
		p.mu.Unlock()
		return ctx.Err()
	}
	p.mu.Unlock()
	return <-pending
}

func (p *Portal) resolveLocked(err error) {
	if p.pending == nil {
		return
	}
	p.pending <- err
	p.pending = nil
	p.joining = ""
}

// HandleControl applies one rendezvous event to the room state.
func (p *Portal) HandleControl(ev core.ControlEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	switch e := ev.(type) {
	case core.RoomCreated:
		p.onRoomCreated(e)
	case core.RoomJoined:
		p.onRoomJoined(e)
	case core.PeerJoined:
		p.onPeerJoined(e)
	default:
		p.logger.Warn().Msgf("unhandled control event %T", ev)
	}
}

// HandleDisconnect aborts a pending room request; later requests fail on send.
func (p *Portal) HandleDisconnect(cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.logger.Warn().AnErr("cause", cause).Str("state", p.state.String()).Msg("rendezvous connection lost")
	if p.pending != nil {
		p.state = core.StateUnbound
		p.resolveLocked(signaling.ErrDisconnected)
	}
}

func (p *Portal) onRoomCreated(e core.RoomCreated) {
	if p.state.Bound() {
		p.logger.Warn().Str("room_id", string(e.RoomID)).Str("state", p.state.String()).Msg("duplicate room/create response ignored")
		return
	}
	if p.state != core.StateAwaitingCreate {
		p.logger.Warn().Str("room_id", string(e.RoomID)).Msg("unsolicited room/create response ignored")
		return
	}
	if e.Rejected() {
		p.logger.Warn().Str("reason", e.Msg).Msg("room/create refused")
		p.state = core.StateUnbound
		p.resolveLocked(fmt.Errorf("%w: %s", ErrCreateRejected, e.Msg))
		return
	}
	p.room = core.NewHostSession(e.RoomID, p.rendezvous.Identity().ClientID)
	p.state = core.StateHost
	p.logger.Info().Str("room_id", string(e.RoomID)).Msg("hosting room")
	p.resolveLocked(nil)
}

func (p *Portal) onRoomJoined(e core.RoomJoined) {
	if p.state.Bound() {
		p.logger.Warn().Str("room_id", string(e.RoomID)).Str("state", p.state.String()).Msg("duplicate room/join response ignored")
		return
	}
	if p.state != core.StateAwaitingJoin {
		p.logger.Warn().Str("room_id", string(e.RoomID)).Msg("unsolicited room/join response ignored")
		return
	}
	roomID := p.joining
	if e.RoomID != "" && e.RoomID != roomID {
		p.logger.Warn().Str("room_id", string(e.RoomID)).Str("requested", string(roomID)).Msg("room/join response for another room ignored")
		return
	}
	if !e.Success {
		p.failLocked(fmt.Errorf("%w: room %s: %s", ErrJoinRejected, roomID, e.Msg))
		return
	}

	host := *e.HostData
	if _, err := p.links.Connect(host); err != nil {
		p.logger.Error().Err(err).Uint32("host_id", uint32(host.ClientID)).Msg("link to host failed")
		p.state = core.StateUnbound
		p.resolveLocked(fmt.Errorf("link to host: %w", err))
		return
	}
	p.room = core.NewClientSession(roomID, host)
	p.state = core.StateClient
	p.logger.Info().
		Str("room_id", string(roomID)).
		Uint32("host_id", uint32(host.ClientID)).
		Str("host", host.NetworkData.String()).
		Msg("joined room")
	p.resolveLocked(nil)
}

func (p *Portal) onPeerJoined(e core.PeerJoined) {
	if p.state != core.StateHost {
		p.failLocked(fmt.Errorf("%w: room/join notification while %s", ErrProtocolViolation, p.state))
		return
	}
	self := p.rendezvous.Identity().ClientID
	if e.ClientID == self || p.room.HasPeer(e.ClientID) {
		p.logger.Warn().Uint32("peer_id", uint32(e.ClientID)).Msg("peer already known, notification ignored")
		return
	}
	link, err := p.links.Connect(e.ClientData)
	if err != nil {
		p.logger.Error().Err(err).Uint32("peer_id", uint32(e.ClientID)).Msg("link to peer failed")
		return
	}
	link.Follow(p.relay.Subscribe(e.ClientID))
	p.room.AddPeer(e.ClientData)
	p.logger.Info().
		Str("room_id", string(p.room.RoomID)).
		Uint32("peer_id", uint32(e.ClientID)).
		Str("peer", e.NetworkData.String()).
		Int("peers", len(p.room.Peers)).
		Msg("peer joined")
}
