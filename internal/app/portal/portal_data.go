package portal

import (
	"context"

	"github.com/dkeye/peerlink/internal/app/peer"
	"github.com/dkeye/peerlink/internal/core"
	"github.com/dkeye/peerlink/internal/domain"
)

// Inbound yields application messages received from any peer.
func (p *Portal) Inbound() <-chan core.Message { return p.inbound }

// Outbound accepts application messages. A host broadcasts them to every
// peer, a client sends them to the host, and without a room they are dropped.
func (p *Portal) Outbound() chan<- core.Message { return p.outbound }

func (p *Portal) outboundPump() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case m := <-p.outbound:
			p.deliver(m)
		}
	}
}

func (p *Portal) deliver(m core.Message) {
	p.mu.Lock()
	state := p.state
	var hostLink *peer.Link
	if state == core.StateClient {
		hostLink, _ = p.links.Link(p.room.HostID)
	}
	p.mu.Unlock()

	switch state {
	case core.StateHost:
		p.relay.Publish(m)
	case core.StateClient:
		if hostLink == nil {
			p.logger.Warn().Str("type", string(m.Type)).Msg("no link to host, message dropped")
			return
		}
		if err := hostLink.Send(p.ctx, m); err != nil {
			p.logger.Warn().Err(err).Str("type", string(m.Type)).Msg("send to host failed")
		}
	default:
		p.logger.Debug().Str("type", string(m.Type)).Str("state", state.String()).Msg("not in a room, message dropped")
	}
}

// Broadcast publishes m once for every peer of the hosted room. Peers that
// lag behind lose the message; the others are unaffected.
func (p *Portal) Broadcast(m core.Message) error {
	p.mu.Lock()
	err := p.usableLocked()
	if err == nil && p.state != core.StateHost {
		err = ErrNotHost
	}
	p.mu.Unlock()
	if err != nil {
		return err
	}
	p.relay.Publish(m)
	return nil
}

// SendTo queues m for a single peer, blocking while its queue is full.
func (p *Portal) SendTo(ctx context.Context, id domain.ClientID, m core.Message) error {
	p.mu.Lock()
	err := p.usableLocked()
	if err == nil && !p.state.Bound() {
		err = ErrNoRoom
	}
	var link *peer.Link
	if err == nil {
		var ok bool
		if link, ok = p.links.Link(id); !ok {
			err = ErrUnknownPeer
		}
	}
	p.mu.Unlock()
	if err != nil {
		return err
	}
	return link.Send(ctx, m)
}

// RemovePeer stops the link to a hosted peer and forgets it.
func (p *Portal) RemovePeer(id domain.ClientID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != core.StateHost {
		return ErrNotHost
	}
	if !p.room.HasPeer(id) {
		return ErrUnknownPeer
	}
	p.relay.Unsubscribe(id)
	p.links.Remove(id)
	p.room.RemovePeer(id)
	p.logger.Info().Uint32("peer_id", uint32(id)).Msg("peer removed")
	return nil
}

// Room returns a copy of the current room session.
func (p *Portal) Room() (core.RoomSession, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.room == nil {
		return core.RoomSession{}, false
	}
	return p.room.Snapshot(), true
}

// Peers lists the data-plane peers: every joined member for a host, the
// host for a client.
func (p *Portal) Peers() []domain.ClientData {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.room == nil {
		return nil
	}
	if p.room.Role == core.RoleClient {
		return []domain.ClientData{p.room.Host}
	}
	return p.room.Snapshot().Peers
}
