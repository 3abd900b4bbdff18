package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peerlink/internal/app/fanout"
	"github.com/dkeye/peerlink/internal/app/peer"
	"github.com/dkeye/peerlink/internal/app/portal"
	"github.com/dkeye/peerlink/internal/config"
	"github.com/dkeye/peerlink/internal/domain"
)

// openPortal registers and binds the data plane; both are setup errors.
func openPortal(ctx context.Context, cfg *config.Config) (*portal.Portal, error) {
	var policy fanout.Policy = fanout.DropPolicy{}
	if cfg.Peer.EvictAfter > 0 {
		policy = fanout.EvictPolicy{Limit: cfg.Peer.EvictAfter}
	}
	p := portal.New(ctx, portal.Config{
		MaxClients: cfg.Room.MaxClients,
		Peer: peer.Config{
			KeepAlive:   cfg.Peer.KeepAlive,
			QueueSize:   cfg.Peer.QueueSize,
			MaxDatagram: cfg.Peer.MaxDatagram,
		},
		FanoutBuffer: cfg.Peer.FanoutBuffer,
		Policy:       policy,
		STUNServer:   cfg.Network.STUNServer,
	})

	setupCtx, cancel := context.WithTimeout(ctx, cfg.Rendezvous.DialTimeout)
	defer cancel()
	if _, err := p.Register(setupCtx, cfg.Rendezvous.Addr); err != nil {
		p.Close()
		return nil, err
	}
	if err := p.BindSockets(setupCtx, cfg.Network.BindIP, cfg.Network.SendPort, cfg.Network.RecvPort); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func runHost(ctx context.Context, cfg *config.Config) error {
	p, err := openPortal(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	setupCtx, cancel := context.WithTimeout(ctx, cfg.Rendezvous.DialTimeout)
	roomID, err := p.CreateRoom(setupCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	log.Info().Str("module", "cmd").Str("room_id", string(roomID)).Msg("room open, share the id with other players")
	return runDemo(ctx, p)
}

func runJoin(ctx context.Context, cfg *config.Config, id domain.RoomID) error {
	p, err := openPortal(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	setupCtx, cancel := context.WithTimeout(ctx, cfg.Rendezvous.DialTimeout)
	err = p.JoinRoom(setupCtx, id)
	cancel()
	if err != nil {
		return fmt.Errorf("join room %s: %w", id, err)
	}
	return runDemo(ctx, p)
}
