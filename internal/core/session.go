package core

import (
	"slices"

	"github.com/dkeye/peerlink/internal/domain"
)

type SessionState int

const (
	StateUnbound SessionState = iota
	StateAwaitingCreate
	StateAwaitingJoin
	StateHost
	StateClient
)

func (s SessionState) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateAwaitingCreate:
		return "awaiting-create"
	case StateAwaitingJoin:
		return "awaiting-join"
	case StateHost:
		return "host"
	case StateClient:
		return "client"
	default:
		return "unknown"
	}
}

// Bound reports whether a room session exists.
func (s SessionState) Bound() bool { return s == StateHost || s == StateClient }

type Role int

const (
	RoleHost Role = iota + 1
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleClient:
		return "client"
	default:
		return "none"
	}
}

// RoomSession is the single room this process belongs to.
// Peers is used by a host, Host by a client.
type RoomSession struct {
	RoomID domain.RoomID
	HostID domain.ClientID
	Role   Role
	Peers  []domain.ClientData
	Host   domain.ClientData
}

func NewHostSession(roomID domain.RoomID, self domain.ClientID) *RoomSession {
	return &RoomSession{RoomID: roomID, HostID: self, Role: RoleHost}
}

func NewClientSession(roomID domain.RoomID, host domain.ClientData) *RoomSession {
	return &RoomSession{RoomID: roomID, HostID: host.ClientID, Role: RoleClient, Host: host}
}

// AddPeer appends a peer unless its id is already known.
func (s *RoomSession) AddPeer(p domain.ClientData) bool {
	if s.HasPeer(p.ClientID) {
		return false
	}
	s.Peers = append(s.Peers, p)
	return true
}

func (s *RoomSession) HasPeer(id domain.ClientID) bool {
	return slices.ContainsFunc(s.Peers, func(p domain.ClientData) bool { return p.ClientID == id })
}

func (s *RoomSession) RemovePeer(id domain.ClientID) {
	s.Peers = slices.DeleteFunc(s.Peers, func(p domain.ClientData) bool { return p.ClientID == id })
}

// Snapshot returns a copy safe to hand out of the owning lock.
func (s *RoomSession) Snapshot() RoomSession {
	out := *s
	out.Peers = slices.Clone(s.Peers)
	return out
}
