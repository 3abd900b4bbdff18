package core

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/peerlink/internal/domain"
)

type CreateRoomRequest struct {
	MaxClients int    `json:"max_clients"`
	SendPort   uint16 `json:"send_port"`
	RecvPort   uint16 `json:"recv_port"`
}

// CreateRoomResponse carries either the new room id or, when the server
// refused the request, only Msg.
type CreateRoomResponse struct {
	RoomID domain.RoomID `json:"room_id,omitempty"`
	Msg    string        `json:"msg,omitempty"`
}

func (r CreateRoomResponse) Rejected() bool { return r.RoomID == "" }

type JoinRoomRequest struct {
	RoomID   domain.RoomID `json:"room_id"`
	SendPort uint16        `json:"send_port"`
	RecvPort uint16        `json:"recv_port"`
}

type JoinRoomResponse struct {
	Success  bool               `json:"success"`
	RoomID   domain.RoomID      `json:"room_id"`
	Msg      string             `json:"msg,omitempty"`
	HostData *domain.ClientData `json:"host_data,omitempty"`
}

// ControlEvent is a server-to-client control message decoded at the boundary.
type ControlEvent interface{ controlEvent() }

type RoomCreated struct{ CreateRoomResponse }

type RoomJoined struct{ JoinRoomResponse }

// PeerJoined is only meaningful to the host of a room.
type PeerJoined struct{ domain.ClientData }

type UnknownControl struct{ Raw Message }

func (RoomCreated) controlEvent()    {}
func (RoomJoined) controlEvent()     {}
func (PeerJoined) controlEvent()     {}
func (UnknownControl) controlEvent() {}

// DecodeControl maps an envelope onto the closed set of control events.
// Unrecognised tags are returned as UnknownControl, never as an error.
func DecodeControl(m Message) (ControlEvent, error) {
	switch m.Type {
	case ResponseType(TypeRoomCreate):
		var ev RoomCreated
		if err := m.Decode(&ev.CreateRoomResponse); err != nil {
			return nil, err
		}
		if ev.RoomID == "" && ev.Msg == "" {
			return nil, fmt.Errorf("%w: %s without room_id", ErrMalformedFrame, m.Type)
		}
		return ev, nil
	case ResponseType(TypeRoomJoin):
		var ev RoomJoined
		if err := m.Decode(&ev.JoinRoomResponse); err != nil {
			return nil, err
		}
		if ev.Success && ev.HostData == nil {
			return nil, fmt.Errorf("%w: %s without host_data", ErrMalformedFrame, m.Type)
		}
		return ev, nil
	case NotificationType(TypeRoomJoin):
		var ev PeerJoined
		if err := m.Decode(&ev.ClientData); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return UnknownControl{Raw: m}, nil
	}
}

// DecodeRegistration reads the first frame sent by the rendezvous server. Both
// the enveloped form and a bare {"client_id":N} object are accepted.
func DecodeRegistration(frame []byte) (domain.SessionIdentity, error) {
	var probe struct {
		Type     MessageType     `json:"type"`
		Data     json.RawMessage `json:"data"`
		ClientID *uint32         `json:"client_id"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return domain.SessionIdentity{}, fmt.Errorf("%w: registration: %v", ErrMalformedFrame, err)
	}
	if probe.Type == "" {
		if probe.ClientID == nil {
			return domain.SessionIdentity{}, fmt.Errorf("%w: registration without client_id", ErrMalformedFrame)
		}
		return domain.SessionIdentity{ClientID: domain.ClientID(*probe.ClientID)}, nil
	}
	if probe.Type != ResponseType(TypeConnect) {
		return domain.SessionIdentity{}, fmt.Errorf("%w: unexpected registration type %q", ErrMalformedFrame, probe.Type)
	}
	var payload struct {
		ClientID *uint32 `json:"client_id"`
	}
	if err := (Message{Type: probe.Type, Data: probe.Data}).Decode(&payload); err != nil {
		return domain.SessionIdentity{}, err
	}
	if payload.ClientID == nil {
		return domain.SessionIdentity{}, fmt.Errorf("%w: registration without client_id", ErrMalformedFrame)
	}
	return domain.SessionIdentity{ClientID: domain.ClientID(*payload.ClientID)}, nil
}

// Request is a client-to-server control message as the rendezvous server sees it.
type Request interface{ request() }

type CreateRoom struct{ CreateRoomRequest }

type JoinRoom struct{ JoinRoomRequest }

type UnknownRequest struct{ Raw Message }

func (CreateRoom) request()     {}
func (JoinRoom) request()       {}
func (UnknownRequest) request() {}

func DecodeRequest(m Message) (Request, error) {
	switch m.Type {
	case TypeRoomCreate:
		var r CreateRoom
		if err := m.Decode(&r.CreateRoomRequest); err != nil {
			return nil, err
		}
		return r, nil
	case TypeRoomJoin:
		var r JoinRoom
		if err := m.Decode(&r.JoinRoomRequest); err != nil {
			return nil, err
		}
		return r, nil
	default:
		return UnknownRequest{Raw: m}, nil
	}
}
