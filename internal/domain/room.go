package domain

import (
	"errors"
	"math/rand/v2"
)

const (
	RoomIDLen         = 6
	DefaultMaxClients = 2
)

var (
	ErrRoomFull     = errors.New("room is full")
	ErrRoomNotFound = errors.New("room not found")
)

const roomIDChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

type RoomID string

// NewRoomID returns a random room id made of ascii letters.
func NewRoomID() RoomID {
	b := make([]byte, RoomIDLen)
	for i := range b {
		b[i] = roomIDChars[rand.IntN(len(roomIDChars))]
	}
	return RoomID(b)
}

// Room is the rendezvous-side record of a hosted room.
type Room struct {
	ID         RoomID
	MaxClients int
	Host       ClientData
	Members    []ClientID
}

// Full reports whether another member would exceed MaxClients. Zero means unlimited.
func (r *Room) Full() bool {
	return r.MaxClients > 0 && len(r.Members) >= r.MaxClients
}
