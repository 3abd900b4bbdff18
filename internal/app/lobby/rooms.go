package lobby

import (
	"sort"
	"sync"

	"github.com/dkeye/peerlink/internal/domain"
)

type RoomInfo struct {
	ID          domain.RoomID   `json:"room_id"`
	HostID      domain.ClientID `json:"host_id"`
	ClientCount int             `json:"client_count"`
	MaxClients  int             `json:"max_clients"`
}

type RoomDetail struct {
	RoomInfo
	Members []domain.ClientID `json:"members"`
}

func roomInfo(r *domain.Room) RoomInfo {
	return RoomInfo{
		ID:          r.ID,
		HostID:      r.Host.ClientID,
		ClientCount: len(r.Members),
		MaxClients:  r.MaxClients,
	}
}

// RoomManager is a threadsafe in-memory set of hosted rooms.
type RoomManager struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*domain.Room
	newID func() domain.RoomID
}

func NewRoomManager() *RoomManager {
	return &RoomManager{
		rooms: make(map[domain.RoomID]*domain.Room),
		newID: domain.NewRoomID,
	}
}

// Create opens a room hosted by host with a fresh unique id.
func (m *RoomManager) Create(host domain.ClientData, maxClients int) domain.Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.newID()
	for {
		if _, taken := m.rooms[id]; !taken {
			break
		}
		id = m.newID()
	}
	room := &domain.Room{
		ID:         id,
		MaxClients: maxClients,
		Host:       host,
		Members:    []domain.ClientID{host.ClientID},
	}
	m.rooms[id] = room
	return *room
}

// Join adds a member and returns the host's data.
func (m *RoomManager) Join(id domain.RoomID, member domain.ClientID) (domain.ClientData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[id]
	if !ok {
		return domain.ClientData{}, domain.ErrRoomNotFound
	}
	for _, m := range room.Members {
		if m == member {
			return domain.ClientData{}, ErrAlreadyMember
		}
	}
	if room.Full() {
		return domain.ClientData{}, domain.ErrRoomFull
	}
	room.Members = append(room.Members, member)
	return room.Host, nil
}

// Drop removes a client everywhere: rooms it hosts are closed, memberships
// elsewhere are released.
func (m *RoomManager) Drop(client domain.ClientID) []domain.RoomID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var closed []domain.RoomID
	for id, room := range m.rooms {
		if room.Host.ClientID == client {
			delete(m.rooms, id)
			closed = append(closed, id)
			continue
		}
		for i, member := range room.Members {
			if member == client {
				room.Members = append(room.Members[:i], room.Members[i+1:]...)
				break
			}
		}
	}
	return closed
}

func (m *RoomManager) Get(id domain.RoomID) (domain.Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[id]
	if !ok {
		return domain.Room{}, false
	}
	out := *room
	out.Members = append([]domain.ClientID(nil), room.Members...)
	return out, true
}

func (m *RoomManager) List() []RoomInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RoomInfo, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, roomInfo(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
