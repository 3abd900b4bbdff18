package lobby

import (
	"math/rand/v2"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peerlink/internal/domain"
)

type clientEntry struct {
	Session *Session
	IP      string
}

// Registry maps server-assigned client ids to their live sessions.
type Registry struct {
	mu      sync.RWMutex
	clients map[domain.ClientID]*clientEntry
	newID   func() uint32
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[domain.ClientID]*clientEntry),
		newID:   rand.Uint32,
	}
}

// Bind assigns a fresh non-zero id to sess.
func (r *Registry) Bind(sess *Session, ip string) domain.ClientID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var id domain.ClientID
	for {
		id = domain.ClientID(r.newID())
		if _, taken := r.clients[id]; id != 0 && !taken {
			break
		}
	}
	sess.id = id
	r.clients[id] = &clientEntry{Session: sess, IP: ip}
	log.Info().Str("module", "lobby.registry").Uint32("client_id", uint32(id)).Str("ip", ip).Msg("bound session")
	return id
}

func (r *Registry) Get(id domain.ClientID) (*Session, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.clients[id]; ok {
		return e.Session, e.IP, true
	}
	return nil, "", false
}

func (r *Registry) Unbind(id domain.ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
	log.Info().Str("module", "lobby.registry").Uint32("client_id", uint32(id)).Msg("unbind session")
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
