// Package fanout mirrors one published message into every subscriber.
package fanout

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peerlink/internal/core"
	"github.com/dkeye/peerlink/internal/domain"
)

const DefaultBuffer = 64

// PublishResult reports delivery stats of one Publish.
type PublishResult struct {
	SentTo int
	Lagged []domain.ClientID
}

// Relay is a single-writer, multi-reader broadcast channel. Publish never
// blocks: a full subscriber is a local problem of that subscriber.
type Relay struct {
	buffer int
	policy Policy

	pmu sync.Mutex // serializes publishers so every reader sees one order

	mu     sync.RWMutex
	subs   map[domain.ClientID]*Subscription
	closed bool
}

func NewRelay(buffer int, policy Policy) *Relay {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if policy == nil {
		policy = DropPolicy{}
	}
	return &Relay{
		buffer: buffer,
		policy: policy,
		subs:   make(map[domain.ClientID]*Subscription),
	}
}

// Subscribe registers a reader for id, replacing a previous one.
func (r *Relay) Subscribe(id domain.ClientID) *Subscription {
	sub := newSubscription(id, r.buffer)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		sub.MarkDelete()
		close(sub.c)
		return sub
	}
	if old, ok := r.subs[id]; ok {
		log.Info().Str("module", "fanout").Uint32("client_id", uint32(id)).Msg("replacing existing subscription")
		old.MarkDelete()
		close(old.c)
	}
	r.subs[id] = sub
	return sub
}

func (r *Relay) Unsubscribe(id domain.ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
}

func (r *Relay) removeLocked(id domain.ClientID) {
	sub, ok := r.subs[id]
	if !ok {
		return
	}
	sub.MarkDelete()
	close(sub.c)
	delete(r.subs, id)
}

// Publish offers m to every subscriber.
func (r *Relay) Publish(m core.Message) PublishResult {
	r.pmu.Lock()
	defer r.pmu.Unlock()

	res, dirty := r.forward(m)

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
	return res
}

func (r *Relay) forward(m core.Message) (PublishResult, []domain.ClientID) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res PublishResult
	var dirty []domain.ClientID
	for id, sub := range r.subs {
		switch sub.GetState() {
		case SubStateDelete:
			dirty = append(dirty, id)
		case SubStateOk:
			select {
			case sub.c <- m:
				res.SentTo++
			default:
				lagged := sub.lagged.Add(1)
				res.Lagged = append(res.Lagged, id)
				log.Warn().
					Str("module", "fanout").
					Uint32("client_id", uint32(id)).
					Uint64("lagged", lagged).
					Str("type", string(m.Type)).
					Msg("subscriber lagging, message dropped for it")
				if r.policy.OnLag(id, lagged) == Unsubscribe {
					sub.MarkDelete()
					dirty = append(dirty, id)
				}
			}
		}
	}
	log.Debug().Str("module", "fanout").Str("type", string(m.Type)).Int("sent_to", res.SentTo).Int("lagged", len(res.Lagged)).Msg("publish result")
	return res, dirty
}

func (r *Relay) cleanupDeleted(dirty []domain.ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		if sub, ok := r.subs[id]; ok && sub.GetState() == SubStateDelete {
			r.removeLocked(id)
		}
	}
}

// Subscribers returns the ids currently subscribed.
func (r *Relay) Subscribers() []domain.ClientID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ClientID, 0, len(r.subs))
	for id := range r.subs {
		out = append(out, id)
	}
	return out
}

// Close removes every subscriber; later subscriptions are closed immediately.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.subs {
		r.removeLocked(id)
	}
	r.closed = true
}
