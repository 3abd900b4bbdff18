package fanout

import (
	"sync/atomic"

	"github.com/dkeye/peerlink/internal/core"
	"github.com/dkeye/peerlink/internal/domain"
)

type SubState int32

const (
	SubStateOk SubState = iota
	SubStateDelete
)

// Subscription is one reader of the broadcast channel. Messages that do not
// fit into its buffer are dropped for this reader only and counted as lag.
type Subscription struct {
	ID domain.ClientID

	c      chan core.Message
	state  atomic.Int32 // Zero by default (SubStateOk)
	lagged atomic.Uint64
}

func newSubscription(id domain.ClientID, buffer int) *Subscription {
	return &Subscription{ID: id, c: make(chan core.Message, buffer)}
}

// C is closed when the subscription is removed from the relay.
func (s *Subscription) C() <-chan core.Message { return s.c }

func (s *Subscription) Lagged() uint64 { return s.lagged.Load() }

func (s *Subscription) GetState() SubState { return SubState(s.state.Load()) }

func (s *Subscription) MarkDelete() { s.state.Store(int32(SubStateDelete)) }
