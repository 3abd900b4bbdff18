package fanout

import "github.com/dkeye/peerlink/internal/domain"

type LagAction int

const (
	DropMessage LagAction = iota
	Unsubscribe
)

// Policy decides what happens to a subscriber whose buffer overflowed.
type Policy interface {
	OnLag(id domain.ClientID, lagged uint64) LagAction
}

// DropPolicy keeps every subscriber; lagging ones simply miss messages.
type DropPolicy struct{}

func (DropPolicy) OnLag(domain.ClientID, uint64) LagAction { return DropMessage }

// EvictPolicy unsubscribes a reader once it has missed Limit messages.
type EvictPolicy struct {
	Limit uint64
}

func (p EvictPolicy) OnLag(_ domain.ClientID, lagged uint64) LagAction {
	if p.Limit > 0 && lagged >= p.Limit {
		return Unsubscribe
	}
	return DropMessage
}
