package core

import (
	"context"
	"errors"
)

var ErrBackpressure = errors.New("backpressure")

// Frame is one serialized envelope as it travels on a transport.
type Frame []byte

// ControlHandler consumes decoded control events from the rendezvous read loop.
type ControlHandler interface {
	HandleControl(ControlEvent)
	// HandleDisconnect is called once when the control connection is gone.
	HandleDisconnect(error)
}

// Outbox is a bounded FIFO towards one destination.
type Outbox interface {
	// TrySend enqueues without blocking and fails with ErrBackpressure when full.
	TrySend(Message) error
	// Send blocks until there is room or ctx is done.
	Send(ctx context.Context, m Message) error
}
