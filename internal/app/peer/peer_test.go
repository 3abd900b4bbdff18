package peer

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/peerlink/internal/adapters/transport"
	"github.com/dkeye/peerlink/internal/app/fanout"
	"github.com/dkeye/peerlink/internal/core"
	"github.com/dkeye/peerlink/internal/domain"
)

type datagram struct {
	via string
	typ core.MessageType
	to  string
}

// wire records every datagram written through the fake sockets, in order.
type wire struct {
	mu   sync.Mutex
	sent []datagram
}

func (w *wire) snapshot() []datagram {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]datagram(nil), w.sent...)
}

type fakeConn struct {
	name string
	w    *wire
}

func (c fakeConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	m, err := core.Decode(b)
	if err != nil {
		return 0, err
	}
	c.w.mu.Lock()
	c.w.sent = append(c.w.sent, datagram{via: c.name, typ: m.Type, to: addr.String()})
	c.w.mu.Unlock()
	return len(b), nil
}

func (c fakeConn) ReadFrom([]byte) (int, net.Addr, error) { return 0, nil, net.ErrClosed }
func (c fakeConn) Close() error                          { return nil }
func (c fakeConn) LocalAddr() net.Addr                   { return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)} }
func (c fakeConn) SetDeadline(time.Time) error           { return nil }
func (c fakeConn) SetReadDeadline(time.Time) error       { return nil }
func (c fakeConn) SetWriteDeadline(time.Time) error      { return nil }

func fakeSockets() (*transport.Sockets, *wire) {
	w := &wire{}
	return &transport.Sockets{Send: fakeConn{"send", w}, Recv: fakeConn{"recv", w}}, w
}

func peerData(id domain.ClientID, sendPort, recvPort uint16) domain.ClientData {
	return domain.ClientData{
		ClientID:    id,
		NetworkData: domain.NetworkEndpoint{IP: "127.0.0.1", SendPort: sendPort, RecvPort: recvPort},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestHolePunchPrecedesEverything(t *testing.T) {
	sockets, w := fakeSockets()
	l, err := NewLink(context.Background(), peerData(5, 7000, 7001), sockets, Config{KeepAlive: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}
	app, _ := core.NewMessage("entity/update", map[string]int{"entity_id": 1})
	if err := l.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()
	if err := l.TrySend(app); err != nil {
		t.Fatalf("TrySend: %v", err)
	}

	waitFor(t, "keep-alive and app message", func() bool {
		var ka, data bool
		for _, d := range w.snapshot() {
			ka = ka || d.typ == core.TypeKeepAlive
			data = data || d.typ == "entity/update"
		}
		return ka && data
	})

	sent := w.snapshot()
	first := sent[0]
	if first.typ != core.TypeHolePunch || first.via != "recv" || first.to != "127.0.0.1:7000" {
		t.Fatalf("first datagram = %+v, want hole punch from recv socket to send port", first)
	}
	for _, d := range sent[1:] {
		switch d.typ {
		case core.TypeHolePunch:
			t.Fatalf("hole punch sent twice: %+v", sent)
		case core.TypeKeepAlive:
			if d.via != "recv" || d.to != "127.0.0.1:7000" {
				t.Fatalf("keep-alive took a different path: %+v", d)
			}
		default:
			if d.via != "send" || d.to != "127.0.0.1:7001" {
				t.Fatalf("app message path: %+v", d)
			}
		}
	}
}

func TestCloseStopsLinkTasks(t *testing.T) {
	sockets, w := fakeSockets()
	l, err := NewLink(context.Background(), peerData(5, 7000, 7001), sockets, Config{KeepAlive: time.Millisecond})
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}
	if err := l.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitFor(t, "a keep-alive", func() bool { return len(w.snapshot()) > 1 })
	l.Close()

	n := len(w.snapshot())
	time.Sleep(20 * time.Millisecond)
	if after := len(w.snapshot()); after != n {
		t.Fatalf("link kept sending after Close: %d -> %d", n, after)
	}
	if err := l.TrySend(core.Signal("x")); !errors.Is(err, ErrLinkClosed) {
		t.Fatalf("TrySend after close err = %v", err)
	}
}

func TestBackpressure(t *testing.T) {
	sockets, _ := fakeSockets()
	l, err := NewLink(context.Background(), peerData(1, 1, 2), sockets, Config{QueueSize: 1})
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}
	defer l.Close()
	if err := l.TrySend(core.Signal("a")); err != nil {
		t.Fatalf("first TrySend: %v", err)
	}
	if err := l.TrySend(core.Signal("b")); !errors.Is(err, core.ErrBackpressure) {
		t.Fatalf("second TrySend err = %v, want backpressure", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Send(ctx, core.Signal("c")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("blocking Send err = %v", err)
	}
}

func TestNewLinkRejectsBadEndpoint(t *testing.T) {
	sockets, _ := fakeSockets()
	_, err := NewLink(context.Background(), domain.ClientData{ClientID: 1, NetworkData: domain.NetworkEndpoint{IP: "nope", SendPort: 1, RecvPort: 2}}, sockets, Config{})
	if !errors.Is(err, domain.ErrBadEndpoint) {
		t.Fatalf("err = %v", err)
	}
}

func seq(n int) core.Message {
	m, _ := core.NewMessage("entity/update", map[string]int{"seq": n})
	return m
}

func recvSeq(t *testing.T, l *Link) int {
	t.Helper()
	select {
	case m := <-l.queue:
		var p struct{ Seq int }
		if err := m.Decode(&p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return p.Seq
	case <-time.After(2 * time.Second):
		t.Fatalf("peer %d: nothing queued", l.Peer.ClientID)
		return 0
	}
}

func TestFanOutFairness(t *testing.T) {
	sockets, _ := fakeSockets()
	relay := fanout.NewRelay(8, nil)
	defer relay.Close()

	var links []*Link
	for id := domain.ClientID(1); id <= 3; id++ {
		// not opened: queues are observed directly instead of being drained
		l, err := NewLink(context.Background(), peerData(id, 1000+uint16(id), 2000+uint16(id)), sockets, Config{QueueSize: 2})
		if err != nil {
			t.Fatalf("NewLink: %v", err)
		}
		defer l.Close()
		l.Follow(relay.Subscribe(id))
		links = append(links, l)
	}

	blocked := links[1]
	_ = blocked.TrySend(seq(-1))
	_ = blocked.TrySend(seq(-2))

	for i := 1; i <= 3; i++ {
		relay.Publish(seq(i))
	}

	for _, l := range []*Link{links[0], links[2]} {
		if got := recvSeq(t, l); got != 1 {
			t.Fatalf("peer %d first = %d", l.Peer.ClientID, got)
		}
		for want := 2; want <= 3; want++ {
			if got := recvSeq(t, l); got != want {
				t.Fatalf("peer %d got %d, want %d", l.Peer.ClientID, got, want)
			}
		}
		select {
		case m := <-l.queue:
			t.Fatalf("peer %d got an extra message %v", l.Peer.ClientID, m)
		case <-time.After(20 * time.Millisecond):
		}
	}

	// the full peer catches up without losing order
	for _, want := range []int{-1, -2, 1, 2, 3} {
		if got := recvSeq(t, blocked); got != want {
			t.Fatalf("blocked peer got %d, want %d", got, want)
		}
	}
}

func TestManagerReceivePumpSurvivesGarbage(t *testing.T) {
	sockets, err := transport.Bind("127.0.0.1", 0, 0)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer sockets.Close()
	_, recvPort := sockets.Ports()

	inbound := make(chan core.Message, 4)
	m := NewManager(context.Background(), sockets, Config{}, inbound)
	m.StartReceiving()
	defer m.Close()

	src, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer src.Close()
	dst := net.UDPAddrFromAddrPort(netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), recvPort))

	for _, raw := range []string{"\x00\x01garbage", `{"type":`, `{"type":"connection/hole-punch","data":{}}`, `{"type":"connection/keep-alive"}`} {
		if _, err := src.WriteTo([]byte(raw), dst); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	frame, _ := core.Encode(seq(42))
	if _, err := src.WriteTo(frame, dst); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-inbound:
		if got.Type != "entity/update" {
			t.Fatalf("delivered %q", got.Type)
		}
		var p struct{ Seq int }
		if err := got.Decode(&p); err != nil || p.Seq != 42 {
			t.Fatalf("payload %s (%v)", got.Data, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid datagram after garbage was not delivered")
	}
	select {
	case extra := <-inbound:
		t.Fatalf("maintenance or garbage leaked to the application: %v", extra)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestManagerConnectAndRemove(t *testing.T) {
	sockets, w := fakeSockets()
	m := NewManager(context.Background(), sockets, Config{KeepAlive: time.Hour}, make(chan core.Message, 1))
	defer m.Close()

	a, err := m.Connect(peerData(1, 3000, 3001))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	again, err := m.Connect(peerData(1, 3000, 3001))
	if err != nil || again != a {
		t.Fatalf("second Connect = %p, %v; want existing link", again, err)
	}
	if got := w.snapshot(); len(got) != 1 || got[0].typ != core.TypeHolePunch {
		t.Fatalf("wire = %+v, want a single hole punch", got)
	}
	if _, err := m.Connect(peerData(2, 3002, 3003)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, ok := m.Link(2); !ok {
		t.Fatal("second link missing")
	}
	if !m.Remove(1) {
		t.Fatal("Remove should report an existing link")
	}
	if _, ok := m.Link(1); ok {
		t.Fatal("removed link still present")
	}
	if err := a.TrySend(core.Signal("x")); !errors.Is(err, ErrLinkClosed) {
		t.Fatalf("removed link accepted a message: %v", err)
	}
}
