package portal

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/peerlink/internal/adapters/transport"
	"github.com/dkeye/peerlink/internal/app/lobby"
	"github.com/dkeye/peerlink/internal/app/peer"
	"github.com/dkeye/peerlink/internal/app/signaling"
	"github.com/dkeye/peerlink/internal/core"
	"github.com/dkeye/peerlink/internal/domain"
)

func startLobby(t *testing.T, cfg lobby.Config) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = lobby.NewServer(cfg).Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func newPortal(t *testing.T, addr string) *Portal {
	t.Helper()
	p := New(context.Background(), Config{Peer: peer.Config{KeepAlive: 50 * time.Millisecond}})
	t.Cleanup(p.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.Register(ctx, addr); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := p.BindSockets(ctx, "127.0.0.1", 0, 0); err != nil {
		t.Fatalf("bind: %v", err)
	}
	return p
}

func entity(t *testing.T, seq int) core.Message {
	t.Helper()
	m, err := core.NewMessage("entity/update", map[string]int{"seq": seq})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	return m
}

func waitInbound(t *testing.T, p *Portal) core.Message {
	t.Helper()
	select {
	case m := <-p.Inbound():
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("no inbound message")
		return core.Message{}
	}
}

func TestCreateJoinConvergence(t *testing.T) {
	addr := startLobby(t, lobby.Config{NewRoomID: func() domain.RoomID { return "abc123" }})
	host := newPortal(t, addr)
	guest := newPortal(t, addr)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	roomID, err := host.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if roomID != "abc123" || host.State() != core.StateHost {
		t.Fatalf("room %q state %s", roomID, host.State())
	}

	if err := guest.JoinRoom(ctx, "abc123"); err != nil {
		t.Fatalf("join: %v", err)
	}
	hostID, _ := host.Identity()
	guestID, _ := guest.Identity()
	hostSend, hostRecv := host.AdvertisedPorts()

	room, ok := guest.Room()
	if !ok || room.Role != core.RoleClient || room.HostID != hostID.ClientID {
		t.Fatalf("guest room %+v", room)
	}
	want := domain.NetworkEndpoint{IP: "127.0.0.1", SendPort: hostSend, RecvPort: hostRecv}
	if room.Host.NetworkData != want {
		t.Fatalf("host endpoint %v, want %v", room.Host.NetworkData, want)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		peers := host.Peers()
		if len(peers) == 1 && peers[0].ClientID == guestID.ClientID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("host peers %+v", peers)
		}
		time.Sleep(10 * time.Millisecond)
	}

	guest.Outbound() <- entity(t, 1)
	if got := waitInbound(t, host); got.Type != "entity/update" {
		t.Fatalf("host got %s", got.Type)
	}

	if err := host.Broadcast(entity(t, 2)); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	got := waitInbound(t, guest)
	var payload struct{ Seq int }
	if err := got.Decode(&payload); err != nil || payload.Seq != 2 {
		t.Fatalf("guest got %s %v", got.Data, err)
	}
}

func TestJoinUnknownRoomFails(t *testing.T) {
	addr := startLobby(t, lobby.Config{})
	guest := newPortal(t, addr)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := guest.JoinRoom(ctx, "nope00")
	if !errors.Is(err, ErrJoinRejected) || !strings.Contains(err.Error(), lobby.MsgRoomNotFound) {
		t.Fatalf("join err = %v", err)
	}
	if _, ok := guest.Room(); ok {
		t.Fatalf("rejected join created a room session")
	}
}

// stub is a scripted rendezvous server speaking over a single connection.
type stub struct {
	t    *testing.T
	conn transport.ControlConn
}

func startStub(t *testing.T) (string, <-chan *stub) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	out := make(chan *stub, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		conn := transport.NewStreamConn(c)
		t.Cleanup(func() { _ = conn.Close() })
		if err := conn.WriteFrame(core.Frame(`{"client_id":7}`)); err != nil {
			return
		}
		out <- &stub{t: t, conn: conn}
	}()
	return ln.Addr().String(), out
}

func (s *stub) expect(typ core.MessageType) core.Message {
	s.t.Helper()
	_ = s.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := s.conn.ReadFrame()
	if err != nil {
		s.t.Fatalf("stub read: %v", err)
	}
	m, err := core.Decode(frame)
	if err != nil {
		s.t.Fatalf("stub decode: %v", err)
	}
	if m.Type != typ {
		s.t.Fatalf("stub got %s, want %s", m.Type, typ)
	}
	return m
}

func (s *stub) reply(typ core.MessageType, v any) {
	s.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		s.t.Fatalf("marshal: %v", err)
	}
	frame, err := core.Encode(core.Message{Type: typ, Data: data})
	if err != nil {
		s.t.Fatalf("encode: %v", err)
	}
	if err := s.conn.WriteFrame(frame); err != nil {
		s.t.Fatalf("stub write: %v", err)
	}
}

func registerWithStub(t *testing.T) (*Portal, *stub) {
	t.Helper()
	addr, stubs := startStub(t)
	p := newPortal(t, addr)
	if id, _ := p.Identity(); id.ClientID != 7 {
		t.Fatalf("identity %d", id.ClientID)
	}
	select {
	case s := <-stubs:
		return p, s
	case <-time.After(2 * time.Second):
		t.Fatalf("stub did not accept")
		return nil, nil
	}
}

func listenPeer(t *testing.T) domain.ClientData {
	t.Helper()
	a, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	b, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	return domain.ClientData{
		ClientID: 9,
		NetworkData: domain.NetworkEndpoint{
			IP:       "127.0.0.1",
			SendPort: uint16(a.LocalAddr().(*net.UDPAddr).Port),
			RecvPort: uint16(b.LocalAddr().(*net.UDPAddr).Port),
		},
	}
}

func TestJoinRejectionIsFatal(t *testing.T) {
	p, s := registerWithStub(t)
	errc := make(chan error, 1)
	go func() { errc <- p.JoinRoom(context.Background(), "abc123") }()

	req := s.expect(core.TypeRoomJoin)
	var body core.JoinRoomRequest
	if err := req.Decode(&body); err != nil || body.RoomID != "abc123" || body.SendPort == 0 || body.RecvPort == 0 {
		t.Fatalf("join request %+v %v", body, err)
	}
	s.reply(core.ResponseType(core.TypeRoomJoin), core.JoinRoomResponse{Success: false, RoomID: "abc123", Msg: "full"})

	err := <-errc
	if !errors.Is(err, ErrJoinRejected) || !strings.Contains(err.Error(), "full") {
		t.Fatalf("join err = %v", err)
	}
	if _, ok := p.Room(); ok {
		t.Fatalf("rejected join created a room session")
	}
	select {
	case ferr := <-p.Fatal():
		if !errors.Is(ferr, ErrJoinRejected) {
			t.Fatalf("fatal = %v", ferr)
		}
	case <-time.After(time.Second):
		t.Fatalf("no fatal error published")
	}
}

func TestPeerNotificationWhileNotHosting(t *testing.T) {
	p, s := registerWithStub(t)
	s.reply(core.NotificationType(core.TypeRoomJoin), listenPeer(t))

	select {
	case err := <-p.Fatal():
		if !errors.Is(err, ErrProtocolViolation) {
			t.Fatalf("fatal = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no fatal error published")
	}
	if _, err := p.CreateRoom(context.Background()); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("create after violation err = %v", err)
	}
}

func TestDuplicateCreateResponseIgnored(t *testing.T) {
	p, s := registerWithStub(t)
	type result struct {
		id  domain.RoomID
		err error
	}
	res := make(chan result, 1)
	go func() {
		id, err := p.CreateRoom(context.Background())
		res <- result{id, err}
	}()

	s.expect(core.TypeRoomCreate)
	s.reply(core.ResponseType(core.TypeRoomCreate), core.CreateRoomResponse{RoomID: "abc123"})
	if r := <-res; r.err != nil || r.id != "abc123" {
		t.Fatalf("create = %q, %v", r.id, r.err)
	}

	member := listenPeer(t)
	s.reply(core.ResponseType(core.TypeRoomCreate), core.CreateRoomResponse{RoomID: "zzzzzz"})
	s.reply(core.NotificationType(core.TypeRoomJoin), member)
	s.reply(core.NotificationType(core.TypeRoomJoin), member)

	deadline := time.Now().Add(2 * time.Second)
	for len(p.Peers()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("peer never linked")
		}
		time.Sleep(10 * time.Millisecond)
	}
	room, _ := p.Room()
	if room.RoomID != "abc123" || room.Role != core.RoleHost || len(room.Peers) != 1 {
		t.Fatalf("room after duplicate %+v", room)
	}
	if err := p.RemovePeer(member.ClientID); err != nil {
		t.Fatalf("remove peer: %v", err)
	}
	if len(p.Peers()) != 0 {
		t.Fatalf("peer still listed after removal")
	}
}

func TestPendingRequestAbortedOnDisconnect(t *testing.T) {
	p, s := registerWithStub(t)
	errc := make(chan error, 1)
	go func() {
		_, err := p.CreateRoom(context.Background())
		errc <- err
	}()
	s.expect(core.TypeRoomCreate)
	_ = s.conn.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, signaling.ErrDisconnected) {
			t.Fatalf("create err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("create still pending after disconnect")
	}
	if _, err := p.CreateRoom(context.Background()); !errors.Is(err, signaling.ErrDisconnected) {
		t.Fatalf("create after disconnect err = %v", err)
	}
}

func TestRefusedCreateIsRetryable(t *testing.T) {
	p, s := registerWithStub(t)
	errc := make(chan error, 1)
	go func() {
		_, err := p.CreateRoom(context.Background())
		errc <- err
	}()
	s.expect(core.TypeRoomCreate)
	s.reply(core.ResponseType(core.TypeRoomCreate), core.CreateRoomResponse{Msg: "Too many requests"})

	select {
	case err := <-errc:
		if !errors.Is(err, ErrCreateRejected) || !strings.Contains(err.Error(), "Too many requests") {
			t.Fatalf("create err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("refused create still pending")
	}
	if st := p.State(); st != core.StateUnbound {
		t.Fatalf("state %s after refusal", st)
	}

	go func() {
		_, err := p.CreateRoom(context.Background())
		errc <- err
	}()
	s.expect(core.TypeRoomCreate)
	s.reply(core.ResponseType(core.TypeRoomCreate), core.CreateRoomResponse{RoomID: "abc123"})
	if err := <-errc; err != nil {
		t.Fatalf("retry err = %v", err)
	}
	select {
	case err := <-p.Fatal():
		t.Fatalf("refusal must not be fatal: %v", err)
	default:
	}
}

func TestCreateRoomTimeoutReverts(t *testing.T) {
	p, s := registerWithStub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := p.CreateRoom(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("create err = %v", err)
	}
	if st := p.State(); st != core.StateUnbound {
		t.Fatalf("state %s after timeout", st)
	}
	s.expect(core.TypeRoomCreate)
	// a late answer is unsolicited
	s.reply(core.ResponseType(core.TypeRoomCreate), core.CreateRoomResponse{RoomID: "late00"})
	time.Sleep(50 * time.Millisecond)
	if _, ok := p.Room(); ok {
		t.Fatalf("late response created a room")
	}
}

func TestPreconditions(t *testing.T) {
	p := New(context.Background(), Config{})
	defer p.Close()
	ctx := context.Background()

	if _, err := p.CreateRoom(ctx); !errors.Is(err, ErrNotRegistered) || !errors.Is(err, ErrPrecondition) {
		t.Fatalf("create unregistered err = %v", err)
	}
	if err := p.Broadcast(core.Signal("entity/update")); !errors.Is(err, ErrNotHost) {
		t.Fatalf("broadcast err = %v", err)
	}
	if err := p.SendTo(ctx, 1, core.Signal("entity/update")); !errors.Is(err, ErrNoRoom) {
		t.Fatalf("send err = %v", err)
	}

	addr, _ := startStub(t)
	if _, err := p.Register(ctx, addr); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := p.Register(ctx, addr); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("second register err = %v", err)
	}
	if err := p.JoinRoom(ctx, "abc123"); !errors.Is(err, ErrSocketsUnbound) {
		t.Fatalf("join unbound err = %v", err)
	}
	if err := p.BindSockets(ctx, "127.0.0.1", 0, 0); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := p.BindSockets(ctx, "127.0.0.1", 0, 0); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("second bind err = %v", err)
	}

	p.Close()
	if _, err := p.CreateRoom(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("create after close err = %v", err)
	}
}
