package transport

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peerlink/internal/core"
)

// Sockets is the pair of datagram sockets shared by every peer link of a
// process. net.PacketConn implementations are safe for concurrent use.
type Sockets struct {
	Send net.PacketConn
	Recv net.PacketConn

	once sync.Once
}

// Bind opens the send and receive sockets. Zero ports let the OS pick.
func Bind(ip string, sendPort, recvPort uint16) (*Sockets, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("bind ip %q: %w", ip, err)
	}
	send, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.AddrPortFrom(addr, sendPort)))
	if err != nil {
		return nil, fmt.Errorf("bind send socket: %w", err)
	}
	recv, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.AddrPortFrom(addr, recvPort)))
	if err != nil {
		_ = send.Close()
		return nil, fmt.Errorf("bind recv socket: %w", err)
	}
	log.Info().
		Str("module", "transport").
		Str("send", send.LocalAddr().String()).
		Str("recv", recv.LocalAddr().String()).
		Msg("datagram sockets bound")
	return &Sockets{Send: send, Recv: recv}, nil
}

// Ports returns the locally bound ports.
func (s *Sockets) Ports() (send, recv uint16) {
	return portOf(s.Send.LocalAddr()), portOf(s.Recv.LocalAddr())
}

func portOf(a net.Addr) uint16 {
	if ua, ok := a.(*net.UDPAddr); ok {
		return uint16(ua.Port)
	}
	if ap, err := netip.ParseAddrPort(a.String()); err == nil {
		return ap.Port()
	}
	return 0
}

func (s *Sockets) Close() {
	s.once.Do(func() {
		_ = s.Send.Close()
		_ = s.Recv.Close()
	})
}

// WriteMessage serializes m into one datagram addressed to dst.
func WriteMessage(pc net.PacketConn, m core.Message, dst netip.AddrPort) error {
	frame, err := core.Encode(m)
	if err != nil {
		return err
	}
	_, err = pc.WriteTo(frame, net.UDPAddrFromAddrPort(dst))
	return err
}
