// Package discovery learns the externally visible address of a datagram
// socket with a STUN binding request sent over that very socket.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/pion/stun/v3"
	"github.com/rs/zerolog/log"
)

const (
	attempts       = 3
	attemptTimeout = 500 * time.Millisecond
)

var ErrNoMapping = errors.New("stun: no mapped address")

// Discover must run before anything else reads from pc.
func Discover(ctx context.Context, pc net.PacketConn, server string) (netip.AddrPort, error) {
	raddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("stun: resolve %s: %w", server, err)
	}
	req, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("stun: build request: %w", err)
	}
	defer func() { _ = pc.SetReadDeadline(time.Time{}) }()

	logger := log.With().Str("module", "stun").Str("server", server).Str("local", pc.LocalAddr().String()).Logger()
	buf := make([]byte, 1500)
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return netip.AddrPort{}, err
		}
		if _, err := pc.WriteTo(req.Raw, raddr); err != nil {
			return netip.AddrPort{}, fmt.Errorf("stun: send: %w", err)
		}
		deadline := time.Now().Add(attemptTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := pc.SetReadDeadline(deadline); err != nil {
			return netip.AddrPort{}, err
		}
		addr, err := awaitResponse(pc, buf, req.TransactionID)
		if err == nil {
			logger.Info().Str("mapped", addr.String()).Msg("mapped address discovered")
			return addr, nil
		}
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			return netip.AddrPort{}, err
		}
		logger.Debug().Int("attempt", i+1).Msg("stun binding timed out")
	}
	return netip.AddrPort{}, fmt.Errorf("stun: no answer from %s after %d attempts", server, attempts)
}

func awaitResponse(pc net.PacketConn, buf []byte, tid [stun.TransactionIDSize]byte) (netip.AddrPort, error) {
	for {
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			return netip.AddrPort{}, err
		}
		if !stun.IsMessage(buf[:n]) {
			continue
		}
		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			continue
		}
		if res.TransactionID != tid {
			continue
		}
		return mappedAddress(res)
	}
}

func mappedAddress(res *stun.Message) (netip.AddrPort, error) {
	var xor stun.XORMappedAddress
	if err := xor.GetFrom(res); err == nil {
		return toAddrPort(xor.IP, xor.Port)
	}
	var mapped stun.MappedAddress
	if err := mapped.GetFrom(res); err == nil {
		return toAddrPort(mapped.IP, mapped.Port)
	}
	return netip.AddrPort{}, ErrNoMapping
}

func toAddrPort(ip net.IP, port int) (netip.AddrPort, error) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.AddrPort{}, ErrNoMapping
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
}
