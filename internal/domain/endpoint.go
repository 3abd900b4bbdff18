package domain

import (
	"errors"
	"fmt"
	"net/netip"
)

var ErrBadEndpoint = errors.New("bad endpoint")

// NetworkEndpoint is the advertised tuple of a peer. It is the best-effort
// externally visible address, not necessarily what the sockets are bound to.
type NetworkEndpoint struct {
	IP       string `json:"ip"`
	SendPort uint16 `json:"send_port"`
	RecvPort uint16 `json:"recv_port"`
}

func (e NetworkEndpoint) addr() (netip.Addr, error) {
	ip, err := netip.ParseAddr(e.IP)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: ip %q: %v", ErrBadEndpoint, e.IP, err)
	}
	return ip.Unmap(), nil
}

// SendAddr is where the peer's send socket lives; hole punches go there.
func (e NetworkEndpoint) SendAddr() (netip.AddrPort, error) {
	ip, err := e.addr()
	if err != nil {
		return netip.AddrPort{}, err
	}
	if e.SendPort == 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: zero send port", ErrBadEndpoint)
	}
	return netip.AddrPortFrom(ip, e.SendPort), nil
}

// RecvAddr is where the peer reads application datagrams.
func (e NetworkEndpoint) RecvAddr() (netip.AddrPort, error) {
	ip, err := e.addr()
	if err != nil {
		return netip.AddrPort{}, err
	}
	if e.RecvPort == 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: zero recv port", ErrBadEndpoint)
	}
	return netip.AddrPortFrom(ip, e.RecvPort), nil
}

func (e NetworkEndpoint) String() string {
	return fmt.Sprintf("%s send=%d recv=%d", e.IP, e.SendPort, e.RecvPort)
}

// ClientData describes a room member as the rendezvous server reports it.
type ClientData struct {
	ClientID    ClientID        `json:"client_id"`
	NetworkData NetworkEndpoint `json:"network_data"`
}
