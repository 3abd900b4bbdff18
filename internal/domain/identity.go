// Package domain contains the entities shared by the rendezvous client and server, mostly plain data
package domain

import "strconv"

// ClientID is assigned by the rendezvous server once per control connection.
type ClientID uint32

func (id ClientID) String() string { return strconv.FormatUint(uint64(id), 10) }

// SessionIdentity is immutable for the lifetime of the process.
type SessionIdentity struct {
	ClientID ClientID `json:"client_id"`
}
