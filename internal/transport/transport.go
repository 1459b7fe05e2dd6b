// Package transport moves envelopes between swarm members.
//
// Two channels exist. The group channel is best-effort multicast: datagrams may
// be dropped, duplicated or reordered. The unicast channel addresses a single
// member by address and advertised port. Ordering and recovery are layered on
// top by the rmcast package; this package only sends, receives and decodes.
//
// Receiving is continuous. Start launches one receive loop per channel and
// hands every decoded envelope to the registered Handler on that loop's
// goroutine. Close stops both loops: blocked reads return and the loops exit
// without reporting an error.
package transport

import (
	"errors"

	"github.com/Jokel64/droneworks/internal/message"
)

// ErrClosed is returned by operations on a transport that has been closed.
var ErrClosed = errors.New("transport closed")

// Channel identifies the socket an envelope arrived on.
type Channel int

const (
	Multicast Channel = iota
	Unicast
)

func (c Channel) String() string {
	if c == Multicast {
		return "multicast"
	}
	return "unicast"
}

// Handler receives decoded envelopes. It runs on the receive loop of the
// channel the envelope arrived on and must not block for long.
type Handler func(env *message.Envelope, ch Channel)

// Transport is the network surface a node needs.
//
// Send methods stamp the origin address, advertised unicast port and
// destination into a copy of the header; the caller's envelope is not
// modified. A send error is reported to the caller but is never fatal: the
// coordination layer logs it and carries on.
type Transport interface {
	// Start begins receiving and delivers every envelope to h.
	Start(h Handler) error

	// Multicast sends env to the whole group.
	Multicast(env *message.Envelope) error

	// Unicast sends env to one member.
	Unicast(ip string, port int, env *message.Envelope) error

	// Addr returns the advertised address and unicast port of this member.
	Addr() (ip string, port int)

	// Close releases the sockets and stops the receive loops.
	Close() error
}
