package sip

import (
	"context"
	"net/netip"
)

// Conn is a network flow messages are exchanged over.
// For UDP it represents the (local socket, remote address) pair.
type Conn interface {
	// ID returns the registry id of the connection.
	ID() string
	Proto() TransportProto
	LocalAddr() netip.AddrPort
	RemoteAddr() netip.AddrPort
	// Send queues the message for writing. It must not block on network I/O.
	Send(ctx context.Context, msg Message) error
	Close() error
	// Vars returns connection-scoped variables.
	Vars() *Vars
}

// Transport is the part of the transport layer used by transactions.
//
// Both methods must not block. Failures are reported through onErr,
// which is invoked on the event loop at most once per call.
type Transport interface {
	// SendRequest sends the request to the target, opening a connection if needed.
	SendRequest(ctx context.Context, req *Request, dst Target, onErr func(error))
	// SendResponse sends the response back to the request source following
	// RFC 3261 Section 18.2.2 and RFC 3581.
	SendResponse(ctx context.Context, res *Response, src Conn, onErr func(error))
}
