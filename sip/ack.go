package sip

import (
	"context"
	"log/slog"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/log"
)

// Ack2xxForwarder forwards ACKs for 2xx responses statelessly (RFC 3261 Section 16.11).
//
// An ACK for a 2xx is a separate transaction without retransmissions,
// so send failures are only logged.
type Ack2xxForwarder struct {
	tp  Transport
	via func(TransportProto) Via
	log *slog.Logger
}

// NewAck2xxForwarder creates a forwarder sending through tp.
// via builds the Via of this hop for the chosen transport, the branch is set by the forwarder.
func NewAck2xxForwarder(tp Transport, via func(TransportProto) Via, logger *slog.Logger) *Ack2xxForwarder {
	if logger == nil {
		logger = log.Default()
	}
	return &Ack2xxForwarder{tp: tp, via: via, log: logger}
}

// ForwardAck2xx prepends a Via with a fresh branch to a copy of ack and sends it to dst.
// It returns the sent request.
func (f *Ack2xxForwarder) ForwardAck2xx(ctx context.Context, ack *Request, dst Target) (*Request, error) {
	if ack == nil || ack.Method != RequestMethodAck {
		return nil, errtrace.Wrap(NewInvalidArgumentError("ACK request expected"))
	}
	if !dst.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid target %q", dst))
	}

	out := ack.Clone()
	via := f.via(dst.Transport)
	via.Params = via.Params.Set("branch", GenerateBranch())
	out.Header.Prepend("Via", via.String())

	f.log.LogAttrs(ctx, slog.LevelDebug, "forward ACK", slog.Any("request", out), slog.Any("target", dst))

	f.tp.SendRequest(ctx, out, dst, func(err error) {
		f.log.LogAttrs(ctx, slog.LevelWarn, "failed to forward ACK",
			slog.Any("request", out),
			slog.Any("target", dst),
			slog.Any("error", err),
		)
	})
	return out, nil
}
