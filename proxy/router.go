package proxy

import (
	"log/slog"
	"math/rand/v2"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/dns"
	"github.com/ghettovoice/sipproxy/internal/errorutil"
	"github.com/ghettovoice/sipproxy/internal/eventloop"
	"github.com/ghettovoice/sipproxy/internal/syncutil"
	"github.com/ghettovoice/sipproxy/log"
	"github.com/ghettovoice/sipproxy/metrics"
	"github.com/ghettovoice/sipproxy/sip"
)

// Network is the part of the transport layer the routing core needs.
type Network interface {
	sip.Transport
	// Via returns the Via of this hop for the transport, without a branch.
	Via(proto sip.TransportProto) sip.Via
	// LocalURI returns the URI addressing this proxy over the transport.
	// It is used in Record-Route and Path.
	LocalURI(proto sip.TransportProto) *sip.URI
	// IsLocal reports whether host and port address this proxy.
	// Port 0 matches any local port.
	IsLocal(host string, port uint16) bool
	// FlowToken returns the flow token of the connection (RFC 5626).
	FlowToken(c sip.Conn) string
	// ParseFlowToken validates the token and returns the connection id it refers to.
	ParseFlowToken(token string) (string, bool)
	// Conn returns the live connection with the id.
	Conn(id string) (sip.Conn, bool)
}

// RouterOptions are the options of [NewRouter].
type RouterOptions struct {
	// Loop runs every routing state change. Required.
	Loop *eventloop.Loop
	// Tables receive the client transactions. Required.
	Tables *sip.Tables
	// Network sends messages. Required.
	Network Network
	// DNS resolves destinations. Required.
	DNS *dns.Pool
	// Metrics is optional.
	Metrics *metrics.Metrics
	// Rand is the source of SRV weighted selection.
	// If nil, a randomly seeded source is used.
	Rand *rand.Rand
	// Log is the logger. If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *RouterOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

func (o *RouterOptions) rand() *rand.Rand {
	if o == nil || o.Rand == nil {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec
	}
	return o.Rand
}

type profileState struct {
	blacklist *Blacklist
	cache     *TargetCache
}

// Router creates proxies and UACs sharing one event loop, transport
// and per-profile blacklists and caches.
type Router struct {
	loop    *eventloop.Loop
	tables  *sip.Tables
	net     Network
	dns     *dns.Pool
	acks    *sip.Ack2xxForwarder
	metrics *metrics.Metrics
	rnd     *rand.Rand
	log     *slog.Logger

	states syncutil.RWMap[string, *profileState]
}

// NewRouter creates a router.
func NewRouter(opts *RouterOptions) (*Router, error) {
	if opts == nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("router options required"))
	}
	var errs []error
	if opts.Loop == nil {
		errs = append(errs, errorutil.NewInvalidArgumentError("event loop required"))
	}
	if opts.Tables == nil {
		errs = append(errs, errorutil.NewInvalidArgumentError("transaction tables required"))
	}
	if opts.Network == nil {
		errs = append(errs, errorutil.NewInvalidArgumentError("network required"))
	}
	if opts.DNS == nil {
		errs = append(errs, errorutil.NewInvalidArgumentError("DNS pool required"))
	}
	if err := errorutil.JoinPrefix("router", errs...); err != nil {
		return nil, errtrace.Wrap(err)
	}

	logger := log.Component(opts.log(), "proxy")
	return &Router{
		loop:    opts.Loop,
		tables:  opts.Tables,
		net:     opts.Network,
		dns:     opts.DNS,
		acks:    sip.NewAck2xxForwarder(opts.Network, opts.Network.Via, logger),
		metrics: opts.Metrics,
		rnd:     opts.rand(),
		log:     logger,
	}, nil
}

func (r *Router) state(p *Profile) *profileState {
	if st, ok := r.states.Get(p.Name); ok {
		return st
	}
	st, _ := r.states.SetIfAbsent(p.Name, &profileState{
		blacklist: NewBlacklist(p.blacklistSize(), r.metrics),
		cache:     NewTargetCache(p.cacheSize(), r.metrics),
	})
	return st
}

// Blacklist returns the blacklist of the profile.
// Routing logic may insert targets into it directly.
func (r *Router) Blacklist(p *Profile) *Blacklist { return r.state(p).blacklist }

// TargetCache returns the resolution cache of the profile.
func (r *Router) TargetCache(p *Profile) *TargetCache { return r.state(p).cache }

// Network returns the network the router sends through.
func (r *Router) Network() Network { return r.net }

// Loop returns the event loop routing runs on.
func (r *Router) Loop() *eventloop.Loop { return r.loop }

// Tables returns the transaction tables client transactions are registered in.
func (r *Router) Tables() *sip.Tables { return r.tables }
