package dns

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/samber/lo"
	"golang.org/x/net/idna"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/ghettovoice/sipproxy/internal/errorutil"
	"github.com/ghettovoice/sipproxy/internal/eventloop"
	"github.com/ghettovoice/sipproxy/log"
	"github.com/ghettovoice/sipproxy/metrics"
	"github.com/ghettovoice/sipproxy/sip"
)

// Config is the resolution policy of a routing profile.
type Config struct {
	// Transports lists the locally enabled transports in preference order.
	Transports []sip.TransportProto
	// IPFamilies lists the enabled address families in preference order.
	IPFamilies []sip.IPFamily
	// ForceTransportPreference orders NAPTR records by Transports
	// instead of their order and preference fields.
	ForceTransportPreference bool
	// DNSEnabled allows domain lookups, otherwise only IP literals resolve.
	DNSEnabled bool
}

// DefaultConfig enables everything, UDP and IPv4 first.
func DefaultConfig() Config {
	return Config{
		Transports: []sip.TransportProto{sip.TransportUDP, sip.TransportTCP, sip.TransportTLS, sip.TransportWS, sip.TransportWSS},
		IPFamilies: []sip.IPFamily{sip.IPv4, sip.IPv6},
		DNSEnabled: true,
	}
}

// PoolOptions are the options of [NewPool].
type PoolOptions struct {
	// Backend performs DNS lookups. Required.
	Backend Backend
	// Loop receives completed asynchronous resolutions. Required.
	Loop *eventloop.Loop
	// Workers bounds the number of resolutions running at once.
	// If zero, 32 is used.
	Workers int
	// Timeout bounds a whole resolution cascade.
	// If zero, 10 seconds is used.
	Timeout time.Duration
	// Metrics records query results. Optional.
	Metrics *metrics.Metrics
	// Log is the logger. If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *PoolOptions) workers() int64 {
	if o == nil || o.Workers <= 0 {
		return 32
	}
	return int64(o.Workers)
}

func (o *PoolOptions) timeout() time.Duration {
	if o == nil || o.Timeout <= 0 {
		return 10 * time.Second
	}
	return o.Timeout
}

func (o *PoolOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// Pool runs domain resolutions off the event loop.
// Identical concurrent resolutions share one lookup.
type Pool struct {
	backend Backend
	loop    *eventloop.Loop
	sem     *semaphore.Weighted
	group   singleflight.Group
	timeout time.Duration
	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewPool creates a resolution pool.
func NewPool(opts *PoolOptions) (*Pool, error) {
	if opts == nil || opts.Backend == nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("DNS backend required"))
	}
	if opts.Loop == nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("event loop required"))
	}
	return &Pool{
		backend: opts.Backend,
		loop:    opts.Loop,
		sem:     semaphore.NewWeighted(opts.workers()),
		timeout: opts.timeout(),
		metrics: opts.Metrics,
		log:     log.Component(opts.log(), "dns"),
	}, nil
}

// Query returns a resolver applying cfg.
func (p *Pool) Query(cfg Config) *Query { return &Query{pool: p, cfg: cfg} }

func (p *Pool) run(
	ctx context.Context,
	key string,
	fn func(ctx context.Context) (Targets, error),
	done func(Targets, error),
) {
	go func() {
		start := time.Now()
		v, err, _ := p.group.Do(key, func() (any, error) {
			lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
			defer cancel()

			if err := p.sem.Acquire(lctx, 1); err != nil {
				return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrDomainNotFound, err))
			}
			defer p.sem.Release(1)

			ts, err := fn(lctx)
			if err != nil {
				return nil, errtrace.Wrap(err)
			}
			return ts, nil
		})
		ts, _ := v.(Targets)
		p.record(err, time.Since(start))

		if !p.loop.Post(func() { done(ts, err) }) {
			p.log.LogAttrs(ctx, slog.LevelDebug, "resolution result dropped, event loop closed", slog.String("key", key))
		}
	}()
}

func (p *Pool) record(err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = string(ErrDomainNotFound)
		var sym Error
		if errors.As(err, &sym) {
			result = string(sym)
		}
	}
	p.metrics.DNSQuery(result, d)
}

// Query resolves destinations following RFC 3263 Section 4 with one
// routing profile policy.
type Query struct {
	pool *Pool
	cfg  Config
}

// Config returns the policy of the query.
func (q *Query) Config() Config { return q.cfg }

// Resolve looks up the targets of dst.
//
// If the result is known synchronously (IP literals, policy errors) it is
// returned and done is never called. Otherwise Resolve returns (nil, nil)
// and done is called exactly once on the event loop of the pool.
// Errors are [Error] symbols.
func (q *Query) Resolve(ctx context.Context, dst Destination, done func(Targets, error)) (Targets, error) {
	q.pool.log.LogAttrs(ctx, slog.LevelDebug, "resolve destination", slog.String("destination", dst.String()))

	scheme := strings.ToLower(dst.Scheme)
	if scheme != "sip" && scheme != "sips" {
		return q.syncResult(nil, ErrUnsupportedScheme)
	}
	secure := scheme == "sips"

	if addr, ok := dst.Addr(); ok {
		tp, err := q.pickTransport(dst.Transport, secure)
		if err != nil {
			return q.syncResult(nil, err)
		}
		fam := sip.FamilyOf(addr)
		if !slices.Contains(q.cfg.IPFamilies, fam) {
			if fam == sip.IPv4 {
				return q.syncResult(nil, ErrNoIPv4)
			}
			return q.syncResult(nil, ErrNoIPv6)
		}
		port := dst.Port
		if port == 0 {
			port = tp.DefaultPort()
		}
		return q.syncResult(&AddrTargets{List: []sip.Target{{Transport: tp, IP: addr, Port: port}}}, nil)
	}

	if !q.cfg.DNSEnabled {
		return q.syncResult(nil, ErrNoDNS)
	}
	host, err := idna.Lookup.ToASCII(strings.TrimSuffix(dst.Host, "."))
	if err != nil || host == "" {
		return q.syncResult(nil, ErrDomainNotFound)
	}
	host = strings.ToLower(host)
	if dst.Transport != "" || dst.Port != 0 {
		if _, err := q.pickTransport(dst.Transport, secure); err != nil {
			return q.syncResult(nil, err)
		}
	}

	key := fmt.Sprintf("%s|%v", dst, q.cfg)
	q.pool.run(ctx, key, func(ctx context.Context) (Targets, error) {
		return errtrace.Wrap2(q.resolveDomain(ctx, dst, host, secure))
	}, done)
	return nil, nil
}

// ResolveWait resolves dst and waits for the result.
// It must not be called from the event loop goroutine.
func (q *Query) ResolveWait(ctx context.Context, dst Destination) (Targets, error) {
	type result struct {
		ts  Targets
		err error
	}
	ch := make(chan result, 1)
	ts, err := q.Resolve(ctx, dst, func(ts Targets, err error) { ch <- result{ts, err} })
	if ts != nil || err != nil {
		return ts, errtrace.Wrap(err)
	}

	select {
	case r := <-ch:
		return r.ts, errtrace.Wrap(r.err)
	case <-ctx.Done():
		return nil, errtrace.Wrap(ctx.Err())
	}
}

func (q *Query) syncResult(ts Targets, err error) (Targets, error) {
	q.pool.record(err, 0)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return ts, nil
}

func compatible(tp sip.TransportProto, secure bool) bool { return !secure || tp.Secured() }

func (q *Query) enabled(tp sip.TransportProto) bool { return slices.Contains(q.cfg.Transports, tp) }

// pickTransport applies the transport rules for destinations that skip NAPTR.
func (q *Query) pickTransport(explicit sip.TransportProto, secure bool) (sip.TransportProto, error) {
	if explicit != "" {
		tp := explicit
		if secure {
			// sips with ;transport=tcp means TLS over TCP
			switch tp {
			case sip.TransportTCP:
				tp = sip.TransportTLS
			case sip.TransportWS:
				tp = sip.TransportWSS
			}
		}
		if !compatible(tp, secure) || !q.enabled(tp) {
			return "", errtrace.Wrap(ErrUnsupportedTransport)
		}
		return tp, nil
	}

	def := sip.TransportUDP
	if secure {
		def = sip.TransportTLS
	}
	if q.enabled(def) {
		return def, nil
	}
	if tp, ok := lo.Find(q.cfg.Transports, func(tp sip.TransportProto) bool { return compatible(tp, secure) }); ok {
		return tp, nil
	}
	return "", errtrace.Wrap(ErrUnsupportedTransport)
}

func (q *Query) resolveDomain(ctx context.Context, dst Destination, host string, secure bool) (Targets, error) {
	// explicit port: A/AAAA only
	if dst.Port != 0 {
		tp, err := q.pickTransport(dst.Transport, secure)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		return errtrace.Wrap2(q.addrTargets(ctx, host, tp, dst.Port))
	}

	// explicit transport: SRV of that transport, then A/AAAA
	if dst.Transport != "" {
		tp, err := q.pickTransport(dst.Transport, secure)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		if srv := q.lookupSRV(ctx, srvName(tp, host), tp); srv != nil {
			return srv, nil
		}
		return errtrace.Wrap2(q.addrTargets(ctx, host, tp, tp.DefaultPort()))
	}

	if ts := q.lookupNAPTR(ctx, host, secure); ts != nil {
		return ts, nil
	}

	var multi MultiTargets
	for _, tp := range q.cfg.Transports {
		if !compatible(tp, secure) {
			continue
		}
		if srv := q.lookupSRV(ctx, srvName(tp, host), tp); srv != nil {
			multi = append(multi, srv)
		}
	}
	if len(multi) > 0 {
		return multi.compact(), nil
	}

	tp, err := q.pickTransport("", secure)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return errtrace.Wrap2(q.addrTargets(ctx, host, tp, tp.DefaultPort()))
}

var naptrServices = map[string]sip.TransportProto{
	"SIPS+D2T": sip.TransportTLS,
	"SIP+D2T":  sip.TransportTCP,
	"SIP+D2U":  sip.TransportUDP,
}

func (q *Query) lookupNAPTR(ctx context.Context, host string, secure bool) Targets {
	recs, err := q.pool.backend.LookupNAPTR(ctx, host)
	if err != nil {
		q.pool.log.LogAttrs(ctx, slog.LevelDebug, "NAPTR lookup failed", slog.String("host", host), slog.Any("error", err))
		return nil
	}

	type cand struct {
		rec NAPTR
		tp  sip.TransportProto
	}
	var cands []cand
	for _, rec := range recs {
		tp, ok := naptrServices[strings.ToUpper(rec.Service)]
		if !ok || !strings.EqualFold(rec.Flags, "s") || !compatible(tp, secure) || !q.enabled(tp) {
			continue
		}
		cands = append(cands, cand{rec, tp})
	}
	slices.SortStableFunc(cands, func(a, b cand) int {
		if q.cfg.ForceTransportPreference {
			return cmp.Compare(slices.Index(q.cfg.Transports, a.tp), slices.Index(q.cfg.Transports, b.tp))
		}
		if c := cmp.Compare(a.rec.Order, b.rec.Order); c != 0 {
			return c
		}
		return cmp.Compare(a.rec.Preference, b.rec.Preference)
	})

	var multi MultiTargets
	for _, c := range cands {
		srv := q.lookupSRV(ctx, strings.TrimSuffix(c.rec.Replacement, "."), c.tp)
		if srv == nil {
			continue
		}
		srv.MinTTL = min(srv.MinTTL, c.rec.TTL)
		multi = append(multi, srv)
	}
	if len(multi) == 0 {
		return nil
	}
	return multi.compact()
}

func srvName(tp sip.TransportProto, host string) string {
	switch tp {
	case sip.TransportTCP:
		return "_sip._tcp." + host
	case sip.TransportTLS:
		return "_sips._tcp." + host
	case sip.TransportWS:
		return "_sip._ws." + host
	case sip.TransportWSS:
		return "_sips._ws." + host
	default:
		return "_sip._udp." + host
	}
}

func (q *Query) lookupSRV(ctx context.Context, name string, tp sip.TransportProto) *SrvTargets {
	recs, err := q.pool.backend.LookupSRV(ctx, name)
	if err != nil {
		q.pool.log.LogAttrs(ctx, slog.LevelDebug, "SRV lookup failed", slog.String("name", name), slog.Any("error", err))
		return nil
	}

	var (
		srv SrvTargets
		acc ttlAcc
	)
	for _, rec := range recs {
		target := strings.TrimSuffix(rec.Target, ".")
		// "." means the service is decidedly not available (RFC 2782)
		if target == "" {
			continue
		}
		acc.add(rec.TTL)
		ts := q.lookupAddrs(ctx, target, tp, rec.Port, &acc)
		if len(ts) == 0 {
			continue
		}
		srv.Records = append(srv.Records, SrvRecord{
			Priority: rec.Priority,
			Weight:   rec.Weight,
			Host:     target,
			Targets:  ts,
		})
	}
	if len(srv.Records) == 0 {
		return nil
	}
	srv.MinTTL = acc.get()
	return &srv
}

func (q *Query) addrTargets(ctx context.Context, host string, tp sip.TransportProto, port uint16) (Targets, error) {
	var acc ttlAcc
	ts := q.lookupAddrs(ctx, host, tp, port, &acc)
	if len(ts) == 0 {
		return nil, errtrace.Wrap(ErrDomainNotFound)
	}
	return &AddrTargets{List: ts, MinTTL: acc.get()}, nil
}

// lookupAddrs resolves the host to targets ordered by the IP family preference.
func (q *Query) lookupAddrs(ctx context.Context, host string, tp sip.TransportProto, port uint16, acc *ttlAcc) []sip.Target {
	var out []sip.Target
	for _, fam := range q.cfg.IPFamilies {
		lookup := q.pool.backend.LookupA
		if fam == sip.IPv6 {
			lookup = q.pool.backend.LookupAAAA
		}
		ips, err := lookup(ctx, host)
		if err != nil {
			q.pool.log.LogAttrs(ctx, slog.LevelDebug, "address lookup failed",
				slog.String("host", host),
				slog.Any("family", fam),
				slog.Any("error", err),
			)
			continue
		}
		for _, ip := range ips {
			acc.add(ip.TTL)
			out = append(out, sip.Target{Transport: tp, IP: ip.Addr, Port: port})
		}
	}
	return out
}

func (t MultiTargets) compact() Targets {
	if len(t) == 1 {
		return t[0]
	}
	return t
}
