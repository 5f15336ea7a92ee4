// Package dns implements RFC 3263 server location on top of a small DNS
// backend interface.
package dns

//go:generate errtrace -w .
//go:generate mockgen -destination=dnsmock/backend.go -package=dnsmock . Backend

import (
	"cmp"
	"context"
	"net"
	"net/netip"
	"slices"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"

	"github.com/ghettovoice/sipproxy/internal/errorutil"
)

// NAPTR represents a NAPTR DNS record as defined in RFC 3403.
type NAPTR struct {
	// Order specifies the order in which NAPTR records must be processed.
	// Lower values are processed first.
	Order uint16
	// Preference specifies the preference for records with equal Order values.
	// Lower values are preferred.
	Preference uint16
	// Flags control aspects of the rewriting and interpretation of fields.
	// RFC 3263 only uses "s" (SRV lookup follows).
	Flags string
	// Service specifies the service and protocol available,
	// e.g. "SIP+D2U" (UDP), "SIP+D2T" (TCP), "SIPS+D2T" (TLS).
	Service string
	// Regexp is a substitution expression, unused by SIP.
	Regexp string
	// Replacement is the next domain name to query.
	Replacement string
	TTL         time.Duration
}

// SRV represents a SRV DNS record as defined in RFC 2782.
type SRV struct {
	Priority uint16
	Weight   uint16
	Port     uint16
	Target   string
	TTL      time.Duration
}

// IP is an A or AAAA record.
type IP struct {
	Addr netip.Addr
	TTL  time.Duration
}

// Backend performs raw DNS lookups.
//
// Implementations return an empty result with nil error when the name
// exists but has no records of the requested type, and an error matching
// [ErrNXDomain] when the name does not exist.
type Backend interface {
	LookupNAPTR(ctx context.Context, host string) ([]NAPTR, error)
	// LookupSRV queries a full SRV name, e.g. "_sip._udp.example.com".
	LookupSRV(ctx context.Context, name string) ([]SRV, error)
	LookupA(ctx context.Context, host string) ([]IP, error)
	LookupAAAA(ctx context.Context, host string) ([]IP, error)
}

// Resolver is a [Backend] talking to a recursive name server with miekg/dns.
type Resolver struct {
	// NameServer specifies the DNS server address (e.g., "8.8.8.8:53").
	// If empty, the first server from /etc/resolv.conf is used.
	NameServer string
	// Timeout specifies the timeout for DNS queries.
	// If zero, defaults to 5 seconds.
	Timeout time.Duration
}

// LookupNAPTR queries NAPTR records for the given host.
// Returns records sorted by Order (ascending), then by Preference (ascending).
func (r *Resolver) LookupNAPTR(ctx context.Context, host string) ([]NAPTR, error) {
	resp, err := r.exchange(ctx, host, dns.TypeNAPTR)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	recs := make([]NAPTR, 0, len(resp.Answer))
	for _, ans := range resp.Answer {
		if rr, ok := ans.(*dns.NAPTR); ok {
			recs = append(recs, NAPTR{
				Order:       rr.Order,
				Preference:  rr.Preference,
				Flags:       rr.Flags,
				Service:     rr.Service,
				Regexp:      rr.Regexp,
				Replacement: rr.Replacement,
				TTL:         ttlOf(rr),
			})
		}
	}

	// Sort by Order, then by Preference (RFC 3403)
	slices.SortStableFunc(recs, func(a, b NAPTR) int {
		if c := cmp.Compare(a.Order, b.Order); c != 0 {
			return c
		}
		return cmp.Compare(a.Preference, b.Preference)
	})

	return recs, nil
}

// LookupSRV queries SRV records stored under the name.
func (r *Resolver) LookupSRV(ctx context.Context, name string) ([]SRV, error) {
	resp, err := r.exchange(ctx, name, dns.TypeSRV)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	recs := make([]SRV, 0, len(resp.Answer))
	for _, ans := range resp.Answer {
		if rr, ok := ans.(*dns.SRV); ok {
			recs = append(recs, SRV{
				Priority: rr.Priority,
				Weight:   rr.Weight,
				Port:     rr.Port,
				Target:   rr.Target,
				TTL:      ttlOf(rr),
			})
		}
	}
	return recs, nil
}

// LookupA queries IPv4 addresses of the host.
func (r *Resolver) LookupA(ctx context.Context, host string) ([]IP, error) {
	resp, err := r.exchange(ctx, host, dns.TypeA)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	ips := make([]IP, 0, len(resp.Answer))
	for _, ans := range resp.Answer {
		if rr, ok := ans.(*dns.A); ok {
			if addr, ok := netip.AddrFromSlice(rr.A); ok {
				ips = append(ips, IP{Addr: addr.Unmap(), TTL: ttlOf(rr)})
			}
		}
	}
	return ips, nil
}

// LookupAAAA queries IPv6 addresses of the host.
func (r *Resolver) LookupAAAA(ctx context.Context, host string) ([]IP, error) {
	resp, err := r.exchange(ctx, host, dns.TypeAAAA)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	ips := make([]IP, 0, len(resp.Answer))
	for _, ans := range resp.Answer {
		if rr, ok := ans.(*dns.AAAA); ok {
			if addr, ok := netip.AddrFromSlice(rr.AAAA); ok {
				ips = append(ips, IP{Addr: addr, TTL: ttlOf(rr)})
			}
		}
	}
	return ips, nil
}

func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	nameserver, err := r.nameserver()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	client := &dns.Client{Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, nameserver)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
		return resp, nil
	case dns.RcodeNameError:
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrNXDomain, name))
	default:
		return nil, errtrace.Wrap(&net.DNSError{
			Err:  dns.RcodeToString[resp.Rcode],
			Name: name,
		})
	}
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}

func (r *Resolver) nameserver() (string, error) {
	if r.NameServer != "" {
		if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
			return net.JoinHostPort(r.NameServer, "53"), nil //nolint:nilerr
		}
		return r.NameServer, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(conf.Servers) == 0 {
		return "", errtrace.Wrap(&net.DNSError{
			Err:  "no DNS servers configured",
			Name: "resolv.conf",
		})
	}

	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

func ttlOf(rr dns.RR) time.Duration { return time.Duration(rr.Header().Ttl) * time.Second }
