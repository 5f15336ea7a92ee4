// Package proxy implements stateful request routing: target resolution with
// failover, the proxy core relaying responses through a server transaction
// and the UAC originating requests on its own.
package proxy

//go:generate errtrace -w .

import (
	"slices"
	"strconv"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/dns"
	"github.com/ghettovoice/sipproxy/internal/errorutil"
	"github.com/ghettovoice/sipproxy/sip"
)

// Failure codes reported to [Hooks.OnError] and matched by [BlacklistConfig.Codes].
// Failures caused by a received response use the status code, e.g. "503".
const (
	CodeClientTimeout       = "client_timeout"
	CodeConnectionFailed    = "connection_failed"
	CodeTLSValidationFailed = "tls_validation_failed"
	CodeAborted             = "aborted"
	CodeInviteTimeout       = "invite_timeout"
)

// BlacklistConfig controls which failed targets are blacklisted and for how long.
type BlacklistConfig struct {
	Enabled bool
	// TTL is how long a failed target is skipped.
	TTL time.Duration
	// Codes lists the failure codes that blacklist a target.
	Codes []string
	// Size bounds the number of entries.
	Size int
}

// CacheConfig controls caching of resolution results.
type CacheConfig struct {
	Enabled bool
	Size    int
	// MinTTL and MaxTTL clamp the TTL of cached results.
	MinTTL time.Duration
	MaxTTL time.Duration
	// NegativeTTL is how long resolution errors are cached.
	NegativeTTL time.Duration
}

// Profile is an immutable set of routing parameters.
// Profiles are shared between requests and must not be modified once in use.
type Profile struct {
	Name string
	// Timings are the base transaction timings.
	Timings sip.TimingConfig
	// TimerB, TimerC and TimerF override the computed transaction timeouts when non-zero.
	TimerB time.Duration
	TimerC time.Duration
	TimerF time.Duration

	// Transports lists the enabled transports in preference order.
	Transports []sip.TransportProto
	// IPFamilies lists the enabled address families in preference order.
	IPFamilies               []sip.IPFamily
	ForceTransportPreference bool
	DNSEnabled               bool
	// DNSFailoverOn503 makes a 503 from a target fail over to the next one.
	DNSFailoverOn503 bool

	Blacklist BlacklistConfig
	Cache     CacheConfig

	// RecordRoute inserts Record-Route into dialog-forming requests.
	RecordRoute bool
	// RecordRouteAll inserts Record-Route into every proxied request.
	RecordRouteAll bool
	// AddPath inserts Path into REGISTER requests (RFC 3327).
	AddPath bool
}

// DefaultProfile returns the profile used when routing logic does not pick one.
func DefaultProfile() *Profile {
	return &Profile{
		Name:       "default",
		Transports: []sip.TransportProto{sip.TransportUDP, sip.TransportTCP, sip.TransportTLS, sip.TransportWS, sip.TransportWSS},
		IPFamilies: []sip.IPFamily{sip.IPv4, sip.IPv6},
		DNSEnabled: true,
		Blacklist: BlacklistConfig{
			TTL:   30 * time.Second,
			Codes: []string{CodeClientTimeout, CodeConnectionFailed, CodeTLSValidationFailed, "503"},
			Size:  4096,
		},
		Cache: CacheConfig{
			Size:        4096,
			MinTTL:      time.Second,
			MaxTTL:      time.Hour,
			NegativeTTL: 30 * time.Second,
		},
		RecordRoute: true,
	}
}

// Validate checks the profile consistency.
func (p *Profile) Validate() error {
	if p == nil {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("nil profile"))
	}

	var errs []error
	if p.Name == "" {
		errs = append(errs, errorutil.NewInvalidArgumentError("empty name"))
	}
	if len(p.Transports) == 0 {
		errs = append(errs, errorutil.NewInvalidArgumentError("no transports enabled"))
	}
	for _, tp := range p.Transports {
		if _, ok := sip.ParseTransportProto(string(tp)); !ok {
			errs = append(errs, errorutil.NewInvalidArgumentError("unknown transport %q", tp))
		}
	}
	if len(p.IPFamilies) == 0 {
		errs = append(errs, errorutil.NewInvalidArgumentError("no IP families enabled"))
	}
	for _, fam := range p.IPFamilies {
		if fam != sip.IPv4 && fam != sip.IPv6 {
			errs = append(errs, errorutil.NewInvalidArgumentError("unknown IP family %q", fam))
		}
	}
	if p.TimerB < 0 || p.TimerC < 0 || p.TimerF < 0 {
		errs = append(errs, errorutil.NewInvalidArgumentError("negative timer override"))
	}
	if p.Blacklist.Enabled && p.Blacklist.TTL <= 0 {
		errs = append(errs, errorutil.NewInvalidArgumentError("blacklist TTL must be positive"))
	}
	if p.Cache.Enabled && p.Cache.MaxTTL > 0 && p.Cache.MinTTL > p.Cache.MaxTTL {
		errs = append(errs, errorutil.NewInvalidArgumentError("cache min TTL %s exceeds max TTL %s", p.Cache.MinTTL, p.Cache.MaxTTL))
	}
	return errtrace.Wrap(errorutil.JoinPrefix("profile "+strconv.Quote(p.Name), errs...))
}

// DNSConfig returns the resolution policy of the profile.
func (p *Profile) DNSConfig() dns.Config {
	return dns.Config{
		Transports:               p.Transports,
		IPFamilies:               p.IPFamilies,
		ForceTransportPreference: p.ForceTransportPreference,
		DNSEnabled:               p.DNSEnabled,
	}
}

// TransactionTimings returns the client transaction timings with the timer overrides applied.
func (p *Profile) TransactionTimings() sip.TimingConfig {
	return p.Timings.WithTimeouts(p.TimerB, p.TimerC, p.TimerF)
}

func (p *Profile) blacklists(code string) bool {
	return p.Blacklist.Enabled && slices.Contains(p.Blacklist.Codes, code)
}

func (p *Profile) clampTTL(ttl time.Duration) time.Duration {
	if p.Cache.MaxTTL > 0 {
		ttl = min(ttl, p.Cache.MaxTTL)
	}
	return max(ttl, p.Cache.MinTTL)
}

func (p *Profile) blacklistSize() int {
	if p.Blacklist.Size <= 0 {
		return 4096
	}
	return p.Blacklist.Size
}

func (p *Profile) cacheSize() int {
	if p.Cache.Size <= 0 {
		return 4096
	}
	return p.Cache.Size
}
