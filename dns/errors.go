package dns

import "github.com/ghettovoice/sipproxy/sip"

// Error is a resolution failure symbol. Routing cores turn it into
// the response status returned by [Error.Status].
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrDomainNotFound       Error = "domain_not_found"
	ErrUnsupportedScheme    Error = "unsupported_scheme"
	ErrUnsupportedTransport Error = "unsupported_transport"
	ErrNoIPv4               Error = "no_ipv4"
	ErrNoIPv6               Error = "no_ipv6"
	ErrNoDNS                Error = "no_dns"

	// ErrNXDomain is returned by backends for non-existent names.
	// It never leaves [Query], names without records end up as [ErrDomainNotFound].
	ErrNXDomain Error = "non-existent domain"
)

// Status returns the SIP status the failure is reported with.
func (e Error) Status() sip.ResponseStatus {
	switch e {
	case ErrDomainNotFound:
		return sip.ResponseStatusNotFound
	case ErrUnsupportedScheme:
		return sip.ResponseStatusUnsupportedURIScheme
	case ErrUnsupportedTransport, ErrNoIPv4, ErrNoIPv6, ErrNoDNS:
		return sip.ResponseStatusUnsupportedTransport
	default:
		return sip.ResponseStatusServerInternalError
	}
}

// Reason returns the reason phrase for [Error.Status].
func (e Error) Reason() string {
	switch e {
	case ErrDomainNotFound:
		return "Domain Not Found"
	case ErrUnsupportedScheme:
		return "Unsupported URI Scheme"
	case ErrUnsupportedTransport:
		return "Unsupported Transport"
	case ErrNoIPv4:
		return "IPv4 Disabled"
	case ErrNoIPv6:
		return "IPv6 Disabled"
	case ErrNoDNS:
		return "DNS Disabled"
	default:
		return "Server Internal Error"
	}
}
