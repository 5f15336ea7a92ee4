package sip

import (
	"strconv"
	"strings"
)

// RequestMethod is a SIP request method. Methods are case-sensitive tokens,
// extension methods are represented as is.
type RequestMethod string

const (
	RequestMethodAck       RequestMethod = "ACK"
	RequestMethodBye       RequestMethod = "BYE"
	RequestMethodCancel    RequestMethod = "CANCEL"
	RequestMethodInfo      RequestMethod = "INFO"
	RequestMethodInvite    RequestMethod = "INVITE"
	RequestMethodMessage   RequestMethod = "MESSAGE"
	RequestMethodNotify    RequestMethod = "NOTIFY"
	RequestMethodOptions   RequestMethod = "OPTIONS"
	RequestMethodPrack     RequestMethod = "PRACK"
	RequestMethodPublish   RequestMethod = "PUBLISH"
	RequestMethodRefer     RequestMethod = "REFER"
	RequestMethodRegister  RequestMethod = "REGISTER"
	RequestMethodSubscribe RequestMethod = "SUBSCRIBE"
	RequestMethodUpdate    RequestMethod = "UPDATE"
)

// IsValid checks whether the method is a non-empty token.
func (m RequestMethod) IsValid() bool { return isToken(string(m)) }

// ResponseStatus is a SIP response status code.
type ResponseStatus uint16

const (
	ResponseStatusTrying          ResponseStatus = 100
	ResponseStatusRinging         ResponseStatus = 180
	ResponseStatusSessionProgress ResponseStatus = 183

	ResponseStatusOK       ResponseStatus = 200
	ResponseStatusAccepted ResponseStatus = 202

	ResponseStatusMovedTemporarily ResponseStatus = 302

	ResponseStatusBadRequest                  ResponseStatus = 400
	ResponseStatusForbidden                   ResponseStatus = 403
	ResponseStatusNotFound                    ResponseStatus = 404
	ResponseStatusMethodNotAllowed            ResponseStatus = 405
	ResponseStatusRequestTimeout              ResponseStatus = 408
	ResponseStatusUnsupportedURIScheme        ResponseStatus = 416
	ResponseStatusFlowFailed                  ResponseStatus = 430
	ResponseStatusTemporarilyUnavailable      ResponseStatus = 480
	ResponseStatusCallTransactionDoesNotExist ResponseStatus = 481
	ResponseStatusLoopDetected                ResponseStatus = 482
	ResponseStatusTooManyHops                 ResponseStatus = 483
	ResponseStatusBusyHere                    ResponseStatus = 486
	ResponseStatusRequestTerminated           ResponseStatus = 487
	ResponseStatusUnsupportedTransport        ResponseStatus = 478

	ResponseStatusServerInternalError ResponseStatus = 500
	ResponseStatusServiceUnavailable  ResponseStatus = 503
	ResponseStatusServerTimeout       ResponseStatus = 504

	ResponseStatusDecline ResponseStatus = 603
)

var reasons = map[ResponseStatus]string{
	100: "Trying",
	180: "Ringing",
	181: "Call Is Being Forwarded",
	182: "Queued",
	183: "Session Progress",
	200: "OK",
	202: "Accepted",
	300: "Multiple Choices",
	301: "Moved Permanently",
	302: "Moved Temporarily",
	305: "Use Proxy",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	407: "Proxy Authentication Required",
	408: "Request Timeout",
	416: "Unsupported URI Scheme",
	420: "Bad Extension",
	430: "Flow Failed",
	478: "Unresolvable Destination",
	480: "Temporarily Unavailable",
	481: "Call/Transaction Does Not Exist",
	482: "Loop Detected",
	483: "Too Many Hops",
	486: "Busy Here",
	487: "Request Terminated",
	488: "Not Acceptable Here",
	500: "Server Internal Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Server Time-out",
	600: "Busy Everywhere",
	603: "Decline",
	604: "Does Not Exist Anywhere",
}

// Reason returns the default reason phrase of the status.
func (s ResponseStatus) Reason() string {
	if r, ok := reasons[s]; ok {
		return r
	}
	return ""
}

func (s ResponseStatus) IsValid() bool { return s >= 100 && s <= 699 }

func (s ResponseStatus) IsProvisional() bool { return s >= 100 && s < 200 }

func (s ResponseStatus) IsSuccessful() bool { return s >= 200 && s < 300 }

func (s ResponseStatus) IsFinal() bool { return s >= 200 && s <= 699 }

func (s ResponseStatus) IsFailure() bool { return s >= 300 && s <= 699 }

func (s ResponseStatus) String() string { return strconv.Itoa(int(s)) }

// TransportProto is a SIP transport protocol name as it appears in Via headers,
// always in upper case.
type TransportProto string

const (
	TransportUDP TransportProto = "UDP"
	TransportTCP TransportProto = "TCP"
	TransportTLS TransportProto = "TLS"
	TransportWS  TransportProto = "WS"
	TransportWSS TransportProto = "WSS"
)

// ParseTransportProto parses transport name case-insensitively.
// It reports false for unknown protocols.
func ParseTransportProto(s string) (TransportProto, bool) {
	p := TransportProto(strings.ToUpper(s))
	switch p {
	case TransportUDP, TransportTCP, TransportTLS, TransportWS, TransportWSS:
		return p, true
	default:
		return "", false
	}
}

// Reliable reports whether the transport guarantees delivery.
func (p TransportProto) Reliable() bool { return p != TransportUDP && p != "" }

// Secured reports whether the transport is encrypted.
func (p TransportProto) Secured() bool { return p == TransportTLS || p == TransportWSS }

// Streamed reports whether the transport needs Content-Length framing.
func (p TransportProto) Streamed() bool { return p == TransportTCP || p == TransportTLS }

// DefaultPort returns the well-known port of the transport.
func (p TransportProto) DefaultPort() uint16 {
	switch p {
	case TransportTLS:
		return 5061
	case TransportWS:
		return 80
	case TransportWSS:
		return 443
	default:
		return 5060
	}
}

// Param returns the lower-case value used in ";transport=" URI parameters.
func (p TransportProto) Param() string { return strings.ToLower(string(p)) }

func (p TransportProto) String() string { return string(p) }

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("-.!%*_+`'~", c) >= 0:
		default:
			return false
		}
	}
	return true
}
