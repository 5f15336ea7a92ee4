package sip

import (
	"log/slog"
	"strings"
	"time"

	"braces.dev/errtrace"
)

// Message is a SIP request or response.
type Message interface {
	// Headers returns the mutable header list of the message.
	Headers() *Headers
	// Content returns the message body.
	Content() []byte
	// Render serializes the message, Content-Length is always rewritten.
	Render() []byte
	// Conn returns the connection the message was received on, nil for local messages.
	Conn() Conn

	slog.LogValuer
}

// Request is a SIP request.
type Request struct {
	Method RequestMethod
	URI    *URI
	Header Headers
	Body   []byte

	conn     Conn
	recvTime time.Time
}

// NewRequest creates an empty request.
func NewRequest(method RequestMethod, uri *URI) *Request {
	return &Request{Method: method, URI: uri}
}

func (r *Request) Headers() *Headers { return &r.Header }

func (r *Request) Content() []byte { return r.Body }

func (r *Request) Conn() Conn { return r.conn }

// SetConn attaches the source connection.
func (r *Request) SetConn(c Conn) { r.conn = c }

// RecvTime returns the time the request was received.
func (r *Request) RecvTime() time.Time { return r.recvTime }

// SetRecvTime sets the receive time stamp.
func (r *Request) SetRecvTime(t time.Time) { r.recvTime = t }

// Clone returns a deep copy of the request. The source connection is kept.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.URI = r.URI.Clone()
	c.Header = r.Header.Clone()
	c.Body = append([]byte(nil), r.Body...)
	return &c
}

// Validate checks the presence and syntax of the mandatory headers
// (RFC 3261 Section 8.1.1).
func (r *Request) Validate() error {
	if r == nil {
		return errtrace.Wrap(NewInvalidMessageError("nil request"))
	}
	if !r.Method.IsValid() {
		return errtrace.Wrap(NewInvalidMessageError("invalid method %q", r.Method))
	}
	if r.URI == nil {
		return errtrace.Wrap(NewInvalidMessageError("missing Request-URI"))
	}
	if err := validateHeaders(&r.Header); err != nil {
		return errtrace.Wrap(err)
	}
	cseq, _ := r.Header.CSeq()
	if cseq.Method != r.Method {
		return errtrace.Wrap(NewInvalidMessageError("CSeq method %q does not match %q", cseq.Method, r.Method))
	}
	return nil
}

var singletonHeaders = []string{"From", "To", "Call-ID", "CSeq", "Max-Forwards", "Content-Length"}

func validateHeaders(h *Headers) error {
	for _, name := range singletonHeaders {
		if h.Count(name) > 1 {
			return errtrace.Wrap(NewInvalidMessageError("duplicate %s header", name))
		}
	}
	if _, err := h.TopVia(); err != nil {
		return errtrace.Wrap(err)
	}
	if _, err := h.From(); err != nil {
		return errtrace.Wrap(err)
	}
	if _, err := h.To(); err != nil {
		return errtrace.Wrap(err)
	}
	if h.CallID() == "" {
		return errtrace.Wrap(NewInvalidMessageError("missing Call-ID header"))
	}
	if _, err := h.CSeq(); err != nil {
		return errtrace.Wrap(err)
	}
	if _, err := h.ContentLength(); err != nil {
		return errtrace.Wrap(err)
	}
	return nil
}

// Render implements [Message].
func (r *Request) Render() []byte {
	var sb strings.Builder
	sb.WriteString(string(r.Method))
	sb.WriteByte(' ')
	sb.WriteString(r.URI.String())
	sb.WriteString(" SIP/2.0\r\n")
	return renderTail(&sb, &r.Header, r.Body)
}

// LogValue implements [slog.LogValuer].
func (r *Request) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	cseq, _ := r.Header.CSeq()
	via, _ := r.Header.TopVia()
	return slog.GroupValue(
		slog.String("method", string(r.Method)),
		slog.String("uri", r.URI.String()),
		slog.String("call_id", r.Header.CallID()),
		slog.String("cseq", cseq.String()),
		slog.String("branch", via.Branch()),
	)
}

// Response is a SIP response.
type Response struct {
	Status ResponseStatus
	Reason string
	Header Headers
	Body   []byte

	conn Conn
}

// NewResponse builds a response to the request per RFC 3261 Section 8.2.6.
// Via, From, To, Call-ID and CSeq are copied, a To tag is generated for
// non-100 responses when the request has none. An empty reason means the
// default reason phrase of the status.
func NewResponse(req *Request, status ResponseStatus, reason string) *Response {
	if reason == "" {
		reason = status.Reason()
	}
	res := &Response{Status: status, Reason: reason}
	for _, name := range []string{"Via", "From", "To", "Call-ID", "CSeq"} {
		for _, v := range req.Header.Values(name) {
			res.Header.Append(name, v)
		}
	}
	if status != ResponseStatusTrying {
		if to, err := req.Header.To(); err == nil && to.Tag() == "" {
			to.Params = to.Params.Set("tag", GenerateTag())
			res.Header.Set("To", to.String())
		}
	}
	if status == ResponseStatusTrying {
		if ts, ok := req.Header.First("Timestamp"); ok {
			res.Header.Append("Timestamp", ts)
		}
	}
	return res
}

func (r *Response) Headers() *Headers { return &r.Header }

func (r *Response) Content() []byte { return r.Body }

func (r *Response) Conn() Conn { return r.conn }

// SetConn attaches the source connection.
func (r *Response) SetConn(c Conn) { r.conn = c }

// Clone returns a deep copy of the response.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	c := *r
	c.Header = r.Header.Clone()
	c.Body = append([]byte(nil), r.Body...)
	return &c
}

// Validate checks the mandatory headers of the response.
func (r *Response) Validate() error {
	if r == nil {
		return errtrace.Wrap(NewInvalidMessageError("nil response"))
	}
	if !r.Status.IsValid() {
		return errtrace.Wrap(NewInvalidMessageError("invalid status %d", r.Status))
	}
	return errtrace.Wrap(validateHeaders(&r.Header))
}

// Render implements [Message].
func (r *Response) Render() []byte {
	var sb strings.Builder
	sb.WriteString("SIP/2.0 ")
	sb.WriteString(r.Status.String())
	sb.WriteByte(' ')
	sb.WriteString(r.Reason)
	sb.WriteString("\r\n")
	return renderTail(&sb, &r.Header, r.Body)
}

// LogValue implements [slog.LogValuer].
func (r *Response) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	cseq, _ := r.Header.CSeq()
	via, _ := r.Header.TopVia()
	return slog.GroupValue(
		slog.Int("status", int(r.Status)),
		slog.String("reason", r.Reason),
		slog.String("call_id", r.Header.CallID()),
		slog.String("cseq", cseq.String()),
		slog.String("branch", via.Branch()),
	)
}

func renderTail(sb *strings.Builder, h *Headers, body []byte) []byte {
	for name, value := range h.All() {
		if CanonicName(name) == "Content-Length" {
			continue
		}
		sb.WriteString(name)
		sb.WriteString(": ")
		sb.WriteString(value)
		sb.WriteString("\r\n")
	}
	sb.WriteString("Content-Length: ")
	sb.WriteString(uitoa(uint64(len(body))))
	sb.WriteString("\r\n\r\n")
	sb.Write(body)
	return []byte(sb.String())
}
