package sip

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"

	"braces.dev/errtrace"
)

// MaxMessageSize limits the size of a single message read from a stream.
const MaxMessageSize = 64 * 1024

// ParseMessage parses a complete message, e.g. a UDP datagram or a WebSocket frame.
// The body is truncated to Content-Length when the header is present.
func ParseMessage(data []byte) (Message, error) {
	head, body, ok := cutHead(data)
	if !ok {
		return nil, errtrace.Wrap(NewInvalidMessageError("missing header section terminator"))
	}
	msg, err := parseHead(head)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	n, err := msg.Headers().ContentLength()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if n >= 0 {
		if n > len(body) {
			return nil, errtrace.Wrap(NewInvalidMessageError("body is shorter than Content-Length %d", n))
		}
		body = body[:n]
	}
	setBody(msg, append([]byte(nil), body...))
	return msg, nil
}

func cutHead(data []byte) (head, body []byte, ok bool) {
	data = bytes.TrimLeft(data, "\r\n")
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		return data[:i], data[i+4:], true
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return data[:i], data[i+2:], true
	}
	return nil, nil, false
}

// ReadMessage reads one message from a stream, framing it by Content-Length
// (RFC 3261 Section 18.3). A double CRLF keep-alive ping (RFC 5626 Section 4.4.1)
// results in [ErrKeepAlive], single CRLFs between messages are skipped.
func ReadMessage(r *bufio.Reader) (Message, error) {
	var lines []string
	size := 0
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && len(lines) > 0 {
				err = io.ErrUnexpectedEOF
			}
			return nil, errtrace.Wrap(err)
		}
		size += len(line)
		if size > MaxMessageSize {
			return nil, errtrace.Wrap(ErrMessageTooLarge)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(lines) == 0 {
				if next, err := r.Peek(2); err == nil && string(next) == "\r\n" {
					r.Discard(2) //nolint:errcheck
					return nil, errtrace.Wrap(ErrKeepAlive)
				}
				continue
			}
			break
		}
		lines = append(lines, line)
	}

	msg, err := parseHead([]byte(strings.Join(lines, "\r\n")))
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	n, err := msg.Headers().ContentLength()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if n < 0 {
		return nil, errtrace.Wrap(NewInvalidMessageError("missing Content-Length on stream transport"))
	}
	if size+n > MaxMessageSize {
		return nil, errtrace.Wrap(ErrMessageTooLarge)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errtrace.Wrap(err)
	}
	setBody(msg, body)
	return msg, nil
}

func setBody(msg Message, body []byte) {
	switch m := msg.(type) {
	case *Request:
		m.Body = body
	case *Response:
		m.Body = body
	}
}

func parseHead(head []byte) (Message, error) {
	lines := strings.Split(strings.ReplaceAll(string(head), "\r\n", "\n"), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, errtrace.Wrap(NewInvalidMessageError("empty start line"))
	}

	var (
		msg Message
		hdr *Headers
	)
	start := lines[0]
	if strings.HasPrefix(start, "SIP/") {
		proto, rest, _ := strings.Cut(start, " ")
		code, reason, _ := strings.Cut(rest, " ")
		if proto != "SIP/2.0" {
			return nil, errtrace.Wrap(NewInvalidMessageError("unsupported protocol %q", proto))
		}
		status, err := strconv.ParseUint(code, 10, 16)
		if err != nil || !ResponseStatus(status).IsValid() {
			return nil, errtrace.Wrap(NewInvalidMessageError("invalid status code %q", code))
		}
		res := &Response{Status: ResponseStatus(status), Reason: reason}
		msg, hdr = res, &res.Header
	} else {
		parts := strings.Split(start, " ")
		if len(parts) != 3 || parts[2] != "SIP/2.0" {
			return nil, errtrace.Wrap(NewInvalidMessageError("invalid request line %q", start))
		}
		mtd := RequestMethod(parts[0])
		if !mtd.IsValid() {
			return nil, errtrace.Wrap(NewInvalidMessageError("invalid method %q", parts[0]))
		}
		uri, err := ParseURI(parts[1])
		if err != nil {
			return nil, errtrace.Wrap(NewInvalidMessageError(err))
		}
		req := &Request{Method: mtd, URI: uri}
		msg, hdr = req, &req.Header
	}

	for i := 1; i < len(lines); i++ {
		line := lines[i]
		// header folding
		for i+1 < len(lines) && len(lines[i+1]) > 0 && (lines[i+1][0] == ' ' || lines[i+1][0] == '\t') {
			line += " " + strings.TrimSpace(lines[i+1])
			i++
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !isToken(strings.TrimSpace(name)) {
			return nil, errtrace.Wrap(NewInvalidMessageError("invalid header line %q", line))
		}
		hdr.list = append(hdr.list, Header{CanonicName(name), strings.TrimSpace(value)})
	}
	return msg, nil
}
