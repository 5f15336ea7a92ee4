package sip

import (
	"log/slog"

	"braces.dev/errtrace"
)

// ClientTransactionKey matches responses to a client transaction
// (RFC 3261 Section 17.1.3).
type ClientTransactionKey struct {
	// Branch parameter of the topmost Via header field.
	Branch string
	// Method of the CSeq header field.
	Method RequestMethod
}

// ClientTransactionKeyOf builds the key from the top Via and CSeq of the message.
func ClientTransactionKeyOf(msg Message) (ClientTransactionKey, error) {
	via, err := msg.Headers().TopVia()
	if err != nil {
		return ClientTransactionKey{}, errtrace.Wrap(err)
	}
	cseq, err := msg.Headers().CSeq()
	if err != nil {
		return ClientTransactionKey{}, errtrace.Wrap(err)
	}
	return ClientTransactionKey{Branch: via.Branch(), Method: cseq.Method}, nil
}

// IsValid checks whether the key is valid.
func (k ClientTransactionKey) IsValid() bool { return k.Branch != "" && k.Method != "" }

// LogValue implements [slog.LogValuer].
func (k ClientTransactionKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("branch", k.Branch),
		slog.String("method", string(k.Method)),
	)
}

// ServerTransactionKey matches requests to a server transaction
// (RFC 3261 Section 17.2.3).
type ServerTransactionKey struct {
	// Branch parameter of the topmost Via header field.
	Branch string
	// SentBy is the host:port of the topmost Via header field.
	SentBy string
	// Method of the request, ACK is mapped to INVITE.
	Method RequestMethod
}

// ServerTransactionKeyOf builds the key from the top Via of the request.
func ServerTransactionKeyOf(req *Request) (ServerTransactionKey, error) {
	via, err := req.Header.TopVia()
	if err != nil {
		return ServerTransactionKey{}, errtrace.Wrap(err)
	}
	method := req.Method
	if method == RequestMethodAck {
		method = RequestMethodInvite
	}
	return ServerTransactionKey{Branch: via.Branch(), SentBy: via.SentBy(), Method: method}, nil
}

// IsValid checks whether the key is valid.
func (k ServerTransactionKey) IsValid() bool {
	return k.Branch != "" && k.SentBy != "" && k.Method != ""
}

// LogValue implements [slog.LogValuer].
func (k ServerTransactionKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("branch", k.Branch),
		slog.String("sent_by", k.SentBy),
		slog.String("method", string(k.Method)),
	)
}
