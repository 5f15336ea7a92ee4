package sip

import "github.com/ghettovoice/sipproxy/internal/errorutil"

// Error is a SIP error.
type Error = errorutil.Error

const (
	ErrInvalidArgument       = errorutil.ErrInvalidArgument
	ErrInvalidMessage        Error = "invalid message"
	ErrInvalidTransition     Error = "invalid transaction state transition"
	ErrTransactionTerminated Error = "transaction terminated"
	ErrTransactionExists     Error = "transaction already exists"
	ErrKeepAlive             Error = "keep-alive ping"
	ErrMessageTooLarge       Error = "message too large"

	// ErrConnectionFailed is reported by transports when a connection can not be
	// established or a message can not be written.
	ErrConnectionFailed Error = "connection failed"
	// ErrTLSValidationFailed is reported when the peer certificate is rejected.
	ErrTLSValidationFailed Error = "TLS validation failed"
	// ErrFlowFailed is reported when an Outbound flow no longer exists.
	ErrFlowFailed Error = "flow failed"
)

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewWrapperError(ErrInvalidArgument, args...) //errtrace:skip
}

// NewInvalidMessageError creates a new error with [ErrInvalidMessage].
func NewInvalidMessageError(args ...any) error {
	return errorutil.NewWrapperError(ErrInvalidMessage, args...) //errtrace:skip
}
