// Package sip implements the SIP message model and the RFC 3261 transaction layer.
//
// Transactions are not safe for concurrent use. Every transaction method,
// including constructors, must be called from the event loop that was passed in
// the transaction options, timers deliver their expiry through the same loop.
package sip
