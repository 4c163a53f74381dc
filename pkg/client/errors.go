package client

import (
	"errors"
	"fmt"
)

var (
	ErrClientClosed     = errors.New("client: closed")
	ErrRouterGone       = errors.New("client: connection to the router lost")
	ErrHandleClosed     = errors.New("client: handle closed")
	ErrAlreadyProvided  = errors.New("client: this client already provides the service pair")
	ErrRejected         = errors.New("client: registration rejected by the router")
	ErrNoReplyExpected  = errors.New("client: one-way calls cannot be answered")
	ErrNoTLSConfig      = errors.New("client: a TLS config is required to dial over QUIC")
	ErrUnknownNetwork   = errors.New("client: unknown network")
	ErrInvalidCfg       = errors.New("client: invalid options")
	ErrUnexpectedFormat = errors.New("client: payload does not match the expected format")
)

// RemoteError is the error answer to a call: either the provider failed
// the request or the router could not deliver it.
type RemoteError struct {
	Method uint32
	Reason string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("client: method %d failed: %s", e.Method, e.Reason)
}
