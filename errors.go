package rendezvous

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg       = errors.New("router: invalid options")
	ErrRouterClosed     = errors.New("router: shut down")
	ErrRouterServing    = errors.New("router: already serving")
	ErrTooManyConns     = errors.New("router: maximum number of connections reached")
	ErrConnClosed       = errors.New("router: connection closed")
	ErrQueueFull        = errors.New("router: outbound queue is full")
	ErrUnknownTarget    = errors.New("router: no live connection for target")
	ErrUnexpectedCtrl   = errors.New("router: unexpected control message")
	ErrNoTLSConfig      = errors.New("router: a TLS config is required to listen on QUIC")
	ErrUnknownNetwork   = errors.New("router: unknown network")
	ErrBeaconJoin       = errors.New("router: could not join the beacon cluster")
	ErrNoRouterInMesh   = errors.New("router: no router advertised by the beacon cluster")
	ErrProviderConflict = errors.New("directory: service pair already provided by another connection")
)

var (
	QErrStreamClosed = quic.StreamErrorCode(0x0)
	QErrStreamAbort  = quic.StreamErrorCode(0x1)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x2,
		Prefix: "shutdown",
	}
	QErrTooManyConns = QuicApplicationError{
		Code:   0x3,
		Prefix: "too many connections",
	}
	QErrConnClosed = QuicApplicationError{
		Code:   0x4,
		Prefix: "closed",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

// ClosedBy records which side of the pipeline tore a connection down.
type ClosedBy uint8

const (
	ClosedByUnknown ClosedBy = iota
	ClosedByPeer
	ClosedByReadError
	ClosedByWriteError
	ClosedByMalformedFrame
	ClosedBySlowPeer
	ClosedByShutdown
)

func (cause ClosedBy) String() string {
	switch cause {
	case ClosedByPeer:
		return "peer"
	case ClosedByReadError:
		return "read error"
	case ClosedByWriteError:
		return "write error"
	case ClosedByMalformedFrame:
		return "malformed frame"
	case ClosedBySlowPeer:
		return "outbound queue overflow"
	case ClosedByShutdown:
		return "router shutdown"
	default:
		return "unknown"
	}
}

// ClosedError is the cause attached to a connection teardown.
type ClosedError struct {
	Cause ClosedBy
	Err   error
}

func (e *ClosedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connection closed by %s", e.Cause)
	}
	return fmt.Sprintf("connection closed by %s: %s", e.Cause, e.Err)
}

func (e *ClosedError) Unwrap() error {
	return e.Err
}
