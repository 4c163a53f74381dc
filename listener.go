package rendezvous

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/raskyld/rendezvous/pkg/wire"
)

// Listener yields the connections of the processes talking to the router.
type Listener interface {
	// Accept blocks until a connection is ready, ctx is done or the
	// listener is closed, in which case `net.ErrClosed` is returned.
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

// tcpListener accepts plain TCP connections.
type tcpListener struct {
	ln net.Listener
}

// ListenTCP binds a TCP listener on addr.
func ListenTCP(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listener: failed to bind TCP: %w", err)
	}
	return &tcpListener{ln: ln}, nil
}

func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		// frames are already coalesced by the send stage.
		_ = tcpConn.SetNoDelay(true)
	}
	return conn, nil
}

func (l *tcpListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *tcpListener) Close() error {
	return l.ln.Close()
}

// streamWrapper exposes the single stream of a QUIC connection as a `Conn`.
type streamWrapper struct {
	conn quic.Connection

	// NB: quic-go guards Write/Close/Read with its own mutex, the send stage
	// being the only writer we do not need more.
	quic.Stream
}

func (sw *streamWrapper) RemoteAddr() net.Addr {
	return sw.conn.RemoteAddr()
}

func (sw *streamWrapper) LocalAddr() net.Addr {
	return sw.conn.LocalAddr()
}

// Close releases the stream and the connection carrying it.
func (sw *streamWrapper) Close() error {
	sw.Stream.CancelRead(QErrStreamClosed)
	err := sw.Stream.Close()
	if cerr := QErrConnClosed.Close(sw.conn, "connection released by the router"); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// quicListener accepts QUIC connections carrying one bidirectional stream
// each.
type quicListener struct {
	logger *slog.Logger

	udpLn *net.UDPConn
	tr    *quic.Transport
	ln    *quic.Listener

	streamCh  chan *streamWrapper
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenQUIC binds a QUIC listener on addr. The ALPN of the protocol is
// added to the TLS config when it has none.
func ListenQUIC(addr string, tlsConf *tls.Config, logHandler slog.Handler) (Listener, error) {
	if tlsConf == nil {
		return nil, ErrNoTLSConfig
	}
	tlsConf = tlsConf.Clone()
	if !slices.Contains(tlsConf.NextProtos, wire.ALPN) {
		tlsConf.NextProtos = append(tlsConf.NextProtos, wire.ALPN)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listener: invalid address %q: %w", addr, err)
	}
	udpLn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listener: failed to allocate UDP listener: %w", err)
	}

	tr := &quic.Transport{Conn: udpLn}
	ln, err := tr.Listen(tlsConf, &quic.Config{
		Versions: []quic.Version{quic.Version2, quic.Version1},
		// one stream per process, anything else is a protocol violation.
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
		MaxIdleTimeout:        1 * time.Minute,
		KeepAlivePeriod:       15 * time.Second,
	})
	if err != nil {
		tr.Close()
		udpLn.Close()
		return nil, fmt.Errorf("listener: failed to allocate QUIC listener: %w", err)
	}

	logger := slog.Default()
	if logHandler != nil {
		logger = slog.New(logHandler)
	}

	l := &quicListener{
		logger:   logger,
		udpLn:    udpLn,
		tr:       tr,
		ln:       ln,
		streamCh: make(chan *streamWrapper),
		closeCh:  make(chan struct{}),
	}

	l.wg.Add(1)
	go l.acceptConns()
	return l, nil
}

func (l *quicListener) acceptConns() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept(context.Background())
		if err != nil {
			select {
			case <-l.closeCh:
			default:
				// NB: quic-go only fails Accept once the listener is closed.
				l.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}

		l.wg.Add(1)
		go l.acceptStream(conn)
	}
}

// acceptStream waits for the stream a client opens with its first frame.
func (l *quicListener) acceptStream(conn quic.Connection) {
	defer l.wg.Done()

	stream, err := conn.AcceptStream(conn.Context())
	if err != nil {
		l.logger.Debug(
			"QUIC connection closed before opening a stream",
			LabelPeerAddr.L(conn.RemoteAddr().String()),
			LabelError.L(err),
		)
		return
	}

	sw := &streamWrapper{conn: conn, Stream: stream}
	select {
	case l.streamCh <- sw:
	case <-l.closeCh:
		stream.CancelRead(QErrStreamAbort)
		stream.CancelWrite(QErrStreamAbort)
		QErrShutdown.Close(conn, "router shutting down")
	case <-conn.Context().Done():
	}
}

func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case sw := <-l.streamCh:
		return sw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, net.ErrClosed
	}
}

func (l *quicListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *quicListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closeCh)
		err = errors.Join(l.ln.Close(), l.tr.Close(), l.udpLn.Close())
		l.wg.Wait()
	})
	return err
}
