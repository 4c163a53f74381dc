// Package client connects a process to a rendezvous router, to provide
// services and to consume the services of other processes.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/raskyld/rendezvous/pkg/wire"
)

const closeFlushTimeout = 1 * time.Second

// Conn is the byte stream to the router.
type Conn interface {
	io.ReadWriteCloser
	SetWriteDeadline(t time.Time) error
}

// Client multiplexes provider and consumer handles on one connection to the
// router.
type Client struct {
	cfg    config
	conn   Conn
	logger *slog.Logger

	// handles of this client are told apart by their sequence number.
	handleSeq atomic.Uint64

	writeCh chan wire.Message

	lk        sync.Mutex
	providers map[wire.ServicePair]*Provider
	consumers map[uint64]*Consumer
	err       error
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// Dial connects to the router listening on addr, network being "tcp" or
// "quic".
func Dial(ctx context.Context, network, addr string, opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	var (
		conn Conn
		err  error
	)
	switch network {
	case "tcp":
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	case "quic":
		conn, err = dialQUIC(ctx, addr, cfg.tlsConf)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, network)
	}
	if err != nil {
		return nil, err
	}

	return newClient(conn, cfg), nil
}

// NewClient runs the protocol over an established connection.
func NewClient(conn Conn, opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	return newClient(conn, cfg), nil
}

func newClient(conn Conn, cfg config) *Client {
	c := &Client{
		cfg:       cfg,
		conn:      conn,
		writeCh:   make(chan wire.Message, cfg.writeDepth),
		providers: make(map[wire.ServicePair]*Provider),
		consumers: make(map[uint64]*Consumer),
		closeCh:   make(chan struct{}),
	}

	if cfg.logHandler != nil {
		c.logger = slog.New(cfg.logHandler)
	} else {
		c.logger = slog.Default()
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Done is closed once the client is closed or lost its router.
func (c *Client) Done() <-chan struct{} {
	return c.closeCh
}

// Err is the reason the client stopped, nil while it runs.
func (c *Client) Err() error {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.err
}

// Close flushes what is pending, for up to a second, then disconnects.
// The router withdraws every handle of the client.
func (c *Client) Close() error {
	c.shutdown(ErrClientClosed)
	c.wg.Wait()
	return nil
}

func (c *Client) shutdown(cause error) {
	c.lk.Lock()
	if c.err != nil {
		c.lk.Unlock()
		return
	}
	c.err = cause
	close(c.closeCh)
	c.lk.Unlock()

	if !errors.Is(cause, ErrClientClosed) {
		c.logger.Warn("client stopped", "error", cause)
	}
}

// send queues msg for the writer.
func (c *Client) send(ctx context.Context, msg wire.Message) error {
	if msg.Payload.Len() > wire.MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", wire.ErrPayloadTooLarge, msg.Payload.Len())
	}

	select {
	case <-c.closeCh:
		return c.Err()
	default:
	}

	select {
	case c.writeCh <- msg:
		return nil
	case <-c.closeCh:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) writeLoop() {
	defer c.wg.Done()
	defer c.conn.Close()

	writer := bufio.NewWriter(c.conn)
	var frame []byte
	write := func(msg wire.Message) error {
		var err error
		frame, err = wire.AppendFrame(frame[:0], &msg)
		if err != nil {
			c.logger.Warn("dropping message which cannot be encoded", "error", err)
			return nil
		}
		_, err = writer.Write(frame)
		return err
	}

	for {
		select {
		case msg := <-c.writeCh:
			if err := write(msg); err != nil {
				c.shutdown(err)
				return
			}
			if len(c.writeCh) > 0 {
				continue
			}
			if err := writer.Flush(); err != nil {
				c.shutdown(err)
				return
			}
		case <-c.closeCh:
			// best effort: unregistrations queued right before Close.
			_ = c.conn.SetWriteDeadline(time.Now().Add(closeFlushTimeout))
			for {
				select {
				case msg := <-c.writeCh:
					if write(msg) != nil {
						return
					}
				default:
					_ = writer.Flush()
					return
				}
			}
		}
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	reader := bufio.NewReader(c.conn)
	for {
		msg, err := wire.ReadMessage(reader, c.cfg.maxFrameSize)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				err = ErrRouterGone
			} else {
				err = fmt.Errorf("%w: %w", ErrRouterGone, err)
			}
			c.shutdown(err)
			return
		}
		c.route(msg)
	}
}

func (c *Client) route(msg wire.Message) {
	switch msg.ID {
	case wire.IDProviderAccepted, wire.IDProviderRejected:
		if p := c.provider(msg.Target); p != nil {
			p.acknowledge(msg)
		}
		return
	case wire.IDProviderAvailable:
		if co := c.consumer(msg.Target); co != nil {
			co.setStatus(StatusAvailable)
		}
		return
	case wire.IDProviderUnavailable:
		if co := c.consumer(msg.Target); co != nil {
			co.setStatus(StatusPending)
		}
		return
	}

	switch msg.ID.Kind() {
	case wire.KindRequest, wire.KindOneWay:
		if p := c.provider(msg.Target); p != nil {
			p.deliver(msg)
			return
		}
	case wire.KindResponse, wire.KindError:
		if co := c.consumer(msg.Target); co != nil {
			co.resolve(msg)
			return
		}
	case wire.KindEvent:
		if co := c.consumer(msg.Target); co != nil {
			co.event(msg)
			return
		}
	}
	c.logger.Debug("dropping message for an unknown handle", "message", msg)
}

func (c *Client) provider(target wire.ServiceAddress) *Provider {
	c.lk.Lock()
	defer c.lk.Unlock()
	p, has := c.providers[target.Pair()]
	if !has || p.addr.SequenceNr != target.SequenceNr {
		return nil
	}
	return p
}

func (c *Client) consumer(target wire.ServiceAddress) *Consumer {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.consumers[target.SequenceNr]
}

func (c *Client) newAddress(service, role string) (wire.ServiceAddress, error) {
	addr := wire.NewAddress(service, role)
	if err := addr.Validate(); err != nil {
		return addr, err
	}
	addr.SequenceNr = c.handleSeq.Add(1)
	return addr, nil
}

// Provide registers this process as the provider of service/role and waits
// for the router to accept it. The router rejects a pair another process
// already provides with ErrRejected.
func (c *Client) Provide(ctx context.Context, service, role string) (*Provider, error) {
	addr, err := c.newAddress(service, role)
	if err != nil {
		return nil, err
	}

	p := &Provider{
		client: c,
		addr:   addr,
		inbox:  make(chan *Request, c.cfg.inboxDepth),
		ackCh:  make(chan wire.Message, 1),
		doneCh: make(chan struct{}),
	}
	c.logger.Debug("registering provider", "provider", addr)

	c.lk.Lock()
	if c.err != nil {
		c.lk.Unlock()
		return nil, c.err
	}
	if _, has := c.providers[addr.Pair()]; has {
		c.lk.Unlock()
		return nil, ErrAlreadyProvided
	}
	c.providers[addr.Pair()] = p
	c.lk.Unlock()

	if err := c.send(ctx, wire.Control(wire.IDRegisterProvider, addr, addr)); err != nil {
		c.forgetProvider(p)
		return nil, err
	}

	select {
	case ack := <-p.ackCh:
		if ack.ID == wire.IDProviderRejected {
			c.forgetProvider(p)
			return nil, fmt.Errorf("%w: %s", ErrRejected, ack.Payload.Bytes())
		}
		return p, nil
	case <-c.closeCh:
		return nil, c.Err()
	case <-ctx.Done():
		// the router may still accept it, withdraw.
		p.Close()
		return nil, ctx.Err()
	}
}

// Consume registers a consumer of service/role. The returned handle is
// usable right away, `Consumer.Status` tells whether the provider is
// connected.
func (c *Client) Consume(ctx context.Context, service, role string) (*Consumer, error) {
	addr, err := c.newAddress(service, role)
	if err != nil {
		return nil, err
	}

	co := &Consumer{
		client:       c,
		addr:         addr,
		pending:      make(map[uint64]chan wire.Message),
		events:       make(chan Event, c.cfg.eventDepth),
		availability: make(chan Status, 1),
		changed:      make(chan struct{}),
		doneCh:       make(chan struct{}),
		logger:       c.logger.With("consumer", addr),
	}

	c.lk.Lock()
	if c.err != nil {
		c.lk.Unlock()
		return nil, c.err
	}
	c.consumers[addr.SequenceNr] = co
	c.lk.Unlock()

	if err := c.send(ctx, wire.Control(wire.IDRegisterConsumer, addr, wire.NewAddress(service, role))); err != nil {
		c.forgetConsumer(co)
		return nil, err
	}
	return co, nil
}

func (c *Client) forgetProvider(p *Provider) {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.providers[p.addr.Pair()] == p {
		delete(c.providers, p.addr.Pair())
	}
}

func (c *Client) forgetConsumer(co *Consumer) {
	c.lk.Lock()
	defer c.lk.Unlock()
	delete(c.consumers, co.addr.SequenceNr)
}

// streamConn exposes the stream opened on a QUIC connection as a `Conn`.
type streamConn struct {
	conn quic.Connection
	quic.Stream
}

func (sc *streamConn) Close() error {
	err := sc.Stream.Close()
	return errors.Join(err, sc.conn.CloseWithError(0, "client closed"))
}

func dialQUIC(ctx context.Context, addr string, tlsConf *tls.Config) (Conn, error) {
	if tlsConf == nil {
		return nil, ErrNoTLSConfig
	}
	tlsConf = tlsConf.Clone()
	if !slices.Contains(tlsConf.NextProtos, wire.ALPN) {
		tlsConf.NextProtos = append(tlsConf.NextProtos, wire.ALPN)
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{
		Versions:        []quic.Version{quic.Version2, quic.Version1},
		MaxIdleTimeout:  1 * time.Minute,
		KeepAlivePeriod: 15 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "could not open stream")
		return nil, err
	}
	return &streamConn{conn: conn, Stream: stream}, nil
}
