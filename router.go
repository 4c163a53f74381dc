package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/rendezvous/pkg/wire"
	"golang.org/x/sync/errgroup"
)

const maxAcceptBackoff = 1 * time.Second

// Router accepts connections from processes and routes messages between
// the providers and consumers they register.
type Router struct {
	cfg     config
	id      string
	logger  *slog.Logger
	msink   metrics.MetricSink
	handler FailureHandler

	ln       Listener
	conns    *connTable
	dispatch *dispatcher
	beacon   *beacon

	lk         sync.Mutex
	serving    bool
	shutdown   bool
	shutdownCh chan struct{}
	doneCh     chan struct{}

	// wg tracks the receive and send stages.
	wg sync.WaitGroup
}

// Create binds the router listener, and joins the beacon cluster when
// configured to, but does not accept connections until `Serve` is called.
func Create(opts ...Option) (*Router, error) {
	r := &Router{
		cfg:        defaultConfig(),
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(&r.cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	r.id = r.cfg.routerID
	if r.id == "" {
		r.id = uuid.NewString()
	}

	logHandler := r.cfg.logHandler
	if logHandler == nil {
		logHandler = slog.Default().Handler()
	}
	r.logger = slog.New(logHandler).With(LabelRouterID.L(r.id))

	r.msink = r.cfg.msink
	if r.msink == nil {
		r.msink = metrics.Default()
	}

	r.handler = r.cfg.handler
	if r.handler == nil {
		r.handler = newTelemetryHandler(r.logger, r.msink, r.cfg.metricLabels)
	}

	r.ln = r.cfg.listener
	if r.ln == nil {
		var err error
		switch r.cfg.network {
		case NetworkQUIC:
			r.ln, err = ListenQUIC(r.cfg.listenAddr, r.cfg.tlsConf, logHandler)
		default:
			r.ln, err = ListenTCP(r.cfg.listenAddr)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	r.conns = newConnTable()
	r.dispatch = newDispatcher(
		r.conns,
		r.handler,
		r.logger,
		r.msink,
		r.cfg.metricLabels,
		r.cfg.dispatchDepth,
	)

	if r.cfg.beacon != nil {
		bcfg := *r.cfg.beacon
		if bcfg.NodeName == "" {
			bcfg.NodeName = r.id
		}
		if bcfg.Advertise == "" {
			bcfg.Advertise = r.ln.Addr().String()
		}

		b, err := newBeacon(bcfg, r.cfg.network, logHandler, r.cfg.metricLabels)
		if err != nil {
			r.ln.Close()
			return nil, err
		}
		r.beacon = b
	}

	return r, nil
}

// ID identifies the router in logs and in the beacon cluster.
func (r *Router) ID() string {
	return r.id
}

// Addr is the address connections are accepted on.
func (r *Router) Addr() net.Addr {
	return r.ln.Addr()
}

// BeaconAddr is the gossip address other nodes can use as a seed, empty
// when the beacon is disabled.
func (r *Router) BeaconAddr() string {
	if r.beacon == nil {
		return ""
	}
	return r.beacon.addr()
}

// Serve accepts and routes until ctx is done or `Shutdown` is called.
func (r *Router) Serve(ctx context.Context) error {
	r.lk.Lock()
	if r.shutdown {
		r.lk.Unlock()
		return ErrRouterClosed
	}
	if r.serving {
		r.lk.Unlock()
		return ErrRouterServing
	}
	r.serving = true
	r.lk.Unlock()
	defer close(r.doneCh)

	r.logger.Info(
		"router serving",
		LabelNetwork.L(r.cfg.network),
		LabelAddress.L(r.ln.Addr().String()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.acceptLoop(gctx)
	})
	g.Go(func() error {
		return r.dispatch.run(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-r.shutdownCh:
		}
		r.stop()
		// unblock the group, whoever asked for it.
		return ErrRouterClosed
	})

	err := g.Wait()
	r.wg.Wait()
	r.logger.Info("router stopped")

	if errors.Is(err, ErrRouterClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Shutdown stops accepting, closes every connection and waits for `Serve`
// to return. It is safe to call more than once.
func (r *Router) Shutdown() error {
	r.stop()

	r.lk.Lock()
	serving := r.serving
	r.lk.Unlock()

	if serving {
		<-r.doneCh
	}
	return nil
}

// Services lists the service pairs currently provided, restricted to those
// whose "service/role" form starts with prefix.
func (r *Router) Services(ctx context.Context, prefix string) ([]wire.ServicePair, error) {
	result := make(chan []wire.ServicePair, 1)
	select {
	case r.dispatch.events <- servicesQuery{prefix: prefix, result: result}:
	case <-r.shutdownCh:
		return nil, ErrRouterClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case pairs := <-result:
		return pairs, nil
	case <-r.shutdownCh:
		return nil, ErrRouterClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Router) isShutdown() bool {
	r.lk.Lock()
	defer r.lk.Unlock()
	return r.shutdown
}

// stop releases the network resources, only the first call does something.
func (r *Router) stop() {
	r.lk.Lock()
	if r.shutdown {
		r.lk.Unlock()
		return
	}
	r.shutdown = true
	close(r.shutdownCh)
	r.lk.Unlock()

	start := time.Now()
	r.logger.Info("shutting down...")

	if r.beacon != nil {
		r.logger.Info("shutdown: leave beacon cluster")
		r.beacon.leave()
	}

	r.logger.Info("shutdown: close listener")
	if err := r.ln.Close(); err != nil {
		r.logger.Warn("failed to close listener", LabelError.L(err))
	}

	r.logger.Info("shutdown: close connections")
	r.conns.closeAll()

	r.logger.Info("shutdown: resources released", LabelDuration.L(time.Since(start)))
}

func (r *Router) acceptLoop(ctx context.Context) error {
	mLabels := withLabels(r.cfg.metricLabels, LabelNetwork.M(r.cfg.network))
	var backoff time.Duration

	for {
		conn, err := r.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) || r.isShutdown() {
				return nil
			}

			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(2*backoff, maxAcceptBackoff)
			}
			r.logger.Warn("accept failed, retrying", LabelError.L(err), LabelDuration.L(backoff))
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		backoff = 0

		if r.conns.len() >= r.cfg.maxConns {
			r.reject(conn)
			r.msink.IncrCounterWithLabels(MetricConnRejectedCount, 1.0, mLabels)
			continue
		}

		c := r.conns.add(conn, r.cfg.outboundDepth, r.logger)
		if r.isShutdown() {
			// raced with stop, which may have missed it.
			c.close()
		}

		r.msink.IncrCounterWithLabels(MetricConnAcceptedCount, 1.0, mLabels)
		r.msink.SetGaugeWithLabels(MetricConnActive, float32(r.conns.len()), r.cfg.metricLabels)
		c.logger.Debug("connection accepted")

		r.wg.Add(2)
		go r.receive(c)
		go r.send(c)
	}
}

func (r *Router) reject(conn Conn) {
	r.logger.Warn(
		"rejecting connection",
		LabelError.L(ErrTooManyConns),
		LabelPeerAddr.L(conn.RemoteAddr().String()),
	)
	if sw, ok := conn.(*streamWrapper); ok {
		sw.Stream.CancelRead(QErrStreamAbort)
		sw.Stream.CancelWrite(QErrStreamAbort)
		QErrTooManyConns.Close(sw.conn, "the router reached its maximum number of connections")
		return
	}
	conn.Close()
}
