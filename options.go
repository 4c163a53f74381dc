package rendezvous

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/rendezvous/pkg/wire"
)

const (
	DefaultListenAddr         = "127.0.0.1:6174"
	DefaultMaxConnections     = 4096
	DefaultOutboundQueueDepth = 1024
	DefaultDispatchQueueDepth = 4096
	DefaultWriteTimeout       = 10 * time.Second
)

const (
	NetworkTCP  = "tcp"
	NetworkQUIC = "quic"
)

type config struct {
	network      string
	listenAddr   string
	tlsConf      *tls.Config
	listener     Listener
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	handler      FailureHandler
	routerID     string
	beacon       *BeaconConfig

	maxConns      int
	maxFrameSize  int
	outboundDepth int
	dispatchDepth int
	writeTimeout  time.Duration
}

func defaultConfig() config {
	return config{
		network:       NetworkTCP,
		listenAddr:    DefaultListenAddr,
		maxConns:      DefaultMaxConnections,
		maxFrameSize:  wire.DefaultMaxFrameSize,
		outboundDepth: DefaultOutboundQueueDepth,
		dispatchDepth: DefaultDispatchQueueDepth,
		writeTimeout:  DefaultWriteTimeout,
	}
}

// Option to pass to `Create`
type Option func(*config) error

// WithListenOn specifies the network ("tcp" or "quic") and the address the
// router accepts connections on.
func WithListenOn(network, addr string) Option {
	return func(c *config) error {
		switch network {
		case NetworkTCP, NetworkQUIC:
		default:
			return fmt.Errorf("%w: %q", ErrUnknownNetwork, network)
		}
		c.network = network
		if addr != "" {
			c.listenAddr = addr
		}
		return nil
	}
}

// WithListener makes the router accept connections from an already bound
// `Listener` instead of creating its own.
func WithListener(ln Listener) Option {
	return func(c *config) error {
		c.listener = ln
		return nil
	}
}

// WithTlsConfig sets the `tls.Config` used by the QUIC listener.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.tlsConf = tlsConf.Clone()
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the router.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the router.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithFailureHandler replaces the default handler, which logs and counts
// failures, with your own policy.
func WithFailureHandler(handler FailureHandler) Option {
	return func(c *config) error {
		c.handler = handler
		return nil
	}
}

// WithRouterID sets the identifier the router logs with and advertises
// through its beacon. A random UUID is used otherwise.
func WithRouterID(id string) Option {
	return func(c *config) error {
		c.routerID = id
		return nil
	}
}

// WithMaxConnections caps the number of concurrently connected processes.
// Connections accepted past the cap are closed immediately.
func WithMaxConnections(max int) Option {
	return func(c *config) error {
		if max < 0 {
			return fmt.Errorf("maximum connections must be positive, got %d", max)
		}
		if max == 0 {
			max = DefaultMaxConnections
		}
		c.maxConns = max
		return nil
	}
}

// WithMaxFrameSize bounds the size of inbound frames, and therefore how
// much memory a single peer can make us allocate at once.
func WithMaxFrameSize(size int) Option {
	return func(c *config) error {
		if size == 0 {
			size = wire.DefaultMaxFrameSize
		}
		if size <= wire.MaxHeaderSize || size > wire.DefaultMaxFrameSize {
			return fmt.Errorf(
				"frame size must be within (%d, %d], got %d",
				wire.MaxHeaderSize, wire.DefaultMaxFrameSize, size,
			)
		}
		c.maxFrameSize = size
		return nil
	}
}

// WithOutboundQueueDepth sets how many messages may wait for a peer's
// socket. A peer whose queue overflows is disconnected.
func WithOutboundQueueDepth(depth int) Option {
	return func(c *config) error {
		if depth < 0 {
			return fmt.Errorf("outbound queue depth must be positive, got %d", depth)
		}
		if depth == 0 {
			depth = DefaultOutboundQueueDepth
		}
		c.outboundDepth = depth
		return nil
	}
}

// WithDispatchQueueDepth sets the capacity of the queue feeding the
// dispatcher. Readers block when it is full.
func WithDispatchQueueDepth(depth int) Option {
	return func(c *config) error {
		if depth < 0 {
			return fmt.Errorf("dispatch queue depth must be positive, got %d", depth)
		}
		if depth == 0 {
			depth = DefaultDispatchQueueDepth
		}
		c.dispatchDepth = depth
		return nil
	}
}

// WithWriteTimeout bounds every socket write. A peer which stops reading is
// disconnected once it expires.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = DefaultWriteTimeout
		}
		c.writeTimeout = timeout
		return nil
	}
}

// WithBeacon makes the router advertise itself on a gossip cluster, see
// `DiscoverRouters`.
func WithBeacon(cfg BeaconConfig) Option {
	return func(c *config) error {
		c.beacon = &cfg
		return nil
	}
}
