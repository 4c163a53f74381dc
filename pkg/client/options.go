package client

import (
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/raskyld/rendezvous/pkg/wire"
)

const (
	DefaultInboxDepth = 64
	DefaultEventDepth = 64
	DefaultWriteDepth = 256
)

type config struct {
	logHandler   slog.Handler
	tlsConf      *tls.Config
	maxFrameSize int
	inboxDepth   int
	eventDepth   int
	writeDepth   int
}

func defaultConfig() config {
	return config{
		maxFrameSize: wire.DefaultMaxFrameSize,
		inboxDepth:   DefaultInboxDepth,
		eventDepth:   DefaultEventDepth,
		writeDepth:   DefaultWriteDepth,
	}
}

// Option to pass to `Dial` or `NewClient`.
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithTlsConfig sets the `tls.Config` used to dial over QUIC.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.tlsConf = tlsConf.Clone()
		return nil
	}
}

// WithMaxFrameSize bounds the frames accepted from the router.
func WithMaxFrameSize(size int) Option {
	return func(c *config) error {
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

// WithInboxDepth sets how many requests a provider buffers before the
// client stops reading from the router.
func WithInboxDepth(depth int) Option {
	return func(c *config) error {
		if depth <= 0 {
			return fmt.Errorf("inbox depth must be strictly positive, got %d", depth)
		}
		c.inboxDepth = depth
		return nil
	}
}

// WithEventDepth sets how many events a consumer buffers. Events arriving
// on a full buffer are dropped.
func WithEventDepth(depth int) Option {
	return func(c *config) error {
		if depth <= 0 {
			return fmt.Errorf("event depth must be strictly positive, got %d", depth)
		}
		c.eventDepth = depth
		return nil
	}
}
