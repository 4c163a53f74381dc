package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/raskyld/rendezvous"
	"github.com/raskyld/rendezvous/pkg/wire"
)

// Validate checks that all required fields are set and values are valid.
func (c *RouterConfig) Validate() error {
	switch c.Router.Network {
	case rendezvous.NetworkTCP:
	case rendezvous.NetworkQUIC:
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return errors.New("tls.cert_file and tls.key_file are required when router.network is quic")
		}
	default:
		return fmt.Errorf("router.network must be tcp or quic, got %q", c.Router.Network)
	}

	if _, _, err := net.SplitHostPort(c.Router.Listen); err != nil {
		return fmt.Errorf("router.listen: %w", err)
	}
	if c.Router.MaxConnections < 1 {
		return errors.New("router.max_connections must be >= 1")
	}
	if c.Router.MaxFrameSize != 0 &&
		(c.Router.MaxFrameSize <= wire.MaxHeaderSize || c.Router.MaxFrameSize > wire.DefaultMaxFrameSize) {
		return fmt.Errorf(
			"router.max_frame_size must be within (%d, %d], got %d",
			wire.MaxHeaderSize, wire.DefaultMaxFrameSize, c.Router.MaxFrameSize,
		)
	}
	if c.Router.OutboundQueueDepth < 1 {
		return errors.New("router.outbound_queue_depth must be >= 1")
	}
	if c.Router.DispatchQueueDepth < 1 {
		return errors.New("router.dispatch_queue_depth must be >= 1")
	}
	if c.Router.WriteTimeout < 0 {
		return errors.New("router.write_timeout must be positive")
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	if c.Beacon.Enabled && (c.Beacon.BindPort < 0 || c.Beacon.BindPort > 65535) {
		return fmt.Errorf("beacon.bind_port must be between 0 and 65535, got %d", c.Beacon.BindPort)
	}

	return nil
}

// SlogLevel parses the level name.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return level, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
