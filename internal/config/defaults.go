package config

import (
	"time"

	"github.com/raskyld/rendezvous"
)

// Default values for optional configuration fields.
const (
	DefaultNetwork         = rendezvous.NetworkTCP
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultMetricsInterval = 10 * time.Second
	DefaultMetricsRetain   = 1 * time.Minute
	DefaultBeaconBindAddr  = "0.0.0.0"
	DefaultBeaconBindPort  = 7946
)

// ApplyDefaults fills every optional field left empty.
func (c *RouterConfig) ApplyDefaults() {
	if c.Router.Network == "" {
		c.Router.Network = DefaultNetwork
	}
	if c.Router.Listen == "" {
		c.Router.Listen = rendezvous.DefaultListenAddr
	}
	if c.Router.MaxConnections == 0 {
		c.Router.MaxConnections = rendezvous.DefaultMaxConnections
	}
	if c.Router.OutboundQueueDepth == 0 {
		c.Router.OutboundQueueDepth = rendezvous.DefaultOutboundQueueDepth
	}
	if c.Router.DispatchQueueDepth == 0 {
		c.Router.DispatchQueueDepth = rendezvous.DefaultDispatchQueueDepth
	}
	if c.Router.WriteTimeout == 0 {
		c.Router.WriteTimeout = rendezvous.DefaultWriteTimeout
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}

	if c.Metrics.Interval == 0 {
		c.Metrics.Interval = DefaultMetricsInterval
	}
	if c.Metrics.Retain == 0 {
		c.Metrics.Retain = DefaultMetricsRetain
	}

	if c.Beacon.Enabled {
		if c.Beacon.BindAddr == "" {
			c.Beacon.BindAddr = DefaultBeaconBindAddr
		}
		if c.Beacon.BindPort == 0 {
			c.Beacon.BindPort = DefaultBeaconBindPort
		}
	}
}
