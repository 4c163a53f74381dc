package config

import "time"

// RouterConfig is the root configuration of a router instance.
type RouterConfig struct {
	Router  ListenConfig  `yaml:"router"`
	TLS     TLSConfig     `yaml:"tls"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Beacon  BeaconConfig  `yaml:"beacon"`
}

// ListenConfig holds where the router listens and its limits.
type ListenConfig struct {
	ID                 string        `yaml:"id"`
	Network            string        `yaml:"network"` // "tcp" or "quic"
	Listen             string        `yaml:"listen"`
	MaxConnections     int           `yaml:"max_connections"`
	MaxFrameSize       int           `yaml:"max_frame_size"`
	OutboundQueueDepth int           `yaml:"outbound_queue_depth"`
	DispatchQueueDepth int           `yaml:"dispatch_queue_depth"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
}

// TLSConfig points to the PEM files used by the QUIC listener.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// CAFile enables client certificate verification when set.
	CAFile string `yaml:"ca_file"`
}

// LogConfig selects the slog handler of the binary.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// MetricsConfig configures the in-memory sink, dumped to stderr on SIGUSR1.
type MetricsConfig struct {
	Interval time.Duration     `yaml:"interval"`
	Retain   time.Duration     `yaml:"retain"`
	Labels   map[string]string `yaml:"labels"`
}

// BeaconConfig enables the gossip beacon advertising the router.
type BeaconConfig struct {
	Enabled   bool     `yaml:"enabled"`
	NodeName  string   `yaml:"node_name"`
	BindAddr  string   `yaml:"bind_addr"`
	BindPort  int      `yaml:"bind_port"`
	Advertise string   `yaml:"advertise"`
	Seeds     []string `yaml:"seeds"`
}
