package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/rendezvous"
	"github.com/raskyld/rendezvous/internal/config"
)

var (
	ConfigPath = flag.String("config", "", "path to the YAML configuration")
	Listen     = flag.String("listen", "", "address to accept connections on, overrides router.listen")
	Network    = flag.String("network", "", "tcp or quic, overrides router.network")
	LogLevel   = flag.String("log-level", "", "debug, info, warn or error, overrides log.level")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logHandler, err := newLogHandler(cfg.Log)
	if err != nil {
		slog.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(logHandler))

	opts, err := routerOptions(cfg, logHandler)
	if err != nil {
		slog.Error("failed to build router options", "error", err)
		os.Exit(2)
	}

	router, err := rendezvous.Create(opts...)
	if err != nil {
		slog.Error("failed to create router", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := router.Serve(ctx); err != nil {
		slog.Error("router failed", "error", err)
		os.Exit(3)
	}
	slog.Info("terminated")
}

func loadConfig() (*config.RouterConfig, error) {
	cfg := config.Default()
	if *ConfigPath != "" {
		var err error
		cfg, err = config.LoadWithDefaults(*ConfigPath)
		if err != nil {
			return nil, err
		}
	}

	if *Listen != "" {
		cfg.Router.Listen = *Listen
	}
	if *Network != "" {
		cfg.Router.Network = *Network
	}
	if *LogLevel != "" {
		cfg.Log.Level = *LogLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogHandler(cfg config.LogConfig) (slog.Handler, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.NewJSONHandler(os.Stderr, opts), nil
	}
	return slog.NewTextHandler(os.Stderr, opts), nil
}

func routerOptions(cfg *config.RouterConfig, logHandler slog.Handler) ([]rendezvous.Option, error) {
	// SIGUSR1 dumps the in-memory metrics to stderr.
	sink := metrics.NewInmemSink(cfg.Metrics.Interval, cfg.Metrics.Retain)
	metrics.DefaultInmemSignal(sink)

	var labels []metrics.Label
	for name, value := range cfg.Metrics.Labels {
		labels = append(labels, metrics.Label{Name: name, Value: value})
	}

	opts := []rendezvous.Option{
		rendezvous.WithLog(logHandler),
		rendezvous.WithListenOn(cfg.Router.Network, cfg.Router.Listen),
		rendezvous.WithMaxConnections(cfg.Router.MaxConnections),
		rendezvous.WithMaxFrameSize(cfg.Router.MaxFrameSize),
		rendezvous.WithOutboundQueueDepth(cfg.Router.OutboundQueueDepth),
		rendezvous.WithDispatchQueueDepth(cfg.Router.DispatchQueueDepth),
		rendezvous.WithWriteTimeout(cfg.Router.WriteTimeout),
		rendezvous.WithMetricSink(sink),
		rendezvous.WithMetricLabels(labels),
	}
	if cfg.Router.ID != "" {
		opts = append(opts, rendezvous.WithRouterID(cfg.Router.ID))
	}

	if cfg.Router.Network == rendezvous.NetworkQUIC {
		tlsConf, err := cfg.TLS.Load()
		if err != nil {
			return nil, err
		}
		opts = append(opts, rendezvous.WithTlsConfig(tlsConf))
	} else if cfg.TLS.CertFile != "" {
		return nil, errors.New("tls is only supported by the quic network")
	}

	if cfg.Beacon.Enabled {
		opts = append(opts, rendezvous.WithBeacon(rendezvous.BeaconConfig{
			NodeName:  cfg.Beacon.NodeName,
			BindAddr:  cfg.Beacon.BindAddr,
			BindPort:  cfg.Beacon.BindPort,
			Advertise: cfg.Beacon.Advertise,
			Seeds:     cfg.Beacon.Seeds,
		}))
	}

	return opts, nil
}
