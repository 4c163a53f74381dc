package rendezvous

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	armonmetrics "github.com/armon/go-metrics"
	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	beaconMetaNetwork protowire.Number = 1
	beaconMetaAddr    protowire.Number = 2

	beaconLeaveTimeout = 2 * time.Second
	discoverPollPeriod = 50 * time.Millisecond
)

// BeaconConfig describes the gossip node a router uses to advertise itself.
type BeaconConfig struct {
	// NodeName must be unique in the cluster, it defaults to the router ID.
	NodeName string

	// BindAddr and BindPort are where the gossip protocol listens. A zero
	// port picks a free one.
	BindAddr string
	BindPort int

	// Advertise is the router address published to the cluster, it
	// defaults to the address of the listener.
	Advertise string

	// Seeds are the gossip nodes to join at startup.
	Seeds []string
}

// RouterInfo is a router found through `DiscoverRouters`.
type RouterInfo struct {
	Node    string
	Network string
	Addr    string
}

func (ri RouterInfo) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("node", ri.Node),
		slog.String("network", ri.Network),
		slog.String("addr", ri.Addr),
	)
}

// beacon is a memberlist node whose metadata carries the router address.
type beacon struct {
	logger *slog.Logger
	ml     *memberlist.Memberlist
}

// beaconMeta implements `memberlist.Delegate`, only node metadata is
// gossiped.
type beaconMeta struct {
	meta []byte
}

func (bm *beaconMeta) NodeMeta(limit int) []byte {
	if len(bm.meta) > limit {
		return nil
	}
	return bm.meta
}

func (bm *beaconMeta) NotifyMsg([]byte)                           {}
func (bm *beaconMeta) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (bm *beaconMeta) LocalState(join bool) []byte                { return nil }
func (bm *beaconMeta) MergeRemoteState(buf []byte, join bool)     {}

// gossip logs membership changes.
type gossip struct {
	logger *slog.Logger
}

func (g *gossip) NotifyJoin(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer joined beacon cluster")
}

func (g *gossip) NotifyLeave(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer left beacon cluster")
}

func (g *gossip) NotifyUpdate(node *memberlist.Node) {
	withLogNode(g.logger, node).Debug("peer updated")
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(LabelNodeName.L(node.Name), LabelPeerAddr.L(node.Address()))
}

func newBeacon(
	cfg BeaconConfig,
	network string,
	logHandler slog.Handler,
	labels []metrics.Label,
) (*beacon, error) {
	mlCfg := memberlist.DefaultLANConfig()
	mlCfg.Name = cfg.NodeName
	if cfg.BindAddr != "" {
		mlCfg.BindAddr = cfg.BindAddr
	}
	mlCfg.BindPort = cfg.BindPort
	mlCfg.AdvertisePort = cfg.BindPort
	mlCfg.Logger = slog.NewLogLogger(logHandler, slog.LevelDebug)
	mlCfg.MetricLabels = armonLabels(labels)

	logger := slog.New(logHandler).With(LabelNodeName.L(cfg.NodeName))
	mlCfg.Delegate = &beaconMeta{meta: encodeBeaconMeta(network, cfg.Advertise)}
	mlCfg.Events = &gossip{logger: logger}

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBeaconJoin, err)
	}

	b := &beacon{logger: logger, ml: ml}
	if len(cfg.Seeds) > 0 {
		joined, err := ml.Join(cfg.Seeds)
		if err != nil {
			ml.Shutdown()
			return nil, fmt.Errorf("%w: %w", ErrBeaconJoin, err)
		}
		if joined != len(cfg.Seeds) {
			logger.Warn(
				"not all seeds are reachable",
				"joined", joined,
				"expected", len(cfg.Seeds),
			)
		}
	}

	logger.Info("beacon advertising router", LabelAddress.L(cfg.Advertise))
	return b, nil
}

func (b *beacon) addr() string {
	return b.ml.LocalNode().Address()
}

func (b *beacon) leave() {
	if err := b.ml.Leave(beaconLeaveTimeout); err != nil {
		b.logger.Warn("failed to leave beacon cluster", LabelError.L(err))
	}
	if err := b.ml.Shutdown(); err != nil {
		b.logger.Warn("failed to shut the beacon down", LabelError.L(err))
	}
}

// DiscoverRouters joins the gossip cluster reachable through seeds just
// long enough to list the routers advertised in it.
//
// It returns as soon as at least one router is known, or fails with
// ErrNoRouterInMesh once ctx is done.
func DiscoverRouters(ctx context.Context, seeds []string, logHandler slog.Handler) ([]RouterInfo, error) {
	if logHandler == nil {
		logHandler = slog.Default().Handler()
	}

	mlCfg := memberlist.DefaultLANConfig()
	mlCfg.Name = "discover-" + uuid.NewString()
	mlCfg.BindAddr = "127.0.0.1"
	if len(seeds) > 0 && !isLoopback(seeds[0]) {
		mlCfg.BindAddr = "0.0.0.0"
	}
	mlCfg.BindPort = 0
	mlCfg.AdvertisePort = 0
	mlCfg.Logger = slog.NewLogLogger(logHandler, slog.LevelDebug)

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBeaconJoin, err)
	}
	defer func() {
		ml.Leave(beaconLeaveTimeout)
		ml.Shutdown()
	}()

	if _, err := ml.Join(seeds); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBeaconJoin, err)
	}

	ticker := time.NewTicker(discoverPollPeriod)
	defer ticker.Stop()
	for {
		if routers := routersOf(ml.Members()); len(routers) > 0 {
			return routers, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrNoRouterInMesh, ctx.Err())
		case <-ticker.C:
		}
	}
}

func routersOf(nodes []*memberlist.Node) []RouterInfo {
	var routers []RouterInfo
	for _, node := range nodes {
		info, ok := decodeBeaconMeta(node.Meta)
		if !ok {
			continue
		}
		info.Node = node.Name
		routers = append(routers, info)
	}
	slices.SortFunc(routers, func(a, b RouterInfo) int {
		return strings.Compare(a.Node, b.Node)
	})
	return routers
}

func encodeBeaconMeta(network, addr string) []byte {
	var b []byte
	b = protowire.AppendTag(b, beaconMetaNetwork, protowire.BytesType)
	b = protowire.AppendString(b, network)
	b = protowire.AppendTag(b, beaconMetaAddr, protowire.BytesType)
	b = protowire.AppendString(b, addr)
	return b
}

func decodeBeaconMeta(b []byte) (RouterInfo, bool) {
	var info RouterInfo
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || typ != protowire.BytesType {
			return info, false
		}
		b = b[n:]

		val, n := protowire.ConsumeString(b)
		if n < 0 {
			return info, false
		}
		b = b[n:]

		switch num {
		case beaconMetaNetwork:
			info.Network = val
		case beaconMetaAddr:
			info.Addr = val
		}
	}
	return info, info.Network != "" && info.Addr != ""
}

func isLoopback(hostPort string) bool {
	return strings.HasPrefix(hostPort, "127.") || strings.HasPrefix(hostPort, "localhost")
}

// armonLabels translates our labels for memberlist, which still emits
// through armon/go-metrics.
func armonLabels(labels []metrics.Label) []armonmetrics.Label {
	translated := make([]armonmetrics.Label, 0, len(labels))
	for _, label := range labels {
		translated = append(translated, armonmetrics.Label{Name: label.Name, Value: label.Value})
	}
	return translated
}
