package rendezvous

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func TestBeacon_Meta(t *testing.T) {
	info, ok := decodeBeaconMeta(encodeBeaconMeta(NetworkQUIC, "10.0.0.1:6174"))
	require.True(t, ok)
	require.Equal(t, RouterInfo{Network: NetworkQUIC, Addr: "10.0.0.1:6174"}, info)

	_, ok = decodeBeaconMeta(nil)
	require.False(t, ok, "nodes without metadata are not routers")

	_, ok = decodeBeaconMeta([]byte{0x0A, 0x10, 'x'})
	require.False(t, ok, "truncated metadata must be ignored")
}

func TestBeacon_DiscoverRouters(t *testing.T) {
	first := startRouter(t,
		WithRouterID("router-a"),
		WithBeacon(BeaconConfig{BindAddr: "127.0.0.1"}),
	)
	second := startRouter(t,
		WithRouterID("router-b"),
		WithBeacon(BeaconConfig{
			BindAddr: "127.0.0.1",
			Seeds:    []string{first.BeaconAddr()},
		}),
		WithMetricLabels([]metrics.Label{{Name: "zone", Value: "test"}}),
	)
	require.NotEmpty(t, second.BeaconAddr())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var routers []RouterInfo
	require.Eventually(t, func() bool {
		var err error
		routers, err = DiscoverRouters(ctx, []string{first.BeaconAddr()}, testLogHandler())
		return err == nil && len(routers) == 2
	}, 10*time.Second, 100*time.Millisecond)

	require.Equal(t, []RouterInfo{
		{Node: "router-a", Network: NetworkTCP, Addr: first.Addr().String()},
		{Node: "router-b", Network: NetworkTCP, Addr: second.Addr().String()},
	}, routers)
}

func TestBeacon_NoRouter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := DiscoverRouters(ctx, []string{"127.0.0.1:1"}, testLogHandler())
	require.ErrorIs(t, err, ErrBeaconJoin)

	require.Empty(t, startRouter(t).BeaconAddr())
}
