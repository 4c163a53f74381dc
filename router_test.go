package rendezvous

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/rendezvous/pkg/client"
	"github.com/raskyld/rendezvous/pkg/wire"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
		return nil
	}
	return key
}

func generateCert(t *testing.T, tmpl *x509.Certificate, parent *x509.Certificate, pub *ecdsa.PublicKey, signer *ecdsa.PrivateKey) []byte {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl.SerialNumber = serialNumber
	tmpl.NotBefore = time.Now()
	tmpl.NotAfter = time.Now().Add(1 * time.Hour)
	tmpl.IPAddresses = []net.IP{{127, 0, 0, 1}}
	tmpl.BasicConstraintsValid = true
	if parent == nil {
		parent = tmpl
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	if err != nil {
		t.Fatalf("failed to generate certificate %s: %s", tmpl.Subject.CommonName, err)
		return nil
	}
	return certDER
}

// testTLSConfigs returns mutually authenticated configs for the router and
// its clients, both signed by the same self-signed CA.
func testTLSConfigs(t *testing.T) (router, client *tls.Config) {
	caKey := generateKeyPair(t)
	caDER := generateCert(t, &x509.Certificate{
		Subject:  pkix.Name{CommonName: "self-signed"},
		KeyUsage: x509.KeyUsageCertSign,
		IsCA:     true,
	}, nil, &caKey.PublicKey, caKey)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	caPool := x509.NewCertPool()
	caPool.AddCert(ca)

	leaf := func(cn string) tls.Certificate {
		key := generateKeyPair(t)
		der := generateCert(t, &x509.Certificate{
			Subject:     pkix.Name{CommonName: cn},
			KeyUsage:    x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
			ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		}, ca, &key.PublicKey, caKey)
		parsed, err := x509.ParseCertificate(der)
		require.NoError(t, err)
		return tls.Certificate{
			Certificate: [][]byte{der},
			Leaf:        parsed,
			PrivateKey:  key,
		}
	}

	router = &tls.Config{
		Certificates: []tls.Certificate{leaf("router")},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caPool,
		RootCAs:      caPool,
	}
	client = &tls.Config{
		Certificates: []tls.Certificate{leaf("client")},
		RootCAs:      caPool,
	}
	return router, client
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// startRouter serves a router in the background until the test ends.
func startRouter(t *testing.T, opts ...Option) *Router {
	opts = append([]Option{
		WithListenOn(NetworkTCP, "127.0.0.1:0"),
		WithLog(testLogHandler()),
		WithMetricSink(metrics.NewInmemSink(time.Second, time.Minute)),
	}, opts...)

	r, err := Create(opts...)
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() {
		served <- r.Serve(context.Background())
	}()
	t.Cleanup(func() {
		require.NoError(t, r.Shutdown())
		// Serve may not have started before the test ended.
		if err := <-served; err != nil {
			require.ErrorIs(t, err, ErrRouterClosed)
		}
	})
	return r
}

type dialer func(t *testing.T) *client.Client

func tcpDialer(r *Router) dialer {
	return func(t *testing.T) *client.Client {
		c, err := client.Dial(testContext(t), "tcp", r.Addr().String(), client.WithLog(testLogHandler()))
		require.NoError(t, err)
		t.Cleanup(func() { c.Close() })
		return c
	}
}

// greet answers every request of p with "hello " followed by its payload.
func greet(t *testing.T, p *client.Provider) {
	go func() {
		for {
			req, err := p.Accept(context.Background())
			if err != nil {
				return
			}
			if req.OneWay {
				continue
			}
			err = p.Reply(context.Background(), req, append([]byte("hello "), req.Payload...))
			if err != nil {
				t.Logf("reply failed: %s", err)
			}
		}
	}()
}

func waitStatus(t *testing.T, co *client.Consumer, want client.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return co.Status() == want
	}, 5*time.Second, 10*time.Millisecond)
}

func testConsumerBeforeProvider(t *testing.T, dial dialer) {
	consumerSide := dial(t)
	providerSide := dial(t)

	co, err := consumerSide.Consume(testContext(t), "org.example.Greeter", "main")
	require.NoError(t, err)
	require.Equal(t, client.StatusPending, co.Status())

	// no provider yet, the router answers in its place.
	_, err = co.Call(testContext(t), 1, []byte("world"))
	var remote *client.RemoteError
	require.ErrorAs(t, err, &remote)

	p, err := providerSide.Provide(testContext(t), "org.example.Greeter", "main")
	require.NoError(t, err)
	greet(t, p)

	require.NoError(t, co.WaitAvailable(testContext(t)))
	reply, err := co.Call(testContext(t), 1, []byte("world"))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(reply))

	require.NoError(t, p.Emit(testContext(t), 7, []byte("tick")))
	select {
	case ev := <-co.Events():
		require.Equal(t, uint32(7), ev.Method)
		require.Equal(t, "tick", string(ev.Payload))
	case <-testContext(t).Done():
		t.Fatal("event not received")
	}

	// losing the provider connection turns the consumer back to pending.
	require.NoError(t, providerSide.Close())
	waitStatus(t, co, client.StatusPending)
}

func testProviderBeforeConsumer(t *testing.T, dial dialer) {
	providerSide := dial(t)
	consumerSide := dial(t)

	p, err := providerSide.Provide(testContext(t), "org.example.Greeter", "main")
	require.NoError(t, err)
	greet(t, p)

	var consumers []*client.Consumer
	for range 3 {
		co, err := consumerSide.Consume(testContext(t), "org.example.Greeter", "main")
		require.NoError(t, err)
		require.NoError(t, co.WaitAvailable(testContext(t)))
		consumers = append(consumers, co)
	}

	for i, co := range consumers {
		reply, err := co.Call(testContext(t), 1, []byte{'a' + byte(i)})
		require.NoError(t, err)
		require.Equal(t, "hello "+string([]byte{'a' + byte(i)}), string(reply))
	}

	require.NoError(t, p.Emit(testContext(t), 1, []byte("broadcast")))
	for _, co := range consumers {
		select {
		case ev := <-co.Events():
			require.Equal(t, "broadcast", string(ev.Payload))
		case <-testContext(t).Done():
			t.Fatal("event not received")
		}
	}

	// a second provider for the same pair is refused.
	other := dial(t)
	_, err = other.Provide(testContext(t), "org.example.Greeter", "main")
	require.ErrorIs(t, err, client.ErrRejected)

	// withdrawing the provider frees the pair.
	require.NoError(t, p.Close())
	for _, co := range consumers {
		waitStatus(t, co, client.StatusPending)
	}
	p2, err := other.Provide(testContext(t), "org.example.Greeter", "main")
	require.NoError(t, err)
	greet(t, p2)
	for _, co := range consumers {
		require.NoError(t, co.WaitAvailable(testContext(t)))
	}
}

func TestRouter_TCP(t *testing.T) {
	t.Run("consumer before provider", func(t *testing.T) {
		r := startRouter(t)
		testConsumerBeforeProvider(t, tcpDialer(r))
	})
	t.Run("provider before consumer", func(t *testing.T) {
		r := startRouter(t)
		testProviderBeforeConsumer(t, tcpDialer(r))
	})
}

func TestRouter_QUIC(t *testing.T) {
	routerTLS, clientTLS := testTLSConfigs(t)
	quicDialer := func(r *Router) dialer {
		return func(t *testing.T) *client.Client {
			c, err := client.Dial(
				testContext(t),
				"quic",
				r.Addr().String(),
				client.WithTlsConfig(clientTLS),
				client.WithLog(testLogHandler()),
			)
			require.NoError(t, err)
			t.Cleanup(func() { c.Close() })
			return c
		}
	}

	t.Run("consumer before provider", func(t *testing.T) {
		r := startRouter(t, WithListenOn(NetworkQUIC, "127.0.0.1:0"), WithTlsConfig(routerTLS))
		testConsumerBeforeProvider(t, quicDialer(r))
	})
	t.Run("provider before consumer", func(t *testing.T) {
		r := startRouter(t, WithListenOn(NetworkQUIC, "127.0.0.1:0"), WithTlsConfig(routerTLS))
		testProviderBeforeConsumer(t, quicDialer(r))
	})
}

func TestRouter_Services(t *testing.T) {
	r := startRouter(t)
	dial := tcpDialer(r)
	c := dial(t)

	for _, pair := range []wire.ServicePair{
		{Service: "org.example.Greeter", Role: "main"},
		{Service: "org.example.Greeter", Role: "backup"},
		{Service: "org.example.Clock", Role: "utc"},
	} {
		_, err := c.Provide(testContext(t), pair.Service, pair.Role)
		require.NoError(t, err)
	}

	pairs, err := r.Services(testContext(t), "org.example.Greeter/")
	require.NoError(t, err)
	require.Equal(t, []wire.ServicePair{
		{Service: "org.example.Greeter", Role: "backup"},
		{Service: "org.example.Greeter", Role: "main"},
	}, pairs)

	pairs, err = r.Services(testContext(t), "")
	require.NoError(t, err)
	require.Len(t, pairs, 3)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		pairs, err := r.Services(testContext(t), "")
		return err == nil && len(pairs) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRouter_MaxConnections(t *testing.T) {
	r := startRouter(t, WithMaxConnections(1))
	dial := tcpDialer(r)

	first := dial(t)
	_, err := first.Provide(testContext(t), "org.example.Greeter", "main")
	require.NoError(t, err)

	second := dial(t)
	select {
	case <-second.Done():
		require.ErrorIs(t, second.Err(), client.ErrRouterGone)
	case <-testContext(t).Done():
		t.Fatal("connection over the limit was not closed")
	}

	// the first one is unaffected.
	_, err = first.Provide(testContext(t), "org.example.Clock", "utc")
	require.NoError(t, err)
}

func TestRouter_MalformedFrameClosesConnection(t *testing.T) {
	handler := &MockFailureHandler{}
	handler.On("FailedReceiveMessage", mock.Anything).Return().Once()
	r := startRouter(t, WithFailureHandler(handler))

	conn, err := net.Dial("tcp", r.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// a frame too short to hold two addresses.
	_, err = conn.Write([]byte{4, 0, 0, 0, 1, 2, 3, 4})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	// EOF or reset, depending on what the router had left unread.
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)
	handler.AssertExpectations(t)
}

func TestRouter_Shutdown(t *testing.T) {
	r, err := Create(
		WithListenOn(NetworkTCP, "127.0.0.1:0"),
		WithLog(testLogHandler()),
	)
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() {
		served <- r.Serve(context.Background())
	}()

	c, err := client.Dial(testContext(t), "tcp", r.Addr().String(), client.WithLog(testLogHandler()))
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Provide(testContext(t), "org.example.Greeter", "main")
	require.NoError(t, err)

	require.NoError(t, r.Shutdown())
	require.NoError(t, <-served)
	require.NoError(t, r.Shutdown())

	select {
	case <-c.Done():
		require.ErrorIs(t, c.Err(), client.ErrRouterGone)
	case <-testContext(t).Done():
		t.Fatal("client not disconnected by the shutdown")
	}

	require.ErrorIs(t, r.Serve(context.Background()), ErrRouterClosed)
	_, err = r.Services(testContext(t), "")
	require.ErrorIs(t, err, ErrRouterClosed)
}

func TestRouter_ServeStopsWithContext(t *testing.T) {
	r, err := Create(
		WithListenOn(NetworkTCP, "127.0.0.1:0"),
		WithLog(testLogHandler()),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- r.Serve(ctx)
	}()

	require.Eventually(t, func() bool {
		_, err := r.Services(testContext(t), "")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, r.Serve(ctx), ErrRouterServing)

	cancel()
	require.NoError(t, <-served)
}

func TestRouter_InvalidOptions(t *testing.T) {
	_, err := Create(WithListenOn("udp", ""))
	require.ErrorIs(t, err, ErrInvalidCfg)
	require.ErrorIs(t, err, ErrUnknownNetwork)

	_, err = Create(WithListenOn(NetworkQUIC, "127.0.0.1:0"))
	require.ErrorIs(t, err, ErrInvalidCfg)
	require.ErrorIs(t, err, ErrNoTLSConfig)

	_, err = Create(WithOutboundQueueDepth(-1))
	require.ErrorIs(t, err, ErrInvalidCfg)
}
