package rendezvous

import (
	"math/rand/v2"
	"testing"

	"github.com/raskyld/rendezvous/pkg/wire"
	"github.com/stretchr/testify/require"
)

func addr(service, role string, cookie wire.Cookie, seq uint64) wire.ServiceAddress {
	return wire.ServiceAddress{
		ServiceName: service,
		RoleName:    role,
		Cookie:      cookie,
		SequenceNr:  seq,
	}
}

func pair(service, role string) wire.ServicePair {
	return wire.ServicePair{Service: service, Role: role}
}

// requireDirectoryInvariants checks the two properties every mutating call
// must preserve.
func requireDirectoryInvariants(t *testing.T, dir *serviceDirectory) {
	t.Helper()

	connected := make(map[wire.ServicePair]int)
	for p, entry := range dir.providers {
		require.Equal(t, p, entry.Address.Pair(), "provider indexed under the wrong pair")
		if entry.State == StateConnected {
			connected[p]++
		}
	}
	for p, count := range connected {
		require.LessOrEqual(t, count, 1, "%s has more than one connected provider", p)
	}

	require.Len(t, dir.byInstance, len(dir.consumers), "consumer indexes diverged")
	for _, consumer := range dir.consumers {
		_, providerUp := connected[consumer.Bound]
		require.Equal(
			t,
			providerUp,
			consumer.State == StateConnected,
			"consumer %s is %s while its provider connected=%t",
			consumer.Address, consumer.State, providerUp,
		)
	}

	require.Equal(t, len(connected), dir.index.Len(), "prefix index out of sync")
}

func TestServiceDirectory_ConsumerBeforeProvider(t *testing.T) {
	dir := newServiceDirectory()
	ping := pair("ping", "server")

	c1 := dir.register(addr("ping", "client", 1, 1), ping)
	c2 := dir.register(addr("ping", "client", 2, 1), ping)
	require.Equal(t, StatePending, c1.State)
	require.Equal(t, StatePending, c2.State)
	requireDirectoryInvariants(t, dir)

	provider := addr("ping", "server", 3, 1)
	changed, err := dir.providerAvailable(provider)
	require.NoError(t, err)
	require.Len(t, changed, 2, "both pending consumers should be connected")
	require.Equal(t, c1.Address, changed[0].Address, "registration order must be kept")
	require.Equal(t, c2.Address, changed[1].Address)
	requireDirectoryInvariants(t, dir)

	changed, err = dir.providerAvailable(provider)
	require.NoError(t, err)
	require.Empty(t, changed, "re-announcing is idempotent")
	requireDirectoryInvariants(t, dir)

	cookie, found := dir.findProvider(ping)
	require.True(t, found)
	require.Equal(t, wire.Cookie(3), cookie)
}

func TestServiceDirectory_ProviderBeforeConsumer(t *testing.T) {
	dir := newServiceDirectory()
	provider := addr("ping", "server", 1, 1)

	_, err := dir.providerAvailable(provider)
	require.NoError(t, err)

	entry := dir.register(addr("ping", "client", 2, 7), provider.Pair())
	require.Equal(t, StateConnected, entry.State)
	requireDirectoryInvariants(t, dir)

	again := dir.register(addr("ping", "client", 2, 7), pair("other", "server"))
	require.Equal(t, entry, again, "registering twice returns the existing entry")
	require.Equal(t, 1, dir.consumerCount())
}

func TestServiceDirectory_RegisterWithSnapshot(t *testing.T) {
	dir := newServiceDirectory()
	ping := pair("ping", "server")

	stale := &ProviderEntry{Address: addr("ping", "server", 9, 1), State: StatePending}
	entry, created := dir.registerWithSnapshot(addr("ping", "client", 1, 1), ping, stale)
	require.True(t, created)
	require.Equal(t, StatePending, entry.State, "a pending snapshot binds nothing")

	_, err := dir.providerAvailable(addr("ping", "server", 2, 1))
	require.NoError(t, err)

	snapshot, has := dir.provider(ping)
	require.True(t, has)
	entry, created = dir.registerWithSnapshot(addr("ping", "client", 3, 1), ping, &snapshot)
	require.True(t, created)
	require.Equal(t, StateConnected, entry.State)

	again, created := dir.registerWithSnapshot(addr("ping", "client", 3, 1), pair("nope", "server"), nil)
	require.False(t, created, "a known consumer is not registered twice")
	require.Equal(t, entry, again)

	foreign := &ProviderEntry{Address: addr("pong", "server", 2, 1), State: StateConnected}
	entry, _ = dir.registerWithSnapshot(addr("ping", "client", 4, 1), pair("nope", "server"), foreign)
	require.Equal(t, StatePending, entry.State, "a snapshot of another pair binds nothing")
}

func TestServiceDirectory_ProviderUnavailable(t *testing.T) {
	dir := newServiceDirectory()
	provider := addr("ping", "server", 1, 1)
	_, err := dir.providerAvailable(provider)
	require.NoError(t, err)

	for cookie := wire.Cookie(2); cookie < 5; cookie++ {
		dir.register(addr("ping", "client", cookie, 1), provider.Pair())
	}
	dir.register(addr("pong", "client", 5, 1), pair("pong", "server"))

	changed := dir.providerUnavailable(addr("never", "registered", 1, 1))
	require.Empty(t, changed, "withdrawing an unknown provider is a no-op")

	changed = dir.providerUnavailable(addr("ping", "server", 42, 1))
	require.Empty(t, changed, "only the owner can withdraw a pair")
	_, found := dir.findProvider(provider.Pair())
	require.True(t, found)

	changed = dir.providerUnavailable(provider)
	require.Len(t, changed, 3)
	for _, consumer := range changed {
		require.Equal(t, StatePending, consumer.State)
	}
	requireDirectoryInvariants(t, dir)

	_, found = dir.findProvider(provider.Pair())
	require.False(t, found)
	require.Empty(t, dir.providerUnavailable(provider), "second withdrawal changes nothing")
}

func TestServiceDirectory_ProviderConflict(t *testing.T) {
	dir := newServiceDirectory()
	first := addr("ping", "server", 1, 1)
	second := addr("ping", "server", 2, 1)

	_, err := dir.providerAvailable(first)
	require.NoError(t, err)

	changed, err := dir.providerAvailable(second)
	require.ErrorIs(t, err, ErrProviderConflict)
	require.Empty(t, changed)

	entry, has := dir.provider(first.Pair())
	require.True(t, has)
	require.Equal(t, first, entry.Address, "the first provider keeps the pair")
	require.Equal(t, StateConnected, entry.State)
	requireDirectoryInvariants(t, dir)

	// once the first one leaves, the pair is up for grabs.
	dir.providerUnavailable(first)
	_, err = dir.providerAvailable(second)
	require.NoError(t, err)
	requireDirectoryInvariants(t, dir)
}

func TestServiceDirectory_LookupByConnection(t *testing.T) {
	dir := newServiceDirectory()
	conns := newConnTable()

	_, err := dir.providerAvailable(addr("b", "server", 1, 1))
	require.NoError(t, err)
	_, err = dir.providerAvailable(addr("a", "server", 1, 2))
	require.NoError(t, err)
	_, err = dir.providerAvailable(addr("c", "server", 2, 1))
	require.NoError(t, err)
	dir.register(addr("c", "client", 1, 3), pair("c", "server"))
	dir.register(addr("a", "client", 2, 2), pair("a", "server"))

	entries := dir.lookupByConnection(1)
	require.Len(t, entries.Providers, 2)
	require.Equal(t, "a", entries.Providers[0].Address.ServiceName, "providers are sorted")
	require.Equal(t, "b", entries.Providers[1].Address.ServiceName)
	require.Len(t, entries.Consumers, 1)
	require.Equal(t, addr("c", "client", 1, 3), entries.Consumers[0].Address)

	require.Zero(t, dir.lookupByConnection(3).Len())

	// a table slot for cookie 1 so closeAndRemove has something to close.
	c := conns.add(newPipeConn(t), 4, testLogger())
	require.Equal(t, wire.Cookie(1), c.cookie)

	removed, ok := conns.closeAndRemove(c.cookie, dir, func(snapshot ConnectionEntries) {
		require.True(t, c.isClosed(), "the socket is closed before the cleanup")
		_, has := conns.get(c.cookie)
		require.True(t, has, "the slot is released after the cleanup")

		for _, provider := range snapshot.Providers {
			dir.providerUnavailable(provider.Address)
		}
		for _, consumer := range snapshot.Consumers {
			dir.unregister(consumer.Address)
		}
	})
	require.True(t, ok)
	require.Equal(t, entries, removed)
	_, has := conns.get(c.cookie)
	require.False(t, has)

	require.Zero(t, dir.lookupByConnection(1).Len())
	_, ok = conns.closeAndRemove(c.cookie, dir, nil)
	require.False(t, ok, "second close is a no-op")
	requireDirectoryInvariants(t, dir)
}

func TestServiceDirectory_Scan(t *testing.T) {
	dir := newServiceDirectory()
	for i, p := range []wire.ServicePair{
		pair("billing", "invoices"),
		pair("billing", "payments"),
		pair("bill", "board"),
		pair("auth", "tokens"),
	} {
		_, err := dir.providerAvailable(addr(p.Service, p.Role, wire.Cookie(i+1), 1))
		require.NoError(t, err)
	}

	require.Equal(t, []wire.ServicePair{
		pair("billing", "invoices"),
		pair("billing", "payments"),
	}, dir.scan("billing/"))
	require.Len(t, dir.scan("bill"), 3)
	require.Len(t, dir.scan(""), 4)
	require.Empty(t, dir.scan("zzz"))

	dir.providerUnavailable(addr("billing", "payments", 2, 1))
	require.Equal(t, []wire.ServicePair{pair("billing", "invoices")}, dir.scan("billing/"))
}

func TestServiceDirectory_Unregister(t *testing.T) {
	dir := newServiceDirectory()
	c := addr("ping", "client", 1, 1)
	dir.register(c, pair("ping", "server"))

	entry, removed := dir.unregister(c)
	require.True(t, removed)
	require.Equal(t, c, entry.Address)

	_, removed = dir.unregister(c)
	require.False(t, removed)
	require.Zero(t, dir.consumerCount())

	provider := addr("ping", "server", 2, 1)
	_, err := dir.providerAvailable(provider)
	require.NoError(t, err)
	_, removed = dir.unregisterProvider(addr("ping", "server", 2, 2))
	require.False(t, removed, "another handle of the same connection does not own the pair")
	_, removed = dir.unregisterProvider(provider)
	require.True(t, removed)
	require.Zero(t, dir.providerCount())
}

// TestServiceDirectory_RandomOperations runs long random sequences of
// operations, checking the invariants after each of them.
func TestServiceDirectory_RandomOperations(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	services := []string{"a", "b", "c"}
	roles := []string{"x", "y"}

	for run := 0; run < 20; run++ {
		dir := newServiceDirectory()
		for step := 0; step < 500; step++ {
			service := services[rng.IntN(len(services))]
			role := roles[rng.IntN(len(roles))]
			cookie := wire.Cookie(rng.IntN(4) + 1)
			seq := uint64(rng.IntN(3))
			a := addr(service, role, cookie, seq)

			switch rng.IntN(5) {
			case 0:
				dir.register(a, pair(services[rng.IntN(len(services))], roles[rng.IntN(len(roles))]))
			case 1:
				dir.unregister(a)
			case 2:
				pending := 0
				for _, consumer := range dir.consumers {
					if consumer.Bound == a.Pair() && consumer.State == StatePending {
						pending++
					}
				}
				changed, err := dir.providerAvailable(a)
				if err == nil {
					require.Len(t, changed, pending)
				} else {
					require.ErrorIs(t, err, ErrProviderConflict)
					require.Empty(t, changed)
				}
			case 3:
				owner := dir.isProvider(a)
				bound := len(dir.boundConsumers(a.Pair()))
				changed := dir.providerUnavailable(a)
				if owner {
					require.Len(t, changed, bound)
				} else {
					require.Empty(t, changed)
				}
			case 4:
				entries := dir.lookupByConnection(cookie)
				for _, provider := range entries.Providers {
					require.Equal(t, cookie, provider.Address.Cookie)
					dir.providerUnavailable(provider.Address)
				}
				for _, consumer := range entries.Consumers {
					require.Equal(t, cookie, consumer.Address.Cookie)
					dir.unregister(consumer.Address)
				}
				require.Zero(t, dir.lookupByConnection(cookie).Len())
			}
			requireDirectoryInvariants(t, dir)
		}
	}
}
