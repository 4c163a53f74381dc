package rendezvous

import (
	"slices"
	"strings"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/raskyld/rendezvous/pkg/wire"
)

// ConnectionState tells whether a handle is bound to a live provider.
type ConnectionState uint8

const (
	StateUnknown ConnectionState = iota
	// StatePending handles are registered but have no live counterpart.
	StatePending
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

type ProviderEntry struct {
	Address wire.ServiceAddress
	State   ConnectionState
}

type ConsumerEntry struct {
	// Address is the consumer's own identity.
	Address wire.ServiceAddress
	// Bound is the service pair the consumer wants to talk to.
	Bound wire.ServicePair
	State ConnectionState
}

// ConnectionEntries are the directory entries owned by one connection.
type ConnectionEntries struct {
	Providers []ProviderEntry
	Consumers []ConsumerEntry
}

func (e ConnectionEntries) Len() int {
	return len(e.Providers) + len(e.Consumers)
}

// serviceDirectory maps service pairs and consumer handles to the state of
// their binding.
//
// It is NOT thread-safe: the dispatcher goroutine is its only user. The
// invariants it keeps after every mutating call are:
//
//   - at most one Connected provider per service pair;
//   - a consumer is Connected iff a Connected provider holds its bound pair.
type serviceDirectory struct {
	providers map[wire.ServicePair]*ProviderEntry

	// consumers preserves registration order so fan-outs are deterministic.
	consumers  []*ConsumerEntry
	byInstance map[wire.InstanceKey]*ConsumerEntry

	// index holds the Connected pairs keyed by "service/role" for prefix
	// scans.
	index *iradix.Tree
}

func newServiceDirectory() *serviceDirectory {
	return &serviceDirectory{
		providers:  make(map[wire.ServicePair]*ProviderEntry),
		byInstance: make(map[wire.InstanceKey]*ConsumerEntry),
		index:      iradix.New(),
	}
}

func sameInstance(a, b wire.ServiceAddress) bool {
	return a.Instance() == b.Instance()
}

// register binds a consumer to a service pair. It is idempotent: the
// existing entry is returned untouched if the consumer is already known.
func (dir *serviceDirectory) register(consumer wire.ServiceAddress, bound wire.ServicePair) ConsumerEntry {
	var snapshot *ProviderEntry
	if provider, has := dir.providers[bound]; has {
		snapshot = provider
	}
	entry, _ := dir.registerWithSnapshot(consumer, bound, snapshot)
	return entry
}

// registerWithSnapshot is `register` evaluating the state of the new entry
// from the given provider snapshot, which the caller MUST have read from
// this directory during the current dispatch step. created is false when
// the consumer was already known, bound and snapshot being ignored then.
func (dir *serviceDirectory) registerWithSnapshot(
	consumer wire.ServiceAddress,
	bound wire.ServicePair,
	snapshot *ProviderEntry,
) (entry ConsumerEntry, created bool) {
	key := consumer.Instance()
	if existing, has := dir.byInstance[key]; has {
		return *existing, false
	}

	added := &ConsumerEntry{
		Address: consumer,
		Bound:   bound,
		State:   StatePending,
	}
	if snapshot != nil && snapshot.State == StateConnected && snapshot.Address.Pair() == bound {
		added.State = StateConnected
	}

	dir.consumers = append(dir.consumers, added)
	dir.byInstance[key] = added
	return *added, true
}

// unregister removes a consumer and returns what it was.
func (dir *serviceDirectory) unregister(consumer wire.ServiceAddress) (ConsumerEntry, bool) {
	key := consumer.Instance()
	entry, has := dir.byInstance[key]
	if !has {
		return ConsumerEntry{}, false
	}

	delete(dir.byInstance, key)
	dir.consumers = slices.DeleteFunc(dir.consumers, func(c *ConsumerEntry) bool {
		return c == entry
	})
	return *entry, true
}

// providerAvailable marks the provider Connected and binds every Pending
// consumer of its pair. It returns the consumers which changed state, and
// ErrProviderConflict, without changing anything, if another instance
// already holds the pair.
//
// Announcing the same instance twice is a no-op.
func (dir *serviceDirectory) providerAvailable(provider wire.ServiceAddress) ([]ConsumerEntry, error) {
	pair := provider.Pair()
	if current, has := dir.providers[pair]; has && current.State == StateConnected {
		if sameInstance(current.Address, provider) {
			return nil, nil
		}
		return nil, ErrProviderConflict
	}

	dir.providers[pair] = &ProviderEntry{
		Address: provider,
		State:   StateConnected,
	}
	dir.index, _, _ = dir.index.Insert([]byte(indexKey(pair)), pair)

	var changed []ConsumerEntry
	for _, consumer := range dir.consumers {
		if consumer.Bound == pair && consumer.State != StateConnected {
			consumer.State = StateConnected
			changed = append(changed, *consumer)
		}
	}
	return changed, nil
}

// providerUnavailable clears the provider entry and moves the consumers it
// served back to Pending, which are returned. Only the instance holding the
// pair can withdraw it.
func (dir *serviceDirectory) providerUnavailable(provider wire.ServiceAddress) []ConsumerEntry {
	if _, removed := dir.unregisterProvider(provider); !removed {
		return nil
	}

	pair := provider.Pair()
	var changed []ConsumerEntry
	for _, consumer := range dir.consumers {
		if consumer.Bound == pair && consumer.State == StateConnected {
			consumer.State = StatePending
			changed = append(changed, *consumer)
		}
	}
	return changed
}

// unregisterProvider drops the provider entry without touching the
// consumers. It does nothing unless provider is the instance holding the
// pair.
func (dir *serviceDirectory) unregisterProvider(provider wire.ServiceAddress) (ProviderEntry, bool) {
	pair := provider.Pair()
	current, has := dir.providers[pair]
	if !has || !sameInstance(current.Address, provider) {
		return ProviderEntry{}, false
	}

	delete(dir.providers, pair)
	dir.index, _, _ = dir.index.Delete([]byte(indexKey(pair)))
	return *current, true
}

// provider returns the entry holding pair.
func (dir *serviceDirectory) provider(pair wire.ServicePair) (ProviderEntry, bool) {
	entry, has := dir.providers[pair]
	if !has {
		return ProviderEntry{}, false
	}
	return *entry, true
}

// isProvider is true when addr is the very instance holding its pair.
func (dir *serviceDirectory) isProvider(addr wire.ServiceAddress) bool {
	entry, has := dir.providers[addr.Pair()]
	return has && sameInstance(entry.Address, addr)
}

// findProvider resolves the connection serving pair.
func (dir *serviceDirectory) findProvider(pair wire.ServicePair) (wire.Cookie, bool) {
	entry, has := dir.providers[pair]
	if !has || entry.State != StateConnected {
		return wire.NoCookie, false
	}
	return entry.Address.Cookie, true
}

// findConsumer resolves a consumer handle, for replies.
func (dir *serviceDirectory) findConsumer(instance wire.InstanceKey) (ConsumerEntry, bool) {
	entry, has := dir.byInstance[instance]
	if !has {
		return ConsumerEntry{}, false
	}
	return *entry, true
}

// boundConsumers returns the Connected consumers of pair, in registration
// order.
func (dir *serviceDirectory) boundConsumers(pair wire.ServicePair) []ConsumerEntry {
	var bound []ConsumerEntry
	for _, consumer := range dir.consumers {
		if consumer.Bound == pair && consumer.State == StateConnected {
			bound = append(bound, *consumer)
		}
	}
	return bound
}

// lookupByConnection returns every entry whose address is tied to cookie.
// Providers are sorted by pair, consumers keep registration order.
func (dir *serviceDirectory) lookupByConnection(cookie wire.Cookie) ConnectionEntries {
	var entries ConnectionEntries
	for _, provider := range dir.providers {
		if provider.Address.Cookie == cookie {
			entries.Providers = append(entries.Providers, *provider)
		}
	}
	slices.SortFunc(entries.Providers, func(a, b ProviderEntry) int {
		return strings.Compare(indexKey(a.Address.Pair()), indexKey(b.Address.Pair()))
	})

	for _, consumer := range dir.consumers {
		if consumer.Address.Cookie == cookie {
			entries.Consumers = append(entries.Consumers, *consumer)
		}
	}
	return entries
}

// scan lists the Connected pairs whose "service/role" key starts with
// prefix, in lexicographic order.
func (dir *serviceDirectory) scan(prefix string) []wire.ServicePair {
	var found []wire.ServicePair
	dir.index.Root().WalkPrefix([]byte(prefix), func(_ []byte, v interface{}) bool {
		found = append(found, v.(wire.ServicePair))
		return false
	})
	return found
}

func (dir *serviceDirectory) providerCount() int {
	return len(dir.providers)
}

func (dir *serviceDirectory) consumerCount() int {
	return len(dir.consumers)
}

func indexKey(pair wire.ServicePair) string {
	return pair.String()
}
