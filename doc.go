// Package rendezvous is a router letting independent processes discover and
// call each other's named services.
//
// A process offering a service connects to the `Router` and registers a
// *provider* handle under a service and a role name. A process wanting that
// service registers a *consumer* handle bound to the same pair. The router
// keeps a directory of who provides what, forwards consumer traffic to the
// right provider and tells every bound consumer when its provider comes and
// goes. When a connection drops, everything it registered is cleaned up.
//
// ## How it works
//
// Every connection is served by two goroutines: a *receive* stage decoding
// frames and a *send* stage draining an outbound queue into the socket.
// Between them sits a single *dispatch* goroutine, the only one to ever
// touch the directory, so the directory needs no lock and messages from one
// connection are applied in the order they were received.
//
// Outbound queues are bounded. The dispatcher never waits for a peer: a
// peer whose queue overflows is disconnected and its pending messages are
// reported to the `FailureHandler`.
//
// Processes talk to the router over TCP or over QUIC, see `pkg/client` for
// the client side and `pkg/wire` for the frame format.
//
// ## Guarantees
//
// Delivery is at-most-once per connection: nothing is persisted nor
// replayed. Matching is done on exact service and role names, there is no
// content-based filtering.
//
// At most one provider is connected per pair at any time, a second process
// trying to provide the same pair is rejected until the first one leaves.
package rendezvous
