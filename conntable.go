package rendezvous

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raskyld/rendezvous/pkg/wire"
)

// Conn is a reliable, ordered byte stream to one process.
//
// Both `*net.TCPConn` and the QUIC streams produced by `ListenQUIC` satisfy
// it.
type Conn interface {
	io.ReadWriteCloser
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
}

// connection is the router side of a connected process.
type connection struct {
	cookie wire.Cookie
	conn   Conn
	logger *slog.Logger

	// outCh is the outbound queue drained by the send stage.
	outCh chan wire.Message
	// closeCh is closed once the connection is torn down.
	closeCh chan struct{}

	// lk orders enqueues with close so nothing lands in outCh once the
	// send stage started draining it.
	lk     sync.Mutex
	closed bool
}

// enqueue never blocks: a full queue is reported with ErrQueueFull.
func (c *connection) enqueue(msg wire.Message) error {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.closed {
		return ErrConnClosed
	}

	select {
	case c.outCh <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// close tears the socket down. Only the first call does anything, and
// reports true.
func (c *connection) close() bool {
	c.lk.Lock()
	if c.closed {
		c.lk.Unlock()
		return false
	}
	c.closed = true
	close(c.closeCh)
	c.lk.Unlock()

	if err := c.conn.Close(); err != nil {
		c.logger.Debug("error closing connection", LabelError.L(err))
	}
	return true
}

func (c *connection) isClosed() bool {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.closed
}

// connTable maps cookies to live connections.
//
// Lookups are safe from any goroutine, but only the dispatcher removes
// entries, see `closeAndRemove`.
type connTable struct {
	// last cookie handed out, 0 is never used.
	last atomic.Uint64

	lk    sync.RWMutex
	conns map[wire.Cookie]*connection
}

func newConnTable() *connTable {
	return &connTable{
		conns: make(map[wire.Cookie]*connection),
	}
}

// add registers conn under a fresh cookie.
func (t *connTable) add(conn Conn, queueDepth int, logger *slog.Logger) *connection {
	cookie := wire.Cookie(t.last.Add(1))
	c := &connection{
		cookie:  cookie,
		conn:    conn,
		logger:  logger.With(LabelCookie.L(uint64(cookie)), LabelPeerAddr.L(conn.RemoteAddr().String())),
		outCh:   make(chan wire.Message, queueDepth),
		closeCh: make(chan struct{}),
	}

	t.lk.Lock()
	t.conns[cookie] = c
	t.lk.Unlock()
	return c
}

func (t *connTable) get(cookie wire.Cookie) (*connection, bool) {
	t.lk.RLock()
	defer t.lk.RUnlock()
	c, has := t.conns[cookie]
	return c, has
}

// isAlive is true while the connection is registered and its socket open.
func (t *connTable) isAlive(cookie wire.Cookie) bool {
	c, has := t.get(cookie)
	return has && !c.isClosed()
}

func (t *connTable) len() int {
	t.lk.RLock()
	defer t.lk.RUnlock()
	return len(t.conns)
}

// closeAndRemove snapshots the directory entries owned by cookie, closes
// the socket, runs cleanup with the snapshot, then releases the slot. The
// slot outlives the cleanup so the cookie stays known, though dead, while
// the directory is being cleaned.
//
// MUST be called from the dispatcher goroutine since it reads dir.
func (t *connTable) closeAndRemove(
	cookie wire.Cookie,
	dir *serviceDirectory,
	cleanup func(ConnectionEntries),
) (ConnectionEntries, bool) {
	c, has := t.get(cookie)
	if !has {
		return ConnectionEntries{}, false
	}

	entries := dir.lookupByConnection(cookie)
	c.close()
	if cleanup != nil {
		cleanup(entries)
	}

	t.lk.Lock()
	delete(t.conns, cookie)
	t.lk.Unlock()
	return entries, true
}

// closeAll closes every socket without releasing the slots.
func (t *connTable) closeAll() {
	t.lk.RLock()
	conns := make([]*connection, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.lk.RUnlock()

	for _, c := range conns {
		c.close()
	}
}
