package client

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/raskyld/rendezvous/pkg/wire"
)

// Status of the provider a consumer is bound to.
type Status int

const (
	// StatusPending means no provider is connected, calls fail with a
	// `RemoteError` until one registers.
	StatusPending Status = iota
	StatusAvailable
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAvailable:
		return "available"
	default:
		return "unknown"
	}
}

// Event emitted by the provider of a consumer.
type Event struct {
	Method  uint32
	Payload []byte
}

// Consumer is the handle through which the client calls a service pair.
type Consumer struct {
	client *Client
	addr   wire.ServiceAddress
	logger *slog.Logger

	callSeq atomic.Uint64

	lk      sync.Mutex
	pending map[uint64]chan wire.Message
	status  Status
	// changed is closed and replaced on every status change.
	changed chan struct{}

	events       chan Event
	availability chan Status

	closeOnce sync.Once
	doneCh    chan struct{}
}

func (co *Consumer) Address() wire.ServiceAddress {
	return co.addr
}

// Status is the last status the router reported.
func (co *Consumer) Status() Status {
	co.lk.Lock()
	defer co.lk.Unlock()
	return co.status
}

// Availability yields the latest status each time it changes. A reader
// falling behind only sees the most recent one.
func (co *Consumer) Availability() <-chan Status {
	return co.availability
}

// Events yields the events of the provider. When the reader falls behind
// and the buffer is full, new events are dropped. The channel is never
// closed, select on `Client.Done` as well.
func (co *Consumer) Events() <-chan Event {
	return co.events
}

// WaitAvailable blocks until the provider is connected.
func (co *Consumer) WaitAvailable(ctx context.Context) error {
	for {
		co.lk.Lock()
		if co.status == StatusAvailable {
			co.lk.Unlock()
			return nil
		}
		changed := co.changed
		co.lk.Unlock()

		select {
		case <-changed:
		case <-co.doneCh:
			return ErrHandleClosed
		case <-co.client.closeCh:
			return co.client.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Call sends a request and waits for its response. A provider failing the
// request, or a router unable to deliver it, yields a `*RemoteError`.
func (co *Consumer) Call(ctx context.Context, method uint32, payload []byte) ([]byte, error) {
	if co.closed() {
		return nil, ErrHandleClosed
	}

	seq := co.callSeq.Add(1)
	replyCh := make(chan wire.Message, 1)
	co.lk.Lock()
	co.pending[seq] = replyCh
	co.lk.Unlock()
	defer func() {
		co.lk.Lock()
		delete(co.pending, seq)
		co.lk.Unlock()
	}()

	err := co.client.send(ctx, wire.Message{
		Source:     co.addr,
		Target:     co.target(),
		ID:         wire.NewID(wire.KindRequest, method),
		SequenceNr: seq,
		Payload:    wire.NewPayload(payload),
	})
	if err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		if reply.ID.Kind() == wire.KindError {
			return nil, &RemoteError{Method: method, Reason: string(reply.Payload.Bytes())}
		}
		return reply.Payload.Bytes(), nil
	case <-co.doneCh:
		return nil, ErrHandleClosed
	case <-co.client.closeCh:
		return nil, co.client.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send is a call without reply. Nothing tells the sender whether it was
// delivered.
func (co *Consumer) Send(ctx context.Context, method uint32, payload []byte) error {
	if co.closed() {
		return ErrHandleClosed
	}
	return co.client.send(ctx, wire.Message{
		Source:  co.addr,
		Target:  co.target(),
		ID:      wire.NewID(wire.KindOneWay, method),
		Payload: wire.NewPayload(payload),
	})
}

// Close unregisters the consumer, pending calls return ErrHandleClosed.
func (co *Consumer) Close() error {
	var err error
	co.closeOnce.Do(func() {
		close(co.doneCh)
		co.client.forgetConsumer(co)
		err = co.client.send(context.Background(), wire.Control(wire.IDUnregister, co.addr, co.target()))
	})
	return err
}

func (co *Consumer) target() wire.ServiceAddress {
	return wire.NewAddress(co.addr.ServiceName, co.addr.RoleName)
}

func (co *Consumer) closed() bool {
	select {
	case <-co.doneCh:
		return true
	default:
		return false
	}
}

func (co *Consumer) setStatus(status Status) {
	co.lk.Lock()
	if co.status == status {
		co.lk.Unlock()
		return
	}
	co.status = status
	close(co.changed)
	co.changed = make(chan struct{})
	co.lk.Unlock()

	co.logger.Debug("provider status changed", "status", status.String())

	// only the read loop sends, so the buffer has room once drained.
	select {
	case <-co.availability:
	default:
	}
	select {
	case co.availability <- status:
	default:
	}
}

func (co *Consumer) resolve(msg wire.Message) {
	co.lk.Lock()
	replyCh, has := co.pending[msg.SequenceNr]
	delete(co.pending, msg.SequenceNr)
	co.lk.Unlock()

	if !has {
		co.logger.Debug("dropping a reply nobody waits for", "seq", msg.SequenceNr)
		return
	}
	replyCh <- msg
}

func (co *Consumer) event(msg wire.Message) {
	select {
	case co.events <- Event{Method: msg.ID.Method(), Payload: msg.Payload.Bytes()}:
	default:
		co.logger.Warn("dropping event, the reader is too slow", "method", msg.ID.Method())
	}
}
