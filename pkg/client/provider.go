package client

import (
	"context"
	"sync"

	"github.com/raskyld/rendezvous/pkg/wire"
)

// Request is a call received by a provider.
type Request struct {
	Method  uint32
	Payload []byte
	// OneWay requests must not be answered.
	OneWay bool
	// From is the consumer which sent the request.
	From wire.ServiceAddress

	msg wire.Message
}

// Provider is the handle of a service pair this client provides.
type Provider struct {
	client *Client
	addr   wire.ServiceAddress

	inbox chan *Request
	ackCh chan wire.Message

	closeOnce sync.Once
	doneCh    chan struct{}
}

func (p *Provider) Address() wire.ServiceAddress {
	return p.addr
}

// Accept waits for the next request sent to the provider.
func (p *Provider) Accept(ctx context.Context) (*Request, error) {
	select {
	case req := <-p.inbox:
		return req, nil
	case <-p.doneCh:
		return nil, ErrHandleClosed
	case <-p.client.closeCh:
		return nil, p.client.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reply answers req with payload.
func (p *Provider) Reply(ctx context.Context, req *Request, payload []byte) error {
	if req.OneWay {
		return ErrNoReplyExpected
	}
	if p.closed() {
		return ErrHandleClosed
	}
	return p.client.send(ctx, wire.Reply(req.msg, payload))
}

// Fail answers req with an error, the caller gets a `RemoteError` carrying
// reason.
func (p *Provider) Fail(ctx context.Context, req *Request, reason string) error {
	if req.OneWay {
		return ErrNoReplyExpected
	}
	if p.closed() {
		return ErrHandleClosed
	}
	return p.client.send(ctx, wire.ErrorReply(req.msg, reason))
}

// Emit sends an event to every consumer bound to the provider.
func (p *Provider) Emit(ctx context.Context, method uint32, payload []byte) error {
	if p.closed() {
		return ErrHandleClosed
	}
	return p.client.send(ctx, wire.Message{
		Source:  p.addr,
		Target:  p.addr,
		ID:      wire.NewID(wire.KindEvent, method),
		Payload: wire.NewPayload(payload),
	})
}

// Close withdraws the provider, its consumers are told it is unavailable.
func (p *Provider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.doneCh)
		p.client.forgetProvider(p)
		err = p.client.send(context.Background(), wire.Control(wire.IDUnregister, p.addr, p.addr))
	})
	return err
}

func (p *Provider) closed() bool {
	select {
	case <-p.doneCh:
		return true
	default:
		return false
	}
}

func (p *Provider) acknowledge(msg wire.Message) {
	select {
	case p.ackCh <- msg:
	default:
	}
}

// deliver blocks the read loop while the inbox is full, which in turn
// fills the outbound queue the router keeps for this client.
func (p *Provider) deliver(msg wire.Message) {
	req := &Request{
		Method:  msg.ID.Method(),
		Payload: msg.Payload.Bytes(),
		OneWay:  msg.ID.Kind() == wire.KindOneWay,
		From:    msg.Source,
		msg:     msg,
	}

	select {
	case p.inbox <- req:
	case <-p.doneCh:
	case <-p.client.closeCh:
	}
}
