package rendezvous

import (
	"bufio"
	"errors"
	"io"
	"net"

	"github.com/raskyld/rendezvous/pkg/wire"
)

const receiveBufferSize = 64 << 10

// receive decodes the frames of one connection and hands them to the
// dispatcher, in order. It never touches the directory.
func (r *Router) receive(c *connection) {
	defer r.wg.Done()

	reader := bufio.NewReaderSize(c.conn, receiveBufferSize)
	mLabels := withLabels(r.cfg.metricLabels, LabelNetwork.M(r.cfg.network))

	for {
		body, err := wire.ReadFrame(reader, r.cfg.maxFrameSize)
		var msg wire.Message
		if err == nil {
			msg, err = wire.DecodeBody(body)
		}
		if err != nil {
			closedErr := r.classifyReadError(c, err)
			if closedErr.Cause == ClosedByMalformedFrame {
				r.handler.FailedReceiveMessage(c.cookie)
			}
			r.post(connClosed{cookie: c.cookie, err: closedErr})
			return
		}

		r.msink.IncrCounterWithLabels(MetricFrameInBytes, float32(len(body)), mLabels)

		// The router is the only authority on which connection a message
		// comes from.
		msg.Source = msg.Source.WithCookie(c.cookie)
		r.handler.ProcessReceivedMessage(msg, msg.Source, c.cookie)
		if !r.post(inbound{cookie: c.cookie, msg: msg}) {
			return
		}
	}
}

func (r *Router) classifyReadError(c *connection, err error) *ClosedError {
	switch {
	case errors.Is(err, wire.ErrMalformedFrame),
		errors.Is(err, wire.ErrFrameTooLarge),
		errors.Is(err, wire.ErrPayloadTooLarge):
		c.logger.Warn("closing connection after a malformed frame", LabelError.L(err))
		return &ClosedError{Cause: ClosedByMalformedFrame, Err: err}
	case c.isClosed(), errors.Is(err, net.ErrClosed):
		// we closed it ourselves, the dispatcher already knows.
		return &ClosedError{Cause: ClosedByShutdown}
	case errors.Is(err, io.EOF):
		return &ClosedError{Cause: ClosedByPeer}
	default:
		c.logger.Debug("read error", LabelError.L(err))
		return &ClosedError{Cause: ClosedByReadError, Err: err}
	}
}

// post hands ev to the dispatcher, unless the router is shutting down.
func (r *Router) post(ev event) bool {
	select {
	case r.dispatch.events <- ev:
		return true
	case <-r.shutdownCh:
		return false
	}
}
