package rendezvous

import (
	"bufio"
	"time"

	"github.com/raskyld/rendezvous/pkg/wire"
)

const sendBufferSize = 64 << 10

// send drains the outbound queue of one connection into its socket.
//
// Frames are buffered and flushed once the queue is empty. Messages sitting
// in the buffer are only considered sent after a successful flush.
func (r *Router) send(c *connection) {
	defer r.wg.Done()

	writer := bufio.NewWriterSize(c.conn, sendBufferSize)
	mLabels := withLabels(r.cfg.metricLabels, LabelNetwork.M(r.cfg.network))

	var (
		frame     []byte
		unflushed []wire.Message
		err       error
	)

	for {
		select {
		case <-c.closeCh:
			r.failQueued(c, unflushed)
			return
		case msg := <-c.outCh:
			frame, err = wire.AppendFrame(frame[:0], &msg)
			if err != nil {
				// not worth a teardown, the peer never saw it.
				c.logger.Warn("could not encode message", LabelError.L(err), LabelMessage.L(msg))
				r.handler.FailedSendMessage(msg)
				continue
			}

			if err = r.write(c, writer, frame); err != nil {
				r.abortSend(c, append(unflushed, msg), err)
				return
			}
			unflushed = append(unflushed, msg)
			r.msink.IncrCounterWithLabels(MetricFrameOutBytes, float32(len(frame)), mLabels)

			if len(c.outCh) > 0 {
				continue
			}
			if err = r.flush(c, writer); err != nil {
				r.abortSend(c, unflushed, err)
				return
			}
			clear(unflushed)
			unflushed = unflushed[:0]
		}
	}
}

func (r *Router) write(c *connection, writer *bufio.Writer, frame []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(r.cfg.writeTimeout)); err != nil {
		return err
	}
	_, err := writer.Write(frame)
	return err
}

func (r *Router) flush(c *connection, writer *bufio.Writer) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(r.cfg.writeTimeout)); err != nil {
		return err
	}
	return writer.Flush()
}

// abortSend closes the connection after a write failure, reports what
// could not be sent and lets the dispatcher clean the connection up.
func (r *Router) abortSend(c *connection, pending []wire.Message, err error) {
	if !c.close() {
		// torn down under our feet, the dispatcher already knows.
		r.failQueued(c, pending)
		return
	}

	c.logger.Warn("write failed, closing connection", LabelError.L(err))
	r.failQueued(c, pending)
	r.post(connClosed{
		cookie: c.cookie,
		err:    &ClosedError{Cause: ClosedByWriteError, Err: err},
	})
}

// failQueued reports the given messages then everything still waiting in
// the queue. The connection MUST be closed or about to be, so nothing more
// can be enqueued.
func (r *Router) failQueued(c *connection, pending []wire.Message) {
	for _, msg := range pending {
		r.handler.FailedSendMessage(msg)
	}
	for {
		select {
		case msg := <-c.outCh:
			r.handler.FailedSendMessage(msg)
		default:
			return
		}
	}
}
