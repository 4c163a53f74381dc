package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/rendezvous/pkg/wire"
)

// event is anything the dispatcher reacts to.
type event interface {
	isEvent()
}

// inbound is a message decoded by a receive stage.
type inbound struct {
	cookie wire.Cookie
	msg    wire.Message
}

// connClosed is posted by the receive and send stages when the connection
// broke on their side.
type connClosed struct {
	cookie wire.Cookie
	err    *ClosedError
}

// servicesQuery asks for the provided pairs matching a prefix.
type servicesQuery struct {
	prefix string
	result chan<- []wire.ServicePair
}

func (inbound) isEvent()       {}
func (connClosed) isEvent()    {}
func (servicesQuery) isEvent() {}

// dispatcher routes messages between connections and is the only owner of
// the service directory.
type dispatcher struct {
	dir     *serviceDirectory
	conns   *connTable
	handler FailureHandler
	logger  *slog.Logger
	msink   metrics.MetricSink
	labels  []metrics.Label

	events chan event

	// doomed are the connections to tear down once the current event is
	// fully handled, so a fan-out never sees the directory change under it.
	doomed []connClosed
}

func newDispatcher(
	conns *connTable,
	handler FailureHandler,
	logger *slog.Logger,
	msink metrics.MetricSink,
	labels []metrics.Label,
	depth int,
) *dispatcher {
	return &dispatcher{
		dir:     newServiceDirectory(),
		conns:   conns,
		handler: handler,
		logger:  logger,
		msink:   msink,
		labels:  labels,
		events:  make(chan event, depth),
	}
}

func (d *dispatcher) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-d.events:
			d.handle(ev)
		}
	}
}

// handle applies one event then every teardown it caused.
func (d *dispatcher) handle(ev event) {
	switch ev := ev.(type) {
	case inbound:
		d.handleInbound(ev.cookie, ev.msg)
	case connClosed:
		d.teardown(ev)
	case servicesQuery:
		ev.result <- d.dir.scan(ev.prefix)
	}

	for len(d.doomed) > 0 {
		next := d.doomed[0]
		d.doomed = d.doomed[1:]
		d.teardown(next)
	}

	d.msink.SetGaugeWithLabels(MetricProviders, float32(d.dir.providerCount()), d.labels)
	d.msink.SetGaugeWithLabels(MetricConsumers, float32(d.dir.consumerCount()), d.labels)
	d.msink.SetGaugeWithLabels(MetricDispatchQueueDepth, float32(len(d.events)), d.labels)
}

func (d *dispatcher) handleInbound(cookie wire.Cookie, msg wire.Message) {
	// Frames still queued from a connection we already tore down must not
	// resurrect its entries.
	if !d.conns.isAlive(cookie) {
		return
	}

	if msg.ID.IsControl() {
		d.handleControl(cookie, msg)
		return
	}

	switch msg.ID.Kind() {
	case wire.KindRequest, wire.KindOneWay:
		d.routeToProvider(msg)
	case wire.KindResponse, wire.KindError:
		d.routeToConsumer(msg)
	case wire.KindEvent:
		d.fanOutEvent(msg)
	default:
		d.logger.Debug("unknown message kind", LabelMessage.L(msg))
		d.handler.FailedProcessMessage(msg)
	}
}

func (d *dispatcher) handleControl(cookie wire.Cookie, msg wire.Message) {
	switch msg.ID {
	case wire.IDRegisterProvider:
		d.registerProvider(cookie, msg)
	case wire.IDRegisterConsumer:
		d.registerConsumer(msg)
	case wire.IDUnregister:
		d.unregister(msg)
	default:
		d.logger.Debug(
			"control message not expected from a client",
			LabelError.L(fmt.Errorf("%w: %s", ErrUnexpectedCtrl, msg.ID)),
			LabelCookie.L(uint64(cookie)),
		)
		d.handler.FailedProcessMessage(msg)
	}
}

func (d *dispatcher) registerProvider(cookie wire.Cookie, msg wire.Message) {
	provider := msg.Source
	logger := d.logger.With(LabelAddress.L(provider))

	if err := provider.Validate(); err != nil {
		logger.Info("provider registration rejected", LabelError.L(err))
		d.reject(cookie, msg, err)
		return
	}

	changed, err := d.dir.providerAvailable(provider)
	if err != nil {
		logger.Warn("provider registration rejected", LabelError.L(err))
		d.msink.IncrCounterWithLabels(
			MetricProviderConflictCount,
			1.0,
			withLabels(d.labels, LabelService.M(provider.Pair().String())),
		)
		d.reject(cookie, msg, err)
		return
	}

	logger.Info("provider available", LabelCount.L(len(changed)))
	d.notify(wire.Control(wire.IDProviderAccepted, provider, provider))
	for _, consumer := range changed {
		d.notify(wire.Control(wire.IDProviderAvailable, provider, consumer.Address))
	}
}

// reject surfaces a refused registration to the provider that asked.
func (d *dispatcher) reject(cookie wire.Cookie, msg wire.Message, reason error) {
	d.handler.FailedProcessMessage(msg)

	rejection := wire.Control(wire.IDProviderRejected, msg.Source, msg.Source)
	rejection.SequenceNr = msg.SequenceNr
	rejection.Payload = wire.NewPayload([]byte(reason.Error()))
	if err := d.deliver(cookie, rejection); err != nil {
		d.undeliverable(rejection, err)
	}
}

func (d *dispatcher) registerConsumer(msg wire.Message) {
	consumer := msg.Source
	bound := msg.Target.Pair()
	logger := d.logger.With(LabelAddress.L(consumer), LabelService.L(bound.String()))

	if err := consumer.Validate(); err != nil {
		logger.Info("consumer registration rejected", LabelError.L(err))
		d.handler.FailedProcessMessage(msg)
		return
	}
	if err := msg.Target.Validate(); err != nil {
		logger.Info("consumer registration rejected", LabelError.L(err))
		d.handler.FailedProcessMessage(msg)
		return
	}

	var snapshot *ProviderEntry
	if provider, has := d.dir.provider(bound); has {
		snapshot = &provider
	}

	entry, created := d.dir.registerWithSnapshot(consumer, bound, snapshot)
	if !created {
		// already registered, its notifications were sent the first time.
		logger.Debug("consumer already registered", "state", entry.State)
		return
	}

	logger.Debug("consumer registered", "state", entry.State)
	if entry.State != StateConnected {
		return
	}
	provider, has := d.dir.provider(entry.Bound)
	if !has {
		return
	}
	d.notify(wire.Control(wire.IDProviderAvailable, provider.Address, entry.Address))
}

func (d *dispatcher) unregister(msg wire.Message) {
	addr := msg.Source
	if d.dir.isProvider(addr) {
		d.withdrawProvider(addr, wire.NoCookie)
		return
	}

	if _, removed := d.dir.unregister(addr); removed {
		d.logger.Debug("consumer unregistered", LabelAddress.L(addr))
		return
	}
	d.logger.Debug("unregister of an unknown handle", LabelAddress.L(addr))
}

// withdrawProvider marks the provider unavailable and tells the consumers it
// served, except the ones living on skip.
func (d *dispatcher) withdrawProvider(provider wire.ServiceAddress, skip wire.Cookie) {
	changed := d.dir.providerUnavailable(provider)
	d.logger.Info("provider unavailable", LabelAddress.L(provider), LabelCount.L(len(changed)))
	for _, consumer := range changed {
		if consumer.Address.Cookie == skip {
			continue
		}
		d.notify(wire.Control(wire.IDProviderUnavailable, provider, consumer.Address))
	}
}

func (d *dispatcher) routeToProvider(msg wire.Message) {
	provider, has := d.dir.provider(msg.Target.Pair())
	if !has || provider.State != StateConnected {
		d.undeliverable(msg, ErrUnknownTarget)
		return
	}

	msg.Target = provider.Address
	if err := d.deliver(provider.Address.Cookie, msg); err != nil {
		d.undeliverable(msg, err)
		return
	}
	d.routed(msg)
}

func (d *dispatcher) routeToConsumer(msg wire.Message) {
	consumer, has := d.dir.findConsumer(msg.Target.Instance())
	if !has {
		d.undeliverable(msg, ErrUnknownTarget)
		return
	}

	if err := d.deliver(consumer.Address.Cookie, msg); err != nil {
		d.undeliverable(msg, err)
		return
	}
	d.routed(msg)
}

// fanOutEvent copies an event to every consumer bound to the emitting
// provider, all copies sharing one payload.
func (d *dispatcher) fanOutEvent(msg wire.Message) {
	if !d.dir.isProvider(msg.Source) {
		d.logger.Debug("event emitted by a handle which is not a provider", LabelAddress.L(msg.Source))
		d.handler.FailedProcessMessage(msg)
		return
	}

	for _, consumer := range d.dir.boundConsumers(msg.Source.Pair()) {
		copied := msg.Share()
		copied.Target = consumer.Address
		if err := d.deliver(consumer.Address.Cookie, copied); err != nil {
			d.undeliverable(copied, err)
			continue
		}
		d.routed(copied)
	}
}

// notify queues a control message for the connection of its target.
func (d *dispatcher) notify(msg wire.Message) {
	if err := d.deliver(msg.Target.Cookie, msg); err != nil {
		d.undeliverable(msg, err)
		return
	}
	d.msink.IncrCounterWithLabels(
		MetricNotificationCount,
		1.0,
		withLabels(d.labels, LabelMessage.M(msg.ID.String())),
	)
}

// deliver queues msg on the connection identified by cookie. An overflowing
// queue dooms the connection and the message is reported as a failed send.
func (d *dispatcher) deliver(cookie wire.Cookie, msg wire.Message) error {
	c, has := d.conns.get(cookie)
	if !has {
		return ErrUnknownTarget
	}

	err := c.enqueue(msg)
	if errors.Is(err, ErrQueueFull) {
		d.handler.FailedSendMessage(msg)
		d.doom(cookie, &ClosedError{Cause: ClosedBySlowPeer, Err: err})
	}
	return err
}

// undeliverable reports msg and, when its sender waits for a reply, answers
// with an error in place of the target.
func (d *dispatcher) undeliverable(msg wire.Message, reason error) {
	d.logger.Debug("message undeliverable", LabelMessage.L(msg), LabelError.L(reason))
	if !errors.Is(reason, ErrQueueFull) {
		d.handler.FailedProcessMessage(msg)
	}

	if !msg.ID.ExpectsReply() {
		return
	}
	reply := wire.ErrorReply(msg, reason.Error())
	if err := d.deliver(msg.Source.Cookie, reply); err != nil && !errors.Is(err, ErrQueueFull) {
		d.handler.FailedProcessMessage(reply)
	}
}

func (d *dispatcher) routed(msg wire.Message) {
	d.msink.IncrCounterWithLabels(
		MetricRoutedCount,
		1.0,
		withLabels(d.labels, LabelMessageKind.M(msg.ID.Kind().String())),
	)
}

func (d *dispatcher) doom(cookie wire.Cookie, err *ClosedError) {
	for _, doomed := range d.doomed {
		if doomed.cookie == cookie {
			return
		}
	}
	d.doomed = append(d.doomed, connClosed{cookie: cookie, err: err})
}

// teardown releases a connection and everything registered through it.
// Providers are withdrawn first so that the consumers of other connections
// learn about it, then consumers are dropped.
func (d *dispatcher) teardown(ev connClosed) {
	entries, has := d.conns.closeAndRemove(ev.cookie, d.dir, func(entries ConnectionEntries) {
		for _, provider := range entries.Providers {
			d.withdrawProvider(provider.Address, ev.cookie)
		}
		for _, consumer := range entries.Consumers {
			d.dir.unregister(consumer.Address)
		}
	})
	if !has {
		return
	}

	cause := ClosedByUnknown
	if ev.err != nil {
		cause = ev.err.Cause
	}
	logger := d.logger.With(LabelCookie.L(uint64(ev.cookie)), LabelCause.L(cause.String()))
	if ev.err != nil && ev.err.Err != nil {
		logger = logger.With(LabelError.L(ev.err.Err))
	}
	logger.Info("connection closed", LabelCount.L(entries.Len()))
	d.msink.IncrCounterWithLabels(
		MetricConnClosedCount,
		1.0,
		withLabels(d.labels, LabelCause.M(cause.String())),
	)
	d.msink.SetGaugeWithLabels(MetricConnActive, float32(d.conns.len()), d.labels)
}
