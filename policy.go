package rendezvous

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/rendezvous/pkg/wire"
)

// FailureHandler is told about every message the router could not move
// and every message it received.
//
// Methods are called from the receive, dispatch and send goroutines
// concurrently and MUST NOT block.
type FailureHandler interface {
	// FailedSendMessage is called for a message which was routed but never
	// made it to the socket of its target.
	FailedSendMessage(msg wire.Message)
	// FailedReceiveMessage is called when a connection sent a frame the
	// router could not decode. The connection is closed right after.
	FailedReceiveMessage(cookie wire.Cookie)
	// FailedProcessMessage is called for a message which could not be
	// routed: unknown target, dead connection or rejected registration.
	FailedProcessMessage(msg wire.Message)
	// ProcessReceivedMessage is called for every decoded message, before
	// it is routed.
	ProcessReceivedMessage(msg wire.Message, source wire.ServiceAddress, cookie wire.Cookie)
}

// telemetryHandler logs failures and counts them.
type telemetryHandler struct {
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

func newTelemetryHandler(logger *slog.Logger, msink metrics.MetricSink, labels []metrics.Label) *telemetryHandler {
	return &telemetryHandler{
		logger: logger,
		msink:  msink,
		labels: labels,
	}
}

func (h *telemetryHandler) FailedSendMessage(msg wire.Message) {
	h.logger.Warn("message dropped before reaching its target", LabelMessage.L(msg))
	h.msink.IncrCounterWithLabels(
		MetricFrameOutErrorCount,
		1.0,
		withLabels(h.labels, LabelMessageKind.M(msg.ID.Kind().String())),
	)
}

func (h *telemetryHandler) FailedReceiveMessage(cookie wire.Cookie) {
	h.logger.Warn("malformed frame received", LabelCookie.L(uint64(cookie)))
	h.msink.IncrCounterWithLabels(
		MetricFrameInErrorCount,
		1.0,
		withLabels(h.labels, LabelError.M("malformed")),
	)
}

func (h *telemetryHandler) FailedProcessMessage(msg wire.Message) {
	h.logger.Info("message could not be routed", LabelMessage.L(msg))
	h.msink.IncrCounterWithLabels(
		MetricUndeliverableCount,
		1.0,
		withLabels(h.labels, LabelMessageKind.M(msg.ID.Kind().String())),
	)
}

func (h *telemetryHandler) ProcessReceivedMessage(msg wire.Message, _ wire.ServiceAddress, _ wire.Cookie) {
	h.logger.Debug("message received", LabelMessage.L(msg))
}
