package rendezvous

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricConnAcceptedCount     = []string{"rendezvous", "connection", "accepted", "count"}
	MetricConnRejectedCount     = []string{"rendezvous", "connection", "rejected", "count"}
	MetricConnClosedCount       = []string{"rendezvous", "connection", "closed", "count"}
	MetricConnActive            = []string{"rendezvous", "connection", "active"}
	MetricFrameInBytes          = []string{"rendezvous", "frame", "in", "bytes"}
	MetricFrameInErrorCount     = []string{"rendezvous", "frame", "in", "error", "count"}
	MetricFrameOutBytes         = []string{"rendezvous", "frame", "out", "bytes"}
	MetricFrameOutErrorCount    = []string{"rendezvous", "frame", "out", "error", "count"}
	MetricRoutedCount           = []string{"rendezvous", "message", "routed", "count"}
	MetricUndeliverableCount    = []string{"rendezvous", "message", "undeliverable", "count"}
	MetricNotificationCount     = []string{"rendezvous", "notification", "count"}
	MetricProviderConflictCount = []string{"rendezvous", "provider", "conflict", "count"}
	MetricProviders             = []string{"rendezvous", "directory", "providers"}
	MetricConsumers             = []string{"rendezvous", "directory", "consumers"}
	MetricDispatchQueueDepth    = []string{"rendezvous", "dispatch", "queue", "depth"}
)

type TelemetryLabel string

var (
	LabelError       TelemetryLabel = "error"
	LabelCookie      TelemetryLabel = "cookie"
	LabelPeerAddr    TelemetryLabel = "peer_addr"
	LabelService     TelemetryLabel = "service"
	LabelAddress     TelemetryLabel = "address"
	LabelMessage     TelemetryLabel = "message"
	LabelMessageKind TelemetryLabel = "message_kind"
	LabelCause       TelemetryLabel = "cause"
	LabelCount       TelemetryLabel = "count"
	LabelNetwork     TelemetryLabel = "network"
	LabelRouterID    TelemetryLabel = "router_id"
	LabelNodeName    TelemetryLabel = "node_name"
	LabelDuration    TelemetryLabel = "duration"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// withLabels returns static labels extended with extra ones, without
// aliasing the static slice.
func withLabels(static []metrics.Label, extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(static)+len(extra))
	labels = append(labels, static...)
	return append(labels, extra...)
}
