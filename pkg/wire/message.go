package wire

import "log/slog"

// Message is the unit routed between connections.
type Message struct {
	Source     ServiceAddress
	Target     ServiceAddress
	ID         MessageID
	SequenceNr uint64
	Payload    Payload
}

// Share returns a copy of m whose payload is shared with m.
func (m *Message) Share() Message {
	shared := *m
	shared.Payload = m.Payload.Share()
	return shared
}

func (m Message) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("source", m.Source),
		slog.Any("target", m.Target),
		slog.String("id", m.ID.String()),
		slog.Uint64("seq", m.SequenceNr),
		slog.Int("payload_bytes", m.Payload.Len()),
	)
}

// Control builds a control message.
func Control(id MessageID, source, target ServiceAddress) Message {
	return Message{
		Source: source,
		Target: target,
		ID:     id,
	}
}

// ErrorReply builds the error response a requester receives when its
// request could not be delivered or failed.
func ErrorReply(req Message, reason string) Message {
	return Message{
		Source:     req.Target,
		Target:     req.Source,
		ID:         NewID(KindError, req.ID.Method()),
		SequenceNr: req.SequenceNr,
		Payload:    NewPayload([]byte(reason)),
	}
}

// Reply builds the response to req.
func Reply(req Message, payload []byte) Message {
	return Message{
		Source:     req.Target,
		Target:     req.Source,
		ID:         NewID(KindResponse, req.ID.Method()),
		SequenceNr: req.SequenceNr,
		Payload:    NewPayload(payload),
	}
}
