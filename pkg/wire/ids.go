package wire

import "fmt"

// MessageID discriminates control traffic from application traffic.
//
// The most significant byte is the [Kind], the 24 low bits carry the
// application method or attribute id, or the control operation.
type MessageID uint32

// Kind is the most significant byte of a [MessageID].
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindRequest expects a KindResponse or KindError with the same sequence.
	KindRequest
	KindResponse
	// KindOneWay is a call without reply.
	KindOneWay
	// KindEvent is emitted by a provider and fanned out to its consumers.
	KindEvent
	KindError
	KindControl Kind = 0xFF
)

// MaxMethod is the largest method id an application message can carry.
const MaxMethod = 1<<24 - 1

const (
	IDRegisterProvider MessageID = MessageID(KindControl)<<24 | (iota + 1)
	IDRegisterConsumer
	IDUnregister
	IDProviderAvailable
	IDProviderUnavailable
	IDProviderAccepted
	IDProviderRejected
)

// NewID builds an application message id.
func NewID(kind Kind, method uint32) MessageID {
	return MessageID(kind)<<24 | MessageID(method&MaxMethod)
}

func (id MessageID) Kind() Kind {
	return Kind(id >> 24)
}

func (id MessageID) Method() uint32 {
	return uint32(id) & MaxMethod
}

func (id MessageID) IsControl() bool {
	return id.Kind() == KindControl
}

// ExpectsReply is true for requests, the only messages whose sender waits.
func (id MessageID) ExpectsReply() bool {
	return id.Kind() == KindRequest
}

func (id MessageID) String() string {
	switch id {
	case IDRegisterProvider:
		return "register-provider"
	case IDRegisterConsumer:
		return "register-consumer"
	case IDUnregister:
		return "unregister"
	case IDProviderAvailable:
		return "provider-available"
	case IDProviderUnavailable:
		return "provider-unavailable"
	case IDProviderAccepted:
		return "provider-accepted"
	case IDProviderRejected:
		return "provider-rejected"
	}
	return fmt.Sprintf("%s(%d)", id.Kind(), id.Method())
}

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindOneWay:
		return "oneway"
	case KindEvent:
		return "event"
	case KindError:
		return "error"
	case KindControl:
		return "control"
	default:
		return "unknown"
	}
}
