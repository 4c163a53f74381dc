package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// ALPN is the application protocol negotiated on QUIC connections.
const ALPN = "rendezvous/1"

const (
	frameLengthSize = 4
	fixedAddrSize   = 8 + 8
	// a name length never takes more than two varint bytes.
	maxAddrSize = 2*(2+MaxNameLength) + fixedAddrSize
	minAddrSize = 2 + fixedAddrSize

	// MaxHeaderSize is the largest a frame can be, payload excluded.
	MaxHeaderSize = frameLengthSize + 2*maxAddrSize + 4 + 8 + 4
	minBodySize   = 2*minAddrSize + 4 + 8 + 4

	// DefaultMaxFrameSize accepts every frame carrying a legal payload.
	DefaultMaxFrameSize = MaxHeaderSize + MaxPayloadSize
)

// AppendFrame appends the length-prefixed encoding of msg to dst.
func AppendFrame(dst []byte, msg *Message) ([]byte, error) {
	if msg.Payload.Len() > MaxPayloadSize {
		return dst, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, msg.Payload.Len())
	}
	if err := checkNames(msg.Source); err != nil {
		return dst, err
	}
	if err := checkNames(msg.Target); err != nil {
		return dst, err
	}

	start := len(dst)
	dst = protowire.AppendFixed32(dst, 0)
	dst = appendAddress(dst, msg.Source)
	dst = appendAddress(dst, msg.Target)
	dst = protowire.AppendFixed32(dst, uint32(msg.ID))
	dst = protowire.AppendFixed64(dst, msg.SequenceNr)
	dst = protowire.AppendFixed32(dst, uint32(msg.Payload.Len()))
	dst = append(dst, msg.Payload.Bytes()...)

	// backfill the frame length now that we know it.
	binary.LittleEndian.PutUint32(dst[start:], uint32(len(dst)-start-frameLengthSize))
	return dst, nil
}

// EncodeFrame returns the length-prefixed encoding of msg.
func EncodeFrame(msg *Message) ([]byte, error) {
	size := MaxHeaderSize + msg.Payload.Len()
	if size > DefaultMaxFrameSize {
		size = MaxHeaderSize
	}
	return AppendFrame(make([]byte, 0, size), msg)
}

// ReadFrame reads the next frame body from r. Frames whose length exceeds
// maxFrameSize are rejected before anything is allocated.
func ReadFrame(r io.Reader, maxFrameSize int) ([]byte, error) {
	var prefix [frameLengthSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	bodyLen, _ := protowire.ConsumeFixed32(prefix[:])
	if int64(bodyLen)+frameLengthSize > int64(maxFrameSize) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, bodyLen)
	}
	if bodyLen < minBodySize {
		return nil, fmt.Errorf("%w: frame of %d bytes is too short", ErrMalformedFrame, bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// DecodeBody decodes a frame body as returned by [ReadFrame]. The decoded
// payload aliases body.
func DecodeBody(body []byte) (msg Message, err error) {
	var n int
	if msg.Source, n, err = consumeAddress(body); err != nil {
		return msg, err
	}
	body = body[n:]

	if msg.Target, n, err = consumeAddress(body); err != nil {
		return msg, err
	}
	body = body[n:]

	id, n := protowire.ConsumeFixed32(body)
	if n < 0 {
		return msg, fmt.Errorf("%w: truncated message id", ErrMalformedFrame)
	}
	msg.ID = MessageID(id)
	body = body[n:]

	msg.SequenceNr, n = protowire.ConsumeFixed64(body)
	if n < 0 {
		return msg, fmt.Errorf("%w: truncated sequence number", ErrMalformedFrame)
	}
	body = body[n:]

	payloadLen, n := protowire.ConsumeFixed32(body)
	if n < 0 {
		return msg, fmt.Errorf("%w: truncated payload length", ErrMalformedFrame)
	}
	body = body[n:]

	if payloadLen > MaxPayloadSize {
		return msg, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, payloadLen)
	}
	if int(payloadLen) != len(body) {
		return msg, fmt.Errorf(
			"%w: payload length %d does not match the %d remaining bytes",
			ErrMalformedFrame, payloadLen, len(body),
		)
	}
	if payloadLen > 0 {
		msg.Payload = NewPayload(body)
	}
	return msg, nil
}

// ReadMessage reads and decodes the next frame from r.
func ReadMessage(r io.Reader, maxFrameSize int) (Message, error) {
	body, err := ReadFrame(r, maxFrameSize)
	if err != nil {
		return Message{}, err
	}
	return DecodeBody(body)
}

func appendAddress(dst []byte, addr ServiceAddress) []byte {
	dst = protowire.AppendString(dst, addr.ServiceName)
	dst = protowire.AppendString(dst, addr.RoleName)
	dst = protowire.AppendFixed64(dst, uint64(addr.Cookie))
	return protowire.AppendFixed64(dst, addr.SequenceNr)
}

func consumeAddress(b []byte) (addr ServiceAddress, total int, err error) {
	var n int
	for _, field := range []*string{&addr.ServiceName, &addr.RoleName} {
		var raw []byte
		raw, n = protowire.ConsumeBytes(b[total:])
		if n < 0 {
			return addr, 0, fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
		}
		if len(raw) > MaxNameLength {
			return addr, 0, fmt.Errorf("%w: name of %d bytes", ErrMalformedFrame, len(raw))
		}
		*field = string(raw)
		total += n
	}

	cookie, n := protowire.ConsumeFixed64(b[total:])
	if n < 0 {
		return addr, 0, fmt.Errorf("%w: truncated address cookie", ErrMalformedFrame)
	}
	addr.Cookie = Cookie(cookie)
	total += n

	addr.SequenceNr, n = protowire.ConsumeFixed64(b[total:])
	if n < 0 {
		return addr, 0, fmt.Errorf("%w: truncated address sequence", ErrMalformedFrame)
	}
	total += n
	return addr, total, nil
}

func checkNames(addr ServiceAddress) error {
	if len(addr.ServiceName) > MaxNameLength || len(addr.RoleName) > MaxNameLength {
		return fmt.Errorf("%w: %s", ErrNameInvalid, addr)
	}
	return nil
}
