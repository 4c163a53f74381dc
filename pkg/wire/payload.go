package wire

// MaxPayloadSize bounds the payload of one message, and therefore the
// memory one frame can pin on a connection.
const MaxPayloadSize = 64 << 20

// Payload is an opaque byte buffer with copy-on-write sharing.
//
// A payload is either exclusive, in which case its owner may mutate it in
// place, or shared between several in-flight messages. [Payload.Mutable]
// clones a shared buffer before handing it out, so a writer never observes
// a concurrent mutation.
type Payload struct {
	buf    []byte
	shared bool
}

// NewPayload takes ownership of buf.
func NewPayload(buf []byte) Payload {
	return Payload{buf: buf}
}

// CopyPayload copies buf into a new exclusive payload.
func CopyPayload(buf []byte) Payload {
	if len(buf) == 0 {
		return Payload{}
	}
	cloned := make([]byte, len(buf))
	copy(cloned, buf)
	return Payload{buf: cloned}
}

// Bytes returns a read-only view of the payload.
func (p Payload) Bytes() []byte {
	return p.buf
}

func (p Payload) Len() int {
	return len(p.buf)
}

func (p Payload) Shared() bool {
	return p.shared
}

// Share marks p as shared and returns another handle on the same buffer.
func (p *Payload) Share() Payload {
	p.shared = true
	return Payload{buf: p.buf, shared: true}
}

// Mutable returns a buffer p owns exclusively, cloning it first if it is
// shared.
func (p *Payload) Mutable() []byte {
	if p.shared {
		cloned := make([]byte, len(p.buf))
		copy(cloned, p.buf)
		p.buf = cloned
		p.shared = false
	}
	return p.buf
}

// Resize grows or shrinks the payload to n bytes, following the same
// clone-before-mutate rule as [Payload.Mutable].
func (p *Payload) Resize(n int) error {
	if n < 0 || n > MaxPayloadSize {
		return ErrPayloadTooLarge
	}
	if !p.shared && n <= cap(p.buf) {
		p.buf = p.buf[:n]
		return nil
	}
	resized := make([]byte, n)
	copy(resized, p.buf)
	p.buf = resized
	p.shared = false
	return nil
}
