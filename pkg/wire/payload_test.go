package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPayload_CopyOnWrite(t *testing.T) {
	original := NewPayload([]byte("shared"))
	require.False(t, original.Shared())

	msg := Message{Payload: original}
	copied := msg.Share()
	require.True(t, msg.Payload.Shared())
	require.True(t, copied.Payload.Shared())

	buf := copied.Payload.Mutable()
	buf[0] = 'S'
	require.False(t, copied.Payload.Shared())
	require.Equal(t, "Shared", string(copied.Payload.Bytes()))
	require.Equal(t, "shared", string(msg.Payload.Bytes()), "the other holder must not observe the write")
}

func TestPayload_ExclusiveMutatesInPlace(t *testing.T) {
	raw := []byte("mine")
	p := NewPayload(raw)
	p.Mutable()[0] = 'M'
	require.Equal(t, "Mine", string(raw))
}

func TestPayload_Resize(t *testing.T) {
	p := CopyPayload([]byte("abcdef"))
	require.NoError(t, p.Resize(3))
	require.Equal(t, "abc", string(p.Bytes()))

	shared := p.Share()
	require.NoError(t, shared.Resize(5))
	require.Equal(t, 5, shared.Len())
	require.Equal(t, "abc", string(p.Bytes()))

	require.ErrorIs(t, p.Resize(MaxPayloadSize+1), ErrPayloadTooLarge)
}

func TestAddress_Identity(t *testing.T) {
	a := ServiceAddress{ServiceName: "svc", RoleName: "role", Cookie: 1, SequenceNr: 1}
	b := ServiceAddress{ServiceName: "svc", RoleName: "role", Cookie: 2, SequenceNr: 9}

	require.True(t, a.Equal(b), "cookie and sequence do not take part in identity")
	require.Equal(t, a.Pair(), b.Pair())
	require.NotEqual(t, a.Instance(), b.Instance())
	require.False(t, a.Equal(NewAddress("svc", "other")))
}

func TestAddress_Validate(t *testing.T) {
	require.NoError(t, NewAddress("org.example.Greeter", "local:main/1").Validate())
	require.ErrorIs(t, NewAddress("", "main").Validate(), ErrNameInvalid)
	require.ErrorIs(t, NewAddress("has space", "main").Validate(), ErrNameInvalid)
}

func TestMessageID(t *testing.T) {
	id := NewID(KindRequest, 0x123456)
	require.Equal(t, KindRequest, id.Kind())
	require.Equal(t, uint32(0x123456), id.Method())
	require.True(t, id.ExpectsReply())
	require.False(t, id.IsControl())

	require.True(t, IDRegisterProvider.IsControl())
	require.NotEqual(t, IDRegisterProvider, IDRegisterConsumer)
	require.Equal(t, "provider-available", IDProviderAvailable.String())
}
