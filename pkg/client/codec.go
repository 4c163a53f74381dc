package client

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"
)

// Codec turns typed values into payloads and back.
type Codec[T any] interface {
	Encode(msg T) ([]byte, error)
	Decode(payload []byte) (T, error)
}

// BytesCodec passes payloads through.
type BytesCodec struct{}

func (BytesCodec) Encode(msg []byte) ([]byte, error) {
	return msg, nil
}

func (BytesCodec) Decode(payload []byte) ([]byte, error) {
	return payload, nil
}

// JsonCodec encodes Msg, which must be a pointer type, as JSON.
type JsonCodec[Msg any] struct {
	allocator func() Msg
}

func NewJsonCodec[Msg any]() JsonCodec[Msg] {
	t := reflect.TypeFor[Msg]()
	if t.Kind() != reflect.Ptr {
		panic("it makes no sense to try to unmarshal into a non-pointer")
	}

	return JsonCodec[Msg]{
		allocator: func() Msg {
			return reflect.New(t.Elem()).Interface().(Msg)
		},
	}
}

func (codec JsonCodec[Msg]) Encode(msg Msg) ([]byte, error) {
	return json.Marshal(msg)
}

func (codec JsonCodec[Msg]) Decode(payload []byte) (Msg, error) {
	result := codec.allocator()
	if err := json.Unmarshal(payload, result); err != nil {
		return result, fmt.Errorf("%w: %w", ErrUnexpectedFormat, err)
	}
	return result, nil
}

// ProtoCodec encodes protobuf messages in their binary form.
type ProtoCodec[Msg proto.Message] struct{}

func (ProtoCodec[Msg]) Encode(msg Msg) ([]byte, error) {
	return proto.Marshal(msg)
}

func (ProtoCodec[Msg]) Decode(payload []byte) (Msg, error) {
	var allocated Msg
	allocated = allocated.ProtoReflect().New().Interface().(Msg)
	if err := proto.Unmarshal(payload, allocated); err != nil {
		return allocated, fmt.Errorf("%w: %w", ErrUnexpectedFormat, err)
	}
	return allocated, nil
}

// CallWith is `Consumer.Call` with typed request and response.
func CallWith[Req, Resp any](
	ctx context.Context,
	co *Consumer,
	method uint32,
	req Req,
	reqCodec Codec[Req],
	respCodec Codec[Resp],
) (Resp, error) {
	var zero Resp
	payload, err := reqCodec.Encode(req)
	if err != nil {
		return zero, err
	}

	reply, err := co.Call(ctx, method, payload)
	if err != nil {
		return zero, err
	}
	return respCodec.Decode(reply)
}

// ReplyWith is `Provider.Reply` with a typed response.
func ReplyWith[Resp any](
	ctx context.Context,
	p *Provider,
	req *Request,
	resp Resp,
	codec Codec[Resp],
) error {
	payload, err := codec.Encode(resp)
	if err != nil {
		return err
	}
	return p.Reply(ctx, req, payload)
}
