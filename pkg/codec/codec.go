// Package codec defines the per-type wire codec contract. Codecs are pure
// and stateless: Encode must succeed for any well-formed in-memory value,
// Decode fails on malformed, truncated or version-mismatched payloads and
// that failure is isolated to the one payload being decoded.
package codec

import "encoding/json"

type Codec[T any] interface {
	Encode(value T) ([]byte, error)
	Decode(payload []byte) (T, error)
}

// JSONCodec is the default codec: it handles any value encoding/json can
// marshal, with no schema or codegen step. Hand-rolled binary codecs plug
// in through Funcs.
type JSONCodec[T any] struct{}

func JSON[T any]() JSONCodec[T] {
	return JSONCodec[T]{}
}

func (JSONCodec[T]) Encode(value T) ([]byte, error) {
	return json.Marshal(value)
}

func (JSONCodec[T]) Decode(payload []byte) (T, error) {
	var value T
	if err := json.Unmarshal(payload, &value); err != nil {
		var zero T
		return zero, err
	}
	return value, nil
}

// FuncCodec adapts a pair of functions into a Codec, for message types that
// carry their own binary serializers.
type FuncCodec[T any] struct {
	EncodeFn func(T) ([]byte, error)
	DecodeFn func([]byte) (T, error)
}

func Funcs[T any](encode func(T) ([]byte, error), decode func([]byte) (T, error)) FuncCodec[T] {
	return FuncCodec[T]{EncodeFn: encode, DecodeFn: decode}
}

func (c FuncCodec[T]) Encode(value T) ([]byte, error) {
	return c.EncodeFn(value)
}

func (c FuncCodec[T]) Decode(payload []byte) (T, error) {
	return c.DecodeFn(payload)
}
