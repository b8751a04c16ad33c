// Package codec provides value codecs for the storage engine. Msgpack is the
// general-purpose default; Fixed supports constant-width encodings for the
// fixed record framing.
package codec

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dunghc/chronostore/series"
)

// Msgpack encodes values with msgpack. Decode failures are reported as
// corrupt values so inspectors can distinguish schema drift from I/O faults.
type Msgpack[V any] struct{}

func (Msgpack[V]) Marshal(v V) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (Msgpack[V]) Unmarshal(data []byte) (V, error) {
	var v V
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", series.ErrCorruptValue, err)
	}
	return v, nil
}

// Fixed wraps caller-supplied constant-width encode/decode functions.
// Every encoded value is exactly Size bytes.
type Fixed[V any] struct {
	Size   int
	Encode func(v V, buf []byte) error
	Decode func(buf []byte) (V, error)
}

func (f Fixed[V]) Marshal(v V) ([]byte, error) {
	buf := make([]byte, f.Size)
	if err := f.Encode(v, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (f Fixed[V]) Unmarshal(data []byte) (V, error) {
	var zero V
	if len(data) != f.Size {
		return zero, fmt.Errorf("%w: fixed codec expects %d bytes, got %d",
			series.ErrCorruptValue, f.Size, len(data))
	}
	return f.Decode(data)
}

var _ series.Codec[int] = Msgpack[int]{}
var _ series.Codec[int] = Fixed[int]{}
