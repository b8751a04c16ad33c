package chunkfile

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/dunghc/chronostore/series"
)

// iterator streams values forward through the decompressed record stream.
// A malformed or truncated tail ends iteration; it is not surfaced as an
// error because a concurrent writer may simply not have flushed yet.
type iterator[V any] struct {
	codec  series.Codec[V]
	cfg    Config
	file   *os.File
	cr     io.Reader
	zdec   *zstd.Decoder
	done   bool
	closed bool
}

// OpenIterator opens a forward, single-pass cursor over the chunk file at
// path. The Config must match the one the file was written with.
func OpenIterator[V any](path string, codec series.Codec[V], cfg Config) (series.Cursor[V], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	it := &iterator[V]{codec: codec, cfg: cfg, file: file}
	switch cfg.Compression {
	case CompressionZstd:
		dec, err := zstd.NewReader(file, zstd.WithDecoderConcurrency(1))
		if err != nil {
			_ = file.Close()
			return nil, err
		}
		it.zdec = dec
		it.cr = dec
	default:
		it.cr = lz4.NewReader(file)
	}
	return it, nil
}

func (it *iterator[V]) Next() (V, error) {
	var zero V
	if it.done || it.closed {
		return zero, series.ErrNoMoreValues
	}

	var payload []byte
	switch it.cfg.Framing {
	case FramingFixed:
		payload = make([]byte, it.cfg.FixedLength)
		if err := it.readFull(payload); err != nil {
			return zero, err
		}
	default:
		var lenBuf [lengthFieldBytes]byte
		if err := it.readFull(lenBuf[:]); err != nil {
			return zero, err
		}
		length := binary.BigEndian.Uint32(lenBuf[:])
		if length == 0 || length > maxRecordSize {
			// Malformed record: stop at what we have.
			it.done = true
			return zero, series.ErrNoMoreValues
		}
		payload = make([]byte, length)
		if err := it.readFull(payload); err != nil {
			return zero, err
		}
	}

	v, err := it.codec.Unmarshal(payload)
	if err != nil {
		return zero, err
	}
	return v, nil
}

// readFull fills buf from the decompressed stream. End-of-stream, including a
// mid-record truncation, is mapped to ErrNoMoreValues; anything else is a
// fatal I/O fault.
func (it *iterator[V]) readFull(buf []byte) error {
	if _, err := io.ReadFull(it.cr, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			it.done = true
			return series.ErrNoMoreValues
		}
		return err
	}
	return nil
}

func (it *iterator[V]) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	if it.zdec != nil {
		it.zdec.Close()
	}
	return it.file.Close()
}

// OpenReverseIterator buffers the forward iteration and yields values in
// reverse. Memory is proportional to the number of values in the file.
func OpenReverseIterator[V any](path string, codec series.Codec[V], cfg Config) (series.Cursor[V], error) {
	fwd, err := OpenIterator(path, codec, cfg)
	if err != nil {
		return nil, err
	}
	vals, err := series.Collect(fwd)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(vals)-1; i < j; i, j = i+1, j-1 {
		vals[i], vals[j] = vals[j], vals[i]
	}
	return series.NewSliceCursor(vals), nil
}
