package chunkfile

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/dunghc/chronostore/series"
)

// compressedWriter is the common surface of the lz4 and zstd stream writers.
type compressedWriter interface {
	io.Writer
	Flush() error
	Close() error
}

// Writer appends codec-encoded values to a chunk file. The file is created
// lazily on the first Add; Flush makes everything written so far visible to
// concurrent readers; Close seals the stream, after which Add fails.
type Writer[V any] struct {
	path   string
	codec  series.Codec[V]
	cfg    Config
	file   *os.File
	cw     compressedWriter
	count  int64
	bytes  int64
	closed bool
}

// NewWriter prepares a writer for path. No file is created until the first Add.
func NewWriter[V any](path string, codec series.Codec[V], cfg Config) (*Writer[V], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Writer[V]{path: path, codec: codec, cfg: cfg}, nil
}

// Add encodes v and appends it to the stream. Empty encodings are rejected;
// in fixed framing an encoding of the wrong width is a programming error.
func (w *Writer[V]) Add(v V) error {
	if w.closed {
		return ErrWriterClosed
	}
	data, err := w.codec.Marshal(v)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return ErrEmptyValue
	}
	if w.cfg.Framing == FramingFixed && len(data) != w.cfg.FixedLength {
		return fixedLengthMismatch(w.cfg.FixedLength, len(data))
	}
	if w.file == nil {
		if err := w.create(); err != nil {
			return err
		}
	}
	if w.cfg.Framing == FramingDynamic {
		var lenBuf [lengthFieldBytes]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
		if err := writeAll(w.cw, lenBuf[:]); err != nil {
			return err
		}
	}
	if err := writeAll(w.cw, data); err != nil {
		return err
	}
	w.count++
	w.bytes += int64(len(data))
	return nil
}

func (w *Writer[V]) create() error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o750); err != nil {
		return err
	}
	file, err := os.OpenFile(filepath.Clean(w.path), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w.file = file
	switch w.cfg.Compression {
	case CompressionZstd:
		enc, err := zstd.NewWriter(file,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			_ = file.Close()
			w.file = nil
			return err
		}
		w.cw = enc
	default:
		w.cw = lz4.NewWriter(file)
	}
	return nil
}

// Flush ends the current compression block so readers observe all values
// added so far.
func (w *Writer[V]) Flush() error {
	if w.closed {
		return ErrWriterClosed
	}
	if w.cw == nil {
		return nil
	}
	return w.cw.Flush()
}

// Count returns the number of values added.
func (w *Writer[V]) Count() int64 { return w.count }

// Bytes returns the total encoded payload bytes added.
func (w *Writer[V]) Bytes() int64 { return w.bytes }

// Close seals the stream and the file. Idempotent.
func (w *Writer[V]) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.cw == nil {
		return nil
	}
	if err := w.cw.Close(); err != nil {
		_ = w.file.Close()
		return err
	}
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}

func writeAll(w io.Writer, data []byte) error {
	n, err := w.Write(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return io.ErrShortWrite
	}
	return nil
}
