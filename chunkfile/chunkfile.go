// Package chunkfile implements the append-only value container behind each
// chunk: codec-encoded records framed inside a block-compressed stream.
//
// Two framings are supported, chosen at construction:
//
//	dynamic: 4-byte big-endian length, then that many payload bytes
//	fixed:   exactly FixedLength payload bytes, no header
//
// The whole file is one compressed stream (lz4 by default). Flush ends the
// current compression block so concurrent readers observe complete records;
// a truncated tail therefore reads as end-of-stream, never as a partial value.
package chunkfile

import (
	"errors"
	"fmt"
)

// Compression selects the block compression for chunk streams.
type Compression int

const (
	CompressionLZ4 Compression = iota
	CompressionZstd
)

// Framing selects the record framing inside the compressed stream.
type Framing int

const (
	// FramingDynamic prefixes each record with a 4-byte big-endian length.
	FramingDynamic Framing = iota
	// FramingFixed writes each record as exactly FixedLength bytes.
	FramingFixed
)

const (
	lengthFieldBytes = 4

	// maxRecordSize bounds a dynamic record's declared length. A length
	// beyond it is treated as a malformed tail and ends iteration.
	maxRecordSize = 64 << 20
)

var (
	ErrEmptyValue      = errors.New("empty value payload")
	ErrWriterClosed    = errors.New("chunk writer is closed")
	ErrReadOnly        = errors.New("chunk file is read-only")
	ErrFixedLengthMode = errors.New("fixed framing requires FixedLength > 0")
)

// Config describes a chunk file's framing and compression. The same Config
// must be used to write and read a file.
type Config struct {
	Framing     Framing
	FixedLength int
	Compression Compression
}

func (c Config) validate() error {
	if c.Framing == FramingFixed && c.FixedLength <= 0 {
		return ErrFixedLengthMode
	}
	return nil
}

// fixedLengthMismatch reports a value whose encoding does not match the
// configured fixed width. A programming error, not a data fault.
func fixedLengthMismatch(want, got int) error {
	return fmt.Errorf("fixed framing expects %d-byte values, got %d", want, got)
}
