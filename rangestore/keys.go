package rangestore

import (
	"encoding/binary"
	"time"

	"github.com/dunghc/chronostore/series"
)

// Time keys are 8-byte big-endian nanosecond timestamps with the sign bit
// flipped so that pre-epoch times sort before post-epoch times bytewise.

const (
	TimeKeySize  = 8
	RangeKeySize = 2 * TimeKeySize
	ShiftKeySize = TimeKeySize + 4
)

// EncodeTimeKey encodes t as a bytewise-ordered key.
func EncodeTimeKey(t time.Time) []byte {
	buf := make([]byte, TimeKeySize)
	PutTimeKey(buf, t)
	return buf
}

// PutTimeKey writes the ordered encoding of t into buf[:TimeKeySize].
func PutTimeKey(buf []byte, t time.Time) {
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano())^(1<<63))
}

// DecodeTimeKey reverses EncodeTimeKey.
func DecodeTimeKey(buf []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(buf)^(1<<63))).UTC()
}

// EncodeRangeKey encodes a segment range as from||to.
func EncodeRangeKey(r series.TimeRange) []byte {
	buf := make([]byte, RangeKeySize)
	PutTimeKey(buf[:TimeKeySize], r.From)
	PutTimeKey(buf[TimeKeySize:], r.To)
	return buf
}

// DecodeRangeKey reverses EncodeRangeKey.
func DecodeRangeKey(buf []byte) series.TimeRange {
	return series.TimeRange{
		From: DecodeTimeKey(buf[:TimeKeySize]),
		To:   DecodeTimeKey(buf[TimeKeySize:]),
	}
}

// EncodeShiftKey encodes (t, shiftUnits) lexicographically: all shifts of one
// time-point sort together, ordered by shift count.
func EncodeShiftKey(t time.Time, shiftUnits int) []byte {
	buf := make([]byte, ShiftKeySize)
	PutTimeKey(buf[:TimeKeySize], t)
	binary.BigEndian.PutUint32(buf[TimeKeySize:], uint32(shiftUnits))
	return buf
}
