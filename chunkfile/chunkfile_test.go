package chunkfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/dunghc/chronostore/codec"
	"github.com/dunghc/chronostore/series"
)

type payload struct {
	N int64  `msgpack:"n"`
	S string `msgpack:"s"`
}

func writeValues(t *testing.T, path string, cfg Config, vals []payload) {
	t.Helper()
	w, err := NewWriter[payload](path, codec.Msgpack[payload]{}, cfg)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	for _, v := range vals {
		if err := w.Add(v); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestDynamicRoundtrip(t *testing.T) {
	for name, cfg := range map[string]Config{
		"lz4":  {Compression: CompressionLZ4},
		"zstd": {Compression: CompressionZstd},
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.chunk")
			vals := make([]payload, 1000)
			for i := range vals {
				vals[i] = payload{N: int64(i), S: fmt.Sprintf("value-%d", i)}
			}
			writeValues(t, path, cfg, vals)

			it, err := OpenIterator[payload](path, codec.Msgpack[payload]{}, cfg)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			got, err := series.Collect(it)
			if err != nil {
				t.Fatalf("collect: %v", err)
			}
			if len(got) != len(vals) {
				t.Fatalf("want %d values, got %d", len(vals), len(got))
			}
			for i := range got {
				if got[i] != vals[i] {
					t.Fatalf("value %d: want %+v, got %+v", i, vals[i], got[i])
				}
			}
		})
	}
}

func TestReverseIterator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.chunk")
	vals := []payload{{N: 1}, {N: 2}, {N: 3}}
	writeValues(t, path, Config{}, vals)

	it, err := OpenReverseIterator[payload](path, codec.Msgpack[payload]{}, Config{})
	if err != nil {
		t.Fatalf("open reverse: %v", err)
	}
	got, err := series.Collect(it)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(got) != 3 || got[0].N != 3 || got[2].N != 1 {
		t.Errorf("reverse order wrong: %+v", got)
	}
}

// intCodec encodes int64 values as fixed 16-byte records: the value twice.
var intCodec = codec.Fixed[int64]{
	Size: 16,
	Encode: func(v int64, buf []byte) error {
		binary.BigEndian.PutUint64(buf[:8], uint64(v))
		binary.BigEndian.PutUint64(buf[8:], uint64(v))
		return nil
	},
	Decode: func(buf []byte) (int64, error) {
		return int64(binary.BigEndian.Uint64(buf[:8])), nil
	},
}

func TestFixedFramingLargeRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.chunk")
	cfg := Config{Framing: FramingFixed, FixedLength: 16}

	w, err := NewWriter[int64](path, intCodec, cfg)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	const n = 10_000
	for i := int64(0); i < n; i++ {
		if err := w.Add(i); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	it, err := OpenIterator[int64](path, intCodec, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got, err := series.Collect(it)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(got) != n {
		t.Fatalf("want %d values, got %d", n, len(got))
	}
	for i, v := range got {
		if v != int64(i) {
			t.Fatalf("value %d: got %d", i, v)
		}
	}

	rit, err := OpenReverseIterator[int64](path, intCodec, cfg)
	if err != nil {
		t.Fatalf("open reverse: %v", err)
	}
	rgot, err := series.Collect(rit)
	if err != nil {
		t.Fatalf("collect reverse: %v", err)
	}
	for i, v := range rgot {
		if v != int64(n-1-i) {
			t.Fatalf("reverse value %d: got %d", i, v)
		}
	}
}

func TestFixedFramingWrongWidth(t *testing.T) {
	bad := codec.Fixed[int64]{
		Size:   8,
		Encode: func(v int64, buf []byte) error { binary.BigEndian.PutUint64(buf, uint64(v)); return nil },
		Decode: func(buf []byte) (int64, error) { return int64(binary.BigEndian.Uint64(buf)), nil },
	}
	w, err := NewWriter[int64](filepath.Join(t.TempDir(), "c.chunk"), bad,
		Config{Framing: FramingFixed, FixedLength: 16})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Add(1); err == nil {
		t.Errorf("want width mismatch error")
	}
}

func TestEmptyPayloadRejected(t *testing.T) {
	empty := codec.Fixed[int64]{
		Size:   0,
		Encode: func(int64, []byte) error { return nil },
		Decode: func([]byte) (int64, error) { return 0, nil },
	}
	w, err := NewWriter[int64](filepath.Join(t.TempDir(), "c.chunk"), empty, Config{})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Add(1); !errors.Is(err, ErrEmptyValue) {
		t.Errorf("want ErrEmptyValue, got %v", err)
	}
}

func TestAddAfterCloseFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.chunk")
	w, err := NewWriter[payload](path, codec.Msgpack[payload]{}, Config{})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Add(payload{N: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.Add(payload{N: 2}); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("want ErrWriterClosed, got %v", err)
	}
	// Close is idempotent.
	if err := w.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestLazyCreation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.chunk")
	w, err := NewWriter[payload](path, codec.Msgpack[payload]{}, Config{})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := OpenIterator[payload](path, codec.Msgpack[payload]{}, Config{}); err == nil {
		t.Errorf("file should not exist before first add")
	}
}

func TestWriterCounters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.chunk")
	w, err := NewWriter[payload](path, codec.Msgpack[payload]{}, Config{})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	for i := range 5 {
		if err := w.Add(payload{N: int64(i)}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if w.Count() != 5 {
		t.Errorf("count: %d", w.Count())
	}
	if w.Bytes() == 0 {
		t.Errorf("bytes should be tracked")
	}
	_ = w.Close()
}
