package segtable

import (
	"time"

	"github.com/dunghc/chronostore/chunkfile"
	"github.com/dunghc/chronostore/rangestore"
	"github.com/dunghc/chronostore/series"
)

// RangeValues streams values of segK with from <= time <= to, in order,
// across every chunk intersecting the window. Chunks are opened lazily and
// each underlying iterator is closed exactly once.
func (t *Table[V]) RangeValues(segK series.SegmentedKey, from, to time.Time) series.Cursor[V] {
	// The chunk preceding from may still contain values >= from, so the scan
	// starts at the greatest firstTime <= from.
	start := rangestore.EncodeTimeKey(from)
	if entry, found, err := t.cfg.Store.Floor(chunksTable, segK.HashKey(), start); err == nil && found {
		start = entry.RangeKey
	}
	metas := t.cfg.Store.Ascend(chunksTable, segK.HashKey(), start, rangestore.EncodeTimeKey(to))
	return &spanCursor[V]{table: t, metas: metas, from: from, to: to}
}

// RangeReverseValues streams the same window in descending time order.
func (t *Table[V]) RangeReverseValues(segK series.SegmentedKey, from, to time.Time) series.Cursor[V] {
	metas := t.cfg.Store.Descend(chunksTable, segK.HashKey(), rangestore.EncodeTimeKey(to), nil)
	return &spanCursor[V]{table: t, metas: metas, from: from, to: to, reverse: true}
}

// spanCursor flattens the chunks intersecting [from, to] into one ordered
// value stream, clipping per record by the extracted time.
type spanCursor[V any] struct {
	table   *Table[V]
	metas   series.Cursor[rangestore.Entry]
	cur     series.Cursor[V]
	from    time.Time
	to      time.Time
	reverse bool
	done    bool
	closed  bool
}

func (c *spanCursor[V]) Next() (V, error) {
	var zero V
	if c.done || c.closed {
		return zero, series.ErrNoMoreValues
	}
	for {
		if c.cur == nil {
			entry, err := c.metas.Next()
			if err == series.ErrNoMoreValues {
				return zero, c.stop()
			}
			if err != nil {
				return zero, err
			}
			meta, err := decodeMeta(entry.Value)
			if err != nil {
				return zero, err
			}
			if c.reverse && meta.LastTime.Before(c.from) {
				// Chunks are ordered; everything earlier is out of range too.
				return zero, c.stop()
			}
			cur, err := c.openChunk(meta.Path)
			if err != nil {
				return zero, err
			}
			c.cur = cur
		}

		v, err := c.cur.Next()
		if err == series.ErrNoMoreValues {
			_ = c.cur.Close()
			c.cur = nil
			continue
		}
		if err != nil {
			return zero, err
		}

		ts := c.table.cfg.Provider.ExtractTime(v)
		if c.reverse {
			if ts.After(c.to) {
				continue
			}
			if ts.Before(c.from) {
				return zero, c.stop()
			}
		} else {
			if ts.Before(c.from) {
				continue
			}
			if ts.After(c.to) {
				return zero, c.stop()
			}
		}
		return v, nil
	}
}

func (c *spanCursor[V]) openChunk(path string) (series.Cursor[V], error) {
	if c.reverse {
		return chunkfile.OpenReverseIterator(path, c.table.cfg.Codec, c.table.cfg.FileConfig)
	}
	return chunkfile.OpenIterator(path, c.table.cfg.Codec, c.table.cfg.FileConfig)
}

func (c *spanCursor[V]) stop() error {
	c.done = true
	if c.cur != nil {
		_ = c.cur.Close()
		c.cur = nil
	}
	_ = c.metas.Close()
	return series.ErrNoMoreValues
}

func (c *spanCursor[V]) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	var err error
	if c.cur != nil {
		err = c.cur.Close()
		c.cur = nil
	}
	if cerr := c.metas.Close(); err == nil {
		err = cerr
	}
	return err
}

// LatestValue returns the record with the greatest time <= ts, if any.
func (t *Table[V]) LatestValue(segK series.SegmentedKey, ts time.Time) (V, bool, error) {
	var zero V
	entry, found, err := t.cfg.Store.Floor(chunksTable, segK.HashKey(), rangestore.EncodeTimeKey(ts))
	if err != nil || !found {
		// No chunk starts at or before ts.
		return zero, false, err
	}
	meta, err := decodeMeta(entry.Value)
	if err != nil {
		return zero, false, err
	}
	it, err := chunkfile.OpenIterator(meta.Path, t.cfg.Codec, t.cfg.FileConfig)
	if err != nil {
		return zero, false, err
	}
	defer it.Close()

	var best V
	var have bool
	for {
		v, err := it.Next()
		if err == series.ErrNoMoreValues {
			return best, have, nil
		}
		if err != nil {
			return zero, false, err
		}
		if t.cfg.Provider.ExtractTime(v).After(ts) {
			return best, have, nil
		}
		best = v
		have = true
	}
}

// FirstValue returns the first chunk's first value, decoded from metadata.
func (t *Table[V]) FirstValue(segK series.SegmentedKey) (V, bool, error) {
	var zero V
	entry, found, err := t.cfg.Store.First(chunksTable, segK.HashKey())
	if err != nil || !found {
		return zero, false, err
	}
	meta, err := decodeMeta(entry.Value)
	if err != nil {
		return zero, false, err
	}
	v, err := t.cfg.Codec.Unmarshal(meta.FirstValue)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// LastValue returns the last chunk's last value, decoded from metadata.
func (t *Table[V]) LastValue(segK series.SegmentedKey) (V, bool, error) {
	var zero V
	meta, found, err := t.LastChunk(segK)
	if err != nil || !found {
		return zero, false, err
	}
	v, err := t.cfg.Codec.Unmarshal(meta.LastValue)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}
