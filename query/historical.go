// Package query composes initialized segments into coherent ordered
// iterations and point lookups over one series: range scans in both
// directions, latest/previous/next lookups backed by bounded caches and
// persistent lookup tables, and the destructive maintenance operations.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dunghc/chronostore/lifecycle"
	"github.com/dunghc/chronostore/logging"
	"github.com/dunghc/chronostore/metrics"
	"github.com/dunghc/chronostore/rangestore"
	"github.com/dunghc/chronostore/segtable"
	"github.com/dunghc/chronostore/series"
	"github.com/dunghc/chronostore/status"
)

// Lookup table names in the range store.
const (
	latestTable   = "lookup_latest"
	previousTable = "lookup_previous"
	nextTable     = "lookup_next"
)

var errShiftUnits = errors.New("shift units must be positive")

type shiftKey struct {
	date int64
	n    int
}

type Config[V any] struct {
	Key      series.Key
	Table    *segtable.Table[V]
	Status   *status.Store
	Provider series.Provider[V]
	Finder   series.SegmentFinder
	Manager  *lifecycle.Manager[V]

	// Store holds the persistent lookup tables.
	Store rangestore.Store

	// CacheCapacity bounds each in-memory lookup cache.
	CacheCapacity int

	// Eviction selects the cache overflow strategy.
	Eviction EvictionMode

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// boundary memoizes a first/last value per data generation.
type boundary[V any] struct {
	v  V
	ok bool
}

// Historical answers queries over the materialized segments of one series.
type Historical[V any] struct {
	cfg    Config[V]
	logger *slog.Logger

	latest   lookupCache[int64]
	previous lookupCache[shiftKey]
	next     lookupCache[shiftKey]

	cachedFirst atomic.Pointer[boundary[V]]
	cachedLast  atomic.Pointer[boundary[V]]

	// mu serializes the destructive operations against themselves.
	mu sync.Mutex
}

func New[V any](cfg Config[V]) (*Historical[V], error) {
	if cfg.Key == nil || cfg.Table == nil || cfg.Status == nil || cfg.Provider == nil ||
		cfg.Finder == nil || cfg.Manager == nil || cfg.Store == nil {
		return nil, errors.New("query layer requires key, table, status, provider, finder, manager, and store")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	return &Historical[V]{
		cfg:      cfg,
		logger:   logging.Default(cfg.Logger).With("component", "query", "key", cfg.Key.HashKey()),
		latest:   newLookupCache[int64](cfg.Eviction, cfg.CacheCapacity),
		previous: newLookupCache[shiftKey](cfg.Eviction, cfg.CacheCapacity),
		next:     newLookupCache[shiftKey](cfg.Eviction, cfg.CacheCapacity),
	}, nil
}

// clip narrows [from, to] to the series availability window.
func (h *Historical[V]) clip(from, to time.Time) (time.Time, time.Time) {
	first := h.cfg.Provider.FirstAvailableSegmentFrom(h.cfg.Key)
	last := h.cfg.Provider.LastAvailableSegmentTo(h.cfg.Key)
	if from.Before(first) {
		from = first
	}
	if to.After(last) {
		to = last
	}
	return from, to
}

// openSegment ensures one segment is initialized and opens its clipped value
// stream under the segment read lock. The release func drops the read lock;
// it is bound to the returned cursor's close.
func (h *Historical[V]) openSegment(ctx context.Context, seg series.TimeRange, from, to time.Time, reverse bool) (series.Cursor[V], error) {
	segK := series.SegmentedKey{Key: h.cfg.Key, Segment: seg}
	if err := h.cfg.Manager.MaybeInitSegment(ctx, segK); err != nil {
		return nil, err
	}
	lock := h.cfg.Table.TableLock(segK)
	if err := lock.RLock(ctx); err != nil {
		return nil, err
	}
	lo := from
	if seg.From.After(lo) {
		lo = seg.From
	}
	hi := to
	if seg.To.Before(hi) {
		hi = seg.To
	}
	var inner series.Cursor[V]
	if reverse {
		inner = h.cfg.Table.RangeReverseValues(segK, lo, hi)
	} else {
		inner = h.cfg.Table.RangeValues(segK, lo, hi)
	}
	released := false
	return series.NewFuncCursor(inner.Next, func() error {
		if !released {
			released = true
			lock.RUnlock()
		}
		return inner.Close()
	}), nil
}

// spanCursor flattens per-segment streams into one ordered iteration,
// opening each segment lazily and closing each stream exactly once.
type spanCursor[V any] struct {
	h       *Historical[V]
	ctx     context.Context
	segs    series.Cursor[series.TimeRange]
	cur     series.Cursor[V]
	from    time.Time
	to      time.Time
	reverse bool
	closed  bool
}

func (c *spanCursor[V]) Next() (V, error) {
	var zero V
	if c.closed {
		return zero, series.ErrNoMoreValues
	}
	for {
		if c.cur == nil {
			seg, err := c.segs.Next()
			if err != nil {
				return zero, err
			}
			cur, err := c.h.openSegment(c.ctx, seg, c.from, c.to, c.reverse)
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
		return v, err
	}
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
	if serr := c.segs.Close(); err == nil {
		err = serr
	}
	return err
}

// ReadRangeValues streams values with from <= time <= to in ascending order
// across every overlapping segment, initializing segments on demand.
func (h *Historical[V]) ReadRangeValues(ctx context.Context, from, to time.Time) series.Cursor[V] {
	from, to = h.clip(from, to)
	if from.After(to) {
		return series.NewEmptyCursor[V]()
	}
	return &spanCursor[V]{
		h: h, ctx: ctx,
		segs: lifecycle.Segments(h.cfg.Finder, from, to),
		from: from, to: to,
	}
}

// ReadRangeValuesReverse streams values with to <= time <= from in
// descending order. from is the upper bound, mirroring the forward call.
func (h *Historical[V]) ReadRangeValuesReverse(ctx context.Context, from, to time.Time) series.Cursor[V] {
	to, from = h.clip(to, from)
	if to.After(from) {
		return series.NewEmptyCursor[V]()
	}
	return &spanCursor[V]{
		h: h, ctx: ctx,
		segs:    lifecycle.SegmentsReverse(h.cfg.Finder, to, from),
		from:    to, to: from,
		reverse: true,
	}
}

// cachedLookup consults the in-memory cache, then the persistent table.
func (h *Historical[V]) cachedLookup(table string, memKeyHit bool, memValue []byte, rangeKey []byte) ([]byte, bool) {
	if memKeyHit {
		h.cfg.Metrics.LookupHits.WithLabelValues(table).Inc()
		return memValue, true
	}
	row, found, err := h.cfg.Store.Get(table, h.cfg.Key.HashKey(), rangeKey)
	if err == nil && found {
		h.cfg.Metrics.LookupHits.WithLabelValues(table).Inc()
		return row, true
	}
	h.cfg.Metrics.LookupMisses.WithLabelValues(table).Inc()
	return nil, false
}

// memoize stores a lookup result in both cache layers.
func (h *Historical[V]) memoize(table string, store func([]byte), rangeKey, encoded []byte) {
	store(encoded)
	if err := h.cfg.Store.Put(table, h.cfg.Key.HashKey(), rangeKey, encoded); err != nil {
		h.logger.Warn("failed to persist lookup row", "table", table, "error", err)
	}
}

func (h *Historical[V]) decodeRow(encoded []byte) (V, bool, error) {
	var zero V
	serialized, present := decodeLookup(encoded)
	if !present {
		return zero, false, nil
	}
	v, err := h.cfg.Table.Codec().Unmarshal(serialized)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// GetLatestValue returns the value with the greatest time <= date. With no
// such value the first value of the series is returned instead.
func (h *Historical[V]) GetLatestValue(ctx context.Context, date time.Time) (V, bool, error) {
	var zero V
	memValue, memHit := h.latest.Get(date.UnixNano())
	rangeKey := rangestore.EncodeTimeKey(date)
	if encoded, ok := h.cachedLookup(latestTable, memHit, memValue, rangeKey); ok {
		return h.decodeRow(encoded)
	}

	v, found, err := h.computeLatest(ctx, date)
	if err != nil {
		return zero, false, err
	}

	var serialized []byte
	if found {
		if serialized, err = h.cfg.Table.Codec().Marshal(v); err != nil {
			return zero, false, err
		}
	}
	encoded := encodeLookup(serialized, found)
	h.memoize(latestTable, func(e []byte) { h.latest.Add(date.UnixNano(), e) }, rangeKey, encoded)
	return v, found, nil
}

// computeLatest walks segments in reverse from the clipped date. The first
// segment able to produce a value at or before date wins; a segment that
// cannot contribute is skipped, since earlier segments only hold earlier
// values. With no candidate at all, fall back to the first value.
func (h *Historical[V]) computeLatest(ctx context.Context, date time.Time) (V, bool, error) {
	var zero V
	first := h.cfg.Provider.FirstAvailableSegmentFrom(h.cfg.Key)
	last := h.cfg.Provider.LastAvailableSegmentTo(h.cfg.Key)
	start := date
	if start.After(last) {
		start = last
	}
	if start.Before(first) {
		return h.GetFirstValue(ctx)
	}

	segs := lifecycle.SegmentsReverse(h.cfg.Finder, first, start)
	defer segs.Close()
	for {
		seg, err := segs.Next()
		if err == series.ErrNoMoreValues {
			break
		}
		if err != nil {
			return zero, false, err
		}
		segK := series.SegmentedKey{Key: h.cfg.Key, Segment: seg}
		if err := h.cfg.Manager.MaybeInitSegment(ctx, segK); err != nil {
			return zero, false, err
		}
		lock := h.cfg.Table.TableLock(segK)
		if err := lock.RLock(ctx); err != nil {
			return zero, false, err
		}
		v, ok, err := h.cfg.Table.LatestValue(segK, date)
		lock.RUnlock()
		if err != nil {
			return zero, false, err
		}
		if ok {
			return v, true, nil
		}
	}
	return h.GetFirstValue(ctx)
}

// GetPreviousValue returns the n-th value at or before date, counting
// backwards. n must be positive.
func (h *Historical[V]) GetPreviousValue(ctx context.Context, date time.Time, n int) (V, bool, error) {
	return h.shift(ctx, date, n, true)
}

// GetNextValue returns the n-th value at or after date, counting forwards.
// n must be positive.
func (h *Historical[V]) GetNextValue(ctx context.Context, date time.Time, n int) (V, bool, error) {
	return h.shift(ctx, date, n, false)
}

func (h *Historical[V]) shift(ctx context.Context, date time.Time, n int, backwards bool) (V, bool, error) {
	var zero V
	if n <= 0 {
		return zero, false, fmt.Errorf("%w: %d", errShiftUnits, n)
	}

	table, cache := nextTable, h.next
	if backwards {
		table, cache = previousTable, h.previous
	}
	key := shiftKey{date: date.UnixNano(), n: n}
	memValue, memHit := cache.Get(key)
	rangeKey := rangestore.EncodeShiftKey(date, n)
	if encoded, ok := h.cachedLookup(table, memHit, memValue, rangeKey); ok {
		return h.decodeRow(encoded)
	}

	var cur series.Cursor[V]
	if backwards {
		cur = h.ReadRangeValuesReverse(ctx, date, h.cfg.Provider.FirstAvailableSegmentFrom(h.cfg.Key))
	} else {
		cur = h.ReadRangeValues(ctx, date, h.cfg.Provider.LastAvailableSegmentTo(h.cfg.Key))
	}
	defer cur.Close()

	var v V
	var found bool
	for i := 0; i < n; i++ {
		stepped, err := cur.Next()
		if err == series.ErrNoMoreValues {
			found = false
			break
		}
		if err != nil {
			return zero, false, err
		}
		v = stepped
		found = true
	}

	var serialized []byte
	var err error
	if found {
		if serialized, err = h.cfg.Table.Codec().Marshal(v); err != nil {
			return zero, false, err
		}
	}
	encoded := encodeLookup(serialized, found)
	h.memoize(table, func(e []byte) { cache.Add(key, e) }, rangeKey, encoded)
	if !found {
		return zero, false, nil
	}
	return v, true, nil
}

// GetFirstValue returns the earliest value of the series, memoized until the
// next mutation.
func (h *Historical[V]) GetFirstValue(ctx context.Context) (V, bool, error) {
	if b := h.cachedFirst.Load(); b != nil {
		return b.v, b.ok, nil
	}
	var zero V
	first := h.cfg.Provider.FirstAvailableSegmentFrom(h.cfg.Key)
	segK := series.SegmentedKey{Key: h.cfg.Key, Segment: h.cfg.Finder.SegmentFor(first)}
	if err := h.cfg.Manager.MaybeInitSegment(ctx, segK); err != nil {
		return zero, false, err
	}
	v, ok, err := h.cfg.Table.FirstValue(segK)
	if err != nil {
		return zero, false, err
	}
	h.cachedFirst.Store(&boundary[V]{v: v, ok: ok})
	return v, ok, nil
}

// GetLastValue returns the latest value of the series, memoized until the
// next mutation.
func (h *Historical[V]) GetLastValue(ctx context.Context) (V, bool, error) {
	if b := h.cachedLast.Load(); b != nil {
		return b.v, b.ok, nil
	}
	var zero V
	last := h.cfg.Provider.LastAvailableSegmentTo(h.cfg.Key)
	segK := series.SegmentedKey{Key: h.cfg.Key, Segment: h.cfg.Finder.SegmentFor(last)}
	if err := h.cfg.Manager.MaybeInitSegment(ctx, segK); err != nil {
		return zero, false, err
	}
	v, ok, err := h.cfg.Table.LastValue(segK)
	if err != nil {
		return zero, false, err
	}
	h.cachedLast.Store(&boundary[V]{v: v, ok: ok})
	return v, ok, nil
}

// PrepareForUpdate drops every lookup row an append could invalidate: latest
// rows at or after the current last time, all shift rows, and the in-memory
// caches.
func (h *Historical[V]) PrepareForUpdate(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	// The cutoff is the newest materialized value; derived from the status
	// rows so the inspection cannot itself trigger an initialization.
	hashKey := h.cfg.Key.HashKey()
	row, found, err := h.cfg.Status.Last(h.cfg.Key)
	if err != nil {
		return err
	}
	if found {
		segK := series.SegmentedKey{Key: h.cfg.Key, Segment: row.Segment}
		last, ok, err := h.cfg.Table.LastValue(segK)
		if err != nil {
			return err
		}
		if ok {
			lastTime := h.cfg.Provider.ExtractTime(last)
			if err := h.cfg.Store.DeleteFrom(latestTable, hashKey, rangestore.EncodeTimeKey(lastTime)); err != nil {
				return err
			}
		}
	}
	if err := h.cfg.Store.DeleteAll(previousTable, hashKey); err != nil {
		return err
	}
	if err := h.cfg.Store.DeleteAll(nextTable, hashKey); err != nil {
		return err
	}
	h.clearCaches()
	return nil
}

// DeleteAll removes every segment, status row, lookup row, and cached value
// of the series.
func (h *Historical[V]) DeleteAll(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	rows, err := h.cfg.Status.All(h.cfg.Key)
	if err != nil {
		return err
	}
	for _, row := range rows {
		segK := series.SegmentedKey{Key: h.cfg.Key, Segment: row.Segment}
		if err := h.cfg.Table.DeleteRange(segK); err != nil {
			return err
		}
	}
	if err := h.cfg.Status.DeleteAll(h.cfg.Key); err != nil {
		return err
	}
	hashKey := h.cfg.Key.HashKey()
	for _, table := range []string{latestTable, previousTable, nextTable} {
		if err := h.cfg.Store.DeleteAll(table, hashKey); err != nil {
			return err
		}
	}
	h.clearCaches()
	h.logger.Info("deleted all series data", "segments", len(rows))
	return nil
}

func (h *Historical[V]) clearCaches() {
	h.latest.Purge()
	h.previous.Purge()
	h.next.Purge()
	h.cachedFirst.Store(nil)
	h.cachedLast.Store(nil)
}

// IsEmptyOrInconsistent reports whether the series holds no data or data the
// current codec can no longer read. A corrupt boundary value means the
// caller should rebuild; other faults propagate.
func (h *Historical[V]) IsEmptyOrInconsistent(ctx context.Context) (bool, error) {
	if _, _, err := h.GetFirstValue(ctx); err != nil {
		if errors.Is(err, series.ErrCorruptValue) {
			return true, nil
		}
		return false, err
	}
	if _, _, err := h.GetLastValue(ctx); err != nil {
		if errors.Is(err, series.ErrCorruptValue) {
			return true, nil
		}
		return false, err
	}

	rows, err := h.cfg.Status.All(h.cfg.Key)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return true, nil
	}
	for _, row := range rows {
		if row.Status != series.StatusComplete {
			continue
		}
		segK := series.SegmentedKey{Key: h.cfg.Key, Segment: row.Segment}
		if h.cfg.Table.IsEmptyOrInconsistent(segK) {
			return true, nil
		}
	}
	return false, nil
}
