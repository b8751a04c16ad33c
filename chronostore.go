// Package chronostore is an embedded, append-oriented segmented storage
// engine for keyed streams of time-stamped values. Each series is partitioned
// into segments materialized lazily from a user-supplied provider, written as
// compressed chunk files, and queried through range scans and point lookups
// that span segments transparently. An optional in-memory live segment
// absorbs appends and rolls over to historical storage when it fills.
package chronostore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dunghc/chronostore/chunkfile"
	"github.com/dunghc/chronostore/lifecycle"
	"github.com/dunghc/chronostore/live"
	"github.com/dunghc/chronostore/logging"
	"github.com/dunghc/chronostore/metrics"
	"github.com/dunghc/chronostore/query"
	"github.com/dunghc/chronostore/rangestore"
	"github.com/dunghc/chronostore/segtable"
	"github.com/dunghc/chronostore/series"
	"github.com/dunghc/chronostore/status"
	"github.com/dunghc/chronostore/updater"
)

var ErrClosed = errors.New("database is closed")

const (
	metaFileName = "meta.db"
	segmentsDir  = "segments"
)

// DB owns the storage stack for one directory: the range store, the segment
// table, the lifecycle machinery, and one Series handle per key.
type DB[V any] struct {
	opts     Options
	provider series.Provider[V]
	finder   series.SegmentFinder

	store   *rangestore.Bolt
	table   *segtable.Table[V]
	status  *status.Store
	updater *updater.Updater[V]
	manager *lifecycle.Manager[V]
	metrics *metrics.Metrics

	mu     sync.Mutex
	series map[string]*Series[V]
	closed bool
}

// Open initializes the engine under dir, creating it as needed.
func Open[V any](dir string, provider series.Provider[V], finder series.SegmentFinder, codec series.Codec[V], opts ...Option) (*DB[V], error) {
	if dir == "" {
		return nil, errors.New("dir is required")
	}
	if provider == nil || finder == nil || codec == nil {
		return nil, errors.New("provider, finder, and codec are required")
	}
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.Default(o.Logger)
	m := metrics.New(o.Registerer)

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	store, err := rangestore.OpenBolt(filepath.Join(dir, metaFileName))
	if err != nil {
		return nil, err
	}
	table, err := segtable.New(segtable.Config[V]{
		Dir:      filepath.Join(dir, segmentsDir),
		Store:    store,
		Codec:    codec,
		Provider: provider,
		FileConfig: chunkfile.Config{
			Framing:     o.Framing,
			FixedLength: o.FixedLength,
			Compression: o.Compression,
		},
		Logger: logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	statusStore := status.New(store)
	upd, err := updater.New(updater.Config[V]{
		Table:      table,
		Provider:   provider,
		BatchSize:  o.BatchSize,
		Parallel:   o.Parallel,
		Workers:    o.Workers,
		QueueDepth: o.QueueDepth,
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	manager, err := lifecycle.New(lifecycle.Config[V]{
		Table:            table,
		Status:           statusStore,
		Provider:         provider,
		Finder:           finder,
		Updater:          upd,
		WriteLockTimeout: o.WriteLockTimeout,
		InitAttempts:     o.InitAttempts,
		Logger:           logger,
		Metrics:          m,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &DB[V]{
		opts:     o,
		provider: provider,
		finder:   finder,
		store:    store,
		table:    table,
		status:   statusStore,
		updater:  upd,
		manager:  manager,
		metrics:  m,
		series:   make(map[string]*Series[V]),
	}, nil
}

// Series binds a key to its query and append surfaces. Handles are cached
// per key so lookup caches are shared by all callers.
func (db *DB[V]) Series(k series.Key) (*Series[V], error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}
	if s, ok := db.series[k.HashKey()]; ok {
		return s, nil
	}
	hist, err := query.New(query.Config[V]{
		Key:           k,
		Table:         db.table,
		Status:        db.status,
		Provider:      db.provider,
		Finder:        db.finder,
		Manager:       db.manager,
		Store:         db.store,
		CacheCapacity: db.opts.CacheCapacity,
		Eviction:      db.opts.Eviction,
		Logger:        db.opts.Logger,
		Metrics:       db.metrics,
	})
	if err != nil {
		return nil, err
	}
	overlay, err := live.New(live.Config[V]{
		Key:        k,
		Provider:   db.provider,
		Finder:     db.finder,
		Historical: hist,
		Manager:    db.manager,
		Status:     db.status,
		Logger:     db.opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	s := &Series[V]{key: k, hist: hist, overlay: overlay}
	db.series[k.HashKey()] = s
	return s, nil
}

// Close flushes every live tail and releases the range store.
func (db *DB[V]) Close(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	var firstErr error
	for _, s := range db.series {
		if err := s.overlay.Flush(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := db.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Series is the per-key surface: appends through the live overlay, queries
// through the merged live/historical view.
type Series[V any] struct {
	key     series.Key
	hist    *query.Historical[V]
	overlay *live.Overlay[V]
}

func (s *Series[V]) Key() series.Key { return s.key }

// Add appends one value through the live overlay.
func (s *Series[V]) Add(ctx context.Context, v V) error {
	return s.overlay.Add(ctx, v)
}

// Flush promotes pending live values to historical storage.
func (s *Series[V]) Flush(ctx context.Context) error {
	return s.overlay.Flush(ctx)
}

// ReadRangeValues streams values with from <= time <= to in ascending order.
func (s *Series[V]) ReadRangeValues(ctx context.Context, from, to time.Time) series.Cursor[V] {
	return s.overlay.ReadRangeValues(ctx, from, to)
}

// ReadRangeValuesReverse streams values with to <= time <= from descending.
func (s *Series[V]) ReadRangeValuesReverse(ctx context.Context, from, to time.Time) series.Cursor[V] {
	return s.overlay.ReadRangeValuesReverse(ctx, from, to)
}

// GetLatestValue returns the value with the greatest time <= date.
func (s *Series[V]) GetLatestValue(ctx context.Context, date time.Time) (V, bool, error) {
	return s.overlay.GetLatestValue(ctx, date)
}

// GetPreviousValue returns the n-th value at or before date, counting back.
func (s *Series[V]) GetPreviousValue(ctx context.Context, date time.Time, n int) (V, bool, error) {
	return s.overlay.GetPreviousValue(ctx, date, n)
}

// GetNextValue returns the n-th value at or after date, counting forward.
func (s *Series[V]) GetNextValue(ctx context.Context, date time.Time, n int) (V, bool, error) {
	return s.overlay.GetNextValue(ctx, date, n)
}

// GetFirstValue returns the earliest value of the series.
func (s *Series[V]) GetFirstValue(ctx context.Context) (V, bool, error) {
	return s.overlay.GetFirstValue(ctx)
}

// GetLastValue returns the latest value of the series.
func (s *Series[V]) GetLastValue(ctx context.Context) (V, bool, error) {
	return s.overlay.GetLastValue(ctx)
}

// PrepareForUpdate invalidates lookup rows an append would make stale.
func (s *Series[V]) PrepareForUpdate(ctx context.Context) error {
	return s.hist.PrepareForUpdate(ctx)
}

// DeleteAll removes every segment, status row, and lookup row of the series.
func (s *Series[V]) DeleteAll(ctx context.Context) error {
	return s.hist.DeleteAll(ctx)
}

// IsEmptyOrInconsistent reports whether the series holds no readable data.
func (s *Series[V]) IsEmptyOrInconsistent(ctx context.Context) (bool, error) {
	return s.hist.IsEmptyOrInconsistent(ctx)
}
