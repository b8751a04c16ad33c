// Package updater pulls values from a source cursor and flushes them into a
// segment as chunk files: fixed-size batches, a monotonic time check, and an
// on-disk lock file marking the update in progress. Chunk writing optionally
// fans out to a worker pool; metadata is always published in batch order.
package updater

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dunghc/chronostore/chunkfile"
	"github.com/dunghc/chronostore/logging"
	"github.com/dunghc/chronostore/metrics"
	"github.com/dunghc/chronostore/segtable"
	"github.com/dunghc/chronostore/series"
)

const (
	// DefaultBatchSize is the number of values per chunk file.
	DefaultBatchSize = 10_000

	// DefaultQueueDepth bounds the batches in flight between the producer
	// and the chunk writers.
	DefaultQueueDepth = 50
)

var ErrMissingTable = errors.New("updater table is required")

type Config[V any] struct {
	Table    *segtable.Table[V]
	Provider series.Provider[V]

	// BatchSize is the number of values per chunk. Defaults to DefaultBatchSize.
	BatchSize int

	// Parallel enables the producer/worker flush path.
	Parallel bool

	// Workers bounds the parallel chunk writers. Defaults to GOMAXPROCS,
	// never more.
	Workers int

	// QueueDepth bounds in-flight batches. Defaults to DefaultQueueDepth.
	QueueDepth int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Updater writes segment contents. Callers must hold the segment's write
// lock for the duration of Update.
type Updater[V any] struct {
	cfg    Config[V]
	logger *slog.Logger
}

func New[V any](cfg Config[V]) (*Updater[V], error) {
	if cfg.Table == nil {
		return nil, ErrMissingTable
	}
	if cfg.Provider == nil {
		return nil, segtable.ErrMissingProvider
	}
	cfg.BatchSize = cmp.Or(cfg.BatchSize, DefaultBatchSize)
	cfg.QueueDepth = cmp.Or(cfg.QueueDepth, DefaultQueueDepth)
	cfg.Workers = cmp.Or(cfg.Workers, runtime.GOMAXPROCS(0))
	if cfg.Workers > runtime.GOMAXPROCS(0) {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	return &Updater[V]{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "updater"),
	}, nil
}

// Request describes one segment update.
type Request[V any] struct {
	SegK series.SegmentedKey

	// Source yields the new values in non-decreasing time order.
	Source series.Cursor[V]

	// UpdateFrom drops every element with time < UpdateFrom, deduplicating
	// the boundary with previously written data. Zero means the segment start.
	UpdateFrom time.Time

	// LastValues are re-written ahead of Source (redo-last-file).
	LastValues []V

	// RedoLastFile reloads the newest chunk's values into LastValues and
	// deletes that chunk before writing.
	RedoLastFile bool
}

// Result summarizes a completed update.
type Result struct {
	MinTime time.Time
	MaxTime time.Time
	Count   int64
}

// Update runs the full write path. On success the lock file is removed; on
// failure it stays behind so the next attempt observes the incomplete update.
func (u *Updater[V]) Update(ctx context.Context, req Request[V]) (Result, error) {
	defer req.Source.Close()

	lockPath := u.cfg.Table.UpdateLockPath(req.SegK)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o750); err != nil {
		return Result{}, err
	}
	if _, err := os.Stat(lockPath); err == nil {
		return Result{}, fmt.Errorf("%w: %s", series.ErrIncompleteUpdate, lockPath)
	}
	lockFile, err := os.OpenFile(filepath.Clean(lockPath), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return Result{}, err
	}
	if err := lockFile.Close(); err != nil {
		return Result{}, err
	}

	updateFrom := req.UpdateFrom
	if updateFrom.IsZero() {
		updateFrom = req.SegK.Segment.From
	}
	lastValues := req.LastValues
	if req.RedoLastFile {
		lastValues, updateFrom, err = u.prepareRedo(req.SegK, lastValues, updateFrom)
		if err != nil {
			return Result{}, err
		}
	}

	source := series.NewConcatCursor(
		func() (series.Cursor[V], error) { return series.NewSliceCursor(lastValues), nil },
		func() (series.Cursor[V], error) { return req.Source, nil },
	)

	var res Result
	if u.cfg.Parallel {
		res, err = u.writeParallel(ctx, req.SegK, source, updateFrom)
	} else {
		res, err = u.writeSerial(ctx, req.SegK, source, updateFrom)
	}
	if err != nil {
		return Result{}, err
	}

	if res.Count > 0 {
		seg := req.SegK.Segment
		if res.MinTime.Before(seg.From) || res.MaxTime.After(seg.To) {
			return Result{}, fmt.Errorf("%w: written window [%s, %s] escapes segment [%s, %s]",
				series.ErrInvariantViolation, res.MinTime, res.MaxTime, seg.From, seg.To)
		}
	}

	if err := os.Remove(lockPath); err != nil {
		return Result{}, err
	}
	u.logger.Info("segment updated",
		"segment", req.SegK.HashKey(), "values", res.Count)
	return res, nil
}

// prepareRedo reloads the newest chunk so its values are re-written, then
// removes it.
func (u *Updater[V]) prepareRedo(segK series.SegmentedKey, lastValues []V, updateFrom time.Time) ([]V, time.Time, error) {
	meta, found, err := u.cfg.Table.LastChunk(segK)
	if err != nil || !found {
		return lastValues, updateFrom, err
	}
	it, err := chunkfile.OpenIterator(meta.Path, u.cfg.Table.Codec(), u.cfg.Table.FileConfig())
	if err != nil {
		return nil, time.Time{}, err
	}
	vals, err := series.Collect(it)
	if err != nil {
		return nil, time.Time{}, err
	}
	if err := u.cfg.Table.DeleteChunk(segK, meta); err != nil {
		return nil, time.Time{}, err
	}
	return append(vals, lastValues...), meta.FirstTime, nil
}

// nextBatch pulls up to BatchSize elements, skipping those before updateFrom
// and enforcing non-decreasing times against *lastMax.
func (u *Updater[V]) nextBatch(source series.Cursor[V], updateFrom time.Time, lastMax *time.Time) ([]V, error) {
	batch := make([]V, 0, u.cfg.BatchSize)
	for len(batch) < u.cfg.BatchSize {
		v, err := source.Next()
		if err == series.ErrNoMoreValues {
			break
		}
		if err != nil {
			return nil, err
		}
		ts := u.cfg.Provider.ExtractTime(v)
		if ts.Before(updateFrom) {
			continue
		}
		if ts.Before(*lastMax) {
			return nil, fmt.Errorf("%w: time %s after %s breaks monotonic order",
				series.ErrInvariantViolation, ts, *lastMax)
		}
		*lastMax = ts
		batch = append(batch, v)
	}
	if len(batch) == 0 {
		return nil, series.ErrNoMoreValues
	}
	return batch, nil
}

// writeChunkFile flushes one batch into a fresh chunk file and returns its
// metadata. Publishing the metadata row is the caller's job.
func (u *Updater[V]) writeChunkFile(segK series.SegmentedKey, batch []V) (series.ChunkMeta, error) {
	codec := u.cfg.Table.Codec()
	firstTime := u.cfg.Provider.ExtractTime(batch[0])
	path := u.cfg.Table.NewFile(segK, firstTime)

	w, err := chunkfile.NewWriter(path, codec, u.cfg.Table.FileConfig())
	if err != nil {
		return series.ChunkMeta{}, err
	}
	for _, v := range batch {
		if err := w.Add(v); err != nil {
			_ = w.Close()
			return series.ChunkMeta{}, err
		}
	}
	bytes := w.Bytes()
	if err := w.Close(); err != nil {
		return series.ChunkMeta{}, err
	}

	first, err := codec.Marshal(batch[0])
	if err != nil {
		return series.ChunkMeta{}, err
	}
	last, err := codec.Marshal(batch[len(batch)-1])
	if err != nil {
		return series.ChunkMeta{}, err
	}
	u.cfg.Metrics.ChunksWritten.Inc()
	u.cfg.Metrics.ValuesWritten.Add(float64(len(batch)))
	u.cfg.Metrics.BytesWritten.Add(float64(bytes))
	return series.ChunkMeta{
		Path:       path,
		FirstTime:  firstTime,
		LastTime:   u.cfg.Provider.ExtractTime(batch[len(batch)-1]),
		FirstValue: first,
		LastValue:  last,
	}, nil
}

func (u *Updater[V]) writeSerial(ctx context.Context, segK series.SegmentedKey, source series.Cursor[V], updateFrom time.Time) (Result, error) {
	var res Result
	var lastMax time.Time
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		batch, err := u.nextBatch(source, updateFrom, &lastMax)
		if err == series.ErrNoMoreValues {
			return res, nil
		}
		if err != nil {
			return Result{}, err
		}
		meta, err := u.writeChunkFile(segK, batch)
		if err != nil {
			return Result{}, err
		}
		if err := u.cfg.Table.FinishFile(segK, meta); err != nil {
			return Result{}, err
		}
		if res.Count == 0 {
			res.MinTime = meta.FirstTime
		}
		res.MaxTime = meta.LastTime
		res.Count += int64(len(batch))
	}
}

// indexedBatch carries a batch with its flush index. Indices are assigned in
// production order; metadata rows are published strictly in index order so
// chunk ordering survives out-of-order worker completion.
type indexedBatch[V any] struct {
	idx   int
	batch []V
}

type indexedMeta struct {
	idx  int
	meta series.ChunkMeta
	n    int
}

func (u *Updater[V]) writeParallel(ctx context.Context, segK series.SegmentedKey, source series.Cursor[V], updateFrom time.Time) (Result, error) {
	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan indexedBatch[V], u.cfg.QueueDepth)
	results := make(chan indexedMeta, u.cfg.QueueDepth)

	// Producer: batches are formed and indexed in source order.
	g.Go(func() error {
		defer close(jobs)
		var lastMax time.Time
		for idx := 0; ; idx++ {
			batch, err := u.nextBatch(source, updateFrom, &lastMax)
			if err == series.ErrNoMoreValues {
				return nil
			}
			if err != nil {
				return err
			}
			select {
			case jobs <- indexedBatch[V]{idx: idx, batch: batch}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	// Workers: chunk files may complete in any order.
	var workers sync.WaitGroup
	for range u.cfg.Workers {
		workers.Add(1)
		g.Go(func() error {
			defer workers.Done()
			for job := range jobs {
				meta, err := u.writeChunkFile(segK, job.batch)
				if err != nil {
					return err
				}
				select {
				case results <- indexedMeta{idx: job.idx, meta: meta, n: len(job.batch)}:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	go func() {
		workers.Wait()
		close(results)
	}()

	// Collector: a reorder buffer publishes metadata rows in index order.
	var res Result
	g.Go(func() error {
		pending := make(map[int]indexedMeta)
		next := 0
		for im := range results {
			pending[im.idx] = im
			for {
				ready, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				if err := u.cfg.Table.FinishFile(segK, ready.meta); err != nil {
					return err
				}
				if res.Count == 0 {
					res.MinTime = ready.meta.FirstTime
				}
				res.MaxTime = ready.meta.LastTime
				res.Count += int64(ready.n)
				next++
			}
		}
		if len(pending) > 0 {
			return fmt.Errorf("%d chunk results never published", len(pending))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	return res, nil
}
