// Package live overlays an in-memory tail segment on top of the historical
// segments: appends go to the tail, queries merge both sides, and a full tail
// is promoted to a historical segment when the next value rolls past it.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dunghc/chronostore/lifecycle"
	"github.com/dunghc/chronostore/logging"
	"github.com/dunghc/chronostore/query"
	"github.com/dunghc/chronostore/series"
	"github.com/dunghc/chronostore/status"
)

type Config[V any] struct {
	Key        series.Key
	Provider   series.Provider[V]
	Finder     series.SegmentFinder
	Historical *query.Historical[V]
	Manager    *lifecycle.Manager[V]
	Status     *status.Store

	Logger *slog.Logger
}

// Overlay merges the live tail with the historical query layer.
type Overlay[V any] struct {
	cfg    Config[V]
	logger *slog.Logger

	// mu guards the live pointer and serializes appends and promotion.
	mu   sync.Mutex
	live *tailSegment[V]
}

func New[V any](cfg Config[V]) (*Overlay[V], error) {
	if cfg.Key == nil || cfg.Provider == nil || cfg.Finder == nil ||
		cfg.Historical == nil || cfg.Manager == nil || cfg.Status == nil {
		return nil, errors.New("live overlay requires key, provider, finder, historical, manager, and status")
	}
	return &Overlay[V]{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "live-overlay", "key", cfg.Key.HashKey()),
	}, nil
}

// snapshot returns the current live tail without holding the lock during
// iteration; the tail's contents are immutable snapshots.
func (o *Overlay[V]) snapshot() *tailSegment[V] {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.live
}

// lastHistoricalTo returns the end of the newest historical segment, or zero.
func (o *Overlay[V]) lastHistoricalTo() (time.Time, error) {
	row, found, err := o.cfg.Status.Last(o.cfg.Key)
	if err != nil || !found {
		return time.Time{}, err
	}
	return row.Segment.To, nil
}

// Add appends one value to the live tail, opening or rolling the tail as
// needed. Values must arrive in non-decreasing time order; anything landing
// behind the historical head is rejected.
func (o *Overlay[V]) Add(ctx context.Context, v V) error {
	ts := o.cfg.Provider.ExtractTime(v)
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.live == nil {
		if err := o.openLive(ts); err != nil {
			return err
		}
	} else if ts.After(o.live.rng.To) {
		if err := o.promoteLocked(ctx); err != nil {
			return err
		}
		if err := o.openLive(ts); err != nil {
			return err
		}
	}

	if ts.Before(o.live.rng.From) {
		return fmt.Errorf("%w: value time %s precedes live segment %s",
			series.ErrInvariantViolation, ts, o.live.rng)
	}
	if newest, ok := o.live.newestTime(); ok && ts.Before(newest) {
		return fmt.Errorf("%w: value time %s after %s breaks monotonic order",
			series.ErrInvariantViolation, ts, newest)
	}
	o.live.add(v, ts)
	return nil
}

// openLive starts a fresh tail for the segment containing ts, rejecting
// out-of-order placements against the historical head.
func (o *Overlay[V]) openLive(ts time.Time) error {
	seg := o.cfg.Finder.SegmentFor(ts)
	lastHist, err := o.lastHistoricalTo()
	if err != nil {
		return err
	}
	if !lastHist.IsZero() && !lastHist.Before(seg.From) && !lastHist.Equal(seg.To) {
		return fmt.Errorf("%w: live segment %s overlaps historical data ending %s",
			series.ErrInvariantViolation, seg, lastHist)
	}
	o.live = newTailSegment[V](seg)
	o.logger.Info("opened live segment", "segment", seg)
	return nil
}

// promoteLocked converts the live tail into a historical segment.
func (o *Overlay[V]) promoteLocked(ctx context.Context) error {
	tail := o.live
	if tail == nil {
		return nil
	}
	lastHist, err := o.lastHistoricalTo()
	if err != nil {
		return err
	}
	if !lastHist.IsZero() && lastHist.After(tail.rng.To) {
		return fmt.Errorf("%w: historical data ending %s already passes live segment %s",
			series.ErrInvariantViolation, lastHist, tail.rng)
	}
	vals := tail.values()
	if len(vals) > 0 {
		if err := o.cfg.Historical.PrepareForUpdate(ctx); err != nil {
			return err
		}
		segK := series.SegmentedKey{Key: o.cfg.Key, Segment: tail.rng}
		if err := o.cfg.Manager.InitFromValues(ctx, segK, vals); err != nil {
			return err
		}
	}
	o.live = nil
	o.logger.Info("promoted live segment", "segment", tail.rng, "values", len(vals))
	return nil
}

// Flush promotes any pending live values to historical storage.
func (o *Overlay[V]) Flush(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.promoteLocked(ctx)
}

func (o *Overlay[V]) timeOf(v V) time.Time { return o.cfg.Provider.ExtractTime(v) }

// ReadRangeValues merges historical and live values over [from, to] in
// ascending order.
func (o *Overlay[V]) ReadRangeValues(ctx context.Context, from, to time.Time) series.Cursor[V] {
	tail := o.snapshot()
	switch {
	case tail == nil, tail.rng.From.After(to):
		return o.cfg.Historical.ReadRangeValues(ctx, from, to)
	case !tail.rng.From.After(from):
		return tail.rangeValues(from, to, o.timeOf)
	default:
		liveFrom := tail.rng.From
		return series.NewConcatCursor(
			func() (series.Cursor[V], error) {
				return o.cfg.Historical.ReadRangeValues(ctx, from, liveFrom.Add(-time.Nanosecond)), nil
			},
			func() (series.Cursor[V], error) {
				return tail.rangeValues(liveFrom, to, o.timeOf), nil
			},
		)
	}
}

// ReadRangeValuesReverse merges both sides over [to, from] in descending
// order; from is the upper bound.
func (o *Overlay[V]) ReadRangeValuesReverse(ctx context.Context, from, to time.Time) series.Cursor[V] {
	tail := o.snapshot()
	switch {
	case tail == nil, tail.rng.From.After(from):
		return o.cfg.Historical.ReadRangeValuesReverse(ctx, from, to)
	case !tail.rng.From.After(to):
		return tail.rangeReverseValues(to, from, o.timeOf)
	default:
		liveFrom := tail.rng.From
		return series.NewConcatCursor(
			func() (series.Cursor[V], error) {
				return tail.rangeReverseValues(liveFrom, from, o.timeOf), nil
			},
			func() (series.Cursor[V], error) {
				return o.cfg.Historical.ReadRangeValuesReverse(ctx, liveFrom.Add(-time.Nanosecond), to), nil
			},
		)
	}
}

// GetFirstValue prefers the historical first value, falling back to the tail.
func (o *Overlay[V]) GetFirstValue(ctx context.Context) (V, bool, error) {
	v, ok, err := o.cfg.Historical.GetFirstValue(ctx)
	if err != nil || ok {
		return v, ok, err
	}
	if tail := o.snapshot(); tail != nil {
		if fv, fok := tail.first(); fok {
			return fv, true, nil
		}
	}
	return v, false, nil
}

// GetLastValue prefers the newest live value, falling back to historical.
func (o *Overlay[V]) GetLastValue(ctx context.Context) (V, bool, error) {
	if tail := o.snapshot(); tail != nil {
		if lv, ok := tail.last(); ok {
			return lv, true, nil
		}
	}
	return o.cfg.Historical.GetLastValue(ctx)
}

// GetLatestValue consults the live tail first, then historical; the first
// side producing a value at or before date wins.
func (o *Overlay[V]) GetLatestValue(ctx context.Context, date time.Time) (V, bool, error) {
	if tail := o.snapshot(); tail != nil {
		if v, ok := tail.latest(date, o.timeOf); ok {
			return v, true, nil
		}
	}
	v, ok, err := o.cfg.Historical.GetLatestValue(ctx, date)
	if err != nil {
		return v, false, err
	}
	if ok && !o.timeOf(v).After(date) {
		return v, true, nil
	}
	return o.GetFirstValue(ctx)
}

// GetPreviousValue counts n steps back from date across the merged stream.
func (o *Overlay[V]) GetPreviousValue(ctx context.Context, date time.Time, n int) (V, bool, error) {
	tail := o.snapshot()
	if tail == nil || !tail.rng.Contains(date) {
		return o.cfg.Historical.GetPreviousValue(ctx, date, n)
	}
	if n <= 0 {
		var zero V
		return zero, false, fmt.Errorf("shift units must be positive: %d", n)
	}
	first := o.cfg.Provider.FirstAvailableSegmentFrom(o.cfg.Key)
	return nthOf(o.ReadRangeValuesReverse(ctx, date, first), n)
}

// GetNextValue counts n steps forward from date across the merged stream.
func (o *Overlay[V]) GetNextValue(ctx context.Context, date time.Time, n int) (V, bool, error) {
	tail := o.snapshot()
	if tail == nil || !tail.rng.Contains(date) {
		return o.cfg.Historical.GetNextValue(ctx, date, n)
	}
	if n <= 0 {
		var zero V
		return zero, false, fmt.Errorf("shift units must be positive: %d", n)
	}
	return nthOf(o.ReadRangeValues(ctx, date, tail.rng.To), n)
}

// nthOf returns the n-th element of the cursor, 1-based, closing it.
func nthOf[V any](cur series.Cursor[V], n int) (V, bool, error) {
	defer cur.Close()
	var zero V
	var v V
	for i := 0; i < n; i++ {
		stepped, err := cur.Next()
		if err == series.ErrNoMoreValues {
			return zero, false, nil
		}
		if err != nil {
			return zero, false, err
		}
		v = stepped
	}
	return v, true, nil
}
