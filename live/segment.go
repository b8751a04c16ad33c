package live

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/immutable"

	"github.com/dunghc/chronostore/series"
)

// tailSegment is the in-memory head of a series: values keyed by insertion
// sequence in an immutable sorted map. The appender swaps whole snapshots, so
// readers iterate without blocking it.
type tailSegment[V any] struct {
	rng series.TimeRange

	mu   sync.Mutex // held by the appender only
	seq  uint64
	snap atomic.Value // *immutable.SortedMap[uint64, V]

	lastTime atomic.Value // time.Time of newest value
}

func newTailSegment[V any](rng series.TimeRange) *tailSegment[V] {
	t := &tailSegment[V]{rng: rng}
	t.snap.Store(immutable.NewSortedMap[uint64, V](nil))
	return t
}

func (t *tailSegment[V]) load() *immutable.SortedMap[uint64, V] {
	return t.snap.Load().(*immutable.SortedMap[uint64, V])
}

func (t *tailSegment[V]) add(v V, ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Store(t.load().Set(t.seq, v))
	t.seq++
	t.lastTime.Store(ts)
}

func (t *tailSegment[V]) len() int {
	return t.load().Len()
}

func (t *tailSegment[V]) newestTime() (time.Time, bool) {
	ts, ok := t.lastTime.Load().(time.Time)
	return ts, ok
}

// values returns the current contents in insertion order.
func (t *tailSegment[V]) values() []V {
	m := t.load()
	out := make([]V, 0, m.Len())
	it := m.Iterator()
	for !it.Done() {
		_, v, _ := it.Next()
		out = append(out, v)
	}
	return out
}

func (t *tailSegment[V]) first() (V, bool) {
	var zero V
	it := t.load().Iterator()
	if it.Done() {
		return zero, false
	}
	_, v, _ := it.Next()
	return v, true
}

func (t *tailSegment[V]) last() (V, bool) {
	var zero V
	it := t.load().Iterator()
	it.Last()
	if it.Done() {
		return zero, false
	}
	_, v, _ := it.Prev()
	return v, true
}

// rangeValues iterates the snapshot forward, clipped to [from, to] by the
// extracted time.
func (t *tailSegment[V]) rangeValues(from, to time.Time, timeOf func(V) time.Time) series.Cursor[V] {
	it := t.load().Iterator()
	done := false
	return series.NewFuncCursor(func() (V, error) {
		var zero V
		for !done && !it.Done() {
			_, v, _ := it.Next()
			ts := timeOf(v)
			if ts.Before(from) {
				continue
			}
			if ts.After(to) {
				break
			}
			return v, nil
		}
		done = true
		return zero, series.ErrNoMoreValues
	}, nil)
}

// rangeReverseValues iterates the snapshot backward, clipped to [from, to].
func (t *tailSegment[V]) rangeReverseValues(from, to time.Time, timeOf func(V) time.Time) series.Cursor[V] {
	it := t.load().Iterator()
	it.Last()
	done := false
	return series.NewFuncCursor(func() (V, error) {
		var zero V
		for !done && !it.Done() {
			_, v, _ := it.Prev()
			ts := timeOf(v)
			if ts.After(to) {
				continue
			}
			if ts.Before(from) {
				break
			}
			return v, nil
		}
		done = true
		return zero, series.ErrNoMoreValues
	}, nil)
}

// latest returns the newest value with time <= ts.
func (t *tailSegment[V]) latest(ts time.Time, timeOf func(V) time.Time) (V, bool) {
	var zero V
	it := t.load().Iterator()
	it.Last()
	for !it.Done() {
		_, v, _ := it.Prev()
		if !timeOf(v).After(ts) {
			return v, true
		}
	}
	return zero, false
}
