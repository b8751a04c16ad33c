package updater

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dunghc/chronostore/codec"
	"github.com/dunghc/chronostore/rangestore"
	"github.com/dunghc/chronostore/segtable"
	"github.com/dunghc/chronostore/series"
)

type tick struct {
	TS  int64   `msgpack:"ts"`
	End int64   `msgpack:"end"`
	P   float64 `msgpack:"p"`
}

func (v tick) time() time.Time { return time.Unix(0, v.TS).UTC() }

type tickProvider struct{}

func (tickProvider) DownloadSegmentElements(ctx context.Context, k series.Key, r series.TimeRange) (series.Cursor[tick], error) {
	return series.NewEmptyCursor[tick](), nil
}
func (tickProvider) FirstAvailableSegmentFrom(series.Key) time.Time { return time.Time{} }
func (tickProvider) LastAvailableSegmentTo(series.Key) time.Time    { return time.Time{} }
func (tickProvider) ExtractTime(v tick) time.Time                   { return v.time() }
func (tickProvider) ExtractEndTime(v tick) time.Time                { return time.Unix(0, v.End).UTC() }

func newTestUpdater(t *testing.T, cfg Config[tick]) (*Updater[tick], *segtable.Table[tick]) {
	t.Helper()
	dir := t.TempDir()
	store, err := rangestore.OpenBolt(filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	table, err := segtable.New(segtable.Config[tick]{
		Dir:      filepath.Join(dir, "segments"),
		Store:    store,
		Codec:    codec.Msgpack[tick]{},
		Provider: tickProvider{},
	})
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	cfg.Table = table
	cfg.Provider = tickProvider{}
	u, err := New(cfg)
	if err != nil {
		t.Fatalf("new updater: %v", err)
	}
	return u, table
}

func nanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func segK(from, to int64) series.SegmentedKey {
	return series.SegmentedKey{
		Key:     series.StringKey("acme"),
		Segment: series.TimeRange{From: nanos(from), To: nanos(to)},
	}
}

func ticksAt(times ...int64) []tick {
	out := make([]tick, len(times))
	for i, n := range times {
		out[i] = tick{TS: n, End: n, P: float64(n)}
	}
	return out
}

func collectSegment(t *testing.T, table *segtable.Table[tick], k series.SegmentedKey) []tick {
	t.Helper()
	got, err := series.Collect(table.RangeValues(k, k.Segment.From, k.Segment.To))
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	return got
}

func TestUpdateBatchesIntoChunks(t *testing.T) {
	u, table := newTestUpdater(t, Config[tick]{BatchSize: 2})
	k := segK(0, 1000)

	res, err := u.Update(context.Background(), Request[tick]{
		SegK:   k,
		Source: series.NewSliceCursor(ticksAt(100, 200, 300, 400, 500)),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if res.Count != 5 {
		t.Errorf("count: %d", res.Count)
	}
	if !res.MinTime.Equal(nanos(100)) || !res.MaxTime.Equal(nanos(500)) {
		t.Errorf("window: [%s, %s]", res.MinTime, res.MaxTime)
	}

	metas, err := table.ChunkMetas(k)
	if err != nil {
		t.Fatalf("metas: %v", err)
	}
	if len(metas) != 3 {
		t.Fatalf("want 3 chunks for batch size 2, got %d", len(metas))
	}
	for i := 1; i < len(metas); i++ {
		if metas[i].FirstTime.Before(metas[i-1].LastTime) {
			t.Errorf("chunks overlap: %v then %v", metas[i-1], metas[i])
		}
	}
	got := collectSegment(t, table, k)
	if len(got) != 5 || got[0].TS != 100 || got[4].TS != 500 {
		t.Errorf("contents wrong: %+v", got)
	}

	// The lock file is removed on success.
	if _, err := os.Stat(table.UpdateLockPath(k)); !os.IsNotExist(err) {
		t.Errorf("lock file survived a successful update")
	}
}

func TestUpdateMonotonicityViolation(t *testing.T) {
	u, _ := newTestUpdater(t, Config[tick]{})
	k := segK(0, 1000)

	_, err := u.Update(context.Background(), Request[tick]{
		SegK:   k,
		Source: series.NewSliceCursor(ticksAt(500, 400, 300)),
	})
	if !errors.Is(err, series.ErrInvariantViolation) {
		t.Fatalf("want invariant violation, got %v", err)
	}
}

func TestUpdateRejectsEscapingWindow(t *testing.T) {
	u, _ := newTestUpdater(t, Config[tick]{})
	k := segK(0, 300)

	_, err := u.Update(context.Background(), Request[tick]{
		SegK:   k,
		Source: series.NewSliceCursor(ticksAt(100, 200, 400)),
	})
	if !errors.Is(err, series.ErrInvariantViolation) {
		t.Fatalf("values past the segment end must be rejected, got %v", err)
	}
}

func TestUpdateSkipsBeforeUpdateFrom(t *testing.T) {
	u, table := newTestUpdater(t, Config[tick]{})
	k := segK(0, 1000)

	res, err := u.Update(context.Background(), Request[tick]{
		SegK:       k,
		Source:     series.NewSliceCursor(ticksAt(100, 200, 300)),
		UpdateFrom: nanos(200),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if res.Count != 2 {
		t.Errorf("boundary duplicate not skipped: count %d", res.Count)
	}
	got := collectSegment(t, table, k)
	if len(got) != 2 || got[0].TS != 200 {
		t.Errorf("contents wrong: %+v", got)
	}
}

func TestUpdateDetectsStaleLockFile(t *testing.T) {
	u, table := newTestUpdater(t, Config[tick]{})
	k := segK(0, 1000)

	lockPath := table.UpdateLockPath(k)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(lockPath, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := u.Update(context.Background(), Request[tick]{
		SegK:   k,
		Source: series.NewSliceCursor(ticksAt(100)),
	})
	if !errors.Is(err, series.ErrIncompleteUpdate) {
		t.Fatalf("want incomplete update, got %v", err)
	}
}

func TestUpdateRedoLastFile(t *testing.T) {
	u, table := newTestUpdater(t, Config[tick]{BatchSize: 2})
	k := segK(0, 1000)

	if _, err := u.Update(context.Background(), Request[tick]{
		SegK:   k,
		Source: series.NewSliceCursor(ticksAt(100, 200, 300)),
	}); err != nil {
		t.Fatalf("first update: %v", err)
	}
	// The last chunk holds only 300; redoing it rewrites 300 and appends 400.
	if _, err := u.Update(context.Background(), Request[tick]{
		SegK:         k,
		Source:       series.NewSliceCursor(ticksAt(400)),
		RedoLastFile: true,
	}); err != nil {
		t.Fatalf("redo update: %v", err)
	}

	got := collectSegment(t, table, k)
	want := []int64{100, 200, 300, 400}
	if len(got) != len(want) {
		t.Fatalf("want %v, got %+v", want, got)
	}
	for i, v := range got {
		if v.TS != want[i] {
			t.Fatalf("value %d: want %d, got %d", i, want[i], v.TS)
		}
	}
}

func TestUpdateParallelMatchesSerial(t *testing.T) {
	const n = 5000
	times := make([]int64, n)
	for i := range times {
		times[i] = int64(i + 1)
	}

	u, table := newTestUpdater(t, Config[tick]{BatchSize: 100, Parallel: true, Workers: 4})
	k := segK(0, n+1)

	res, err := u.Update(context.Background(), Request[tick]{
		SegK:   k,
		Source: series.NewSliceCursor(ticksAt(times...)),
	})
	if err != nil {
		t.Fatalf("parallel update: %v", err)
	}
	if res.Count != n {
		t.Errorf("count: %d", res.Count)
	}

	metas, err := table.ChunkMetas(k)
	if err != nil {
		t.Fatalf("metas: %v", err)
	}
	if len(metas) != n/100 {
		t.Errorf("want %d chunks, got %d", n/100, len(metas))
	}
	for i := 1; i < len(metas); i++ {
		if !metas[i].FirstTime.After(metas[i-1].LastTime) {
			t.Fatalf("chunk order broken at %d", i)
		}
	}

	got := collectSegment(t, table, k)
	if len(got) != n {
		t.Fatalf("want %d values, got %d", n, len(got))
	}
	for i, v := range got {
		if v.TS != int64(i+1) {
			t.Fatalf("value %d: got %d", i, v.TS)
		}
	}
}

func TestUpdateEmptySource(t *testing.T) {
	u, table := newTestUpdater(t, Config[tick]{})
	k := segK(0, 1000)

	res, err := u.Update(context.Background(), Request[tick]{
		SegK:   k,
		Source: series.NewEmptyCursor[tick](),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if res.Count != 0 {
		t.Errorf("count: %d", res.Count)
	}
	if !table.IsEmptyOrInconsistent(k) {
		t.Errorf("empty segment should report empty")
	}
}
