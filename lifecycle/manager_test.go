package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dunghc/chronostore/codec"
	"github.com/dunghc/chronostore/rangestore"
	"github.com/dunghc/chronostore/segtable"
	"github.com/dunghc/chronostore/series"
	"github.com/dunghc/chronostore/status"
	"github.com/dunghc/chronostore/updater"
)

type tick struct {
	TS  int64   `msgpack:"ts"`
	End int64   `msgpack:"end"`
	P   float64 `msgpack:"p"`
}

func (v tick) time() time.Time { return time.Unix(0, v.TS).UTC() }

func tickAt(ts time.Time) tick {
	return tick{TS: ts.UnixNano(), End: ts.UnixNano(), P: float64(ts.Unix())}
}

// monthlyProvider serves three values per month (first, mid, last day) of
// 2020 and counts downloads per segment.
type monthlyProvider struct {
	mu          sync.Mutex
	downloads   map[string]int
	emptyMonths map[time.Month]bool
	first, last time.Time
}

func newMonthlyProvider() *monthlyProvider {
	return &monthlyProvider{
		downloads:   make(map[string]int),
		emptyMonths: make(map[time.Month]bool),
		first:       date(2020, time.January, 1),
		last:        date(2020, time.December, 31).Add(24*time.Hour - time.Nanosecond),
	}
}

func (p *monthlyProvider) DownloadSegmentElements(ctx context.Context, k series.Key, r series.TimeRange) (series.Cursor[tick], error) {
	p.mu.Lock()
	p.downloads[r.String()]++
	empty := p.emptyMonths[r.From.Month()]
	p.mu.Unlock()
	if empty {
		return series.NewEmptyCursor[tick](), nil
	}
	vals := []tick{
		tickAt(r.From),
		tickAt(date(r.From.Year(), r.From.Month(), 15)),
		tickAt(date(r.From.Year(), r.From.Month(), daysIn(r.From))),
	}
	return series.NewSliceCursor(vals), nil
}

func daysIn(t time.Time) int {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, -1).Day()
}

func (p *monthlyProvider) FirstAvailableSegmentFrom(series.Key) time.Time { return p.first }
func (p *monthlyProvider) LastAvailableSegmentTo(series.Key) time.Time    { return p.last }
func (p *monthlyProvider) ExtractTime(v tick) time.Time                   { return v.time() }
func (p *monthlyProvider) ExtractEndTime(v tick) time.Time                { return time.Unix(0, v.End).UTC() }

func (p *monthlyProvider) downloadCount(r series.TimeRange) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.downloads[r.String()]
}

func (p *monthlyProvider) totalDownloads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, n := range p.downloads {
		total += n
	}
	return total
}

type testStack struct {
	provider *monthlyProvider
	table    *segtable.Table[tick]
	status   *status.Store
	manager  *Manager[tick]
	key      series.Key
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	dir := t.TempDir()
	store, err := rangestore.OpenBolt(filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	provider := newMonthlyProvider()
	table, err := segtable.New(segtable.Config[tick]{
		Dir:      filepath.Join(dir, "segments"),
		Store:    store,
		Codec:    codec.Msgpack[tick]{},
		Provider: provider,
	})
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	statusStore := status.New(store)
	upd, err := updater.New(updater.Config[tick]{Table: table, Provider: provider})
	if err != nil {
		t.Fatalf("new updater: %v", err)
	}
	manager, err := New(Config[tick]{
		Table:    table,
		Status:   statusStore,
		Provider: provider,
		Finder:   series.MonthFinder{},
		Updater:  upd,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return &testStack{
		provider: provider,
		table:    table,
		status:   statusStore,
		manager:  manager,
		key:      series.StringKey("acme"),
	}
}

func (s *testStack) segKFor(t time.Time) series.SegmentedKey {
	return series.SegmentedKey{Key: s.key, Segment: series.MonthFinder{}.SegmentFor(t)}
}

func TestMaybeInitSegment(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	segK := s.segKFor(date(2020, time.March, 10))

	if err := s.manager.MaybeInitSegment(ctx, segK); err != nil {
		t.Fatalf("init: %v", err)
	}
	st, found, err := s.status.Get(segK)
	if err != nil || !found || st != series.StatusComplete {
		t.Fatalf("status after init: %v %v %v", st, found, err)
	}
	got, err := series.Collect(s.table.RangeValues(segK, segK.Segment.From, segK.Segment.To))
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("want 3 values, got %d", len(got))
	}

	// A second call is a no-op: no new download.
	if err := s.manager.MaybeInitSegment(ctx, segK); err != nil {
		t.Fatalf("second init: %v", err)
	}
	if n := s.provider.downloadCount(segK.Segment); n != 1 {
		t.Errorf("want 1 download, got %d", n)
	}
}

func TestMaybeInitSegmentConcurrentSingleDownload(t *testing.T) {
	s := newTestStack(t)
	segK := s.segKFor(date(2020, time.July, 1))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.manager.MaybeInitSegment(context.Background(), segK)
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if n := s.provider.downloadCount(segK.Segment); n != 1 {
		t.Errorf("want exactly 1 download under concurrency, got %d", n)
	}
}

func TestMaybeInitSegmentBounds(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	// Entirely before the availability window.
	early := s.segKFor(date(2019, time.June, 1))
	if err := s.manager.MaybeInitSegment(ctx, early); !errors.Is(err, series.ErrInvariantViolation) {
		t.Errorf("pre-availability segment: want invariant violation, got %v", err)
	}

	// Entirely after the availability window.
	late := s.segKFor(date(2021, time.June, 1))
	if err := s.manager.MaybeInitSegment(ctx, late); !errors.Is(err, series.ErrInvariantViolation) {
		t.Errorf("post-availability segment: want invariant violation, got %v", err)
	}
}

func TestMaybeInitSegmentEmptySource(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	s.provider.emptyMonths[time.June] = true
	segK := s.segKFor(date(2020, time.June, 5))

	err := s.manager.MaybeInitSegment(ctx, segK)
	if !errors.Is(err, series.ErrInvariantViolation) {
		t.Fatalf("empty segment: want invariant violation, got %v", err)
	}
	st, found, _ := s.status.Get(segK)
	if !found || st != series.StatusInitializing {
		t.Fatalf("status should stay initializing, got %v found=%v", st, found)
	}

	// The source recovers; the next caller purges the failed attempt and
	// converges to complete.
	s.provider.emptyMonths[time.June] = false
	if err := s.manager.MaybeInitSegment(ctx, segK); err != nil {
		t.Fatalf("retry: %v", err)
	}
	st, _, _ = s.status.Get(segK)
	if st != series.StatusComplete {
		t.Errorf("status after retry: %v", st)
	}
	got, err := series.Collect(s.table.RangeValues(segK, segK.Segment.From, segK.Segment.To))
	if err != nil || len(got) != 3 {
		t.Errorf("want full contents after retry, got %d (%v)", len(got), err)
	}
}

func TestMaybeInitSegmentCrashRecovery(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	segK := s.segKFor(date(2020, time.April, 20))

	// Simulate a crash mid-initialization: the status row is left at
	// initializing and never completed.
	if err := s.status.Put(segK, series.StatusInitializing); err != nil {
		t.Fatal(err)
	}

	if err := s.manager.MaybeInitSegment(ctx, segK); err != nil {
		t.Fatalf("recovery init: %v", err)
	}
	st, _, _ := s.status.Get(segK)
	if st != series.StatusComplete {
		t.Errorf("status after recovery: %v", st)
	}
	got, err := series.Collect(s.table.RangeValues(segK, segK.Segment.From, segK.Segment.To))
	if err != nil || len(got) != 3 {
		t.Errorf("want full contents after recovery, got %d (%v)", len(got), err)
	}
}

func TestInitFromValues(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	segK := s.segKFor(date(2020, time.May, 1))
	vals := []tick{
		tickAt(date(2020, time.May, 1)),
		tickAt(date(2020, time.May, 10)),
	}

	if err := s.manager.InitFromValues(ctx, segK, vals); err != nil {
		t.Fatalf("init from values: %v", err)
	}
	st, _, _ := s.status.Get(segK)
	if st != series.StatusComplete {
		t.Errorf("status: %v", st)
	}
	if n := s.provider.totalDownloads(); n != 0 {
		t.Errorf("in-memory init must not download, got %d", n)
	}
	got, err := series.Collect(s.table.RangeValues(segK, segK.Segment.From, segK.Segment.To))
	if err != nil || len(got) != 2 {
		t.Errorf("want 2 values, got %d (%v)", len(got), err)
	}
}
