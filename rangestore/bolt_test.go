package rangestore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dunghc/chronostore/series"
)

func newTestStore(t *testing.T) *Bolt {
	t.Helper()
	store, err := OpenBolt(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func ts(nanos int64) time.Time { return time.Unix(0, nanos).UTC() }

func TestBoltPutGetDelete(t *testing.T) {
	store := newTestStore(t)

	key := EncodeTimeKey(ts(100))
	if err := store.Put("tbl", "k", key, []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, found, err := store.Get("tbl", "k", key)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if string(got) != "v" {
		t.Errorf("value: %q", got)
	}
	if err := store.Delete("tbl", "k", key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := store.Get("tbl", "k", key); found {
		t.Errorf("deleted key still present")
	}
}

func TestBoltFloor(t *testing.T) {
	store := newTestStore(t)
	for _, n := range []int64{100, 200, 300} {
		if err := store.Put("tbl", "k", EncodeTimeKey(ts(n)), []byte{byte(n / 100)}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	cases := []struct {
		at        int64
		wantFound bool
		want      int64
	}{
		{50, false, 0},
		{100, true, 100},
		{250, true, 200},
		{999, true, 300},
	}
	for _, tc := range cases {
		entry, found, err := store.Floor("tbl", "k", EncodeTimeKey(ts(tc.at)))
		if err != nil {
			t.Fatalf("floor(%d): %v", tc.at, err)
		}
		if found != tc.wantFound {
			t.Errorf("floor(%d): found=%v want %v", tc.at, found, tc.wantFound)
			continue
		}
		if found && !DecodeTimeKey(entry.RangeKey).Equal(ts(tc.want)) {
			t.Errorf("floor(%d) = %s, want %d", tc.at, DecodeTimeKey(entry.RangeKey), tc.want)
		}
	}
}

func TestBoltAscendDescend(t *testing.T) {
	store := newTestStore(t)
	for _, n := range []int64{100, 200, 300, 400} {
		if err := store.Put("tbl", "k", EncodeTimeKey(ts(n)), nil); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	asc, err := series.Collect(store.Ascend("tbl", "k", EncodeTimeKey(ts(150)), EncodeTimeKey(ts(350))))
	if err != nil {
		t.Fatalf("ascend: %v", err)
	}
	if len(asc) != 2 ||
		!DecodeTimeKey(asc[0].RangeKey).Equal(ts(200)) ||
		!DecodeTimeKey(asc[1].RangeKey).Equal(ts(300)) {
		t.Errorf("ascend window wrong: %d entries", len(asc))
	}

	desc, err := series.Collect(store.Descend("tbl", "k", EncodeTimeKey(ts(350)), nil))
	if err != nil {
		t.Fatalf("descend: %v", err)
	}
	if len(desc) != 3 || !DecodeTimeKey(desc[0].RangeKey).Equal(ts(300)) {
		t.Errorf("descend should start at floor(350)=300, got %d entries", len(desc))
	}

	// Descend from beyond the last key starts at the last key.
	desc, err = series.Collect(store.Descend("tbl", "k", EncodeTimeKey(ts(999)), EncodeTimeKey(ts(300))))
	if err != nil {
		t.Fatalf("descend: %v", err)
	}
	if len(desc) != 2 || !DecodeTimeKey(desc[0].RangeKey).Equal(ts(400)) {
		t.Errorf("bounded descend wrong: %d entries", len(desc))
	}
}

func TestBoltDeleteFrom(t *testing.T) {
	store := newTestStore(t)
	for _, n := range []int64{100, 200, 300} {
		if err := store.Put("tbl", "k", EncodeTimeKey(ts(n)), nil); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := store.DeleteFrom("tbl", "k", EncodeTimeKey(ts(200))); err != nil {
		t.Fatalf("delete from: %v", err)
	}
	rest, err := series.Collect(store.Ascend("tbl", "k", nil, nil))
	if err != nil {
		t.Fatalf("ascend: %v", err)
	}
	if len(rest) != 1 || !DecodeTimeKey(rest[0].RangeKey).Equal(ts(100)) {
		t.Errorf("want only 100 left, got %d entries", len(rest))
	}
}

func TestBoltDeleteAll(t *testing.T) {
	store := newTestStore(t)
	if err := store.Put("tbl", "a", EncodeTimeKey(ts(1)), nil); err != nil {
		t.Fatal(err)
	}
	if err := store.Put("tbl", "b", EncodeTimeKey(ts(1)), nil); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteAll("tbl", "a"); err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if _, found, _ := store.Get("tbl", "a", EncodeTimeKey(ts(1))); found {
		t.Errorf("group a should be gone")
	}
	if _, found, _ := store.Get("tbl", "b", EncodeTimeKey(ts(1))); !found {
		t.Errorf("group b should survive")
	}
}

func TestTimeKeyOrdering(t *testing.T) {
	// Pre-epoch times must sort before post-epoch times bytewise.
	neg := EncodeTimeKey(ts(-1000))
	pos := EncodeTimeKey(ts(1000))
	if string(neg) >= string(pos) {
		t.Errorf("pre-epoch key does not sort first")
	}
	if !DecodeTimeKey(neg).Equal(ts(-1000)) {
		t.Errorf("roundtrip failed for negative timestamp")
	}
}

func TestShiftKeyOrdering(t *testing.T) {
	a := EncodeShiftKey(ts(100), 1)
	b := EncodeShiftKey(ts(100), 2)
	c := EncodeShiftKey(ts(200), 1)
	if !(string(a) < string(b) && string(b) < string(c)) {
		t.Errorf("shift keys not lexicographically ordered")
	}
}
