// Package status persists the lifecycle state of every segment: a row per
// (hashKey, segment range) holding initializing or complete. A missing row
// means the segment was never attempted.
package status

import (
	"errors"

	"github.com/dunghc/chronostore/rangestore"
	"github.com/dunghc/chronostore/series"
)

const table = "segment_status"

var ErrBadStatus = errors.New("malformed segment status row")

// Row is one persisted status entry.
type Row struct {
	Segment series.TimeRange
	Status  series.Status
}

// Store reads and writes segment status rows.
type Store struct {
	rs rangestore.Store
}

func New(rs rangestore.Store) *Store {
	return &Store{rs: rs}
}

func (s *Store) Get(segK series.SegmentedKey) (series.Status, bool, error) {
	value, found, err := s.rs.Get(table, segK.Key.HashKey(), rangestore.EncodeRangeKey(segK.Segment))
	if err != nil || !found {
		return 0, false, err
	}
	if len(value) != 1 {
		return 0, false, ErrBadStatus
	}
	return series.Status(value[0]), true, nil
}

func (s *Store) Put(segK series.SegmentedKey, st series.Status) error {
	return s.rs.Put(table, segK.Key.HashKey(), rangestore.EncodeRangeKey(segK.Segment), []byte{byte(st)})
}

func (s *Store) Delete(segK series.SegmentedKey) error {
	return s.rs.Delete(table, segK.Key.HashKey(), rangestore.EncodeRangeKey(segK.Segment))
}

// All returns every status row of a series, ordered by segment range.
func (s *Store) All(k series.Key) ([]Row, error) {
	entries, err := series.Collect(s.rs.Ascend(table, k.HashKey(), nil, nil))
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(entries))
	for _, e := range entries {
		if len(e.RangeKey) != rangestore.RangeKeySize || len(e.Value) != 1 {
			return nil, ErrBadStatus
		}
		rows = append(rows, Row{
			Segment: rangestore.DecodeRangeKey(e.RangeKey),
			Status:  series.Status(e.Value[0]),
		})
	}
	return rows, nil
}

// Last returns the row with the greatest segment range, if any.
func (s *Store) Last(k series.Key) (Row, bool, error) {
	entry, found, err := s.rs.Last(table, k.HashKey())
	if err != nil || !found {
		return Row{}, false, err
	}
	if len(entry.RangeKey) != rangestore.RangeKeySize || len(entry.Value) != 1 {
		return Row{}, false, ErrBadStatus
	}
	return Row{
		Segment: rangestore.DecodeRangeKey(entry.RangeKey),
		Status:  series.Status(entry.Value[0]),
	}, true, nil
}

// DeleteAll removes every status row of a series.
func (s *Store) DeleteAll(k series.Key) error {
	return s.rs.DeleteAll(table, k.HashKey())
}
