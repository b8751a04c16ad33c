package series

import (
	"iter"
	"time"
)

// PeriodFinder tiles time into fixed-duration segments aligned to the Unix
// epoch. Each segment spans [n*d, (n+1)*d - 1ns].
type PeriodFinder struct {
	Period time.Duration
}

func (f PeriodFinder) SegmentFor(t time.Time) TimeRange {
	d := f.Period
	n := t.UnixNano()
	start := n - mod(n, int64(d))
	from := time.Unix(0, start).UTC()
	return TimeRange{From: from, To: from.Add(d - time.Nanosecond)}
}

func (f PeriodFinder) SegmentsWithin(from, to time.Time) iter.Seq[TimeRange] {
	return segmentsWithin(f, from, to)
}

// mod is a floored modulo so pre-epoch times tile consistently.
func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// MonthFinder tiles time into calendar months in UTC. Each segment spans
// [first-of-month, last-instant-of-month].
type MonthFinder struct{}

func (MonthFinder) SegmentFor(t time.Time) TimeRange {
	t = t.UTC()
	from := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return TimeRange{From: from, To: from.AddDate(0, 1, 0).Add(-time.Nanosecond)}
}

func (f MonthFinder) SegmentsWithin(from, to time.Time) iter.Seq[TimeRange] {
	return segmentsWithin(f, from, to)
}

// segmentsWithin walks a finder forward from the segment containing from
// until the segment no longer overlaps [from, to].
func segmentsWithin(f SegmentFinder, from, to time.Time) iter.Seq[TimeRange] {
	return func(yield func(TimeRange) bool) {
		if to.Before(from) {
			return
		}
		cur := f.SegmentFor(from)
		for {
			if cur.From.After(to) {
				return
			}
			if !yield(cur) {
				return
			}
			next := f.SegmentFor(cur.To.Add(time.Nanosecond))
			if !next.From.After(cur.To) {
				// Finder failed to advance; stop rather than loop forever.
				return
			}
			cur = next
		}
	}
}
