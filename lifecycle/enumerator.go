package lifecycle

import (
	"iter"
	"time"

	"github.com/dunghc/chronostore/series"
)

// Verdict classifies a candidate segment during enumeration. Termination is
// an explicit verdict, never exception-shaped control flow.
type Verdict int

const (
	VerdictContinue Verdict = iota
	VerdictSkip
	VerdictStop
)

// forwardVerdict clips the finder's range enumeration: a segment entirely
// before the window is dropped (the finder should never produce one), a
// segment starting past the window terminates the sequence.
func forwardVerdict(seg series.TimeRange, from, to time.Time) Verdict {
	if seg.To.Before(from) {
		return VerdictSkip
	}
	if seg.From.After(to) {
		return VerdictStop
	}
	return VerdictContinue
}

// Segments enumerates the segments overlapping [from, to] in ascending
// order, lazily, delegating to the finder's range query.
func Segments(finder series.SegmentFinder, from, to time.Time) series.Cursor[series.TimeRange] {
	if to.Before(from) {
		return series.NewEmptyCursor[series.TimeRange]()
	}
	next, stop := iter.Pull(finder.SegmentsWithin(from, to))
	return series.NewFuncCursor(func() (series.TimeRange, error) {
		for {
			seg, ok := next()
			if !ok {
				return series.TimeRange{}, series.ErrNoMoreValues
			}
			switch forwardVerdict(seg, from, to) {
			case VerdictSkip:
				continue
			case VerdictStop:
				stop()
				return series.TimeRange{}, series.ErrNoMoreValues
			default:
				return seg, nil
			}
		}
	}, func() error {
		stop()
		return nil
	})
}

// SegmentsReverse enumerates the segments overlapping [from, to] in
// descending order: seeded with the segment containing to, stepping to the
// segment just before each one, stopping once the window's start is covered.
func SegmentsReverse(finder series.SegmentFinder, from, to time.Time) series.Cursor[series.TimeRange] {
	if to.Before(from) {
		return series.NewEmptyCursor[series.TimeRange]()
	}
	cur := finder.SegmentFor(to)
	done := false
	return series.NewFuncCursor(func() (series.TimeRange, error) {
		if done {
			return series.TimeRange{}, series.ErrNoMoreValues
		}
		seg := cur
		if seg.To.Before(from) {
			done = true
			return series.TimeRange{}, series.ErrNoMoreValues
		}
		if !seg.From.After(from) {
			// This segment covers the window start; nothing earlier overlaps.
			done = true
			return seg, nil
		}
		prev := finder.SegmentFor(seg.From.Add(-time.Nanosecond))
		if !prev.To.Before(seg.From) {
			// Finder failed to step backwards; stop rather than loop.
			done = true
			return seg, nil
		}
		cur = prev
		return seg, nil
	}, func() error {
		done = true
		return nil
	})
}
