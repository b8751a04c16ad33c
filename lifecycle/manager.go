// Package lifecycle materializes segments on demand: it owns the per-segment
// state machine (absent -> initializing -> complete), the availability bounds
// check, crash recovery of half-written segments, and segment enumeration.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dunghc/chronostore/logging"
	"github.com/dunghc/chronostore/metrics"
	"github.com/dunghc/chronostore/segtable"
	"github.com/dunghc/chronostore/series"
	"github.com/dunghc/chronostore/status"
	"github.com/dunghc/chronostore/updater"
)

// DefaultWriteLockTimeout is the write lock acquisition budget. An expiry is
// surfaced as a retry-later fault, never a silent hang.
const DefaultWriteLockTimeout = time.Minute

// DefaultInitAttempts bounds the retry runner around one initialization.
const DefaultInitAttempts = 3

type Config[V any] struct {
	Table    *segtable.Table[V]
	Status   *status.Store
	Provider series.Provider[V]
	Finder   series.SegmentFinder
	Updater  *updater.Updater[V]

	// WriteLockTimeout overrides DefaultWriteLockTimeout.
	WriteLockTimeout time.Duration

	// InitAttempts overrides DefaultInitAttempts.
	InitAttempts int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Manager drives segment initialization.
type Manager[V any] struct {
	cfg    Config[V]
	logger *slog.Logger
}

func New[V any](cfg Config[V]) (*Manager[V], error) {
	if cfg.Table == nil || cfg.Status == nil || cfg.Provider == nil || cfg.Finder == nil || cfg.Updater == nil {
		return nil, errors.New("lifecycle manager requires table, status, provider, finder, and updater")
	}
	if cfg.WriteLockTimeout <= 0 {
		cfg.WriteLockTimeout = DefaultWriteLockTimeout
	}
	if cfg.InitAttempts <= 0 {
		cfg.InitAttempts = DefaultInitAttempts
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	return &Manager[V]{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "lifecycle"),
	}, nil
}

// MaybeInitSegment ensures segK is materialized. Concurrent callers perform
// at most one download: candidates are serialized on the lock's identity
// mutex, so only the first observer runs the initialization.
func (m *Manager[V]) MaybeInitSegment(ctx context.Context, segK series.SegmentedKey) error {
	lock := m.cfg.Table.TableLock(segK)
	lock.Enter()
	defer lock.Leave()

	// Observe status under the read lock.
	if err := lock.RLock(ctx); err != nil {
		return err
	}
	st, found, err := m.cfg.Status.Get(segK)
	lock.RUnlock()
	if err != nil {
		return err
	}
	if found && st == series.StatusComplete {
		return nil
	}

	// Transition out of absent/initializing under the write lock, bounded.
	// Holding the identity mutex means the only contention left is readers
	// draining, so the budget cannot be consumed by rival writers.
	wctx, cancel := context.WithTimeout(ctx, m.cfg.WriteLockTimeout)
	defer cancel()
	if err := lock.Lock(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			m.cfg.Metrics.LockTimeouts.Inc()
			return fmt.Errorf("%w: %v", series.ErrRetryLater, series.ErrLockTimeout)
		}
		return err
	}
	defer lock.Unlock()

	if found && st == series.StatusInitializing {
		// A previous attempt crashed mid-write. Purge before retrying.
		m.logger.Warn("recovering half-initialized segment", "segment", segK.HashKey())
		if err := m.purge(segK); err != nil {
			return err
		}
	}

	if err := m.checkBounds(segK); err != nil {
		return err
	}

	if err := m.cfg.Status.Put(segK, series.StatusInitializing); err != nil {
		return err
	}

	if err := m.initSegmentRetry(ctx, segK); err != nil {
		if errors.Is(err, series.ErrIncompleteUpdate) {
			if perr := m.purge(segK); perr != nil {
				return perr
			}
			return fmt.Errorf("%w: %v", series.ErrRetryLater, err)
		}
		// Status stays at initializing; the next caller purges and retries.
		return err
	}

	if m.cfg.Table.IsEmptyOrInconsistent(segK) {
		return fmt.Errorf("%w: segment %s should have added at least one entry",
			series.ErrInvariantViolation, segK.HashKey())
	}

	if err := m.cfg.Status.Put(segK, series.StatusComplete); err != nil {
		return err
	}
	m.cfg.Metrics.SegmentsInitialized.Inc()
	m.logger.Info("segment initialized", "segment", segK.HashKey())
	return nil
}

// checkBounds rejects segments outside the series availability window.
func (m *Manager[V]) checkBounds(segK series.SegmentedKey) error {
	first := m.cfg.Provider.FirstAvailableSegmentFrom(segK.Key)
	last := m.cfg.Provider.LastAvailableSegmentTo(segK.Key)
	if segK.Segment.To.Before(first) {
		return fmt.Errorf("%w: segment %s predates availability start %s",
			series.ErrInvariantViolation, segK.Segment, first)
	}
	if segK.Segment.To.After(last) {
		return fmt.Errorf("%w: segment %s postdates availability end %s",
			series.ErrInvariantViolation, segK.Segment, last)
	}
	return nil
}

// purge removes a segment's chunks and status row so the next attempt starts
// clean. Must be called under the segment write lock.
func (m *Manager[V]) purge(segK series.SegmentedKey) error {
	if err := m.cfg.Table.DeleteRange(segK); err != nil {
		return err
	}
	if err := m.cfg.Status.Delete(segK); err != nil {
		return err
	}
	m.cfg.Metrics.SegmentsPurged.Inc()
	return nil
}

// initSegmentRetry runs one initialization with bounded exponential backoff.
// Invariant violations are permanent; everything else is assumed transient.
// Each attempt starts from purged segment data so a half-written previous
// attempt cannot poison it.
func (m *Manager[V]) initSegmentRetry(ctx context.Context, segK series.SegmentedKey) error {
	op := func() error {
		if err := m.cfg.Table.DeleteRange(segK); err != nil {
			return err
		}
		src, err := m.cfg.Provider.DownloadSegmentElements(ctx, segK.Key, segK.Segment)
		if err != nil {
			return err
		}
		_, err = m.cfg.Updater.Update(ctx, updater.Request[V]{SegK: segK, Source: src})
		if err != nil {
			if errors.Is(err, series.ErrInvariantViolation) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(m.cfg.InitAttempts-1)),
		ctx,
	)
	return backoff.Retry(op, b)
}

// InitFromValues materializes segK from in-memory values, used when a live
// segment rolls over to historical. Takes the same lock path as
// MaybeInitSegment.
func (m *Manager[V]) InitFromValues(ctx context.Context, segK series.SegmentedKey, vals []V) error {
	lock := m.cfg.Table.TableLock(segK)
	lock.Enter()
	defer lock.Leave()

	wctx, cancel := context.WithTimeout(ctx, m.cfg.WriteLockTimeout)
	defer cancel()
	if err := lock.Lock(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			m.cfg.Metrics.LockTimeouts.Inc()
			return fmt.Errorf("%w: %v", series.ErrRetryLater, series.ErrLockTimeout)
		}
		return err
	}
	defer lock.Unlock()

	if err := m.cfg.Status.Put(segK, series.StatusInitializing); err != nil {
		return err
	}
	_, err := m.cfg.Updater.Update(ctx, updater.Request[V]{
		SegK:   segK,
		Source: series.NewSliceCursor(vals),
	})
	if err != nil {
		return err
	}
	if m.cfg.Table.IsEmptyOrInconsistent(segK) {
		return fmt.Errorf("%w: segment %s should have added at least one entry",
			series.ErrInvariantViolation, segK.HashKey())
	}
	return m.cfg.Status.Put(segK, series.StatusComplete)
}
