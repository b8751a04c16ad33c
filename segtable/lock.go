package segtable

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// readerSlots is the semaphore weight of a write acquisition. Readers take
// weight 1, so a writer holds the lock exclusively.
const readerSlots = 1 << 30

// SegmentLock is the read/write lock shared by everything touching one
// segment. The identity mutex (Enter/Leave) serializes lock candidates so a
// deadline-bounded write acquisition never competes with another candidate,
// only with in-flight readers.
type SegmentLock struct {
	monitor sync.Mutex
	sem     *semaphore.Weighted
}

func newSegmentLock() *SegmentLock {
	return &SegmentLock{sem: semaphore.NewWeighted(readerSlots)}
}

// Enter takes the identity mutex. Hold it across a status observation plus
// the subsequent write acquisition.
func (l *SegmentLock) Enter() { l.monitor.Lock() }

// Leave releases the identity mutex.
func (l *SegmentLock) Leave() { l.monitor.Unlock() }

// RLock acquires shared access. ctx bounds the wait.
func (l *SegmentLock) RLock(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

// RUnlock releases shared access.
func (l *SegmentLock) RUnlock() { l.sem.Release(1) }

// Lock acquires exclusive access. ctx bounds the wait; a deadline expiry is
// returned as the context error for the caller to map.
func (l *SegmentLock) Lock(ctx context.Context) error {
	return l.sem.Acquire(ctx, readerSlots)
}

// Unlock releases exclusive access.
func (l *SegmentLock) Unlock() { l.sem.Release(readerSlots) }
