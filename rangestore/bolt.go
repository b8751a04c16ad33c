package rangestore

import (
	"bytes"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/dunghc/chronostore/series"
)

// Bolt is the bbolt-backed Store. Tables map to top-level buckets, hashKey
// groups to nested buckets. Cursors hold a read transaction until closed;
// bbolt's MVCC keeps them consistent against concurrent writes.
type Bolt struct {
	mu     sync.Mutex
	db     *bolt.DB
	closed bool
}

// OpenBolt opens (or creates) the store file at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open range store: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) checkClosed() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStoreClosed
	}
	return nil
}

// group returns the nested bucket for (table, hashKey), or nil if absent.
func group(tx *bolt.Tx, table, hashKey string) *bolt.Bucket {
	tb := tx.Bucket([]byte(table))
	if tb == nil {
		return nil
	}
	return tb.Bucket([]byte(hashKey))
}

func ensureGroup(tx *bolt.Tx, table, hashKey string) (*bolt.Bucket, error) {
	tb, err := tx.CreateBucketIfNotExists([]byte(table))
	if err != nil {
		return nil, err
	}
	return tb.CreateBucketIfNotExists([]byte(hashKey))
}

func (b *Bolt) Get(table, hashKey string, rangeKey []byte) ([]byte, bool, error) {
	if err := b.checkClosed(); err != nil {
		return nil, false, err
	}
	var out []byte
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		g := group(tx, table, hashKey)
		if g == nil {
			return nil
		}
		if v := g.Get(rangeKey); v != nil {
			out = bytes.Clone(v)
			found = true
		}
		return nil
	})
	return out, found, err
}

func (b *Bolt) Put(table, hashKey string, rangeKey, value []byte) error {
	if err := b.checkClosed(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		g, err := ensureGroup(tx, table, hashKey)
		if err != nil {
			return err
		}
		return g.Put(rangeKey, value)
	})
}

func (b *Bolt) Delete(table, hashKey string, rangeKey []byte) error {
	if err := b.checkClosed(); err != nil {
		return err
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		g := group(tx, table, hashKey)
		if g == nil {
			return nil
		}
		return g.Delete(rangeKey)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptIteration, err)
	}
	return nil
}

func (b *Bolt) Floor(table, hashKey string, rangeKey []byte) (Entry, bool, error) {
	if err := b.checkClosed(); err != nil {
		return Entry{}, false, err
	}
	var entry Entry
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		g := group(tx, table, hashKey)
		if g == nil {
			return nil
		}
		c := g.Cursor()
		k, v := c.Seek(rangeKey)
		switch {
		case k == nil:
			// Past the last key; the floor is the last entry, if any.
			k, v = c.Last()
		case !bytes.Equal(k, rangeKey):
			// Seek landed on the first key after rangeKey.
			k, v = c.Prev()
		}
		if k != nil {
			entry = Entry{RangeKey: bytes.Clone(k), Value: bytes.Clone(v)}
			found = true
		}
		return nil
	})
	return entry, found, err
}

func (b *Bolt) First(table, hashKey string) (Entry, bool, error) {
	return b.boundary(table, hashKey, false)
}

func (b *Bolt) Last(table, hashKey string) (Entry, bool, error) {
	return b.boundary(table, hashKey, true)
}

func (b *Bolt) boundary(table, hashKey string, last bool) (Entry, bool, error) {
	if err := b.checkClosed(); err != nil {
		return Entry{}, false, err
	}
	var entry Entry
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		g := group(tx, table, hashKey)
		if g == nil {
			return nil
		}
		c := g.Cursor()
		var k, v []byte
		if last {
			k, v = c.Last()
		} else {
			k, v = c.First()
		}
		if k != nil {
			entry = Entry{RangeKey: bytes.Clone(k), Value: bytes.Clone(v)}
			found = true
		}
		return nil
	})
	return entry, found, err
}

func (b *Bolt) Ascend(table, hashKey string, from, to []byte) series.Cursor[Entry] {
	return b.scan(table, hashKey, from, to, false)
}

func (b *Bolt) Descend(table, hashKey string, from, to []byte) series.Cursor[Entry] {
	return b.scan(table, hashKey, from, to, true)
}

// scan opens a read transaction that lives until the cursor is closed.
func (b *Bolt) scan(table, hashKey string, from, to []byte, reverse bool) series.Cursor[Entry] {
	if err := b.checkClosed(); err != nil {
		return &errCursor{err: err}
	}
	tx, err := b.db.Begin(false)
	if err != nil {
		return &errCursor{err: err}
	}
	g := group(tx, table, hashKey)
	if g == nil {
		_ = tx.Rollback()
		return series.NewEmptyCursor[Entry]()
	}
	return &boltCursor{tx: tx, c: g.Cursor(), from: from, to: to, reverse: reverse}
}

type boltCursor struct {
	tx      *bolt.Tx
	c       *bolt.Cursor
	from    []byte
	to      []byte
	reverse bool
	started bool
	closed  bool
}

func (s *boltCursor) Next() (Entry, error) {
	if s.closed {
		return Entry{}, series.ErrNoMoreValues
	}
	var k, v []byte
	switch {
	case !s.started && !s.reverse:
		s.started = true
		if s.from != nil {
			k, v = s.c.Seek(s.from)
		} else {
			k, v = s.c.First()
		}
	case !s.started && s.reverse:
		s.started = true
		if s.from != nil {
			k, v = s.c.Seek(s.from)
			if k == nil {
				k, v = s.c.Last()
			} else if !bytes.Equal(k, s.from) {
				k, v = s.c.Prev()
			}
		} else {
			k, v = s.c.Last()
		}
	case s.reverse:
		k, v = s.c.Prev()
	default:
		k, v = s.c.Next()
	}
	if k == nil {
		return Entry{}, series.ErrNoMoreValues
	}
	if !s.reverse && s.to != nil && bytes.Compare(k, s.to) > 0 {
		return Entry{}, series.ErrNoMoreValues
	}
	if s.reverse && s.to != nil && bytes.Compare(k, s.to) < 0 {
		return Entry{}, series.ErrNoMoreValues
	}
	return Entry{RangeKey: bytes.Clone(k), Value: bytes.Clone(v)}, nil
}

func (s *boltCursor) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.tx.Rollback()
}

type errCursor struct{ err error }

func (c *errCursor) Next() (Entry, error) { return Entry{}, c.err }
func (c *errCursor) Close() error         { return nil }

func (b *Bolt) DeleteFrom(table, hashKey string, from []byte) error {
	if err := b.checkClosed(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		g := group(tx, table, hashKey)
		if g == nil {
			return nil
		}
		c := g.Cursor()
		var doomed [][]byte
		for k, _ := c.Seek(from); k != nil; k, _ = c.Next() {
			doomed = append(doomed, bytes.Clone(k))
		}
		for _, k := range doomed {
			if err := g.Delete(k); err != nil {
				return fmt.Errorf("%w: %v", ErrCorruptIteration, err)
			}
		}
		return nil
	})
}

func (b *Bolt) DeleteAll(table, hashKey string) error {
	if err := b.checkClosed(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		tb := tx.Bucket([]byte(table))
		if tb == nil {
			return nil
		}
		if tb.Bucket([]byte(hashKey)) == nil {
			return nil
		}
		return tb.DeleteBucket([]byte(hashKey))
	})
}

func (b *Bolt) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

var _ Store = (*Bolt)(nil)
