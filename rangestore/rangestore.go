// Package rangestore defines the ordered key/range table the engine persists
// its metadata in: statuses, chunk metadata, and lookup rows. Entries are
// grouped by (table, hashKey) and sorted bytewise by rangeKey. Bolt is the
// file-backed implementation.
package rangestore

import (
	"errors"

	"github.com/dunghc/chronostore/series"
)

var (
	// ErrStoreClosed is returned for operations on a closed store.
	ErrStoreClosed = errors.New("range store is closed")

	// ErrCorruptIteration reports a mutation that failed against an open
	// iteration, leaving the table in a state the caller should rebuild.
	ErrCorruptIteration = errors.New("range store corrupted by delete during iteration")
)

// Entry is one row of a table.
type Entry struct {
	RangeKey []byte
	Value    []byte
}

// Store is a sorted map grouped by (table, hashKey), ordered bytewise by
// rangeKey. Cursors returned by Ascend and Descend read a consistent snapshot
// and must be closed.
type Store interface {
	Get(table, hashKey string, rangeKey []byte) ([]byte, bool, error)
	Put(table, hashKey string, rangeKey, value []byte) error
	Delete(table, hashKey string, rangeKey []byte) error

	// Floor returns the entry with the greatest rangeKey <= rangeKey.
	Floor(table, hashKey string, rangeKey []byte) (Entry, bool, error)

	// First and Last return the boundary entries of a hashKey group.
	First(table, hashKey string) (Entry, bool, error)
	Last(table, hashKey string) (Entry, bool, error)

	// Ascend iterates entries with from <= rangeKey <= to in ascending order.
	// A nil bound is open-ended.
	Ascend(table, hashKey string, from, to []byte) series.Cursor[Entry]

	// Descend iterates entries with to <= rangeKey <= from in descending
	// order. A nil bound is open-ended.
	Descend(table, hashKey string, from, to []byte) series.Cursor[Entry]

	// DeleteFrom removes every entry with rangeKey >= from.
	DeleteFrom(table, hashKey string, from []byte) error

	// DeleteAll removes every entry of a hashKey group.
	DeleteAll(table, hashKey string) error

	Close() error
}
