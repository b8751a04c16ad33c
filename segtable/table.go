// Package segtable maintains the per-key segment table: chunk metadata rows
// in the range store plus the chunk files themselves, and the per-segment
// read/write locks everything else synchronizes on.
package segtable

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dunghc/chronostore/chunkfile"
	"github.com/dunghc/chronostore/logging"
	"github.com/dunghc/chronostore/rangestore"
	"github.com/dunghc/chronostore/series"
)

// chunksTable is the range store table holding chunk metadata rows,
// rangeKey = firstTime.
const chunksTable = "chunks"

// updateLockFileName marks an in-progress update inside a segment directory.
// Its presence before an update means the previous one did not complete.
const updateLockFileName = "update.lock"

var (
	ErrMissingDir      = errors.New("segment table dir is required")
	ErrMissingStore    = errors.New("segment table store is required")
	ErrMissingCodec    = errors.New("segment table codec is required")
	ErrMissingProvider = errors.New("segment table provider is required")
)

type Config[V any] struct {
	// Dir is the root directory for chunk files.
	Dir string

	// Store holds chunk metadata rows.
	Store rangestore.Store

	Codec    series.Codec[V]
	Provider series.Provider[V]

	// FileConfig is the framing and compression applied to every chunk file.
	FileConfig chunkfile.Config

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Table is the per-key segment table.
type Table[V any] struct {
	cfg    Config[V]
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*SegmentLock
}

func New[V any](cfg Config[V]) (*Table[V], error) {
	if cfg.Dir == "" {
		return nil, ErrMissingDir
	}
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	if cfg.Codec == nil {
		return nil, ErrMissingCodec
	}
	if cfg.Provider == nil {
		return nil, ErrMissingProvider
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, err
	}
	return &Table[V]{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "segment-table"),
		locks:  make(map[string]*SegmentLock),
	}, nil
}

// TableLock returns the lock object for segK. The same object is returned
// for the same segment for the lifetime of the table, giving lock identity.
func (t *Table[V]) TableLock(segK series.SegmentedKey) *SegmentLock {
	key := segK.HashKey()
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[key]
	if !ok {
		l = newSegmentLock()
		t.locks[key] = l
	}
	return l
}

// FileConfig exposes the chunk file framing so writers stay consistent.
func (t *Table[V]) FileConfig() chunkfile.Config { return t.cfg.FileConfig }

// Codec exposes the value codec.
func (t *Table[V]) Codec() series.Codec[V] { return t.cfg.Codec }

func (t *Table[V]) segmentDir(segK series.SegmentedKey) string {
	return filepath.Join(t.cfg.Dir, url.PathEscape(segK.Key.HashKey()), segK.Segment.String())
}

// UpdateLockPath returns the crash-marker path for segK.
func (t *Table[V]) UpdateLockPath(segK series.SegmentedKey) string {
	return filepath.Join(t.segmentDir(segK), updateLockFileName)
}

// NewFile returns a fresh chunk file path for a chunk starting at firstTime.
// The uuid suffix keeps a rewrite of the same firstTime distinct from the
// file it replaces.
func (t *Table[V]) NewFile(segK series.SegmentedKey, firstTime time.Time) string {
	name := fmt.Sprintf("%d-%s.chunk", firstTime.UnixNano(), uuid.NewString()[:8])
	return filepath.Join(t.segmentDir(segK), name)
}

// FinishFile records a flushed chunk in the metadata table.
func (t *Table[V]) FinishFile(segK series.SegmentedKey, meta series.ChunkMeta) error {
	data, err := msgpack.Marshal(meta)
	if err != nil {
		return err
	}
	return t.cfg.Store.Put(chunksTable, segK.HashKey(), rangestore.EncodeTimeKey(meta.FirstTime), data)
}

func decodeMeta(value []byte) (series.ChunkMeta, error) {
	var meta series.ChunkMeta
	if err := msgpack.Unmarshal(value, &meta); err != nil {
		return series.ChunkMeta{}, fmt.Errorf("decode chunk meta: %w", err)
	}
	return meta, nil
}

// ChunkMetas returns all chunk metadata rows of segK ordered by firstTime.
func (t *Table[V]) ChunkMetas(segK series.SegmentedKey) ([]series.ChunkMeta, error) {
	entries, err := series.Collect(t.cfg.Store.Ascend(chunksTable, segK.HashKey(), nil, nil))
	if err != nil {
		return nil, err
	}
	metas := make([]series.ChunkMeta, 0, len(entries))
	for _, e := range entries {
		meta, err := decodeMeta(e.Value)
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

// LastChunk returns the chunk with the greatest firstTime, if any.
func (t *Table[V]) LastChunk(segK series.SegmentedKey) (series.ChunkMeta, bool, error) {
	entry, found, err := t.cfg.Store.Last(chunksTable, segK.HashKey())
	if err != nil || !found {
		return series.ChunkMeta{}, false, err
	}
	meta, err := decodeMeta(entry.Value)
	if err != nil {
		return series.ChunkMeta{}, false, err
	}
	return meta, true, nil
}

// DeleteChunk removes one chunk's metadata row and its file.
func (t *Table[V]) DeleteChunk(segK series.SegmentedKey, meta series.ChunkMeta) error {
	if err := t.cfg.Store.Delete(chunksTable, segK.HashKey(), rangestore.EncodeTimeKey(meta.FirstTime)); err != nil {
		return err
	}
	if err := os.Remove(meta.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DeleteRange removes all chunks, metadata, and the update lock of segK.
func (t *Table[V]) DeleteRange(segK series.SegmentedKey) error {
	metas, err := t.ChunkMetas(segK)
	if err != nil {
		return err
	}
	for _, meta := range metas {
		if err := os.Remove(meta.Path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if err := t.cfg.Store.DeleteAll(chunksTable, segK.HashKey()); err != nil {
		return err
	}
	if err := os.RemoveAll(t.segmentDir(segK)); err != nil {
		return err
	}
	t.logger.Info("deleted segment data", "segment", segK.HashKey(), "chunks", len(metas))
	return nil
}

// IsEmptyOrInconsistent reports whether segK has no chunks, or any declared
// chunk file is missing, unreadable, or empty.
func (t *Table[V]) IsEmptyOrInconsistent(segK series.SegmentedKey) bool {
	metas, err := t.ChunkMetas(segK)
	if err != nil || len(metas) == 0 {
		return true
	}
	for _, meta := range metas {
		info, err := os.Stat(meta.Path)
		if err != nil || info.Size() == 0 {
			return true
		}
		it, err := chunkfile.OpenIterator(meta.Path, t.cfg.Codec, t.cfg.FileConfig)
		if err != nil {
			return true
		}
		_, err = it.Next()
		_ = it.Close()
		if err != nil {
			// No first record or a decode fault: the chunk is unusable.
			return true
		}
	}
	return false
}
