package chronostore

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dunghc/chronostore/chunkfile"
	"github.com/dunghc/chronostore/query"
)

// Options configures a DB. Zero values select the defaults noted per field.
type Options struct {
	// Compression for chunk files. Defaults to lz4.
	Compression chunkfile.Compression

	// Framing for chunk files. Defaults to dynamic length-prefixed records;
	// FixedLength must be set for fixed framing.
	Framing     chunkfile.Framing
	FixedLength int

	// BatchSize is the number of values per chunk file.
	BatchSize int

	// Parallel enables the producer/worker chunk flush path; Workers and
	// QueueDepth bound it.
	Parallel   bool
	Workers    int
	QueueDepth int

	// CacheCapacity bounds each lookup cache; Eviction selects the overflow
	// strategy.
	CacheCapacity int
	Eviction      query.EvictionMode

	// WriteLockTimeout is the per-segment write acquisition budget.
	WriteLockTimeout time.Duration

	// InitAttempts bounds the retry runner around segment initialization.
	InitAttempts int

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger

	// Registerer receives the engine's prometheus collectors. If nil, the
	// collectors exist but stay unregistered.
	Registerer prometheus.Registerer
}

// Option mutates Options.
type Option func(*Options)

// WithCompression selects the chunk file compression.
func WithCompression(c chunkfile.Compression) Option {
	return func(o *Options) { o.Compression = c }
}

// WithFixedFraming stores every value as exactly length bytes, no record
// header. The codec must produce encodings of that exact width.
func WithFixedFraming(length int) Option {
	return func(o *Options) {
		o.Framing = chunkfile.FramingFixed
		o.FixedLength = length
	}
}

// WithBatchSize sets the number of values per chunk file.
func WithBatchSize(n int) Option {
	return func(o *Options) { o.BatchSize = n }
}

// WithParallelFlush enables parallel chunk writing with up to workers
// writers. Zero workers means one per CPU.
func WithParallelFlush(workers int) Option {
	return func(o *Options) {
		o.Parallel = true
		o.Workers = workers
	}
}

// WithCacheCapacity bounds each lookup cache.
func WithCacheCapacity(n int) Option {
	return func(o *Options) { o.CacheCapacity = n }
}

// WithEviction selects the lookup cache overflow strategy.
func WithEviction(mode query.EvictionMode) Option {
	return func(o *Options) { o.Eviction = mode }
}

// WithWriteLockTimeout overrides the write lock acquisition budget.
func WithWriteLockTimeout(d time.Duration) Option {
	return func(o *Options) { o.WriteLockTimeout = d }
}

// WithInitAttempts bounds retries around one segment initialization.
func WithInitAttempts(n int) Option {
	return func(o *Options) { o.InitAttempts = n }
}

// WithLogger wires structured logging.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithRegisterer registers the engine's metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *Options) { o.Registerer = reg }
}
