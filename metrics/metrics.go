// Package metrics defines the engine's prometheus instrumentation. A nil
// registerer yields working but unregistered collectors, so callers never
// guard metric updates.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's collectors.
type Metrics struct {
	SegmentsInitialized prometheus.Counter
	SegmentsPurged      prometheus.Counter
	ChunksWritten       prometheus.Counter
	ValuesWritten       prometheus.Counter
	BytesWritten        prometheus.Counter
	LockTimeouts        prometheus.Counter
	LookupHits          *prometheus.CounterVec
	LookupMisses        *prometheus.CounterVec
}

// New creates the collectors and registers them with reg if non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SegmentsInitialized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronostore_segments_initialized_total",
			Help: "Number of segments materialized to completion.",
		}),
		SegmentsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronostore_segments_purged_total",
			Help: "Number of partially initialized segments purged before retry.",
		}),
		ChunksWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronostore_chunks_written_total",
			Help: "Number of chunk files flushed.",
		}),
		ValuesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronostore_values_written_total",
			Help: "Number of values appended to chunk files.",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronostore_bytes_written_total",
			Help: "Encoded payload bytes appended to chunk files.",
		}),
		LockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronostore_lock_timeouts_total",
			Help: "Write lock acquisitions that expired their budget.",
		}),
		LookupHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chronostore_lookup_hits_total",
			Help: "Lookup cache hits by table.",
		}, []string{"table"}),
		LookupMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chronostore_lookup_misses_total",
			Help: "Lookup cache misses by table.",
		}, []string{"table"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.SegmentsInitialized, m.SegmentsPurged,
			m.ChunksWritten, m.ValuesWritten, m.BytesWritten,
			m.LockTimeouts, m.LookupHits, m.LookupMisses,
		)
	}
	return m
}
