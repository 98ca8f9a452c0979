package metrics

import "github.com/prometheus/client_golang/prometheus"

// MPTMetrics are the upsert/compaction counters and gauges for an MPT
// engine. A nil *MPTMetrics is valid and every method is then a no-op, so
// instrumentation is opt-in for callers that construct an Engine without a
// Registry (tests, one-off tools).
type MPTMetrics struct {
	upserts         prometheus.Counter
	compactions     prometheus.Counter
	chunksReclaimed prometheus.Counter
	historyDepth    prometheus.Gauge
}

// NewMPTMetrics registers the MPT engine's metrics against reg.
func NewMPTMetrics(reg *Registry) *MPTMetrics {
	return &MPTMetrics{
		upserts:         reg.Counter("mpt_upserts_total", "total Upsert calls").WithLabelValues(),
		compactions:     reg.Counter("mpt_compactions_total", "total Compact calls").WithLabelValues(),
		chunksReclaimed: reg.Counter("mpt_chunks_reclaimed_total", "chunks moved to the free list by Compact").WithLabelValues(),
		historyDepth:    reg.Gauge("mpt_history_depth", "current number of retained versions").WithLabelValues(),
	}
}

func (m *MPTMetrics) RecordUpsert() {
	if m == nil {
		return
	}
	m.upserts.Inc()
}

func (m *MPTMetrics) RecordCompaction(chunksFreed int) {
	if m == nil {
		return
	}
	m.compactions.Inc()
	m.chunksReclaimed.Add(float64(chunksFreed))
}

func (m *MPTMetrics) SetHistoryDepth(n int) {
	if m == nil {
		return
	}
	m.historyDepth.Set(float64(n))
}

// ArchiveMetrics are the archive/restore codec's chunk and byte counters.
type ArchiveMetrics struct {
	chunksArchived prometheus.Counter
	chunksRestored prometheus.Counter
	bytesWritten   prometheus.Counter
}

// NewArchiveMetrics registers the archive codec's metrics against reg.
func NewArchiveMetrics(reg *Registry) *ArchiveMetrics {
	return &ArchiveMetrics{
		chunksArchived: reg.Counter("archive_chunks_archived_total", "chunks written by Archive").WithLabelValues(),
		chunksRestored: reg.Counter("archive_chunks_restored_total", "chunks written by Restore").WithLabelValues(),
		bytesWritten:   reg.Counter("archive_bytes_written_total", "compressed bytes written by Archive").WithLabelValues(),
	}
}

func (m *ArchiveMetrics) RecordArchived(chunks int, bytes int) {
	if m == nil {
		return
	}
	m.chunksArchived.Add(float64(chunks))
	m.bytesWritten.Add(float64(bytes))
}

func (m *ArchiveMetrics) RecordRestored(chunks int) {
	if m == nil {
		return
	}
	m.chunksRestored.Add(float64(chunks))
}
