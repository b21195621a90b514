package metrics

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Metrics collects archive throughput and usage counters
type Metrics struct {
	mu sync.RWMutex

	// Pack / unpack metrics
	PackedFilesTotal   int64
	PackedBytesTotal   int64
	UnpackedFilesTotal int64
	UnpackedBytesTotal int64

	// Validation metrics
	ValidatedFilesTotal int64
	DigestFailuresTotal int64

	// Operation metrics, by operation kind
	OperationCountTotal map[string]int64
	OperationDurationNs map[string]int64
	OperationFailures   map[string]int64

	// Range GET metrics, by archive key
	RangeGetBytesTotal map[string]int64
	RangeGetCountTotal map[string]int64
	RangeGetDurationNs map[string]int64

	// Read path metrics
	ReadHitsTotal   int64
	ReadMissesTotal int64
	ReadBytesTotal  int64
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		OperationCountTotal: make(map[string]int64),
		OperationDurationNs: make(map[string]int64),
		OperationFailures:   make(map[string]int64),
		RangeGetBytesTotal:  make(map[string]int64),
		RangeGetCountTotal:  make(map[string]int64),
		RangeGetDurationNs:  make(map[string]int64),
	}
}

// RecordPackedFile records one file streamed into an archive
func (m *Metrics) RecordPackedFile(path string, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PackedFilesTotal++
	m.PackedBytesTotal += bytes

	log.Debug().
		Str("path", path).
		Int64("bytes", bytes).
		Int64("total_files", m.PackedFilesTotal).
		Msg("file packed")
}

// RecordUnpackedFile records one entry written out of an archive
func (m *Metrics) RecordUnpackedFile(path string, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UnpackedFilesTotal++
	m.UnpackedBytesTotal += bytes

	log.Debug().
		Str("path", path).
		Int64("bytes", bytes).
		Int64("total_files", m.UnpackedFilesTotal).
		Msg("file unpacked")
}

// RecordValidation records a digest check
func (m *Metrics) RecordValidation(path string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ValidatedFilesTotal++
	if !ok {
		m.DigestFailuresTotal++
		log.Debug().Str("path", path).Msg("digest mismatch")
	}
}

// RecordOperation records a finished pack, unpack or validate call
func (m *Metrics) RecordOperation(kind string, duration time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.OperationCountTotal[kind]++
	m.OperationDurationNs[kind] += duration.Nanoseconds()
	if failed {
		m.OperationFailures[kind]++
	}

	log.Debug().
		Str("operation", kind).
		Dur("duration", duration).
		Bool("failed", failed).
		Msg("operation completed")
}

// RecordRangeGet records a ranged object read
func (m *Metrics) RecordRangeGet(key string, bytes int64, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RangeGetBytesTotal[key] += bytes
	m.RangeGetCountTotal[key]++
	m.RangeGetDurationNs[key] += duration.Nanoseconds()

	log.Debug().
		Str("key", key).
		Int64("bytes", bytes).
		Dur("duration", duration).
		Msg("range GET completed")
}

// RecordRead records a FUSE read, hit meaning it was served from a local copy
func (m *Metrics) RecordRead(bytes int64, hit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ReadBytesTotal += bytes
	if hit {
		m.ReadHitsTotal++
	} else {
		m.ReadMissesTotal++
	}
}

// Snapshot returns the counters keyed by metric name
func (m *Metrics) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metrics := make(map[string]interface{})

	metrics["evp_packed_files_total"] = m.PackedFilesTotal
	metrics["evp_packed_bytes_total"] = m.PackedBytesTotal
	metrics["evp_unpacked_files_total"] = m.UnpackedFilesTotal
	metrics["evp_unpacked_bytes_total"] = m.UnpackedBytesTotal
	metrics["evp_validated_files_total"] = m.ValidatedFilesTotal
	metrics["evp_digest_failures_total"] = m.DigestFailuresTotal
	metrics["evp_read_hits_total"] = m.ReadHitsTotal
	metrics["evp_read_misses_total"] = m.ReadMissesTotal
	metrics["evp_read_bytes_total"] = m.ReadBytesTotal

	for kind, count := range m.OperationCountTotal {
		metrics["evp_operation_count_total{operation=\""+kind+"\"}"] = count
		metrics["evp_operation_seconds_total{operation=\""+kind+"\"}"] = float64(m.OperationDurationNs[kind]) / 1e9
		metrics["evp_operation_failures_total{operation=\""+kind+"\"}"] = m.OperationFailures[kind]
	}

	var totalRangeGetBytes, totalRangeGetCount int64
	for key, bytes := range m.RangeGetBytesTotal {
		totalRangeGetBytes += bytes
		totalRangeGetCount += m.RangeGetCountTotal[key]
	}
	metrics["evp_range_get_bytes_total"] = totalRangeGetBytes
	metrics["evp_range_get_count_total"] = totalRangeGetCount

	return metrics
}

// LogSummary logs a summary of current metrics
func (m *Metrics) LogSummary() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log.Info().
		Int64("packed_files", m.PackedFilesTotal).
		Int64("packed_bytes", m.PackedBytesTotal).
		Int64("unpacked_files", m.UnpackedFilesTotal).
		Int64("unpacked_bytes", m.UnpackedBytesTotal).
		Int64("validated_files", m.ValidatedFilesTotal).
		Int64("digest_failures", m.DigestFailuresTotal).
		Int64("read_bytes", m.ReadBytesTotal).
		Msg("metrics summary")
}

// Global metrics instance
var GlobalMetrics = NewMetrics()

func RecordOperation(kind string, duration time.Duration, failed bool) {
	GlobalMetrics.RecordOperation(kind, duration, failed)
}

func RecordRangeGet(key string, bytes int64, duration time.Duration) {
	GlobalMetrics.RecordRangeGet(key, bytes, duration)
}

func RecordRead(bytes int64, hit bool) {
	GlobalMetrics.RecordRead(bytes, hit)
}

func LogMetricsSummary() {
	GlobalMetrics.LogSummary()
}
