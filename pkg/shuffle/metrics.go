// SPDX-License-Identifier: AGPL-3.0-only

package shuffle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus instrumentation shared by an OutputAllocator
// and the Fetchers that use it. One Metrics is meant to be created per
// consuming task and passed to every Fetcher and OutputAllocator it owns,
// mirroring the readerMetrics struct referenced by the teacher's Kafka
// fetcher (pkg/storage/ingest/reader.go, not included in this pack, hence
// the struct is rebuilt here from the fields fetcher.go actually reads off
// it: fetchWaitDuration and fetchedDiscardedRecordBytes).
type Metrics struct {
	memoryAllocated     prometheus.Counter
	memoryReleased      prometheus.Counter
	diskAllocated       prometheus.Counter
	allocationsWaited   prometheus.Counter
	allocationFailures   prometheus.Counter
	fetchesConnectFailed prometheus.Counter
	fetchesValidateFailed prometheus.Counter
	fetchesBadHeader     prometheus.Counter
	fetchesPayloadFailed prometheus.Counter
	attemptsSucceeded    prometheus.Counter
	fetchDuration        prometheus.Histogram
	readAheadBytes       prometheus.Gauge
}

// NewMetrics registers the fetcher/allocator instrumentation with reg. reg
// may be nil, in which case the metrics are created but not registered
// anywhere (handy for tests that don't care about the prometheus output).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		memoryAllocated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "shuffle_fetch_memory_allocated_bytes_total",
			Help: "Total bytes reserved from the in-memory shuffle budget.",
		}),
		memoryReleased: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "shuffle_fetch_memory_released_bytes_total",
			Help: "Total bytes returned to the in-memory shuffle budget by aborted allocations.",
		}),
		diskAllocated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "shuffle_fetch_disk_allocated_bytes_total",
			Help: "Total declared bytes of attempts placed on disk.",
		}),
		allocationsWaited: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "shuffle_fetch_allocations_wait_total",
			Help: "Total allocations that returned a WAIT back-pressure placement.",
		}),
		allocationFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "shuffle_fetch_allocation_failures_total",
			Help: "Total allocations that failed to create a disk destination.",
		}),
		fetchesConnectFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "shuffle_fetch_connect_failures_total",
			Help: "Total fetcher runs that failed to connect to their host.",
		}),
		fetchesValidateFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "shuffle_fetch_validation_failures_total",
			Help: "Total fetcher runs that failed HMAC token validation after connect.",
		}),
		fetchesBadHeader: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "shuffle_fetch_bad_header_total",
			Help: "Total fetcher runs aborted by a malformed or unattributable header.",
		}),
		fetchesPayloadFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "shuffle_fetch_payload_io_failures_total",
			Help: "Total attempts that failed mid-payload.",
		}),
		attemptsSucceeded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "shuffle_fetch_attempts_succeeded_total",
			Help: "Total attempts whose output was committed.",
		}),
		fetchDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "shuffle_fetch_batch_duration_seconds",
			Help:    "Time spent draining one fetcher's batch, start to finish.",
			Buckets: prometheus.DefBuckets,
		}),
		readAheadBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "shuffle_fetch_read_ahead_bytes",
			Help: "Configured ifileReadAheadBytes, reported as a gauge for visibility.",
		}),
	}
}
