// SPDX-License-Identifier: AGPL-3.0-only

package shuffle

import (
	"math/rand"
	"time"

	"github.com/go-kit/log"
	"github.com/oklog/ulid"
)

// NewFetcherID mints a unique identifier for one Fetcher-producing task,
// suitable as the fetcherID passed to NewFetcherBuilder and
// NewOutputAllocator. It's embedded in every disk temp path those
// Fetchers' allocators mint, so collision-safety has to hold across
// process restarts, not just within one run — a ULID, not an incrementing
// counter, matching how the teacher mints block identifiers.
func NewFetcherID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// FetcherBuilder accumulates the configuration a task shares across every
// Fetcher it creates: identity, transport, allocator, framer, callbacks,
// metrics, logger. It carries no host or batch yet, so it cannot Build —
// only Assign can produce something buildable. This mirrors the IDLE/READY
// split in spec §3 at the type level: a FetcherBuilder is IDLE, and an
// AssignedFetcherBuilder is READY, so misuse (building before assigning a
// batch) is a compile error rather than a runtime panic.
type FetcherBuilder struct {
	fetcherID string
	appID     string
	transport Transport
	allocator *OutputAllocator
	framer    *WireFramer
	callbacks Callbacks
	metrics   *Metrics
	logger    log.Logger
}

// NewFetcherBuilder builds the shared, per-task configuration. fetcherID
// should be unique per concurrently-running Fetcher-producing task (it
// flows into every disk temp path this builder's Fetchers mint, via their
// shared allocator).
func NewFetcherBuilder(fetcherID, appID string, transport Transport, allocator *OutputAllocator, framer *WireFramer, callbacks Callbacks, metrics *Metrics, logger log.Logger) *FetcherBuilder {
	metrics.readAheadBytes.Set(float64(framer.ReadAheadBytes()))
	return &FetcherBuilder{
		fetcherID: fetcherID,
		appID:     appID,
		transport: transport,
		allocator: allocator,
		framer:    framer,
		callbacks: callbacks,
		metrics:   metrics,
		logger:    logger,
	}
}

// WithLogger returns a copy of b logging through logger instead. Builders
// are immutable; With-methods never mutate the receiver.
func (b *FetcherBuilder) WithLogger(logger log.Logger) *FetcherBuilder {
	next := *b
	next.logger = logger
	return &next
}

// Assign attaches a host, port, partition, and ordered attempt batch,
// yielding an AssignedFetcherBuilder that can Build a Fetcher for exactly
// that assignment. batch is copied; later mutation of the caller's slice
// doesn't affect the assignment.
func (b *FetcherBuilder) Assign(host string, port int, partition int32, batch []AttemptId) *AssignedFetcherBuilder {
	return &AssignedFetcherBuilder{
		FetcherBuilder: *b,
		host:           host,
		port:           port,
		partition:      partition,
		batch:          append([]AttemptId(nil), batch...),
	}
}

// AssignedFetcherBuilder is a FetcherBuilder plus one host assignment. It's
// the only type with a Build method, so a Fetcher can never be constructed
// without a host, partition, and batch already in hand.
type AssignedFetcherBuilder struct {
	FetcherBuilder
	host      string
	port      int
	partition int32
	batch     []AttemptId
}

// WithLogger returns a copy logging through logger instead, preserving the
// assignment.
func (b *AssignedFetcherBuilder) WithLogger(logger log.Logger) *AssignedFetcherBuilder {
	next := *b
	next.logger = logger
	return &next
}

// Build constructs a Fetcher ready for exactly one call to Fetch.
func (b *AssignedFetcherBuilder) Build() *Fetcher {
	pathToAttempt := make(map[string]AttemptId, len(b.batch))
	for _, a := range b.batch {
		pathToAttempt[a.PathComponent] = a
	}
	return &Fetcher{
		host:          b.host,
		port:          b.port,
		partition:     b.partition,
		appID:         b.appID,
		fetcherID:     b.fetcherID,
		batch:         append([]AttemptId(nil), b.batch...),
		pathToAttempt: pathToAttempt,
		transport:     b.transport,
		allocator:     b.allocator,
		framer:        b.framer,
		callbacks:     b.callbacks,
		logger:        b.logger,
		metrics:       b.metrics,
	}
}
