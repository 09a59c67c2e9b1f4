// SPDX-License-Identifier: AGPL-3.0-only

package shuffle

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/opentracing/opentracing-go"
	"go.uber.org/atomic"
)

// Connection is the narrow view of an open shuffle HTTP stream that Fetcher
// needs: a readable body carrying the concatenated per-attempt frames, and
// a way to run the HMAC validation step described in spec §6 before any of
// those bytes are trusted. shuffleclient.Stream implements this.
type Connection interface {
	Body() io.ReadCloser
	Verify() error
}

// Transport is the external collaborator that opens the shuffle HTTP
// stream. shuffleclient.Client implements this; Fetcher never imports
// net/http directly.
type Transport interface {
	Open(ctx context.Context, host string, port int, appID string, partition int32, pathComponents []string) (Connection, error)
}

type attemptKey struct {
	inputIndex    int
	attemptNumber int
}

func keyOf(a AttemptId) attemptKey {
	return attemptKey{inputIndex: a.InputIndex, attemptNumber: a.AttemptNumber}
}

// remainingSet is the insertion-ordered set of attempts not yet drained,
// described in spec §3's FetcherState. Membership is keyed on (InputIndex,
// AttemptNumber), matching AttemptId.Equal, not on the full struct (whose
// PathComponent field isn't part of identity).
type remainingSet struct {
	order   []AttemptId
	present map[attemptKey]bool
}

func newRemainingSet(batch []AttemptId) *remainingSet {
	s := &remainingSet{
		order:   append([]AttemptId(nil), batch...),
		present: make(map[attemptKey]bool, len(batch)),
	}
	for _, a := range batch {
		s.present[keyOf(a)] = true
	}
	return s
}

func (s *remainingSet) Has(a AttemptId) bool { return s.present[keyOf(a)] }
func (s *remainingSet) Remove(a AttemptId)   { delete(s.present, keyOf(a)) }
func (s *remainingSet) Empty() bool          { return len(s.present) == 0 }

// Snapshot returns the still-remaining attempts in their original insertion
// order.
func (s *remainingSet) Snapshot() []AttemptId {
	out := make([]AttemptId, 0, len(s.present))
	for _, a := range s.order {
		if s.present[keyOf(a)] {
			out = append(out, a)
		}
	}
	return out
}

// FetchResult is what a Fetcher returns to the scheduler: the
// (host, port, partition) it was assigned, and whichever attempts it did
// not accept responsibility for. Remaining is empty iff the batch was
// fully drained.
type FetchResult struct {
	Host      string
	Port      int
	Partition int32
	Remaining []AttemptId
}

// Fetcher drives one host's batch through the state machine in spec §4.3:
// connect, validate, drain, attributing failures per attempt or per host as
// it goes, and honoring cooperative shutdown at every blocking step. A
// Fetcher is built once, via AssignedFetcherBuilder.Build, for exactly one
// call to Fetch.
type Fetcher struct {
	host      string
	port      int
	partition int32
	appID     string
	fetcherID string

	batch         []AttemptId
	pathToAttempt map[string]AttemptId

	transport Transport
	allocator *OutputAllocator
	framer    *WireFramer
	callbacks Callbacks
	logger    log.Logger
	metrics   *Metrics

	shutdownFlag atomic.Bool

	closeMu sync.Mutex // guards conn and cancel; distinct from any I/O path
	conn    Connection
	cancel  context.CancelFunc
}

// Shutdown is idempotent and safe to call from any goroutine, including
// concurrently with an in-progress Fetch. It sets the shutdown flag, then
// cancels the fetch context and closes the open connection (if any) under
// closeMu, so a concurrent Fetch blocked on a read observes either a
// cancelled context or a closed body and returns without reporting any
// further failures.
func (f *Fetcher) Shutdown() {
	if !f.shutdownFlag.CompareAndSwap(false, true) {
		return // already shutting down
	}
	f.closeMu.Lock()
	defer f.closeMu.Unlock()
	if f.cancel != nil {
		f.cancel()
	}
	if f.conn != nil {
		_ = f.conn.Body().Close()
	}
}

func (f *Fetcher) isShuttingDown() bool {
	return f.shutdownFlag.Load()
}

// pathComponents returns the batch's path components in batch order, for
// the mapOutput request URL (spec §6).
func (f *Fetcher) pathComponents() []string {
	out := make([]string, len(f.batch))
	for i, a := range f.batch {
		out[i] = a.PathComponent
	}
	return out
}

// Fetch runs the state machine to completion: connect, validate, drain, and
// report. It must be called exactly once per Fetcher. It blocks until the
// batch is fully drained, a failure terminates the fetch early, or
// Shutdown is called.
func (f *Fetcher) Fetch(ctx context.Context) FetchResult {
	start := time.Now()
	logger := log.With(f.logger, "host", f.host, "port", f.port, "partition", f.partition, "fetcher_id", f.fetcherID)

	fetchSpan, ctx := opentracing.StartSpanFromContext(ctx, "shuffle.fetch")
	fetchSpan.SetTag("host", f.host)
	fetchSpan.SetTag("port", f.port)
	fetchSpan.SetTag("partition", f.partition)
	fetchSpan.SetTag("batch_size", len(f.batch))
	defer fetchSpan.Finish()

	fetchCtx, cancel := context.WithCancel(ctx)
	f.closeMu.Lock()
	f.cancel = cancel
	alreadyShuttingDown := f.shutdownFlag.Load()
	f.closeMu.Unlock()
	defer cancel()

	if alreadyShuttingDown {
		level.Info(logger).Log("msg", "fetcher shut down before connecting")
		return f.allUnfetched()
	}

	connectSpan, connectCtx := opentracing.StartSpanFromContext(fetchCtx, "shuffle.fetch.connect")
	conn, err := f.transport.Open(connectCtx, f.host, f.port, f.appID, f.partition, f.pathComponents())

	// Checkpoint 1: after connect.
	if f.isShuttingDown() {
		connectSpan.Finish()
		if conn != nil {
			_ = conn.Body().Close()
		}
		level.Info(logger).Log("msg", "fetcher shut down during connect")
		return f.allUnfetched()
	}
	if err != nil {
		connErr := &ConnectError{Cause: err}
		connectSpan.SetTag("error", true)
		connectSpan.LogKV("event", "connect_failed", "error.message", connErr.Error())
		connectSpan.Finish()
		f.metrics.fetchesConnectFailed.Inc()
		level.Warn(logger).Log("msg", "connect failed; attributing to host", "err", connErr)
		for _, a := range f.batch {
			f.callbacks.FetchFailed(f.host, a, true)
		}
		// Connect failures are both reported (connectFailed=true, above) and
		// returned as remaining, so the scheduler can both penalize the host
		// and reschedule every attempt elsewhere. This double-accounting is
		// deliberate; see DESIGN.md.
		return FetchResult{Host: f.host, Port: f.port, Partition: f.partition, Remaining: append([]AttemptId(nil), f.batch...)}
	}
	connectSpan.Finish()

	f.closeMu.Lock()
	f.conn = conn
	f.closeMu.Unlock()

	// Checkpoint 2: after stream open.
	if f.isShuttingDown() {
		f.closeConn()
		level.Info(logger).Log("msg", "fetcher shut down after stream open")
		return f.allUnfetched()
	}

	validateSpan, _ := opentracing.StartSpanFromContext(fetchCtx, "shuffle.fetch.validate")
	if verr := conn.Verify(); verr != nil {
		f.closeConn()
		if f.isShuttingDown() {
			validateSpan.Finish()
			level.Info(logger).Log("msg", "suppressing validation error observed after shutdown", "err", verr)
			return f.allUnfetched()
		}
		validErr := &ValidationError{Cause: verr}
		validateSpan.SetTag("error", true)
		validateSpan.LogKV("event", "validation_failed", "error.message", validErr.Error())
		validateSpan.Finish()
		f.metrics.fetchesValidateFailed.Inc()
		first := f.batch[0]
		level.Warn(logger).Log("msg", "validation failed; attributing to first attempt", "attempt", first, "err", validErr)
		f.callbacks.FetchFailed(f.host, first, false)
		rest := append([]AttemptId(nil), f.batch[1:]...)
		return FetchResult{Host: f.host, Port: f.port, Partition: f.partition, Remaining: rest}
	}
	validateSpan.Finish()

	drainSpan, _ := opentracing.StartSpanFromContext(fetchCtx, "shuffle.fetch.drain")
	defer drainSpan.Finish()

	remaining := newRemainingSet(f.batch)
	result := f.drain(conn, remaining, logger, start)
	drainSpan.SetTag("remaining", len(result.Remaining))
	return result
}

// allUnfetched builds the FetchResult for a shutdown that happened before
// any attempt could be attributed: every attempt in the batch is returned
// unfetched, with no success or failure callbacks, per spec §4.3.
func (f *Fetcher) allUnfetched() FetchResult {
	return FetchResult{Host: f.host, Port: f.port, Partition: f.partition, Remaining: append([]AttemptId(nil), f.batch...)}
}

func (f *Fetcher) closeConn() {
	f.closeMu.Lock()
	defer f.closeMu.Unlock()
	if f.conn != nil {
		_ = f.conn.Body().Close()
	}
}

// drain reads ShuffleHeaders and streams payloads until remaining is empty
// or a failure or shutdown terminates the fetch, attributing failures per
// spec §4.3.
func (f *Fetcher) drain(conn Connection, remaining *remainingSet, logger log.Logger, start time.Time) FetchResult {
	defer f.closeConn()
	body := conn.Body()

	for !remaining.Empty() {
		if f.isShuttingDown() {
			level.Info(logger).Log("msg", "fetcher shutting down mid-drain")
			return FetchResult{Host: f.host, Port: f.port, Partition: f.partition, Remaining: remaining.Snapshot()}
		}

		header, err := f.framer.ReadHeader(body)
		if err != nil {
			if f.isShuttingDown() {
				level.Info(logger).Log("msg", "suppressing header read error observed after shutdown", "err", err)
				return FetchResult{Host: f.host, Port: f.port, Partition: f.partition, Remaining: remaining.Snapshot()}
			}
			return f.failAllRemaining(remaining, logger, err)
		}

		attempt, verr := f.framer.ValidateAttempt(header, f.partition, func(pathComponent string) (AttemptId, bool) {
			a, ok := f.pathToAttempt[pathComponent]
			if !ok {
				return AttemptId{}, false
			}
			return a, remaining.Has(a)
		})
		if verr != nil {
			if f.isShuttingDown() {
				level.Info(logger).Log("msg", "suppressing header validation error observed after shutdown", "err", verr)
				return FetchResult{Host: f.host, Port: f.port, Partition: f.partition, Remaining: remaining.Snapshot()}
			}
			return f.failAllRemaining(remaining, logger, verr)
		}

		level.Debug(logger).Log("msg", "draining attempt", "attempt", attempt, "compressed_len", header.CompressedLength, "uncompressed_len", header.UncompressedLength)

		dest, allocErr := f.allocator.Allocate(header.UncompressedLength, header.CompressedLength, attempt, true)
		if allocErr != nil {
			if f.isShuttingDown() {
				level.Info(logger).Log("msg", "suppressing allocation error observed after shutdown", "attempt", attempt, "err", allocErr)
				return FetchResult{Host: f.host, Port: f.port, Partition: f.partition, Remaining: remaining.Snapshot()}
			}
			return f.failOneAttempt(remaining, logger, attempt, allocErr)
		}

		if streamErr := f.framer.StreamPayload(body, header, dest); streamErr != nil {
			if abortErr := dest.Abort(); abortErr != nil {
				level.Warn(logger).Log("msg", "failed to abort destination after payload error", "attempt", attempt, "err", abortErr)
			}
			if f.isShuttingDown() {
				level.Info(logger).Log("msg", "suppressing payload error observed after shutdown", "attempt", attempt, "err", streamErr)
				return FetchResult{Host: f.host, Port: f.port, Partition: f.partition, Remaining: remaining.Snapshot()}
			}
			return f.failOneAttempt(remaining, logger, attempt, streamErr)
		}

		if commitErr := dest.Commit(); commitErr != nil {
			if f.isShuttingDown() {
				level.Info(logger).Log("msg", "suppressing commit error observed after shutdown", "attempt", attempt, "err", commitErr)
				return FetchResult{Host: f.host, Port: f.port, Partition: f.partition, Remaining: remaining.Snapshot()}
			}
			return f.failOneAttempt(remaining, logger, attempt, commitErr)
		}

		remaining.Remove(attempt)
		f.metrics.attemptsSucceeded.Inc()
		f.callbacks.FetchSucceeded(f.host, attempt, dest, header.CompressedLength, header.UncompressedLength, time.Since(start))
	}

	f.metrics.fetchDuration.Observe(time.Since(start).Seconds())
	level.Debug(logger).Log("msg", "fully drained batch", "attempts", len(f.batch))

	// Sanity check from spec §7/§9(b): a fetch that falls through here must
	// have emptied remaining. It always has, by the loop condition above —
	// this is defensive, matching the invariant-violation signal the spec
	// calls for, not a user-facing error.
	if !remaining.Empty() {
		panic("shuffle: fetcher finished draining with a non-empty remaining set and no recorded failure")
	}

	return FetchResult{Host: f.host, Port: f.port, Partition: f.partition, Remaining: nil}
}

// failAllRemaining attributes a bad/unattributable header to every attempt
// still in remaining (spec §4.3's "Bad header / unknown path component"
// rule), reports each, and stops the stream.
func (f *Fetcher) failAllRemaining(remaining *remainingSet, logger log.Logger, cause error) FetchResult {
	f.metrics.fetchesBadHeader.Inc()
	level.Warn(logger).Log("msg", "header could not be attributed to a single attempt; failing all remaining attempts", "err", cause)
	for _, a := range remaining.Snapshot() {
		f.callbacks.FetchFailed(f.host, a, false)
	}
	return FetchResult{Host: f.host, Port: f.port, Partition: f.partition, Remaining: nil}
}

// failOneAttempt attributes a mid-payload failure to exactly attempt (spec
// §4.3's "mid-payload I/O error with a resolved AttemptId" rule), reports
// it, and stops the stream, returning everything else still remaining as
// unfetched.
func (f *Fetcher) failOneAttempt(remaining *remainingSet, logger log.Logger, attempt AttemptId, cause error) FetchResult {
	f.metrics.fetchesPayloadFailed.Inc()
	level.Warn(logger).Log("msg", "attempt failed mid-payload", "attempt", attempt, "err", cause)
	remaining.Remove(attempt)
	f.callbacks.FetchFailed(f.host, attempt, false)
	return FetchResult{Host: f.host, Port: f.port, Partition: f.partition, Remaining: remaining.Snapshot()}
}
