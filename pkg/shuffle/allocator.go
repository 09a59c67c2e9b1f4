// SPDX-License-Identifier: AGPL-3.0-only

package shuffle

import (
	"fmt"
	"os"
	"sync"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// OutputAllocator places each incoming attempt in memory or on disk under a
// global memory budget, per the policy in spec §4.1:
//
//   - uncompressedLen above maxSingleMemorySegment  -> DISK
//   - else a successful reservation from the memory budget -> MEMORY
//   - else (budget exhausted)                        -> DISK
//
// It is safe for concurrent use by multiple Fetchers: all bookkeeping is
// serialized behind a single mutex, acceptable because the hot path is
// dominated by I/O, not bookkeeping (spec §4.1).
type OutputAllocator struct {
	mu sync.Mutex

	memoryRemaining        int64
	maxSingleMemorySegment int64

	taskOutput TaskOutputProvider
	merger     Merger
	fetcherID  string
	metrics    *Metrics
	logger     log.Logger

	// reservedMemory is for the "memory conservation"
	// testable property: reservations only ever move via allocate/abort/
	// commit, never leak. Tracked with atomics so tests can assert on
	// quiescence without taking the mutex.
	reservedMemory *atomic.Int64
}

// NewOutputAllocator creates an allocator with shuffleBufferBytes total
// memory budget, capping any single memory segment at
// maxSingleMemorySegmentFraction of that budget. fetcherID is embedded in
// every disk temp path this allocator mints, so two fetchers racing to
// (re-)fetch the same attempt never collide (spec §4.1, §5).
func NewOutputAllocator(shuffleBufferBytes int64, maxSingleMemorySegmentFraction float64, taskOutput TaskOutputProvider, merger Merger, fetcherID string, metrics *Metrics, logger log.Logger) *OutputAllocator {
	return &OutputAllocator{
		memoryRemaining:        shuffleBufferBytes,
		maxSingleMemorySegment: int64(float64(shuffleBufferBytes) * maxSingleMemorySegmentFraction),
		taskOutput:             taskOutput,
		merger:                 merger,
		fetcherID:              fetcherID,
		metrics:                metrics,
		logger:                 logger,
		reservedMemory:         atomic.NewInt64(0),
	}
}

// Allocate reserves a destination for attempt, sized to uncompressedLen.
// compressedLen is accepted for parity with the wire header but does not
// influence placement (placement is always decided off the uncompressed
// size, per spec §4.1).
func (a *OutputAllocator) Allocate(uncompressedLen, compressedLen int64, attempt AttemptId, primary bool) (*FetchedOutput, error) {
	if uncompressedLen > a.maxSingleMemorySegment {
		return a.allocateDisk(uncompressedLen, attempt, primary)
	}

	if a.reserve(uncompressedLen) {
		a.metrics.memoryAllocated.Add(float64(uncompressedLen))
		return newMemoryOutput(attempt, uncompressedLen, primary, a, a.merger, a.logger), nil
	}

	return a.allocateDisk(uncompressedLen, attempt, primary)
}

// reserve attempts to subtract n bytes from the memory budget, returning
// whether the reservation succeeded.
func (a *OutputAllocator) reserve(n int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > a.memoryRemaining {
		return false
	}
	a.memoryRemaining -= n
	a.reservedMemory.Add(n)
	return true
}

// release returns n bytes to the memory budget. Called by FetchedOutput.Abort
// for a MemoryOutput.
func (a *OutputAllocator) release(n int64) {
	a.mu.Lock()
	a.memoryRemaining += n
	a.mu.Unlock()
	a.reservedMemory.Sub(n)
	a.metrics.memoryReleased.Add(float64(n))
}

// MemoryRemaining returns the current unreserved memory budget. The
// allocator tests and the bench harness's run summary read it.
func (a *OutputAllocator) MemoryRemaining() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.memoryRemaining
}

func (a *OutputAllocator) allocateDisk(uncompressedLen int64, attempt AttemptId, primary bool) (*FetchedOutput, error) {
	finalPath, err := a.taskOutput.GetInputFileForWrite(attempt.InputIndex, uncompressedLen)
	if err != nil {
		a.metrics.allocationFailures.Inc()
		return nil, &AllocError{Cause: errors.Wrap(err, "get output path")}
	}

	// Suffix by fetcher id so two fetchers racing to (re-)fetch the same
	// attempt during speculative re-execution never write the same temp
	// path (spec §4.1, §5, §8 "temp-path uniqueness").
	tempPath := fmt.Sprintf("%s.%s", finalPath, a.fetcherID)

	file, err := os.OpenFile(tempPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		a.metrics.allocationFailures.Inc()
		return nil, &AllocError{Cause: errors.Wrapf(err, "create disk output %s", tempPath)}
	}

	a.metrics.diskAllocated.Add(float64(uncompressedLen))
	return newDiskOutput(attempt, uncompressedLen, primary, file, tempPath, finalPath, a.merger, a.logger), nil
}
