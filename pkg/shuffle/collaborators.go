// SPDX-License-Identifier: AGPL-3.0-only

package shuffle

import "time"

// TaskOutputProvider is the external collaborator that hands out locally
// unique file paths for disk-bound attempt output. It is out of scope for
// this module (spec.md §1) and treated as a plain interface boundary.
type TaskOutputProvider interface {
	// GetInputFileForWrite returns a unique local file path to use as the
	// canonical (unsuffixed) output destination for the given input index.
	// size is advisory and may be used for pre-allocation.
	GetInputFileForWrite(inputIndex int, size int64) (string, error)
}

// Merger is the external collaborator that eventually consumes committed
// FetchedOutputs. Its own sort/merge algorithm is out of scope (spec.md §1).
type Merger interface {
	// CloseInMemoryFile hands a committed in-memory segment to the merger.
	// The merger becomes responsible for later releasing its bytes.
	CloseInMemoryFile(output *FetchedOutput) error
	// CloseOnDiskFile announces a committed on-disk segment at path.
	CloseOnDiskFile(path string) error
	// Unreserve releases n bytes back to the shuffle memory budget, used by
	// the merger once it has finished with a segment it previously accepted.
	Unreserve(n int64)
}

// Callbacks is the surface the Fetcher uses to report per-attempt outcomes
// back to the scheduler. The Fetcher must call exactly one of these for
// every AttemptId it accepted responsibility for — i.e. every attempt not
// present in FetchResult.Remaining.
type Callbacks interface {
	// FetchSucceeded reports that output was committed for attempt, fetched
	// from host in elapsed wall time.
	FetchSucceeded(host string, attempt AttemptId, output *FetchedOutput, compressedLen, uncompressedLen int64, elapsed time.Duration)
	// FetchFailed reports that attempt could not be fetched from host.
	// connectFailed is true iff the failure is attributable to the host
	// (connect/DNS/TLS/HMAC failure) rather than to this specific attempt.
	FetchFailed(host string, attempt AttemptId, connectFailed bool)
}
