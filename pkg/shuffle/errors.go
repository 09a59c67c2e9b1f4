// SPDX-License-Identifier: AGPL-3.0-only

package shuffle

// Error kinds raised while fetching a batch. None of these ever escape a
// Fetcher's top-level Fetch call: they're converted into Callbacks.FetchFailed
// calls and FetchResult.Remaining entries per the attribution rules in
// fetcher.go. They're exported so callers (and tests) can classify a wrapped
// error with errors.As / errors.Is.

// ConnectError covers DNS, TCP, TLS, or HMAC-validation failure during
// connect. Attributed to the host, not to individual attempts.
type ConnectError struct{ Cause error }

func (e *ConnectError) Error() string { return "shuffle: connect failed: " + e.Cause.Error() }
func (e *ConnectError) Unwrap() error { return e.Cause }

// ValidationError means the first read after connect failed, or the
// server's echoed HMAC token did not match what the client expected.
type ValidationError struct{ Cause error }

func (e *ValidationError) Error() string { return "shuffle: validation failed: " + e.Cause.Error() }
func (e *ValidationError) Unwrap() error { return e.Cause }

// BadHeaderError means a ShuffleHeader could not be decoded, or decoded to
// a negative length. The fetcher cannot tell which attempt the bad bytes
// belonged to, so it fails every attempt still remaining in the batch. A
// header naming a path component the fetcher has no record of is not
// reported as a BadHeaderError but as an UnexpectedAttemptError.
type BadHeaderError struct{ Cause error }

func (e *BadHeaderError) Error() string { return "shuffle: bad header: " + e.Cause.Error() }
func (e *BadHeaderError) Unwrap() error { return e.Cause }

// WrongPartitionError means a header decoded cleanly but named a partition
// other than the one this Fetcher was assigned. Treated the same as
// BadHeaderError at the Fetcher level: see DESIGN.md for why.
type WrongPartitionError struct {
	Want, Got int32
}

func (e *WrongPartitionError) Error() string {
	return "shuffle: header named wrong partition"
}

// UnexpectedAttemptError means a header's path component is unknown to the
// fetcher, or resolved to an AttemptId that is not (or is no longer) in the
// fetcher's remaining set.
// Treated the same as BadHeaderError at the Fetcher level: see DESIGN.md.
type UnexpectedAttemptError struct {
	PathComponent string
}

func (e *UnexpectedAttemptError) Error() string {
	return "shuffle: header named an attempt not in the remaining set: " + e.PathComponent
}

// PayloadIoError covers a short read, a decompression failure, or a write
// failure while streaming one attempt's payload. It carries the resolved
// AttemptId, so only that attempt is attributed the failure.
type PayloadIoError struct {
	Attempt AttemptId
	Cause   error
}

func (e *PayloadIoError) Error() string {
	return "shuffle: payload i/o error for " + e.Attempt.String() + ": " + e.Cause.Error()
}
func (e *PayloadIoError) Unwrap() error { return e.Cause }

// AllocError means the allocator could not create the disk file it decided
// an attempt belongs in.
type AllocError struct{ Cause error }

func (e *AllocError) Error() string { return "shuffle: allocation failed: " + e.Cause.Error() }
func (e *AllocError) Unwrap() error { return e.Cause }
