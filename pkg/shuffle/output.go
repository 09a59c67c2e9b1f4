// SPDX-License-Identifier: AGPL-3.0-only

package shuffle

import (
	"os"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// OutputKind is the variant tag of a FetchedOutput.
type OutputKind int32

const (
	// MemoryOutput means the attempt's bytes land in an in-memory buffer.
	MemoryOutput OutputKind = iota
	// DiskOutput means the attempt's bytes land in a local temp file.
	DiskOutput
	// WaitOutput is allocator back-pressure: no destination yet. The present
	// core never blocks a Fetcher on it (see design note in DESIGN.md); it
	// exists so the allocator's contract can express the condition.
	WaitOutput
)

func (k OutputKind) String() string {
	switch k {
	case MemoryOutput:
		return "MEMORY"
	case DiskOutput:
		return "DISK"
	case WaitOutput:
		return "WAIT"
	default:
		return "UNKNOWN"
	}
}

type outputState int32

const (
	stateReserved outputState = iota
	stateCommitted
	stateAborted
)

var outputIdentitySeq = atomic.NewInt64(0)

func nextOutputIdentity() int64 {
	return outputIdentitySeq.Add(1)
}

// ErrAlreadyTerminal is returned by Commit/Abort when the output has already
// left the reserved state.
var ErrAlreadyTerminal = errors.New("fetched output already committed or aborted")

// ErrWaitHasNoDestination is returned by Commit/Abort on a WaitOutput: it
// carries no memory buffer or disk file, so there's nothing to commit or
// abort. The allocator never hands one of these to a Fetcher today (see
// DESIGN.md), but the type still has to honor the contract.
var ErrWaitHasNoDestination = errors.New("WAIT output has no destination to commit or abort")

// FetchedOutput is a reserved destination for one attempt's bytes: either a
// memory buffer or a disk file, matching its Kind. It moves from reserved to
// exactly one of committed or aborted, and that transition is terminal.
type FetchedOutput struct {
	id      int64
	kind    OutputKind
	attempt AttemptId
	size    int64 // declared uncompressed length from the header
	primary bool

	mu    sync.Mutex
	state outputState

	// MemoryOutput only.
	memory []byte

	// DiskOutput only.
	file      *os.File
	tempPath  string
	finalPath string

	allocator *OutputAllocator
	merger    Merger
	logger    log.Logger
}

func newWaitOutput(attempt AttemptId, size int64) *FetchedOutput {
	return &FetchedOutput{
		id:      nextOutputIdentity(),
		kind:    WaitOutput,
		attempt: attempt,
		size:    size,
	}
}

func newMemoryOutput(attempt AttemptId, size int64, primary bool, allocator *OutputAllocator, merger Merger, logger log.Logger) *FetchedOutput {
	return &FetchedOutput{
		id:        nextOutputIdentity(),
		kind:      MemoryOutput,
		attempt:   attempt,
		size:      size,
		primary:   primary,
		memory:    make([]byte, size),
		allocator: allocator,
		merger:    merger,
		logger:    logger,
	}
}

func newDiskOutput(attempt AttemptId, size int64, primary bool, file *os.File, tempPath, finalPath string, merger Merger, logger log.Logger) *FetchedOutput {
	return &FetchedOutput{
		id:        nextOutputIdentity(),
		kind:      DiskOutput,
		attempt:   attempt,
		size:      size,
		primary:   primary,
		file:      file,
		tempPath:  tempPath,
		finalPath: finalPath,
		merger:    merger,
		logger:    logger,
	}
}

// ID is a stable integer identity, used for equality and as the ordering
// tiebreaker. It's assigned from a process-wide monotonic counter, so
// ordering is stable within a run but carries no meaning across runs.
func (o *FetchedOutput) ID() int64 { return o.id }

// Kind reports the destination variant.
func (o *FetchedOutput) Kind() OutputKind { return o.kind }

// Attempt is the AttemptId this destination was reserved for.
func (o *FetchedOutput) Attempt() AttemptId { return o.attempt }

// Size is the uncompressed length the header declared at allocation time.
func (o *FetchedOutput) Size() int64 { return o.size }

// Primary distinguishes the main output of an attempt from secondary or
// broadcast outputs produced by the same producer.
func (o *FetchedOutput) Primary() bool { return o.primary }

// MemoryBuffer returns the reserved buffer for a MemoryOutput. It panics if
// called on any other Kind; callers are expected to switch on Kind first.
func (o *FetchedOutput) MemoryBuffer() []byte {
	if o.kind != MemoryOutput {
		panic("shuffle: MemoryBuffer called on a non-MEMORY FetchedOutput")
	}
	return o.memory
}

// DiskFile returns the open temp-file handle for a DiskOutput. It panics if
// called on any other Kind.
func (o *FetchedOutput) DiskFile() *os.File {
	if o.kind != DiskOutput {
		panic("shuffle: DiskFile called on a non-DISK FetchedOutput")
	}
	return o.file
}

// Less implements the comparator law required of FetchedOutputs: ordered
// first by declared size ascending, then by identity ascending. Identity is
// unique within a run, so this is a total order.
func (o *FetchedOutput) Less(other *FetchedOutput) bool {
	if o.size != other.size {
		return o.size < other.size
	}
	return o.id < other.id
}

// Commit transitions a reserved output to committed, handing its bytes to
// the merger. Committing a MemoryOutput hands the buffer over as an
// in-memory segment; the merger becomes responsible for eventually
// releasing those bytes. Committing a DiskOutput atomically renames the
// per-fetcher temp path to the canonical output path and announces the
// final path to the merger.
func (o *FetchedOutput) Commit() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != stateReserved {
		return ErrAlreadyTerminal
	}

	switch o.kind {
	case WaitOutput:
		return ErrWaitHasNoDestination
	case MemoryOutput:
		o.state = stateCommitted
		return o.merger.CloseInMemoryFile(o)
	case DiskOutput:
		if err := o.file.Close(); err != nil {
			return errors.Wrapf(err, "close disk output before rename: %s", o.tempPath)
		}
		if err := os.Rename(o.tempPath, o.finalPath); err != nil {
			return errors.Wrapf(err, "rename %s to %s", o.tempPath, o.finalPath)
		}
		o.state = stateCommitted
		return o.merger.CloseOnDiskFile(o.finalPath)
	default:
		return errors.Errorf("unknown output kind %d", o.kind)
	}
}

// Abort transitions a reserved output to aborted. Aborting a MemoryOutput
// releases its reservation back to the allocator's budget. Aborting a
// DiskOutput deletes the temp file on a best-effort basis: deletion failure
// is logged, never propagated, matching §9's "crash-time orphans are
// tolerated" design note.
func (o *FetchedOutput) Abort() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != stateReserved {
		return ErrAlreadyTerminal
	}

	switch o.kind {
	case WaitOutput:
		return ErrWaitHasNoDestination
	case MemoryOutput:
		o.state = stateAborted
		o.allocator.release(o.size)
		return nil
	case DiskOutput:
		o.state = stateAborted
		if err := o.file.Close(); err != nil && o.logger != nil {
			level.Warn(o.logger).Log("msg", "failed to close disk output file during abort", "path", o.tempPath, "err", err)
		}
		if err := os.Remove(o.tempPath); err != nil && !os.IsNotExist(err) && o.logger != nil {
			level.Warn(o.logger).Log("msg", "failed to delete temp file during abort", "path", o.tempPath, "err", err)
		}
		return nil
	default:
		return errors.Errorf("unknown output kind %d", o.kind)
	}
}

// ByOutputOrder sorts FetchedOutputs per Less: size ascending, then identity
// ascending.
type ByOutputOrder []*FetchedOutput

func (s ByOutputOrder) Len() int           { return len(s) }
func (s ByOutputOrder) Less(i, j int) bool { return s[i].Less(s[j]) }
func (s ByOutputOrder) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
