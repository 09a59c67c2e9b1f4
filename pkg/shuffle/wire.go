// SPDX-License-Identifier: AGPL-3.0-only

package shuffle

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync"

	"github.com/go-kit/log"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// readAheadPool reuses the buffered readers wrapping the read-ahead path in
// streamToMemory: one fetcher drains attempts back-to-back, so the same
// *bufio.Reader can be reset onto each attempt's decompressing reader
// instead of allocating a fresh read-ahead buffer per attempt.
var readAheadPool = sync.Pool{New: func() any {
	return bufio.NewReaderSize(nil, 1)
}}

func getReadAheadReader(r io.Reader, size int) *bufio.Reader {
	br := readAheadPool.Get().(*bufio.Reader)
	if br.Size() < size {
		br = bufio.NewReaderSize(r, size)
	} else {
		br.Reset(r)
	}
	return br
}

func putReadAheadReader(br *bufio.Reader) {
	br.Reset(nil)
	readAheadPool.Put(br)
}

// ShuffleHeader is the fixed per-attempt frame on the wire, repeated
// back-to-back in the HTTP response body (spec §6): a length-prefixed UTF-8
// path component, then compressed length, uncompressed length, and
// partition, all big-endian. The path component's length prefix is a
// uint16: path components are short routing tokens, never anywhere near
// 64KiB, and a fixed-width prefix needs no varint decoding.
type ShuffleHeader struct {
	PathComponent      string
	CompressedLength   int64
	UncompressedLength int64
	Partition          int32
}

// WireFramer reads ShuffleHeaders off an HTTP response body and streams
// each attempt's payload into its FetchedOutput, per spec §4.2.
type WireFramer struct {
	codec          string // "" (none) or "snappy"
	readAhead      bool
	readAheadBytes int
	logger         log.Logger
}

// NewWireFramer builds a framer. codec selects the decompression applied on
// the MEMORY path only (spec §4.2: disk destinations always receive the
// verbatim compressed bytes; the merger decompresses on read). readAhead and
// readAheadBytes are a hint to the decompressing reader's buffer size; they
// never change observable framing (spec §4.2).
func NewWireFramer(codec string, readAhead bool, readAheadBytes int, logger log.Logger) *WireFramer {
	return &WireFramer{codec: codec, readAhead: readAhead, readAheadBytes: readAheadBytes, logger: logger}
}

// ReadAheadBytes returns the configured read-ahead buffer size, or 0 if
// read-ahead is disabled. NewFetcherBuilder reports this through the
// readAheadBytes gauge at construction, since the framer itself has no
// *Metrics to report through.
func (f *WireFramer) ReadAheadBytes() int {
	if !f.readAhead {
		return 0
	}
	return f.readAheadBytes
}

// ReadHeader decodes one ShuffleHeader from r. Any failure to decode is
// wrapped in a *BadHeaderError: the fetcher cannot resynchronize the stream
// after this, since it no longer knows how many bytes a partially-read
// header consumed.
func (f *WireFramer) ReadHeader(r io.Reader) (ShuffleHeader, error) {
	pathComponent, err := readLengthPrefixedString(r)
	if err != nil {
		return ShuffleHeader{}, &BadHeaderError{Cause: errors.Wrap(err, "read path component")}
	}

	var compressedLength, uncompressedLength int64
	if err := binary.Read(r, binary.BigEndian, &compressedLength); err != nil {
		return ShuffleHeader{}, &BadHeaderError{Cause: errors.Wrap(err, "read compressed length")}
	}
	if err := binary.Read(r, binary.BigEndian, &uncompressedLength); err != nil {
		return ShuffleHeader{}, &BadHeaderError{Cause: errors.Wrap(err, "read uncompressed length")}
	}

	var partition int32
	if err := binary.Read(r, binary.BigEndian, &partition); err != nil {
		return ShuffleHeader{}, &BadHeaderError{Cause: errors.Wrap(err, "read partition")}
	}

	h := ShuffleHeader{
		PathComponent:      pathComponent,
		CompressedLength:   compressedLength,
		UncompressedLength: uncompressedLength,
		Partition:          partition,
	}
	if compressedLength < 0 || uncompressedLength < 0 {
		return h, &BadHeaderError{Cause: errors.Errorf("negative length in header: compressed=%d uncompressed=%d", compressedLength, uncompressedLength)}
	}
	return h, nil
}

// ValidateAttempt runs the remaining sanity checks from spec §4.2 that need
// fetcher-owned state: the header must name this fetcher's own partition,
// and its path component must resolve to an attempt that is still in the
// remaining set. resolve looks up a path component; it returns ok=false if
// the component is unknown.
func (f *WireFramer) ValidateAttempt(h ShuffleHeader, wantPartition int32, resolve func(pathComponent string) (attempt AttemptId, stillRemaining bool)) (AttemptId, error) {
	if h.Partition != wantPartition {
		return AttemptId{}, &WrongPartitionError{Want: wantPartition, Got: h.Partition}
	}
	attempt, stillRemaining := resolve(h.PathComponent)
	if !stillRemaining {
		return AttemptId{}, &UnexpectedAttemptError{PathComponent: h.PathComponent}
	}
	return attempt, nil
}

// StreamPayload copies exactly h.CompressedLength bytes of payload from r
// into dest, following the placement-specific rule in spec §4.2: MEMORY
// destinations are decompressed (if a codec is configured) into exactly
// UncompressedLength bytes; DISK destinations receive the compressed bytes
// verbatim.
func (f *WireFramer) StreamPayload(r io.Reader, h ShuffleHeader, dest *FetchedOutput) error {
	switch dest.Kind() {
	case MemoryOutput:
		return f.streamToMemory(r, h, dest)
	case DiskOutput:
		return f.streamToDisk(r, h, dest)
	default:
		return &PayloadIoError{Attempt: dest.Attempt(), Cause: errors.Errorf("cannot stream into a %s destination", dest.Kind())}
	}
}

func (f *WireFramer) streamToMemory(r io.Reader, h ShuffleHeader, dest *FetchedOutput) error {
	limited := io.LimitReader(r, h.CompressedLength)

	var payload io.Reader = limited
	switch f.codec {
	case "":
	case "snappy":
		payload = snappy.NewReader(limited)
	default:
		return &PayloadIoError{Attempt: dest.Attempt(), Cause: errors.Errorf("unsupported compression codec %q", f.codec)}
	}
	if f.readAhead && f.readAheadBytes > 0 {
		br := getReadAheadReader(payload, f.readAheadBytes)
		defer putReadAheadReader(br)
		payload = br
	}

	buf := dest.MemoryBuffer()
	n, err := io.ReadFull(payload, buf)
	if err != nil {
		return &PayloadIoError{Attempt: dest.Attempt(), Cause: errors.Wrapf(err, "read %d bytes of payload, got %d", len(buf), n)}
	}

	// Drain whatever's left of the declared compressed span so the next
	// header in the stream starts at the right offset, even if the codec's
	// reader stopped short of the frame boundary.
	if _, err := io.Copy(io.Discard, limited); err != nil {
		return &PayloadIoError{Attempt: dest.Attempt(), Cause: errors.Wrap(err, "drain remaining compressed bytes")}
	}
	return nil
}

func (f *WireFramer) streamToDisk(r io.Reader, h ShuffleHeader, dest *FetchedOutput) error {
	n, err := io.CopyN(dest.DiskFile(), r, h.CompressedLength)
	if err != nil {
		return &PayloadIoError{Attempt: dest.Attempt(), Cause: errors.Wrapf(err, "copied %d of %d declared bytes", n, h.CompressedLength)}
	}
	return nil
}

func readLengthPrefixedString(r io.Reader) (string, error) {
	var length uint16
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return "", errors.Wrap(err, "read length prefix")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", errors.Wrap(err, "read string bytes")
	}
	return string(buf), nil
}
