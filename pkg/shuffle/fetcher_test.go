// SPDX-License-Identifier: AGPL-3.0-only

package shuffle

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// --- test doubles ---

type fakeTransport struct {
	open func(ctx context.Context, host string, port int, appID string, partition int32, pathComponents []string) (Connection, error)
}

func (t *fakeTransport) Open(ctx context.Context, host string, port int, appID string, partition int32, pathComponents []string) (Connection, error) {
	return t.open(ctx, host, port, appID, partition, pathComponents)
}

type fakeConnection struct {
	body      io.ReadCloser
	verifyErr error
}

func (c *fakeConnection) Body() io.ReadCloser { return c.body }
func (c *fakeConnection) Verify() error       { return c.verifyErr }

type fetchOutcome struct {
	attempt AttemptId
	kind    OutputKind
}

type failOutcome struct {
	attempt       AttemptId
	connectFailed bool
}

type fakeCallbacks struct {
	mu        sync.Mutex
	succeeded []fetchOutcome
	failed    []failOutcome
}

func (c *fakeCallbacks) FetchSucceeded(_ string, attempt AttemptId, output *FetchedOutput, _, _ int64, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.succeeded = append(c.succeeded, fetchOutcome{attempt: attempt, kind: output.Kind()})
}

func (c *fakeCallbacks) FetchFailed(_ string, attempt AttemptId, connectFailed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = append(c.failed, failOutcome{attempt: attempt, connectFailed: connectFailed})
}

func (c *fakeCallbacks) succeededAttempts() []AttemptId {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AttemptId, len(c.succeeded))
	for i, o := range c.succeeded {
		out[i] = o.attempt
	}
	return out
}

func (c *fakeCallbacks) failedAttempts() []AttemptId {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AttemptId, len(c.failed))
	for i, o := range c.failed {
		out[i] = o.attempt
	}
	return out
}

// blockingReader serves data, then blocks until Close is called, to
// simulate a connection that's hung mid-read until shutdown closes it.
type blockingReader struct {
	data   []byte
	pos    int
	closed chan struct{}
}

func newBlockingReader(data []byte) *blockingReader {
	return &blockingReader{data: data, closed: make(chan struct{})}
}

func (r *blockingReader) Read(p []byte) (int, error) {
	if r.pos < len(r.data) {
		n := copy(p, r.data[r.pos:])
		r.pos += n
		return n, nil
	}
	<-r.closed
	return 0, io.ErrClosedPipe
}

func (r *blockingReader) Close() error {
	select {
	case <-r.closed:
	default:
		close(r.closed)
	}
	return nil
}

func encodeFrame(pathComponent string, payload []byte, partition int32) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(pathComponent)))
	buf.WriteString(pathComponent)
	_ = binary.Write(&buf, binary.BigEndian, int64(len(payload)))
	_ = binary.Write(&buf, binary.BigEndian, int64(len(payload)))
	_ = binary.Write(&buf, binary.BigEndian, partition)
	buf.Write(payload)
	return buf.Bytes()
}

func encodeHeaderOnly(pathComponent string, payloadLen int, partition int32) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(pathComponent)))
	buf.WriteString(pathComponent)
	_ = binary.Write(&buf, binary.BigEndian, int64(payloadLen))
	_ = binary.Write(&buf, binary.BigEndian, int64(payloadLen))
	_ = binary.Write(&buf, binary.BigEndian, partition)
	return buf.Bytes()
}

func newTestFetcher(t *testing.T, transport Transport, allocator *OutputAllocator, callbacks Callbacks, batch []AttemptId) *Fetcher {
	t.Helper()
	framer := NewWireFramer("", false, 0, log.NewNopLogger())
	builder := NewFetcherBuilder("fetcher-test", "app", transport, allocator, framer, callbacks, NewMetrics(nil), log.NewNopLogger())
	return builder.Assign("host1", 9999, 0, batch).Build()
}

// --- scenarios ---

func TestFetcher_HappyPath_AllMemory(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := AttemptId{InputIndex: 1, PathComponent: "a"}
	b := AttemptId{InputIndex: 2, PathComponent: "b"}
	data := append(encodeFrame("a", []byte("payload-a"), 0), encodeFrame("b", []byte("payload-b-longer"), 0)...)

	transport := &fakeTransport{open: func(ctx context.Context, host string, port int, appID string, partition int32, pathComponents []string) (Connection, error) {
		return &fakeConnection{body: io.NopCloser(bytes.NewReader(data))}, nil
	}}
	callbacks := &fakeCallbacks{}
	allocator := NewOutputAllocator(1<<20, 1.0, nil, &fakeMerger{}, "fetcher-test", NewMetrics(nil), log.NewNopLogger())

	f := newTestFetcher(t, transport, allocator, callbacks, []AttemptId{a, b})
	result := f.Fetch(context.Background())

	assert.Empty(t, result.Remaining)
	assert.ElementsMatch(t, []AttemptId{a, b}, callbacks.succeededAttempts())
	assert.Empty(t, callbacks.failedAttempts())
	for _, o := range callbacks.succeeded {
		assert.Equal(t, MemoryOutput, o.kind)
	}
}

func TestFetcher_HappyPath_MixedPlacement(t *testing.T) {
	defer goleak.VerifyNone(t)

	small := AttemptId{InputIndex: 1, PathComponent: "small"}
	big := AttemptId{InputIndex: 2, PathComponent: "big"}
	smallPayload := []byte("tiny")
	bigPayload := bytes.Repeat([]byte("x"), 5000)
	data := append(encodeFrame("small", smallPayload, 0), encodeFrame("big", bigPayload, 0)...)

	transport := &fakeTransport{open: func(ctx context.Context, host string, port int, appID string, partition int32, pathComponents []string) (Connection, error) {
		return &fakeConnection{body: io.NopCloser(bytes.NewReader(data))}, nil
	}}
	callbacks := &fakeCallbacks{}
	// maxSingleMemorySegment = 1000*0.1 = 100: the big payload must spill to disk.
	provider := &fakeTaskOutputProvider{dir: t.TempDir()}
	allocator := NewOutputAllocator(1000, 0.1, provider, &fakeMerger{}, "fetcher-test", NewMetrics(nil), log.NewNopLogger())

	f := newTestFetcher(t, transport, allocator, callbacks, []AttemptId{small, big})
	result := f.Fetch(context.Background())

	assert.Empty(t, result.Remaining)
	require.Len(t, callbacks.succeeded, 2)
	kinds := map[AttemptId]OutputKind{}
	for _, o := range callbacks.succeeded {
		kinds[o.attempt] = o.kind
	}
	assert.Equal(t, MemoryOutput, kinds[small])
	assert.Equal(t, DiskOutput, kinds[big])
}

func TestFetcher_ConnectFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := AttemptId{InputIndex: 1, PathComponent: "a"}
	b := AttemptId{InputIndex: 2, PathComponent: "b"}

	transport := &fakeTransport{open: func(ctx context.Context, host string, port int, appID string, partition int32, pathComponents []string) (Connection, error) {
		return nil, errors.New("dial failed")
	}}
	callbacks := &fakeCallbacks{}
	allocator := NewOutputAllocator(1<<20, 1.0, nil, &fakeMerger{}, "fetcher-test", NewMetrics(nil), log.NewNopLogger())

	f := newTestFetcher(t, transport, allocator, callbacks, []AttemptId{a, b})
	result := f.Fetch(context.Background())

	assert.ElementsMatch(t, []AttemptId{a, b}, result.Remaining)
	assert.Empty(t, callbacks.succeededAttempts())
	require.Len(t, callbacks.failed, 2)
	for _, o := range callbacks.failed {
		assert.True(t, o.connectFailed)
	}
}

func TestFetcher_ValidationFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := AttemptId{InputIndex: 1, PathComponent: "a"}
	b := AttemptId{InputIndex: 2, PathComponent: "b"}

	transport := &fakeTransport{open: func(ctx context.Context, host string, port int, appID string, partition int32, pathComponents []string) (Connection, error) {
		return &fakeConnection{body: io.NopCloser(bytes.NewReader(nil)), verifyErr: errors.New("bad hmac")}, nil
	}}
	callbacks := &fakeCallbacks{}
	allocator := NewOutputAllocator(1<<20, 1.0, nil, &fakeMerger{}, "fetcher-test", NewMetrics(nil), log.NewNopLogger())

	f := newTestFetcher(t, transport, allocator, callbacks, []AttemptId{a, b})
	result := f.Fetch(context.Background())

	assert.Equal(t, []AttemptId{b}, result.Remaining)
	require.Len(t, callbacks.failed, 1)
	assert.Equal(t, a, callbacks.failed[0].attempt)
	assert.False(t, callbacks.failed[0].connectFailed)
	assert.Empty(t, callbacks.succeededAttempts())
}

func TestFetcher_BadHeaderMidStream_FailsAllRemaining(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := AttemptId{InputIndex: 1, PathComponent: "a"}
	b := AttemptId{InputIndex: 2, PathComponent: "b"}
	c := AttemptId{InputIndex: 3, PathComponent: "c"}

	data := append(encodeFrame("a", []byte("payload-a"), 0), []byte{0, 2, 'x'}...) // truncated header for next frame

	transport := &fakeTransport{open: func(ctx context.Context, host string, port int, appID string, partition int32, pathComponents []string) (Connection, error) {
		return &fakeConnection{body: io.NopCloser(bytes.NewReader(data))}, nil
	}}
	callbacks := &fakeCallbacks{}
	allocator := NewOutputAllocator(1<<20, 1.0, nil, &fakeMerger{}, "fetcher-test", NewMetrics(nil), log.NewNopLogger())

	f := newTestFetcher(t, transport, allocator, callbacks, []AttemptId{a, b, c})
	result := f.Fetch(context.Background())

	assert.Empty(t, result.Remaining)
	assert.Equal(t, []AttemptId{a}, callbacks.succeededAttempts())
	assert.ElementsMatch(t, []AttemptId{b, c}, callbacks.failedAttempts())
}

func TestFetcher_ShutdownDuringPayloadRead(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := AttemptId{InputIndex: 1, PathComponent: "a"}
	b := AttemptId{InputIndex: 2, PathComponent: "b"}

	payloadA := []byte("payload-a")
	var data []byte
	data = append(data, encodeFrame("a", payloadA, 0)...)
	data = append(data, encodeHeaderOnly("b", 20, 0)...)
	data = append(data, []byte("only-half")...) // fewer than the declared 20 bytes

	reader := newBlockingReader(data)
	transport := &fakeTransport{open: func(ctx context.Context, host string, port int, appID string, partition int32, pathComponents []string) (Connection, error) {
		return &fakeConnection{body: reader}, nil
	}}
	callbacks := &fakeCallbacks{}
	allocator := NewOutputAllocator(1<<20, 1.0, nil, &fakeMerger{}, "fetcher-test", NewMetrics(nil), log.NewNopLogger())

	f := newTestFetcher(t, transport, allocator, callbacks, []AttemptId{a, b})

	resultCh := make(chan FetchResult, 1)
	go func() {
		resultCh <- f.Fetch(context.Background())
	}()

	// Give the drain loop time to consume everything up to the blocking
	// point (A fully, B's header, and the partial payload), then shut down.
	require.Eventually(t, func() bool {
		return reader.pos == len(data)
	}, time.Second, time.Millisecond)
	f.Shutdown()

	var result FetchResult
	select {
	case result = <-resultCh:
	case <-time.After(time.Second):
		t.Fatal("Fetch did not return after Shutdown")
	}

	assert.Equal(t, []AttemptId{b}, result.Remaining)
	assert.Equal(t, []AttemptId{a}, callbacks.succeededAttempts())
	assert.Empty(t, callbacks.failedAttempts(), "shutdown must not report a failure for the in-flight attempt")
}

func TestFetcher_ShutdownBeforeConnectIsIdempotentAndSkipsConnect(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := AttemptId{InputIndex: 1, PathComponent: "a"}
	called := false
	transport := &fakeTransport{open: func(ctx context.Context, host string, port int, appID string, partition int32, pathComponents []string) (Connection, error) {
		called = true
		return &fakeConnection{body: io.NopCloser(bytes.NewReader(nil))}, nil
	}}
	callbacks := &fakeCallbacks{}
	allocator := NewOutputAllocator(1<<20, 1.0, nil, &fakeMerger{}, "fetcher-test", NewMetrics(nil), log.NewNopLogger())

	f := newTestFetcher(t, transport, allocator, callbacks, []AttemptId{a})
	f.Shutdown()
	f.Shutdown() // idempotent, must not panic or block

	result := f.Fetch(context.Background())
	assert.Equal(t, []AttemptId{a}, result.Remaining)
	assert.Empty(t, callbacks.succeededAttempts())
	assert.Empty(t, callbacks.failedAttempts())
	assert.False(t, called, "a fetcher shut down before Fetch must not connect at all")
}
