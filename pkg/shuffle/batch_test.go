// SPDX-License-Identifier: AGPL-3.0-only

package shuffle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEmptyBatchAssignment(t *testing.T, index int, open func(ctx context.Context, host string, port int, appID string, partition int32, pathComponents []string) (Connection, error)) *AssignedFetcherBuilder {
	t.Helper()
	framer := NewWireFramer("", false, 0, log.NewNopLogger())
	allocator := NewOutputAllocator(1<<20, 1.0, nil, &fakeMerger{}, fmt.Sprintf("fetcher-%d", index), NewMetrics(nil), log.NewNopLogger())
	builder := NewFetcherBuilder(fmt.Sprintf("fetcher-%d", index), "app", &fakeTransport{open: open}, allocator, framer, &fakeCallbacks{}, NewMetrics(nil), log.NewNopLogger())
	return builder.Assign(fmt.Sprintf("host-%d", index), 9999, 0, nil)
}

func TestRunMany_OrderMatchesAssignmentOrder(t *testing.T) {
	const n = 5
	assignments := make([]*AssignedFetcherBuilder, n)
	for i := 0; i < n; i++ {
		assignments[i] = newEmptyBatchAssignment(t, i, func(ctx context.Context, host string, port int, appID string, partition int32, pathComponents []string) (Connection, error) {
			return &fakeConnection{body: io.NopCloser(bytes.NewReader(nil))}, nil
		})
	}

	results := RunMany(context.Background(), assignments, 2, nil)
	require.Len(t, results, n)
	for i, r := range results {
		assert.Equal(t, fmt.Sprintf("host-%d", i), r.Host, "result order must match assignment order regardless of completion order")
	}
}

func TestRunMany_BoundsConcurrency(t *testing.T) {
	const n = 6
	const maxConcurrency = 2

	var mu sync.Mutex
	current, peak := 0, 0
	release := make(chan struct{})

	assignments := make([]*AssignedFetcherBuilder, n)
	for i := 0; i < n; i++ {
		assignments[i] = newEmptyBatchAssignment(t, i, func(ctx context.Context, host string, port int, appID string, partition int32, pathComponents []string) (Connection, error) {
			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()

			<-release

			mu.Lock()
			current--
			mu.Unlock()
			return &fakeConnection{body: io.NopCloser(bytes.NewReader(nil))}, nil
		})
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(release)
	}()

	results := RunMany(context.Background(), assignments, maxConcurrency, nil)
	require.Len(t, results, n)
	assert.LessOrEqual(t, peak, maxConcurrency)
}

func TestRunMany_OnStartedSeesEveryFetcher(t *testing.T) {
	const n = 3
	assignments := make([]*AssignedFetcherBuilder, n)
	for i := 0; i < n; i++ {
		assignments[i] = newEmptyBatchAssignment(t, i, func(ctx context.Context, host string, port int, appID string, partition int32, pathComponents []string) (Connection, error) {
			return &fakeConnection{body: io.NopCloser(bytes.NewReader(nil))}, nil
		})
	}

	var mu sync.Mutex
	started := make(map[int]*Fetcher, n)
	onStarted := func(index int, f *Fetcher) {
		mu.Lock()
		defer mu.Unlock()
		started[index] = f
	}

	results := RunMany(context.Background(), assignments, n, onStarted)
	require.Len(t, results, n)
	assert.Len(t, started, n)
	for i := 0; i < n; i++ {
		assert.NotNil(t, started[i])
	}
}
