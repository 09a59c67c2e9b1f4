// SPDX-License-Identifier: AGPL-3.0-only

// Command shuffle-fetch-bench drives the whole Fetcher state machine
// end-to-end against one synthetic shuffle daemon per host, for manual
// testing and rough throughput observation. It is not a scheduler: hosts,
// batches, and payloads are generated in-process, not read from a real
// data-processing graph.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/shufflefetch/pkg/shuffle"
	"github.com/grafana/shufflefetch/pkg/shuffle/shuffleclient"
)

func main() {
	var (
		numHosts                       int
		attemptsPerHost                int
		payloadBytes                   int
		shuffleBufferBytes             int64
		maxSingleMemorySegmentFraction float64
		connectTimeout                 time.Duration
		readTimeout                    time.Duration
	)
	flag.IntVar(&numHosts, "hosts", 3, "number of synthetic shuffle daemons to fetch from concurrently")
	flag.IntVar(&attemptsPerHost, "attempts-per-host", 4, "attempts requested from each synthetic host")
	flag.IntVar(&payloadBytes, "payload-bytes", 64*1024, "uncompressed size of each synthetic attempt's payload")
	flag.Int64Var(&shuffleBufferBytes, "shuffle-buffer-bytes", 4*1024*1024, "total memory budget shared by every fetcher in this run")
	flag.Float64Var(&maxSingleMemorySegmentFraction, "max-single-memory-segment-fraction", 0.25, "same meaning as shuffle.Config's flag of the same name")
	flag.DurationVar(&connectTimeout, "connect-timeout", 5*time.Second, "per-fetcher connect timeout")
	flag.DurationVar(&readTimeout, "read-timeout", 30*time.Second, "per-fetcher read timeout")
	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listenForInterrupt(ctx, cancel, logger)

	reg := prometheus.NewRegistry()
	metrics := shuffle.NewMetrics(reg)

	tempDir, err := os.MkdirTemp("", "shuffle-fetch-bench")
	noErr(err, logger)
	defer os.RemoveAll(tempDir)

	client := shuffleclient.New(shuffleclient.Config{
		ConnectTimeout: connectTimeout,
		ReadTimeout:    readTimeout,
		KeepAlive:      true,
	}, []byte("shuffle-fetch-bench-secret"))

	framer := shuffle.NewWireFramer("", true, 256*1024, logger)
	callbacks := newBenchCallbacks(logger)
	merger := &noopMerger{}
	taskOutputs := &tempFileProvider{dir: tempDir}

	fetcherID := shuffle.NewFetcherID()
	allocator := shuffle.NewOutputAllocator(shuffleBufferBytes, maxSingleMemorySegmentFraction, taskOutputs, merger, fetcherID, metrics, logger)
	builder := shuffle.NewFetcherBuilder(fetcherID, "shuffle-fetch-bench", client, allocator, framer, callbacks, metrics, logger)

	assignments := make([]*shuffle.AssignedFetcherBuilder, numHosts)
	servers := make([]*httptest.Server, numHosts)
	for i := 0; i < numHosts; i++ {
		batch, payloads := syntheticBatch(i, attemptsPerHost, payloadBytes)
		srv := httptest.NewServer(fakeDaemonHandler(int32(i), payloads))
		servers[i] = srv

		host, port, err := splitHostPort(srv.URL)
		noErr(err, logger)
		assignments[i] = builder.Assign(host, port, int32(i), batch)
	}
	defer func() {
		for _, srv := range servers {
			srv.Close()
		}
	}()

	start := time.Now()
	results := runAssignments(ctx, assignments)
	elapsed := time.Since(start)

	level.Info(logger).Log(
		"msg", "run complete",
		"elapsed", elapsed,
		"succeeded", callbacks.succeeded.Load(),
		"failed", callbacks.failed.Load(),
		"bytes_fetched", callbacks.bytesFetched.Load(),
		"memory_remaining", allocator.MemoryRemaining(),
	)
	for _, r := range results {
		level.Info(logger).Log("msg", "host result", "host", r.Host, "partition", r.Partition, "remaining", len(r.Remaining))
	}
}

// runAssignments fetches every assignment concurrently, one goroutine per
// host, using errgroup the way claircore's indexer fetcher fans work out
// across sources. A caller-triggered cancellation (Ctrl-C) shuts down every
// still-running Fetcher cooperatively instead of abandoning them.
func runAssignments(ctx context.Context, assignments []*shuffle.AssignedFetcherBuilder) []shuffle.FetchResult {
	results := make([]shuffle.FetchResult, len(assignments))
	g, gctx := errgroup.WithContext(ctx)
	for i, assignment := range assignments {
		i, assignment := i, assignment
		g.Go(func() error {
			f := assignment.Build()
			go func() {
				<-gctx.Done()
				f.Shutdown()
			}()
			results[i] = f.Fetch(gctx)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

type benchCallbacks struct {
	logger       log.Logger
	succeeded    *atomic.Int64
	failed       *atomic.Int64
	bytesFetched *atomic.Int64
}

func newBenchCallbacks(logger log.Logger) *benchCallbacks {
	return &benchCallbacks{
		logger:       logger,
		succeeded:    atomic.NewInt64(0),
		failed:       atomic.NewInt64(0),
		bytesFetched: atomic.NewInt64(0),
	}
}

func (c *benchCallbacks) FetchSucceeded(host string, attempt shuffle.AttemptId, output *shuffle.FetchedOutput, _, uncompressedLen int64, elapsed time.Duration) {
	c.succeeded.Inc()
	c.bytesFetched.Add(uncompressedLen)
	level.Debug(c.logger).Log("msg", "fetched attempt", "host", host, "attempt", attempt, "kind", output.Kind(), "bytes", uncompressedLen, "elapsed", elapsed)
}

func (c *benchCallbacks) FetchFailed(host string, attempt shuffle.AttemptId, connectFailed bool) {
	c.failed.Inc()
	level.Warn(c.logger).Log("msg", "attempt failed", "host", host, "attempt", attempt, "connect_failed", connectFailed)
}

type noopMerger struct{}

func (*noopMerger) CloseInMemoryFile(*shuffle.FetchedOutput) error { return nil }
func (*noopMerger) CloseOnDiskFile(string) error                   { return nil }
func (*noopMerger) Unreserve(int64)                                {}

// tempFileProvider mints unique disk output paths under one run's temp
// directory, standing in for the real TaskOutputProvider collaborator
// (out of scope for this module).
type tempFileProvider struct {
	dir string
	mu  sync.Mutex
	seq int
}

func (p *tempFileProvider) GetInputFileForWrite(inputIndex int, _ int64) (string, error) {
	p.mu.Lock()
	p.seq++
	n := p.seq
	p.mu.Unlock()
	return filepath.Join(p.dir, fmt.Sprintf("input-%d-%d", inputIndex, n)), nil
}

// syntheticBatch builds a batch of attempts for one host, and the payload
// bytes the fake daemon for that host will serve for each.
func syntheticBatch(hostIndex, n, payloadSize int) ([]shuffle.AttemptId, map[string][]byte) {
	rng := rand.New(rand.NewSource(int64(hostIndex) + 1))
	batch := make([]shuffle.AttemptId, n)
	payloads := make(map[string][]byte, n)
	for i := 0; i < n; i++ {
		pc := fmt.Sprintf("attempt-%d-%d", hostIndex, i)
		batch[i] = shuffle.AttemptId{InputIndex: hostIndex*1000 + i, AttemptNumber: 0, PathComponent: pc}
		payload := make([]byte, payloadSize)
		_, _ = rng.Read(payload)
		payloads[pc] = payload
	}
	return batch, payloads
}

// fakeDaemonHandler serves the wire format directly: it doesn't validate
// the request's HMAC (that's the real daemon's job, out of scope here),
// it just echoes it back as the response token so shuffleclient's
// VerifyToken — which recomputes the same function client-side — passes.
func fakeDaemonHandler(partition int32, payloads map[string][]byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pathComponents := strings.Split(r.URL.Query().Get("map"), ",")
		w.Header().Set(shuffleclient.TokenHeader, r.Header.Get("X-Shuffle-Hmac"))
		w.WriteHeader(http.StatusOK)
		for _, pc := range pathComponents {
			payload := payloads[pc]
			if err := writeFrame(w, pc, int64(len(payload)), partition); err != nil {
				return
			}
			if _, err := w.Write(payload); err != nil {
				return
			}
		}
	}
}

func writeFrame(w io.Writer, pathComponent string, length int64, partition int32) error {
	if err := binary.Write(w, binary.BigEndian, uint16(len(pathComponent))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, pathComponent); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, length); err != nil { // compressed length
		return err
	}
	if err := binary.Write(w, binary.BigEndian, length); err != nil { // uncompressed length
		return err
	}
	return binary.Write(w, binary.BigEndian, partition)
}

func splitHostPort(rawURL string) (string, int, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", 0, err
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return "", 0, err
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func listenForInterrupt(ctx context.Context, cancel context.CancelFunc, logger log.Logger) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	select {
	case <-ctx.Done():
	case <-c:
		level.Info(logger).Log("msg", "received interrupt, shutting down fetchers")
		cancel()
	}
}

func noErr(err error, logger log.Logger) {
	if err != nil {
		level.Error(logger).Log("msg", "fatal error", "err", err)
		os.Exit(1)
	}
}
