// SPDX-License-Identifier: AGPL-3.0-only

// Package shuffleclient is the external HTTP transport collaborator: URL
// construction, HMAC request signing and response-token verification, TLS
// selection, and keep-alive. It is deliberately the only package under pkg/
// that imports net/http; pkg/shuffle's Fetcher talks to it through
// the narrow shuffle.Transport interface that Client.Open satisfies.
package shuffleclient

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"github.com/grafana/shufflefetch/pkg/shuffle"
)

// connectBackoffConfig bounds the retries Connect applies to a failed dial or
// request round-trip, matching the MinBackoff/MaxBackoff shape
// pkg/storage/ingest/fetcher.go uses for its own retry loop. Unlike that
// loop (which retries forever), a shuffle fetch gives up after a handful
// of attempts and reports a connect-level failure so the scheduler can
// reschedule the whole host elsewhere.
var connectBackoffConfig = backoff.Config{
	MinBackoff: 100 * time.Millisecond,
	MaxBackoff: 1 * time.Second,
	MaxRetries: 3,
}

// TokenHeader is the response header the serving daemon echoes the derived
// HMAC token in. The client re-verifies it before trusting any bytes off
// the body (spec §6, the "validate" step).
const TokenHeader = "X-Shuffle-Token"

// Config configures a Client's transport behavior.
type Config struct {
	EncryptedTransfer bool
	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	KeepAlive         bool

	// DialsPerSecond rate-limits outbound connection attempts per Client,
	// so a burst of fetchers targeting the same host doesn't open more
	// sockets than the serving daemon can accept at once. Zero disables
	// limiting.
	DialsPerSecond float64
}

// Client issues shuffle-fetch HTTP requests and verifies the HMAC
// interop contract with the serving daemon.
type Client struct {
	http      *http.Client
	secretKey []byte
	cfg       Config
	limiter   *rate.Limiter
}

// New builds a Client. secretKey is the shared HMAC secret; distribution of
// that key is out of scope for this module (spec §1).
func New(cfg Config, secretKey []byte) *Client {
	transport := &http.Transport{
		DisableKeepAlives: !cfg.KeepAlive,
	}
	if cfg.EncryptedTransfer {
		transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		// The serving daemon's HTTP/2 support (if any) is only reachable over
		// TLS; configure it opportunistically so a long-running keep-alive
		// connection can multiplex if the daemon offers it, falling back to
		// HTTP/1.1 transparently otherwise.
		if err := http2.ConfigureTransport(transport); err != nil {
			transport.TLSNextProto = nil
		}
	}

	var limiter *rate.Limiter
	if cfg.DialsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.DialsPerSecond), 1)
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.ConnectTimeout + cfg.ReadTimeout,
		},
		secretKey: secretKey,
		cfg:       cfg,
		limiter:   limiter,
	}
}

// BuildURL constructs the mapOutput request URL per spec §6:
//
//	{http|https}://host:port/mapOutput?job={appId}&reduce={partition}&map={pathComp1},{pathComp2},...
func (c *Client) BuildURL(host string, port int, appID string, partition int32, pathComponents []string) string {
	scheme := "http"
	if c.cfg.EncryptedTransfer {
		scheme = "https"
	}
	q := url.Values{}
	q.Set("job", appID)
	q.Set("reduce", strconv.Itoa(int(partition)))
	q.Set("map", strings.Join(pathComponents, ","))
	return fmt.Sprintf("%s://%s:%d/mapOutput?%s", scheme, host, port, q.Encode())
}

// sign computes the HMAC-SHA256 over rawURL with the client's secret key,
// hex-encoded. The server is expected to compute the same value over the
// same URL and echo a derived token we verify in VerifyToken.
func (c *Client) sign(rawURL string) string {
	mac := hmac.New(sha256.New, c.secretKey)
	_, _ = mac.Write([]byte(rawURL))
	return hex.EncodeToString(mac.Sum(nil))
}

// Connect opens the shuffle HTTP stream for one fetcher's batch. Any
// failure returned here is a connect-level failure per spec §7
// (ConnectError): DNS, TCP, TLS, or request-construction failure.
func (c *Client) Connect(ctx context.Context, host string, port int, appID string, partition int32, pathComponents []string) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "wait for dial rate limiter")
		}
	}

	rawURL := c.BuildURL(host, port, appID, partition, pathComponents)
	hmacHeader := c.sign(rawURL)

	var lastErr error
	retry := backoff.New(ctx, connectBackoffConfig)
	for retry.Ongoing() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, errors.Wrap(err, "build request")
		}
		req.Header.Set("X-Shuffle-Hmac", hmacHeader)
		if c.cfg.KeepAlive {
			req.Header.Set("Connection", "keep-alive")
		}

		resp, doErr := c.http.Do(req)
		if doErr == nil {
			return resp, nil
		}
		lastErr = doErr
		retry.Wait()
	}
	return nil, errors.Wrap(lastErr, "do request")
}

// VerifyToken re-derives the expected token for rawURL and compares it
// against the one the server echoed in resp, in constant time. A mismatch,
// a missing header, or a non-200 status is a validation failure per spec
// §7 (ValidationError) — the first read after connect.
func (c *Client) VerifyToken(resp *http.Response, host string, port int, appID string, partition int32, pathComponents []string) error {
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status %s", resp.Status)
	}
	got := resp.Header.Get(TokenHeader)
	if got == "" {
		return errors.New("missing " + TokenHeader + " response header")
	}
	rawURL := c.BuildURL(host, port, appID, partition, pathComponents)
	want := c.sign(rawURL)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return errors.New("response token does not match expected HMAC")
	}
	return nil
}

// Stream adapts one open shuffle HTTP response to the shuffle.Connection
// interface: a readable Body, and a Verify step that re-runs the client's
// HMAC check against the response this Stream was built from.
type Stream struct {
	resp   *http.Response
	verify func() error
}

// Body returns the response body carrying the concatenated ShuffleHeader
// frames. Closing it (directly, or via Fetcher.Shutdown) aborts any
// in-progress read.
func (s *Stream) Body() io.ReadCloser { return s.resp.Body }

// Verify runs the deferred HMAC check against the response this Stream
// wraps. It's deferred rather than run inside Open so that shutdown
// checkpoints between connect and validate (spec §4.3) see a Stream they
// can still close.
func (s *Stream) Verify() error { return s.verify() }

// Open connects and returns a Stream as a shuffle.Connection, satisfying
// shuffle.Transport without pkg/shuffle needing to import net/http.
func (c *Client) Open(ctx context.Context, host string, port int, appID string, partition int32, pathComponents []string) (shuffle.Connection, error) {
	resp, err := c.Connect(ctx, host, port, appID, partition, pathComponents)
	if err != nil {
		return nil, err
	}
	return &Stream{
		resp: resp,
		verify: func() error {
			return c.VerifyToken(resp, host, port, appID, partition, pathComponents)
		},
	}, nil
}
