// Package fetch performs one logical HTTP GET per index page or artifact, with
// digest verification of "#algo=digest" fragments, optional retries, a per-host
// circuit breaker and a DNS-caching dialer.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenk/backoff"
	"github.com/rs/dnscache"

	"github.com/clean-dependency-project/pypi-mirror/internal/catalog"
	"github.com/clean-dependency-project/pypi-mirror/internal/checksum"
	"github.com/clean-dependency-project/pypi-mirror/internal/metrics"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrRateLimited  = errors.New("rate limited by upstream")
	ErrUpstreamDown = errors.New("upstream index unavailable")
	ErrHashMismatch = errors.New("downloaded content does not match declared hash")
)

// DefaultUserAgent identifies the mirror to the upstream index.
const DefaultUserAgent = "pypi-mirror/1.0"

// Result describes one completed fetch.
type Result struct {
	URL      string
	Path     string
	Bytes    int64
	Verified bool // a fragment digest was present and matched
	Duration time.Duration
}

// Options configures a Client.
type Options struct {
	UserAgent string
	// Timeout bounds each HTTP attempt including the body transfer. Zero means 5m.
	Timeout time.Duration
	// Retries is the number of extra attempts for transient failures. Zero disables retrying.
	Retries       int
	RetryInterval time.Duration
	// BreakerThreshold trips a host's breaker after that many consecutive failures. Zero disables it.
	BreakerThreshold int
	HTTPClient       *http.Client
	Metrics          *metrics.Collectors
	Logger           *slog.Logger
}

// Client downloads index pages and artifacts.
type Client struct {
	client        *http.Client
	userAgent     string
	timeout       time.Duration
	retries       int
	retryInterval time.Duration
	breakers      *breakerSet
	metrics       *metrics.Collectors
	logger        *slog.Logger
}

// NewClient creates a Client. Without opts.HTTPClient it dials through a
// refreshed DNS cache.
func NewClient(opts Options) *Client {
	c := &Client{
		client:        opts.HTTPClient,
		userAgent:     opts.UserAgent,
		timeout:       opts.Timeout,
		retries:       opts.Retries,
		retryInterval: opts.RetryInterval,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
	}
	if c.client == nil {
		c.client = newCachingHTTPClient()
	}
	if c.userAgent == "" {
		c.userAgent = DefaultUserAgent
	}
	if c.timeout <= 0 {
		c.timeout = 5 * time.Minute
	}
	if c.retryInterval <= 0 {
		c.retryInterval = 500 * time.Millisecond
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	if opts.BreakerThreshold > 0 {
		c.breakers = newBreakerSet(int64(opts.BreakerThreshold))
	}
	return c
}

func newCachingHTTPClient() *http.Client {
	resolver := &dnscache.Resolver{}
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			resolver.Refresh(true)
		}
	}()

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, err
				}
				ips, err := resolver.LookupHost(ctx, host)
				if err != nil {
					return nil, err
				}
				for _, ip := range ips {
					conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
					if err == nil {
						return conn, nil
					}
				}
				return nil, fmt.Errorf("failed to dial any resolved IP for %s", host)
			},
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// Get returns the body of rawURL. Used for index pages.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	target, _, _ := strings.Cut(rawURL, "#")
	var body []byte
	start := time.Now()

	err := c.withRetry(ctx, target, func(attemptCtx context.Context) error {
		resp, err := c.do(attemptCtx, target)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading body of %s: %w", target, err)
		}
		body = b
		return nil
	})

	c.metrics.ObserveFetch(metrics.KindPage, resultLabel(err), int64(len(body)), time.Since(start))
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Fetch downloads rawURL to dest, overwriting it. When rawURL carries a
// "#algo=digest" fragment the written file is re-hashed; a mismatch returns
// ErrHashMismatch and leaves the file in place for the next reconciliation.
func (c *Client) Fetch(ctx context.Context, rawURL, dest string) (Result, error) {
	target, fragment, _ := strings.Cut(rawURL, "#")
	want, hasHash := catalog.ParseHash(fragment)
	if hasHash && !checksum.Supported(want.Algorithm) {
		return Result{}, fmt.Errorf("%w: %q", checksum.ErrUnsupportedAlgorithm, want.Algorithm)
	}

	kind := metrics.KindPayload
	if strings.HasSuffix(target, catalog.MetadataSuffix) {
		kind = metrics.KindMetadata
	}

	res := Result{URL: target, Path: dest}
	start := time.Now()

	err := c.withRetry(ctx, target, func(attemptCtx context.Context) error {
		n, err := c.download(attemptCtx, target, dest)
		res.Bytes = n
		return err
	})

	if err == nil && hasHash {
		ok, verr := checksum.Verify(dest, want.Algorithm, want.Digest)
		switch {
		case verr != nil:
			err = fmt.Errorf("verifying %s: %w", dest, verr)
		case !ok:
			err = fmt.Errorf("%w: %s (%s)", ErrHashMismatch, filepath.Base(dest), want.Algorithm)
		default:
			res.Verified = true
		}
	}

	res.Duration = time.Since(start)
	c.metrics.ObserveFetch(kind, resultLabel(err), res.Bytes, res.Duration)

	if err != nil {
		c.logger.Debug("fetch failed", "url", target, "file", dest, "error", err)
		return res, err
	}
	c.logger.Debug("fetch completed",
		"url", target,
		"file", dest,
		"size_bytes", res.Bytes,
		"verified", res.Verified,
		"duration_ms", res.Duration.Milliseconds())
	return res, nil
}

// download performs one attempt, creating dest only after a 200 response so a
// failed request never truncates an existing file.
func (c *Client) download(ctx context.Context, target, dest string) (int64, error) {
	resp, err := c.do(ctx, target)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}
	n, err := io.Copy(f, resp.Body)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("failed to write %s: %w", dest, err)
	}
	return n, nil
}

// do issues the GET and maps non-200 statuses to sentinel errors. The caller
// closes the body of a successful response.
func (c *Client) do(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	done := c.metrics.TrackInflight()
	defer done()

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", target, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp, nil
	case resp.StatusCode == http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, target)
	case resp.StatusCode == http.StatusTooManyRequests:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, target)
	case resp.StatusCode >= 500:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %s returned %d", ErrUpstreamDown, target, resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, target, strings.TrimSpace(string(body)))
	}
}

// withRetry runs attempt under the per-request timeout, the host's circuit
// breaker and the retry policy.
func (c *Client) withRetry(ctx context.Context, target string, attempt func(context.Context) error) error {
	tries := 0
	op := func() error {
		if tries > 0 {
			c.metrics.ObserveRetry()
			c.logger.Debug("retrying fetch", "url", target, "attempt", tries+1)
		}
		tries++

		err := c.breakers.call(target, func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			return attempt(attemptCtx)
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var policy backoff.BackOff = &backoff.StopBackOff{}
	// WithMaxRetries treats zero as unlimited, so it only wraps a positive budget.
	if c.retries > 0 {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = c.retryInterval
		b.MaxInterval = 30 * time.Second
		b.MaxElapsedTime = 0
		b.Reset()
		policy = backoff.WithMaxRetries(b, uint64(c.retries))
	}

	err := backoff.Retry(op, backoff.WithContext(policy, ctx))
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// retryable reports whether err is transient: rate limiting, upstream 5xx, or a
// transport error. Not-found, hash and filesystem errors are final.
func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrUpstreamDown):
		return !errors.Is(err, ErrBreakerOpen)
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrHashMismatch):
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, ErrNotFound):
		return metrics.ResultNotFound
	case errors.Is(err, ErrHashMismatch):
		return metrics.ResultHashMismatch
	}
	return metrics.ResultError
}
