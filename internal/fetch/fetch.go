package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/LennartPaduch/abr-video-player/internal/logger"
)

// Result describes one completed segment fetch. TransferredBytes counts
// what actually crossed the network (compressed, zero on a cache hit);
// ResourceBytes is the decompressed payload size. Only non-cached results
// are suitable as bandwidth samples.
type Result struct {
	Bytes            []byte
	HTTPStatus       int
	Duration         time.Duration
	FromCache        bool
	TransferredBytes int64
	ResourceBytes    int64
}

// ErrNotFound marks a permanent 404; the caller blacklists the URL.
var ErrNotFound = errors.New("fetch: resource not found")

// Fetcher retrieves segment bytes. Implementations must honor context
// cancellation promptly.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Result, error)
}

// HTTPFetcher downloads segments over HTTP with retry for transient
// failures.
type HTTPFetcher struct {
	httpClient *http.Client
	log        logger.Logger
	userAgent  string

	// RequestTimeout bounds each individual attempt.
	RequestTimeout time.Duration
	// MaxRetries bounds attempts per Fetch call.
	MaxRetries int
	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration
}

// NewHTTPFetcher creates a fetcher over the given client.
func NewHTTPFetcher(client *http.Client, log logger.Logger, userAgent string, timeout time.Duration) *HTTPFetcher {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: 3 * time.Second},
		}
	}
	return &HTTPFetcher{
		httpClient:     client,
		log:            log.With("fetch"),
		userAgent:      userAgent,
		RequestTimeout: timeout,
		MaxRetries:     3,
		RetryDelay:     100 * time.Millisecond,
	}
}

// Fetch downloads the given URL. Transient failures (connection errors,
// 5xx) are retried; a 404 fails immediately with ErrNotFound so the caller
// can blacklist the URL.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Result, error) {
	var lastErr error

	for attempt := 1; attempt <= f.MaxRetries; attempt++ {
		result, err := f.fetchOnce(ctx, url)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, ErrNotFound) || ctx.Err() != nil {
			return result, err
		}
		lastErr = err
		f.log.Warnf("download attempt %d/%d for %s failed: %v", attempt, f.MaxRetries, url, err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.RetryDelay):
		}
	}

	return nil, fmt.Errorf("failed to download %s after %d attempts: %w", url, f.MaxRetries, lastErr)
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, url string) (*Result, error) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if f.RequestTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, f.RequestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", url, err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	started := time.Now()
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request for %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &Result{HTTPStatus: resp.StatusCode}, fmt.Errorf("%s: %w", url, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("received status %d for %s", resp.StatusCode, url)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body for %s: %w", url, err)
	}
	elapsed := time.Since(started)

	transferred := resp.ContentLength
	if resp.Uncompressed || transferred < 0 {
		transferred = int64(len(data))
	}
	resource := int64(len(data))

	return &Result{
		Bytes:            data,
		HTTPStatus:       resp.StatusCode,
		Duration:         elapsed,
		FromCache:        isCacheHit(transferred, resource),
		TransferredBytes: transferred,
		ResourceBytes:    resource,
	}, nil
}

// isCacheHit flags transfers whose network byte count is zero or tiny
// compared to the payload, which indicates a local cache served the bytes.
func isCacheHit(transferred, resource int64) bool {
	if resource == 0 {
		return false
	}
	return transferred == 0 || transferred*10 < resource
}
